package db

import (
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared and access
	// serialized across test goroutines.
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormDB.AutoMigrate(
		&User{}, &Host{}, &Lab{}, &NodeDefinition{}, &NodePlacement{},
		&NodeState{}, &LinkState{}, &Job{}, &Webhook{}, &WebhookDelivery{},
	))
	return NewStore(gormDB)
}

func seedLab(t *testing.T, s *Store) *Lab {
	t.Helper()
	lab := &Lab{LabID: "lab-1", Name: "core", Provider: "clab", WorkspaceDir: t.TempDir()}
	require.NoError(t, s.CreateLab(lab))
	return lab
}

func TestSetLabStateErrorInvariant(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)

	// Error state without a message is rejected.
	require.Error(t, s.SetLabState(lab.ID, LabStateError, ""))

	require.NoError(t, s.SetLabState(lab.ID, LabStateError, "deploy step failed"))
	got, err := s.GetLab(lab.LabID)
	require.NoError(t, err)
	assert.Equal(t, LabStateError, got.State)
	assert.Equal(t, "deploy step failed", got.StateError)

	// Leaving the error state clears the message.
	require.NoError(t, s.SetLabState(lab.ID, LabStateRunning, "stale message"))
	got, err = s.GetLab(lab.LabID)
	require.NoError(t, err)
	assert.Equal(t, LabStateRunning, got.State)
	assert.Empty(t, got.StateError)
}

func TestDeleteLabCascades(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)
	host := &Host{HostID: "h1", Status: HostHealthy, LastHeartbeat: time.Now()}
	require.NoError(t, s.UpsertHost(host))

	p := &NodePlacement{LabID: lab.ID, NodeName: "r1", HostID: host.ID}
	require.NoError(t, s.UpsertPlacement(p))
	saved, err := s.GetPlacement(lab.ID, "r1")
	require.NoError(t, err)
	_, err = s.EnsureNodeState(saved.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpsertLinkState(&LinkState{LabID: lab.ID, LinkName: "l1", SourceNode: "r1", TargetNode: "r2"}))

	require.NoError(t, s.DeleteLab(lab.ID))

	var count int64
	s.DB.Model(&NodePlacement{}).Where("lab_id = ?", lab.ID).Count(&count)
	assert.Zero(t, count)
	s.DB.Model(&NodeState{}).Count(&count)
	assert.Zero(t, count)
	s.DB.Model(&LinkState{}).Where("lab_id = ?", lab.ID).Count(&count)
	assert.Zero(t, count)
	// The host survives; it is referenced, never owned.
	s.DB.Model(&Host{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestDeleteNodeDefinitionNullsPlacementRef(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)
	host := &Host{HostID: "h1", Status: HostHealthy}
	require.NoError(t, s.UpsertHost(host))
	def := &NodeDefinition{Name: "r1", Kind: "arista_ceos", Image: "ceos:4.28.3M"}
	require.NoError(t, s.DB.Create(def).Error)

	p := &NodePlacement{LabID: lab.ID, NodeName: "r1", HostID: host.ID, NodeDefinitionID: &def.ID}
	require.NoError(t, s.UpsertPlacement(p))

	require.NoError(t, s.DeleteNodeDefinition(def.ID))

	saved, err := s.GetPlacement(lab.ID, "r1")
	require.NoError(t, err)
	assert.Nil(t, saved.NodeDefinitionID, "placement must survive with the reference nulled")

	found, err := s.FindNodeDefinitionByName("r1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestImageSyncForwardOnly(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)
	host := &Host{HostID: "h1", Status: HostHealthy}
	require.NoError(t, s.UpsertHost(host))
	require.NoError(t, s.UpsertPlacement(&NodePlacement{LabID: lab.ID, NodeName: "r1", HostID: host.ID}))
	p, err := s.GetPlacement(lab.ID, "r1")
	require.NoError(t, err)

	state, err := s.EnsureNodeState(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ImageSyncUnset, state.ImageSyncStatus)

	// Skipping checking is rejected.
	require.ErrorIs(t, s.AdvanceImageSync(p.ID, ImageSyncSyncing, ""), ErrInvalidTransition)

	require.NoError(t, s.AdvanceImageSync(p.ID, ImageSyncChecking, "verifying"))
	require.NoError(t, s.AdvanceImageSync(p.ID, ImageSyncSyncing, "transfer in flight"))
	require.NoError(t, s.AdvanceImageSync(p.ID, ImageSyncFailed, "connection reset"))

	// Terminal states do not move.
	require.ErrorIs(t, s.AdvanceImageSync(p.ID, ImageSyncChecking, ""), ErrInvalidTransition)

	// Explicit reset reopens the cycle.
	require.NoError(t, s.ResetImageSync(p.ID))
	require.NoError(t, s.AdvanceImageSync(p.ID, ImageSyncChecking, ""))
	require.NoError(t, s.AdvanceImageSync(p.ID, ImageSyncSynced, "already present"))
}

func TestCreateJobRejectsConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateJob(&Job{JobID: "job-" + string(rune('a'+i)), LabID: &lab.ID, Action: "deploy"})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrConflictingJob)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one submission may win")

	jobs, err := s.JobsForLab(lab.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateJobAllowsAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)

	require.NoError(t, s.CreateJob(&Job{JobID: "j1", LabID: &lab.ID, Action: "deploy"}))
	require.ErrorIs(t, s.CreateJob(&Job{JobID: "j2", LabID: &lab.ID, Action: "deploy"}), ErrConflictingJob)

	require.NoError(t, s.UpdateJobStatus("j1", JobRunning))
	require.NoError(t, s.UpdateJobStatus("j1", JobFailed))

	require.NoError(t, s.CreateJob(&Job{JobID: "j3", LabID: &lab.ID, Action: "deploy"}))
}

func TestUpdateJobStatusTerminalImmutable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{JobID: "j1", Action: "deploy"}))
	require.NoError(t, s.UpdateJobStatus("j1", JobRunning))
	require.NoError(t, s.UpdateJobStatus("j1", JobCancelled))

	require.ErrorIs(t, s.UpdateJobStatus("j1", JobSucceeded), ErrJobTerminal)
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status)
}

func TestLinksNeedingObservation(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)

	fresh := &LinkState{LabID: lab.ID, LinkName: "fresh", SourceNode: "a", TargetNode: "b"}
	require.NoError(t, s.UpsertLinkState(fresh))
	require.NoError(t, s.RecordLinkObservation(fresh.ID, LinkUp, ""))

	stale := &LinkState{LabID: lab.ID, LinkName: "stale", SourceNode: "a", TargetNode: "c"}
	require.NoError(t, s.UpsertLinkState(stale))
	require.NoError(t, s.DB.Model(&LinkState{}).Where("id = ?", stale.ID).
		Update("last_observed_at", time.Now().Add(-time.Hour)).Error)

	moved := &LinkState{LabID: lab.ID, LinkName: "moved", SourceNode: "b", TargetNode: "c"}
	require.NoError(t, s.UpsertLinkState(moved))
	require.NoError(t, s.RecordLinkObservation(moved.ID, LinkUp, ""))
	require.NoError(t, s.FlagLinksForRecheck(lab.ID, "c"))

	due, err := s.LinksNeedingObservation(10 * time.Minute)
	require.NoError(t, err)
	names := make([]string, 0, len(due))
	for _, l := range due {
		names = append(names, l.LinkName)
	}
	assert.ElementsMatch(t, []string{"stale", "moved"}, names)
}

func TestWebhooksForEventScoping(t *testing.T) {
	s := newTestStore(t)
	lab := seedLab(t, s)
	other := &Lab{LabID: "lab-2", Name: "edge", Provider: "clab"}
	require.NoError(t, s.CreateLab(other))

	global := &Webhook{WebhookID: "w-global", URL: "http://a", Events: `["link.down","job.failed"]`, Enabled: true}
	scoped := &Webhook{WebhookID: "w-scoped", URL: "http://b", LabID: &lab.ID, Events: `["link.down"]`, Enabled: true}
	disabled := &Webhook{WebhookID: "w-off", URL: "http://c", Events: `["link.down"]`, Enabled: false}
	for _, w := range []*Webhook{global, scoped, disabled} {
		require.NoError(t, s.CreateWebhook(w))
	}

	hooks, err := s.WebhooksForEvent("link.down", &lab.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, h := range hooks {
		ids = append(ids, h.WebhookID)
	}
	assert.ElementsMatch(t, []string{"w-global", "w-scoped"}, ids)

	hooks, err = s.WebhooksForEvent("link.down", &other.ID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "w-global", hooks[0].WebhookID)

	hooks, err = s.WebhooksForEvent("job.succeeded", &lab.ID)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestRecordDeliveryUpdatesSummary(t *testing.T) {
	s := newTestStore(t)
	hook := &Webhook{WebhookID: "w1", URL: "http://a", Events: `["link.down"]`, Enabled: true}
	require.NoError(t, s.CreateWebhook(hook))

	require.NoError(t, s.RecordDelivery(&WebhookDelivery{
		WebhookRef: hook.ID, Event: "link.down", StatusCode: 500, Error: "boom", Success: false,
	}))
	require.NoError(t, s.RecordDelivery(&WebhookDelivery{
		WebhookRef: hook.ID, Event: "link.down", StatusCode: 200, Success: true,
	}))

	deliveries, err := s.ListDeliveries(hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.False(t, deliveries[0].Success)
	assert.True(t, deliveries[1].Success)

	saved, err := s.GetWebhook("w1")
	require.NoError(t, err)
	assert.Equal(t, 200, saved.LastStatusCode)
	assert.Empty(t, saved.LastError)
	assert.NotNil(t, saved.LastDeliveryAt)
}

func TestMarkStaleHosts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertHost(&Host{HostID: "fresh", Status: HostHealthy, LastHeartbeat: time.Now()}))
	require.NoError(t, s.UpsertHost(&Host{HostID: "silent", Status: HostHealthy, LastHeartbeat: time.Now().Add(-time.Hour)}))

	n, err := s.MarkStaleHosts(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	hosts, err := s.ListHosts()
	require.NoError(t, err)
	byID := map[string]string{}
	for _, h := range hosts {
		byID[h.HostID] = h.Status
	}
	assert.Equal(t, HostHealthy, byID["fresh"])
	assert.Equal(t, HostUnknown, byID["silent"])
}
