package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
	"github.com/labforge/labforge/internal/imagesync"
	"github.com/labforge/labforge/internal/jobs"
	"github.com/labforge/labforge/internal/topology"
)

func newTestServer(t *testing.T) (*Server, *db.Store) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormDB.AutoMigrate(
		&db.Lab{}, &db.Host{}, &db.NodeDefinition{}, &db.NodePlacement{},
		&db.NodeState{}, &db.LinkState{}, &db.Job{}, &db.Webhook{}, &db.WebhookDelivery{},
	))
	store := db.NewStore(gormDB)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	loader := func(lab *db.Lab) (*topology.Topology, error) {
		return &topology.Topology{Name: lab.Name}, nil
	}
	images := imagesync.NewCoordinator(store, nil, nil)
	orch := jobs.NewOrchestrator(store, bus, nil, images, loader, t.TempDir())
	return New(store, orch), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "pong", resp["message"])
}

func TestLabCreateAndGet(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/labs", map[string]string{
		"name":     "core",
		"provider": "clab",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created db.Lab
	decode(t, rec, &created)
	require.NotEmpty(t, created.LabID)

	rec = doJSON(t, router, http.MethodGet, "/labs/"+created.LabID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got db.Lab
	decode(t, rec, &got)
	assert.Equal(t, "core", got.Name)
	assert.Equal(t, "clab", got.Provider)
}

func TestLabCreateRejectsUnknownProvider(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/labs", map[string]string{
		"name":     "core",
		"provider": "gns3",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLabGetNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/labs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobSubmitConflict(t *testing.T) {
	s, store := newTestServer(t)
	router := s.Router()

	lab := &db.Lab{LabID: "lab-1", Name: "core", Provider: "clab"}
	require.NoError(t, store.CreateLab(lab))
	require.NoError(t, store.CreateJob(&db.Job{JobID: "j1", LabID: &lab.ID, Action: "deploy", Status: db.JobRunning}))

	rec := doJSON(t, router, http.MethodPost, "/labs/lab-1/jobs", map[string]string{"action": "deploy"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/labs/lab-1/jobs", map[string]string{"action": "explode"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusAndCancel(t *testing.T) {
	s, store := newTestServer(t)
	router := s.Router()

	lab := &db.Lab{LabID: "lab-1", Name: "core", Provider: "clab"}
	require.NoError(t, store.CreateLab(lab))
	require.NoError(t, store.CreateJob(&db.Job{JobID: "j1", LabID: &lab.ID, Action: "deploy", Status: db.JobQueued}))

	rec := doJSON(t, router, http.MethodGet, "/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	decode(t, rec, &status)
	assert.Equal(t, db.JobQueued, status["status"])

	rec = doJSON(t, router, http.MethodPost, "/jobs/j1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, db.JobCancelled, job.Status)

	rec = doJSON(t, router, http.MethodGet, "/jobs/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlacementsMapNodesToHosts(t *testing.T) {
	s, store := newTestServer(t)

	lab := &db.Lab{LabID: "lab-1", Name: "core", Provider: "clab"}
	require.NoError(t, store.CreateLab(lab))
	host := &db.Host{HostID: "h1", Status: db.HostHealthy}
	require.NoError(t, store.UpsertHost(host))
	require.NoError(t, store.UpsertPlacement(&db.NodePlacement{LabID: lab.ID, NodeName: "r1", HostID: host.ID}))

	rec := doJSON(t, s.Router(), http.MethodGet, "/labs/lab-1/placements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mapping map[string]string
	decode(t, rec, &mapping)
	assert.Equal(t, map[string]string{"r1": "h1"}, mapping)
}

func TestLinkDesiredValidation(t *testing.T) {
	s, store := newTestServer(t)
	router := s.Router()

	lab := &db.Lab{LabID: "lab-1", Name: "core", Provider: "clab"}
	require.NoError(t, store.CreateLab(lab))
	link := db.LinkState{LabID: lab.ID, LinkName: "r1:eth0--r2:eth0", DesiredState: db.LinkUp}
	require.NoError(t, store.UpsertLinkState(&link))

	rec := doJSON(t, router, http.MethodPut, "/labs/lab-1/links/r1:eth0--r2:eth0/desired",
		map[string]string{"state": "flapping"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/labs/lab-1/links/r1:eth0--r2:eth0/desired",
		map[string]string{"state": db.LinkDown})
	require.Equal(t, http.StatusOK, rec.Code)

	links, err := store.LinkStatesForLab(lab.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, db.LinkDown, links[0].DesiredState)
}

func TestProviderActions(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodGet, "/providers/clab/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, true, resp["supports_node_actions"])

	rec = doJSON(t, router, http.MethodGet, "/providers/vrnet/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, false, resp["supports_node_actions"])

	rec = doJSON(t, router, http.MethodGet, "/providers/gns3/actions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookCreateAndDeliveries(t *testing.T) {
	s, store := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/webhooks", map[string]interface{}{
		"url":    "https://example.test/hook",
		"events": []string{"job.succeeded"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decode(t, rec, &created)
	webhookID := created["webhook_id"]
	require.NotEmpty(t, webhookID)

	hook, err := store.GetWebhook(webhookID)
	require.NoError(t, err)
	require.NoError(t, store.RecordDelivery(&db.WebhookDelivery{
		WebhookRef: hook.ID,
		Event:      "job.succeeded",
		StatusCode: 200,
		Success:    true,
	}))

	rec = doJSON(t, router, http.MethodGet, "/webhooks/"+webhookID+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deliveries []db.WebhookDelivery
	decode(t, rec, &deliveries)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
}

func TestWebhookCreateValidation(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/webhooks", map[string]interface{}{
		"url": "https://example.test/hook",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/webhooks", map[string]interface{}{
		"url":    "https://example.test/hook",
		"events": []string{"job.succeeded"},
		"lab_id": "ghost",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHostList(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.UpsertHost(&db.Host{HostID: "h2", Status: db.HostHealthy, LastHeartbeat: time.Now()}))
	require.NoError(t, store.UpsertHost(&db.Host{HostID: "h1", Status: db.HostHealthy, LastHeartbeat: time.Now()}))

	rec := doJSON(t, s.Router(), http.MethodGet, "/hosts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hosts []db.Host
	decode(t, rec, &hosts)
	require.Len(t, hosts, 2)
	assert.Equal(t, "h1", hosts[0].HostID, "hosts listed in stable order")
}
