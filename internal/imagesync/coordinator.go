package imagesync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/messaging"
)

// AgentClient is the slice of the host agent protocol the coordinator uses.
type AgentClient interface {
	CheckArtifact(ctx context.Context, hostID string, artifact messaging.ArtifactRequest) (bool, error)
	TransferArtifact(ctx context.Context, hostID string, artifact messaging.ArtifactRequest) error
}

// Outcome is the terminal result of an EnsureSynced call.
type Outcome struct {
	Status  string // db.ImageSyncSynced or db.ImageSyncFailed
	Message string
}

// transfer is one in-flight artifact copy. Waiters block on done and then
// read the shared outcome.
type transfer struct {
	done    chan struct{}
	outcome Outcome
}

// Coordinator ensures an artifact exists on a host before the node that
// needs it is considered placement-ready. At most one transfer runs per
// (host, artifact) pair; concurrent requests await the in-flight copy.
type Coordinator struct {
	store    *db.Store
	agent    AgentClient
	detector *Detector

	mu       sync.Mutex
	inflight map[string]*transfer
}

func NewCoordinator(store *db.Store, agent AgentClient, detector *Detector) *Coordinator {
	return &Coordinator{
		store:    store,
		agent:    agent,
		detector: detector,
		inflight: make(map[string]*transfer),
	}
}

// EnsureSynced drives a placement's image-sync status through
// checking -> syncing -> {synced, failed} and returns the terminal outcome.
// Failures are not retried here; a retry is the caller's decision.
func (c *Coordinator) EnsureSynced(ctx context.Context, hostID string, placementID uint, artifact messaging.ArtifactRequest) (Outcome, error) {
	if err := c.store.AdvanceImageSync(placementID, db.ImageSyncChecking, "verifying artifact on host"); err != nil {
		return Outcome{}, err
	}

	present, err := c.agent.CheckArtifact(ctx, hostID, artifact)
	if err == nil && present {
		outcome := Outcome{Status: db.ImageSyncSynced, Message: c.annotate("already present", artifact.Name)}
		return outcome, c.store.AdvanceImageSync(placementID, outcome.Status, outcome.Message)
	}
	if err != nil {
		log.Printf("[INFO] Artifact check for %s on %s failed, falling through to transfer: %v", artifact.Name, hostID, err)
	}

	if err := c.store.AdvanceImageSync(placementID, db.ImageSyncSyncing, "transfer in flight"); err != nil {
		return Outcome{}, err
	}

	outcome, err := c.await(ctx, hostID, artifact)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, c.store.AdvanceImageSync(placementID, outcome.Status, outcome.Message)
}

// await joins the single transfer for (host, artifact), starting it if this
// caller is first.
func (c *Coordinator) await(ctx context.Context, hostID string, artifact messaging.ArtifactRequest) (Outcome, error) {
	key := hostID + "/" + artifact.Name

	c.mu.Lock()
	if t, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-t.done:
			return t.outcome, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	t := &transfer{done: make(chan struct{})}
	c.inflight[key] = t
	c.mu.Unlock()

	if err := c.agent.TransferArtifact(ctx, hostID, artifact); err != nil {
		t.outcome = Outcome{
			Status:  db.ImageSyncFailed,
			Message: fmt.Sprintf("transfer of %s to host %s failed: %v", artifact.Name, hostID, err),
		}
	} else {
		t.outcome = Outcome{Status: db.ImageSyncSynced, Message: c.annotate("transferred", artifact.Name)}
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(t.done)

	return t.outcome, nil
}

// annotate attaches detected device kind and version to the sync message so
// operators can see what landed without log access.
func (c *Coordinator) annotate(verb, filename string) string {
	if c.detector == nil {
		return verb
	}
	device, version := c.detector.Detect(filename)
	msg := verb
	if device != "" {
		msg += " device=" + device
	}
	if version != "" {
		msg += " version=" + version
	}
	return msg
}
