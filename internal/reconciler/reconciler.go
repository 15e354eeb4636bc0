package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
	"github.com/labforge/labforge/internal/messaging"
	"github.com/labforge/labforge/internal/provider"
)

// AgentClient is the slice of the host agent protocol the reconciler uses.
type AgentClient interface {
	GetInterfaceState(ctx context.Context, hostID, lab, node, iface string) (string, error)
	RunCommand(ctx context.Context, hostID string, argv []string) (messaging.CommandReply, error)
}

// Reconciler drives every link's actual state toward its desired state.
// Actual state is only ever set from a direct observation; a failed
// observation lands as unknown, never as a stale prior value.
type Reconciler struct {
	store    *db.Store
	agent    AgentClient
	bus      *events.Bus
	interval time.Duration

	mu   sync.Mutex
	busy map[uint]bool
}

func New(store *db.Store, agent AgentClient, bus *events.Bus, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		agent:    agent,
		bus:      bus,
		interval: interval,
		busy:     make(map[uint]bool),
	}
}

// Run executes the control loop until the context is cancelled. Drift is
// caught by comparing on a fixed interval, not by waiting for events that
// may never fire.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reconciles every link due for observation. Links are handled
// concurrently with no cross-link ordering; a single link is never touched
// by two concurrent reconciliations.
func (r *Reconciler) Sweep(ctx context.Context) {
	links, err := r.store.LinksNeedingObservation(r.interval)
	if err != nil {
		log.Printf("[ERROR] Listing links for reconciliation: %v", err)
		return
	}

	var wg sync.WaitGroup
	for i := range links {
		link := links[i]
		if !r.acquire(link.ID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.release(link.ID)
			r.ReconcileLink(ctx, link)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) acquire(id uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[id] {
		return false
	}
	r.busy[id] = true
	return true
}

func (r *Reconciler) release(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
}

// ReconcileLink observes one link and, when actual diverges from desired,
// issues the provider correction and re-observes. Success is confirmed by
// observation, never inferred from command exit codes.
func (r *Reconciler) ReconcileLink(ctx context.Context, link db.LinkState) {
	lab, err := r.store.GetLabByPK(link.LabID)
	if err != nil {
		r.record(link, db.LinkUnknown, fmt.Sprintf("lab lookup failed: %v", err))
		return
	}

	actual, obsErr := r.observe(ctx, lab, link)
	if obsErr != nil {
		r.record(link, db.LinkUnknown, obsErr.Error())
		return
	}
	r.record(link, actual, "")
	link.ActualState = actual

	// An unconfirmed observation is retried on the next sweep rather than
	// corrected against.
	if actual == link.DesiredState || actual == db.LinkUnknown || link.DesiredState == "" {
		return
	}

	if err := r.correct(ctx, lab, link); err != nil {
		log.Printf("[ERROR] Correcting link %s in lab %s: %v", link.LinkName, lab.Name, err)
	}

	confirmed, obsErr := r.observe(ctx, lab, link)
	if obsErr != nil {
		r.record(link, db.LinkUnknown, obsErr.Error())
		return
	}
	r.record(link, confirmed, "")
}

// observe queries both endpoint hosts for live interface state. The link
// state is the minimum of the two sides: either side down means down. An
// endpoint reporting anything other than up or down leaves the link
// unconfirmed; a definite state is only ever derived from definite endpoint
// observations.
func (r *Reconciler) observe(ctx context.Context, lab *db.Lab, link db.LinkState) (string, error) {
	states := make([]string, 0, 2)
	endpoints := []struct{ node, iface string }{
		{link.SourceNode, link.SourceInterface},
		{link.TargetNode, link.TargetInterface},
	}
	for _, ep := range endpoints {
		placement, err := r.store.GetPlacement(link.LabID, ep.node)
		if err != nil {
			return "", fmt.Errorf("endpoint %s is not placed: %w", ep.node, err)
		}
		host, err := r.store.GetHostByPK(placement.HostID)
		if err != nil {
			return "", fmt.Errorf("host for endpoint %s not found: %w", ep.node, err)
		}
		state, err := r.agent.GetInterfaceState(ctx, host.HostID, lab.Name, ep.node, ep.iface)
		if err != nil {
			return "", fmt.Errorf("observing %s/%s on host %s: %w", ep.node, ep.iface, host.HostID, err)
		}
		states = append(states, state)
	}
	if states[0] == db.LinkDown || states[1] == db.LinkDown {
		return db.LinkDown, nil
	}
	if states[0] == db.LinkUp && states[1] == db.LinkUp {
		return db.LinkUp, nil
	}
	return db.LinkUnknown, nil
}

// correct issues the provider command toward the desired state on both
// endpoint hosts.
func (r *Reconciler) correct(ctx context.Context, lab *db.Lab, link db.LinkState) error {
	endpoints := []struct{ node, iface string }{
		{link.SourceNode, link.SourceInterface},
		{link.TargetNode, link.TargetInterface},
	}
	for _, ep := range endpoints {
		argv, err := provider.BuildLinkCommand(lab.Provider, lab.Name, ep.node, ep.iface, link.DesiredState)
		if err != nil {
			return err
		}
		placement, err := r.store.GetPlacement(link.LabID, ep.node)
		if err != nil {
			return err
		}
		host, err := r.store.GetHostByPK(placement.HostID)
		if err != nil {
			return err
		}
		if _, err := r.agent.RunCommand(ctx, host.HostID, argv); err != nil {
			return fmt.Errorf("link command on host %s: %w", host.HostID, err)
		}
	}
	return nil
}

// record persists one observation outcome and emits a transition event when
// the actual state changed. The record is committed before the event goes
// out.
func (r *Reconciler) record(link db.LinkState, actual, errMessage string) {
	if err := r.store.RecordLinkObservation(link.ID, actual, errMessage); err != nil {
		log.Printf("[ERROR] Recording observation for link %s: %v", link.LinkName, err)
		return
	}
	if actual == link.ActualState || r.bus == nil {
		return
	}
	eventType := map[string]string{
		db.LinkUp:      events.TypeLinkUp,
		db.LinkDown:    events.TypeLinkDown,
		db.LinkUnknown: events.TypeLinkUnknown,
	}[actual]
	labID := link.LabID
	r.bus.Emit(eventType, &labID, nil, map[string]interface{}{
		"link":     link.LinkName,
		"actual":   actual,
		"desired":  link.DesiredState,
		"previous": link.ActualState,
		"error":    errMessage,
	})
}
