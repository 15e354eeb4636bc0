package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/messaging"
	"github.com/labforge/labforge/internal/provider"
	"github.com/labforge/labforge/internal/scheduler"
)

func (jc *jobContext) ensureTopology(o *Orchestrator) error {
	if jc.topo != nil {
		return nil
	}
	if jc.lab == nil {
		return errors.New("job has no lab")
	}
	topo, err := o.loader(jc.lab)
	if err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}
	jc.topo = topo
	return nil
}

// stepPlaceNodes runs the scheduler over the current host snapshot and
// persists the resulting assignments. Unplaceable nodes fail the step with
// one reason per node; already-placed nodes on capable hosts stay put.
func (o *Orchestrator) stepPlaceNodes(ctx context.Context, jc *jobContext) error {
	if err := jc.ensureTopology(o); err != nil {
		return err
	}
	hosts, err := o.store.ListHosts()
	if err != nil {
		return err
	}
	o.refreshHostUsage(ctx, jc, hosts)
	prior, err := o.store.PlacementsForLab(jc.lab.ID)
	if err != nil {
		return err
	}
	existing := make(map[string]uint, len(prior))
	for _, p := range prior {
		existing[p.NodeName] = p.HostID
	}

	result := scheduler.Plan(jc.topo.Nodes, hosts, existing)
	if len(result.Unplaced) > 0 {
		reasons := make([]string, 0, len(result.Unplaced))
		for _, u := range result.Unplaced {
			jc.logf("node %q unplaceable: %s (%s)", u.Node, u.Reason, u.Detail)
			reasons = append(reasons, fmt.Sprintf("%s: %s", u.Node, u.Reason))
		}
		return fmt.Errorf("unplaceable nodes: %s", strings.Join(reasons, "; "))
	}

	for node, hostPK := range result.Placements {
		placement := db.NodePlacement{LabID: jc.lab.ID, NodeName: node, HostID: hostPK}
		if def, err := o.store.FindNodeDefinitionByName(node); err == nil && def != nil {
			placement.NodeDefinitionID = &def.ID
		}
		if err := o.store.UpsertPlacement(&placement); err != nil {
			return fmt.Errorf("persisting placement for %q: %w", node, err)
		}
		saved, err := o.store.GetPlacement(jc.lab.ID, node)
		if err != nil {
			return err
		}
		if _, err := o.store.EnsureNodeState(saved.ID); err != nil {
			return fmt.Errorf("creating node state for %q: %w", node, err)
		}
		if prevHost, had := existing[node]; had && prevHost != hostPK {
			jc.logf("node %q moved host, flagging its links for re-verification", node)
			if err := o.store.FlagLinksForRecheck(jc.lab.ID, node); err != nil {
				return err
			}
		}
		jc.logf("node %q placed on host %d", node, hostPK)
	}
	return nil
}

// refreshHostUsage polls each healthy host for live resource usage and
// overlays it on the snapshot the scheduler sees. Heartbeat-carried figures
// can be up to an interval stale; a placement decision deserves current
// numbers. Failures are logged and leave the stored figures in place.
func (o *Orchestrator) refreshHostUsage(ctx context.Context, jc *jobContext, hosts []db.Host) {
	for i := range hosts {
		if hosts[i].Status != db.HostHealthy {
			continue
		}
		usage, err := o.agent.GetResourceUsage(ctx, hosts[i].HostID)
		if err != nil {
			jc.logf("usage poll of host %s failed, using last reported figures: %v", hosts[i].HostID, err)
			continue
		}
		hosts[i].CPUPercent = usage.CPUPercent
		hosts[i].MemPercent = usage.MemPercent
		hosts[i].DiskPercent = usage.DiskPercent
	}
}

// stepSyncImages ensures every node's artifact is present on its assigned
// host. Previously terminal sync states are reset first: an explicit
// re-submission is the one sanctioned retry path.
func (o *Orchestrator) stepSyncImages(ctx context.Context, jc *jobContext) error {
	if err := jc.ensureTopology(o); err != nil {
		return err
	}
	for _, node := range jc.topo.Nodes {
		if node.Image == "" {
			continue
		}
		placement, err := o.store.GetPlacement(jc.lab.ID, node.Name)
		if err != nil {
			return fmt.Errorf("node %q has no placement: %w", node.Name, err)
		}
		host, err := o.store.GetHostByPK(placement.HostID)
		if err != nil {
			return err
		}

		state, err := o.store.GetNodeState(placement.ID)
		if err != nil {
			return err
		}
		if state.ImageSyncStatus != db.ImageSyncUnset {
			if err := o.store.ResetImageSync(placement.ID); err != nil {
				return err
			}
		}

		outcome, err := o.images.EnsureSynced(ctx, host.HostID, placement.ID, messaging.ArtifactRequest{Name: node.Image})
		if err != nil {
			return fmt.Errorf("syncing %q for node %q: %w", node.Image, node.Name, err)
		}
		jc.logf("node %q image %q: %s (%s)", node.Name, node.Image, outcome.Status, outcome.Message)
		if outcome.Status != db.ImageSyncSynced {
			return fmt.Errorf("image sync failed for node %q: %s", node.Name, outcome.Message)
		}
	}
	return nil
}

// stepStartNodes issues the provider start command for every placed node.
// A provider without per-node actions deploys as a whole elsewhere, so the
// step is a logged no-op for it.
func (o *Orchestrator) stepStartNodes(ctx context.Context, jc *jobContext) error {
	return o.runNodeCommands(ctx, jc, provider.ActionStart)
}

func (o *Orchestrator) stepStopNodes(ctx context.Context, jc *jobContext) error {
	return o.runNodeCommands(ctx, jc, provider.ActionStop)
}

func (o *Orchestrator) runNodeCommands(ctx context.Context, jc *jobContext, action provider.Action) error {
	if !provider.SupportsNodeActions(jc.lab.Provider) {
		jc.logf("provider %q has no per-node actions, skipping", jc.lab.Provider)
		return nil
	}
	placements, err := o.store.PlacementsForLab(jc.lab.ID)
	if err != nil {
		return err
	}
	for _, p := range placements {
		argv, err := provider.BuildNodeCommand(jc.lab.Provider, jc.lab.Name, action, p.NodeName)
		if err != nil {
			return err
		}
		host, err := o.store.GetHostByPK(p.HostID)
		if err != nil {
			return err
		}
		reply, err := o.agent.RunCommand(ctx, host.HostID, argv)
		if err != nil {
			return fmt.Errorf("%s of node %q on host %s: %w", action, p.NodeName, host.HostID, err)
		}
		jc.logf("node %q %s on host %s: exit=%d", p.NodeName, action, host.HostID, reply.ExitCode)
	}
	return nil
}

// stepVerifyLinks materializes the topology's links as desired-up link
// records flagged for immediate observation. The reconciler control loop
// confirms the actual state; the job never assumes it.
func (o *Orchestrator) stepVerifyLinks(ctx context.Context, jc *jobContext) error {
	if err := jc.ensureTopology(o); err != nil {
		return err
	}
	for _, l := range jc.topo.Links {
		link := db.LinkState{
			LabID:           jc.lab.ID,
			LinkName:        l.Name,
			SourceNode:      l.Source.Node,
			SourceInterface: l.Source.Interface,
			TargetNode:      l.Target.Node,
			TargetInterface: l.Target.Interface,
			DesiredState:    db.LinkUp,
			Recheck:         true,
		}
		if err := o.store.UpsertLinkState(&link); err != nil {
			return fmt.Errorf("recording link %q: %w", l.Name, err)
		}
		jc.logf("link %q registered, desired=%s", l.Name, db.LinkUp)
	}
	return nil
}

// stepTearDown removes the lab's runtime records after its nodes stopped.
func (o *Orchestrator) stepTearDown(ctx context.Context, jc *jobContext) error {
	if err := o.store.ClearLabRuntime(jc.lab.ID); err != nil {
		return err
	}
	jc.logf("placements, node states and link states removed")
	return nil
}

// stepNodeAction builds the single-node step for node.start / node.stop
// jobs. The target node comes from the job's parameters.
func (o *Orchestrator) stepNodeAction(action provider.Action) func(ctx context.Context, jc *jobContext) error {
	return func(ctx context.Context, jc *jobContext) error {
		params := map[string]string{}
		if jc.job.Params != "" {
			if err := json.Unmarshal([]byte(jc.job.Params), &params); err != nil {
				return fmt.Errorf("invalid job params: %w", err)
			}
		}
		node := params["node"]
		if node == "" {
			return errors.New("node action requires a \"node\" parameter")
		}
		argv, err := provider.BuildNodeCommand(jc.lab.Provider, jc.lab.Name, action, node)
		if err != nil {
			return err
		}
		placement, err := o.store.GetPlacement(jc.lab.ID, node)
		if err != nil {
			return fmt.Errorf("node %q has no placement: %w", node, err)
		}
		host, err := o.store.GetHostByPK(placement.HostID)
		if err != nil {
			return err
		}
		reply, err := o.agent.RunCommand(ctx, host.HostID, argv)
		if err != nil {
			return fmt.Errorf("%s of node %q on host %s: %w", action, node, host.HostID, err)
		}
		jc.logf("node %q %s on host %s: exit=%d", node, action, host.HostID, reply.ExitCode)
		return nil
	}
}
