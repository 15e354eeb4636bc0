package agent

import (
	"context"
	"encoding/json"
	"log"
	"os/exec"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/labforge/labforge/internal/agent/docker"
	"github.com/labforge/labforge/internal/messaging"
)

// Agent serves the host side of the controller protocol: it answers
// interface observations, artifact checks and transfers, usage snapshots
// and provider commands, and publishes periodic heartbeats.
type Agent struct {
	hostID    string
	address   string
	local     bool
	dataDir   string
	nc        *nats.Conn
	runtime   *docker.Runtime
	startedAt time.Time
	subs      []*nats.Subscription
}

func New(hostID, address string, local bool, dataDir string, nc *nats.Conn, runtime *docker.Runtime) *Agent {
	return &Agent{
		hostID:    hostID,
		address:   address,
		local:     local,
		dataDir:   dataDir,
		nc:        nc,
		runtime:   runtime,
		startedAt: time.Now(),
	}
}

// Start subscribes the protocol responders and begins heartbeating until
// the context is cancelled.
func (a *Agent) Start(ctx context.Context, heartbeatInterval time.Duration) error {
	handlers := map[string]nats.MsgHandler{
		messaging.SubjectHostInterfaceState(a.hostID):   a.handleInterfaceState,
		messaging.SubjectHostArtifactCheck(a.hostID):    a.handleArtifactCheck,
		messaging.SubjectHostArtifactTransfer(a.hostID): a.handleArtifactTransfer,
		messaging.SubjectHostUsage(a.hostID):            a.handleUsage,
		messaging.SubjectHostCommand(a.hostID):          a.handleCommand,
	}
	for subject, handler := range handlers {
		sub, err := a.nc.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		a.subs = append(a.subs, sub)
	}
	log.Printf("[INFO] Agent %s serving controller requests", a.hostID)

	a.heartbeat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, sub := range a.subs {
				_ = sub.Unsubscribe()
			}
			return nil
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *Agent) heartbeat() {
	hb := messaging.Heartbeat{
		HostID:      a.hostID,
		Address:     a.address,
		Local:       a.local,
		CPUPercent:  loadPercent(),
		MemPercent:  memPercent(),
		DiskPercent: diskPercent(a.dataDir),
		StartedAt:   a.startedAt,
		Timestamp:   time.Now(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		log.Printf("[ERROR] Marshalling heartbeat: %v", err)
		return
	}
	if err := a.nc.Publish(messaging.SubjectAgentHeartbeat, data); err != nil {
		log.Printf("[ERROR] Publishing heartbeat: %v", err)
	}
}

func respond(m *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ERROR] Marshalling reply: %v", err)
		return
	}
	if err := m.Respond(data); err != nil {
		log.Printf("[ERROR] Responding on %s: %v", m.Subject, err)
	}
}

func (a *Agent) handleInterfaceState(m *nats.Msg) {
	var req messaging.InterfaceStateRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		respond(m, messaging.InterfaceStateReply{State: "unknown", Error: err.Error()})
		return
	}
	state, err := a.runtime.NodeInterfaceState(context.Background(), req.Lab, req.Node, req.Interface)
	if err != nil {
		respond(m, messaging.InterfaceStateReply{State: "unknown", Error: err.Error()})
		return
	}
	respond(m, messaging.InterfaceStateReply{State: state})
}

func (a *Agent) handleArtifactCheck(m *nats.Msg) {
	var req messaging.ArtifactRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		respond(m, messaging.ArtifactCheckReply{Error: err.Error()})
		return
	}
	present, err := a.runtime.HasImage(context.Background(), req.Name)
	if err != nil {
		respond(m, messaging.ArtifactCheckReply{Error: err.Error()})
		return
	}
	respond(m, messaging.ArtifactCheckReply{Present: present})
}

func (a *Agent) handleArtifactTransfer(m *nats.Msg) {
	var req messaging.ArtifactRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		respond(m, messaging.ArtifactTransferReply{Message: err.Error()})
		return
	}
	log.Printf("[INFO] Transfer requested for artifact '%s'", req.Name)
	if err := a.runtime.PullImage(context.Background(), req.Name); err != nil {
		respond(m, messaging.ArtifactTransferReply{Message: err.Error()})
		return
	}
	respond(m, messaging.ArtifactTransferReply{Ok: true})
}

func (a *Agent) handleUsage(m *nats.Msg) {
	respond(m, messaging.UsageReply{
		CPUPercent:  loadPercent(),
		MemPercent:  memPercent(),
		DiskPercent: diskPercent(a.dataDir),
		StartedAt:   a.startedAt,
	})
}

func (a *Agent) handleCommand(m *nats.Msg) {
	var req messaging.CommandRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		respond(m, messaging.CommandReply{ExitCode: -1, Error: err.Error()})
		return
	}
	if len(req.Argv) == 0 {
		respond(m, messaging.CommandReply{ExitCode: -1, Error: "empty command"})
		return
	}
	log.Printf("[INFO] Executing provider command: %v", req.Argv)
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	output, err := cmd.CombinedOutput()
	reply := messaging.CommandReply{Output: string(output)}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			reply.ExitCode = exitErr.ExitCode()
		} else {
			reply.ExitCode = -1
		}
		reply.Error = err.Error()
	}
	respond(m, reply)
}
