package messaging

import (
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectAgentHeartbeat is the subject for agent heartbeats.
	SubjectAgentHeartbeat = "labforge.agent.heartbeat"
)

// SubjectHostInterfaceState is the request/reply subject for live interface
// observation on one host.
func SubjectHostInterfaceState(hostID string) string {
	return "labforge.host." + sanitize(hostID) + ".iface"
}

// SubjectHostArtifactCheck asks a host whether it already holds an artifact.
func SubjectHostArtifactCheck(hostID string) string {
	return "labforge.host." + sanitize(hostID) + ".artifact.check"
}

// SubjectHostArtifactTransfer asks a host to fetch an artifact.
func SubjectHostArtifactTransfer(hostID string) string {
	return "labforge.host." + sanitize(hostID) + ".artifact.transfer"
}

// SubjectHostUsage requests a host resource usage snapshot.
func SubjectHostUsage(hostID string) string {
	return "labforge.host." + sanitize(hostID) + ".usage"
}

// SubjectHostCommand asks a host to execute a provider command.
func SubjectHostCommand(hostID string) string {
	return "labforge.host." + sanitize(hostID) + ".command"
}

func sanitize(hostID string) string {
	return strings.ReplaceAll(hostID, " ", "")
}

// Heartbeat is the message sent periodically by an agent.
type Heartbeat struct {
	HostID      string    `json:"host_id"`
	Address     string    `json:"address"`
	Local       bool      `json:"local"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	StartedAt   time.Time `json:"started_at"`
	Timestamp   time.Time `json:"timestamp"`
}

// InterfaceStateRequest asks for the live state of one node interface.
type InterfaceStateRequest struct {
	Lab       string `json:"lab"`
	Node      string `json:"node"`
	Interface string `json:"interface"`
}

// InterfaceStateReply carries the observed interface state: "up", "down"
// or "unknown" with Error set.
type InterfaceStateReply struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ArtifactRequest identifies an image or disk file by name and checksum.
type ArtifactRequest struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum,omitempty"`
}

// ArtifactCheckReply reports whether the artifact is already present.
type ArtifactCheckReply struct {
	Present bool   `json:"present"`
	Error   string `json:"error,omitempty"`
}

// ArtifactTransferReply reports the outcome of a transfer.
type ArtifactTransferReply struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// UsageReply is a host resource usage snapshot.
type UsageReply struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	StartedAt   time.Time `json:"started_at"`
}

// CommandRequest is a provider command to execute on the host.
type CommandRequest struct {
	Argv []string `json:"argv"`
}

// CommandReply reports the outcome of a provider command.
type CommandReply struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to NATS server at", natsURL)
	return nc, nil
}
