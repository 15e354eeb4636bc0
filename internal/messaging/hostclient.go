package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultRequestTimeout bounds every host agent call. A timeout is a failed
// observation, never a success.
const DefaultRequestTimeout = 10 * time.Second

// HostClient issues request/reply calls to host agents over NATS.
type HostClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewHostClient(nc *nats.Conn) *HostClient {
	return &HostClient{nc: nc, timeout: DefaultRequestTimeout}
}

func (c *HostClient) request(ctx context.Context, subject string, req, reply interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("host request on %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, reply)
}

// GetInterfaceState observes the live state of one node interface on a host.
func (c *HostClient) GetInterfaceState(ctx context.Context, hostID, lab, node, iface string) (string, error) {
	var reply InterfaceStateReply
	err := c.request(ctx, SubjectHostInterfaceState(hostID), InterfaceStateRequest{Lab: lab, Node: node, Interface: iface}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.State, nil
}

// CheckArtifact asks a host whether it already holds the artifact.
func (c *HostClient) CheckArtifact(ctx context.Context, hostID string, artifact ArtifactRequest) (bool, error) {
	var reply ArtifactCheckReply
	if err := c.request(ctx, SubjectHostArtifactCheck(hostID), artifact, &reply); err != nil {
		return false, err
	}
	if reply.Error != "" {
		return false, errors.New(reply.Error)
	}
	return reply.Present, nil
}

// TransferArtifact asks a host to fetch the artifact and waits for the
// outcome.
func (c *HostClient) TransferArtifact(ctx context.Context, hostID string, artifact ArtifactRequest) error {
	var reply ArtifactTransferReply
	if err := c.request(ctx, SubjectHostArtifactTransfer(hostID), artifact, &reply); err != nil {
		return err
	}
	if !reply.Ok {
		return errors.New(reply.Message)
	}
	return nil
}

// GetResourceUsage fetches a host resource snapshot.
func (c *HostClient) GetResourceUsage(ctx context.Context, hostID string) (UsageReply, error) {
	var reply UsageReply
	err := c.request(ctx, SubjectHostUsage(hostID), struct{}{}, &reply)
	return reply, err
}

// RunCommand executes a provider command on the host and returns its result.
func (c *HostClient) RunCommand(ctx context.Context, hostID string, argv []string) (CommandReply, error) {
	var reply CommandReply
	err := c.request(ctx, SubjectHostCommand(hostID), CommandRequest{Argv: argv}, &reply)
	if err != nil {
		return reply, err
	}
	if reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
