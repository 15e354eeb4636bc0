package docker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Runtime wraps the official Docker client with the operations the agent
// needs to serve the controller: artifact presence, artifact transfer and
// node observation.
type Runtime struct {
	cli *client.Client
}

func NewRuntime() (*Runtime, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// HasImage reports whether the image is already present on this host.
func (r *Runtime) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PullImage fetches the image, blocking until the transfer completes.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("could not pull image '%s': %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull of '%s' interrupted: %w", ref, err)
	}
	log.Printf("[INFO] Image '%s' pulled", ref)
	return nil
}

// containerName maps a (lab, node) pair to the container the provider
// runtime created for it.
func containerName(lab, node string) string {
	return fmt.Sprintf("clab-%s-%s", lab, node)
}

// runState maps an inspected container state to an interface state. A
// container that is not running reports every interface down.
func runState(st *container.State) string {
	if st == nil || !st.Running {
		return "down"
	}
	return "up"
}

// endpointAddresses collects the valid addresses of a container's network
// endpoints in stable order.
func endpointAddresses(networks map[string]*network.EndpointSettings) []string {
	var addrs []string
	for _, nw := range networks {
		if nw != nil && nw.IPAddress.IsValid() {
			addrs = append(addrs, nw.IPAddress.String())
		}
	}
	sort.Strings(addrs)
	return addrs
}

// NodeInterfaceState observes the live state of a node interface. An
// inspection failure is an observation failure, not a state.
func (r *Runtime) NodeInterfaceState(ctx context.Context, lab, node, iface string) (string, error) {
	name := containerName(lab, node)
	resp, err := r.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("node container '%s' does not exist", name)
		}
		return "", err
	}
	return runState(resp.Container.State), nil
}

// NodeAddresses lists the management addresses of a node's container in
// stable order.
func (r *Runtime) NodeAddresses(ctx context.Context, lab, node string) ([]string, error) {
	name := containerName(lab, node)
	resp, err := r.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return nil, err
	}
	if resp.Container.NetworkSettings == nil {
		return nil, nil
	}
	return endpointAddresses(resp.Container.NetworkSettings.Networks), nil
}
