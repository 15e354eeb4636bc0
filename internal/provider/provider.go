package provider

import (
	"errors"
	"fmt"
	"sort"
)

// Action is an abstract operation on a single lab node.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

var (
	// ErrUnsupportedProvider is returned for a provider identifier not in
	// the registry.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrUnsupportedAction is returned when a known provider does not
	// implement the requested action.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// nodeCommandBuilder produces the argument vector for one action variant.
type nodeCommandBuilder func(labName, node string) []string

// variant is one provider backend. Adding a provider means adding one
// variant here; callers never change.
type variant struct {
	nodeActions map[Action]nodeCommandBuilder
	linkSet     func(labName, node, iface, state string) []string
}

// registry is the closed set of known providers. Unknown identifiers are a
// configuration error surfaced by lookup, never a fallback chain.
var registry = map[string]variant{
	"clab": {
		nodeActions: map[Action]nodeCommandBuilder{
			ActionStart: func(labName, node string) []string {
				return []string{"containerlab", "tools", "node", "start", "--lab", labName, "--node", node}
			},
			ActionStop: func(labName, node string) []string {
				return []string{"containerlab", "tools", "node", "stop", "--lab", labName, "--node", node}
			},
		},
		linkSet: func(labName, node, iface, state string) []string {
			return []string{"containerlab", "tools", "netem", "set", "--lab", labName, "--node", node, "--interface", iface, "--state", state}
		},
	},
	// The VM backend manages whole labs only; it exposes no per-node
	// actions and must answer the capability query with an empty set.
	"vrnet": {
		linkSet: func(labName, node, iface, state string) []string {
			return []string{"vrnetctl", "link", "set", labName, node, iface, state}
		},
	},
}

// Known reports whether a provider identifier is registered. Callers use it
// at lab registration time so bad identifiers fail early.
func Known(provider string) bool {
	_, ok := registry[provider]
	return ok
}

// BuildNodeCommand returns the exact argument vector for an abstract node
// action on the given provider.
func BuildNodeCommand(provider, labName string, action Action, node string) ([]string, error) {
	v, ok := registry[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	build, ok := v.nodeActions[action]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q does not implement %q", ErrUnsupportedAction, provider, action)
	}
	return build(labName, node), nil
}

// BuildLinkCommand returns the argument vector that drives one endpoint
// interface toward the given state ("up" or "down").
func BuildLinkCommand(provider, labName, node, iface, state string) ([]string, error) {
	v, ok := registry[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	if v.linkSet == nil {
		return nil, fmt.Errorf("%w: provider %q cannot set link state", ErrUnsupportedAction, provider)
	}
	return v.linkSet(labName, node, iface, state), nil
}

// SupportsNodeActions reports whether the provider implements any per-node
// action at all, so callers can pre-filter affordances without executing.
func SupportsNodeActions(provider string) bool {
	v, ok := registry[provider]
	return ok && len(v.nodeActions) > 0
}

// SupportedActions lists the node actions a provider implements, sorted for
// stable output. A provider with none returns an empty set, not an error.
func SupportedActions(provider string) ([]Action, error) {
	v, ok := registry[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	actions := make([]Action, 0, len(v.nodeActions))
	for a := range v.nodeActions {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions, nil
}
