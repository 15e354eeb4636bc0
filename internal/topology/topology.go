package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node is one emulated compute element of a lab topology.
type Node struct {
	Name          string `yaml:"name"`
	Image         string `yaml:"image"`
	CPU           int    `yaml:"cpu,omitempty"`
	MemoryMB      int    `yaml:"memory_mb,omitempty"`
	RequiresLocal bool   `yaml:"requires_local,omitempty"`
}

// Endpoint names one side of a link.
type Endpoint struct {
	Node      string `yaml:"node"`
	Interface string `yaml:"interface"`
}

// Link is a virtual point-to-point connection between two node interfaces.
type Link struct {
	Name   string   `yaml:"name,omitempty"`
	Source Endpoint `yaml:"source"`
	Target Endpoint `yaml:"target"`
}

// Topology is the declarative shape of a lab as authored by the user.
type Topology struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
	Links []Link `yaml:"links,omitempty"`
}

// Load reads and validates a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML topology bytes and validates link endpoints against
// the declared node set. Unnamed links get a deterministic derived name.
func Parse(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("invalid topology yaml: %w", err)
	}
	nodes := map[string]bool{}
	for _, n := range topo.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("topology %q: node with empty name", topo.Name)
		}
		if nodes[n.Name] {
			return nil, fmt.Errorf("topology %q: duplicate node %q", topo.Name, n.Name)
		}
		nodes[n.Name] = true
	}
	for i := range topo.Links {
		l := &topo.Links[i]
		for _, ep := range []Endpoint{l.Source, l.Target} {
			if !nodes[ep.Node] {
				return nil, fmt.Errorf("topology %q: link endpoint references unknown node %q", topo.Name, ep.Node)
			}
		}
		if l.Name == "" {
			l.Name = fmt.Sprintf("%s:%s--%s:%s", l.Source.Node, l.Source.Interface, l.Target.Node, l.Target.Interface)
		}
	}
	return &topo, nil
}
