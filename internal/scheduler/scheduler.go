package scheduler

import (
	"fmt"
	"sort"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/topology"
)

// Placement failure reasons, surfaced per node.
const (
	ReasonNoCapableHost     = "NoCapableHost"
	ReasonResourceExhausted = "ResourceExhausted"
)

// A host above any of these utilization levels takes no new nodes.
const (
	maxCPUPercent  = 90.0
	maxMemPercent  = 90.0
	maxDiskPercent = 95.0
)

// Unplaced names a node the scheduler could not assign and why.
type Unplaced struct {
	Node   string
	Reason string
	Detail string
}

// Result is a complete or partial placement map plus the nodes left over.
type Result struct {
	Placements map[string]uint // node name -> host primary key
	Unplaced   []Unplaced
}

// Plan assigns every topology node to a host. It is a pure function of its
// inputs: identical host snapshots and topology produce an identical map.
// Hosts are considered in ascending host-id order so ties never depend on
// iteration order. Nodes already placed on a still-capable host keep their
// assignment even when that host is above the utilization limits: the node
// is running there already, and moving it is more disruptive than leaving a
// busy host alone. Utilization limits gate new assignments only.
func Plan(nodes []topology.Node, hosts []db.Host, existing map[string]uint) Result {
	sorted := make([]db.Host, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HostID < sorted[j].HostID })

	byPK := make(map[uint]db.Host, len(sorted))
	for _, h := range sorted {
		byPK[h.ID] = h
	}

	res := Result{Placements: make(map[string]uint, len(nodes))}
	for _, node := range nodes {
		// Sticky: keep the prior host when it is still available and capable.
		if prev, ok := existing[node.Name]; ok {
			if h, found := byPK[prev]; found && capable(h, node) {
				res.Placements[node.Name] = prev
				continue
			}
		}

		hostPK, reason, detail := pick(sorted, node)
		if reason != "" {
			res.Unplaced = append(res.Unplaced, Unplaced{Node: node.Name, Reason: reason, Detail: detail})
			continue
		}
		res.Placements[node.Name] = hostPK
	}
	return res
}

// pick selects the least-loaded capable host, breaking ties by ascending
// host id (the input is pre-sorted, so the first best candidate wins).
func pick(sorted []db.Host, node topology.Node) (uint, string, string) {
	sawCapable := false
	var best *db.Host
	for i := range sorted {
		h := &sorted[i]
		if !capable(*h, node) {
			continue
		}
		sawCapable = true
		if exhausted(*h) {
			continue
		}
		if best == nil || h.MemPercent < best.MemPercent {
			best = h
		}
	}
	if best == nil {
		if sawCapable {
			return 0, ReasonResourceExhausted, fmt.Sprintf("all capable hosts above utilization limits for node %q", node.Name)
		}
		return 0, ReasonNoCapableHost, fmt.Sprintf("no healthy host can run node %q", node.Name)
	}
	return best.ID, "", ""
}

func capable(h db.Host, node topology.Node) bool {
	if h.Status != db.HostHealthy {
		return false
	}
	if node.RequiresLocal && !h.Local {
		return false
	}
	return true
}

func exhausted(h db.Host) bool {
	return h.CPUPercent > maxCPUPercent || h.MemPercent > maxMemPercent || h.DiskPercent > maxDiskPercent
}
