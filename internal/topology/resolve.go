package topology

import (
	"fmt"
	"sort"

	"casunet/internal/diag"
	"casunet/internal/model"
)

// Inbound describes one upstream neighbour of a node.
type Inbound struct {
	Weight float64
	Label  *string
}

// Flatten collapses a layered graph into a single layer. Nodes are merged by
// resolved id. Edges are replayed in declaration order; an edge whose
// endpoints do not both resolve is skipped, and an edge seen again overwrites
// the attributes it carries.
func Flatten(g *Graph, logger *diag.Logger) *Graph {
	flat := NewGraph()
	for _, n := range g.nodes {
		flat.AddNode(ResolveID(string(n)))
	}
	for _, e := range g.edges {
		src := ResolveID(string(e.Src))
		dst := ResolveID(string(e.Dst))
		if !flat.HasNode(src) || !flat.HasNode(dst) {
			logger.Warning("edge %s -> %s: endpoints not both present, not adding edge", e.Src, e.Dst)
			continue
		}
		flat.SetEdge(src, dst, e.Attrs)
	}
	return flat
}

// OutboundMap lists the destinations node emits to, keyed by destination and
// carrying the edge label.
func OutboundMap(g *Graph, node model.NodeID) (map[model.NodeID]*string, error) {
	if !g.HasNode(node) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, node)
	}
	out := make(map[model.NodeID]*string)
	for _, e := range g.edges {
		if e.Src != node {
			continue
		}
		out[ResolveID(string(e.Dst))] = e.Attrs.Label
	}
	return out, nil
}

// InboundMap lists the sources node receives from. Edge weights fall back to
// defaultWeight; edges with neither are not part of the regular network and
// are left out.
func InboundMap(g *Graph, node model.NodeID, defaultWeight *float64, logger *diag.Logger) (map[model.NodeID]Inbound, error) {
	if !g.HasNode(node) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, node)
	}
	in := make(map[model.NodeID]Inbound)
	for _, e := range g.edges {
		if e.Dst != node {
			continue
		}
		weight := e.Attrs.Weight
		if weight == nil {
			weight = defaultWeight
		}
		if weight == nil {
			logger.Warning("edge %s -> %s has no weight, not regular net", e.Src, e.Dst)
			continue
		}
		in[e.Src] = Inbound{Weight: *weight, Label: e.Attrs.Label}
	}
	return in, nil
}

// NeighbourMap is the per-node view used by a controller for the whole run.
type NeighbourMap struct {
	Node     model.NodeID
	Outbound map[model.NodeID]*string
	Inbound  map[model.NodeID]Inbound
}

func Resolve(g *Graph, node model.NodeID, defaultWeight *float64, logger *diag.Logger) (NeighbourMap, error) {
	out, err := OutboundMap(g, node)
	if err != nil {
		return NeighbourMap{}, err
	}
	in, err := InboundMap(g, node, defaultWeight, logger)
	if err != nil {
		return NeighbourMap{}, err
	}
	return NeighbourMap{Node: node, Outbound: out, Inbound: in}, nil
}

// InboundIDs returns the inbound neighbour ids sorted, for deterministic
// iteration.
func (m NeighbourMap) InboundIDs() []model.NodeID {
	return sortedIDs(m.Inbound)
}

func (m NeighbourMap) OutboundIDs() []model.NodeID {
	return sortedIDs(m.Outbound)
}

func sortedIDs[V any](m map[model.NodeID]V) []model.NodeID {
	ids := make([]model.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
