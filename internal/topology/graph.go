// Package topology resolves the static interaction graph that tells each
// CASU whom to send to and whom to listen to.
package topology

import (
	"errors"
	"strings"

	"casunet/internal/model"
)

var (
	ErrNotFound      = errors.New("node not found in topology")
	ErrInvalidWeight = errors.New("invalid edge weight")
)

// EdgeAttributes holds the two edge attributes the controller understands.
// A nil field means the attribute was absent.
type EdgeAttributes struct {
	Label  *string
	Weight *float64
}

func (a EdgeAttributes) LabelOr(fallback string) string {
	if a.Label == nil {
		return fallback
	}
	return *a.Label
}

// merge overwrites the attributes present in other.
func (a EdgeAttributes) merge(other EdgeAttributes) EdgeAttributes {
	if other.Label != nil {
		label := *other.Label
		a.Label = &label
	}
	if other.Weight != nil {
		w := *other.Weight
		a.Weight = &w
	}
	return a
}

type Edge struct {
	Src   model.NodeID
	Dst   model.NodeID
	Attrs EdgeAttributes
}

type edgeKey struct {
	src model.NodeID
	dst model.NodeID
}

// Graph is a directed multi-layer-capable graph. Self-loops are allowed;
// parallel edges between the same ordered pair collapse into one.
type Graph struct {
	nodes   []model.NodeID
	nodeSet map[model.NodeID]struct{}
	edges   []Edge
	index   map[edgeKey]int
}

func NewGraph() *Graph {
	return &Graph{
		nodeSet: make(map[model.NodeID]struct{}),
		index:   make(map[edgeKey]int),
	}
}

// AddNode adds id if absent. Returns true when the node is new.
func (g *Graph) AddNode(id model.NodeID) bool {
	if _, ok := g.nodeSet[id]; ok {
		return false
	}
	g.nodeSet[id] = struct{}{}
	g.nodes = append(g.nodes, id)
	return true
}

// SetEdge adds src->dst, or overwrites the attributes carried by attrs on the
// existing edge. Endpoints are added as nodes when missing.
func (g *Graph) SetEdge(src, dst model.NodeID, attrs EdgeAttributes) {
	g.AddNode(src)
	g.AddNode(dst)
	key := edgeKey{src: src, dst: dst}
	if idx, ok := g.index[key]; ok {
		g.edges[idx].Attrs = g.edges[idx].Attrs.merge(attrs)
		return
	}
	g.index[key] = len(g.edges)
	g.edges = append(g.edges, Edge{Src: src, Dst: dst, Attrs: EdgeAttributes{}.merge(attrs)})
}

func (g *Graph) HasNode(id model.NodeID) bool {
	_, ok := g.nodeSet[id]
	return ok
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []model.NodeID {
	return append([]model.NodeID(nil), g.nodes...)
}

// Edges returns edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

func (g *Graph) Edge(src, dst model.NodeID) (Edge, bool) {
	idx, ok := g.index[edgeKey{src: src, dst: dst}]
	if !ok {
		return Edge{}, false
	}
	return g.edges[idx], true
}

// ResolveID strips any layer path from a raw node name: "layer/casu-001"
// resolves to "casu-001".
func ResolveID(raw string) model.NodeID {
	name := strings.TrimSpace(raw)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return model.NodeID(name)
}
