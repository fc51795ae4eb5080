package topology

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"

	"casunet/internal/model"
)

// LoadDOT parses a graphviz description into a Graph, keeping raw (possibly
// layer-prefixed) node names. Use Flatten to strip layers.
func LoadDOT(data []byte) (*Graph, error) {
	parsed, err := gographviz.Read(data)
	if err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}

	g := NewGraph()
	for _, n := range parsed.Nodes.Nodes {
		g.AddNode(model.NodeID(unquote(n.Name)))
	}
	for _, e := range parsed.Edges.Edges {
		attrs, err := edgeAttributes(e)
		if err != nil {
			return nil, err
		}
		g.SetEdge(model.NodeID(unquote(e.Src)), model.NodeID(unquote(e.Dst)), attrs)
	}
	return g, nil
}

// ReadDOTFile loads the raw topology stored at path.
func ReadDOTFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadDOT(data)
}

func edgeAttributes(e *gographviz.Edge) (EdgeAttributes, error) {
	var attrs EdgeAttributes
	if raw, ok := e.Attrs[gographviz.Label]; ok {
		label := unquote(raw)
		attrs.Label = &label
	}
	if raw, ok := e.Attrs[gographviz.Weight]; ok {
		w, err := strconv.ParseFloat(strings.TrimSpace(unquote(raw)), 64)
		if err != nil {
			return EdgeAttributes{}, fmt.Errorf("%w: %s -> %s weight=%q", ErrInvalidWeight, unquote(e.Src), unquote(e.Dst), raw)
		}
		attrs.Weight = &w
	}
	return attrs, nil
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
		return s[1 : len(s)-1]
	}
	return s
}
