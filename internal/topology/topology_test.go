package topology

import (
	"errors"
	"reflect"
	"testing"

	"casunet/internal/model"
)

const layeredDOT = `digraph G {
	"bees/casu-001"; "bees/casu-002"; "fish/casu-002"; "fish/casu-003";
	"bees/casu-001" -> "bees/casu-002" [label="casu-002", weight=0.5];
	"bees/casu-002" -> "bees/casu-001" [label="casu-001", weight="0.75"];
	"fish/casu-003" -> "fish/casu-002" [label="cats"];
	"fish/casu-002" -> "fish/casu-003" [label="cats-out", weight="-1"];
	"bees/casu-001" -> "bees/casu-001" [weight=1];
}`

func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func TestLoadDOTAndFlattenStripsLayers(t *testing.T) {
	raw, err := LoadDOT([]byte(layeredDOT))
	if err != nil {
		t.Fatalf("load dot: %v", err)
	}
	if !raw.HasNode("bees/casu-001") {
		t.Fatalf("expected raw layered node, got %v", raw.Nodes())
	}

	flat := Flatten(raw, nil)
	want := []model.NodeID{"casu-001", "casu-002", "casu-003"}
	if got := flat.Nodes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected flattened nodes: got=%v want=%v", got, want)
	}
	e, ok := flat.Edge("casu-002", "casu-001")
	if !ok || e.Attrs.Weight == nil || *e.Attrs.Weight != 0.75 {
		t.Fatalf("expected quoted weight parsed as float, got %+v", e)
	}
	if _, ok := flat.Edge("casu-001", "casu-001"); !ok {
		t.Fatal("expected self-loop to survive flatten")
	}
}

func TestLoadDOTRejectsBadWeight(t *testing.T) {
	_, err := LoadDOT([]byte(`digraph { a -> b [weight="heavy"]; }`))
	if !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected invalid weight error, got %v", err)
	}
}

func TestFlattenSingleLayerIsIdentity(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")
	g.SetEdge("a", "b", EdgeAttributes{Label: strPtr("b"), Weight: floatPtr(0.3)})
	g.SetEdge("b", "c", EdgeAttributes{Label: strPtr("c")})
	g.SetEdge("c", "c", EdgeAttributes{Weight: floatPtr(1)})

	flat := Flatten(g, nil)
	if !reflect.DeepEqual(flat.Nodes(), g.Nodes()) {
		t.Fatalf("nodes differ: got=%v want=%v", flat.Nodes(), g.Nodes())
	}
	if !reflect.DeepEqual(flat.Edges(), g.Edges()) {
		t.Fatalf("edges differ: got=%+v want=%+v", flat.Edges(), g.Edges())
	}
}

func TestFlattenMergesLayersLastWriteWinsPerAttribute(t *testing.T) {
	g := NewGraph()
	g.AddNode("l1/a")
	g.AddNode("l1/b")
	g.AddNode("l2/a")
	g.AddNode("l2/b")
	g.SetEdge("l1/a", "l1/b", EdgeAttributes{Label: strPtr("first"), Weight: floatPtr(0.2)})
	g.SetEdge("l2/a", "l2/b", EdgeAttributes{Label: strPtr("second")})

	flat := Flatten(g, nil)
	if len(flat.Edges()) != 1 {
		t.Fatalf("expected duplicate edges to collapse, got %+v", flat.Edges())
	}
	e, _ := flat.Edge("a", "b")
	if e.Attrs.LabelOr("") != "second" {
		t.Fatalf("expected later layer label to win, got %q", e.Attrs.LabelOr(""))
	}
	if e.Attrs.Weight == nil || *e.Attrs.Weight != 0.2 {
		t.Fatalf("expected earlier weight kept when later layer omits it, got %+v", e.Attrs.Weight)
	}
}

func TestFlattenSkipsEdgesWithUnknownEndpoints(t *testing.T) {
	g := &Graph{
		nodeSet: map[model.NodeID]struct{}{"a": {}},
		nodes:   []model.NodeID{"a"},
		index:   map[edgeKey]int{{src: "a", dst: "ghost"}: 0},
		edges:   []Edge{{Src: "a", Dst: "ghost"}},
	}
	flat := Flatten(g, nil)
	if len(flat.Edges()) != 0 {
		t.Fatalf("expected edge to unknown node to be skipped, got %+v", flat.Edges())
	}
}

func TestOutboundAndInboundMaps(t *testing.T) {
	raw, err := LoadDOT([]byte(layeredDOT))
	if err != nil {
		t.Fatalf("load dot: %v", err)
	}
	flat := Flatten(raw, nil)

	out, err := OutboundMap(flat, "casu-002")
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if len(out) != 2 || *out["casu-001"] != "casu-001" || *out["casu-003"] != "cats-out" {
		t.Fatalf("unexpected outbound map: %+v", out)
	}

	in, err := InboundMap(flat, "casu-002", nil, nil)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if len(in) != 1 || in["casu-001"].Weight != 0.5 {
		t.Fatalf("expected unweighted cats edge to be excluded, got %+v", in)
	}

	in, err = InboundMap(flat, "casu-002", floatPtr(0.1), nil)
	if err != nil {
		t.Fatalf("inbound with default: %v", err)
	}
	if len(in) != 2 || in["casu-003"].Weight != 0.1 || *in["casu-003"].Label != "cats" {
		t.Fatalf("expected default weight applied, got %+v", in)
	}
}

func TestMapsReportNotFound(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	if _, err := OutboundMap(g, "zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from outbound, got %v", err)
	}
	if _, err := InboundMap(g, "zz", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from inbound, got %v", err)
	}
	if _, err := Resolve(g, "zz", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from resolve, got %v", err)
	}
}

func TestResolveID(t *testing.T) {
	cases := map[string]model.NodeID{
		"casu-001":           "casu-001",
		"layer/casu-001":     "casu-001",
		"a/b/casu-007":       "casu-007",
		"  spaced/casu-002 ": "casu-002",
	}
	for raw, want := range cases {
		if got := ResolveID(raw); got != want {
			t.Fatalf("resolve %q: got=%q want=%q", raw, got, want)
		}
	}
}
