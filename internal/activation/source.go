package activation

import (
	"sort"

	"casunet/internal/model"
	"casunet/internal/neighbourhood"
	"casunet/internal/topology"
	"casunet/internal/wire"
)

// SignalSource is one weighted signal network feeding the engine. The peer
// variant derives its weights from the topology and carries a self stream;
// the external variant uses a static weight table and has no self entry.
type SignalSource struct {
	kind    wire.Source
	stream  *neighbourhood.Stream
	weights map[model.NodeID]float64
}

type StreamSize struct {
	Capacity int
	Window   int
	MaxAge   uint64
}

// NewPeerSource builds the peer network from a resolved neighbour map.
func NewPeerSource(nm topology.NeighbourMap, selfWeight float64, size StreamSize) *SignalSource {
	weights := make(map[model.NodeID]float64, len(nm.Inbound)+1)
	weights[model.SelfID] = selfWeight
	for id, in := range nm.Inbound {
		weights[id] = in.Weight
	}
	return &SignalSource{
		kind: wire.SourcePeer,
		stream: neighbourhood.NewStream(neighbourhood.Config{
			Name:        wire.SourcePeer.String(),
			Sources:     nm.InboundIDs(),
			IncludeSelf: true,
			Capacity:    size.Capacity,
			Window:      size.Window,
			MaxAge:      size.MaxAge,
		}),
		weights: weights,
	}
}

// NewExternalSource builds the categorical observation network.
func NewExternalSource(weights map[model.NodeID]float64, size StreamSize) *SignalSource {
	ids := make([]model.NodeID, 0, len(weights))
	copied := make(map[model.NodeID]float64, len(weights))
	for id, w := range weights {
		ids = append(ids, id)
		copied[id] = w
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &SignalSource{
		kind: wire.SourceExternal,
		stream: neighbourhood.NewStream(neighbourhood.Config{
			Name:     wire.SourceExternal.String(),
			Sources:  ids,
			Capacity: size.Capacity,
			Window:   size.Window,
			MaxAge:   size.MaxAge,
		}),
		weights: copied,
	}
}

func (s *SignalSource) Kind() wire.Source {
	return s.kind
}

func (s *SignalSource) Stream() *neighbourhood.Stream {
	return s.stream
}

func (s *SignalSource) Weight(id model.NodeID) (float64, bool) {
	w, ok := s.weights[id]
	return w, ok
}

func (s *SignalSource) contributions() []Contribution {
	keys := s.stream.Keys()
	out := make([]Contribution, 0, len(keys))
	for _, id := range keys {
		w := s.weights[id]
		sm := s.stream.Smoothed(id)
		out = append(out, Contribution{
			ID:       id,
			Source:   s.kind,
			Weight:   w,
			Smoothed: sm,
			Value:    w * sm,
		})
	}
	return out
}
