// Package neighbourhood tracks the last value received from every known
// neighbour of one signal network and feeds fresh values into per-neighbour
// history buffers.
package neighbourhood

import (
	"sort"

	"casunet/internal/history"
	"casunet/internal/model"
)

// ReceiveRecord is the latest message seen from one neighbour. Token keeps
// the raw categorical token for networks that carry one.
type ReceiveRecord struct {
	LastCycle uint64
	Value     float64
	Consumed  bool
	Received  bool
	Token     string
}

// Age is the number of cycles since the record was last written.
func (r ReceiveRecord) Age(cycle uint64) uint64 {
	if cycle < r.LastCycle {
		return 0
	}
	return cycle - r.LastCycle
}

// Stale describes a neighbour whose unconsumed value was too old (or never
// arrived) when the buffers were fed.
type Stale struct {
	ID        model.NodeID
	LastCycle uint64
	Age       uint64
	Received  bool
}

type Config struct {
	Name string
	// Sources are the neighbours expected to send on this network.
	Sources []model.NodeID
	// IncludeSelf adds a locally fed model.SelfID buffer.
	IncludeSelf bool
	Capacity    int
	Window      int
	MaxAge      uint64
}

type Stream struct {
	name        string
	window      int
	maxAge      uint64
	includeSelf bool
	sources     []model.NodeID
	records     map[model.NodeID]*ReceiveRecord
	buffers     map[model.NodeID]*history.Buffer
	smoothed    map[model.NodeID]float64
}

func NewStream(cfg Config) *Stream {
	s := &Stream{
		name:        cfg.Name,
		window:      cfg.Window,
		maxAge:      cfg.MaxAge,
		includeSelf: cfg.IncludeSelf,
		records:     make(map[model.NodeID]*ReceiveRecord, len(cfg.Sources)),
		buffers:     make(map[model.NodeID]*history.Buffer, len(cfg.Sources)+1),
		smoothed:    make(map[model.NodeID]float64, len(cfg.Sources)+1),
	}
	for _, id := range cfg.Sources {
		if _, dup := s.records[id]; dup {
			continue
		}
		s.sources = append(s.sources, id)
		s.records[id] = &ReceiveRecord{}
		s.buffers[id] = history.NewBuffer(cfg.Capacity)
		s.smoothed[id] = 0
	}
	sort.Slice(s.sources, func(i, j int) bool { return s.sources[i] < s.sources[j] })
	if cfg.IncludeSelf {
		s.buffers[model.SelfID] = history.NewBuffer(cfg.Capacity)
		s.smoothed[model.SelfID] = 0
	}
	return s
}

func (s *Stream) Name() string {
	return s.name
}

// Sources returns the neighbour ids in sorted order, excluding self.
func (s *Stream) Sources() []model.NodeID {
	return append([]model.NodeID(nil), s.sources...)
}

// Keys returns self first (when tracked) followed by Sources.
func (s *Stream) Keys() []model.NodeID {
	keys := make([]model.NodeID, 0, len(s.sources)+1)
	if s.includeSelf {
		keys = append(keys, model.SelfID)
	}
	return append(keys, s.sources...)
}

func (s *Stream) Knows(id model.NodeID) bool {
	_, ok := s.records[id]
	return ok
}

// Receive overwrites the record of sender. It reports false for senders that
// are not part of this network.
func (s *Stream) Receive(sender model.NodeID, cycle uint64, value float64, token string) bool {
	rec, ok := s.records[sender]
	if !ok {
		return false
	}
	*rec = ReceiveRecord{LastCycle: cycle, Value: value, Consumed: false, Received: true, Token: token}
	return true
}

// Consume pushes every unconsumed record younger than MaxAge into its buffer
// and marks it consumed. Unconsumed records that are too old, or were never
// received, are returned and their buffers left untouched.
func (s *Stream) Consume(cycle uint64) []Stale {
	var stale []Stale
	for _, id := range s.sources {
		rec := s.records[id]
		if rec.Consumed {
			continue
		}
		age := rec.Age(cycle)
		if rec.Received && age < s.maxAge {
			s.buffers[id].PushFront(rec.Value)
			rec.Consumed = true
			continue
		}
		stale = append(stale, Stale{ID: id, LastCycle: rec.LastCycle, Age: age, Received: rec.Received})
	}
	return stale
}

// PushSelf records the unit's own sample. It is a no-op for streams without
// a self buffer.
func (s *Stream) PushSelf(value float64) {
	if b, ok := s.buffers[model.SelfID]; ok {
		b.PushFront(value)
	}
}

// Smooth recomputes every windowed mean given the number of cycles run.
func (s *Stream) Smooth(cycles uint64) {
	valid := s.window
	if cycles < uint64(valid) {
		valid = int(cycles)
	}
	for id, b := range s.buffers {
		s.smoothed[id] = b.Mean(valid)
	}
}

func (s *Stream) Smoothed(id model.NodeID) float64 {
	return s.smoothed[id]
}

func (s *Stream) Record(id model.NodeID) (ReceiveRecord, bool) {
	rec, ok := s.records[id]
	if !ok {
		return ReceiveRecord{}, false
	}
	return *rec, true
}

func (s *Stream) Buffer(id model.NodeID) (*history.Buffer, bool) {
	b, ok := s.buffers[id]
	return b, ok
}
