package storage

import (
	"context"

	"casunet/internal/model"
)

// EventFilter narrows an Events query. Zero values match everything.
type EventFilter struct {
	Kind      string
	FromCycle uint64
	Limit     int
}

func (f EventFilter) match(e model.Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return e.Cycle >= f.FromCycle
}

// Store is the append-only run log. Events come back in append order.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunInfo) error
	GetRun(ctx context.Context, id string) (model.RunInfo, bool, error)
	ListRuns(ctx context.Context) ([]model.RunInfo, error)
	AppendEvents(ctx context.Context, events []model.Event) error
	Events(ctx context.Context, runID string, filter EventFilter) ([]model.Event, error)
}
