package storage

import (
	"context"
	"testing"
	"time"

	"casunet/internal/model"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRun(id string, offset time.Duration) model.RunInfo {
	return model.RunInfo{
		VersionedRecord: CurrentVersion(),
		ID:              id,
		Unit:            "casu-001",
		Mode:            "peer",
		StartedAt:       testStart.Add(offset),
	}
}

func sampleEvents(runID string) []model.Event {
	mk := func(cycle uint64, kind string, fields ...string) model.Event {
		return model.Event{
			VersionedRecord: CurrentVersion(),
			RunID:           runID,
			Unit:            "casu-001",
			Cycle:           cycle,
			Time:            testStart.Add(time.Duration(cycle) * 200 * time.Millisecond),
			Kind:            kind,
			Fields:          fields,
		}
	}
	return []model.Event{
		mk(1, model.EventState, "heat_propto"),
		mk(1, model.EventHeatCalcs, "0.5", "4"),
		mk(2, model.EventHeatCalcs, "0.25", "2"),
		mk(3, model.EventIRArray, "0", "0", "1000", "0", "0", "0", "0"),
		mk(3, model.EventHeatCalcs, "0", "0"),
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRun("run-b", time.Minute)); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := store.SaveRun(ctx, sampleRun("run-a", 0)); err != nil {
		t.Fatalf("save run: %v", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-a" || runs[1].ID != "run-b" {
		t.Fatalf("expected runs ordered by start, got %+v", runs)
	}
	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, ok=%v err=%v", ok, err)
	}
	run, ok, err := store.GetRun(ctx, "run-a")
	if err != nil || !ok || !run.StartedAt.Equal(testStart) {
		t.Fatalf("unexpected run: %+v ok=%v err=%v", run, ok, err)
	}

	if err := store.AppendEvents(ctx, sampleEvents("run-a")); err != nil {
		t.Fatalf("append events: %v", err)
	}
	if err := store.AppendEvents(ctx, sampleEvents("run-b")[:1]); err != nil {
		t.Fatalf("append events: %v", err)
	}

	all, err := store.Events(ctx, "run-a", EventFilter{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(all) != 5 || all[0].Kind != model.EventState || all[4].Cycle != 3 {
		t.Fatalf("expected events in append order, got %+v", all)
	}
	if len(all[3].Fields) != 7 || all[3].Fields[2] != "1000" {
		t.Fatalf("unexpected ir fields: %v", all[3].Fields)
	}

	heat, err := store.Events(ctx, "run-a", EventFilter{Kind: model.EventHeatCalcs, FromCycle: 2})
	if err != nil {
		t.Fatalf("filtered events: %v", err)
	}
	if len(heat) != 2 || heat[0].Cycle != 2 || heat[0].Fields[0] != "0.25" {
		t.Fatalf("unexpected filtered events: %+v", heat)
	}
	limited, err := store.Events(ctx, "run-a", EventFilter{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected limit applied, got %d err=%v", len(limited), err)
	}
	other, err := store.Events(ctx, "run-b", EventFilter{})
	if err != nil || len(other) != 1 {
		t.Fatalf("expected runs kept apart, got %+v err=%v", other, err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.AppendEvents(context.Background(), sampleEvents("r")); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestMemoryStoreCopiesFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Init(ctx)
	events := sampleEvents("run-a")
	if err := store.AppendEvents(ctx, events); err != nil {
		t.Fatalf("append: %v", err)
	}
	events[0].Fields[0] = "mutated"
	got, _ := store.Events(ctx, "run-a", EventFilter{Limit: 1})
	if got[0].Fields[0] != "heat_propto" {
		t.Fatalf("expected stored fields isolated from caller, got %v", got[0].Fields)
	}
}
