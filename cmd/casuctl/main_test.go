package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const pairDOT = `digraph arena {
	"bees/casu-001" -> "bees/casu-002" [label="casu-002", weight=0.5];
	"bees/casu-002" -> "bees/casu-001" [label="casu-001", weight=0.5];
}`

func writeGraph(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pair.dot")
	if err := os.WriteFile(path, []byte(pairDOT), 0o644); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	return path
}

func TestRunRejectsMissingAndUnknownCommands(t *testing.T) {
	if err := run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "usage: casuctl") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run(context.Background(), []string{"fly"}); err == nil || !strings.Contains(err.Error(), "unknown command: fly") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestTopologyCommandPrintsNeighbourMaps(t *testing.T) {
	graph := writeGraph(t)
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"topology", "-graph", graph, "-unit", "casu-002"})
	})
	if err != nil {
		t.Fatalf("topology command: %v", err)
	}
	for _, want := range []string{
		"casu-002\n",
		"  in  casu-001 weight=0.5 label=casu-002\n",
		"  out casu-001 label=casu-001\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestTopologyCommandRequiresGraph(t *testing.T) {
	err := run(context.Background(), []string{"topology"})
	if err == nil || !strings.Contains(err.Error(), "graph is required") {
		t.Fatalf("expected missing graph error, got %v", err)
	}
}

func TestSimCommandPrintsSummary(t *testing.T) {
	graph := writeGraph(t)
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"sim", "-graph", graph, "-cycles", "5", "-occupy", "casu-001=3"})
	})
	if err != nil {
		t.Fatalf("sim command: %v", err)
	}
	if !strings.Contains(out, "sim cycles=5 units=2 store=memory") {
		t.Fatalf("missing header in output:\n%s", out)
	}
	for _, unit := range []string{"unit=casu-001", "unit=casu-002"} {
		if !strings.Contains(out, unit) {
			t.Fatalf("missing %s in output:\n%s", unit, out)
		}
	}
	if !strings.Contains(out, "state=heat_propto") || strings.Contains(out, "on=true") {
		t.Fatalf("expected proportional state and parked heaters:\n%s", out)
	}
}

func TestSimCommandRejectsUnknownOccupiedUnit(t *testing.T) {
	graph := writeGraph(t)
	err := run(context.Background(), []string{"sim", "-graph", graph, "-occupy", "casu-009=2"})
	if err == nil || !strings.Contains(err.Error(), "casu-009") {
		t.Fatalf("expected unknown unit error, got %v", err)
	}
}

func TestSimCommandDualModeReportsObserver(t *testing.T) {
	graph := writeGraph(t)
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"sim", "-graph", graph, "-cycles", "2", "-occupy", "casu-001=3",
			"-mode", "dual", "-observe", "cam-1=CW", "-external-inputs", "cam-1=0.25", "-external-outputs", "cats",
		})
	})
	if err != nil {
		t.Fatalf("sim command: %v", err)
	}
	if !strings.Contains(out, "observer=cats observations=1 external_received=4") {
		t.Fatalf("expected observer summary in output:\n%s", out)
	}
}

func TestSimCommandRejectsObservationsOutsideDualMode(t *testing.T) {
	graph := writeGraph(t)
	err := run(context.Background(), []string{"sim", "-graph", graph, "-cycles", "1", "-observe", "cam-1=CW"})
	if err == nil || !strings.Contains(err.Error(), "dual") {
		t.Fatalf("expected dual mode requirement, got %v", err)
	}
	err = run(context.Background(), []string{"sim", "-graph", graph, "-mode", "dual", "-observe", "cam-1=LEFT"})
	if err == nil || !strings.Contains(err.Error(), "observe") {
		t.Fatalf("expected bad token error, got %v", err)
	}
}

func TestRunCommandRejectsUnregisteredDevice(t *testing.T) {
	graph := writeGraph(t)
	err := run(context.Background(), []string{"run", "-graph", graph, "-unit", "casu-001", "-device", "thymio"})
	if err == nil || !strings.Contains(err.Error(), `device "thymio"`) || !strings.Contains(err.Error(), "registered: sim") {
		t.Fatalf("expected unregistered device error, got %v", err)
	}
}

func TestStderrLoggerLeavesTimestampToDiag(t *testing.T) {
	l := stderrLogger()
	if l.Flags() != 0 || l.Prefix() != "" {
		t.Fatalf("expected bare logger, got flags=%d prefix=%q", l.Flags(), l.Prefix())
	}
}

func TestSimFileStoreIsReadableByRunsAndEvents(t *testing.T) {
	graph := writeGraph(t)
	logDir := filepath.Join(t.TempDir(), "logs")
	ctx := context.Background()

	out, err := captureStdout(func() error {
		return run(ctx, []string{"sim", "-graph", graph, "-cycles", "3", "-occupy", "casu-001=6", "-store", "file", "-db-path", logDir, "-json"})
	})
	if err != nil {
		t.Fatalf("sim command: %v", err)
	}
	var summaries []simUnitSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decode sim summary: %v\n%s", err, out)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected two unit summaries, got %+v", summaries)
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"runs", "-store", "file", "-db-path", logDir})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	for _, s := range summaries {
		if !strings.Contains(out, "run_id="+s.RunID) {
			t.Fatalf("expected run %s listed:\n%s", s.RunID, out)
		}
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"events", "-store", "file", "-db-path", logDir, "-run-id", summaries[0].RunID, "-kind", "heat_calcs"})
	})
	if err != nil {
		t.Fatalf("events command: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected one heat_calcs line per cycle, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], ";1;"+string(summaries[0].Unit)+";heat_calcs;") {
		t.Fatalf("unexpected first event line: %s", lines[0])
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"events", "-store", "file", "-db-path", logDir, "-run-id", summaries[0].RunID, "-kind", "finished"})
	})
	if err != nil {
		t.Fatalf("events command: %v", err)
	}
	if strings.Count(out, ";finished;") != 1 {
		t.Fatalf("expected one finished event:\n%s", out)
	}

	outDir := filepath.Join(t.TempDir(), "summaries")
	out, err = captureStdout(func() error {
		return run(ctx, []string{"summary", "-store", "file", "-db-path", logDir, "-run-id", summaries[0].RunID, "-out", outDir})
	})
	if err != nil {
		t.Fatalf("summary command: %v", err)
	}
	if !strings.Contains(out, "cycles=3 finished=true") || !strings.Contains(out, "state cycle=1 heat_propto") {
		t.Fatalf("unexpected summary output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(outDir, summaries[0].RunID, "summary.json")); err != nil {
		t.Fatalf("expected summary artifact: %v", err)
	}

	if err := run(ctx, []string{"events", "-store", "file", "-db-path", logDir, "-run-id", "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestHubCommandStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := captureStdout(func() error {
		return run(ctx, []string{"hub", "-addr", "127.0.0.1:0", "-log-level", "error"})
	})
	if err != nil {
		t.Fatalf("hub command: %v", err)
	}
	if !strings.Contains(out, "hub listening on ws://127.0.0.1:") || !strings.Contains(out, "hub stopped routed=0 dropped=0") {
		t.Fatalf("unexpected hub output:\n%s", out)
	}
}

func TestRelayCommandRequiresHubs(t *testing.T) {
	err := run(context.Background(), []string{"relay", "-local", "ws://127.0.0.1:1/casu"})
	if err == nil || !strings.Contains(err.Error(), "hub URLs are required") {
		t.Fatalf("expected missing hub error, got %v", err)
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
