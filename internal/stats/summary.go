// Package stats reduces a run's event log to a summary and writes it next to
// the log as a JSON artifact.
package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"casunet/internal/model"
)

const summaryFile = "summary.json"

// Series describes one numeric column of the log.
type Series struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type StateChange struct {
	Cycle uint64 `json:"cycle"`
	State string `json:"state"`
}

type RunSummary struct {
	RunID    string `json:"run_id"`
	Unit     string `json:"unit"`
	Mode     string `json:"mode"`
	Cycles   uint64 `json:"cycles"`
	Finished bool   `json:"finished"`

	Activation     Series        `json:"activation"`
	Magnitude      Series        `json:"magnitude"`
	Setpoint       Series        `json:"setpoint"`
	HeaterOnCycles int           `json:"heater_on_cycles"`
	HeaterDuty     float64       `json:"heater_duty"`
	States         []StateChange `json:"states,omitempty"`
	SyncFlashes    int           `json:"sync_flashes"`
	// Relayed counts forwarded payloads per route for relay runs.
	Relayed map[string]int `json:"relayed,omitempty"`
	// Malformed counts events whose fields could not be read.
	Malformed int `json:"malformed,omitempty"`
}

type accumulator struct {
	values []float64
}

func (a *accumulator) add(v float64) {
	a.values = append(a.values, v)
}

func (a *accumulator) series() Series {
	if len(a.values) == 0 {
		return Series{}
	}
	s := Series{Count: len(a.values), Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, v := range a.values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(a.values))
	acc := 0.0
	for _, v := range a.values {
		d := v - s.Mean
		acc += d * d
	}
	s.Std = math.Sqrt(acc / float64(len(a.values)))
	return s
}

// Summarize folds the events of one run, in append order, into a summary.
func Summarize(run model.RunInfo, events []model.Event) RunSummary {
	summary := RunSummary{RunID: run.ID, Unit: run.Unit, Mode: run.Mode}
	var activation, magnitude, setpoint accumulator
	tempCycles := 0

	for _, e := range events {
		if e.Cycle > summary.Cycles && e.Kind != model.EventRelay {
			summary.Cycles = e.Cycle
		}
		switch e.Kind {
		case model.EventHeatCalcs:
			vals, ok := parseFloats(e.Fields, 2)
			if !ok {
				summary.Malformed++
				continue
			}
			activation.add(vals[0])
			magnitude.add(vals[1])
		case model.EventTemperatures:
			// probes..., setpoint, on flag
			if len(e.Fields) < 2 {
				summary.Malformed++
				continue
			}
			sp, err := strconv.ParseFloat(e.Fields[len(e.Fields)-2], 64)
			if err != nil {
				summary.Malformed++
				continue
			}
			tempCycles++
			if e.Fields[len(e.Fields)-1] == "1" {
				summary.HeaterOnCycles++
				setpoint.add(sp)
			}
		case model.EventState:
			if len(e.Fields) < 2 {
				summary.Malformed++
				continue
			}
			summary.States = append(summary.States, StateChange{Cycle: e.Cycle, State: e.Fields[1]})
		case model.EventSync:
			if len(e.Fields) >= 2 && e.Fields[1] == "end" {
				summary.SyncFlashes++
			}
		case model.EventRelay:
			if summary.Relayed == nil {
				summary.Relayed = make(map[string]int)
			}
			summary.Relayed[e.Unit]++
		case model.EventFinished:
			summary.Finished = true
		}
	}

	summary.Activation = activation.series()
	summary.Magnitude = magnitude.series()
	summary.Setpoint = setpoint.series()
	if tempCycles > 0 {
		summary.HeaterDuty = float64(summary.HeaterOnCycles) / float64(tempCycles)
	}
	return summary
}

func parseFloats(fields []string, n int) ([]float64, bool) {
	if len(fields) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// WriteRunSummary writes baseDir/<run id>/summary.json and returns the run
// directory.
func WriteRunSummary(baseDir string, summary RunSummary) (string, error) {
	if summary.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	runDir := filepath.Join(baseDir, summary.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

// RelayRoutes lists the routes of a relay summary in name order.
func (s RunSummary) RelayRoutes() []string {
	routes := make([]string, 0, len(s.Relayed))
	for r := range s.Relayed {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	return routes
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
