package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"casunet/internal/config"
	"casunet/internal/model"
	"casunet/internal/wire"
)

// loadOrDefaultConfig reads path over the defaults, or returns the defaults
// when path is empty.
func loadOrDefaultConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// controllerFlags are the tunables a command line may override.
type controllerFlags struct {
	mode       string
	interval   time.Duration
	suppress   bool
	exogBias   float64
	noHeat     time.Duration
	fixHeat    time.Duration
	logLevel   string
	debugLevel int

	// "cam-1=0.25,cam-2=0.25" and "cats,logger"
	externalInputs  string
	externalOutputs string
}

func (f *controllerFlags) values() map[string]any {
	return map[string]any{
		"mode":             f.mode,
		"interval":         f.interval,
		"suppress":         f.suppress,
		"exog-bias":        f.exogBias,
		"noheat":           f.noHeat,
		"fixheat":          f.fixHeat,
		"log-level":        f.logLevel,
		"debug-level":      f.debugLevel,
		"external-inputs":  f.externalInputs,
		"external-outputs": f.externalOutputs,
	}
}

// overrideFromFlags applies only the flags that were set explicitly, so a
// config file value survives an untouched flag default.
func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "mode":
			cfg.Mode = v.(string)
		case "interval":
			cfg.MainLoopInterval = v.(time.Duration)
		case "suppress":
			cfg.EnableSuppressLow = v.(bool)
		case "exog-bias":
			cfg.ExogBias = v.(float64)
		case "noheat":
			cfg.InitNoHeatPeriod = v.(time.Duration)
		case "fixheat":
			cfg.InitFixHeatPeriod = v.(time.Duration)
		case "log-level":
			cfg.LogLevel = v.(string)
		case "debug-level":
			cfg.DebugLevel = v.(int)
		case "external-inputs":
			inputs, err := parseWeights(v.(string))
			if err != nil {
				return fmt.Errorf("external-inputs: %w", err)
			}
			cfg.ExternalInputs = inputs
		case "external-outputs":
			outputs := make(map[string]bool)
			for _, id := range splitIDs(v.(string)) {
				outputs[string(id)] = true
			}
			cfg.ExternalOutputs = outputs
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

// parseAssignments reads "a=b,c=d" into pairs, keeping input order.
func parseAssignments(raw string) ([][2]string, error) {
	var out [][2]string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out = append(out, [2]string{key, value})
	}
	return out, nil
}

func parseRenames(raw string) (map[model.NodeID]model.NodeID, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[model.NodeID]model.NodeID, len(pairs))
	for _, p := range pairs {
		out[model.NodeID(p[0])] = model.NodeID(p[1])
	}
	return out, nil
}

// parseFanout reads "a=b,a=c" into a -> [b c].
func parseFanout(raw string) (map[model.NodeID][]model.NodeID, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[model.NodeID][]model.NodeID)
	for _, p := range pairs {
		key := model.NodeID(p[0])
		out[key] = append(out[key], model.NodeID(p[1]))
	}
	return out, nil
}

func parseOccupancy(raw string) (map[model.NodeID]int, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[model.NodeID]int, len(pairs))
	for _, p := range pairs {
		n, err := strconv.Atoi(p[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("occupancy for %s must be a non-negative integer, got %q", p[0], p[1])
		}
		out[model.NodeID(p[0])] = n
	}
	return out, nil
}

func parseWeights(raw string) (map[string]float64, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		w, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return nil, fmt.Errorf("weight for %s must be a number, got %q", p[0], p[1])
		}
		out[p[0]] = w
	}
	return out, nil
}

// parseObservations reads "cam-1=CW,cam-2=CCW" into observations, keeping
// input order.
func parseObservations(raw string) ([]wire.Observation, error) {
	pairs, err := parseAssignments(raw)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Observation, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := wire.TokenValue(p[1]); !ok {
			return nil, fmt.Errorf("observation of %s must be %s or %s, got %q", p[0], wire.TokenForward, wire.TokenReverse, p[1])
		}
		out = append(out, wire.Observation{Source: model.NodeID(p[0]), Token: p[1]})
	}
	return out, nil
}

func splitIDs(raw string) []model.NodeID {
	var out []model.NodeID
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, model.NodeID(item))
		}
	}
	return out
}
