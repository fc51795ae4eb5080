// Package config resolves the controller tunables: documented defaults with
// YAML overrides on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	stdio "io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"casunet/internal/activation"
	"casunet/internal/diag"
	"casunet/internal/io"
	"casunet/internal/model"
	"casunet/internal/thermal"
)

var ErrInvalid = errors.New("invalid config")

const (
	ModePeer = string(activation.ModePeer)
	ModeDual = string(activation.ModeDual)
)

type Config struct {
	Mode string `yaml:"mode"`

	HistLen         int     `yaml:"hist_len"`
	AvgHistLen      int     `yaml:"avg_hist_len"`
	ExternalHistLen int     `yaml:"external_hist_len"`
	MaxMsgAge       uint64  `yaml:"max_msg_age"`
	MaxSensors      float64 `yaml:"max_sensors"`
	// IRThresholds is the calibration output, one threshold per channel.
	IRThresholds []float64 `yaml:"ir_thresholds"`

	SelfWeight        float64  `yaml:"self_weight"`
	DefaultEdgeWeight *float64 `yaml:"default_edge_weight"`

	MinTemp            float64       `yaml:"min_temp"`
	MaxTemp            float64       `yaml:"max_temp"`
	EnableTemp         bool          `yaml:"enable_temp"`
	TrefReachTolerance float64       `yaml:"tref_reach_tolerance"`
	RefUpdateInterval  time.Duration `yaml:"ref_update_interval"`
	MaxStep            float64       `yaml:"max_step"`

	MainLoopInterval  time.Duration `yaml:"main_loop_interval"`
	EnableSuppressLow bool          `yaml:"enable_suppress_low"`
	SuppressThreshold float64       `yaml:"suppress_threshold"`
	ExogBias          float64       `yaml:"exog_bias"`

	InitNoHeatPeriod  time.Duration `yaml:"init_noheat_period"`
	InitFixHeatPeriod time.Duration `yaml:"init_fixheat_period"`
	InitFixHeatTemp   float64       `yaml:"init_fixheat_temp"`
	ShowCalibLED      time.Duration `yaml:"show_calib_led"`
	SyncFlash         bool          `yaml:"sync_flash"`
	SyncInterval      time.Duration `yaml:"sync_interval"`

	ReportEvery  uint64 `yaml:"report_every"`
	RecvRetry    int    `yaml:"recv_retry"`
	RecvMaxBatch int    `yaml:"recv_max_batch"`

	ExternalRouteTag string             `yaml:"external_route_tag"`
	ExternalInputs   map[string]float64 `yaml:"external_inputs"`
	ExternalOutputs  map[string]bool    `yaml:"external_outputs"`

	LogLevel   string `yaml:"log_level"`
	DebugLevel int    `yaml:"debug_level"`
}

func Default() Config {
	thresholds := make([]float64, io.IRChannels)
	for i := range thresholds {
		thresholds[i] = 720
	}
	return Config{
		Mode:               ModePeer,
		HistLen:            60,
		AvgHistLen:         60,
		ExternalHistLen:    120,
		MaxMsgAge:          20,
		MaxSensors:         6,
		IRThresholds:       thresholds,
		SelfWeight:         1,
		MinTemp:            28,
		MaxTemp:            36,
		EnableTemp:         true,
		TrefReachTolerance: 0.25,
		RefUpdateInterval:  10 * time.Second,
		MainLoopInterval:   200 * time.Millisecond,
		SuppressThreshold:  1.0 / 12.0,
		InitFixHeatTemp:    28,
		ShowCalibLED:       30 * time.Second,
		SyncInterval:       20 * time.Second,
		ReportEvery:        1,
		RecvMaxBatch:       256,
		ExternalRouteTag:   "cats",
		ExternalInputs:     map[string]float64{},
		ExternalOutputs:    map[string]bool{},
		LogLevel:           "warning",
	}
}

// Load reads path and applies it over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, stdio.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Normalize fixes up dependent values and returns a note for each change.
func (c *Config) Normalize() []string {
	var notes []string
	if c.AvgHistLen > c.HistLen {
		notes = append(notes, fmt.Sprintf("hist_len raised from %d to avg_hist_len %d", c.HistLen, c.AvgHistLen))
		c.HistLen = c.AvgHistLen
	}
	if c.ExternalInputs == nil {
		c.ExternalInputs = map[string]float64{}
	}
	if c.ExternalOutputs == nil {
		c.ExternalOutputs = map[string]bool{}
	}
	return notes
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePeer, ModeDual:
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", ErrInvalid, ModePeer, ModeDual, c.Mode)
	}
	if c.HistLen < 1 || c.AvgHistLen < 1 || c.ExternalHistLen < 1 {
		return fmt.Errorf("%w: history lengths must be positive", ErrInvalid)
	}
	if c.MaxMsgAge < 1 {
		return fmt.Errorf("%w: max_msg_age must be positive", ErrInvalid)
	}
	if c.MaxSensors <= 0 {
		return fmt.Errorf("%w: max_sensors must be positive", ErrInvalid)
	}
	if len(c.IRThresholds) != io.IRChannels {
		return fmt.Errorf("%w: ir_thresholds needs %d values, got %d", ErrInvalid, io.IRChannels, len(c.IRThresholds))
	}
	if c.MaxTemp < c.MinTemp {
		return fmt.Errorf("%w: max_temp %.2f below min_temp %.2f", ErrInvalid, c.MaxTemp, c.MinTemp)
	}
	if c.TrefReachTolerance < 0 || c.MaxStep < 0 {
		return fmt.Errorf("%w: tolerance and max_step must not be negative", ErrInvalid)
	}
	if c.MainLoopInterval <= 0 {
		return fmt.Errorf("%w: main_loop_interval must be positive", ErrInvalid)
	}
	if c.RefUpdateInterval < 0 || c.InitNoHeatPeriod < 0 || c.InitFixHeatPeriod < 0 || c.ShowCalibLED < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.SyncFlash && c.SyncInterval <= 0 {
		return fmt.Errorf("%w: sync_interval must be positive when sync_flash is on", ErrInvalid)
	}
	if c.ReportEvery < 1 {
		return fmt.Errorf("%w: report_every must be positive", ErrInvalid)
	}
	if c.RecvRetry < 0 || c.RecvMaxBatch < 1 {
		return fmt.Errorf("%w: recv_retry must be >= 0 and recv_max_batch >= 1", ErrInvalid)
	}
	if _, err := diag.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Thresholds returns IRThresholds as a fixed array; missing channels get the
// default threshold.
func (c Config) Thresholds() [io.IRChannels]float64 {
	var out [io.IRChannels]float64
	for i := range out {
		out[i] = 720
		if i < len(c.IRThresholds) {
			out[i] = c.IRThresholds[i]
		}
	}
	return out
}

func (c Config) Activation() activation.Config {
	inputs := make(map[model.NodeID]float64, len(c.ExternalInputs))
	for id, w := range c.ExternalInputs {
		inputs[model.NodeID(id)] = w
	}
	outputs := make(map[model.NodeID]bool, len(c.ExternalOutputs))
	for id, on := range c.ExternalOutputs {
		outputs[model.NodeID(id)] = on
	}
	return activation.Config{
		Mode:       activation.Mode(c.Mode),
		SelfWeight: c.SelfWeight,
		Peer: activation.StreamSize{
			Capacity: c.HistLen,
			Window:   c.AvgHistLen,
			MaxAge:   c.MaxMsgAge,
		},
		External: activation.StreamSize{
			Capacity: c.ExternalHistLen,
			Window:   c.ExternalHistLen,
			MaxAge:   c.MaxMsgAge,
		},
		ExternalInputs:    inputs,
		ExternalOutputs:   outputs,
		ExogBias:          c.ExogBias,
		SuppressLow:       c.EnableSuppressLow,
		SuppressThreshold: c.SuppressThreshold,
		RouteTag:          c.ExternalRouteTag,
	}
}

// Diag builds the logger settings; out may be nil for stdout.
func (c Config) Diag(out *log.Logger, prefix string) diag.Config {
	level, err := diag.ParseLevel(c.LogLevel)
	if err != nil {
		level = diag.LevelWarning
	}
	return diag.Config{Logger: out, Level: level, DebugLevel: c.DebugLevel, Prefix: prefix}
}

func (c Config) Thermal() thermal.Config {
	return thermal.Config{
		MinTemp:           c.MinTemp,
		MaxTemp:           c.MaxTemp,
		EnableTemp:        c.EnableTemp,
		Tolerance:         c.TrefReachTolerance,
		MinUpdateInterval: c.RefUpdateInterval,
		MaxStep:           c.MaxStep,
		NoHeatPeriod:      c.InitNoHeatPeriod,
		FixedHeatPeriod:   c.InitFixHeatPeriod,
		FixedHeatTemp:     c.InitFixHeatTemp,
		CalibIndicator:    c.ShowCalibLED,
	}
}
