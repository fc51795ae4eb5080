package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"casunet/internal/activation"
	"casunet/internal/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SuppressThreshold != 1.0/12.0 || cfg.MaxMsgAge != 20 || cfg.ExternalRouteTag != "cats" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DefaultEdgeWeight != nil {
		t.Fatal("expected default edge weight unset")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casu.yaml")
	data := []byte(`
mode: dual
avg_hist_len: 90
default_edge_weight: 0.5
ref_update_interval: 15s
init_noheat_period: 2m
enable_suppress_low: true
external_inputs:
  casu-9: 0.25
external_outputs:
  cats: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	notes := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(notes) != 1 || cfg.HistLen != 90 {
		t.Fatalf("expected hist_len raised to window, notes=%v hist_len=%d", notes, cfg.HistLen)
	}
	if cfg.DefaultEdgeWeight == nil || *cfg.DefaultEdgeWeight != 0.5 {
		t.Fatalf("unexpected default edge weight: %v", cfg.DefaultEdgeWeight)
	}
	if cfg.RefUpdateInterval != 15*time.Second || cfg.InitNoHeatPeriod != 2*time.Minute {
		t.Fatalf("unexpected durations: %v %v", cfg.RefUpdateInterval, cfg.InitNoHeatPeriod)
	}
	if cfg.MaxTemp != 36 || cfg.RecvMaxBatch != 256 {
		t.Fatalf("expected untouched defaults kept: %+v", cfg)
	}

	ac := cfg.Activation()
	if ac.Mode != activation.ModeDual || ac.ExternalInputs[model.NodeID("casu-9")] != 0.25 || !ac.ExternalOutputs["cats"] {
		t.Fatalf("unexpected activation config: %+v", ac)
	}
	if ac.Peer.Capacity != 90 || ac.Peer.Window != 90 || ac.External.Capacity != 120 {
		t.Fatalf("unexpected stream sizes: %+v %+v", ac.Peer, ac.External)
	}
	th := cfg.Thermal()
	if th.Span() != 8 || th.MinUpdateInterval != 15*time.Second {
		t.Fatalf("unexpected thermal config: %+v", th)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("hist_length: 10\n")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected unknown key rejected, got %v", err)
	}
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if cfg.HistLen != 60 {
		t.Fatalf("expected defaults for empty document, got %d", cfg.HistLen)
	}
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "mode", mutate: func(c *Config) { c.Mode = "triple" }},
		{name: "hist", mutate: func(c *Config) { c.HistLen = 0 }},
		{name: "age", mutate: func(c *Config) { c.MaxMsgAge = 0 }},
		{name: "thresholds", mutate: func(c *Config) { c.IRThresholds = []float64{1, 2} }},
		{name: "temps", mutate: func(c *Config) { c.MaxTemp = 20 }},
		{name: "loop", mutate: func(c *Config) { c.MainLoopInterval = 0 }},
		{name: "sync", mutate: func(c *Config) { c.SyncFlash = true; c.SyncInterval = 0 }},
		{name: "batch", mutate: func(c *Config) { c.RecvMaxBatch = 0 }},
		{name: "level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestThresholdsPadsMissingChannels(t *testing.T) {
	cfg := Default()
	cfg.IRThresholds = []float64{100, 200}
	got := cfg.Thresholds()
	if got[0] != 100 || got[1] != 200 || got[6] != 720 {
		t.Fatalf("unexpected thresholds: %v", got)
	}
}
