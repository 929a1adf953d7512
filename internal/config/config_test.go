package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/weathermap/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weathermap.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[api]
url = "http://wm.example.net:8080"
timeout = "5s"

[map]
path = "maps/core.yaml"
datatype = "optic"
watch = true

[poll]
interval = "30s"

[playback]
speed = 4.0

[layout]
charge_strength = -120.0

[tracing]
enabled = true
exporter = "otlp"
endpoint = "collector:4317"
sample_ratio = 0.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.API.URL != "http://wm.example.net:8080" || cfg.API.Timeout != 5*time.Second {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.Map.Datatype != model.Optical || !cfg.Map.Watch || cfg.Map.Path != "maps/core.yaml" {
		t.Fatalf("map = %+v", cfg.Map)
	}
	if cfg.Poll.Interval != 30*time.Second || cfg.Playback.Speed != 4 {
		t.Fatalf("poll/playback = %+v %+v", cfg.Poll, cfg.Playback)
	}
	if cfg.Layout.ChargeStrength != -120 || cfg.Layout.LinkDistance != 120 {
		t.Fatalf("layout should merge over defaults: %+v", cfg.Layout)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.ServiceName != "weathermap" {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[poll]\nintervall = \"10s\"\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsBadDatatype(t *testing.T) {
	path := writeConfig(t, "[map]\ndatatype = \"latency\"\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEATHERMAP_API_URL", "https://wm.internal")
	t.Setenv("WEATHERMAP_DATATYPE", "health")
	t.Setenv("WEATHERMAP_POLL_INTERVAL", "15s")
	t.Setenv("WEATHERMAP_PLAYBACK_SPEED", "2")
	t.Setenv("WEATHERMAP_TRACING_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.API.URL != "https://wm.internal" || cfg.Map.Datatype != model.Health {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Poll.Interval != 15*time.Second || cfg.Playback.Speed != 2 || !cfg.Tracing.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("WEATHERMAP_POLL_INTERVAL", "soon")
	if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad duration, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative url", func(c *Config) { c.API.URL = "/api" }},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }},
		{"zero poll", func(c *Config) { c.Poll.Interval = 0 }},
		{"negative speed", func(c *Config) { c.Playback.Speed = -1 }},
		{"zero frame", func(c *Config) { c.Layout.FrameInterval = 0 }},
		{"decay above one", func(c *Config) { c.Layout.VelocityDecay = 1.5 }},
		{"alpha decay", func(c *Config) { c.Layout.AlphaDecay = 0 }},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoggingConversion(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	lc := cfg.Logging()
	if lc.Level != "debug" || lc.Format != "json" {
		t.Fatalf("logging config = %+v", lc)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "weathermap.toml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Map.Path != "backbone" || !cfg.Map.Watch || cfg.Metrics.Addr != ":9090" {
		t.Fatalf("example config = %+v", cfg)
	}
	if cfg.Layout.FrameInterval != 33*time.Millisecond {
		t.Fatalf("frame interval = %v", cfg.Layout.FrameInterval)
	}
}
