// Package config loads the weathermap TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/internal/observability"
	"github.com/signalsfoundry/weathermap/model"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the weathermap configuration.
type Config struct {
	API      APIConfig                   `toml:"api"`
	Map      MapConfig                   `toml:"map"`
	Poll     PollConfig                  `toml:"poll"`
	Playback PlaybackConfig              `toml:"playback"`
	Layout   LayoutConfig                `toml:"layout"`
	Log      LogConfig                   `toml:"log"`
	Metrics  MetricsConfig               `toml:"metrics"`
	Tracing  observability.TracingConfig `toml:"tracing"`
}

// APIConfig points at the weathermap HTTP API.
type APIConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

// MapConfig selects the map and how it is shown.
type MapConfig struct {
	Path     string         `toml:"path"`
	Dir      string         `toml:"dir"`
	Watch    bool           `toml:"watch"`
	Datatype model.Datatype `toml:"datatype"`
}

// PollConfig controls the live fetch cycle.
type PollConfig struct {
	Interval time.Duration `toml:"interval"`
}

// PlaybackConfig controls timeline replay.
type PlaybackConfig struct {
	Speed float64 `toml:"speed"`
}

// LayoutConfig tunes the force simulation.
type LayoutConfig struct {
	FrameInterval  time.Duration `toml:"frame_interval"`
	ChargeStrength float64       `toml:"charge_strength"`
	LinkDistance   float64       `toml:"link_distance"`
	VelocityDecay  float64       `toml:"velocity_decay"`
	AlphaDecay     float64       `toml:"alpha_decay"`
	AlphaMin       float64       `toml:"alpha_min"`
}

// LogConfig mirrors logging.Config for the file format.
type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API:      APIConfig{URL: "http://localhost:8000", Timeout: 30 * time.Second},
		Map:      MapConfig{Dir: "maps", Datatype: model.Utilization},
		Poll:     PollConfig{Interval: time.Minute},
		Playback: PlaybackConfig{Speed: 1},
		Layout: LayoutConfig{
			FrameInterval:  33 * time.Millisecond,
			ChargeStrength: -300,
			LinkDistance:   120,
			VelocityDecay:  0.4,
			AlphaDecay:     0.0228,
			AlphaMin:       0.001,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WEATHERMAP_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("WEATHERMAP_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv("WEATHERMAP_MAP"); v != "" {
		c.Map.Path = v
	}
	if v := os.Getenv("WEATHERMAP_MAP_DIR"); v != "" {
		c.Map.Dir = v
	}
	if v := os.Getenv("WEATHERMAP_DATATYPE"); v != "" {
		dt, err := model.ParseDatatype(v)
		if err != nil {
			return fmt.Errorf("%w: WEATHERMAP_DATATYPE: %w", ErrInvalidConfig, err)
		}
		c.Map.Datatype = dt
	}
	if v := os.Getenv("WEATHERMAP_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: WEATHERMAP_POLL_INTERVAL: %w", ErrInvalidConfig, err)
		}
		c.Poll.Interval = d
	}
	if v := os.Getenv("WEATHERMAP_PLAYBACK_SPEED"); v != "" {
		s, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: WEATHERMAP_PLAYBACK_SPEED: %w", ErrInvalidConfig, err)
		}
		c.Playback.Speed = s
	}
	if v := os.Getenv("WEATHERMAP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("WEATHERMAP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("WEATHERMAP_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	observability.ApplyTracingEnv(&c.Tracing)
	return nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api.url %q must be an absolute URL", ErrInvalidConfig, c.API.URL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be positive", ErrInvalidConfig)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("%w: poll.interval must be positive", ErrInvalidConfig)
	}
	if c.Playback.Speed <= 0 {
		return fmt.Errorf("%w: playback.speed must be positive", ErrInvalidConfig)
	}
	if c.Layout.FrameInterval <= 0 {
		return fmt.Errorf("%w: layout.frame_interval must be positive", ErrInvalidConfig)
	}
	if c.Layout.VelocityDecay < 0 || c.Layout.VelocityDecay > 1 {
		return fmt.Errorf("%w: layout.velocity_decay must be in [0,1]", ErrInvalidConfig)
	}
	if c.Layout.AlphaDecay <= 0 || c.Layout.AlphaDecay >= 1 {
		return fmt.Errorf("%w: layout.alpha_decay must be in (0,1)", ErrInvalidConfig)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be in [0,1]", ErrInvalidConfig)
	}
	return nil
}

// Logging converts the [log] section into a logging.Config.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		AddSource: c.Log.AddSource,
	}
}
