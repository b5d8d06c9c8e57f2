// Package config loads the pipeline configuration from a JSON or YAML file
// with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

// Config is the full tunable surface of the capture pipeline. All values
// have working defaults; a missing config file is not an error.
type Config struct {
	// DataDir holds the SQLite databases. Defaults to ~/.ambientd.
	DataDir string `json:"data_dir" yaml:"data_dir" env:"AMBIENTD_DATA_DIR"`

	// DebounceDelaySeconds is the quiet period that must precede a flush.
	DebounceDelaySeconds int `json:"debounce_delay_seconds" yaml:"debounce_delay_seconds" env:"AMBIENTD_DEBOUNCE_DELAY_SECONDS"`

	// DebounceMaxWaitSeconds caps how long sustained activity can delay a
	// flush. 0 disables the cap (plain trailing debounce).
	DebounceMaxWaitSeconds int `json:"debounce_max_wait_seconds" yaml:"debounce_max_wait_seconds" env:"AMBIENTD_DEBOUNCE_MAX_WAIT_SECONDS"`

	// MaxBufferedEvents flushes early once the buffer reaches this size.
	MaxBufferedEvents int `json:"max_buffered_events" yaml:"max_buffered_events" env:"AMBIENTD_MAX_BUFFERED_EVENTS"`

	// IdleBoundaryMinutes of inactivity close the open session.
	IdleBoundaryMinutes int `json:"idle_boundary_minutes" yaml:"idle_boundary_minutes" env:"AMBIENTD_IDLE_BOUNDARY_MINUTES"`

	// SessionCapacity bounds stored sessions; oldest completed sessions are
	// evicted first once exceeded.
	SessionCapacity int `json:"session_capacity" yaml:"session_capacity" env:"AMBIENTD_SESSION_CAPACITY"`

	// MaxSubjectBytes bounds event subjects and metadata values.
	MaxSubjectBytes int `json:"max_subject_bytes" yaml:"max_subject_bytes" env:"AMBIENTD_MAX_SUBJECT_BYTES"`

	// PruneMinConfidence and PruneMaxAgeDays select unpinned patterns for
	// deletion during the scheduled sweep.
	PruneMinConfidence float64 `json:"prune_min_confidence" yaml:"prune_min_confidence" env:"AMBIENTD_PRUNE_MIN_CONFIDENCE"`
	PruneMaxAgeDays    int     `json:"prune_max_age_days" yaml:"prune_max_age_days" env:"AMBIENTD_PRUNE_MAX_AGE_DAYS"`

	// PruneSchedule is a cron expression for the pattern prune sweep.
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule" env:"AMBIENTD_PRUNE_SCHEDULE"`

	// LogLevel: trace, debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" env:"AMBIENTD_LOG_LEVEL"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:                filepath.Join(home, ".ambientd"),
		DebounceDelaySeconds:   5,
		DebounceMaxWaitSeconds: 0,
		MaxBufferedEvents:      64,
		IdleBoundaryMinutes:    30,
		SessionCapacity:        50,
		MaxSubjectBytes:        256 * 1024,
		PruneMinConfidence:     0.3,
		PruneMaxAgeDays:        90,
		PruneSchedule:          "@hourly",
		LogLevel:               "info",
	}
}

// Load reads path (JSON or YAML by extension), overlays environment
// variables, fills defaults and validates. An empty path skips the file
// step; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse json config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.DebounceDelaySeconds <= 0 {
		c.DebounceDelaySeconds = def.DebounceDelaySeconds
	}
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = def.MaxBufferedEvents
	}
	if c.IdleBoundaryMinutes <= 0 {
		c.IdleBoundaryMinutes = def.IdleBoundaryMinutes
	}
	if c.SessionCapacity <= 0 {
		c.SessionCapacity = def.SessionCapacity
	}
	if c.MaxSubjectBytes <= 0 {
		c.MaxSubjectBytes = def.MaxSubjectBytes
	}
	if c.PruneMinConfidence <= 0 {
		c.PruneMinConfidence = def.PruneMinConfidence
	}
	if c.PruneMaxAgeDays <= 0 {
		c.PruneMaxAgeDays = def.PruneMaxAgeDays
	}
	if strings.TrimSpace(c.PruneSchedule) == "" {
		c.PruneSchedule = def.PruneSchedule
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.DebounceMaxWaitSeconds > 0 && c.DebounceMaxWaitSeconds < c.DebounceDelaySeconds {
		return fmt.Errorf("%w: debounce_max_wait_seconds (%d) below debounce_delay_seconds (%d)",
			errs.ErrInvalidInput, c.DebounceMaxWaitSeconds, c.DebounceDelaySeconds)
	}
	if c.PruneMinConfidence < 0 || c.PruneMinConfidence > 1 {
		return fmt.Errorf("%w: prune_min_confidence %.2f outside [0,1]", errs.ErrInvalidInput, c.PruneMinConfidence)
	}
	if !gronx.New().IsValid(c.PruneSchedule) {
		return fmt.Errorf("%w: prune_schedule %q is not a valid cron expression", errs.ErrInvalidInput, c.PruneSchedule)
	}
	return nil
}
