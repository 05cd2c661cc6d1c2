package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calwatch/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// SourceConfig describes a single calendar feed subscription.
type SourceConfig struct {
	// URL is the feed location: an http(s) URL or a local filesystem path.
	URL string `yaml:"url" json:"url"`
	// Enabled toggles the source without removing it.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Color is the display color used by the UI collaborator.
	Color string `yaml:"color" json:"color"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`

	// NotifyOffsetMinutes, when set, overrides notifications.default_time
	// for this source's events.
	NotifyOffsetMinutes *int `yaml:"notify_offset_minutes,omitempty" json:"notify_offset_minutes,omitempty"`
	// NotifySound is the sound identifier passed through to the alert UI.
	NotifySound string `yaml:"notify_sound,omitempty" json:"notify_sound,omitempty"`
}

// NotificationConfig holds the global notification settings.
type NotificationConfig struct {
	// DefaultTime is the default lead time in minutes before an event
	// start. A nil value means the key was absent and the built-in default
	// applies; an explicit 0 notifies at event start.
	DefaultTime *int `yaml:"default_time" json:"default_time"`
	// Enabled is the master switch; when false no notifications fire.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// CustomTimes maps "<source_id>/<uid>" to a per-event lead time in
	// minutes, overriding both the default and any per-source offset.
	CustomTimes map[string]int `yaml:"custom_times,omitempty" json:"custom_times,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the read-only API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used as the feed default when a feed does
	// not declare its own (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// driving periodic feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds recurrence expansion: occurrences further than this
	// many days in the future are not materialized.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// ShowAllDay toggles all-day events in countdown/next-event queries.
	ShowAllDay bool `yaml:"show_all_day" json:"show_all_day"`

	// Sources is the set of subscribed calendar feeds keyed by source ID.
	Sources map[string]SourceConfig `yaml:"calendar_sources" json:"calendar_sources"`

	// Notifications configures the notification scheduler.
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		RefreshCron: "*/15 * * * *",
		HorizonDays: 365,
		ShowAllDay:  true,
		Sources:     map[string]SourceConfig{},
		Notifications: NotificationConfig{
			DefaultTime: intPtr(10),
			Enabled:     true,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 365
	}
	if c.Sources == nil {
		c.Sources = map[string]SourceConfig{}
	}
	// An explicit default_time of 0 (notify at event start) is kept; only
	// an absent key falls back to the built-in default.
	if c.Notifications.DefaultTime == nil {
		c.Notifications.DefaultTime = intPtr(10)
	}
}

func intPtr(v int) *int { return &v }

// Location resolves the configured timezone, falling back to UTC when the
// zone name is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Rules derives the notification rule set from the configuration: one
// source-level rule per enabled source, plus one event-level rule per
// custom_times entry. The slice order is stable (sorted by scope) so repeated
// derivation from the same config compares equal.
func (c *Config) Rules() []model.NotificationRule {
	rules := make([]model.NotificationRule, 0, len(c.Sources)+len(c.Notifications.CustomTimes))

	for id, src := range c.Sources {
		offset := 10
		if c.Notifications.DefaultTime != nil {
			offset = *c.Notifications.DefaultTime
		}
		if src.NotifyOffsetMinutes != nil {
			offset = *src.NotifyOffsetMinutes
		}
		rules = append(rules, model.NotificationRule{
			Scope:   model.RuleScope{SourceID: id},
			Offset:  time.Duration(offset) * time.Minute,
			Enabled: c.Notifications.Enabled && src.Enabled,
			Sound:   src.NotifySound,
		})
	}

	for key, minutes := range c.Notifications.CustomTimes {
		sourceID, uid, ok := strings.Cut(key, "/")
		if !ok || sourceID == "" || uid == "" {
			continue
		}
		rules = append(rules, model.NotificationRule{
			Scope:   model.RuleScope{SourceID: sourceID, UID: uid},
			Offset:  time.Duration(minutes) * time.Minute,
			Enabled: c.Notifications.Enabled,
		})
	}

	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i].Scope, rules[j].Scope
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.UID < b.UID
	})
	return rules
}

// Validate rejects configurations the scheduler cannot honor, e.g. negative
// notification offsets.
func (c *Config) Validate() error {
	if c.Notifications.DefaultTime != nil && *c.Notifications.DefaultTime < 0 {
		return fmt.Errorf("notifications.default_time must not be negative: %d", *c.Notifications.DefaultTime)
	}
	for key, minutes := range c.Notifications.CustomTimes {
		if minutes < 0 {
			return fmt.Errorf("notifications.custom_times[%q] must not be negative: %d", key, minutes)
		}
	}
	for id, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("calendar_sources[%q].url is empty", id)
		}
		if src.NotifyOffsetMinutes != nil && *src.NotifyOffsetMinutes < 0 {
			return fmt.Errorf("calendar_sources[%q].notify_offset_minutes must not be negative: %d", id, *src.NotifyOffsetMinutes)
		}
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".calwatch-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
