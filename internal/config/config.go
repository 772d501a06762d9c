package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the config file, so
// secrets can stay out of the YAML.
const (
	EnvUsername       = "APP_USERNAME"
	EnvPassword       = "APP_PASSWORD"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
)

// Fetcher modes for UpstreamConfig.Fetcher.
const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// WatchConfig is one watched course page.
type WatchConfig struct {
	URL   string `yaml:"url" json:"url"`
	Title string `yaml:"title" json:"title"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PollConfig controls the background poll loop.
type PollConfig struct {
	// IntervalSeconds is the sleep between two ticks. Must be > 0.
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
	// CourseTimeoutSeconds bounds fetch+parse of a single course.
	CourseTimeoutSeconds int `yaml:"course_timeout_seconds" json:"course_timeout_seconds"`
	// Autostart makes the loop run right away instead of waiting for /api/start.
	Autostart *bool `yaml:"autostart,omitempty" json:"autostart,omitempty"`
}

// UpstreamConfig describes how to reach the registration site.
type UpstreamConfig struct {
	LoginURL  string `yaml:"login_url" json:"login_url"`
	Username  string `yaml:"username" json:"-"`
	Password  string `yaml:"password" json:"-"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// Fetcher is "http" (default) or "browser" (headless Chromium).
	Fetcher string `yaml:"fetcher" json:"fetcher"`
}

// ParserConfig holds the CSS selectors used to read a course page.
type ParserConfig struct {
	CourseBlock string `yaml:"course_block" json:"course_block"`
	SessionItem string `yaml:"session_item" json:"session_item"`
	Day         string `yaml:"day" json:"day"`
	Datetime    string `yaml:"datetime" json:"datetime"`
	Hour        string `yaml:"hour" json:"hour"`
	Room        string `yaml:"room" json:"room"`
	Status      string `yaml:"status" json:"status"`
	Title       string `yaml:"title" json:"title"`
	// EmptyMarker, if set, matches a course page that lists no sessions at
	// all. A document with neither a course block nor this marker is not a
	// course page.
	EmptyMarker string `yaml:"empty_marker,omitempty" json:"empty_marker,omitempty"`
	// SpotsLabel prefixes the spot count on a session detail page.
	SpotsLabel string `yaml:"spots_label" json:"spots_label"`
}

// NotifyConfig configures the notification sinks beyond the log.
type NotifyConfig struct {
	DiscordWebhook string `yaml:"discord_webhook" json:"-"`
	// Mention is prepended to every line of a Discord message.
	Mention string `yaml:"mention" json:"mention"`
}

// ReportConfig configures the periodic status digest.
type ReportConfig struct {
	// Cron is a standard 5-field cron spec. Empty disables the digest.
	Cron string `yaml:"cron" json:"cron"`
}

// CalendarConfig configures the /calendar.ics feed.
type CalendarConfig struct {
	Timezone string `yaml:"timezone" json:"timezone"`
	// SessionMinutes is used when an hour label carries no end time.
	SessionMinutes int `yaml:"session_minutes" json:"session_minutes"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`

	Poll     PollConfig     `yaml:"poll" json:"poll"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Parser   ParserConfig   `yaml:"parser" json:"parser"`
	Notify   NotifyConfig   `yaml:"notify" json:"notify"`
	Report   ReportConfig   `yaml:"report" json:"report"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Log      LogConfig      `yaml:"log" json:"log"`

	// Watches is the list of course pages to poll, in insertion order.
	Watches []WatchConfig `yaml:"watches" json:"watches"`
}

// DefaultParser returns the selectors matching the sport.unil.ch course pages.
func DefaultParser() ParserConfig {
	return ParserConfig{
		CourseBlock: "div.cours_items",
		SessionItem: "div.item",
		Day:         "span.day",
		Datetime:    "span.dt",
		Hour:        "span.hour",
		Room:        ".lieu",
		Status:      "div.inscr",
		Title:       "h1",
		SpotsLabel:  "Individuel:",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	autostart := true
	return &Config{
		Listen: "127.0.0.1:8080",
		Poll: PollConfig{
			IntervalSeconds:      300,
			CourseTimeoutSeconds: 60,
			Autostart:            &autostart,
		},
		Upstream: UpstreamConfig{
			LoginURL:  "https://sport.unil.ch/cms_core/auth/login",
			UserAgent: "coursewatch/1.0",
			Fetcher:   FetcherHTTP,
		},
		Parser: DefaultParser(),
		Notify: NotifyConfig{
			Mention: "@everyone",
		},
		Calendar: CalendarConfig{
			Timezone:       "Europe/Zurich",
			SessionMinutes: 60,
		},
		Log: LogConfig{
			Level: "info",
		},
		Watches: []WatchConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Poll.IntervalSeconds <= 0 {
		c.Poll.IntervalSeconds = def.Poll.IntervalSeconds
	}
	if c.Poll.CourseTimeoutSeconds <= 0 {
		c.Poll.CourseTimeoutSeconds = def.Poll.CourseTimeoutSeconds
	}
	if c.Poll.Autostart == nil {
		c.Poll.Autostart = def.Poll.Autostart
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = def.Upstream.UserAgent
	}
	switch c.Upstream.Fetcher {
	case FetcherHTTP, FetcherBrowser:
	default:
		c.Upstream.Fetcher = FetcherHTTP
	}
	c.Parser.fillFrom(def.Parser)
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = def.Calendar.Timezone
	}
	if c.Calendar.SessionMinutes <= 0 {
		c.Calendar.SessionMinutes = def.Calendar.SessionMinutes
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Watches == nil {
		c.Watches = []WatchConfig{}
	}
}

func (p *ParserConfig) fillFrom(def ParserConfig) {
	fields := []struct {
		dst *string
		def string
	}{
		{&p.CourseBlock, def.CourseBlock},
		{&p.SessionItem, def.SessionItem},
		{&p.Day, def.Day},
		{&p.Datetime, def.Datetime},
		{&p.Hour, def.Hour},
		{&p.Room, def.Room},
		{&p.Status, def.Status},
		{&p.Title, def.Title},
		{&p.SpotsLabel, def.SpotsLabel},
	}
	for _, f := range fields {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
}

// ApplyEnv overrides credentials with values from the environment when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvUsername); v != "" {
		c.Upstream.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Upstream.Password = v
	}
	if v := os.Getenv(EnvDiscordWebhook); v != "" {
		c.Notify.DiscordWebhook = v
	}
}

// Interval returns the poll interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// CourseTimeout returns the per-course fetch deadline as a duration.
func (c *Config) CourseTimeout() time.Duration {
	return time.Duration(c.Poll.CourseTimeoutSeconds) * time.Second
}

// AutostartEnabled reports whether the poll loop should run from startup.
func (c *Config) AutostartEnabled() bool {
	return c.Poll.Autostart == nil || *c.Poll.Autostart
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
//
// Environment overrides are applied after the file is read and are never
// written back by Save.
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
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

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

	tmp, err := os.CreateTemp(dir, ".coursewatch-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// SaveWatches rewrites only the watch list of the config file at path. The
// file is re-read first so environment overrides applied by Load never end
// up on disk.
func SaveWatches(path string, watches []WatchConfig) error {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	cfg.Watches = append([]WatchConfig(nil), watches...)
	return Save(path, cfg)
}
