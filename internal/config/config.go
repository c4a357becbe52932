// Package config loads the slackcal YAML configuration and its environment
// overlay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "SLACKCAL_"

	maxConfigFileSize = 1024 * 1024
)

// ErrInvalid marks configuration problems. Callers exit with status 1.
var ErrInvalid = errors.New("invalid configuration")

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `koanf:"username" yaml:"username" json:"username"`
	Password string `koanf:"password" yaml:"password" json:"password"`
}

type StoreConfig struct {
	// Driver is "json" or "sqlite".
	Driver string `koanf:"driver" yaml:"driver"`
	Path   string `koanf:"path" yaml:"path"`
}

type SlackConfig struct {
	Token          string   `koanf:"token" yaml:"token"`
	BotUserID      string   `koanf:"bot_user_id" yaml:"bot_user_id"`
	Channels       []string `koanf:"channels" yaml:"channels"`
	BaseURL        string   `koanf:"base_url" yaml:"base_url,omitempty"`
	TimeoutSeconds int      `koanf:"timeout_seconds" yaml:"timeout_seconds"`
}

type LLMConfig struct {
	APIKey         string  `koanf:"api_key" yaml:"api_key"`
	BaseURL        string  `koanf:"base_url" yaml:"base_url"`
	Model          string  `koanf:"model" yaml:"model"`
	TimeoutSeconds int     `koanf:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int     `koanf:"max_retries" yaml:"max_retries"`
	BackoffSeconds int     `koanf:"backoff_seconds" yaml:"backoff_seconds"`
	Temperature    float64 `koanf:"temperature" yaml:"temperature,omitempty"`
}

type NotifyConfig struct {
	IncludeTasks bool `koanf:"include_tasks" yaml:"include_tasks"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and metrics.
	Listen string `koanf:"listen" yaml:"listen"`

	// Timezone is the IANA zone reminders and calendar days are shown in.
	Timezone string `koanf:"timezone" yaml:"timezone"`

	// ModelTimezone is the zone extracted clock times are read in.
	ModelTimezone string `koanf:"model_timezone" yaml:"model_timezone"`

	// Cycle is the cron schedule of the ingest+notify cycle.
	Cycle string `koanf:"cycle" yaml:"cycle"`

	// Reminder is the cron schedule of the reminder-only scan. Empty
	// disables it.
	Reminder string `koanf:"reminder" yaml:"reminder"`

	ReminderWindowMinutes int `koanf:"reminder_window_minutes" yaml:"reminder_window_minutes"`

	Store  StoreConfig  `koanf:"store" yaml:"store"`
	Slack  SlackConfig  `koanf:"slack" yaml:"slack"`
	LLM    LLMConfig    `koanf:"llm" yaml:"llm"`
	Notify NotifyConfig `koanf:"notify" yaml:"notify"`
	Log    LogConfig    `koanf:"log" yaml:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health and /metrics.
	BasicAuth *BasicAuthConfig `koanf:"basic_auth" yaml:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                "127.0.0.1:8080",
		Timezone:              "Europe/Amsterdam",
		ModelTimezone:         "UTC",
		Cycle:                 "@every 3m",
		Reminder:              "@every 5m",
		ReminderWindowMinutes: 15,
		Store:                 StoreConfig{Driver: "json", Path: "data/slackcal.json"},
		Slack:                 SlackConfig{TimeoutSeconds: 30, Channels: []string{}},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-5-nano",
			TimeoutSeconds: 60,
			MaxRetries:     3,
			BackoffSeconds: 2,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.ModelTimezone == "" {
		c.ModelTimezone = d.ModelTimezone
	}
	if c.Cycle == "" {
		c.Cycle = d.Cycle
	}
	if c.ReminderWindowMinutes <= 0 {
		c.ReminderWindowMinutes = d.ReminderWindowMinutes
	}

	switch strings.ToLower(c.Store.Driver) {
	case "json", "sqlite":
		c.Store.Driver = strings.ToLower(c.Store.Driver)
	default:
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}

	if c.Slack.TimeoutSeconds <= 0 {
		c.Slack.TimeoutSeconds = d.Slack.TimeoutSeconds
	}
	c.Slack.Channels = splitList(c.Slack.Channels)

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.LLM.BaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = d.LLM.TimeoutSeconds
	}
	if c.LLM.MaxRetries < 0 {
		c.LLM.MaxRetries = 0
	}
	if c.LLM.BackoffSeconds <= 0 {
		c.LLM.BackoffSeconds = d.LLM.BackoffSeconds
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Channel lists coming from the environment arrive as one comma-separated
// string.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports missing credentials and unusable zones. Errors wrap
// ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Slack.Token) == "" {
		problems = append(problems, "slack.token is required (SLACK_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		problems = append(problems, "llm.api_key is required (OPENAI_API_KEY)")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}
	if _, err := time.LoadLocation(c.ModelTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("model_timezone %q: %v", c.ModelTimezone, err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// DisplayLocation returns the display zone, UTC if it cannot be loaded.
func (c *Config) DisplayLocation() *time.Location { return loadOrUTC(c.Timezone) }

// ModelLocation returns the zone extracted times are read in.
func (c *Config) ModelLocation() *time.Location { return loadOrUTC(c.ModelTimezone) }

func loadOrUTC(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Window() time.Duration {
	return time.Duration(c.ReminderWindowMinutes) * time.Minute
}

func (c *Config) SlackTimeout() time.Duration {
	return time.Duration(c.Slack.TimeoutSeconds) * time.Second
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) LLMBackoff() time.Duration {
	return time.Duration(c.LLM.BackoffSeconds) * time.Second
}

// Load reads configuration from path and overlays the environment.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600 perms.
//   - The YAML file is read through koanf.
//   - Conventional variables (SLACK_BOT_TOKEN, OPENAI_API_KEY, ...) override
//     the file, and SLACKCAL_* variables override both.
//   - The result is normalized. Validation is left to the caller since some
//     commands do not need credentials.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	k := koanf.New(".")

	data, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", conventionalEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", prefixedEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Normalize()
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file %s exceeds %d bytes", ErrInvalid, path, maxConfigFileSize)
	}
	return os.ReadFile(path)
}

var conventional = map[string]string{
	"SLACK_BOT_TOKEN":   "slack.token",
	"SLACK_BOT_USER_ID": "slack.bot_user_id",
	"API_KEY":           "llm.api_key",
	"OPENAI_API_KEY":    "llm.api_key",
	"OPENAI_BASE_URL":   "llm.base_url",
	"MODEL":             "llm.model",
}

// conventionalEnv maps the well-known variable names. Empty values are
// ignored so an unset-but-exported variable does not blank the file value.
// OPENAI_API_KEY wins over API_KEY.
func conventionalEnv(key, value string) (string, any) {
	path, ok := conventional[key]
	if !ok || value == "" {
		return "", nil
	}
	if key == "API_KEY" && os.Getenv("OPENAI_API_KEY") != "" {
		return "", nil
	}
	return path, value
}

var sections = []string{"basic_auth", "store", "slack", "llm", "notify", "log"}

// prefixedEnv maps SLACKCAL_SLACK_BOT_USER_ID to slack.bot_user_id and
// SLACKCAL_MODEL_TIMEZONE to model_timezone.
func prefixedEnv(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

// Save writes cfg to path atomically with 0600 permissions.
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

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".slackcal-config-*.tmp")
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

func (c *Config) Save(path string) error {
	return Save(path, c)
}
