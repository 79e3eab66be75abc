package agent

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

var (
	envVarPattern      = regexp.MustCompile(`\$\{([^}]+)\}`)
	credentialsPattern = regexp.MustCompile(`://[^/@]+:[^/@]+@`)
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Version   string          `toml:"version"`
	Agent     AgentConfig     `toml:"agent"`
	Storage   StorageConfig   `toml:"storage"`
	Sources   []SourceConfig  `toml:"sources"`
	Alerting  AlertingConfig  `toml:"alerting"`
	Retention RetentionConfig `toml:"retention"`
	Baseline  BaselineConfig  `toml:"baseline"`
}

type AgentConfig struct {
	ID            string   `toml:"id"`
	LogLevel      string   `toml:"log_level"`
	LogFormat     string   `toml:"log_format"`
	CheckInterval Duration `toml:"check_interval"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type FreshnessConfig struct {
	MaxAgeHours *float64 `toml:"max_age_hours"`
	Factor      float64  `toml:"factor"`
}

type VolumeConfig struct {
	MinRowCount     *int64  `toml:"min_row_count"`
	DeviationFactor float64 `toml:"deviation_factor"`
}

type SourceConfig struct {
	Name           string          `toml:"name"`
	Type           string          `toml:"type"`
	Dialect        string          `toml:"dialect"`
	Connection     string          `toml:"connection"`
	Query          string          `toml:"query"`
	Schedule       string          `toml:"schedule"`
	TimeoutSeconds int             `toml:"timeout_seconds"`
	Freshness      FreshnessConfig `toml:"freshness"`
	Volume         VolumeConfig    `toml:"volume"`
	Enabled        *bool           `toml:"enabled"`
}

// IsEnabled reports whether the source is active. Unset means enabled.
func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type WebhookConfig struct {
	Name           string   `toml:"name"`
	URL            string   `toml:"url"`
	Secret         string   `toml:"secret"`
	Events         []string `toml:"events"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Subscribed reports whether the target wants the given event type.
func (w *WebhookConfig) Subscribed(event EventType) bool {
	for _, e := range w.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

type AlertingConfig struct {
	CooldownMinutes int             `toml:"cooldown_minutes"`
	Webhooks        []WebhookConfig `toml:"webhooks"`
}

type RetentionConfig struct {
	Days         int `toml:"days"`
	MinSnapshots int `toml:"min_snapshots"`
}

type BaselineConfig struct {
	WindowSize int `toml:"window_size"`
	MaxAgeDays int `toml:"max_age_days"`
}

// LoadConfig reads, defaults, interpolates, and validates a config file.
// ${VAR} references in connection strings, webhook URLs, and secrets are
// resolved from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	for i := range cfg.Sources {
		if err := CheckCredentials(cfg.Sources[i].Connection); err != nil {
			return nil, fmt.Errorf("source %q: connection: %w", cfg.Sources[i].Name, err)
		}
	}
	for i := range cfg.Alerting.Webhooks {
		if err := CheckCredentials(cfg.Alerting.Webhooks[i].URL); err != nil {
			return nil, fmt.Errorf("webhook %q: url: %w", cfg.Alerting.Webhooks[i].Name, err)
		}
	}

	if err := resolveSecrets(cfg); err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "driftguard-agent"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
	if cfg.Agent.LogFormat == "" {
		cfg.Agent.LogFormat = "text"
	}
	if cfg.Agent.CheckInterval.Duration == 0 {
		cfg.Agent.CheckInterval.Duration = time.Minute
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./driftguard.db"
	}
	if cfg.Alerting.CooldownMinutes == 0 {
		cfg.Alerting.CooldownMinutes = 60
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if cfg.Retention.MinSnapshots == 0 {
		cfg.Retention.MinSnapshots = 10
	}
	if cfg.Baseline.WindowSize == 0 {
		cfg.Baseline.WindowSize = 20
	}
	if cfg.Baseline.MaxAgeDays == 0 {
		cfg.Baseline.MaxAgeDays = 30
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Type == "" {
			src.Type = "sql"
		}
		if src.Dialect == "" {
			src.Dialect = "postgres"
		}
		if src.Schedule == "" {
			src.Schedule = "*/15 * * * *"
		}
		if src.TimeoutSeconds == 0 {
			src.TimeoutSeconds = 30
		}
		if src.Freshness.Factor == 0 {
			src.Freshness.Factor = 2.0
		}
		if src.Volume.DeviationFactor == 0 {
			src.Volume.DeviationFactor = 3.0
		}
	}

	for i := range cfg.Alerting.Webhooks {
		wh := &cfg.Alerting.Webhooks[i]
		if wh.TimeoutSeconds == 0 {
			wh.TimeoutSeconds = 10
		}
		if len(wh.Events) == 0 {
			wh.Events = []string{"anomaly", "recovery"}
		}
	}
}

// resolveSecrets interpolates ${VAR} environment references in the fields
// that may carry credentials.
func resolveSecrets(cfg *Config) error {
	var err error
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Connection, err = ResolveEnvVars(src.Connection); err != nil {
			return fmt.Errorf("source %q: %w", src.Name, err)
		}
	}
	for i := range cfg.Alerting.Webhooks {
		wh := &cfg.Alerting.Webhooks[i]
		if wh.URL, err = ResolveEnvVars(wh.URL); err != nil {
			return fmt.Errorf("webhook %q: %w", wh.Name, err)
		}
		if wh.Secret, err = ResolveEnvVars(wh.Secret); err != nil {
			return fmt.Errorf("webhook %q: %w", wh.Name, err)
		}
	}
	return nil
}

// ResolveEnvVars replaces ${VAR} patterns with environment values. Unset
// variables are an error, not an empty string.
func ResolveEnvVars(value string) (string, error) {
	var missing string
	resolved := envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		env, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return env
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable not set: %s", missing)
	}
	return resolved, nil
}

// MaskSecrets hides the password portion of connection-style URLs for
// display.
func MaskSecrets(value string) string {
	return regexp.MustCompile(`://([^:/@]+):([^@]+)@`).ReplaceAllString(value, "://$1:***@")
}

func validate(cfg *Config) error {
	if cfg.Version != "1" {
		return fmt.Errorf("unsupported config version %q, expected \"1\"", cfg.Version)
	}
	if cfg.Agent.CheckInterval.Duration < time.Second {
		return fmt.Errorf("agent check_interval must be >= 1s, got %s", cfg.Agent.CheckInterval.Duration)
	}
	if cfg.Retention.Days < 1 {
		return fmt.Errorf("retention days must be >= 1, got %d", cfg.Retention.Days)
	}
	if cfg.Alerting.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0, got %d", cfg.Alerting.CooldownMinutes)
	}
	if cfg.Baseline.WindowSize < 1 {
		return fmt.Errorf("baseline window_size must be >= 1, got %d", cfg.Baseline.WindowSize)
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i := range cfg.Sources {
		if err := validateSource(&cfg.Sources[i]); err != nil {
			return err
		}
		if seen[cfg.Sources[i].Name] {
			return fmt.Errorf("duplicate source name %q", cfg.Sources[i].Name)
		}
		seen[cfg.Sources[i].Name] = true
	}

	seenTargets := make(map[string]bool, len(cfg.Alerting.Webhooks))
	for i := range cfg.Alerting.Webhooks {
		if err := validateWebhook(&cfg.Alerting.Webhooks[i]); err != nil {
			return err
		}
		if seenTargets[cfg.Alerting.Webhooks[i].Name] {
			return fmt.Errorf("duplicate webhook name %q", cfg.Alerting.Webhooks[i].Name)
		}
		seenTargets[cfg.Alerting.Webhooks[i].Name] = true
	}
	return nil
}

func validateSource(src *SourceConfig) error {
	if src.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if src.Type != "sql" {
		return fmt.Errorf("source %q: unsupported type %q", src.Name, src.Type)
	}
	if _, ok := dialectDrivers[src.Dialect]; !ok {
		return fmt.Errorf("source %q: unsupported dialect %q", src.Name, src.Dialect)
	}
	if src.Connection == "" {
		return fmt.Errorf("source %q: connection is required", src.Name)
	}
	if src.Query == "" {
		return fmt.Errorf("source %q: query is required", src.Name)
	}
	if _, err := cron.ParseStandard(src.Schedule); err != nil {
		return fmt.Errorf("source %q: invalid schedule %q: %w", src.Name, src.Schedule, err)
	}
	if src.Freshness.MaxAgeHours != nil && *src.Freshness.MaxAgeHours <= 0 {
		return fmt.Errorf("source %q: freshness max_age_hours must be positive", src.Name)
	}
	if src.Volume.MinRowCount != nil && *src.Volume.MinRowCount < 0 {
		return fmt.Errorf("source %q: volume min_row_count must be >= 0", src.Name)
	}
	return nil
}

func validateWebhook(wh *WebhookConfig) error {
	if wh.Name == "" {
		return fmt.Errorf("webhook name is required")
	}
	u, err := url.Parse(wh.URL)
	if err != nil {
		return fmt.Errorf("webhook %q: invalid url: %w", wh.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook %q: url scheme must be http or https", wh.Name)
	}
	for _, e := range wh.Events {
		switch EventType(e) {
		case EventAnomaly, EventWarning, EventRecovery, EventInfo:
		default:
			return fmt.Errorf("webhook %q: unknown event type %q", wh.Name, e)
		}
	}
	return nil
}

// CheckCredentials rejects inline credentials in a raw (pre-interpolation)
// config value. Literal passwords belong in the environment.
func CheckCredentials(value string) error {
	if credentialsPattern.MatchString(value) && !envVarPattern.MatchString(value) {
		return fmt.Errorf("value appears to contain inline credentials, use ${VAR} references")
	}
	return nil
}

// ExampleConfig is written by the init command.
const ExampleConfig = `version = "1"

[agent]
id = "my-driftguard-agent"
log_level = "info"
check_interval = "1m"

[storage]
path = "./driftguard.db"

[[sources]]
name = "orders_daily"
dialect = "postgres"
connection = "${DATABASE_URL}"
schedule = "0 */6 * * *"
enabled = true
query = """
SELECT
  COUNT(*) AS row_count,
  MAX(created_at) AS latest_timestamp
FROM orders
WHERE created_at >= NOW() - INTERVAL '24 hours'
"""

[sources.freshness]
max_age_hours = 8.0

[sources.volume]
min_row_count = 100

[alerting]
cooldown_minutes = 60

[[alerting.webhooks]]
name = "ops"
url = "${WEBHOOK_URL}"
secret = "${WEBHOOK_SECRET}"
events = ["anomaly", "recovery"]

[retention]
days = 30
min_snapshots = 10

[baseline]
window_size = 20
max_age_days = 30
`
