// Package config handles configuration loading and management for switchboard.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Config holds all configuration for switchboard.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Clarity      ClarityConfig      `mapstructure:"clarity"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Verification VerificationConfig `mapstructure:"verification"`
	Boss         BossConfig         `mapstructure:"boss"`
	Hierarchy    HierarchyConfig    `mapstructure:"hierarchy"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Slack        SlackConfig        `mapstructure:"slack"`
	Signals      SignalsConfig      `mapstructure:"signals"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Protect      ProtectConfig      `mapstructure:"protect"`
}

// StoreConfig selects the database file and driver.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// ServerConfig holds the query/status HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ClarityConfig holds the Clarity Gate thresholds.
type ClarityConfig struct {
	AutoResolveThreshold   int `mapstructure:"auto_resolve_threshold"`
	ClarificationThreshold int `mapstructure:"clarification_threshold"`
	MaxRounds              int `mapstructure:"max_rounds"`
}

// QueueConfig holds per-team slot allocation.
type QueueConfig struct {
	// Slots maps team name to allocated slots.
	Slots             map[string]int `mapstructure:"slots"`
	RebalanceCooldown time.Duration  `mapstructure:"rebalance_cooldown"`
}

// OrchestratorConfig holds run retry and step execution settings.
type OrchestratorConfig struct {
	MaxTicketRetries int           `mapstructure:"max_ticket_retries"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	// StepAttempts bounds transient retries inside a single step.
	StepAttempts int           `mapstructure:"step_attempts"`
	StepBackoff  time.Duration `mapstructure:"step_backoff"`
}

// VerificationConfig holds the Verification Pipeline settings.
type VerificationConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	PassThreshold     int     `mapstructure:"pass_threshold"`
	CoverageThreshold float64 `mapstructure:"coverage_threshold"`
}

// BossConfig holds the Boss Supervisor settings.
type BossConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	OverloadThreshold   int           `mapstructure:"overload_threshold"`
	StuckPhaseMinutes   int           `mapstructure:"stuck_phase_minutes"`
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
}

// StuckPhase returns the stuck-phase timeout as a duration.
func (b BossConfig) StuckPhase() time.Duration {
	return time.Duration(b.StuckPhaseMinutes) * time.Minute
}

// HierarchyConfig holds agent tree settings.
type HierarchyConfig struct {
	// DefinitionFile optionally points at a YAML tree definition.
	DefinitionFile string `mapstructure:"definition_file"`
	RetryBudget    int    `mapstructure:"retry_budget"`
}

// AgentsConfig holds the per-role permission and model tables.
type AgentsConfig struct {
	Roles map[string]RoleConfig `mapstructure:"roles"`
}

// RoleConfig describes one agent role.
type RoleConfig struct {
	Permissions []string `mapstructure:"permissions"`
	Model       string   `mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// RedisConfig configures the optional Redis stream event sink.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// Enabled reports whether the sink should be started.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// SlackConfig configures the optional Slack webhook notifier.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// SignalsConfig configures the operational signal directory.
type SignalsConfig struct {
	Dir string `mapstructure:"dir"`
}

// MaintenanceConfig holds scheduled job settings.
type MaintenanceConfig struct {
	// DigestSchedule is a cron expression; empty disables the digest.
	DigestSchedule string `mapstructure:"digest_schedule"`
}

// ProtectConfig adds sensitive-area rules on top of the built-in ones.
// Tickets that mention a matching path are flagged for review.
type ProtectConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Patterns  []string `mapstructure:"patterns"`
	Keywords  []string `mapstructure:"keywords"`
	FileTypes []string `mapstructure:"file_types"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWITCHBOARD_*, ANTHROPIC_API_KEY)
// 2. Project config (.switchboard.yaml in current directory or parent)
// 3. User config (~/.config/switchboard/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "SWITCHBOARD_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("slack.webhook_url", "SWITCHBOARD_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Slack.WebhookURL = expandEnv(cfg.Slack.WebhookURL)
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDerived sets values computed from other settings.
func (c *Config) fillDerived() {
	if c.Store.Path == "" {
		c.Store.Path = defaultDBPath()
	}
	if c.Signals.Dir == "" {
		c.Signals.Dir = filepath.Join(filepath.Dir(c.Store.Path), "signals")
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	cl := c.Clarity
	if cl.ClarificationThreshold < 0 || cl.AutoResolveThreshold > 100 || cl.ClarificationThreshold > cl.AutoResolveThreshold {
		return fmt.Errorf("clarity thresholds must satisfy 0 <= clarification (%d) <= auto_resolve (%d) <= 100",
			cl.ClarificationThreshold, cl.AutoResolveThreshold)
	}
	if cl.MaxRounds < 1 {
		return fmt.Errorf("clarity.max_rounds must be at least 1, got %d", cl.MaxRounds)
	}
	for team, slots := range c.Queue.Slots {
		if !models.Team(team).Valid() {
			return fmt.Errorf("queue.slots: unknown team %q", team)
		}
		if slots < 0 {
			return fmt.Errorf("queue.slots.%s must not be negative", team)
		}
	}
	if c.Orchestrator.MaxTicketRetries < 1 {
		return fmt.Errorf("orchestrator.max_ticket_retries must be at least 1, got %d", c.Orchestrator.MaxTicketRetries)
	}
	if c.Verification.MaxRetries < 1 {
		return fmt.Errorf("verification.max_retries must be at least 1, got %d", c.Verification.MaxRetries)
	}
	if c.Boss.Interval <= 0 {
		return fmt.Errorf("boss.interval must be positive")
	}
	return nil
}

// TeamSlots returns the allocated slots per team, filling unset teams with zero.
func (c *Config) TeamSlots() map[models.Team]int {
	out := make(map[models.Team]int, len(models.AllTeams()))
	for _, team := range models.AllTeams() {
		out[team] = c.Queue.Slots[string(team)]
	}
	return out
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("server.addr", "127.0.0.1:8420")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("clarity.auto_resolve_threshold", 85)
	v.SetDefault("clarity.clarification_threshold", 70)
	v.SetDefault("clarity.max_rounds", 5)

	v.SetDefault("queue.slots", map[string]any{
		"orchestrator":    1,
		"planning":        2,
		"verification":    2,
		"coding_director": 3,
	})
	v.SetDefault("queue.rebalance_cooldown", "1m")

	v.SetDefault("orchestrator.max_ticket_retries", 3)
	v.SetDefault("orchestrator.step_timeout", "10m")
	v.SetDefault("orchestrator.step_attempts", 3)
	v.SetDefault("orchestrator.step_backoff", "2s")

	v.SetDefault("verification.max_retries", 3)
	v.SetDefault("verification.pass_threshold", 70)
	v.SetDefault("verification.coverage_threshold", 0.6)

	v.SetDefault("boss.interval", "5m")
	v.SetDefault("boss.overload_threshold", 20)
	v.SetDefault("boss.stuck_phase_minutes", 30)
	v.SetDefault("boss.escalation_threshold", 5)

	v.SetDefault("hierarchy.definition_file", "")
	v.SetDefault("hierarchy.retry_budget", 3)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.stream", "switchboard:events")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("slack.webhook_url", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("signals.dir", "")

	v.SetDefault("maintenance.digest_schedule", "@daily")

	v.SetDefault("protect.enabled", true)
	v.SetDefault("protect.patterns", []string{})
	v.SetDefault("protect.keywords", []string{})
	v.SetDefault("protect.file_types", []string{})
}

// getUserConfigDir returns the XDG config directory for switchboard.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "switchboard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "switchboard")
	}
	return filepath.Join(home, ".config", "switchboard")
}

// defaultDBPath mirrors state.DefaultDBPath without importing the store.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "switchboard", "switchboard.db")
}

// findProjectConfig searches for .switchboard.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".switchboard.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{
		Store:  StoreConfig{Driver: "sqlite"},
		Server: ServerConfig{Addr: "127.0.0.1:8420"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Clarity: ClarityConfig{
			AutoResolveThreshold:   85,
			ClarificationThreshold: 70,
			MaxRounds:              5,
		},
		Queue: QueueConfig{
			Slots: map[string]int{
				"orchestrator":    1,
				"planning":        2,
				"verification":    2,
				"coding_director": 3,
			},
			RebalanceCooldown: time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			MaxTicketRetries: 3,
			StepTimeout:      10 * time.Minute,
			StepAttempts:     3,
			StepBackoff:      2 * time.Second,
		},
		Verification: VerificationConfig{
			MaxRetries:        3,
			PassThreshold:     70,
			CoverageThreshold: 0.6,
		},
		Boss: BossConfig{
			Interval:            5 * time.Minute,
			OverloadThreshold:   20,
			StuckPhaseMinutes:   30,
			EscalationThreshold: 5,
		},
		Hierarchy: HierarchyConfig{RetryBudget: 3},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Redis: RedisConfig{
			Stream: "switchboard:events",
			MaxLen: 10000,
		},
		Maintenance: MaintenanceConfig{DigestSchedule: "@daily"},
		Protect:     ProtectConfig{Enabled: true},
	}
	cfg.fillDerived()
	return cfg
}
