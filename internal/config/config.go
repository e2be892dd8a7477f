// Package config loads the orchestration core's settings from a YAML file
// with CORTEX_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/llm"
	"github.com/normanking/cortexcore/internal/logging"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/orchestrator"
	"github.com/normanking/cortexcore/internal/perception"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

// Config holds all settings. It is loaded from ~/.cortex-core/config.yaml
// and can be overridden by environment variables (CORTEX_ROUTER_MAX_RETRIES).
type Config struct {
	DataDir     string            `mapstructure:"data_dir" yaml:"data_dir"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Affect      AffectConfig      `mapstructure:"affect" yaml:"affect"`
	Router      RouterConfig      `mapstructure:"router" yaml:"router"`
	Degradation DegradationConfig `mapstructure:"degradation" yaml:"degradation"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Safety      SafetyConfig      `mapstructure:"safety" yaml:"safety"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// File is an optional log file; empty logs to stderr
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// JSON switches from console output to JSON lines
	JSON bool `mapstructure:"json" yaml:"json"`
}

// Options converts to logging.Options.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{Level: c.Level, File: c.File, JSON: c.JSON}
}

// AffectConfig tunes the affective state engine.
type AffectConfig struct {
	UpdateRates   affect.Levels `mapstructure:"update_rates" yaml:"update_rates"`
	DecayRates    affect.Levels `mapstructure:"decay_rates" yaml:"decay_rates"`
	Baseline      affect.Levels `mapstructure:"baseline" yaml:"baseline"`
	Initial       affect.Levels `mapstructure:"initial" yaml:"initial"`
	DecayInterval time.Duration `mapstructure:"decay_interval" yaml:"decay_interval"`
	HistorySize   int           `mapstructure:"history_size" yaml:"history_size"`
}

// EngineConfig converts to affect.Config.
func (c AffectConfig) EngineConfig() affect.Config {
	return affect.Config{
		UpdateRates:   c.UpdateRates,
		DecayRates:    c.DecayRates,
		Baseline:      c.Baseline,
		Initial:       c.Initial,
		DecayInterval: c.DecayInterval,
		HistorySize:   c.HistorySize,
	}
}

// RouterConfig lists providers in fallback order plus retry tuning.
type RouterConfig struct {
	router.Config `mapstructure:",squash" yaml:",inline"`
	Providers     []llm.ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// DegradationConfig tunes health probing.
type DegradationConfig struct {
	ProbeInterval     time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold" yaml:"recovery_threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	HistorySize       int           `mapstructure:"history_size" yaml:"history_size"`
}

// MonitorConfig converts to degradation.Config.
func (c DegradationConfig) MonitorConfig() degradation.Config {
	return degradation.Config{
		ProbeInterval:     c.ProbeInterval,
		ProbeTimeout:      c.ProbeTimeout,
		FailureThreshold:  c.FailureThreshold,
		RecoveryThreshold: c.RecoveryThreshold,
		Cooldown:          c.Cooldown,
		HistorySize:       c.HistorySize,
	}
}

// Memory backends.
const (
	MemoryKeyword = "keyword"
	MemoryRemote  = "remote"
)

// MemoryConfig selects the long-term memory backend.
type MemoryConfig struct {
	// Backend is "keyword" (in-process) or "remote" (HTTP service)
	Backend string               `mapstructure:"backend" yaml:"backend"`
	Keyword memory.KeywordConfig `mapstructure:"keyword" yaml:"keyword"`
	Remote  memory.RemoteConfig  `mapstructure:"remote" yaml:"remote"`
}

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// SafetyConfig configures trust tiers, locking and rollback.
type SafetyConfig struct {
	LockTimeout     time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	RollbackPenalty float64       `mapstructure:"rollback_penalty" yaml:"rollback_penalty"`
	LogTimeout      time.Duration `mapstructure:"log_timeout" yaml:"log_timeout"`

	// LockBackend is "memory" for a single process or "redis" when several
	// processes share a resource store.
	LockBackend string      `mapstructure:"lock_backend" yaml:"lock_backend"`
	Redis       RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Tiers is the capability table, one entry per tier 0-4.
	Tiers []safety.TierPolicy `mapstructure:"tiers" yaml:"tiers"`
}

// NetConfig converts to safety.Config.
func (c SafetyConfig) NetConfig() safety.Config {
	return safety.Config{LockTimeout: c.LockTimeout, RollbackPenalty: c.RollbackPenalty, LogTimeout: c.LogTimeout}
}

// RedisConfig locates the Redis used for distributed resource locks.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// PipelineConfig tunes turns. Actor IDs in actor_tiers are matched
// lower-cased.
type PipelineConfig struct {
	orchestrator.Config `mapstructure:",squash" yaml:",inline"`
	Workers             int                  `mapstructure:"workers" yaml:"workers"`
	Cues                []perception.CueSpec `mapstructure:"cues" yaml:"cues,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	ac := affect.DefaultConfig()
	dc := degradation.DefaultConfig()
	sc := safety.DefaultConfig()

	anthropic := llm.DefaultConfig(llm.KindAnthropic)
	openai := llm.DefaultConfig(llm.KindOpenAI)
	ollama := llm.DefaultConfig(llm.KindOllama)

	return &Config{
		DataDir: "~/.cortex-core",
		Logging: LoggingConfig{Level: "info"},
		Affect: AffectConfig{
			UpdateRates:   ac.UpdateRates,
			DecayRates:    ac.DecayRates,
			Baseline:      ac.Baseline,
			Initial:       ac.Initial,
			DecayInterval: ac.DecayInterval,
			HistorySize:   ac.HistorySize,
		},
		Router: RouterConfig{
			Config:    router.DefaultConfig(),
			Providers: []llm.ProviderConfig{anthropic, openai, ollama},
		},
		Degradation: DegradationConfig{
			ProbeInterval:     dc.ProbeInterval,
			ProbeTimeout:      dc.ProbeTimeout,
			FailureThreshold:  dc.FailureThreshold,
			RecoveryThreshold: dc.RecoveryThreshold,
			Cooldown:          dc.Cooldown,
			HistorySize:       dc.HistorySize,
		},
		Memory: MemoryConfig{
			Backend: MemoryKeyword,
			Keyword: memory.DefaultKeywordConfig(),
			Remote:  memory.RemoteConfig{Timeout: 5 * time.Second},
		},
		Safety: SafetyConfig{
			LockTimeout:     sc.LockTimeout,
			RollbackPenalty: sc.RollbackPenalty,
			LogTimeout:      sc.LogTimeout,
			LockBackend:     LockMemory,
			Redis:           RedisConfig{Addr: "127.0.0.1:6379", Prefix: "cortex:", LockTTL: 30 * time.Second},
			Tiers:           safety.DefaultCapabilities(),
		},
		Pipeline: PipelineConfig{
			Config:  orchestrator.DefaultConfig(),
			Workers: 8,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:7420",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// DefaultPath returns ~/.cortex-core/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cortex-core", "config.yaml"), nil
}

// Load reads the config from the default path.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config at path, writing the defaults there first
// if the file does not exist. Keys missing from the file keep their
// defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEX_SAFETY_LOCK_BACKEND=redis
	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// mapstructure decodes into existing slice elements, so lists present in
	// the file must start empty or shorter lists keep trailing defaults.
	if v.IsSet("router.providers") {
		cfg.Router.Providers = nil
	}
	if v.IsSet("safety.tiers") {
		cfg.Safety.Tiers = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return cfg, nil
}

// SaveToPath writes the config as YAML.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(expandPath(c.DataDir), "cortex.db")
}

// EnsureDirectories creates the data directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(expandPath(c.DataDir), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	for name, l := range map[string]affect.Levels{"update_rates": c.Affect.UpdateRates, "decay_rates": c.Affect.DecayRates} {
		for _, r := range []float64{l.Trust, l.Warmth, l.Arousal, l.Valence} {
			if r <= 0 || r > 1 {
				return fmt.Errorf("affect.%s must be in (0,1], got %v", name, r)
			}
		}
	}

	if len(c.Router.Providers) == 0 {
		return fmt.Errorf("router.providers cannot be empty")
	}
	seen := make(map[string]bool)
	for i, p := range c.Router.Providers {
		switch p.Kind {
		case llm.KindOllama, llm.KindOpenAI, llm.KindAnthropic, llm.KindGroq, llm.KindGrok, llm.KindOpenRouter:
		default:
			return fmt.Errorf("router.providers[%d]: unknown kind '%s'", i, p.Kind)
		}
		name := p.Name
		if name == "" {
			name = p.Kind
		}
		if seen[name] {
			return fmt.Errorf("router.providers[%d]: duplicate provider name '%s'", i, name)
		}
		seen[name] = true
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries cannot be negative")
	}

	if c.Degradation.FailureThreshold < 1 || c.Degradation.RecoveryThreshold < 1 {
		return fmt.Errorf("degradation thresholds must be at least 1")
	}

	switch c.Memory.Backend {
	case MemoryKeyword:
	case MemoryRemote:
		if c.Memory.Remote.Endpoint == "" {
			return fmt.Errorf("memory.remote.endpoint is required for the remote backend")
		}
	default:
		return fmt.Errorf("invalid memory backend '%s', must be 'keyword' or 'remote'", c.Memory.Backend)
	}

	switch c.Safety.LockBackend {
	case LockMemory:
	case LockRedis:
		if c.Safety.Redis.Addr == "" {
			return fmt.Errorf("safety.redis.addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("invalid lock backend '%s', must be 'memory' or 'redis'", c.Safety.LockBackend)
	}
	if c.Safety.RollbackPenalty < 0 || c.Safety.RollbackPenalty > 1 {
		return fmt.Errorf("safety.rollback_penalty must be in [0,1]")
	}
	if _, err := safety.NewCapabilities(c.Safety.Tiers); err != nil {
		return fmt.Errorf("safety.tiers: %w", err)
	}

	if !c.Pipeline.DefaultTier.Valid() {
		return fmt.Errorf("pipeline.default_tier %d is not a trust tier (0-4)", c.Pipeline.DefaultTier)
	}
	for actor, tier := range c.Pipeline.ActorTiers {
		if !tier.Valid() {
			return fmt.Errorf("pipeline.actor_tiers.%s: %d is not a trust tier (0-4)", actor, tier)
		}
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	for _, cue := range c.Pipeline.Cues {
		if _, err := cue.Compile(); err != nil {
			return fmt.Errorf("pipeline.cues: %w", err)
		}
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	return nil
}

// writeConfigFile marshals with yaml.v3 so yaml tags control the layout.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
