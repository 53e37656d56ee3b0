// Package config defines all configuration for the matching engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via ATTN_* environment variables. Every knob has a default,
// so the engine runs against a local Redis with no file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Bus       BusConfig       `mapstructure:"bus"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BusConfig holds the Redis connection used for all event streams.
// MaxStreamLen caps outbound streams with approximate trimming; zero
// disables trimming.
type BusConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxStreamLen int64  `mapstructure:"max_stream_len"`
}

// MatcherConfig tunes the match and sweep loops.
//
//   - MatchInterval: idle backoff between unproductive match attempts.
//   - PruneInterval: cadence of the expiry/staleness sweep.
//   - MaxMatchesPerIteration: cap per loop pass so a deep book cannot
//     starve ingress and sweeping.
//   - EmitEvents: master switch for outbound stream emission.
//   - MaxSeqGapSeconds: largest engagement sequence gap credited as
//     verified time; anything larger is clamped.
type MatcherConfig struct {
	MatchInterval          time.Duration `mapstructure:"match_interval"`
	PruneInterval          time.Duration `mapstructure:"prune_interval"`
	MaxMatchesPerIteration int           `mapstructure:"max_matches_per_iteration"`
	EmitEvents             bool          `mapstructure:"emit_events"`
	MaxSeqGapSeconds       int64         `mapstructure:"max_seq_gap_seconds"`
}

// RulesConfig sets the eligibility thresholds used at match time and while
// a match runs.
type RulesConfig struct {
	MinAttentionSeconds      int64         `mapstructure:"min_attention_seconds"`
	HeartbeatTimeout         time.Duration `mapstructure:"heartbeat_timeout"`
	MinEngagementScore       float64       `mapstructure:"min_engagement_score"`
	MinLivenessScore         float64       `mapstructure:"min_liveness_score"`
	LowEngagementGracePeriod time.Duration `mapstructure:"low_engagement_grace_period"`
}

// PoolConfig controls session bookkeeping.
type PoolConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// IngressConfig controls the stream consumers. The consumer name is
// ConsumerPrefix plus the process id, so parallel deployments keep
// distinct pending lists within the shared group.
type IngressConfig struct {
	ConsumerPrefix string        `mapstructure:"consumer_prefix"`
	BatchSize      int64         `mapstructure:"batch_size"`
	Block          time.Duration `mapstructure:"block"`
}

// DirectoryConfig points at the settlement directory service that maps
// agent identities to escrow accounts. An empty BaseURL disables lookups;
// instructions then carry the agent identity as a placeholder.
type DirectoryConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// JournalConfig sets where settlement instructions are persisted (JSON files).
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

// OpsConfig controls the HTTP/WebSocket ops server. An empty AllowedOrigins
// list restricts the stream endpoint to same-host and localhost origins.
type OpsConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is fine; defaults cover every field. The Redis password can be supplied
// via ATTN_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ATTN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if pass := os.Getenv("ATTN_REDIS_PASSWORD"); pass != "" {
		cfg.Bus.Password = pass
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("bus.db", 0)
	v.SetDefault("bus.max_stream_len", 10000)

	v.SetDefault("matcher.match_interval", "10ms")
	v.SetDefault("matcher.prune_interval", "1s")
	v.SetDefault("matcher.max_matches_per_iteration", 50)
	v.SetDefault("matcher.emit_events", true)
	v.SetDefault("matcher.max_seq_gap_seconds", 10)

	v.SetDefault("rules.min_attention_seconds", 5)
	v.SetDefault("rules.heartbeat_timeout", "30s")
	v.SetDefault("rules.min_engagement_score", 0.30)
	v.SetDefault("rules.min_liveness_score", 0.50)
	v.SetDefault("rules.low_engagement_grace_period", "3s")

	v.SetDefault("pool.heartbeat_timeout", "30s")

	v.SetDefault("ingress.consumer_prefix", "engine")
	v.SetDefault("ingress.batch_size", 16)
	v.SetDefault("ingress.block", "5s")

	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.timeout", "2s")
	v.SetDefault("directory.cache_ttl", "5m")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.data_dir", "data/settlements")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks value ranges for everything the engine depends on.
func (c *Config) Validate() error {
	if c.Bus.Addr == "" {
		return fmt.Errorf("bus.addr is required")
	}
	if c.Matcher.MatchInterval <= 0 {
		return fmt.Errorf("matcher.match_interval must be > 0")
	}
	if c.Matcher.PruneInterval <= 0 {
		return fmt.Errorf("matcher.prune_interval must be > 0")
	}
	if c.Matcher.MaxMatchesPerIteration <= 0 {
		return fmt.Errorf("matcher.max_matches_per_iteration must be > 0")
	}
	if c.Matcher.MaxSeqGapSeconds <= 0 {
		return fmt.Errorf("matcher.max_seq_gap_seconds must be > 0")
	}
	if c.Rules.MinAttentionSeconds <= 0 {
		return fmt.Errorf("rules.min_attention_seconds must be > 0")
	}
	if c.Rules.HeartbeatTimeout <= 0 {
		return fmt.Errorf("rules.heartbeat_timeout must be > 0")
	}
	if c.Rules.MinEngagementScore < 0 || c.Rules.MinEngagementScore > 1 {
		return fmt.Errorf("rules.min_engagement_score must be within [0, 1]")
	}
	if c.Rules.MinLivenessScore < 0 || c.Rules.MinLivenessScore > 1 {
		return fmt.Errorf("rules.min_liveness_score must be within [0, 1]")
	}
	if c.Rules.LowEngagementGracePeriod < 0 {
		return fmt.Errorf("rules.low_engagement_grace_period must be >= 0")
	}
	if c.Pool.HeartbeatTimeout <= 0 {
		return fmt.Errorf("pool.heartbeat_timeout must be > 0")
	}
	if c.Ingress.ConsumerPrefix == "" {
		return fmt.Errorf("ingress.consumer_prefix is required")
	}
	if c.Ingress.BatchSize <= 0 {
		return fmt.Errorf("ingress.batch_size must be > 0")
	}
	if c.Ops.Enabled && (c.Ops.Port <= 0 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port must be a valid port")
	}
	if c.Journal.Enabled && c.Journal.DataDir == "" {
		return fmt.Errorf("journal.data_dir is required when the journal is enabled")
	}
	return nil
}
