// Package config loads engine tuning parameters (lease TTL, heartbeat
// interval, snapshot cadence, default retry policy) from a config file,
// environment variables, or both, using Viper the way the rest of this
// corpus configures its services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/distflow/corewf/engine"
)

// EngineSettings mirrors engine.EngineConfig's tunables in a form that can
// be decoded straight out of Viper (time.Duration fields accept Viper's
// "30s"-style strings).
type EngineSettings struct {
	LeaseTTL                time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	SnapshotEveryNSteps     int           `mapstructure:"snapshot_every_n_steps"`
	InlineSnapshotThreshold int           `mapstructure:"inline_snapshot_threshold"`
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	RunWallClockBudget      time.Duration `mapstructure:"run_wall_clock_budget"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// Load reads engine settings from configPath if non-empty, falling back to
// a "corewf" config file search (./corewf.yaml, $HOME/corewf.yaml) and
// COREWF_-prefixed environment variables, e.g. COREWF_LEASE_TTL=45s.
func Load(configPath string) (EngineSettings, error) {
	v := viper.New()
	v.SetEnvPrefix("corewf")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("heartbeat_interval", 0)
	v.SetDefault("snapshot_every_n_steps", 5)
	v.SetDefault("inline_snapshot_threshold", engine.InlineSnapshotThreshold)
	v.SetDefault("default_step_timeout", 30*time.Second)
	v.SetDefault("run_wall_clock_budget", 0)
	v.SetDefault("retry_max_attempts", 1)
	v.SetDefault("retry_base_delay", 0)
	v.SetDefault("retry_max_delay", 0)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("corewf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return EngineSettings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var settings EngineSettings
	if err := v.Unmarshal(&settings); err != nil {
		return EngineSettings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return settings, nil
}

// Options converts settings into engine.Option values ready for engine.New.
func (s EngineSettings) Options() []engine.Option {
	opts := []engine.Option{
		engine.WithLeaseTTL(s.LeaseTTL),
		engine.WithSnapshotCadence(s.SnapshotEveryNSteps),
		engine.WithInlineSnapshotThreshold(s.InlineSnapshotThreshold),
		engine.WithDefaultStepTimeout(s.DefaultStepTimeout),
	}
	if s.HeartbeatInterval > 0 {
		opts = append(opts, engine.WithHeartbeatInterval(s.HeartbeatInterval))
	}
	if s.RunWallClockBudget > 0 {
		opts = append(opts, engine.WithRunWallClockBudget(s.RunWallClockBudget))
	}
	if s.RetryMaxAttempts > 0 {
		opts = append(opts, engine.WithDefaultRetryPolicy(&engine.RetryPolicy{
			MaxAttempts: s.RetryMaxAttempts,
			BaseDelay:   s.RetryBaseDelay,
			MaxDelay:    s.RetryMaxDelay,
		}))
	}
	return opts
}
