// Package config loads permitsync configuration from a YAML file and
// PSYNC_* environment variables, with environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the psync binary.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the HTTP listen address for psync serve.
	ListenAddr string `mapstructure:"listen_addr"`

	// AuthToken is the single shared credential clients present as a
	// bearer token. Empty disables auth (local development only).
	AuthToken string `mapstructure:"auth_token"`

	// Tenant is the default tenant key. Deployments currently run a single
	// shared dataset, so one tenant serves everything.
	Tenant string `mapstructure:"tenant"`

	// RetentionDays is the tombstone retention window in days.
	RetentionDays int `mapstructure:"retention_days"`

	// InboxDir, when set, enables the import daemon watching this
	// directory for legacy bundle exports.
	InboxDir string `mapstructure:"inbox_dir"`

	// LogFile, when set, sends logs to a rotating file instead of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from the given file path, or from ./psync.yaml
// when path is empty. A missing config file is fine: defaults and
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "permitsync.db")
	v.SetDefault("listen_addr", ":8787")
	v.SetDefault("auth_token", "")
	v.SetDefault("tenant", "erpermitsys")
	v.SetDefault("retention_days", 30)
	v.SetDefault("inbox_dir", "")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("PSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("psync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &cfg, nil
}

// Retention returns the tombstone retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
