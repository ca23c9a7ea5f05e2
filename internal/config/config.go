// Package config loads certledger settings from a YAML file and the
// environment via viper. Any key can be overridden with a CERTLEDGER_
// environment variable, dots replaced by underscores
// (e.g. CERTLEDGER_STORAGE_BACKEND=postgres).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Listen    string          `mapstructure:"listen"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scope     ScopeConfig     `mapstructure:"scope"`
	CRL       CRLConfig       `mapstructure:"crl"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// StorageConfig selects and parameterizes the ledger store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`  // postgres
	Path    string `mapstructure:"path"` // sqlite
}

// ScopeConfig identifies the active CA whose CRL is served by default.
type ScopeConfig struct {
	InstanceID string `mapstructure:"instance_id"`
	Generation int    `mapstructure:"generation"`
	Engine     string `mapstructure:"engine"`
}

// SignerConfig points at one CA's PEM certificate and private key.
type SignerConfig struct {
	Engine   string `mapstructure:"engine"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// CRLConfig controls CRL generation.
type CRLConfig struct {
	ValidityWindow time.Duration  `mapstructure:"validity_window"`
	Signers        []SignerConfig `mapstructure:"signers"`
}

// RetentionConfig controls the expired-certificate sweeper.
type RetentionConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"` // zero disables the background sweep
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.path", "certledger.db")
	v.SetDefault("scope.engine", "openssl")
	v.SetDefault("scope.generation", 1)
	v.SetDefault("crl.validity_window", 24*time.Hour)
	v.SetDefault("retention.window", 365*24*time.Hour)
	v.SetDefault("retention.interval", time.Duration(0))
}

// Load reads the configuration. path may be empty, in which case only a
// config.yaml in the working directory (if present) and the environment are
// consulted; a missing file is not an error, a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CERTLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	for i, s := range c.CRL.Signers {
		if s.Engine == "" || s.CertFile == "" || s.KeyFile == "" {
			return fmt.Errorf("crl.signers[%d]: engine, cert_file and key_file are all required", i)
		}
	}
	return nil
}
