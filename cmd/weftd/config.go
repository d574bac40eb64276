package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WEFTD_STORE_DSN overrides store.dsn, and so on.
var envKeyReplacer = strings.NewReplacer(".", "_")

// serverConfig is weftd's configuration, loaded from a YAML file and
// WEFTD_* environment variables.
type serverConfig struct {
	Store struct {
		// Driver is one of memory, sqlite, postgres.
		Driver string `mapstructure:"driver"`
		// DSN is the sqlite file path or postgres connection string.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Engine struct {
		Workers       int           `mapstructure:"workers"`
		StepTimeout   time.Duration `mapstructure:"step_timeout"`
		MaxAttempts   int           `mapstructure:"max_attempts"`
		RecoveryGrace time.Duration `mapstructure:"recovery_grace"`
	} `mapstructure:"engine"`

	Retention struct {
		JobLogDays int `mapstructure:"job_log_days"`
		DedupDays  int `mapstructure:"dedup_days"`
	} `mapstructure:"retention"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
}

func loadConfig(path string) (*serverConfig, error) {
	v := viper.New()
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "weftd.db")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.step_timeout", time.Minute)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.recovery_grace", 5*time.Minute)
	v.SetDefault("retention.job_log_days", 30)
	v.SetDefault("retention.dedup_days", 90)
	v.SetDefault("http.addr", ":8080")

	v.SetEnvPrefix("WEFTD")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("weftd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weftd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Missing config file is fine when not requested explicitly.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return &cfg, nil
}
