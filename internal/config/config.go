// Package config loads server configuration from defaults, an optional yaml
// file and COLLABD_* environment variables, in that order of precedence.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Redis struct {
		// Empty address disables the cross-instance relay.
		Address string `mapstructure:"address"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Postgres struct {
		// Empty URL disables document persistence.
		URL        string `mapstructure:"url"`
		DocumentID string `mapstructure:"documentId"`
	} `mapstructure:"postgres"`
	Discovery struct {
		Enabled bool   `mapstructure:"enabled"`
		Service string `mapstructure:"service"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"discovery"`
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.channel", "collabd:broadcast")
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.documentId", "shared")
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.service", "_collabd._tcp")
	v.SetDefault("discovery.port", 8000)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLABD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("config file not found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
