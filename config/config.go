// Package config loads coview settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gosuda/coview/transport"
)

type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

type ClientConfig struct {
	BaseURL      string            `yaml:"base_url"`
	Profile      string            `yaml:"profile"`
	Retry        transport.Backoff `yaml:"retry"`
	WriteTimeout time.Duration     `yaml:"write_timeout"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	DataPath     string        `yaml:"data_path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Backlog      int           `yaml:"backlog"`
	RelayURLs    []string      `yaml:"relay_urls"`
	Name         string        `yaml:"name"`
	// JWTSecret enables signed socket tokens; empty accepts dev tokens.
	JWTSecret    string        `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:8080",
			Profile: "default",
			Retry: transport.Backoff{
				Interval:    transport.DefaultRetryInterval,
				MaxAttempts: transport.DefaultMaxAttempts,
			},
			WriteTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Port:         8080,
			PingInterval: 20 * time.Second,
			Backlog:      100,
			Name:         "coview",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults;
// a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Client.Retry.Interval < 0 {
		return errors.New("client.retry.interval must not be negative")
	}
	if c.Server.PingInterval < 0 {
		return errors.New("server.ping_interval must not be negative")
	}
	if c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
