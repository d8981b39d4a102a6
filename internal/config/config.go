// Package config loads service configuration from an optional YAML file
// with environment-variable overrides. Defaults suit local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	Migrate     bool   `yaml:"migrate"`
	Worker      Worker `yaml:"worker"`
}

type Worker struct {
	// Concurrency is the number of task handlers per lane.
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts is the per-task retry budget.
	MaxAttempts int `yaml:"max_attempts"`
	// LowLaneRPS throttles the low-priority (whale) lane; zero disables
	// the limiter.
	LowLaneRPS float64 `yaml:"low_lane_rps"`
}

func defaults() Config {
	return Config{
		Port:    8080,
		Migrate: true,
		Worker: Worker{
			Concurrency: 4,
			MaxAttempts: 5,
			LowLaneRPS:  25,
		},
	}
}

// Load reads path (when non-empty and present) and applies env overrides:
// PORT, DATABASE_URL, REDIS_URL, DB_MIGRATE, WORKER_CONCURRENCY,
// WEBHOOK_MAX_ATTEMPTS, WEBHOOK_LOW_LANE_RPS.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		cfg.Migrate = v != "false"
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxAttempts = n
		}
	}
	if v := os.Getenv("WEBHOOK_LOW_LANE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Worker.LowLaneRPS = f
		}
	}
	return cfg, nil
}
