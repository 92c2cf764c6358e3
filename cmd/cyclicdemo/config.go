package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the cyclicdemo binary: how many workers meet at the
// barrier, how long they're given per cycle, and how often a cycle is
// triggered on a schedule.
type Config struct {
	Barrier  BarrierConfig  `yaml:"barrier"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type BarrierConfig struct {
	Parties  int           `yaml:"parties"`
	Deadline time.Duration `yaml:"deadline"`
}

type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func defaultConfig() *Config {
	return &Config{
		Barrier: BarrierConfig{
			Parties:  4,
			Deadline: 2 * time.Second,
		},
		Schedule: ScheduleConfig{
			Cron: "@every 5s",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// loadConfig reads path if it exists, layering it over defaultConfig; a
// missing file is not an error, matching cyclicdemo's "works with zero
// setup" demo posture.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Barrier.Parties <= 0 {
		return fmt.Errorf("barrier.parties must be positive, got %d", c.Barrier.Parties)
	}
	if c.Barrier.Deadline <= 0 {
		return fmt.Errorf("barrier.deadline must be positive, got %s", c.Barrier.Deadline)
	}
	return nil
}
