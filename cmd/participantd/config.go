package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is participantd's on-disk YAML shape.
type config struct {
	StorePath   string `yaml:"store_path"`
	ClusterName string `yaml:"cluster_name"`
	Instance    string `yaml:"instance"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Concurrency int64  `yaml:"concurrency"`
	Tags        []string `yaml:"tags"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &config{Concurrency: 8}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("config: store_path is required")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("config: instance is required")
	}
	return cfg, nil
}
