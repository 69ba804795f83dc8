package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the on-disk shape controllerd reads at startup, the same
// "one small YAML file, a handful of top-level keys" shape the teacher
// uses for its own config.
type config struct {
	ClusterName      string `yaml:"cluster_name"`
	StorePath        string `yaml:"store_path"`
	NodeID           string `yaml:"node_id"`
	BindAddr         string `yaml:"bind_addr"`
	DataDir          string `yaml:"data_dir"`
	JoinAddr         string `yaml:"join_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	PipelineInterval string `yaml:"pipeline_interval"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &config{
		BindAddr:         "127.0.0.1:7946",
		DataDir:          "./controllerd-data",
		MetricsAddr:      "127.0.0.1:9090",
		PipelineInterval: "5s",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("config: store_path is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: node_id is required")
	}
	return cfg, nil
}
