// Package config loads runtime startup configuration (spec.md §6) from a
// YAML manifest with VEA_-prefixed environment variable overrides, in the
// style of the teacher's cmd/warren/apply.go manifest loader.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized runtime startup key from spec.md §6.
type Config struct {
	RuntimeID  string `yaml:"runtime_id"`
	Port       int    `yaml:"port"`
	HealthPort int    `yaml:"health_port"`
	DataDir    string `yaml:"data_dir"`

	ContainerImageScript string `yaml:"container_image_script"`
	ContainerImageBinary string `yaml:"container_image_binary"`

	DefaultMemoryBytes int64 `yaml:"default_memory_bytes"`
	DefaultCPUQuota    int64 `yaml:"default_cpu_quota"`

	ReconcilerIntervalSeconds int   `yaml:"reconciler_interval_seconds"`
	LogRetentionPerAppBytes   int64 `yaml:"log_retention_per_app_bytes"`

	SignalGatewayHost    string `yaml:"signal_gateway_host"`
	SignalGatewayPort    int    `yaml:"signal_gateway_port"`
	SignalGatewayEnabled bool   `yaml:"signal_gateway_enabled"`

	FleetClientURL     string `yaml:"fleet_client_url"`
	FleetClientEnabled bool   `yaml:"fleet_client_enabled"`

	ContainerdSocket string `yaml:"containerd_socket"`
	LogLevel         string `yaml:"log_level"`
	LogJSON          bool   `yaml:"log_json"`

	// SharedSecret authenticates dispatcher clients (spec.md Non-goal:
	// "authentication beyond a simple shared-secret header").
	SharedSecret string `yaml:"shared_secret"`
}

// Default returns the §5/§6 defaults.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "vea-runtime"
	}
	return &Config{
		RuntimeID:                 hostname,
		Port:                      7780,
		HealthPort:                7781,
		DataDir:                   "/var/lib/vea-runtime",
		ContainerImageScript:      "vea-runtime/script-base:latest",
		ContainerImageBinary:      "vea-runtime/binary-base:latest",
		DefaultMemoryBytes:        512 * 1024 * 1024,
		DefaultCPUQuota:           50000,
		ReconcilerIntervalSeconds: 30,
		LogRetentionPerAppBytes:   8 * 1024 * 1024,
		SignalGatewayHost:         "",
		SignalGatewayPort:         0,
		SignalGatewayEnabled:      false,
		FleetClientURL:            "",
		FleetClientEnabled:        false,
		LogLevel:                  "info",
		LogJSON:                   false,
	}
}

// Load reads a YAML manifest (if path is non-empty) over the defaults, then
// applies VEA_<KEY> environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.RuntimeID, "VEA_RUNTIME_ID")
	strVar(&cfg.DataDir, "VEA_DATA_DIR")
	strVar(&cfg.ContainerImageScript, "VEA_CONTAINER_IMAGE_SCRIPT")
	strVar(&cfg.ContainerImageBinary, "VEA_CONTAINER_IMAGE_BINARY")
	strVar(&cfg.SignalGatewayHost, "VEA_SIGNAL_GATEWAY_HOST")
	strVar(&cfg.FleetClientURL, "VEA_FLEET_CLIENT_URL")
	strVar(&cfg.ContainerdSocket, "VEA_CONTAINERD_SOCKET")
	strVar(&cfg.LogLevel, "VEA_LOG_LEVEL")
	strVar(&cfg.SharedSecret, "VEA_SHARED_SECRET")

	intVar(&cfg.Port, "VEA_PORT")
	intVar(&cfg.HealthPort, "VEA_HEALTH_PORT")
	intVar(&cfg.ReconcilerIntervalSeconds, "VEA_RECONCILER_INTERVAL_SECONDS")
	intVar(&cfg.SignalGatewayPort, "VEA_SIGNAL_GATEWAY_PORT")

	int64Var(&cfg.DefaultMemoryBytes, "VEA_DEFAULT_MEMORY_BYTES")
	int64Var(&cfg.DefaultCPUQuota, "VEA_DEFAULT_CPU_QUOTA")
	int64Var(&cfg.LogRetentionPerAppBytes, "VEA_LOG_RETENTION_PER_APP_BYTES")

	boolVar(&cfg.SignalGatewayEnabled, "VEA_SIGNAL_GATEWAY_ENABLED")
	boolVar(&cfg.FleetClientEnabled, "VEA_FLEET_CLIENT_ENABLED")
	boolVar(&cfg.LogJSON, "VEA_LOG_JSON")
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the invariants needed before the runtime starts. A
// failure here is exit code 1 (fatal config) per spec.md §6.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("config: invalid health_port %d", c.HealthPort)
	}
	if c.ReconcilerIntervalSeconds <= 0 {
		return fmt.Errorf("config: reconciler_interval_seconds must be positive")
	}
	return nil
}
