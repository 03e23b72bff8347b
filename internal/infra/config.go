package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration, loaded from YAML.
type Config struct {
	ControlSocket string `yaml:"control_socket"`
	HookSocket    string `yaml:"hook_socket"`
	DataDir       string `yaml:"data_dir"`
	LogPath       string `yaml:"log_path"`
	MetricsAddr   string `yaml:"metrics_addr"` // empty disables the endpoint

	RegistryCapacity int           `yaml:"registry_capacity"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	StatsLogInterval time.Duration `yaml:"stats_log_interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ControlSocket:    "/var/run/netguardd/control.sock",
		HookSocket:       "/var/run/netguardd/hook.sock",
		DataDir:          "/var/lib/netguardd",
		LogPath:          "/var/log/netguardd.log",
		MetricsAddr:      "",
		RegistryCapacity: 1024,
		QueueCapacity:    256,
		StatsLogInterval: time.Minute,
	}
}

// LoadConfig parses the YAML file at path over the defaults. A missing file
// is not an error: the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ControlSocket == "" {
		return fmt.Errorf("config: control_socket is required")
	}
	if c.HookSocket == "" {
		return fmt.Errorf("config: hook_socket is required")
	}
	if c.RegistryCapacity <= 0 {
		return fmt.Errorf("config: registry_capacity must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue_capacity must be positive")
	}
	return nil
}
