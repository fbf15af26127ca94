package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	MaxPerSubmitter int           `yaml:"max_per_submitter"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	MaxRunTime      time.Duration `yaml:"max_run_time"`
	Retention       time.Duration `yaml:"retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type SandboxConfig struct {
	Image       string        `yaml:"image"`
	DataDir     string        `yaml:"data_dir"`
	HostDataDir string        `yaml:"host_data_dir"`
	MemoryMB    int64         `yaml:"memory_mb"`
	CPUs        float64       `yaml:"cpus"`
	StopGrace   time.Duration `yaml:"stop_grace"`
}

type WebhookTarget struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Targets    []WebhookTarget `yaml:"targets"`
	RetryCount int             `yaml:"retry_count"`
	RetryDelay time.Duration   `yaml:"retry_delay"`
	Timeout    time.Duration   `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/exphub.db",
		},
		Queue: QueueConfig{
			MaxPerSubmitter: 5,
			PollInterval:    2 * time.Second,
			ErrorBackoff:    5 * time.Second,
			MaxRunTime:      1 * time.Hour,
			Retention:       24 * time.Hour,
			SweepInterval:   10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Image:     "exphub-user-experiment:latest",
			DataDir:   "./data",
			MemoryMB:  512,
			CPUs:      1,
			StopGrace: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = defaults()
	}

	if v := os.Getenv("EXPHUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("EXPHUB_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("EXPHUB_DATA_DIR"); v != "" {
		cfg.Sandbox.DataDir = v
	}

	// Host-side path of the data dir; required for volume mounts when
	// exphub itself runs inside a container.
	if v := os.Getenv("EXPHUB_HOST_DATA_DIR"); v != "" {
		cfg.Sandbox.HostDataDir = v
	}

	if v := os.Getenv("EXPHUB_DOCKER_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}

	if v := os.Getenv("EXPHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Queue.MaxPerSubmitter < 1 {
		return fmt.Errorf("max experiments per submitter must be at least 1")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll interval must be positive")
	}

	if c.Queue.ErrorBackoff <= 0 {
		return fmt.Errorf("queue error backoff must be positive")
	}

	if c.Queue.MaxRunTime <= 0 {
		return fmt.Errorf("max run time must be positive")
	}

	if c.Queue.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}

	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}

	if c.Sandbox.DataDir == "" {
		return fmt.Errorf("sandbox data dir is required")
	}

	if c.Sandbox.MemoryMB < 64 {
		return fmt.Errorf("sandbox memory must be at least 64 MB, got %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox cpus must be positive")
	}

	if c.Sandbox.StopGrace < 0 {
		return fmt.Errorf("sandbox stop grace must be non-negative")
	}

	for i, t := range c.Webhooks.Targets {
		if t.URL == "" {
			return fmt.Errorf("webhook target %d has no url", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}
