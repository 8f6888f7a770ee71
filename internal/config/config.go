package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// WorkflowsConfig locates workflow definition files
type WorkflowsConfig struct {
	Dir   string   `yaml:"dir"`   // every *.yml / *.yaml in this directory
	Paths []string `yaml:"paths"` // explicit files, loaded after dir
}

// ArtifactsConfig contains artifact publication settings
type ArtifactsConfig struct {
	Dir string `yaml:"dir"` // empty keeps artifacts in memory
}

// StoreConfig contains run archive settings
type StoreConfig struct {
	Path string `yaml:"path"` // empty keeps the archive in memory
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables
func FromEnv() *Config {
	cfg := &Config{}
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Server.Port)
	}
	cfg.Workflows.Dir = os.Getenv("WORKFLOWS_DIR")
	cfg.Artifacts.Dir = os.Getenv("ARTIFACTS_DIR")
	cfg.Store.Path = os.Getenv("STORE_PATH")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	cfg.Logging.Format = os.Getenv("LOG_FORMAT")
	if key := os.Getenv("API_KEY"); key != "" {
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, APIKey{Name: "default", Key: key})
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with defaults
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Workflows.Dir == "" && len(cfg.Workflows.Paths) == 0 {
		cfg.Workflows.Dir = "workflows"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
