package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Client   ClientConfig   `yaml:"client"`
	Images   ImagesConfig   `yaml:"images"`
	Logging  LoggingConfig  `yaml:"logging"`
	Identity IdentityConfig `yaml:"identity"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type GatewayConfig struct {
	URL   string `yaml:"url" envconfig:"PERCH_GATEWAY_URL"`
	Token string `yaml:"token" envconfig:"PERCH_GATEWAY_TOKEN"`
}

type ClientConfig struct {
	Mode   string   `yaml:"mode" envconfig:"PERCH_CLIENT_MODE"`
	Role   string   `yaml:"role" envconfig:"PERCH_CLIENT_ROLE"`
	Scopes []string `yaml:"scopes"`
}

type ImagesConfig struct {
	TargetBytes  int `yaml:"target_bytes"`
	HardMaxBytes int `yaml:"hard_max_bytes"`
	TotalBytes   int `yaml:"total_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"PERCH_LOG_LEVEL"`
	File  string `yaml:"file"`
}

type IdentityConfig struct {
	Path string `yaml:"path" envconfig:"PERCH_IDENTITY_PATH"`
}

type ArchiveConfig struct {
	Path string `yaml:"path" envconfig:"PERCH_ARCHIVE_PATH"`
}

// Load reads configuration from a file. A missing file is not an error:
// defaults plus environment variables still make a usable config.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variables override file values
	if err := envconfig.Process("perch", &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Client.Mode == "" {
		c.Client.Mode = "interactive"
	}
	if c.Client.Role == "" {
		c.Client.Role = "operator"
	}
	if len(c.Client.Scopes) == 0 {
		c.Client.Scopes = []string{"chat"}
	}
	if c.Images.TargetBytes == 0 {
		c.Images.TargetBytes = 256 << 10
	}
	if c.Images.HardMaxBytes == 0 {
		c.Images.HardMaxBytes = 512 << 10
	}
	if c.Images.TotalBytes == 0 {
		c.Images.TotalBytes = 2 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Identity.Path == "" {
		c.Identity.Path = defaultDataPath("device.json")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = defaultDataPath("transcripts.db")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Images.TargetBytes > c.Images.HardMaxBytes {
		return fmt.Errorf("images.target_bytes must not exceed images.hard_max_bytes")
	}
	if c.Images.HardMaxBytes > c.Images.TotalBytes {
		return fmt.Errorf("images.hard_max_bytes must not exceed images.total_bytes")
	}
	return nil
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".perch", name)
}
