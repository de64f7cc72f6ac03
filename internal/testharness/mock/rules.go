package mock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseConfig parses a server configuration from YAML bytes.
func ParseConfig(data []byte) (ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse mock rules: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads a server configuration from a YAML file.
func LoadConfig(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("failed to read mock rules: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
