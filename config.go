package flock

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"

	"github.com/absmach/flock/security"
)

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Client      ClientConfig      `toml:"client"`
	Proxy       ProxyConfig       `toml:"proxy"`
	Security    security.Config   `toml:"security"`
}

type CoordinatorConfig struct {
	DomainID  string `toml:"domain_id"`
	ClientID  string `toml:"client_id"`
	ClientKey string `toml:"client_key"`
	ChannelID string `toml:"channel_id"`
	ModelKey  string `toml:"model_key"` // Key used to encrypt model snapshots before streaming
}

type ClientConfig struct {
	DomainID  string `toml:"domain_id"`
	ClientID  string `toml:"client_id"`
	ClientKey string `toml:"client_key"`
	ChannelID string `toml:"channel_id"`
	ModelKey  string `toml:"model_key"` // Key used to decrypt model snapshots upon receipt
}

type ProxyConfig struct {
	DomainID  string `toml:"domain_id"`
	ClientID  string `toml:"client_id"`
	ClientKey string `toml:"client_key"`
	ChannelID string `toml:"channel_id"`
	ModelKey  string `toml:"model_key"` // Key used to encrypt model artifacts served to clients
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(*cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
