// Package config handles Gridpilot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gridpilot/config.yaml, /etc/gridpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gridpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/gridpilot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Gridpilot configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Agent    AgentConfig    `yaml:"agent"`
	Document DocumentConfig `yaml:"document"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines the chat-completion transport settings.
// BaseURL may point at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	// ConfirmActions gates every mutating tool call behind an explicit
	// human approval. Enabled unless set to false in the file.
	ConfirmActions *bool `yaml:"confirm_actions"`
	// MaxRounds bounds the number of model rounds within one turn.
	// Protects against runaway tool-call chains. Default 5.
	MaxRounds int `yaml:"max_rounds"`
}

// DocumentConfig names the workbook the agent operates on.
type DocumentConfig struct {
	// Path is the JSON workbook file. Created on first save if missing.
	Path string `yaml:"path"`
}

// ConfirmActions resolves the pointer field with its default (true).
func (c *Config) ConfirmActions() bool {
	if c.Agent.ConfirmActions == nil {
		return true
	}
	return *c.Agent.ConfirmActions
}

// MaxRounds resolves the round limit with its default.
func (c *Config) MaxRounds() int {
	if c.Agent.MaxRounds <= 0 {
		return 5
	}
	return c.Agent.MaxRounds
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		OpenAI:  OpenAIConfig{Model: "gpt-4o-mini"},
		Agent:   AgentConfig{MaxRounds: 5},
		DataDir: ".",
	}
}
