// Package config loads client configuration from a YAML file with
// environment overrides. A .env file in the working directory is applied
// first (best effort) so local development mirrors deployed environments.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries the settings the streaming client needs. Everything but
// BackendURL is optional.
type Config struct {
	// BackendURL is the base URL of the conversation backend.
	BackendURL string `yaml:"backend_url"`
	// WorkspaceID scopes submissions to a workspace.
	WorkspaceID string `yaml:"workspace_id"`
	// ModelID selects the model serving the turn.
	ModelID string `yaml:"model_id"`
	// EnableReasoning asks the backend to stream thinking frames.
	EnableReasoning bool `yaml:"enable_reasoning"`
	// RedisAddr, when set, backs the run-id slot with Redis instead of
	// process memory.
	RedisAddr string `yaml:"redis_addr"`
}

// Load reads path (when non-empty and present), overlays environment
// variables, and validates the result. Environment variables win over file
// values: AGENTSTREAM_BACKEND_URL, AGENTSTREAM_WORKSPACE_ID,
// AGENTSTREAM_MODEL_ID, AGENTSTREAM_ENABLE_REASONING, AGENTSTREAM_REDIS_ADDR.
func Load(path string) (*Config, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Fall through to env-only configuration.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	overlay(&cfg.BackendURL, "AGENTSTREAM_BACKEND_URL")
	overlay(&cfg.WorkspaceID, "AGENTSTREAM_WORKSPACE_ID")
	overlay(&cfg.ModelID, "AGENTSTREAM_MODEL_ID")
	overlay(&cfg.RedisAddr, "AGENTSTREAM_REDIS_ADDR")
	if v := os.Getenv("AGENTSTREAM_ENABLE_REASONING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse AGENTSTREAM_ENABLE_REASONING: %w", err)
		}
		cfg.EnableReasoning = b
	}

	if cfg.BackendURL == "" {
		return nil, errors.New("config: backend_url is required")
	}
	return &cfg, nil
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
