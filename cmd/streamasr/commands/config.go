package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/voxlink/streamasr/pkg/openspeech"
)

// loadConfig loads a session config from a YAML or JSON file and fills
// missing credentials from the environment.
func loadConfig(path string) (*openspeech.Config, error) {
	var cfg openspeech.Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}

		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse JSON: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
		default:
			// Try YAML first, then JSON
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				if err := json.Unmarshal(data, &cfg); err != nil {
					return nil, fmt.Errorf("failed to parse file (tried YAML and JSON): %w", err)
				}
			}
		}
	}

	if cfg.AppID == "" {
		cfg.AppID = os.Getenv("STREAMASR_APPID")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("STREAMASR_TOKEN")
	}
	if cfg.Cluster == "" {
		cfg.Cluster = os.Getenv("STREAMASR_CLUSTER")
	}
	return &cfg, nil
}
