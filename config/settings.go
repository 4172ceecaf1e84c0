package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// LoadFileConfig reads config.toml, writing the commented template first if it
// does not exist yet.
func LoadFileConfig() (*FileConfig, error) {
	cfg := DefaultFileConfig()
	path := GetConfigFilePath()

	if !FileExists(path) {
		if err := CreateDefaultConfig(); err != nil {
			return nil, fmt.Errorf("failed to create config: %w", err)
		}
		return cfg, nil
	}

	return LoadFileConfigFromPath(path)
}

// LoadFileConfigFromPath decodes a config file on top of the defaults.
func LoadFileConfigFromPath(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func SaveFileConfig(cfg *FileConfig, path string) error {
	// 0600: may contain a custom system prompt
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// UpdateFileConfig loads the config at path (or the defaults when it does not
// exist), applies fn and writes the result back.
func UpdateFileConfig(path string, fn func(*FileConfig)) error {
	cfg := DefaultFileConfig()
	if FileExists(path) {
		loaded, err := LoadFileConfigFromPath(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fn(cfg)
	return SaveFileConfig(cfg, path)
}

func CreateDefaultConfig() error {
	if err := EnsureDir(GetConfigDir()); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := GetConfigFilePath()
	if FileExists(path) {
		return nil
	}

	if err := os.WriteFile(path, []byte(GenerateConfigTemplate()), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
