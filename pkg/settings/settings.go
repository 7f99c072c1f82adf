// Package settings manages persistent user settings for the provd CLIs.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds persistent user preferences
type Settings struct {
	// ConfigFile overrides the default daemon configuration file path
	ConfigFile string `json:"config_file,omitempty"`

	// ConfigDir overrides the default configuration overlay directory
	ConfigDir string `json:"config_dir,omitempty"`

	// PluginServer overrides the plugin repository URL at first start
	PluginServer string `json:"plugin_server,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "provd_settings.json"
	}
	return filepath.Join(home, ".provd", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigFile returns the config file path (with fallback)
func (s *Settings) GetConfigFile() string {
	if s.ConfigFile != "" {
		return s.ConfigFile
	}
	return "/etc/provd/config.yml"
}

// GetConfigDir returns the overlay directory (with fallback)
func (s *Settings) GetConfigDir() string {
	if s.ConfigDir != "" {
		return s.ConfigDir
	}
	return "/etc/provd/conf.d"
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
