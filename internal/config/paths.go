package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ConfigDir is the standard configuration directory name
const ConfigDir = "market-publish"

// getConfigDir returns the platform-appropriate config directory.
// - Windows: %APPDATA%\MarketPublish
// - Unix: ~/.config/market-publish (XDG standard)
func getConfigDir() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "MarketPublish")
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, "AppData", "Roaming", "MarketPublish")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, ConfigDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", ConfigDir)
	}
	return ""
}

// GetDefaultConfigPath returns the default config file path, or "" when no
// home directory can be determined.
func GetDefaultConfigPath() string {
	configDir := getConfigDir()
	if configDir == "" {
		return ""
	}
	return filepath.Join(configDir, "config")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir := getConfigDir()
	if configDir == "" {
		return fmt.Errorf("could not determine config directory")
	}
	return os.MkdirAll(configDir, 0700)
}
