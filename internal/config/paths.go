// Package config provides configuration management for rescale-ingest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ConfigDirName is the directory holding config.yaml under the user config root
const ConfigDirName = "rescale-ingest"

// ConfigDirectory returns the platform-appropriate config directory.
//
// Locations:
//   - Windows: %APPDATA%\Rescale\Ingest
//   - Unix: ~/.config/rescale-ingest
func ConfigDirectory() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Rescale", "Ingest")
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, "AppData", "Roaming", "Rescale", "Ingest")
		}
		return ""
	}

	// Unix: use XDG standard ~/.config
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", ConfigDirName)
	}
	return ""
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	dir := ConfigDirectory()
	if dir == "" {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// ReadTokenFile reads an API key from a file
// The file should contain only the key (whitespace is trimmed)
// Warns if file permissions are too open (not 0600 on Unix systems)
func ReadTokenFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}

	// Token files should be readable only by owner (0600 or stricter)
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			fmt.Fprintf(os.Stderr, "Warning: Token file %s has insecure permissions %04o. Consider using 'chmod 600 %s'\n", path, mode, path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty")
	}
	return token, nil
}
