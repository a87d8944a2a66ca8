package paths

import (
	"os"
	"path/filepath"
)

const appName = "scopectl"

func DefaultRuntimeDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

func DefaultStateDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

func DefaultConfigDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName)
}

// DefaultUserRoot is the user-global resource root (agents/, commands/, hooks/, settings.json).
func DefaultUserRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude")
}

func DefaultSocketPath() string   { return filepath.Join(DefaultRuntimeDir(), "daemon.sock") }
func DefaultPIDPath() string      { return filepath.Join(DefaultRuntimeDir(), "daemon.pid") }
func DefaultRegistryPath() string { return filepath.Join(DefaultStateDir(), "projects.yaml") }
func DefaultStorePath() string    { return filepath.Join(DefaultStateDir(), "scopectl.db") }
func DefaultConfigFile() string   { return filepath.Join(DefaultConfigDir(), "config.yaml") }
