// Package defaults resolves the relay's platform data directory and
// ships its embedded default configuration.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/CDPRelay/
//	Windows: %AppData%\CDPRelay\
//	Linux:   ~/.config/cdp-relay/
//
// Override with the CDP_RELAY_DATA_DIR environment variable.
package defaults

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

//go:embed etc/config.yaml
var defaultFiles embed.FS

// DataDir returns the platform-appropriate data directory.
func DataDir() (string, error) {
	if dir := os.Getenv("CDP_RELAY_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention; macOS/Windows: title case.
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "cdp-relay"), nil
	}
	return filepath.Join(configDir, "CDPRelay"), nil
}

// EnsureDataDir creates the data directory if missing and writes the
// default config.yaml alongside it if one is not already present.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	dest := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		data, err := GetDefaultConfig()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write default config: %w", err)
		}
	}

	return dir, nil
}

// GetDefaultConfig returns the embedded default config.yaml content.
func GetDefaultConfig() ([]byte, error) {
	return defaultFiles.ReadFile("etc/config.yaml")
}

// InstanceLockFile records the PID of the currently running relay
// process, so `serve --replace` can find and signal it.
const InstanceLockFile = "relay.pid"

// ReadInstanceLock returns the PID recorded in <data_dir>/relay.pid, or
// 0 if none exists or it is unreadable.
func ReadInstanceLock() int {
	dir, err := DataDir()
	if err != nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(dir, InstanceLockFile))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WriteInstanceLock records the current process's PID, overwriting any
// stale value left by a prior instance.
func WriteInstanceLock() error {
	dir, err := DataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, InstanceLockFile)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemoveInstanceLock deletes the PID file on clean shutdown.
func RemoveInstanceLock() {
	dir, err := DataDir()
	if err != nil {
		return
	}
	_ = os.Remove(filepath.Join(dir, InstanceLockFile))
}
