// Package config loads the relay's YAML configuration file, with .env
// and environment-variable overrides layered on top, the way the
// teacher's nebo.go loads its own settings.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cdprelay/relay/internal/logging"
	"github.com/cdprelay/relay/internal/relay"
)

// Config is the relay's fully resolved runtime configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Extension ExtensionConfig `yaml:"extension"`
	Recording RecordingConfig `yaml:"recording"`
	Log       LogConfig       `yaml:"log"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

type AuthConfig struct {
	RequireOverLoopback bool   `yaml:"requireOverLoopback"`
	TokenTTL            string `yaml:"tokenTTL"`
	StaticToken         string `yaml:"-"` // set only from CDP_RELAY_TOKEN, never read from or written to the config file
}

// GetTokenTTL returns the configured token lifetime, falling back to 24h
// if TokenTTL is empty or not a valid duration string.
func (a AuthConfig) GetTokenTTL() time.Duration {
	d, err := time.ParseDuration(a.TokenTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

type ExtensionConfig struct {
	QueueMode     string `yaml:"queueMode"`
	GraceInterval string `yaml:"graceInterval"`
}

func (e ExtensionConfig) Mode() relay.QueueMode {
	if e.QueueMode == "graceWait" {
		return relay.GraceWait
	}
	return relay.RejectImmediately
}

// GetGraceInterval returns the configured grace-wait interval, falling
// back to relay.GraceInterval if unset or unparsable.
func (e ExtensionConfig) GetGraceInterval() time.Duration {
	d, err := time.ParseDuration(e.GraceInterval)
	if err != nil {
		return relay.GraceInterval
	}
	return d
}

type RecordingConfig struct {
	FinalChunkTimeout string `yaml:"finalChunkTimeout"`
}

// GetFinalChunkTimeout returns the configured recording stop timeout,
// falling back to relay.FinalChunkTimeout if unset or unparsable.
func (r RecordingConfig) GetFinalChunkTimeout() time.Duration {
	d, err := time.ParseDuration(r.FinalChunkTimeout)
	if err != nil {
		return relay.FinalChunkTimeout
	}
	return d
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration baked into the embedded config.yaml,
// used when no --config flag or data-dir config file is found.
func Default() Config {
	return Config{
		Listen:    ListenConfig{Host: "127.0.0.1", Port: 19988},
		Auth:      AuthConfig{RequireOverLoopback: false, TokenTTL: "24h"},
		Extension: ExtensionConfig{QueueMode: "rejectImmediately", GraceInterval: "10s"},
		Recording: RecordingConfig{FinalChunkTimeout: "30s"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path as YAML into a Config seeded with Default() values,
// then applies .env overrides from envPath if it exists (a missing
// .env is not an error: godotenv.Load only enriches os.Environ()).
func Load(path, envPath string) (Config, error) {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return Config{}, fmt.Errorf("config: loading %s: %w", envPath, err)
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets CDP_RELAY_HOST / CDP_RELAY_PORT / CDP_RELAY_TOKEN
// win over both the embedded default and the on-disk config file,
// mirroring nebo.go's env-over-file precedence.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("CDP_RELAY_HOST"); host != "" {
		cfg.Listen.Host = host
	}
	if port := os.Getenv("CDP_RELAY_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Listen.Port = p
		}
	}
	if token := os.Getenv("CDP_RELAY_TOKEN"); token != "" {
		cfg.Auth.StaticToken = token
	}
}

// Watch reloads path on every write and hands the new Config to onChange,
// blocking until ctx is cancelled. Unlike Load, a reload that fails to
// parse is logged and skipped rather than returned, so a mid-edit save
// doesn't tear down a running relay. A write that leaves the file empty
// is treated as a save in progress and skipped as well.
func Watch(ctx context.Context, path, envPath string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watching %s: %w", path, err)
	}

	log := logging.Named("config")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			// A save that truncates before writing reports a Write while
			// the file is still empty; wait for the write that fills it.
			if info, err := os.Stat(path); err == nil && info.Size() == 0 {
				continue
			}
			cfg, err := Load(path, envPath)
			if err != nil {
				log.Warnf("reload of %s failed, keeping previous config: %v", path, err)
				continue
			}
			log.Infof("reloaded %s", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}
