// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nixcast/nixcast/lib/compression"
	"github.com/nixcast/nixcast/lib/localstore"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
)

// DefaultPath is where the configuration lives when neither the
// --config flag nor NIXCAST_CONFIG points elsewhere.
const DefaultPath = "/etc/nixcast/config.yaml"

// EnvVar is the environment variable naming the configuration file.
const EnvVar = "NIXCAST_CONFIG"

// Config is the whole nixcast configuration.
type Config struct {
	// Store locates the local store.
	Store StoreConfig `yaml:"store"`

	// Remotes are the caches `nixcast add` pushes to when no --to
	// flag names others.
	Remotes []RemoteConfig `yaml:"remotes"`

	// Serve configures the binary-cache server.
	Serve ServeConfig `yaml:"serve"`

	// Sync tunes transfer scheduling.
	Sync SyncConfig `yaml:"sync"`

	// Keys configures signing and trust.
	Keys KeysConfig `yaml:"keys"`

	// Log configures the root logger.
	Log LogConfig `yaml:"log"`
}

// StoreConfig locates the local store and how to reach it.
type StoreConfig struct {
	// Dir is the store directory, normally "/nix/store".
	Dir string `yaml:"dir"`

	// UseLocalDaemon selects daemon IPC over direct database reads.
	// Push and pull require the daemon; serving works either way.
	UseLocalDaemon bool `yaml:"use_local_daemon"`

	// DaemonSocket is the daemon's unix socket.
	DaemonSocket string `yaml:"daemon_socket"`

	// Database is the store's SQLite database, used in direct mode.
	Database string `yaml:"database"`
}

// RemoteConfig describes one default push target.
type RemoteConfig struct {
	// URL is the remote descriptor: a path, file://, ssh://, or
	// http(s)://.
	URL string `yaml:"url"`

	// Compression names the codec for archives pushed to filesystem
	// remotes. Empty means the backend default (zstd).
	Compression string `yaml:"compression"`
}

// ServeConfig configures the binary-cache server.
type ServeConfig struct {
	// Listen is the TCP listen address.
	Listen string `yaml:"listen"`

	// Priority is advertised in nix-cache-info; lower wins.
	Priority int `yaml:"priority"`

	// ShutdownTimeout bounds the graceful drain after SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SyncConfig tunes transfer scheduling.
type SyncConfig struct {
	// Jobs bounds concurrent per-path transfers within a dependency
	// level.
	Jobs int `yaml:"jobs"`

	// Attempts bounds tries per path for transient failures.
	Attempts int `yaml:"attempts"`

	// Timeout bounds a whole push or pull operation. Zero means no
	// deadline.
	Timeout Duration `yaml:"timeout"`
}

// KeysConfig configures signing and trust.
type KeysConfig struct {
	// SecretKeyFiles name files each holding one "<name>:<base64>"
	// signing key. Pushed and served records are signed with all of
	// them.
	SecretKeyFiles []string `yaml:"secret_key_files"`

	// TrustedPublicKeys are "<name>:<base64>" verification keys for
	// pulled paths.
	TrustedPublicKeys []string `yaml:"trusted_public_keys"`

	// RequireSignatures makes pull reject paths without a signature
	// from a trusted key.
	RequireSignatures bool `yaml:"require_signatures"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Duration is a time.Duration that decodes from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists: a
// daemon-backed store at the conventional locations and a cache on
// :8080. Running without a config file is a supported mode; the file
// only adds remotes and keys.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Dir:            "/nix/store",
			UseLocalDaemon: true,
			DaemonSocket:   localstore.DefaultSocketPath,
			Database:       localstore.DefaultDatabasePath,
		},
		Serve: ServeConfig{
			Listen:          ":8080",
			Priority:        30,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Sync: SyncConfig{
			Jobs:     4,
			Attempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Path resolves the configuration file location: the --config flag
// value wins, then NIXCAST_CONFIG, then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	return DefaultPath
}

// Load parses configuration text over the defaults. ${VAR} and
// ${VAR:-default} references are expanded from the environment before
// decoding, and unknown keys are rejected so typos fail loudly.
func Load(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandVars(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads the configuration file at path. A missing file at
// the default location is not an error: the defaults apply.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	cfg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration, collecting every problem rather
// than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Dir == "" {
		errs = append(errs, fmt.Errorf("store.dir is required"))
	}
	if c.Store.UseLocalDaemon && c.Store.DaemonSocket == "" {
		errs = append(errs, fmt.Errorf("store.daemon_socket is required when store.use_local_daemon is set"))
	}
	if !c.Store.UseLocalDaemon && c.Store.Database == "" {
		errs = append(errs, fmt.Errorf("store.database is required when store.use_local_daemon is unset"))
	}

	for i, r := range c.Remotes {
		if _, err := remote.ParseDescriptor(r.URL); err != nil {
			errs = append(errs, fmt.Errorf("remotes[%d]: %w", i, err))
		}
		if r.Compression != "" {
			if _, err := compression.ByName(r.Compression); err != nil {
				errs = append(errs, fmt.Errorf("remotes[%d]: %w", i, err))
			}
		}
	}

	if c.Serve.Listen == "" {
		errs = append(errs, fmt.Errorf("serve.listen is required"))
	}
	if c.Serve.Priority <= 0 {
		errs = append(errs, fmt.Errorf("serve.priority must be positive, got %d", c.Serve.Priority))
	}
	if c.Sync.Jobs <= 0 {
		errs = append(errs, fmt.Errorf("sync.jobs must be positive, got %d", c.Sync.Jobs))
	}
	if c.Sync.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("sync.attempts must be positive, got %d", c.Sync.Attempts))
	}

	for i, key := range c.Keys.TrustedPublicKeys {
		if _, err := store.ParsePublicKey(key); err != nil {
			errs = append(errs, fmt.Errorf("keys.trusted_public_keys[%d]: %w", i, err))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// LogLevel converts the configured level name to a slog level.
// Validate has already constrained the name.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SecretKeys loads and parses every configured signing key file.
func (c *Config) SecretKeys() ([]store.SecretKey, error) {
	keys := make([]store.SecretKey, 0, len(c.Keys.SecretKeyFiles))
	for _, path := range c.Keys.SecretKeyFiles {
		key, err := store.LoadSecretKey(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// TrustedKeys parses the configured verification keys.
func (c *Config) TrustedKeys() ([]store.PublicKey, error) {
	keys := make([]store.PublicKey, 0, len(c.Keys.TrustedPublicKeys))
	for _, text := range c.Keys.TrustedPublicKeys {
		key, err := store.ParsePublicKey(text)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
