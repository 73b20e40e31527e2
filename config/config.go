package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"gogenaro/logging"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gogenaro"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "GOGENARO_DATA_DIR"
	// PassphraseEnv supplies the key-file passphrase without a prompt.
	PassphraseEnv = "GOGENARO_PASSPHRASE"

	DefaultUserAgent              = "gogenaro"
	DefaultStagingSuffix          = ".genarotmp"
	DefaultMaxConcurrentTransfers = 4
	DefaultHTTPTimeoutSeconds     = 30
	DefaultLogLevel               = logging.LevelInfo

	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ClientID               string `json:"client_id"`
	BridgeURL              string `json:"bridge_url"`
	DiscoverBridge         bool   `json:"discover_bridge"`
	KeyFilePath            string `json:"key_file_path"`
	UserAgent              string `json:"user_agent"`
	LogLevel               int    `json:"log_level"`
	StagingSuffix          string `json:"staging_suffix"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	HTTPTimeoutSeconds     int    `json:"http_timeout_seconds"`
	FilesDir               string `json:"files_dir"`
}

// HTTPTimeout returns the per-request bridge timeout.
func (c *ClientConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOGENARO_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		ClientID:               uuid.NewString(),
		DiscoverBridge:         true,
		KeyFilePath:            filepath.Join(dataDir, "keys", "keyfile.json"),
		UserAgent:              DefaultUserAgent,
		LogLevel:               DefaultLogLevel,
		StagingSuffix:          DefaultStagingSuffix,
		MaxConcurrentTransfers: DefaultMaxConcurrentTransfers,
		HTTPTimeoutSeconds:     DefaultHTTPTimeoutSeconds,
		FilesDir:               filepath.Join(dataDir, "files"),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		cfg.ClientID = defaults.ClientID
		updated = true
	}

	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BridgeURL), "/")
	if trimmed != cfg.BridgeURL {
		cfg.BridgeURL = trimmed
		updated = true
	}
	if cfg.BridgeURL == "" && !cfg.DiscoverBridge {
		cfg.DiscoverBridge = true
		updated = true
	}

	if cfg.KeyFilePath == "" {
		cfg.KeyFilePath = defaults.KeyFilePath
		updated = true
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaults.UserAgent
		updated = true
	}
	if cfg.LogLevel < logging.LevelOff || cfg.LogLevel > logging.LevelDebug {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}
	if cfg.StagingSuffix == "" {
		cfg.StagingSuffix = defaults.StagingSuffix
		updated = true
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = defaults.MaxConcurrentTransfers
		updated = true
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		cfg.HTTPTimeoutSeconds = defaults.HTTPTimeoutSeconds
		updated = true
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = defaults.FilesDir
		updated = true
	}

	return updated
}
