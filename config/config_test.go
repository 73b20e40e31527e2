package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)

	_, err = uuid.Parse(firstCfg.ClientID)
	require.NoError(t, err)
	assert.True(t, firstCfg.DiscoverBridge)
	assert.Equal(t, DefaultUserAgent, firstCfg.UserAgent)
	assert.Equal(t, DefaultStagingSuffix, firstCfg.StagingSuffix)
	assert.Equal(t, DefaultMaxConcurrentTransfers, firstCfg.MaxConcurrentTransfers)
	assert.Equal(t, 30*time.Second, firstCfg.HTTPTimeout())
	assert.Equal(t, filepath.Join(tempDir, "keys", "keyfile.json"), firstCfg.KeyFilePath)

	for _, dir := range []string{"keys", "files"} {
		info, err := os.Stat(filepath.Join(tempDir, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, firstCfg, secondCfg)
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	cfgPath := ConfigPath(tempDir)
	legacy := &ClientConfig{
		ClientID:  "not-a-uuid",
		BridgeURL: " https://bridge.example.com/ ",
		LogLevel:  9,
	}
	require.NoError(t, Save(cfgPath, legacy))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", cfg.ClientID)
	assert.Equal(t, "https://bridge.example.com", cfg.BridgeURL)
	assert.False(t, cfg.DiscoverBridge)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, DefaultStagingSuffix, cfg.StagingSuffix)
	assert.Equal(t, DefaultHTTPTimeoutSeconds, cfg.HTTPTimeoutSeconds)

	persisted, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, persisted)
}

func TestLoadOrCreateKeepsExplicitLogOff(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfg, cfgPath, err := LoadOrCreate()
	require.NoError(t, err)
	cfg.LogLevel = 0
	cfg.BridgeURL = "http://127.0.0.1:8080"
	cfg.DiscoverBridge = false
	require.NoError(t, Save(cfgPath, cfg))

	reloaded, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.LogLevel)
	assert.False(t, reloaded.DiscoverBridge)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "parse config")
}

func TestResolveDataDirOverride(t *testing.T) {
	t.Setenv(DataDirEnv, "/tmp/gogenaro-test")
	dir, err := ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gogenaro-test", dir)
}
