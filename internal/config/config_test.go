package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "ds_0123456789abcdef0123456789abcdef"

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"DRIVE_API_URL",
		"DRIVE_TOKEN",
		"DRIVE_USER_ID",
		"DRIVE_ID",
		"STATE_DB",
		"STAGING_DIR",
		"OFFLINE_DIR",
		"CHUNK_SIZE",
		"MAX_CHUNK_COUNT",
		"MAX_CONCURRENT_UPLOADS",
		"DEFAULT_MAX_RETRY",
		"ACTIVITY_POLL_INTERVAL",
		"WATCH_DIRECTORIES",
		"NOTIFY_URL",
		"AUTOSYNC_DIR",
		"AUTOSYNC_PARENT_ID",
		"CONTROL_LISTEN_ADDR",
		"CONTROL_API_KEYS",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setDriveEnv sets the minimum env vars for a working daemon.
func setDriveEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DRIVE_TOKEN", "token")
	t.Setenv("DRIVE_USER_ID", "42")
	t.Setenv("DRIVE_ID", "7")
	t.Setenv("CONTROL_API_KEYS", "alex:"+validKey)
}

// --- Load ---

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.Token)
	assert.Equal(t, 42, cfg.UserID)
	assert.Equal(t, 7, cfg.DriveID)
	assert.Equal(t, "https://api.infomaniak.com", cfg.APIURL)
	assert.Equal(t, 5*time.Minute, cfg.ActivityPollInterval)
	assert.Equal(t, 3, cfg.DefaultMaxRetry)
	assert.Equal(t, "127.0.0.1:8091", cfg.ControlListenAddr)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, ":8090", cfg.MCPListenAddr)
	assert.Equal(t, int64(1), cfg.AutoSyncParentID)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"DRIVE_TOKEN", "DRIVE_USER_ID", "DRIVE_ID"} {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			setDriveEnv(t)
			os.Unsetenv(key)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_UploadTuning(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("CHUNK_SIZE", "1048576")
	t.Setenv("MAX_CHUNK_COUNT", "500")
	t.Setenv("MAX_CONCURRENT_UPLOADS", "4")
	t.Setenv("DEFAULT_MAX_RETRY", "5")
	t.Setenv("ACTIVITY_POLL_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.ChunkSize)
	assert.Equal(t, 500, cfg.MaxChunkCount)
	assert.Equal(t, 4, cfg.MaxConcurrentUploads)
	assert.Equal(t, 5, cfg.DefaultMaxRetry)
	assert.Equal(t, 30*time.Second, cfg.ActivityPollInterval)
}

func TestLoad_NegativeTuningRejected(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("MAX_CONCURRENT_UPLOADS", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestLoad_InvalidAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("DRIVE_API_URL", "not a url")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRIVE_API_URL")
}

func TestLoad_NotifyURLMustBeWebSocket(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("NOTIFY_URL", "https://notify.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_URL")

	t.Setenv("NOTIFY_URL", "wss://notify.example.com/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://notify.example.com/ws", cfg.NotifyURL)
}

func TestLoad_ControlAPIRequiresKeys(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	os.Unsetenv("CONTROL_API_KEYS")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_API_KEYS")
}

func TestLoad_ControlAPIDisabledNeedsNoKeys(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	os.Unsetenv("CONTROL_API_KEYS")
	t.Setenv("CONTROL_LISTEN_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ControlListenAddr)
}

func TestLoad_MCPRequiresKeys(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	os.Unsetenv("CONTROL_API_KEYS")
	t.Setenv("CONTROL_LISTEN_ADDR", "")
	t.Setenv("ENABLE_MCP", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_API_KEYS")
}

func TestLoad_ResolvesRelativeDirs(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("STAGING_DIR", "relative/staging")
	t.Setenv("AUTOSYNC_DIR", "relative/library")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StagingDir), "got: %s", cfg.StagingDir)
	assert.Contains(t, cfg.StagingDir, "relative/staging")
	assert.True(t, filepath.IsAbs(cfg.AutoSyncDir))
	assert.Empty(t, cfg.OfflineDir)
}

func TestLoad_AbsoluteDirUnchanged(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)

	dir := t.TempDir()
	t.Setenv("OFFLINE_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.OfflineDir)
}

func TestLoad_CustomEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setDriveEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestDefaultStagingDir(t *testing.T) {
	dir, err := DefaultStagingDir()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.Contains(t, dir, filepath.Join(".drive-sync", "staging"))
}

// --- IsProduction ---

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

// --- WatchDirectoryIDs ---

func TestWatchDirectoryIDs(t *testing.T) {
	cfg := &Config{WatchDirectories: " 1, 42 ,,42,77"}
	ids, err := cfg.WatchDirectoryIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42, 77}, ids)
}

func TestWatchDirectoryIDs_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "1,-2", "0"} {
		cfg := &Config{WatchDirectories: in}
		_, err := cfg.WatchDirectoryIDs()
		require.Error(t, err, in)
		assert.Contains(t, err.Error(), "WATCH_DIRECTORIES")
	}
}

func TestWatchDirectoryIDs_Empty(t *testing.T) {
	cfg := &Config{}
	ids, err := cfg.WatchDirectoryIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// --- ParseAPIKeys ---

func TestParseAPIKeys_Valid(t *testing.T) {
	cfg := &Config{ControlAPIKeys: "alex:" + validKey + ", bob:" + validKey + "ff"}
	entries, err := cfg.ParseAPIKeys()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, APIKeyEntry{UserID: "alex", Key: validKey}, entries[0])
	assert.Equal(t, "bob", entries[1].UserID)
}

func TestParseAPIKeys_Empty(t *testing.T) {
	cfg := &Config{}
	entries, err := cfg.ParseAPIKeys()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseAPIKeys_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing colon", "alexkey", "missing ':'"},
		{"empty user", ":" + validKey, "empty user or key"},
		{"empty key", "alex:", "empty user or key"},
		{"wrong prefix", "alex:vs_0123456789abcdef0123456789abcdef", "prefix"},
		{"too short", "alex:ds_abcd", "too short"},
		{"non hex", "alex:ds_zzzz456789abcdef0123456789abcdef", "non-hex"},
		{"duplicate user", "alex:" + validKey + ",alex:" + validKey, "duplicate user_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ControlAPIKeys: tt.in}
			_, err := cfg.ParseAPIKeys()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- validate ---

func TestValidate_AllPresent(t *testing.T) {
	cfg := &Config{
		APIURL:               "https://api.example.com",
		Token:                "t",
		UserID:               1,
		DriveID:              2,
		ActivityPollInterval: time.Minute,
		WatchDirectories:     "1",
	}
	assert.NoError(t, cfg.validate())
}

func TestValidate_ZeroPollInterval(t *testing.T) {
	cfg := &Config{
		APIURL:  "https://api.example.com",
		Token:   "t",
		UserID:  1,
		DriveID: 2,
	}
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACTIVITY_POLL_INTERVAL")
}
