package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for drive-sync.
type Config struct {
	// Remote drive API.
	APIURL  string `env:"DRIVE_API_URL" envDefault:"https://api.infomaniak.com"`
	Token   string `env:"DRIVE_TOKEN"`
	UserID  int    `env:"DRIVE_USER_ID"`
	DriveID int    `env:"DRIVE_ID"`

	// Local storage. An empty StateDB uses ~/.drive-sync/state.db.
	StateDB    string `env:"STATE_DB"`
	StagingDir string `env:"STAGING_DIR"`
	OfflineDir string `env:"OFFLINE_DIR"`

	// Upload tuning. Zero values fall back to the engine defaults.
	ChunkSize            int64 `env:"CHUNK_SIZE" envDefault:"0"`
	MaxChunkCount        int   `env:"MAX_CHUNK_COUNT" envDefault:"0"`
	MaxConcurrentUploads int   `env:"MAX_CONCURRENT_UPLOADS" envDefault:"0"`
	DefaultMaxRetry      int   `env:"DEFAULT_MAX_RETRY" envDefault:"3"`

	// Activity refresh. WatchDirectories is a comma-separated list of
	// directory IDs kept in step with the server.
	ActivityPollInterval time.Duration `env:"ACTIVITY_POLL_INTERVAL" envDefault:"5m"`
	WatchDirectories     string        `env:"WATCH_DIRECTORIES" envDefault:"1"`

	// Realtime notifications. Empty disables the listener.
	NotifyURL string `env:"NOTIFY_URL"`

	// Auto-sync of a local library directory. Setting AutoSyncDir enables
	// it on start; the settings persisted in the state database otherwise
	// win.
	AutoSyncDir      string `env:"AUTOSYNC_DIR"`
	AutoSyncParentID int64  `env:"AUTOSYNC_PARENT_ID" envDefault:"1"`

	// Control HTTP API. Empty listen address disables it.
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	ControlAPIKeys    string `env:"CONTROL_API_KEYS"`

	// MCP tool server.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Directories are compared by prefix when resolving assets and
	// staged chunks, which only works with absolute paths.
	for _, dir := range []*string{&cfg.StagingDir, &cfg.OfflineDir, &cfg.AutoSyncDir, &cfg.StateDB} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %q to absolute path: %w", *dir, err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("DRIVE_TOKEN is required")
	}

	if c.UserID <= 0 {
		return fmt.Errorf("DRIVE_USER_ID is required")
	}

	if c.DriveID <= 0 {
		return fmt.Errorf("DRIVE_ID is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DRIVE_API_URL must be an absolute URL")
	}

	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("NOTIFY_URL must be a ws:// or wss:// URL")
		}
	}

	if c.ChunkSize < 0 || c.MaxChunkCount < 0 || c.MaxConcurrentUploads < 0 || c.DefaultMaxRetry < 0 {
		return fmt.Errorf("upload tuning values must not be negative")
	}

	if c.ActivityPollInterval <= 0 {
		return fmt.Errorf("ACTIVITY_POLL_INTERVAL must be positive")
	}

	if _, err := c.WatchDirectoryIDs(); err != nil {
		return err
	}

	if c.ControlListenAddr != "" && c.ControlAPIKeys == "" {
		return fmt.Errorf("CONTROL_API_KEYS is required when CONTROL_LISTEN_ADDR is set")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	if c.EnableMCP && c.ControlAPIKeys == "" {
		return fmt.Errorf("CONTROL_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStagingDir returns ~/.drive-sync/staging.
func DefaultStagingDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".drive-sync", "staging"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// WatchDirectoryIDs parses WATCH_DIRECTORIES.
// Format: "1,42,77"
func (c *Config) WatchDirectoryIDs() ([]int64, error) {
	var ids []int64

	seen := make(map[int64]struct{})

	for _, part := range strings.Split(c.WatchDirectories, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid directory id %q in WATCH_DIRECTORIES", part)
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from CONTROL_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the CONTROL_API_KEYS string.
// Format: "user1:ds_key1,user2:ds_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.ControlAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.ControlAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in CONTROL_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
