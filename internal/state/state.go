package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.drive-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// ErrNotFound is returned by read-modify-write helpers when the record
// no longer exists.
var ErrNotFound = errors.New("record not found")

var (
	appBucket      = []byte("app")
	uploadsBucket  = []byte("uploads")
	autosyncBucket = []byte("autosync")
	apiKeysBucket  = []byte("api_keys")

	schemaVersionKey = []byte("schema_version")
	autosyncKey      = []byte("settings")
)

// AutoSyncSettings configures the library auto-sync pipeline.
type AutoSyncSettings struct {
	Enabled           bool   `json:"enabled"`
	LibraryDir        string `json:"library_dir"`
	UserID            int    `json:"user_id"`
	DriveID           int    `json:"drive_id"`
	ParentDirectoryID int64  `json:"parent_directory_id"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.drive-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist, and migrates it to the current schema. Useful for
// tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, uploadsBucket, autosyncBucket, apiKeysBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return migrate(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the schema version stored in the database.
func (s *State) SchemaVersion() int {
	v := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		v = readSchemaVersion(tx)
		return nil
	})

	return v
}

// AutoSync returns the persisted auto-sync settings. The zero value
// (disabled) is returned when nothing was saved.
func (s *State) AutoSync() (AutoSyncSettings, error) {
	var as AutoSyncSettings

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(autosyncBucket).Get(autosyncKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &as)
	})

	return as, err
}

// SetAutoSync persists the auto-sync settings.
func (s *State) SetAutoSync(as AutoSyncSettings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(as)
		if err != nil {
			return err
		}

		return tx.Bucket(autosyncBucket).Put(autosyncKey, data)
	})
}

// SaveAPIKey persists a control API key, keyed by its hash.
func (s *State) SaveAPIKey(keyHash string, ak models.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ak)
		if err != nil {
			return err
		}

		return tx.Bucket(apiKeysBucket).Put([]byte(keyHash), data)
	})
}

// DeleteAPIKey removes a control API key by its hash.
func (s *State) DeleteAPIKey(keyHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(apiKeysBucket).Delete([]byte(keyHash))
	})
}

// GetAPIKey returns the key stored under keyHash, or nil.
func (s *State) GetAPIKey(keyHash string) (*models.APIKey, error) {
	var ak *models.APIKey

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(apiKeysBucket).Get([]byte(keyHash))
		if v == nil {
			return nil
		}

		ak = &models.APIKey{}

		return json.Unmarshal(v, ak)
	})

	return ak, err
}

// AllAPIKeys returns all stored control API keys, keyed by hash.
func (s *State) AllAPIKeys() (map[string]models.APIKey, error) {
	result := make(map[string]models.APIKey)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(apiKeysBucket).ForEach(func(k, v []byte) error {
			var ak models.APIKey
			if err := json.Unmarshal(v, &ak); err != nil {
				return err
			}

			result[string(k)] = ak

			return nil
		})
	})

	return result, err
}

// DefaultPath returns ~/.drive-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".drive-sync", "state.db"), nil
}
