package state

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

// CurrentSchemaVersion is the schema this binary reads and writes.
//
//	1: uploads without max_retry_count
//	2: max_retry_count always present
const CurrentSchemaVersion = 2

type migration struct {
	to  int
	run func(tx *bolt.Tx) error
}

var migrations = []migration{
	{to: 2, run: backfillMaxRetryCount},
}

func readSchemaVersion(tx *bolt.Tx) int {
	v := tx.Bucket(appBucket).Get(schemaVersionKey)
	if v == nil {
		return 0
	}

	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0
	}

	return n
}

// migrate brings the database to CurrentSchemaVersion inside the open
// transaction. A fresh database with no uploads is stamped directly.
func migrate(tx *bolt.Tx) error {
	version := readSchemaVersion(tx)
	if version == 0 {
		// Databases created before versioning existed behave like v1.
		version = 1
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("state schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if version >= m.to {
			continue
		}

		if err := m.run(tx); err != nil {
			return fmt.Errorf("migrating state to v%d: %w", m.to, err)
		}

		version = m.to
	}

	return tx.Bucket(appBucket).Put(schemaVersionKey, []byte(strconv.Itoa(version)))
}

// backfillMaxRetryCount gives every upload written without a retry
// budget the default one. Records that carry the field, even with a
// zero value, are left alone: zero means "failed, needs explicit retry".
func backfillMaxRetryCount(tx *bolt.Tx) error {
	b := tx.Bucket(uploadsBucket)

	type rewrite struct {
		key  []byte
		data []byte
	}

	var pending []rewrite

	err := b.ForEach(func(k, v []byte) error {
		if gjson.GetBytes(v, "max_retry_count").Exists() {
			return nil
		}

		var f models.UploadFile
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("decoding upload %s: %w", k, err)
		}

		f.MaxRetryCount = models.DefaultMaxRetryCount

		data, err := json.Marshal(f)
		if err != nil {
			return err
		}

		pending = append(pending, rewrite{key: append([]byte(nil), k...), data: data})

		return nil
	})
	if err != nil {
		return err
	}

	// bbolt forbids mutating a bucket while iterating it.
	for _, r := range pending {
		if err := b.Put(r.key, r.data); err != nil {
			return err
		}
	}

	return nil
}
