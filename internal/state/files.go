package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/drive-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func filesBucket(userID, driveID int) []byte {
	return []byte("files:" + strconv.Itoa(userID) + ":" + strconv.Itoa(driveID))
}

func virtualBucket(userID, driveID int) []byte {
	return []byte("virtual:" + strconv.Itoa(userID) + ":" + strconv.Itoa(driveID))
}

func fileKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))

	return k
}

// FileTx is a transaction over one user+drive file cache. Records read
// through it are decoded copies: they stay valid after the transaction
// ends but do not observe later writes.
type FileTx struct {
	files    *bolt.Bucket
	virtual  *bolt.Bucket
	writable bool
}

// ViewFiles runs fn against the last committed state of the cache.
// Multiple views can run concurrently with one writer.
func (s *State) ViewFiles(userID, driveID int, fn func(tx *FileTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&FileTx{
			files:   tx.Bucket(filesBucket(userID, driveID)),
			virtual: tx.Bucket(virtualBucket(userID, driveID)),
		})
	})
}

// UpdateFiles runs fn in the single writer transaction. Every change fn
// makes commits atomically or not at all.
func (s *State) UpdateFiles(userID, driveID int, fn func(tx *FileTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files, err := tx.CreateBucketIfNotExists(filesBucket(userID, driveID))
		if err != nil {
			return err
		}

		virtual, err := tx.CreateBucketIfNotExists(virtualBucket(userID, driveID))
		if err != nil {
			return err
		}

		return fn(&FileTx{files: files, virtual: virtual, writable: true})
	})
}

// Get returns the record with the given id, or nil.
func (t *FileTx) Get(id int64) (*models.FileRecord, error) {
	if t.files == nil {
		return nil, nil
	}

	v := t.files.Get(fileKey(id))
	if v == nil {
		return nil, nil
	}

	var r models.FileRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("decoding file %d: %w", id, err)
	}

	return &r, nil
}

// Put stores r under its id.
func (t *FileTx) Put(r *models.FileRecord) error {
	if !t.writable {
		return fmt.Errorf("put file %d: read-only transaction", r.ID)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return t.files.Put(fileKey(r.ID), data)
}

// Delete removes the record with the given id.
func (t *FileTx) Delete(id int64) error {
	if !t.writable {
		return fmt.Errorf("delete file %d: read-only transaction", id)
	}

	return t.files.Delete(fileKey(id))
}

// ForEach calls fn for every record in id order.
func (t *FileTx) ForEach(fn func(r *models.FileRecord) error) error {
	if t.files == nil {
		return nil
	}

	return t.files.ForEach(func(_, v []byte) error {
		var r models.FileRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}

		return fn(&r)
	})
}

// Count returns the number of cached records.
func (t *FileTx) Count() int {
	if t.files == nil {
		return 0
	}

	return t.files.Stats().KeyN
}

// Virtual returns the ids listed under a virtual root.
func (t *FileTx) Virtual(root models.VirtualRoot) ([]int64, error) {
	if t.virtual == nil {
		return nil, nil
	}

	v := t.virtual.Get([]byte(root))
	if v == nil {
		return nil, nil
	}

	var ids []int64
	if err := json.Unmarshal(v, &ids); err != nil {
		return nil, fmt.Errorf("decoding virtual root %s: %w", root, err)
	}

	return ids, nil
}

// SetVirtual replaces the ids listed under a virtual root.
func (t *FileTx) SetVirtual(root models.VirtualRoot, ids []int64) error {
	if !t.writable {
		return fmt.Errorf("set virtual root %s: read-only transaction", root)
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	return t.virtual.Put([]byte(root), data)
}
