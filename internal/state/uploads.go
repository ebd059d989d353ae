package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/alexjbarnes/drive-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// UploadFilter selects upload records. Zero-valued fields match
// everything.
type UploadFilter struct {
	ParentDirectoryID int64
	UserID            int
	DriveID           int

	// FailedOnly keeps records whose retry budget is exhausted.
	FailedOnly bool

	// ResumableOnly keeps records a cold start should reschedule.
	ResumableOnly bool

	// ExceptIDs never match.
	ExceptIDs []string
}

// Match reports whether f passes the filter.
func (uf UploadFilter) Match(f *models.UploadFile) bool {
	if uf.ParentDirectoryID != 0 && f.ParentDirectoryID != uf.ParentDirectoryID {
		return false
	}

	if uf.UserID != 0 && f.UserID != uf.UserID {
		return false
	}

	if uf.DriveID != 0 && f.DriveID != uf.DriveID {
		return false
	}

	if uf.FailedOnly && !f.Failed() {
		return false
	}

	if uf.ResumableOnly && !f.Resumable() {
		return false
	}

	if slices.Contains(uf.ExceptIDs, f.ID) {
		return false
	}

	return true
}

// PutUpload creates or replaces an upload record.
func (s *State) PutUpload(f *models.UploadFile) error {
	if f.ID == "" {
		return fmt.Errorf("upload id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putUpload(tx.Bucket(uploadsBucket), f)
	})
}

// GetUpload returns the upload record with the given id, or nil.
func (s *State) GetUpload(id string) (*models.UploadFile, error) {
	var f *models.UploadFile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		f = &models.UploadFile{}

		return json.Unmarshal(v, f)
	})

	return f, err
}

// UpdateUpload applies fn to the stored record in a single transaction.
// Returns ErrNotFound if the record was deleted, so a concurrent cancel
// is never undone by a late write from a running operation.
func (s *State) UpdateUpload(id string, fn func(f *models.UploadFile) error) (*models.UploadFile, error) {
	var out *models.UploadFile

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}

		var f models.UploadFile
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("decoding upload %s: %w", id, err)
		}

		if err := fn(&f); err != nil {
			return err
		}

		out = &f

		return putUpload(b, &f)
	})

	return out, err
}

// UpdateUploads applies fn to each listed record in one transaction.
// Missing ids are skipped. Returns the updated records.
func (s *State) UpdateUploads(ids []string, fn func(f *models.UploadFile)) ([]*models.UploadFile, error) {
	var out []*models.UploadFile

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)

		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}

			var f models.UploadFile
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decoding upload %s: %w", id, err)
			}

			fn(&f)

			if err := putUpload(b, &f); err != nil {
				return err
			}

			out = append(out, &f)
		}

		return nil
	})

	return out, err
}

// DeleteUpload removes an upload record. Returns false if it did not exist.
func (s *State) DeleteUpload(id string) (bool, error) {
	existed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)
		if b.Get([]byte(id)) == nil {
			return nil
		}

		existed = true

		return b.Delete([]byte(id))
	})

	return existed, err
}

// DeleteUploads removes every record matching the filter in one
// transaction and returns the removed records.
func (s *State) DeleteUploads(filter UploadFilter) ([]*models.UploadFile, error) {
	var removed []*models.UploadFile

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)

		err := b.ForEach(func(_, v []byte) error {
			var f models.UploadFile
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}

			if filter.Match(&f) {
				removed = append(removed, &f)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, f := range removed {
			if err := b.Delete([]byte(f.ID)); err != nil {
				return err
			}
		}

		return nil
	})

	return removed, err
}

// ListUploads returns every record matching the filter, oldest first.
func (s *State) ListUploads(filter UploadFilter) ([]*models.UploadFile, error) {
	var result []*models.UploadFile

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).ForEach(func(_, v []byte) error {
			var f models.UploadFile
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}

			if filter.Match(&f) {
				result = append(result, &f)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}

		return result[i].ID < result[j].ID
	})

	return result, nil
}

// CountUploads returns how many records match the filter.
func (s *State) CountUploads(filter UploadFilter) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(uploadsBucket).ForEach(func(_, v []byte) error {
			var f models.UploadFile
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}

			if filter.Match(&f) {
				count++
			}

			return nil
		})
	})

	return count, err
}

func putUpload(b *bolt.Bucket, f *models.UploadFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	return b.Put([]byte(f.ID), data)
}
