// Package cache is the local metadata cache: a tree of remote file
// records persisted in the state database. Records reference their parent
// and children by id and are resolved through the store on each access.
package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/text/unicode/norm"
)

const (
	frozenCacheSize = 4096
	frozenCacheTTL  = 5 * time.Minute
)

type frozenKey struct {
	userID  int
	driveID int
	id      int64
}

// Cache reads and reconciles cached file records.
type Cache struct {
	state      *state.State
	offlineDir string
	logger     *slog.Logger

	frozen *expirable.LRU[frozenKey, *models.FileRecord]
	// gen is bumped after every committed write so a reader that raced a
	// writer does not memoise what it read.
	gen atomic.Uint64
}

// New creates a cache over st. Offline copies of files live under
// offlineDir/<user>/<drive>/<id>/<name>.
func New(st *state.State, offlineDir string, logger *slog.Logger) *Cache {
	return &Cache{
		state:      st,
		offlineDir: offlineDir,
		logger:     logger,
		frozen:     expirable.NewLRU[frozenKey, *models.FileRecord](frozenCacheSize, nil, frozenCacheTTL),
	}
}

// Get returns a frozen copy of the record with the given id. The copy is
// safe to hand to other goroutines; it never observes later writes.
func (c *Cache) Get(userID, driveID int, id int64) (*models.FileRecord, error) {
	k := frozenKey{userID, driveID, id}
	if r, ok := c.frozen.Get(k); ok {
		return r.Clone(), nil
	}

	g := c.gen.Load()

	var rec *models.FileRecord

	err := c.state.ViewFiles(userID, driveID, func(ftx *state.FileTx) error {
		r, err := ftx.Get(id)
		rec = r

		return err
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("file %d: %w", id, syncerr.ErrFileNotFound)
	}

	if c.gen.Load() == g {
		c.frozen.Add(k, rec)
	}

	return rec.Clone(), nil
}

// Children returns frozen copies of a directory's children in order.
// Ids that no longer resolve are skipped.
func (c *Cache) Children(userID, driveID int, id int64) ([]*models.FileRecord, error) {
	var out []*models.FileRecord

	err := c.View(userID, driveID, func(tx *Tx) error {
		parent, err := tx.Get(id)
		if err != nil {
			return err
		}

		if parent == nil {
			return fmt.Errorf("directory %d: %w", id, syncerr.ErrFileNotFound)
		}

		for _, cid := range parent.Children {
			child, err := tx.Get(cid)
			if err != nil {
				return err
			}

			if child != nil {
				out = append(out, child.Clone())
			}
		}

		return nil
	})

	return out, err
}

// View runs fn against the last committed state. Changes made through
// the Tx are discarded.
func (c *Cache) View(userID, driveID int, fn func(tx *Tx) error) error {
	return c.state.ViewFiles(userID, driveID, func(ftx *state.FileTx) error {
		return fn(c.newTx(ftx, userID, driveID))
	})
}

// Update runs fn in a single-writer transaction. Records obtained from
// the Tx are live handles valid only inside fn; resolve them again by id
// afterwards. Filesystem side effects queued by fn run after commit.
func (c *Cache) Update(userID, driveID int, fn func(tx *Tx) error) error {
	var after []func()

	err := c.state.UpdateFiles(userID, driveID, func(ftx *state.FileTx) error {
		tx := c.newTx(ftx, userID, driveID)
		if err := fn(tx); err != nil {
			return err
		}

		after = tx.after

		return tx.flush()
	})

	c.gen.Add(1)
	c.frozen.Purge()

	if err != nil {
		return err
	}

	for _, f := range after {
		f()
	}

	return nil
}

// Put stores records as they are, outside of any tree bookkeeping. Used
// to seed the cache with a root directory or a file detail.
func (c *Cache) Put(userID, driveID int, recs ...*models.FileRecord) error {
	return c.Update(userID, driveID, func(tx *Tx) error {
		for _, r := range recs {
			tx.Put(tx.own(r.Clone()))
		}

		return nil
	})
}

// SetVirtualChildren replaces the ids listed under a virtual root.
func (c *Cache) SetVirtualChildren(userID, driveID int, root models.VirtualRoot, ids []int64) error {
	return c.Update(userID, driveID, func(tx *Tx) error {
		return tx.ftx.SetVirtual(root, ids)
	})
}

// VirtualChildren returns frozen copies of the records under a virtual
// root. Ids that no longer resolve are skipped.
func (c *Cache) VirtualChildren(userID, driveID int, root models.VirtualRoot) ([]*models.FileRecord, error) {
	var out []*models.FileRecord

	err := c.View(userID, driveID, func(tx *Tx) error {
		ids, err := tx.ftx.Virtual(root)
		if err != nil {
			return err
		}

		for _, id := range ids {
			r, err := tx.Get(id)
			if err != nil {
				return err
			}

			if r != nil {
				out = append(out, r.Clone())
			}
		}

		return nil
	})

	return out, err
}

// OfflinePath returns where the offline copy of r lives on disk.
func (c *Cache) OfflinePath(r *models.FileRecord) string {
	return filepath.Join(c.offlineRecordDir(r.UserID, r.DriveID, r.ID), r.Name)
}

func (c *Cache) offlineRecordDir(userID, driveID int, id int64) string {
	return filepath.Join(c.offlineDir, strconv.Itoa(userID), strconv.Itoa(driveID), strconv.FormatInt(id, 10))
}

func (c *Cache) removeOffline(userID, driveID int, id int64) {
	if c.offlineDir == "" {
		return
	}

	dir := c.offlineRecordDir(userID, driveID, id)
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("removing offline copy", slog.String("path", dir), slog.String("error", err.Error()))
	}
}

func (c *Cache) moveOffline(userID, driveID int, id int64, oldName, newName string) {
	if c.offlineDir == "" {
		return
	}

	dir := c.offlineRecordDir(userID, driveID, id)
	from := filepath.Join(dir, oldName)

	if _, err := os.Stat(from); err != nil {
		return
	}

	if err := os.Rename(from, filepath.Join(dir, newName)); err != nil {
		c.logger.Warn("moving offline copy", slog.String("path", from), slog.String("error", err.Error()))
	}
}

func normalizeName(name string) string {
	return norm.NFC.String(name)
}
