// Package activity keeps cached directories in step with the server by
// replaying remote activity logs into the metadata cache.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/cache"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/metrics"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

// maxPages bounds one pass so a misbehaving cursor cannot spin forever.
const maxPages = 1000

// RemoteAPI is the part of the drive client a merge pass needs.
// *drive.Client satisfies it.
type RemoteAPI interface {
	FileActivities(ctx context.Context, driveID int, dirID int64, from time.Time, cursor string) (*models.ActivityPage, error)
	ListFiles(ctx context.Context, driveID int, dirID int64, cursor string, limit int) (*drive.ListPage, error)
	GetFile(ctx context.Context, driveID int, fileID int64) (*models.FileRecord, error)
}

// Result reports what one refresh changed.
type Result struct {
	cache.ActivityResult

	// Relisted is set when the directory was rebuilt from a full listing
	// instead of its activity log.
	Relisted bool
	Orphans  []int64
	Pages    int

	// Gone is set when the directory no longer exists on the server and
	// was removed from the cache.
	Gone bool
}

// Merger runs refresh passes for cached directories.
type Merger struct {
	api      RemoteAPI
	cache    *cache.Cache
	logger   *slog.Logger
	pageSize int
}

// NewMerger creates a merger.
func NewMerger(api RemoteAPI, c *cache.Cache, logger *slog.Logger) *Merger {
	return &Merger{api: api, cache: c, logger: logger, pageSize: drive.DefaultPageSize}
}

// Refresh brings directory dirID up to date. A directory with a watermark
// replays activities since the watermark; one that was never listed, or
// is missing from the cache, is listed from scratch and its orphans are
// collected.
func (m *Merger) Refresh(ctx context.Context, userID, driveID int, dirID int64) (Result, error) {
	log := m.logger.With(slog.Int("drive_id", driveID), slog.Int64("dir_id", dirID))

	res, err := m.refresh(ctx, userID, driveID, dirID, log)

	switch {
	case err != nil:
		metrics.ActivityPasses.WithLabelValues("error").Inc()
	case res.Gone:
		metrics.ActivityPasses.WithLabelValues("gone").Inc()
	case res.Relisted:
		metrics.ActivityPasses.WithLabelValues("relisted").Inc()
	default:
		metrics.ActivityPasses.WithLabelValues("applied").Inc()
	}

	metrics.ActivitiesApplied.WithLabelValues("inserted").Add(float64(len(res.Inserted)))
	metrics.ActivitiesApplied.WithLabelValues("updated").Add(float64(len(res.Updated)))
	metrics.ActivitiesApplied.WithLabelValues("deleted").Add(float64(len(res.Deleted)))

	return res, err
}

func (m *Merger) refresh(ctx context.Context, userID, driveID int, dirID int64, log *slog.Logger) (Result, error) {
	dir, err := m.cache.Get(userID, driveID, dirID)
	if errors.Is(err, syncerr.ErrFileNotFound) {
		return m.fetchAndList(ctx, userID, driveID, dirID, log)
	}

	if err != nil {
		return Result{}, err
	}

	if dir.ResponseAt.IsZero() {
		return m.relist(ctx, userID, driveID, dirID, log)
	}

	res, err := m.replay(ctx, userID, driveID, dir, log)

	switch {
	case errors.Is(err, syncerr.ErrFileNotFound):
		// The directory was deleted locally mid-pass.
		return m.fetchAndList(ctx, userID, driveID, dirID, log)
	case errors.Is(err, syncerr.ErrObjectNotFound):
		return m.forget(userID, driveID, dirID, log)
	}

	return res, err
}

func (m *Merger) replay(ctx context.Context, userID, driveID int, dir *models.FileRecord, log *slog.Logger) (Result, error) {
	var res Result

	seen := make(map[int64]struct{})
	cursor := ""

	for res.Pages < maxPages {
		page, err := m.api.FileActivities(ctx, driveID, dir.ID, dir.ResponseAt, cursor)
		if err != nil {
			return res, fmt.Errorf("fetching activities: %w", err)
		}

		applied, err := m.cache.ApplyActivities(userID, driveID, dir.ID, page, seen)
		if err != nil {
			return res, fmt.Errorf("applying activities: %w", err)
		}

		res.Add(applied)
		res.Pages++

		if !page.HasMore || page.Cursor == "" {
			break
		}

		cursor = page.Cursor
	}

	log.Debug("activities applied",
		slog.Int("pages", res.Pages),
		slog.Int("inserted", len(res.Inserted)),
		slog.Int("updated", len(res.Updated)),
		slog.Int("deleted", len(res.Deleted)))

	return res, nil
}

// fetchAndList caches the directory record itself, then lists it.
func (m *Merger) fetchAndList(ctx context.Context, userID, driveID int, dirID int64, log *slog.Logger) (Result, error) {
	rec, err := m.api.GetFile(ctx, driveID, dirID)
	if errors.Is(err, syncerr.ErrObjectNotFound) {
		return m.forget(userID, driveID, dirID, log)
	}

	if err != nil {
		return Result{}, fmt.Errorf("fetching directory: %w", err)
	}

	if !rec.IsDirectory {
		return Result{}, fmt.Errorf("file %d is not a directory: %w", dirID, syncerr.ErrAPIResponse)
	}

	err = m.cache.Update(userID, driveID, func(tx *cache.Tx) error {
		prev, err := tx.Get(rec.ID)
		if err != nil {
			return err
		}

		rec.UserID, rec.DriveID = userID, driveID
		rec.KeepCacheAttributes(prev)
		rec.ResponseAt = time.Time{}
		tx.Put(rec)

		if parent, err := tx.Get(rec.ParentID); err == nil && parent != nil && !parent.HasChild(rec.ID) {
			return tx.Attach(parent, rec)
		}

		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return m.relist(ctx, userID, driveID, dirID, log)
}

func (m *Merger) relist(ctx context.Context, userID, driveID int, dirID int64, log *slog.Logger) (Result, error) {
	res := Result{Relisted: true}
	cursor := ""

	for res.Pages < maxPages {
		page, err := m.api.ListFiles(ctx, driveID, dirID, cursor, m.pageSize)
		if errors.Is(err, syncerr.ErrObjectNotFound) {
			return m.forget(userID, driveID, dirID, log)
		}

		if err != nil {
			return res, fmt.Errorf("listing directory: %w", err)
		}

		res.Pages++
		last := !page.HasMore || page.Cursor == ""

		err = m.cache.MergeDirectoryListing(userID, driveID, models.Listing{
			ParentID:   dirID,
			Page:       res.Pages,
			Items:      page.Items,
			IsLastPage: last,
			ResponseAt: page.ResponseAt,
		}, m.pageSize)
		if err != nil {
			return res, fmt.Errorf("merging listing: %w", err)
		}

		if last {
			break
		}

		cursor = page.Cursor
	}

	orphans, err := m.cache.DeleteOrphans(userID, driveID, dirID)
	if err != nil {
		return res, fmt.Errorf("collecting orphans: %w", err)
	}

	res.Orphans = orphans

	log.Info("directory relisted", slog.Int("pages", res.Pages), slog.Int("orphans", len(orphans)))

	return res, nil
}

// forget removes a directory the server no longer has.
func (m *Merger) forget(userID, driveID int, dirID int64, log *slog.Logger) (Result, error) {
	res := Result{Gone: true}

	err := m.cache.Update(userID, driveID, func(tx *cache.Tx) error {
		removed, err := tx.RemoveTree(dirID)
		res.Deleted = removed

		return err
	})
	if err != nil {
		return Result{}, err
	}

	log.Info("directory gone from server", slog.Int("removed", len(res.Deleted)))

	return res, nil
}
