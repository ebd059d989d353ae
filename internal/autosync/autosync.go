// Package autosync watches the local library directory and enqueues new
// files as asset-backed uploads.
package autosync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// debounceInterval is how often pending filesystem events are checked.
	debounceInterval = 500 * time.Millisecond

	// settleDelay is how long a file must stay quiet before it is enqueued.
	settleDelay = 300 * time.Millisecond
)

// assetNamespace scopes the deterministic upload IDs derived from library
// files.
var assetNamespace = uuid.MustParse("3c1f6a52-8d4e-4b7a-9f0e-2d5c7b9a1e64")

// Enqueuer accepts new uploads. *upload.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, f *models.UploadFile) (*upload.Handle, error)
}

// EnqueueFunc adapts a function to Enqueuer. It lets the syncer be built
// before the queue that resolves its assets.
type EnqueueFunc func(ctx context.Context, f *models.UploadFile) (*upload.Handle, error)

// Enqueue calls fn(ctx, f).
func (fn EnqueueFunc) Enqueue(ctx context.Context, f *models.UploadFile) (*upload.Handle, error) {
	return fn(ctx, f)
}

// Syncer runs the auto-sync pipeline. It also resolves asset references
// for the upload operation and can be disabled by the queue when the
// target directory disappears.
type Syncer struct {
	store  *state.State
	queue  Enqueuer
	logger *slog.Logger

	tick   time.Duration
	settle time.Duration

	mu   sync.Mutex
	stop context.CancelFunc
	wake chan struct{}
}

// New creates a syncer. Settings are read from store on every (re)start.
func New(store *state.State, q Enqueuer, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:  store,
		queue:  q,
		logger: logger,
		tick:   debounceInterval,
		settle: settleDelay,
		wake:   make(chan struct{}, 1),
	}
}

// Run watches the library while auto-sync is enabled and idles while it
// is not. Files already present when the watch starts are left alone.
// It returns nil once ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		as, err := s.store.AutoSync()
		if err != nil {
			return fmt.Errorf("reading auto-sync settings: %w", err)
		}

		if !as.Enabled || as.LibraryDir == "" {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		watchCtx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		s.stop = cancel
		s.mu.Unlock()

		err = s.watch(watchCtx, as)

		s.mu.Lock()
		s.stop = nil
		s.mu.Unlock()

		cancel()

		if ctx.Err() != nil {
			return nil
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// Enable persists as with Enabled set and restarts the watch.
func (s *Syncer) Enable(as state.AutoSyncSettings) error {
	as.Enabled = true

	return s.apply(as)
}

// DisableAutoSync turns auto-sync off when it currently targets parentID
// on the given drive. Other settings are left alone.
func (s *Syncer) DisableAutoSync(_ context.Context, userID, driveID int, parentID int64) error {
	as, err := s.store.AutoSync()
	if err != nil {
		return fmt.Errorf("reading auto-sync settings: %w", err)
	}

	if !as.Enabled || as.UserID != userID || as.DriveID != driveID || as.ParentDirectoryID != parentID {
		return nil
	}

	as.Enabled = false

	s.logger.Warn("auto-sync disabled, target directory is gone",
		slog.Int("drive_id", driveID),
		slog.Int64("parent_id", parentID))

	return s.apply(as)
}

func (s *Syncer) apply(as state.AutoSyncSettings) error {
	if err := s.store.SetAutoSync(as); err != nil {
		return fmt.Errorf("saving auto-sync settings: %w", err)
	}

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return nil
}

// Resolve maps an asset reference (a slash-separated path relative to the
// library) to an absolute path of an existing regular file.
func (s *Syncer) Resolve(_ context.Context, assetID string) (string, error) {
	as, err := s.store.AutoSync()
	if err != nil {
		return "", fmt.Errorf("reading auto-sync settings: %w", err)
	}

	if as.LibraryDir == "" {
		return "", fmt.Errorf("asset %q: no library configured: %w", assetID, syncerr.ErrFileNotFound)
	}

	rel := filepath.FromSlash(assetID)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("asset %q escapes the library: %w", assetID, syncerr.ErrFileNotFound)
	}

	path := filepath.Join(as.LibraryDir, rel)

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("asset %q: %w", assetID, syncerr.ErrFileNotFound)
	}

	return path, nil
}

func (s *Syncer) watch(ctx context.Context, as state.AutoSyncSettings) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, as.LibraryDir); err != nil {
		return fmt.Errorf("watching library: %w", err)
	}

	s.logger.Info("auto-sync started",
		slog.String("dir", as.LibraryDir),
		slog.Int("drive_id", as.DriveID),
		slog.Int64("parent_id", as.ParentDirectoryID))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() {
						delete(pending, event.Name)
						_ = addRecursive(watcher, event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < s.settle {
					continue
				}

				delete(pending, path)
				s.enqueue(ctx, as, path)
			}
		}
	}
}

func (s *Syncer) enqueue(ctx context.Context, as state.AutoSyncSettings, path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	rel, err := filepath.Rel(as.LibraryDir, path)
	if err != nil || !filepath.IsLocal(rel) {
		return
	}

	f := newAssetUpload(as, filepath.ToSlash(rel), info)

	if _, err := s.queue.Enqueue(ctx, f); err != nil {
		s.logger.Warn("enqueueing library file",
			slog.String("asset", f.AssetID),
			slog.String("error", err.Error()))

		return
	}

	s.logger.Debug("library file enqueued",
		slog.String("asset", f.AssetID),
		slog.String("upload_id", f.ID))
}

// newAssetUpload builds the upload for one library file. The ID is stable
// for a given file version so repeated events do not duplicate uploads.
func newAssetUpload(as state.AutoSyncSettings, assetID string, info fs.FileInfo) *models.UploadFile {
	key := fmt.Sprintf("%d/%d/%s/%d/%d", as.UserID, as.DriveID, assetID, info.Size(), info.ModTime().UnixNano())

	return &models.UploadFile{
		ID:                uuid.NewSHA1(assetNamespace, []byte(key)).String(),
		ParentDirectoryID: as.ParentDirectoryID,
		DriveID:           as.DriveID,
		UserID:            as.UserID,
		AssetID:           assetID,
		Name:              norm.NFC.String(filepath.Base(assetID)),
		ConflictOption:    models.ConflictVersion,
		Source:            models.SourceAutoSync,
	}
}

func addRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && ignored(path) {
			return filepath.SkipDir
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

// ignored skips hidden entries and editor temporaries.
func ignored(path string) bool {
	base := filepath.Base(path)

	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".part")
}
