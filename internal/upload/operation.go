package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/chunk"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/metrics"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/google/uuid"
)

const (
	// Parallelism is the most chunk requests one operation keeps in
	// flight.
	Parallelism = 2

	// minProgress is reported once chunking has begun so observers never
	// see a started upload fall back to zero.
	minProgress = 0.01

	// maxSilentRetries bounds how often one chunk (or the finish call) is
	// re-issued after a cancelled or lost connection before the attempt
	// fails.
	maxSilentRetries = 5
)

type stage int

const (
	stageInit stage = iota
	stageCheckingPreconditions
	stageFetchingContent
	stageEmptyFile
	stageChunking
	stageScheduling
	stageAwaiting
	stageFinishing
	stageEnded
)

func (s stage) String() string {
	switch s {
	case stageInit:
		return "init"
	case stageCheckingPreconditions:
		return "checking_preconditions"
	case stageFetchingContent:
		return "fetching_content"
	case stageEmptyFile:
		return "empty_file"
	case stageChunking:
		return "chunking"
	case stageScheduling:
		return "scheduling"
	case stageAwaiting:
		return "awaiting"
	case stageFinishing:
		return "finishing"
	case stageEnded:
		return "ended"
	}

	return fmt.Sprintf("stage(%d)", int(s))
}

// Outcome is how one operation attempt ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetry     Outcome = "retry"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the terminal report of an operation.
type Result struct {
	UploadID string
	Outcome  Outcome
	File     *models.FileRecord
	Err      error
}

// OperationConfig holds the tunables of an operation.
type OperationConfig struct {
	StagingDir    string
	ChunkSize     int64
	MaxChunkCount int
	Parallelism   int
}

func (c OperationConfig) withDefaults() OperationConfig {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(os.TempDir(), "drive-sync-staging")
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = chunk.DefaultMaxChunkSize
	}

	if c.MaxChunkCount <= 0 {
		c.MaxChunkCount = chunk.DefaultMaxChunkCount
	}

	if c.Parallelism <= 0 {
		c.Parallelism = Parallelism
	}

	return c
}

// Deps are the collaborators of operations. Assets, AutoSync, Cache and
// Host are optional.
type Deps struct {
	Store    *state.State
	API      RemoteAPI
	Assets   AssetResolver
	AutoSync AutoSyncController
	Cache    FileCache
	Host     BackgroundHost
	Logger   *slog.Logger

	// FreeSpace probes the staging volume. Defaults to statfs.
	FreeSpace func(path string) (uint64, error)
}

// SiblingCanceller cancels every other upload under a parent directory.
// *Queue satisfies it.
type SiblingCanceller interface {
	CancelAll(ctx context.Context, parentID int64, userID, driveID int, except ...string) ([]string, error)
}

// OperationOption configures an Operation.
type OperationOption func(*Operation)

// WithSiblingCanceller sets who cancels sibling uploads when the parent
// directory turns out to be gone.
func WithSiblingCanceller(c SiblingCanceller) OperationOption {
	return func(o *Operation) { o.siblings = c }
}

// WithProgress sets a callback invoked whenever persisted progress moves.
func WithProgress(fn func(f *models.UploadFile)) OperationOption {
	return func(o *Operation) { o.onProgress = fn }
}

// WithEnd sets the terminal callback. It runs exactly once, after
// cleanup.
func WithEnd(fn func(Result)) OperationOption {
	return func(o *Operation) { o.onEnd = fn }
}

type inflightChunk struct {
	taskID string
	cancel context.CancelFunc
}

type chunkCompletion struct {
	number int
	taskID string
	resp   *drive.UploadedChunk
	err    error
}

// Operation uploads one UploadFile. It is driven by Run through an
// explicit stage machine and ends exactly once.
type Operation struct {
	id         string
	deps       Deps
	cfg        OperationConfig
	negotiator *Negotiator
	siblings   SiblingCanceller
	onProgress func(f *models.UploadFile)
	onEnd      func(Result)
	logger     *slog.Logger

	started atomic.Bool
	done    chan struct{}

	stage    stage
	file     *models.UploadFile
	path     string
	modTime  time.Time
	provider *chunk.Provider
	pull     func() (chunk.Chunk, error, bool)
	stopPull func()
	pulled   int

	session          *models.UploadSessionState
	tasks            map[int]*models.ChunkTask
	inflight         map[int]inflightChunk
	silentRetries    map[int]int
	finishRetries    int
	completions      chan chunkCompletion
	sessionRestarted bool

	result Result
}

// NewOperation creates an operation for the upload record id.
func NewOperation(id string, deps Deps, cfg OperationConfig, opts ...OperationOption) *Operation {
	cfg = cfg.withDefaults()

	if deps.FreeSpace == nil {
		deps.FreeSpace = freeSpace
	}

	o := &Operation{
		id:            id,
		deps:          deps,
		cfg:           cfg,
		negotiator:    NewNegotiator(deps.API),
		logger:        deps.Logger.With(slog.String("upload_id", id)),
		done:          make(chan struct{}),
		inflight:      make(map[int]inflightChunk),
		silentRetries: make(map[int]int),
		// Every dispatched chunk sends exactly one completion. At most
		// Parallelism are live per session and a session restarts at
		// most once, so the buffer never blocks a sender after Run
		// returns.
		completions: make(chan chunkCompletion, 2*cfg.Parallelism),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// ID returns the upload record id.
func (o *Operation) ID() string { return o.id }

// Run drives the operation to its end and returns the result. A second
// call waits for the first to end and returns the same result.
func (o *Operation) Run(ctx context.Context) Result {
	if !o.started.CompareAndSwap(false, true) {
		<-o.done
		return o.result
	}
	defer close(o.done)

	if o.deps.Host != nil {
		token := o.deps.Host.BeginActivity("upload " + o.id)
		defer token.Release()
	}

	for o.stage != stageEnded {
		o.logger.Debug("upload stage", slog.String("stage", o.stage.String()))
		o.stage = o.step(ctx)
	}

	o.cleanup()

	metrics.UploadsFinished.WithLabelValues(string(o.result.Outcome)).Inc()

	if o.onEnd != nil {
		o.onEnd(o.result)
	}

	return o.result
}

func (o *Operation) step(ctx context.Context) stage {
	switch o.stage {
	case stageInit:
		return o.load(ctx)
	case stageCheckingPreconditions:
		return o.checkPreconditions(ctx)
	case stageFetchingContent:
		return o.fetchContent(ctx)
	case stageEmptyFile:
		return o.uploadEmpty(ctx)
	case stageChunking:
		return o.prepareSession(ctx)
	case stageScheduling:
		return o.scheduleChunks(ctx)
	case stageAwaiting:
		return o.await(ctx)
	case stageFinishing:
		return o.finishSession(ctx)
	}

	return stageEnded
}

// --- Stages ---

func (o *Operation) load(ctx context.Context) stage {
	f, err := o.deps.Store.GetUpload(o.id)
	if err != nil {
		o.result = Result{UploadID: o.id, Outcome: OutcomeRetry, Err: fmt.Errorf("loading upload: %w", err)}
		return stageEnded
	}

	if f == nil {
		o.result = Result{UploadID: o.id, Outcome: OutcomeCancelled, Err: fmt.Errorf("upload %s removed: %w", o.id, syncerr.ErrCancelled)}
		return stageEnded
	}

	o.file = f

	if ctx.Err() != nil {
		return o.cancelled()
	}

	if f.UploadDate != nil {
		o.result = Result{UploadID: o.id, Outcome: OutcomeSuccess}
		return stageEnded
	}

	o.persist(func(f *models.UploadFile) { f.Error = nil })

	return stageCheckingPreconditions
}

func (o *Operation) checkPreconditions(ctx context.Context) stage {
	if ctx.Err() != nil {
		return o.cancelled()
	}

	if err := os.MkdirAll(o.cfg.StagingDir, 0o700); err != nil {
		return o.fail(ctx, fmt.Errorf("creating staging dir: %v: %w", err, syncerr.ErrLocal))
	}

	need := 2 * uint64(o.cfg.Parallelism) * uint64(o.cfg.ChunkSize) //nolint:gosec // both positive after withDefaults

	free, err := o.deps.FreeSpace(o.cfg.StagingDir)
	if err != nil {
		o.logger.Warn("probing free space", slog.String("error", err.Error()))
	} else if free < need {
		return o.fail(ctx, fmt.Errorf("%d bytes free in %s, need %d: %w", free, o.cfg.StagingDir, need, syncerr.ErrInsufficientSpace))
	}

	if o.file.LocalPath == "" {
		if o.file.AssetID != "" {
			return stageFetchingContent
		}

		return o.fail(ctx, fmt.Errorf("upload has no source: %w", syncerr.ErrFileNotFound))
	}

	o.path = o.file.LocalPath

	return o.openSource(ctx)
}

func (o *Operation) fetchContent(ctx context.Context) stage {
	if o.deps.Assets == nil {
		return o.fail(ctx, fmt.Errorf("no resolver for asset %s: %w", o.file.AssetID, syncerr.ErrFileNotFound))
	}

	path, err := o.deps.Assets.Resolve(ctx, o.file.AssetID)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled()
		}

		return o.fail(ctx, fmt.Errorf("resolving asset %s: %v: %w", o.file.AssetID, err, syncerr.ErrFileNotFound))
	}

	o.path = path

	return o.openSource(ctx)
}

func (o *Operation) openSource(ctx context.Context) stage {
	p, err := chunk.NewProvider(o.path, o.cfg.ChunkSize, o.cfg.MaxChunkCount)
	if err != nil {
		return o.fail(ctx, err)
	}

	if info, err := os.Stat(o.path); err == nil {
		o.modTime = info.ModTime()
	}

	o.provider = p

	if p.Size() == 0 {
		return stageEmptyFile
	}

	return stageChunking
}

func (o *Operation) uploadEmpty(ctx context.Context) stage {
	if ctx.Err() != nil {
		return o.cancelled()
	}

	rec, err := o.deps.API.DirectUpload(ctx, o.file.DriveID, drive.DirectUploadRequest{
		DirectoryID:    o.file.ParentDirectoryID,
		FileName:       o.file.Name,
		Conflict:       o.file.ConflictOption,
		LastModifiedAt: o.modTime,
		Body:           bytes.NewReader(nil),
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled()
		}

		return o.fail(ctx, err)
	}

	return o.succeed(rec)
}

func (o *Operation) prepareSession(ctx context.Context) stage {
	if ctx.Err() != nil {
		return o.cancelled()
	}

	if o.provider == nil {
		if st := o.openSource(ctx); st != stageChunking {
			return st
		}
	}

	ranges := o.provider.Ranges()

	if o.negotiator.Resumable(o.file.Session, ranges) {
		o.session = cloneSession(o.file.Session)

		for i := range o.session.Chunks {
			if o.session.Chunks[i].Status == models.ChunkUploading {
				o.session.Chunks[i].Status = models.ChunkPending
			}

			o.session.Chunks[i].TaskID = ""
		}

		o.logger.Info("resuming upload session",
			slog.Int("uploaded", o.session.UploadedCount()),
			slog.Int("total", o.session.TotalChunks))
	} else {
		if old := o.file.Session; old != nil {
			if old.Token != "" {
				if err := o.negotiator.Cancel(ctx, o.file.DriveID, old.Token); err != nil {
					o.logger.Debug("cancelling stale session", slog.String("error", err.Error()))
				}
			}

			removeStaged(old.Chunks)
		}

		s, err := o.negotiator.Start(ctx, o.file, ranges, o.modTime)
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelled()
			}

			return o.fail(ctx, err)
		}

		o.session = s
	}

	o.tasks = make(map[int]*models.ChunkTask, len(o.session.Chunks))
	for i := range o.session.Chunks {
		o.tasks[o.session.Chunks[i].Number] = &o.session.Chunks[i]
	}

	o.pull, o.stopPull = iter.Pull2(o.provider.Chunks())
	o.pulled = 0

	o.saveSession()

	return stageScheduling
}

func (o *Operation) scheduleChunks(ctx context.Context) stage {
	if ctx.Err() != nil {
		return o.cancelled()
	}

	if o.session.UploadedCount() == len(o.session.Chunks) {
		return stageFinishing
	}

	for i := range o.session.Chunks {
		if len(o.inflight) >= o.cfg.Parallelism {
			break
		}

		task := &o.session.Chunks[i]
		if task.Status != models.ChunkPending {
			continue
		}

		if err := o.dispatch(ctx, task); err != nil {
			return o.fail(ctx, err)
		}
	}

	if len(o.inflight) == 0 {
		return o.fail(ctx, fmt.Errorf("no chunk could be scheduled: %w", syncerr.ErrChunk))
	}

	return stageAwaiting
}

func (o *Operation) await(ctx context.Context) stage {
	select {
	case <-ctx.Done():
		return o.cancelled()
	case c := <-o.completions:
		return o.complete(ctx, c)
	}
}

func (o *Operation) complete(ctx context.Context, c chunkCompletion) stage {
	fl, ok := o.inflight[c.number]
	if !ok || fl.taskID != c.taskID {
		o.logger.Debug("ignoring stale chunk completion", slog.Int("chunk", c.number))
		return o.nextAfterCompletion()
	}

	delete(o.inflight, c.number)
	fl.cancel()

	task := o.tasks[c.number]

	if c.err != nil {
		switch {
		case ctx.Err() != nil:
			return o.cancelled()
		case isSilent(c.err):
			o.silentRetries[c.number]++
			if o.silentRetries[c.number] > maxSilentRetries {
				return o.fail(ctx, c.err)
			}

			task.Status = models.ChunkPending
			task.TaskID = ""

			metrics.ChunkRetries.Inc()
			o.logger.Debug("re-issuing chunk", slog.Int("chunk", c.number), slog.String("error", c.err.Error()))

			return stageScheduling
		case errors.Is(c.err, syncerr.ErrUploadSessionInvalid) && !o.sessionRestarted:
			return o.restartSession()
		default:
			return o.fail(ctx, c.err)
		}
	}

	number := c.number
	if c.resp != nil && c.resp.Number != 0 && c.resp.Number != c.number {
		o.logger.Warn("server acknowledged a different chunk",
			slog.Int("sent", c.number), slog.Int("acknowledged", c.resp.Number))

		number = c.resp.Number

		if task.Status == models.ChunkUploading {
			task.Status = models.ChunkPending
			task.TaskID = ""
		}

		task = o.tasks[number]
		if task == nil {
			return stageScheduling
		}
	}

	if task.Status == models.ChunkUploaded {
		return stageScheduling
	}

	task.Status = models.ChunkUploaded
	task.TaskID = ""

	removeStaged([]models.ChunkTask{*task})
	task.StagedPath = ""

	metrics.ChunksUploaded.Inc()
	metrics.BytesUploaded.Add(float64(task.Range.Len()))

	o.saveSession()

	return stageScheduling
}

func (o *Operation) nextAfterCompletion() stage {
	if len(o.inflight) > 0 {
		return stageAwaiting
	}

	return stageScheduling
}

func (o *Operation) finishSession(ctx context.Context) stage {
	if ctx.Err() != nil {
		return o.cancelled()
	}

	rec, err := o.negotiator.Finish(ctx, o.file.DriveID, o.session.Token)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return o.cancelled()
		case isSilent(err) && o.finishRetries < maxSilentRetries:
			o.finishRetries++
			return stageFinishing
		case errors.Is(err, syncerr.ErrUploadSessionInvalid) && !o.sessionRestarted:
			return o.restartSession()
		default:
			return o.fail(ctx, err)
		}
	}

	return o.succeed(rec)
}

// restartSession drops every chunk uploaded against the current token and
// negotiates a new session. Happens at most once per operation.
func (o *Operation) restartSession() stage {
	o.logger.Info("upload session invalid, restarting")

	o.cancelInflight()
	o.sessionRestarted = true

	if o.session != nil {
		removeStaged(o.session.Chunks)
	}

	if o.stopPull != nil {
		o.stopPull()
		o.stopPull = nil
	}

	o.session = nil
	o.tasks = nil
	o.provider = nil
	o.persist(func(f *models.UploadFile) { f.Session = nil })

	return stageChunking
}

// --- Chunk dispatch ---

func (o *Operation) dispatch(ctx context.Context, task *models.ChunkTask) error {
	body, err := o.stagedBody(task)
	if err != nil {
		return err
	}

	taskID := uuid.NewString()
	task.Status = models.ChunkUploading
	task.TaskID = taskID

	cctx, cancel := context.WithCancel(ctx)
	o.inflight[task.Number] = inflightChunk{taskID: taskID, cancel: cancel}

	driveID, token, t := o.file.DriveID, o.session.Token, *task

	go func() {
		defer body.Close()

		resp, err := o.negotiator.AppendChunk(cctx, driveID, token, t, body)
		o.completions <- chunkCompletion{number: t.Number, taskID: taskID, resp: resp, err: err}
	}()

	return nil
}

// stagedBody returns the staged file for task, staging it first if
// needed. Staged files make a re-issued chunk independent of the one-shot
// chunk sequence.
func (o *Operation) stagedBody(task *models.ChunkTask) (*os.File, error) {
	if task.StagedPath != "" {
		if f, err := os.Open(task.StagedPath); err == nil {
			return f, nil
		}
	}

	c, err := o.loadChunk(task.Number)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(o.cfg.StagingDir, o.id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %v: %w", dir, err, syncerr.ErrLocal)
	}

	path := filepath.Join(dir, fmt.Sprintf("%05d.chunk", c.Number))
	if err := os.WriteFile(path, c.Data, 0o600); err != nil {
		return nil, fmt.Errorf("staging chunk %d: %v: %w", c.Number, err, syncerr.ErrLocal)
	}

	task.Hash = c.Hash
	task.StagedPath = path

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening staged chunk %d: %v: %w", c.Number, err, syncerr.ErrLocal)
	}

	return f, nil
}

// loadChunk pulls chunk n from the lazy sequence, falling back to a
// random read when the sequence has already moved past n.
func (o *Operation) loadChunk(n int) (chunk.Chunk, error) {
	if n <= o.pulled || o.pull == nil {
		return o.provider.Load(n)
	}

	for {
		c, err, ok := o.pull()
		if !ok {
			return chunk.Chunk{}, fmt.Errorf("chunk %d missing from sequence: %w", n, syncerr.ErrChunk)
		}

		if err != nil {
			return chunk.Chunk{}, err
		}

		o.pulled = c.Number

		if c.Number == n {
			return c, nil
		}
	}
}

func (o *Operation) cancelInflight() {
	for n, fl := range o.inflight {
		fl.cancel()

		if t := o.tasks[n]; t != nil && t.Status == models.ChunkUploading {
			t.Status = models.ChunkPending
			t.TaskID = ""
		}
	}

	clear(o.inflight)
}

// --- Endings ---

func (o *Operation) succeed(rec *models.FileRecord) stage {
	now := time.Now()

	o.persist(func(f *models.UploadFile) {
		f.UploadDate = &now
		f.Progress = 1
		f.Error = nil
		f.Session = nil
	})
	o.reportProgress()

	if o.deps.Cache != nil && rec != nil {
		if err := o.deps.Cache.MergeUploadedFile(o.file.UserID, o.file.DriveID, rec); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, syncerr.ErrFileNotFound) {
				level = slog.LevelDebug
			}

			o.logger.Log(context.Background(), level, "merging uploaded file into cache", slog.String("error", err.Error()))
		}
	}

	o.logger.Info("upload finished", slog.String("name", o.file.Name))
	o.result = Result{UploadID: o.id, Outcome: OutcomeSuccess, File: rec}

	return stageEnded
}

func (o *Operation) fail(ctx context.Context, err error) stage {
	outcome := OutcomeRetry

	switch {
	case errors.Is(err, syncerr.ErrQuotaExceeded), isLocal(err):
		outcome = OutcomeFatal
	case errors.Is(err, syncerr.ErrObjectNotFound):
		outcome = OutcomeFatal
		o.cascadeNotFound(ctx)
	}

	o.persist(func(f *models.UploadFile) {
		f.Error = &models.UploadError{Code: ErrorCode(err), Message: err.Error()}
		if outcome == OutcomeFatal {
			f.MaxRetryCount = 0
		}

		if o.session != nil {
			f.Session = cloneSession(o.session)
		}
	})

	o.logger.Warn("upload attempt failed",
		slog.String("outcome", string(outcome)),
		slog.String("error", err.Error()))

	o.result = Result{UploadID: o.id, Outcome: outcome, Err: err}

	return stageEnded
}

// cascadeNotFound handles a vanished parent directory: every sibling
// upload is cancelled and an auto-sync targeting it is disabled.
func (o *Operation) cascadeNotFound(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	f := o.file

	if o.siblings != nil {
		ids, err := o.siblings.CancelAll(bg, f.ParentDirectoryID, f.UserID, f.DriveID, o.id)
		if err != nil {
			o.logger.Warn("cancelling sibling uploads", slog.String("error", err.Error()))
		} else if len(ids) > 0 {
			o.logger.Info("cancelled sibling uploads", slog.Int("count", len(ids)))
		}
	}

	if f.Source == models.SourceAutoSync && o.deps.AutoSync != nil {
		if err := o.deps.AutoSync.DisableAutoSync(bg, f.UserID, f.DriveID, f.ParentDirectoryID); err != nil {
			o.logger.Warn("disabling auto-sync", slog.String("error", err.Error()))
		}
	}
}

func (o *Operation) cancelled() stage {
	o.cancelInflight()

	err := fmt.Errorf("upload %s: %w", o.id, syncerr.ErrCancelled)
	o.result = Result{UploadID: o.id, Outcome: OutcomeCancelled, Err: err}

	if o.file.MaxRetryCount <= 0 {
		if _, derr := o.deps.Store.DeleteUpload(o.id); derr != nil {
			o.logger.Warn("deleting cancelled upload", slog.String("error", derr.Error()))
		}

		return stageEnded
	}

	o.persist(func(f *models.UploadFile) {
		f.Error = &models.UploadError{Code: ErrorCode(err), Message: err.Error()}
		if o.session != nil {
			f.Session = cloneSession(o.session)
		}
	})

	return stageEnded
}

// cleanup runs once after the stage machine ends.
func (o *Operation) cleanup() {
	o.cancelInflight()

	if o.stopPull != nil {
		o.stopPull()
		o.stopPull = nil
	}

	keepStaged := o.result.Outcome == OutcomeRetry ||
		(o.result.Outcome == OutcomeCancelled && o.file != nil && o.file.MaxRetryCount > 0)

	if !keepStaged {
		if err := os.RemoveAll(filepath.Join(o.cfg.StagingDir, o.id)); err != nil {
			o.logger.Debug("removing staged chunks", slog.String("error", err.Error()))
		}
	}
}

// --- Persistence ---

// persist applies fn to the working copy and to the stored record. A
// record deleted underneath the operation is never recreated.
func (o *Operation) persist(fn func(f *models.UploadFile)) {
	fn(o.file)

	_, err := o.deps.Store.UpdateUpload(o.id, func(f *models.UploadFile) error {
		fn(f)
		return nil
	})

	switch {
	case errors.Is(err, state.ErrNotFound):
		o.logger.Debug("upload record gone")
	case err != nil:
		o.logger.Warn("persisting upload", slog.String("error", err.Error()))
	}
}

func (o *Operation) saveSession() {
	p := o.progress()

	o.persist(func(f *models.UploadFile) {
		f.Session = cloneSession(o.session)
		f.Progress = p
	})
	o.reportProgress()
}

func (o *Operation) progress() float64 {
	if o.session == nil || len(o.session.Chunks) == 0 {
		return o.file.Progress
	}

	return max(float64(o.session.UploadedCount())/float64(len(o.session.Chunks)), minProgress)
}

func (o *Operation) reportProgress() {
	if o.onProgress != nil {
		o.onProgress(o.file.Clone())
	}
}

func cloneSession(s *models.UploadSessionState) *models.UploadSessionState {
	if s == nil {
		return nil
	}

	c := *s
	c.Chunks = slices.Clone(s.Chunks)

	return &c
}

func removeStaged(tasks []models.ChunkTask) {
	for _, t := range tasks {
		if t.StagedPath != "" {
			_ = os.Remove(t.StagedPath)
		}
	}
}

// --- Error classification ---

func isSilent(err error) bool {
	return errors.Is(err, syncerr.ErrNetworkCancelled) || errors.Is(err, syncerr.ErrConnectionLost)
}

func isLocal(err error) bool {
	return errors.Is(err, syncerr.ErrFileNotFound) ||
		errors.Is(err, syncerr.ErrLocal) ||
		errors.Is(err, syncerr.ErrSplit) ||
		errors.Is(err, syncerr.ErrChunk) ||
		errors.Is(err, syncerr.ErrInsufficientSpace)
}

// ErrorCode maps err to the stable code stored on UploadFile.Error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, syncerr.ErrCancelled):
		return "cancelled"
	case errors.Is(err, syncerr.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, syncerr.ErrObjectNotFound):
		return "object_not_found"
	case errors.Is(err, syncerr.ErrFileNotFound):
		return "file_not_found"
	case errors.Is(err, syncerr.ErrInsufficientSpace):
		return "insufficient_space"
	case errors.Is(err, syncerr.ErrSplit):
		return "split_error"
	case errors.Is(err, syncerr.ErrChunk):
		return "chunk_error"
	case errors.Is(err, syncerr.ErrLocal):
		return "local_error"
	case errors.Is(err, syncerr.ErrUploadSessionInvalid):
		return "session_invalid"
	case errors.Is(err, syncerr.ErrInvalidToken):
		return "invalid_token"
	case isSilent(err), drive.IsTransient(err):
		return "network_error"
	}

	return "server_error"
}
