package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/metrics"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// batchSize bounds how many records one batch operation touches per
	// transaction.
	batchSize = 100

	// DefaultMaxConcurrent is the default number of operations running at
	// once.
	DefaultMaxConcurrent = 4

	defaultRetryInitial = 5 * time.Second
	defaultRetryMax     = 5 * time.Minute
)

// QueueConfig holds the queue tunables.
type QueueConfig struct {
	Operation       OperationConfig
	MaxConcurrent   int
	DefaultMaxRetry int
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.DefaultMaxRetry <= 0 {
		c.DefaultMaxRetry = models.DefaultMaxRetryCount
	}

	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}

	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}

	return c
}

type handleState int

const (
	handlePending handleState = iota
	handleRunning
	handleWaiting
)

// Handle tracks one upload from enqueue until it succeeds, fails for good
// or is cancelled. Retries reuse the same handle.
type Handle struct {
	ID       string
	ParentID int64
	UserID   int
	DriveID  int

	priority int
	seq      uint64
	state    handleState
	cancel   context.CancelFunc
	timer    *time.Timer
	backoff  *backoff.ExponentialBackOff

	// cancelRequested marks a user cancel: the record is already gone.
	cancelRequested bool

	done   chan struct{}
	result Result
}

// Done is closed once the upload reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the terminal result. Valid after Done is closed.
func (h *Handle) Result() Result { return h.result }

// Queue owns the durable upload list and schedules one operation per
// record on a bounded pool.
type Queue struct {
	store  *state.State
	deps   Deps
	cfg    QueueConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	base      context.Context
	handles   map[string]*Handle
	pending   []*Handle
	seq       uint64
	suspended bool
	holds     int
	idle      []func()
	subs      map[chan Event]struct{}
	wg        sync.WaitGroup
}

// NewQueue creates a queue. Operations run under context.Background until
// Run supplies a parent context.
func NewQueue(deps Deps, cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()

	return &Queue{
		store:   deps.Store,
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		base:    context.Background(),
		handles: make(map[string]*Handle),
		subs:    make(map[chan Event]struct{}),
	}
}

// Run binds operations to ctx and watches the background host. When the
// host window expires the queue suspends and cancels running operations
// without deleting their records. Run returns after ctx is done and every
// running operation has ended.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.base = ctx
	q.mu.Unlock()

	var expired <-chan struct{}
	if q.deps.Host != nil {
		expired = q.deps.Host.Expired()
	}

	select {
	case <-ctx.Done():
	case <-expired:
		q.logger.Info("background window expired, suspending uploads")
		q.SuspendAll()
		q.CancelRunning()
		<-ctx.Done()
	}

	q.CancelRunning()
	q.wg.Wait()

	return nil
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	maxRetry *int
}

// WithMaxRetry sets the retry budget of the new upload, overriding both
// f.MaxRetryCount and the queue default. Zero means the upload is tried
// once and never rescheduled.
func WithMaxRetry(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetry = &n }
}

// Enqueue persists f and schedules an operation for it. If an operation
// for f.ID already exists its handle is returned and nothing is written.
// A zero f.MaxRetryCount takes the queue default unless WithMaxRetry says
// otherwise.
func (q *Queue) Enqueue(_ context.Context, f *models.UploadFile, opts ...EnqueueOption) (*Handle, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	f = f.Clone()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	switch {
	case o.maxRetry != nil:
		f.MaxRetryCount = max(*o.maxRetry, 0)
	case f.MaxRetryCount == 0 && f.Error == nil:
		f.MaxRetryCount = q.cfg.DefaultMaxRetry
	}

	if f.ConflictOption == "" {
		f.ConflictOption = models.ConflictVersion
	}

	if f.Source == "" {
		f.Source = models.SourceManual
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if h, ok := q.handles[f.ID]; ok {
		return h, nil
	}

	if err := q.store.PutUpload(f); err != nil {
		return nil, fmt.Errorf("persisting upload: %w", err)
	}

	h := q.addLocked(f)
	q.scheduleLocked()

	return h, nil
}

// addLocked registers a handle for an already persisted record.
func (q *Queue) addLocked(f *models.UploadFile) *Handle {
	q.seq++

	h := &Handle{
		ID:       f.ID,
		ParentID: f.ParentDirectoryID,
		UserID:   f.UserID,
		DriveID:  f.DriveID,
		priority: f.Priority,
		seq:      q.seq,
		done:     make(chan struct{}),
	}

	q.handles[h.ID] = h
	q.pushLocked(h)
	q.emitPendingLocked(h)

	return h
}

// pushLocked inserts h into the pending list ordered by priority, then
// enqueue order.
func (q *Queue) pushLocked(h *Handle) {
	h.state = handlePending

	i, _ := slices.BinarySearchFunc(q.pending, h, func(a, b *Handle) int {
		if a.priority != b.priority {
			return b.priority - a.priority
		}

		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}

		return 0
	})
	q.pending = slices.Insert(q.pending, i, h)

	metrics.QueuePending.Set(float64(len(q.handles)))
}

func (q *Queue) removePendingLocked(h *Handle) {
	q.pending = slices.DeleteFunc(q.pending, func(p *Handle) bool { return p == h })
}

// scheduleLocked starts pending operations while the pool has room and
// the queue is not suspended.
func (q *Queue) scheduleLocked() {
	for !q.suspended && q.holds == 0 && len(q.pending) > 0 {
		if !q.sem.TryAcquire(1) {
			return
		}

		h := q.pending[0]
		q.pending = q.pending[1:]
		q.startLocked(h)
	}
}

func (q *Queue) startLocked(h *Handle) {
	ctx, cancel := context.WithCancel(q.base)
	h.state = handleRunning
	h.cancel = cancel

	op := NewOperation(h.ID, q.deps, q.cfg.Operation,
		WithSiblingCanceller(q),
		WithProgress(q.progressChanged))

	metrics.QueueRunning.Inc()
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		res := op.Run(ctx)
		cancel()
		q.sem.Release(1)
		metrics.QueueRunning.Dec()
		q.finish(h, res)
	}()
}

// finish applies the retry policy to an ended attempt.
func (q *Queue) finish(h *Handle, res Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h.cancel = nil

	if h.cancelRequested {
		res.Outcome = OutcomeCancelled
	}

	switch res.Outcome {
	case OutcomeSuccess:
		if _, err := q.store.DeleteUpload(h.ID); err != nil {
			q.logger.Warn("deleting finished upload", slog.String("upload_id", h.ID), slog.String("error", err.Error()))
		}

		q.terminateLocked(h, res)
	case OutcomeRetry:
		if !q.retryLaterLocked(h) {
			q.terminateLocked(h, res)
		}
	default:
		q.terminateLocked(h, res)
	}

	q.scheduleLocked()
}

// retryLaterLocked spends one unit of the retry budget and arms a backoff
// timer. It reports false once the budget is exhausted.
func (q *Queue) retryLaterLocked(h *Handle) bool {
	rec, err := q.store.UpdateUpload(h.ID, func(f *models.UploadFile) error {
		if f.MaxRetryCount > 0 {
			f.MaxRetryCount--
		}

		return nil
	})
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			q.logger.Warn("spending retry budget", slog.String("upload_id", h.ID), slog.String("error", err.Error()))
		}

		return false
	}

	if rec.MaxRetryCount <= 0 {
		return false
	}

	if h.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = q.cfg.RetryInitial
		b.MaxInterval = q.cfg.RetryMax
		b.MaxElapsedTime = 0
		b.Reset()
		h.backoff = b
	}

	delay := h.backoff.NextBackOff()
	h.state = handleWaiting
	h.timer = time.AfterFunc(delay, func() { q.wake(h) })

	q.logger.Info("upload will retry",
		slog.String("upload_id", h.ID),
		slog.Int("retries_left", rec.MaxRetryCount),
		slog.Duration("delay", delay))

	return true
}

func (q *Queue) wake(h *Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.handles[h.ID] != h || h.state != handleWaiting {
		return
	}

	h.timer = nil
	q.pushLocked(h)
	q.scheduleLocked()
}

// terminateLocked forgets h and reports its result.
func (q *Queue) terminateLocked(h *Handle, res Result) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}

	if q.handles[h.ID] != h {
		return
	}

	delete(q.handles, h.ID)
	q.removePendingLocked(h)

	h.result = res
	close(h.done)

	metrics.QueuePending.Set(float64(len(q.handles)))

	q.emitLocked(Event{
		Kind:     EventUploadCompleted,
		UploadID: h.ID,
		ParentID: h.ParentID,
		UserID:   h.UserID,
		DriveID:  h.DriveID,
		Outcome:  res.Outcome,
		File:     res.File,
		Err:      res.Err,
	})
	q.emitPendingLocked(h)

	if len(q.handles) == 0 {
		waiters := q.idle
		q.idle = nil

		for _, fn := range waiters {
			go fn()
		}
	}
}

// SuspendAll stops new operations from starting. Running operations
// continue.
func (q *Queue) SuspendAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.suspended = true
}

// ResumeAll lets pending operations start again.
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.suspended = false
	q.scheduleLocked()
}

// CancelRunning cancels in-flight operations and keeps their records so a
// later RebuildFromPersistedState resumes them.
func (q *Queue) CancelRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, h := range q.handles {
		if h.state == handleRunning && h.cancel != nil {
			h.cancel()
		}
	}
}

// Cancel deletes the upload record and stops its operation. Cancel is
// unconditional: it applies to failed and pending uploads alike.
func (q *Queue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	existed, err := q.store.DeleteUpload(id)
	if err != nil {
		return fmt.Errorf("deleting upload %s: %w", id, err)
	}

	h, live := q.handles[id]
	if live {
		q.cancelHandleLocked(h)
	}

	if !existed && !live {
		return fmt.Errorf("upload %s: %w", id, state.ErrNotFound)
	}

	return nil
}

func (q *Queue) cancelHandleLocked(h *Handle) {
	h.cancelRequested = true

	if h.state == handleRunning {
		if h.cancel != nil {
			h.cancel()
		}

		return
	}

	q.terminateLocked(h, Result{UploadID: h.ID, Outcome: OutcomeCancelled})
}

// Retry clears the error of one upload, restores its retry budget and
// schedules it.
func (q *Queue) Retry(ctx context.Context, id string) (*Handle, error) {
	rec, err := q.store.UpdateUpload(id, q.resetForRetry)
	if err != nil {
		return nil, fmt.Errorf("retrying upload %s: %w", id, err)
	}

	q.mu.Lock()

	if h, ok := q.handles[id]; ok {
		if h.state == handleWaiting {
			h.timer.Stop()
			h.timer = nil

			if h.backoff != nil {
				h.backoff.Reset()
			}

			q.pushLocked(h)
			q.scheduleLocked()
		}

		q.mu.Unlock()

		return h, nil
	}

	q.mu.Unlock()

	return q.Enqueue(ctx, rec)
}

func (q *Queue) resetForRetry(f *models.UploadFile) error {
	f.Error = nil

	if f.MaxRetryCount <= 0 {
		f.MaxRetryCount = q.cfg.DefaultMaxRetry
	}

	return nil
}

// RetryAll retries every failed upload under parentID for the given user
// and drive, batchSize records per transaction. It returns how many were
// rescheduled.
func (q *Queue) RetryAll(_ context.Context, parentID int64, userID, driveID int) (int, error) {
	failed, err := q.store.ListUploads(state.UploadFilter{
		ParentDirectoryID: parentID,
		UserID:            userID,
		DriveID:           driveID,
		FailedOnly:        true,
	})
	if err != nil {
		return 0, err
	}

	n := 0

	for batch := range slices.Chunk(failed, batchSize) {
		ids := make([]string, len(batch))
		for i, f := range batch {
			ids[i] = f.ID
		}

		recs, err := q.store.UpdateUploads(ids, func(f *models.UploadFile) { _ = q.resetForRetry(f) })
		if err != nil {
			return n, err
		}

		q.mu.Lock()
		for _, rec := range recs {
			if _, ok := q.handles[rec.ID]; !ok {
				q.addLocked(rec)
				n++
			}
		}
		q.scheduleLocked()
		q.mu.Unlock()
	}

	return n, nil
}

// CancelAll deletes every upload under parentID for the given user and
// drive, except the listed ids, and cancels their operations. New
// operations are held back while it runs so none starts against a record
// being deleted. It returns the removed ids.
func (q *Queue) CancelAll(_ context.Context, parentID int64, userID, driveID int, except ...string) ([]string, error) {
	q.mu.Lock()
	q.holds++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.holds--
		q.scheduleLocked()
		q.mu.Unlock()
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := q.store.DeleteUploads(state.UploadFilter{
		ParentDirectoryID: parentID,
		UserID:            userID,
		DriveID:           driveID,
		ExceptIDs:         except,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(removed))

	for _, f := range removed {
		ids = append(ids, f.ID)

		if h, ok := q.handles[f.ID]; ok {
			q.cancelHandleLocked(h)
		}
	}

	return ids, nil
}

// RebuildFromPersistedState schedules every resumable record that has no
// live operation, oldest first, batchSize at a time. It returns how many
// were scheduled.
func (q *Queue) RebuildFromPersistedState(_ context.Context) (int, error) {
	recs, err := q.store.ListUploads(state.UploadFilter{ResumableOnly: true})
	if err != nil {
		return 0, err
	}

	n := 0

	for batch := range slices.Chunk(recs, batchSize) {
		q.mu.Lock()
		for _, rec := range batch {
			if _, ok := q.handles[rec.ID]; ok {
				continue
			}

			q.addLocked(rec)
			n++
		}
		q.scheduleLocked()
		q.mu.Unlock()
	}

	if n > 0 {
		q.logger.Info("rescheduled persisted uploads", slog.Int("count", n))
	}

	return n, nil
}

// Handle returns the live handle for id.
func (q *Queue) Handle(id string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.handles[id]

	return h, ok
}

// Pending returns how many uploads under parentID have not finished.
func (q *Queue) Pending(parentID int64, userID, driveID int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pendingCountLocked(parentID, userID, driveID)
}

func (q *Queue) pendingCountLocked(parentID int64, userID, driveID int) int {
	n := 0

	for _, h := range q.handles {
		if h.ParentID == parentID && h.UserID == userID && h.DriveID == driveID {
			n++
		}
	}

	return n
}

// WaitForCompletion calls fn once the queue has no live uploads. If it is
// already idle fn runs immediately on its own goroutine.
func (q *Queue) WaitForCompletion(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.handles) == 0 {
		go fn()
		return
	}

	q.idle = append(q.idle, fn)
}

func (q *Queue) progressChanged(f *models.UploadFile) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.emitLocked(Event{
		Kind:     EventProgressChanged,
		UploadID: f.ID,
		ParentID: f.ParentDirectoryID,
		UserID:   f.UserID,
		DriveID:  f.DriveID,
		Progress: f.Progress,
	})
}

func (q *Queue) emitPendingLocked(h *Handle) {
	q.emitLocked(Event{
		Kind:     EventPendingCountChanged,
		ParentID: h.ParentID,
		UserID:   h.UserID,
		DriveID:  h.DriveID,
		Pending:  q.pendingCountLocked(h.ParentID, h.UserID, h.DriveID),
	})
}
