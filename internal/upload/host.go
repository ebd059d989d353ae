package upload

import (
	"log/slog"
	"sync"
)

// ActivityToken marks a unit of work the host should not interrupt.
// Release is safe to call more than once; only the first call counts.
type ActivityToken interface {
	Release()
}

// BackgroundHost grants activity tokens and signals when the execution
// window is about to close.
type BackgroundHost interface {
	BeginActivity(reason string) ActivityToken
	Expired() <-chan struct{}
}

// ProcessHost is the BackgroundHost of a daemon process: the window
// closes when Expire is called, typically on shutdown.
type ProcessHost struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[uint64]string
	next   uint64

	expired    chan struct{}
	expireOnce sync.Once
}

// NewProcessHost creates a host with an open execution window.
func NewProcessHost(logger *slog.Logger) *ProcessHost {
	return &ProcessHost{
		logger:  logger,
		active:  make(map[uint64]string),
		expired: make(chan struct{}),
	}
}

type processToken struct {
	host *ProcessHost
	id   uint64
	once sync.Once
}

func (t *processToken) Release() {
	t.once.Do(func() {
		t.host.mu.Lock()
		delete(t.host.active, t.id)
		t.host.mu.Unlock()
	})
}

// BeginActivity registers work in progress until the token is released.
func (h *ProcessHost) BeginActivity(reason string) ActivityToken {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	h.active[h.next] = reason

	return &processToken{host: h, id: h.next}
}

// Active returns the number of unreleased tokens.
func (h *ProcessHost) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.active)
}

// Expire closes the execution window. Holders of activity tokens are
// expected to wind down.
func (h *ProcessHost) Expire() {
	h.expireOnce.Do(func() {
		h.mu.Lock()
		n := len(h.active)
		h.mu.Unlock()

		h.logger.Info("background window expired", slog.Int("active", n))
		close(h.expired)
	})
}

// Expired is closed once the window has closed.
func (h *ProcessHost) Expired() <-chan struct{} {
	return h.expired
}
