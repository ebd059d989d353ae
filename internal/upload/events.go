package upload

import (
	"log/slog"

	"github.com/alexjbarnes/drive-sync/internal/models"
)

// EventKind names a queue notification.
type EventKind string

const (
	EventUploadCompleted     EventKind = "upload_completed"
	EventPendingCountChanged EventKind = "pending_count_changed"
	EventProgressChanged     EventKind = "progress_changed"
)

// Event is a queue notification. Which fields are set depends on Kind:
// completions carry Outcome with File or Err, pending-count changes carry
// Pending for ParentID, progress changes carry Progress for UploadID.
type Event struct {
	Kind     EventKind          `json:"kind"`
	UploadID string             `json:"upload_id,omitempty"`
	ParentID int64              `json:"parent_id,omitempty"`
	UserID   int                `json:"user_id,omitempty"`
	DriveID  int                `json:"drive_id,omitempty"`
	Outcome  Outcome            `json:"outcome,omitempty"`
	File     *models.FileRecord `json:"file,omitempty"`
	Err      error              `json:"-"`
	Pending  int                `json:"pending"`
	Progress float64            `json:"progress,omitempty"`
}

const subscriberBuffer = 256

// Subscribe returns a channel of queue events and a function that ends
// the subscription. Slow subscribers miss events rather than block the
// queue.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()

	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
	}
}

func (q *Queue) emitLocked(ev Event) {
	for ch := range q.subs {
		select {
		case ch <- ev:
		default:
			q.logger.Debug("dropping queue event", slog.String("kind", string(ev.Kind)))
		}
	}
}
