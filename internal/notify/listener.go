// Package notify listens for realtime change notifications and turns them
// into directory refresh triggers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// readLimit caps one notification frame.
	readLimit = 64 * 1024

	msgFileChanged = "file_changed"
)

// ErrUnauthorized is returned when the notification endpoint rejects the
// token. The listener does not retry it.
var ErrUnauthorized = errors.New("notification endpoint rejected credentials")

// Handler is called for every change notification. *activity.Poller's
// Trigger satisfies it.
type Handler func(driveID int, dirID int64)

// wsConn is the part of *websocket.Conn the listener reads from.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Listener keeps one WebSocket open to the notification endpoint and
// reconnects with jittered exponential backoff when it drops.
type Listener struct {
	url     string
	token   string
	handler Handler
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	dial       func(ctx context.Context) (wsConn, error)
}

// NewListener creates a listener for url authenticating with token.
func NewListener(url, token string, h Handler, logger *slog.Logger) *Listener {
	l := &Listener{
		url:        url,
		token:      token,
		handler:    h,
		logger:     logger,
		minBackoff: reconnectMin,
		maxBackoff: reconnectMax,
	}
	l.dial = l.dialWebSocket

	return l
}

func (l *Listener) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + l.token},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dialing %s: %w", l.url, ErrUnauthorized)
		}

		return nil, fmt.Errorf("dialing %s: %w", l.url, err)
	}

	return conn, nil
}

// Run connects and dispatches notifications until ctx is done. It returns
// nil on cancellation and an error only for rejected credentials.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.minBackoff
	b.MaxInterval = l.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := l.dial(ctx)
		if err == nil {
			l.logger.Info("notifications connected")
			b.Reset()

			err = l.listen(ctx, conn)
		}

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrUnauthorized) {
			return err
		}

		wait := b.NextBackOff()

		l.logger.Warn("notifications disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// listen reads frames until the connection fails.
func (l *Listener) listen(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(readLimit)

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading notification: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		l.dispatch(data)
	}
}

func (l *Listener) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		l.logger.Debug("ignoring malformed notification")
		return
	}

	msg := gjson.ParseBytes(data)
	if msg.Get("type").Str != msgFileChanged {
		return
	}

	driveID := int(msg.Get("drive_id").Int())
	if driveID == 0 {
		return
	}

	l.handler(driveID, msg.Get("parent_id").Int())
}
