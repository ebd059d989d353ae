package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/coder/websocket"
)

const eventWriteTimeout = 10 * time.Second

// eventMessage is the wire form of a queue event. Err is flattened to a
// string since errors do not marshal.
type eventMessage struct {
	upload.Event

	Error string `json:"error,omitempty"`
}

// events streams queue events to a WebSocket client until either side
// goes away. Clients that fall behind miss events.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	ch, stop := h.cfg.Uploads.Subscribe()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "queue closed")
				return
			}

			msg := eventMessage{Event: ev}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.cfg.Logger.Warn("encoding event", slog.String("error", err.Error()))
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()

			if err != nil {
				return
			}
		}
	}
}
