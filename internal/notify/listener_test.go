package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	driveID int
	dirID   int64
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv(t *testing.T, ch <-chan change) change {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
		return change{}
	}
}

func TestListener_DispatchesFileChanged(t *testing.T) {
	var auth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"file_changed","drive_id":7,"parent_id":55}`))

		<-ctx.Done()
	}))
	defer srv.Close()

	got := make(chan change, 4)
	l := NewListener(wsURL(srv), "secret", func(d int, dir int64) { got <- change{d, dir} }, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, change{7, 55}, recv(t, got))
	assert.Equal(t, "Bearer secret", auth.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestListener_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		n := conns.Add(1)
		_ = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"type":"file_changed","drive_id":7,"parent_id":`+strconv.Itoa(int(n))+`}`))

		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}

		defer conn.CloseNow()
		<-conn.CloseRead(r.Context()).Done()
	}))
	defer srv.Close()

	got := make(chan change, 4)
	l := NewListener(wsURL(srv), "secret", func(d int, dir int64) { got <- change{d, dir} }, logging.Discard())
	l.minBackoff = 10 * time.Millisecond
	l.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, change{7, 1}, recv(t, got))
	assert.Equal(t, change{7, 2}, recv(t, got))

	cancel()
	require.NoError(t, <-done)
}

func TestListener_UnauthorizedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := NewListener(wsURL(srv), "bad", func(int, int64) {}, logging.Discard())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDispatch_IgnoresMissingDrive(t *testing.T) {
	calls := 0
	l := NewListener("ws://unused", "", func(int, int64) { calls++ }, logging.Discard())

	l.dispatch([]byte(`{"type":"file_changed","parent_id":3}`))
	l.dispatch([]byte(`{"type":"other","drive_id":7}`))
	l.dispatch([]byte(`{"type":"file_changed","drive_id":7}`))

	assert.Equal(t, 1, calls)
}
