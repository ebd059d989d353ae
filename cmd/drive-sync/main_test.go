package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ds_0123456789abcdef0123456789abcdef"

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// fakeControl records requests and answers each path with a canned
// status and body.
type fakeControl struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]cannedResponse
}

type cannedResponse struct {
	status int
	body   string
}

func (f *fakeControl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		resp = cannedResponse{status: http.StatusNoContent}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeControl) last(t *testing.T) recordedRequest {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.requests)

	return f.requests[len(f.requests)-1]
}

func execute(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DRIVE_SYNC_ADDR", srvURL)
	t.Setenv("DRIVE_SYNC_API_KEY", testKey)

	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func newFake(t *testing.T, responses map[string]cannedResponse) (*fakeControl, string) {
	t.Helper()

	fake := &fakeControl{responses: responses}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return fake, srv.URL
}

// --- enqueue ---

func TestEnqueueCmd(t *testing.T) {
	fake, url := newFake(t, map[string]cannedResponse{
		"POST /uploads": {status: http.StatusAccepted, body: `{"id":"up-1"}`},
	})

	out, err := execute(t, url, "enqueue", "/tmp/report.pdf", "--parent", "10", "--conflict", "rename")
	require.NoError(t, err)
	assert.Equal(t, "up-1\n", out)

	req := fake.last(t)
	assert.Equal(t, "Bearer "+testKey, req.Auth)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, "/tmp/report.pdf", body["local_path"])
	assert.Equal(t, float64(10), body["parent_id"])
	assert.Equal(t, "rename", body["conflict_option"])
	assert.NotContains(t, body, "max_retry_count")
}

func TestEnqueueCmd_ExplicitZeroMaxRetry(t *testing.T) {
	fake, url := newFake(t, map[string]cannedResponse{
		"POST /uploads": {status: http.StatusAccepted, body: `{"id":"up-1"}`},
	})

	_, err := execute(t, url, "enqueue", "/tmp/report.pdf", "--max-retry", "0")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.last(t).Body), &body))
	assert.Equal(t, float64(0), body["max_retry_count"])
}

func TestEnqueueCmd_ServerError(t *testing.T) {
	_, url := newFake(t, map[string]cannedResponse{
		"POST /uploads": {status: http.StatusBadRequest, body: `{"error":{"code":"validation_error","message":"unknown conflict_option \"merge\""}}`},
	})

	_, err := execute(t, url, "enqueue", "/tmp/a", "--conflict", "merge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown conflict_option "merge"`)
}

func TestCmd_RequiresKey(t *testing.T) {
	_, url := newFake(t, nil)

	t.Setenv("DRIVE_SYNC_ADDR", url)
	t.Setenv("DRIVE_SYNC_API_KEY", "")

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"list"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

// --- list ---

func TestListCmd(t *testing.T) {
	fake, url := newFake(t, map[string]cannedResponse{
		"GET /uploads": {status: http.StatusOK, body: `[
			{"id":"a","name":"a.jpg","parent_directory_id":10,"progress":0.5,"max_retry_count":3},
			{"id":"b","name":"b.jpg","parent_directory_id":10,"max_retry_count":0,"error":{"code":"server_error","message":"502"}}
		]`},
	})

	out, err := execute(t, url, "list", "--parent", "10", "--failed")
	require.NoError(t, err)

	assert.Equal(t, "failed=true&parent_id=10", fake.last(t).Query)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PROGRESS")
	assert.Contains(t, lines[1], "50%")
	assert.Contains(t, lines[2], "server_error: 502")
}

// --- retry / cancel / refresh ---

func TestRetryCmd_One(t *testing.T) {
	fake, url := newFake(t, nil)

	_, err := execute(t, url, "retry", "abc")
	require.NoError(t, err)

	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/uploads/abc/retry", req.Path)
}

func TestRetryCmd_All(t *testing.T) {
	fake, url := newFake(t, map[string]cannedResponse{
		"POST /uploads/retry": {status: http.StatusOK, body: `{"retried":2}`},
	})

	out, err := execute(t, url, "retry", "--parent", "10")
	require.NoError(t, err)
	assert.Equal(t, "retried 2\n", out)
	assert.JSONEq(t, `{"parent_id":10}`, fake.last(t).Body)
}

func TestRetryCmd_NeedsTarget(t *testing.T) {
	_, url := newFake(t, nil)

	_, err := execute(t, url, "retry")
	require.Error(t, err)
}

func TestCancelCmd(t *testing.T) {
	fake, url := newFake(t, map[string]cannedResponse{
		"POST /uploads/cancel": {status: http.StatusOK, body: `{"cancelled":["a","b"]}`},
	})

	_, err := execute(t, url, "cancel", "abc")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, fake.last(t).Method)
	assert.Equal(t, "/uploads/abc", fake.last(t).Path)

	out, err := execute(t, url, "cancel", "--parent", "10", "--except", "keep")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)
	assert.JSONEq(t, `{"parent_id":10,"except":["keep"]}`, fake.last(t).Body)
}

func TestRefreshCmd(t *testing.T) {
	fake, url := newFake(t, nil)

	_, err := execute(t, url, "refresh", "--parent", "55")
	require.NoError(t, err)
	assert.Equal(t, "/refresh", fake.last(t).Path)
	assert.JSONEq(t, `{"parent_id":55}`, fake.last(t).Body)
}

// --- keygen ---

func TestKeygenCmd(t *testing.T) {
	out, err := execute(t, "http://unused", "keygen")
	require.NoError(t, err)

	key := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(key, auth.APIKeyPrefix))
	assert.GreaterOrEqual(t, len(key), auth.APIKeyMinLen)
}
