package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uid = 42
	did = 7
)

// fakeUploads records queue calls.
type fakeUploads struct {
	mu        sync.Mutex
	enqueued  []*models.UploadFile
	retried   []string
	cancelled []string
	except    []string
	triggered [][2]int64
}

func (f *fakeUploads) Enqueue(_ context.Context, file *models.UploadFile, _ ...upload.EnqueueOption) (*upload.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enqueued = append(f.enqueued, file)

	return &upload.Handle{ID: "up-1"}, nil
}

func (f *fakeUploads) Retry(_ context.Context, id string) (*upload.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id == "missing" {
		return nil, fmt.Errorf("retrying upload %s: %w", id, state.ErrNotFound)
	}

	f.retried = append(f.retried, id)

	return &upload.Handle{ID: id}, nil
}

func (f *fakeUploads) RetryAll(_ context.Context, parentID int64, _, _ int) (int, error) {
	return int(parentID), nil
}

func (f *fakeUploads) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, id)

	return nil
}

func (f *fakeUploads) CancelAll(_ context.Context, _ int64, userID, driveID int, except ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.except = except

	return []string{fmt.Sprintf("%d-%d", userID, driveID)}, nil
}

func (f *fakeUploads) Pending(parentID int64, _, _ int) int {
	return int(parentID) + 1
}

func (f *fakeUploads) Subscribe() (<-chan upload.Event, func()) {
	ch := make(chan upload.Event)
	return ch, func() { close(ch) }
}

func (f *fakeUploads) Trigger(driveID int, dirID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.triggered = append(f.triggered, [2]int64{int64(driveID), dirID})
}

// testSetup registers tools on an MCP server over a temp state database
// and returns a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeUploads, *state.State) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := &fakeUploads{}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "drive-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, Deps{
		Uploads:   fake,
		Records:   st,
		Refresher: fake,
		UserID:    uid,
		DriveID:   did,
	})

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, fake, st
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools(t *testing.T) {
	session, _, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{
		"upload_enqueue", "upload_list", "upload_get", "upload_retry", "upload_retry_all",
		"upload_cancel", "upload_cancel_all", "upload_pending", "directory_refresh",
	}, names)
}

// --- upload_enqueue ---

func TestEnqueue_LocalFile(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "upload_enqueue", map[string]interface{}{
		"parent_id":  10,
		"local_path": "/home/alex/report.pdf",
	})
	assert.False(t, result.IsError)

	var out IDResult
	extractJSON(t, result, &out)
	assert.Equal(t, "up-1", out.ID)

	require.Len(t, fake.enqueued, 1)

	f := fake.enqueued[0]
	assert.Equal(t, "report.pdf", f.Name)
	assert.Equal(t, int64(10), f.ParentDirectoryID)
	assert.Equal(t, uid, f.UserID)
	assert.Equal(t, did, f.DriveID)
}

func TestEnqueue_RejectsBothSources(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "upload_enqueue", map[string]interface{}{
		"parent_id":  10,
		"local_path": "/a",
		"asset_id":   "b",
	})
	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not as protocol errors.
	assert.True(t, result.IsError)
	assert.Empty(t, fake.enqueued)
}

func TestEnqueue_RejectsUnknownConflict(t *testing.T) {
	session, _, _ := testSetup(t)

	result := callTool(t, session, "upload_enqueue", map[string]interface{}{
		"parent_id":       10,
		"asset_id":        "b.jpg",
		"conflict_option": "merge",
	})
	assert.True(t, result.IsError)
}

// --- upload_list / upload_get ---

func TestList_SummarisesRecords(t *testing.T) {
	session, _, st := testSetup(t)

	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.PutUpload(&models.UploadFile{
		ID: "a", Name: "a.jpg", ParentDirectoryID: 10, UserID: uid, DriveID: did,
		MaxRetryCount: 3, Progress: 0.5, Source: models.SourceAutoSync, CreatedAt: created,
	}))
	require.NoError(t, st.PutUpload(&models.UploadFile{
		ID: "b", Name: "b.jpg", ParentDirectoryID: 10, UserID: uid, DriveID: did,
		Error: &models.UploadError{Code: "server_error", Message: "502"},
	}))
	require.NoError(t, st.PutUpload(&models.UploadFile{
		ID: "c", Name: "c.jpg", ParentDirectoryID: 10, UserID: uid, DriveID: 99, MaxRetryCount: 3,
	}))

	result := callTool(t, session, "upload_list", map[string]interface{}{"parent_id": 10})
	assert.False(t, result.IsError)

	var out ListResult
	extractJSON(t, result, &out)
	require.Equal(t, 2, out.Total)

	byID := map[string]Upload{}
	for _, u := range out.Uploads {
		byID[u.ID] = u
	}

	assert.Equal(t, 0.5, byID["a"].Progress)
	assert.Equal(t, "autosync", byID["a"].Source)
	assert.Equal(t, "2026-05-01T10:00:00Z", byID["a"].CreatedAt)
	assert.False(t, byID["a"].Failed)
	assert.True(t, byID["b"].Failed)
	assert.Equal(t, "server_error: 502", byID["b"].Error)

	result = callTool(t, session, "upload_list", map[string]interface{}{"failed_only": true})
	extractJSON(t, result, &out)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "b", out.Uploads[0].ID)
}

func TestGet(t *testing.T) {
	session, _, st := testSetup(t)
	require.NoError(t, st.PutUpload(&models.UploadFile{ID: "a", Name: "a.jpg", ParentDirectoryID: 10}))

	result := callTool(t, session, "upload_get", map[string]interface{}{"id": "a"})
	assert.False(t, result.IsError)

	var out Upload
	extractJSON(t, result, &out)
	assert.Equal(t, "a.jpg", out.Name)

	result = callTool(t, session, "upload_get", map[string]interface{}{"id": "nope"})
	assert.True(t, result.IsError)
}

// --- retry / cancel ---

func TestRetry(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "upload_retry", map[string]interface{}{"id": "a"})
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"a"}, fake.retried)

	result = callTool(t, session, "upload_retry", map[string]interface{}{"id": "missing"})
	assert.True(t, result.IsError)
}

func TestRetryAll(t *testing.T) {
	session, _, _ := testSetup(t)

	result := callTool(t, session, "upload_retry_all", map[string]interface{}{"parent_id": 4})
	assert.False(t, result.IsError)

	var out CountResult
	extractJSON(t, result, &out)
	assert.Equal(t, 4, out.Count)

	result = callTool(t, session, "upload_retry_all", map[string]interface{}{"parent_id": 0})
	assert.True(t, result.IsError)
}

func TestCancel(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "upload_cancel", map[string]interface{}{"id": "a"})
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"a"}, fake.cancelled)
}

func TestCancelAll(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "upload_cancel_all", map[string]interface{}{
		"parent_id": 10,
		"except":    []string{"keep"},
	})
	assert.False(t, result.IsError)

	var out CancelAllResult
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"42-7"}, out.Cancelled)
	assert.Equal(t, []string{"keep"}, fake.except)
}

// --- pending / refresh ---

func TestPending(t *testing.T) {
	session, _, _ := testSetup(t)

	result := callTool(t, session, "upload_pending", map[string]interface{}{"parent_id": 9})

	var out CountResult
	extractJSON(t, result, &out)
	assert.Equal(t, 10, out.Count)
}

func TestRefresh(t *testing.T) {
	session, fake, _ := testSetup(t)

	result := callTool(t, session, "directory_refresh", map[string]interface{}{"parent_id": 55})
	assert.False(t, result.IsError)

	var out RefreshResult
	extractJSON(t, result, &out)
	assert.Equal(t, RefreshResult{DriveID: did, ParentID: 55}, out)
	assert.Equal(t, [][2]int64{{did, 55}}, fake.triggered)
}
