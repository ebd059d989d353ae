package drive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, "tok", srv.Client())
}

// --- Error classification ---

func TestAPIError_MapsCodesToSentinels(t *testing.T) {
	cases := []struct {
		code   string
		status int
		target error
	}{
		{"quota_exceeded_error", 400, syncerr.ErrQuotaExceeded},
		{"not_enough_space", 400, syncerr.ErrQuotaExceeded},
		{"object_not_found", 404, syncerr.ErrObjectNotFound},
		{"destination_not_found", 400, syncerr.ErrObjectNotFound},
		{"", 404, syncerr.ErrObjectNotFound},
		{"upload_token_is_not_valid", 400, syncerr.ErrUploadSessionInvalid},
		{"upload_token_canceled", 400, syncerr.ErrUploadSessionInvalid},
		{"upload_not_terminated", 400, syncerr.ErrUploadSessionInvalid},
		{"not_authorized", 403, syncerr.ErrInvalidToken},
		{"anything", 401, syncerr.ErrInvalidToken},
	}

	for _, tc := range cases {
		err := &APIError{Code: tc.code, Status: tc.status}
		assert.ErrorIs(t, err, tc.target, "code %q status %d", tc.code, tc.status)
		assert.ErrorIs(t, err, syncerr.ErrAPIRequest)
	}

	assert.NotErrorIs(t, &APIError{Code: "object_not_found", Status: 404}, syncerr.ErrQuotaExceeded)
}

func TestDo_ErrorEnvelope(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"result":"error","error":{"code":"object_not_found","description":"gone"}}`)
	})

	_, err := c.GetFile(context.Background(), 7, 42)
	require.ErrorIs(t, err, syncerr.ErrObjectNotFound)
	assert.False(t, IsTransient(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "gone", apiErr.Description)
	assert.Contains(t, err.Error(), "gone")
}

func TestDo_ErrorResultOnOKStatus(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"error","error":{"code":"upload_token_is_not_valid"}}`)
	})

	err := c.CancelSession(context.Background(), 7, "abc")
	require.ErrorIs(t, err, syncerr.ErrUploadSessionInvalid)
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `<html>down</html>`)
	})

	_, err := c.GetFile(context.Background(), 7, 42)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, syncerr.ErrAPIResponse)
}

func TestDo_CancelledContext(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"success","data":{}}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetFile(ctx, 7, 42)
	require.ErrorIs(t, err, syncerr.ErrNetworkCancelled)
}

func TestDo_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "tok", nil)
	_, err := c.GetFile(context.Background(), 7, 42)
	require.ErrorIs(t, err, syncerr.ErrConnectionLost)
	assert.True(t, IsTransient(err))
}

func TestDo_CrossHostRedirectIsRequestError(t *testing.T) {
	var reached bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		_, _ = io.WriteString(w, `{"result":"success","data":{}}`)
	}))
	t.Cleanup(target.Close)

	elsewhere := strings.Replace(target.URL, "127.0.0.1", "localhost", 1)
	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, elsewhere+r.URL.Path, http.StatusFound)
	}))
	t.Cleanup(redirector.Close)

	c := NewClient(redirector.URL, "tok", nil)
	_, err := c.GetFile(context.Background(), 7, 42)
	require.ErrorIs(t, err, syncerr.ErrAPIRequest)
	assert.NotErrorIs(t, err, syncerr.ErrConnectionLost)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "redirect to different host blocked")
	assert.False(t, reached)
}

func TestDo_UnsupportedSchemeIsRequestError(t *testing.T) {
	c := NewClient("ftp://drive.invalid", "tok", nil)
	_, err := c.GetFile(context.Background(), 7, 42)
	require.ErrorIs(t, err, syncerr.ErrAPIRequest)
	assert.NotErrorIs(t, err, syncerr.ErrConnectionLost)
	assert.False(t, IsTransient(err))
}

func TestDo_TimeoutIsConnectionLost(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewClient(srv.URL, "tok", &http.Client{Timeout: 50 * time.Millisecond})
	_, err := c.GetFile(context.Background(), 7, 42)
	require.ErrorIs(t, err, syncerr.ErrConnectionLost)
	assert.True(t, IsTransient(err))
}

func TestDo_SendsBearerToken(t *testing.T) {
	var auth string
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"result":"success","data":{"id":42,"name":"a","type":"file"}}`)
	})

	_, err := c.GetFile(context.Background(), 7, 42)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}

// --- Upload session ---

func TestStartSession(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2/drive/7/upload/session/start", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"file_name":"a.bin"`)
		assert.Contains(t, string(body), `"total_chunks":3`)

		_, _ = io.WriteString(w, `{"result":"success","data":{"token":"s1","upload_url":"https://up"}}`)
	})

	s, err := c.StartSession(context.Background(), 7, StartSessionRequest{
		Conflict:    models.ConflictVersion,
		DirectoryID: 5,
		FileName:    "a.bin",
		TotalChunks: 3,
		TotalSize:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.Token)
}

func TestStartSession_EmptyToken(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"success","data":{}}`)
	})

	_, err := c.StartSession(context.Background(), 7, StartSessionRequest{})
	require.ErrorIs(t, err, syncerr.ErrAPIResponse)
}

func TestAppendChunk(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/drive/7/upload/session/s1/chunk", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("chunk_number"))
		assert.Equal(t, "5", r.URL.Query().Get("chunk_size"))
		assert.Equal(t, "sha256:x", r.URL.Query().Get("chunk_hash"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello", string(body))

		_, _ = io.WriteString(w, `{"result":"success","data":{"number":2,"status":"ok","size":5,"hash":"sha256:x"}}`)
	})

	got, err := c.AppendChunk(context.Background(), 7, "s1", ChunkUpload{
		Number: 2, Size: 5, Hash: "sha256:x", Body: strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Number)
	assert.Equal(t, int64(5), got.Size)
}

func TestFinishSession(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/drive/7/upload/session/s1/finish", r.URL.Path)
		_, _ = io.WriteString(w, `{"result":"success","data":{"token":"s1","file":{"id":99,"name":"a.bin","type":"file","size":10,"parent_id":5,"last_modified_at":1700000000}}}`)
	})

	f, err := c.FinishSession(context.Background(), 7, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), f.ID)
	assert.Equal(t, int64(5), f.ParentID)
	assert.Equal(t, 7, f.DriveID)
	assert.False(t, f.IsDirectory)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), f.LastModifiedAt)
}

func TestCancelSession(t *testing.T) {
	var method string
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_, _ = io.WriteString(w, `{"result":"success","data":true}`)
	})

	require.NoError(t, c.CancelSession(context.Background(), 7, "s1"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestDirectUpload(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3/drive/7/upload", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("directory_id"))
		assert.Equal(t, "rename", r.URL.Query().Get("conflict"))
		_, _ = io.WriteString(w, `{"result":"success","data":{"id":3,"name":"n","type":"file","parent_id":5}}`)
	})

	f, err := c.DirectUpload(context.Background(), 7, DirectUploadRequest{
		DirectoryID: 5, FileName: "n", Conflict: models.ConflictRename, Size: 1, Body: strings.NewReader("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.ID)
}

// --- Files ---

func TestListFiles(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3/drive/7/files/1/files", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		_, _ = io.WriteString(w, `{"result":"success","data":[{"id":2,"name":"d","type":"dir","parent_id":1},{"id":3,"name":"f","type":"file","parent_id":1}],"cursor":"c2","has_more":true,"response_at":1700000000}`)
	})

	page, err := c.ListFiles(context.Background(), 7, 1, "c1", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].IsDirectory)
	assert.False(t, page.Items[1].IsDirectory)
	assert.Equal(t, "c2", page.Cursor)
	assert.True(t, page.HasMore)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), page.ResponseAt)
}

func TestFileActivities(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3/drive/7/files/1/activities", r.URL.Path)
		assert.Equal(t, "1600000000", r.URL.Query().Get("from_date"))
		_, _ = io.WriteString(w, `{"result":"success","data":[{"id":10,"action":"file_rename","created_at":1700000001,"file":{"id":3,"name":"g","type":"file","parent_id":1},"user":{"id":4}},{"id":9,"action":"file_delete","created_at":1700000000,"file_id":5}],"has_more":false,"response_at":1700000002}`)
	})

	page, err := c.FileActivities(context.Background(), 7, 1, time.Unix(1600000000, 0), "")
	require.NoError(t, err)
	require.Len(t, page.Activities, 2)

	assert.Equal(t, models.ActionFileRename, page.Activities[0].Action)
	assert.Equal(t, int64(3), page.Activities[0].FileID)
	require.NotNil(t, page.Activities[0].File)
	assert.Equal(t, "g", page.Activities[0].File.Name)
	assert.Equal(t, 4, page.Activities[0].UserID)

	assert.Equal(t, models.ActionFileDelete, page.Activities[1].Action)
	assert.Equal(t, int64(5), page.Activities[1].FileID)
	assert.Nil(t, page.Activities[1].File)
	assert.False(t, page.HasMore)
}
