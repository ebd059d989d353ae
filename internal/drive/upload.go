package drive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

// StartSessionRequest opens a chunked upload session.
type StartSessionRequest struct {
	Conflict       models.ConflictOption `json:"conflict"`
	CreatedAt      int64                 `json:"created_at,omitempty"`
	DirectoryID    int64                 `json:"directory_id"`
	FileName       string                `json:"file_name"`
	LastModifiedAt int64                 `json:"last_modified_at,omitempty"`
	TotalChunks    int                   `json:"total_chunks"`
	TotalSize      int64                 `json:"total_size"`
}

// Session is what the server hands back for a new session.
type Session struct {
	Token     string `json:"token"`
	UploadURL string `json:"upload_url"`
}

// ChunkUpload is one chunk body and the metadata the server verifies it
// against.
type ChunkUpload struct {
	Number int
	Size   int64
	Hash   string
	Body   io.Reader
}

// UploadedChunk acknowledges a stored chunk.
type UploadedChunk struct {
	Number int    `json:"number"`
	Status string `json:"status"`
	Size   int64  `json:"size"`
	Hash   string `json:"hash"`
}

// DirectUploadRequest uploads a small file in a single request.
type DirectUploadRequest struct {
	DirectoryID    int64
	FileName       string
	Conflict       models.ConflictOption
	LastModifiedAt time.Time
	Size           int64
	Body           io.Reader
}

func sessionPath(driveID int, token string) string {
	return "/2/drive/" + strconv.Itoa(driveID) + "/upload/session/" + url.PathEscape(token)
}

// StartSession opens an upload session.
func (c *Client) StartSession(ctx context.Context, driveID int, req StartSessionRequest) (*Session, error) {
	var s Session

	endpoint := "/2/drive/" + strconv.Itoa(driveID) + "/upload/session/start"
	if _, err := c.doJSON(ctx, http.MethodPost, endpoint, nil, req, &s); err != nil {
		return nil, err
	}

	if s.Token == "" {
		return nil, fmt.Errorf("API %s: empty session token: %w", endpoint, syncerr.ErrAPIResponse)
	}

	return &s, nil
}

// AppendChunk sends one chunk to an open session.
func (c *Client) AppendChunk(ctx context.Context, driveID int, token string, chunk ChunkUpload) (*UploadedChunk, error) {
	q := url.Values{}
	q.Set("chunk_number", strconv.Itoa(chunk.Number))
	q.Set("chunk_size", strconv.FormatInt(chunk.Size, 10))
	q.Set("chunk_hash", chunk.Hash)

	endpoint := sessionPath(driveID, token) + "/chunk"

	data, _, err := c.do(ctx, http.MethodPost, endpoint, q, chunk.Body, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	return &UploadedChunk{
		Number: int(data.Get("number").Int()),
		Status: data.Get("status").Str,
		Size:   data.Get("size").Int(),
		Hash:   data.Get("hash").Str,
	}, nil
}

// FinishSession closes a session after every chunk was stored and
// returns the resulting file.
func (c *Client) FinishSession(ctx context.Context, driveID int, token string) (*models.FileRecord, error) {
	var out struct {
		Token string     `json:"token"`
		File  remoteFile `json:"file"`
	}

	if _, err := c.doJSON(ctx, http.MethodPost, sessionPath(driveID, token)+"/finish", nil, struct{}{}, &out); err != nil {
		return nil, err
	}

	rec := out.File.record(driveID)

	return &rec, nil
}

// CancelSession discards a session and the chunks stored under it.
func (c *Client) CancelSession(ctx context.Context, driveID int, token string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, sessionPath(driveID, token), nil, nil, nil)
	return err
}

// DirectUpload uploads a file without a session.
func (c *Client) DirectUpload(ctx context.Context, driveID int, req DirectUploadRequest) (*models.FileRecord, error) {
	q := url.Values{}
	q.Set("directory_id", strconv.FormatInt(req.DirectoryID, 10))
	q.Set("file_name", req.FileName)
	q.Set("total_size", strconv.FormatInt(req.Size, 10))

	if req.Conflict != "" {
		q.Set("conflict", string(req.Conflict))
	}

	if !req.LastModifiedAt.IsZero() {
		q.Set("last_modified_at", strconv.FormatInt(req.LastModifiedAt.Unix(), 10))
	}

	endpoint := "/3/drive/" + strconv.Itoa(driveID) + "/upload"

	var f remoteFile
	if _, err := c.doJSONBody(ctx, endpoint, q, req.Body, &f); err != nil {
		return nil, err
	}

	rec := f.record(driveID)

	return &rec, nil
}

func (c *Client) doJSONBody(ctx context.Context, endpoint string, q url.Values, body io.Reader, result any) ([]byte, error) {
	data, raw, err := c.do(ctx, http.MethodPost, endpoint, q, body, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	if err := decodeData(endpoint, data.Raw, result); err != nil {
		return nil, err
	}

	return raw, nil
}
