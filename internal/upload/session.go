package upload

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

// SessionValidity is how long the server keeps an upload session open.
const SessionValidity = 6 * time.Hour

// Negotiator opens, feeds and closes upload sessions.
type Negotiator struct {
	api RemoteAPI
	now func() time.Time
}

// NewNegotiator creates a negotiator over api.
func NewNegotiator(api RemoteAPI) *Negotiator {
	return &Negotiator{api: api, now: time.Now}
}

// Start opens a session for f covering ranges and returns fresh session
// state with every chunk pending.
func (n *Negotiator) Start(ctx context.Context, f *models.UploadFile, ranges []models.ByteRange, lastModified time.Time) (*models.UploadSessionState, error) {
	var total int64
	for _, r := range ranges {
		total += r.Len()
	}

	req := drive.StartSessionRequest{
		Conflict:    f.ConflictOption,
		DirectoryID: f.ParentDirectoryID,
		FileName:    f.Name,
		TotalChunks: len(ranges),
		TotalSize:   total,
	}

	if !lastModified.IsZero() {
		req.LastModifiedAt = lastModified.Unix()
	}

	s, err := n.api.StartSession(ctx, f.DriveID, req)
	if err != nil {
		return nil, err
	}

	state := &models.UploadSessionState{
		Token:       s.Token,
		ExpiresAt:   n.now().Add(SessionValidity),
		TotalChunks: len(ranges),
		TotalSize:   total,
		Chunks:      make([]models.ChunkTask, len(ranges)),
	}

	for i, r := range ranges {
		state.Chunks[i] = models.ChunkTask{Number: i + 1, Range: r, Status: models.ChunkPending}
	}

	return state, nil
}

// AppendChunk sends one chunk body.
func (n *Negotiator) AppendChunk(ctx context.Context, driveID int, token string, task models.ChunkTask, body io.Reader) (*drive.UploadedChunk, error) {
	return n.api.AppendChunk(ctx, driveID, token, drive.ChunkUpload{
		Number: task.Number,
		Size:   task.Range.Len(),
		Hash:   task.Hash,
		Body:   body,
	})
}

// Finish closes the session and returns the uploaded file.
func (n *Negotiator) Finish(ctx context.Context, driveID int, token string) (*models.FileRecord, error) {
	return n.api.FinishSession(ctx, driveID, token)
}

// Cancel discards the session server-side.
func (n *Negotiator) Cancel(ctx context.Context, driveID int, token string) error {
	return n.api.CancelSession(ctx, driveID, token)
}

// Valid reports whether s can still be used at now. A nil session (no
// session), a session without a token (invalid) and an expired session
// are all unusable.
func Valid(s *models.UploadSessionState, now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// Resumable reports whether s is valid and was opened for exactly the
// given ranges, meaning the source file has not changed size since.
func (n *Negotiator) Resumable(s *models.UploadSessionState, ranges []models.ByteRange) bool {
	if !Valid(s, n.now()) || s.TotalChunks != len(ranges) || len(s.Chunks) != len(ranges) {
		return false
	}

	return slices.EqualFunc(s.Chunks, ranges, func(c models.ChunkTask, r models.ByteRange) bool {
		return c.Range == r
	})
}
