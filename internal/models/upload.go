package models

import (
	"time"
)

// DefaultMaxRetryCount is the retry budget given to new uploads and
// backfilled onto records written before the field existed.
const DefaultMaxRetryCount = 3

// ConflictOption is the policy the server applies when the target name
// already exists in the parent directory.
type ConflictOption string

const (
	ConflictError   ConflictOption = "error"
	ConflictRename  ConflictOption = "rename"
	ConflictVersion ConflictOption = "version"
)

// UploadSource records which pipeline created an upload.
type UploadSource string

const (
	SourceManual   UploadSource = "manual"
	SourceAutoSync UploadSource = "autosync"
)

// UploadError is the last failure recorded on an upload. Code is stable
// and meant for display logic; Message is free text.
type UploadError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *UploadError) Error() string {
	if e.Message == "" {
		return e.Code
	}

	return e.Code + ": " + e.Message
}

// UploadFile is one durable upload task.
type UploadFile struct {
	ID                string              `json:"id"`
	ParentDirectoryID int64               `json:"parent_directory_id"`
	DriveID           int                 `json:"drive_id"`
	UserID            int                 `json:"user_id"`
	LocalPath         string              `json:"local_path,omitempty"`
	AssetID           string              `json:"asset_id,omitempty"`
	Name              string              `json:"name"`
	ConflictOption    ConflictOption      `json:"conflict_option"`
	Priority          int                 `json:"priority"`
	MaxRetryCount     int                 `json:"max_retry_count"`
	Error             *UploadError        `json:"error,omitempty"`
	UploadDate        *time.Time          `json:"upload_date,omitempty"`
	Progress          float64             `json:"progress"`
	Session           *UploadSessionState `json:"session,omitempty"`

	// InitiatedFromFileManager marks tasks started from an external file
	// manager. They are never auto-resumed on cold start.
	InitiatedFromFileManager bool         `json:"initiated_from_file_manager"`
	Source                   UploadSource `json:"source"`
	CreatedAt                time.Time    `json:"created_at"`
}

// Failed reports whether the task has exhausted its retry budget and
// waits for an explicit retry.
func (f *UploadFile) Failed() bool {
	return f.UploadDate == nil && f.MaxRetryCount <= 0
}

// Resumable reports whether a cold start should reschedule the task.
func (f *UploadFile) Resumable() bool {
	return f.UploadDate == nil && f.MaxRetryCount > 0 && !f.InitiatedFromFileManager
}

// ChunkStatus is the lifecycle of one chunk inside a session.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkUploaded  ChunkStatus = "uploaded"
)

// ByteRange is a half-open byte interval [Start, End).
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// ChunkTask tracks one chunk of a session.
type ChunkTask struct {
	Number     int         `json:"number"`
	Range      ByteRange   `json:"range"`
	Hash       string      `json:"hash,omitempty"`
	Status     ChunkStatus `json:"status"`
	TaskID     string      `json:"task_id,omitempty"`
	StagedPath string      `json:"staged_path,omitempty"`
}

// UploadSessionState is the chunked transfer state embedded in an
// UploadFile.
type UploadSessionState struct {
	Token       string      `json:"token"`
	ExpiresAt   time.Time   `json:"expires_at"`
	TotalChunks int         `json:"total_chunks"`
	TotalSize   int64       `json:"total_size"`
	Chunks      []ChunkTask `json:"chunks"`
}

// UploadedCount returns how many chunks the server has acknowledged.
func (s *UploadSessionState) UploadedCount() int {
	n := 0

	for i := range s.Chunks {
		if s.Chunks[i].Status == ChunkUploaded {
			n++
		}
	}

	return n
}

// Clone returns a deep copy of f.
func (f *UploadFile) Clone() *UploadFile {
	if f == nil {
		return nil
	}

	c := *f

	if f.Error != nil {
		e := *f.Error
		c.Error = &e
	}

	if f.UploadDate != nil {
		d := *f.UploadDate
		c.UploadDate = &d
	}

	if f.Session != nil {
		s := *f.Session
		s.Chunks = append([]ChunkTask(nil), f.Session.Chunks...)
		c.Session = &s
	}

	return &c
}
