package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strconv"

	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

const (
	codeValidation = "validation_error"
	codeNotFound   = "not_found"
	codeInternal   = "internal_error"
)

type handlers struct {
	cfg MuxConfig
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (h *handlers) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.cfg.Logger.Error("control request failed",
		slog.String("path", r.URL.Path),
		slog.String("user", auth.RequestUserID(r.Context())),
		slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return false
	}

	return true
}

// scope is the user, drive and parent a batch request applies to.
type scope struct {
	ParentID int64 `json:"parent_id"`
	UserID   int   `json:"user_id,omitempty"`
	DriveID  int   `json:"drive_id,omitempty"`
}

func (h *handlers) fill(s *scope) {
	if s.UserID == 0 {
		s.UserID = h.cfg.UserID
	}

	if s.DriveID == 0 {
		s.DriveID = h.cfg.DriveID
	}
}

// queryScope reads parent_id, user_id and drive_id from the query string.
// A missing parent_id is left at zero.
func (h *handlers) queryScope(r *http.Request) (scope, error) {
	var s scope

	q := r.URL.Query()

	parent, err := queryInt(q.Get("parent_id"), "parent_id")
	if err != nil {
		return s, err
	}

	user, err := queryInt(q.Get("user_id"), "user_id")
	if err != nil {
		return s, err
	}

	drive, err := queryInt(q.Get("drive_id"), "drive_id")
	if err != nil {
		return s, err
	}

	s = scope{ParentID: parent, UserID: int(user), DriveID: int(drive)}
	h.fill(&s)

	return s, nil
}

func queryInt(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}

	return n, nil
}

// EnqueueRequest is the body of POST /uploads.
type EnqueueRequest struct {
	ID             string                `json:"id,omitempty"`
	ParentID       int64                 `json:"parent_id"`
	UserID         int                   `json:"user_id,omitempty"`
	DriveID        int                   `json:"drive_id,omitempty"`
	LocalPath      string                `json:"local_path,omitempty"`
	AssetID        string                `json:"asset_id,omitempty"`
	Name           string                `json:"name,omitempty"`
	ConflictOption models.ConflictOption `json:"conflict_option,omitempty"`
	Priority       int                   `json:"priority,omitempty"`

	// MaxRetryCount overrides the queue's default retry budget when set.
	// Zero disables automatic retries.
	MaxRetryCount *int `json:"max_retry_count,omitempty"`
}

// EnqueueOptions returns the queue options req asks for.
func (req EnqueueRequest) EnqueueOptions() []upload.EnqueueOption {
	if req.MaxRetryCount == nil {
		return nil
	}

	return []upload.EnqueueOption{upload.WithMaxRetry(*req.MaxRetryCount)}
}

// UploadFile validates req and builds the upload record it describes.
func (req EnqueueRequest) UploadFile() (*models.UploadFile, error) {
	if req.ParentID <= 0 {
		return nil, errors.New("parent_id is required")
	}

	if (req.LocalPath == "") == (req.AssetID == "") {
		return nil, errors.New("exactly one of local_path or asset_id is required")
	}

	if req.MaxRetryCount != nil && *req.MaxRetryCount < 0 {
		return nil, errors.New("max_retry_count must not be negative")
	}

	switch req.ConflictOption {
	case "", models.ConflictError, models.ConflictRename, models.ConflictVersion:
	default:
		return nil, fmt.Errorf("unknown conflict_option %q", req.ConflictOption)
	}

	name := req.Name
	if name == "" {
		if req.LocalPath != "" {
			name = filepath.Base(req.LocalPath)
		} else {
			name = path.Base(req.AssetID)
		}
	}

	return &models.UploadFile{
		ID:                req.ID,
		ParentDirectoryID: req.ParentID,
		UserID:            req.UserID,
		DriveID:           req.DriveID,
		LocalPath:         req.LocalPath,
		AssetID:           req.AssetID,
		Name:              name,
		ConflictOption:    req.ConflictOption,
		Priority:          req.Priority,
	}, nil
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}

	if req.UserID == 0 {
		req.UserID = h.cfg.UserID
	}

	if req.DriveID == 0 {
		req.DriveID = h.cfg.DriveID
	}

	f, err := req.UploadFile()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	handle, err := h.cfg.Uploads.Enqueue(r.Context(), f, req.EnqueueOptions()...)
	if err != nil {
		h.internal(w, r, err)
		return
	}

	h.cfg.Logger.Info("upload enqueued",
		slog.String("upload_id", handle.ID),
		slog.String("user", auth.RequestUserID(r.Context())))

	writeJSON(w, http.StatusAccepted, map[string]string{"id": handle.ID})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	s, err := h.queryScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	recs, err := h.cfg.Records.ListUploads(state.UploadFilter{
		ParentDirectoryID: s.ParentID,
		UserID:            s.UserID,
		DriveID:           s.DriveID,
		FailedOnly:        r.URL.Query().Get("failed") == "true",
	})
	if err != nil {
		h.internal(w, r, err)
		return
	}

	if recs == nil {
		recs = []*models.UploadFile{}
	}

	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.cfg.Records.GetUpload(id)
	if err != nil {
		h.internal(w, r, err)
		return
	}

	if rec == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "upload "+id+" not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	s, err := h.queryScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"pending": h.cfg.Uploads.Pending(s.ParentID, s.UserID, s.DriveID)})
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.cfg.Uploads.Retry(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "upload "+id+" not found")
			return
		}

		h.internal(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.cfg.Uploads.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "upload "+id+" not found")
			return
		}

		h.internal(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) retryAll(w http.ResponseWriter, r *http.Request) {
	var s scope
	if !decode(w, r, &s) {
		return
	}

	if s.ParentID <= 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "parent_id is required")
		return
	}

	h.fill(&s)

	n, err := h.cfg.Uploads.RetryAll(r.Context(), s.ParentID, s.UserID, s.DriveID)
	if err != nil {
		h.internal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// CancelAllRequest is the body of POST /uploads/cancel.
type CancelAllRequest struct {
	scope

	Except []string `json:"except,omitempty"`
}

func (h *handlers) cancelAll(w http.ResponseWriter, r *http.Request) {
	var req CancelAllRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ParentID <= 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "parent_id is required")
		return
	}

	h.fill(&req.scope)

	ids, err := h.cfg.Uploads.CancelAll(r.Context(), req.ParentID, req.UserID, req.DriveID, req.Except...)
	if err != nil {
		h.internal(w, r, err)
		return
	}

	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, map[string][]string{"cancelled": ids})
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var s scope
	if !decode(w, r, &s) {
		return
	}

	h.fill(&s)

	if h.cfg.Refresher == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "activity refresh is not running")
		return
	}

	h.cfg.Refresher.Trigger(s.DriveID, s.ParentID)

	w.WriteHeader(http.StatusAccepted)
}

var _ Uploads = (*upload.Queue)(nil)
