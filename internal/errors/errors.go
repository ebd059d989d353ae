package errors

import "errors"

// Local errors. These describe conditions on this machine that will not
// resolve by retrying the same upload.
var (
	ErrFileNotFound      = errors.New("file not found")
	ErrInsufficientSpace = errors.New("insufficient local space")
	ErrSplit             = errors.New("file cannot be split into chunks")
	ErrChunk             = errors.New("chunk could not be read")
	ErrLocal             = errors.New("local file error")
)

// Transport errors that are retried silently inside the same attempt.
var (
	ErrNetworkCancelled = errors.New("network task cancelled")
	ErrConnectionLost   = errors.New("network connection lost")
)

// Server errors.
var (
	ErrAPIRequest           = errors.New("API request failed")
	ErrAPIResponse          = errors.New("unexpected API response")
	ErrQuotaExceeded        = errors.New("drive quota exceeded")
	ErrObjectNotFound       = errors.New("remote object not found")
	ErrUploadSessionInvalid = errors.New("upload session invalid or expired")
	ErrInvalidToken         = errors.New("invalid or expired token")
)

// ErrCancelled marks an upload stopped by the user or the host. It does
// not consume retry budget.
var ErrCancelled = errors.New("upload cancelled")
