// Package drive is the HTTP client for the remote drive API.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is an error envelope returned by the server.
type APIError struct {
	Endpoint    string
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code
	}

	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, msg)
}

// Is maps server error codes onto the sentinel taxonomy so callers can
// classify with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case syncerr.ErrQuotaExceeded:
		return e.Code == "quota_exceeded_error" || e.Code == "not_enough_space"
	case syncerr.ErrObjectNotFound:
		return e.Code == "object_not_found" || e.Code == "destination_not_found" ||
			(e.Code == "" && e.Status == http.StatusNotFound)
	case syncerr.ErrUploadSessionInvalid:
		return strings.HasPrefix(e.Code, "upload_token_") ||
			e.Code == "upload_not_terminated" || e.Code == "upload_session_expired"
	case syncerr.ErrInvalidToken:
		return e.Status == http.StatusUnauthorized || e.Code == "not_authorized"
	case syncerr.ErrAPIRequest:
		return true
	}

	return false
}

const (
	// httpClientTimeout is the timeout for the default HTTP client. Chunk
	// bodies are bounded by the chunk size so one timeout fits all calls.
	httpClientTimeout = 2 * time.Minute

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// maxRedirects is the maximum number of HTTP redirects to follow.
	maxRedirects = 10
)

// Client talks to the drive REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If httpClient is nil, a client with
// a two-minute timeout and same-host redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and returns the raw "data" member of a successful
// envelope together with the whole body (some endpoints put pagination
// fields next to data).
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (gjson.Result, []byte, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return gjson.Result{}, nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, nil, classifyTransport(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return gjson.Result{}, nil, classifyTransport(endpoint, err)
	}

	if !gjson.ValidBytes(respBody) {
		err := fmt.Errorf("API %s returned status %d: %s: %w", endpoint, resp.StatusCode, sanitizeResponseBody(respBody), syncerr.ErrAPIResponse)
		if isTransientStatus(resp.StatusCode) {
			return gjson.Result{}, nil, &TransientError{Err: err}
		}

		return gjson.Result{}, nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest || gjson.GetBytes(respBody, "result").Str == "error" {
		apiErr := &APIError{
			Endpoint:    endpoint,
			Status:      resp.StatusCode,
			Code:        gjson.GetBytes(respBody, "error.code").Str,
			Description: gjson.GetBytes(respBody, "error.description").Str,
		}

		if isTransientStatus(resp.StatusCode) {
			return gjson.Result{}, nil, &TransientError{Err: apiErr}
		}

		return gjson.Result{}, nil, apiErr
	}

	return gjson.GetBytes(respBody, "data"), respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, payload, result any) ([]byte, error) {
	var body io.Reader

	contentType := ""

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	data, raw, err := c.do(ctx, method, endpoint, query, body, contentType)
	if err != nil {
		return nil, err
	}

	if result != nil {
		if !data.Exists() {
			return nil, fmt.Errorf("API %s: missing data: %w", endpoint, syncerr.ErrAPIResponse)
		}

		if err := json.Unmarshal([]byte(data.Raw), result); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %v: %w", endpoint, err, syncerr.ErrAPIResponse)
		}
	}

	return raw, nil
}

// classifyTransport maps a failed round trip onto the silent-retry
// sentinels. A cancelled context means the task was rescheduled or the
// operation stopped. Only socket-level failures and timeouts count as a
// lost connection; a blocked redirect, TLS failure or malformed URL is a
// request error that surfaces to the caller.
func classifyTransport(endpoint string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("sending request to %s: %v: %w", endpoint, err, syncerr.ErrNetworkCancelled)
	}

	if isConnectionLost(err) {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %v: %w", endpoint, err, syncerr.ErrConnectionLost)}
	}

	return fmt.Errorf("sending request to %s: %v: %w", endpoint, err, syncerr.ErrAPIRequest)
}

func isConnectionLost(err error) bool {
	// Every client.Do failure is a *url.Error, which is itself a net.Error.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}

		err = urlErr.Err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
