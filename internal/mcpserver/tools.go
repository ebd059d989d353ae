// Package mcpserver registers MCP tools that drive the upload queue.
// It adapts the queue and its durable store to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/server"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the services the tools call into.
type Deps struct {
	Uploads   server.Uploads
	Records   server.Records
	Refresher server.Refresher

	// UserID and DriveID scope every tool call.
	UserID  int
	DriveID int
}

// RegisterTools adds all upload tools to the given MCP server.
func RegisterTools(s *mcp.Server, d Deps) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_enqueue",
		Description: "Queue a local file (local_path) or library asset (asset_id) for upload into a drive directory. Returns the upload id. Uploads are resumable and survive restarts.",
	}, enqueueHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_list",
		Description: "List queued uploads, optionally only those under one directory or only failed ones, with progress, remaining retries and last error.",
	}, listHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_get",
		Description: "Show one queued upload by id.",
	}, getHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_retry",
		Description: "Clear the error of an upload, restore its retry budget and schedule it again.",
	}, retryHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_retry_all",
		Description: "Retry every failed upload under a directory.",
	}, retryAllHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_cancel",
		Description: "Cancel an upload and delete its record, whether it is pending, running or failed.",
	}, cancelHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_cancel_all",
		Description: "Cancel every upload under a directory except the listed ids.",
	}, cancelAllHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upload_pending",
		Description: "Count uploads under a directory that have not finished.",
	}, pendingHandler(d))

	mcp.AddTool(s, &mcp.Tool{
		Name:        "directory_refresh",
		Description: "Ask for an immediate refresh of a watched directory from the server's activity log.",
	}, refreshHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EnqueueInput holds parameters for upload_enqueue.
type EnqueueInput struct {
	ParentID       int64  `json:"parent_id" jsonschema:"id of the drive directory to upload into"`
	LocalPath      string `json:"local_path,omitempty" jsonschema:"absolute path of a local file"`
	AssetID        string `json:"asset_id,omitempty" jsonschema:"library-relative path of an auto-sync asset"`
	Name           string `json:"name,omitempty" jsonschema:"name on the drive, defaults to the file's base name"`
	ConflictOption string `json:"conflict_option,omitempty" jsonschema:"error, rename or version; defaults to version"`
	Priority       int    `json:"priority,omitempty" jsonschema:"higher runs first, defaults to 0"`
	MaxRetryCount  *int   `json:"max_retry_count,omitempty" jsonschema:"automatic retry budget, 0 disables retries; defaults to the daemon setting"`
}

// ListInput holds parameters for upload_list.
type ListInput struct {
	ParentID   int64 `json:"parent_id,omitempty" jsonschema:"only uploads into this directory"`
	FailedOnly bool  `json:"failed_only,omitempty" jsonschema:"only uploads whose retry budget is exhausted"`
}

// IDInput identifies one upload.
type IDInput struct {
	ID string `json:"id" jsonschema:"upload id"`
}

// ParentInput names a directory.
type ParentInput struct {
	ParentID int64 `json:"parent_id" jsonschema:"drive directory id"`
}

// CancelAllInput holds parameters for upload_cancel_all.
type CancelAllInput struct {
	ParentID int64    `json:"parent_id" jsonschema:"drive directory id"`
	Except   []string `json:"except,omitempty" jsonschema:"upload ids to keep"`
}

// --- Output types ---

// Upload summarises one upload record.
type Upload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ParentID    int64   `json:"parent_id"`
	Source      string  `json:"source"`
	Progress    float64 `json:"progress"`
	RetriesLeft int     `json:"retries_left"`
	Failed      bool    `json:"failed"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func summarize(f *models.UploadFile) Upload {
	u := Upload{
		ID:          f.ID,
		Name:        f.Name,
		ParentID:    f.ParentDirectoryID,
		Source:      string(f.Source),
		Progress:    f.Progress,
		RetriesLeft: f.MaxRetryCount,
		Failed:      f.Failed(),
		CreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339),
	}

	if f.Error != nil {
		u.Error = f.Error.Error()
	}

	return u
}

// IDResult carries the id an action applied to.
type IDResult struct {
	ID string `json:"id"`
}

// ListResult is the output of upload_list.
type ListResult struct {
	Total   int      `json:"total"`
	Uploads []Upload `json:"uploads"`
}

// CountResult carries a count.
type CountResult struct {
	Count int `json:"count"`
}

// RefreshResult names the directory a refresh was requested for.
type RefreshResult struct {
	DriveID  int   `json:"drive_id"`
	ParentID int64 `json:"parent_id"`
}

// CancelAllResult is the output of upload_cancel_all.
type CancelAllResult struct {
	Cancelled []string `json:"cancelled"`
}

// --- Handlers ---

func enqueueHandler(d Deps) mcp.ToolHandlerFor[EnqueueInput, *IDResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EnqueueInput) (*mcp.CallToolResult, *IDResult, error) {
		req := server.EnqueueRequest{
			ParentID:       input.ParentID,
			UserID:         d.UserID,
			DriveID:        d.DriveID,
			LocalPath:      input.LocalPath,
			AssetID:        input.AssetID,
			Name:           input.Name,
			ConflictOption: models.ConflictOption(input.ConflictOption),
			Priority:       input.Priority,
			MaxRetryCount:  input.MaxRetryCount,
		}

		f, err := req.UploadFile()
		if err != nil {
			return nil, nil, err
		}

		h, err := d.Uploads.Enqueue(ctx, f, req.EnqueueOptions()...)
		if err != nil {
			return nil, nil, err
		}

		result := &IDResult{ID: h.ID}

		return textResult(result), result, nil
	}
}

func listHandler(d Deps) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		recs, err := d.Records.ListUploads(state.UploadFilter{
			ParentDirectoryID: input.ParentID,
			UserID:            d.UserID,
			DriveID:           d.DriveID,
			FailedOnly:        input.FailedOnly,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Total: len(recs), Uploads: make([]Upload, 0, len(recs))}
		for _, f := range recs {
			result.Uploads = append(result.Uploads, summarize(f))
		}

		return textResult(result), result, nil
	}
}

func getHandler(d Deps) mcp.ToolHandlerFor[IDInput, *Upload] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *Upload, error) {
		f, err := d.Records.GetUpload(input.ID)
		if err != nil {
			return nil, nil, err
		}

		if f == nil {
			return nil, nil, fmt.Errorf("upload %s not found", input.ID)
		}

		result := summarize(f)

		return textResult(result), &result, nil
	}
}

func retryHandler(d Deps) mcp.ToolHandlerFor[IDInput, *IDResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *IDResult, error) {
		if _, err := d.Uploads.Retry(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		result := &IDResult{ID: input.ID}

		return textResult(result), result, nil
	}
}

func retryAllHandler(d Deps) mcp.ToolHandlerFor[ParentInput, *CountResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ParentInput) (*mcp.CallToolResult, *CountResult, error) {
		if input.ParentID <= 0 {
			return nil, nil, fmt.Errorf("parent_id is required")
		}

		n, err := d.Uploads.RetryAll(ctx, input.ParentID, d.UserID, d.DriveID)
		if err != nil {
			return nil, nil, err
		}

		result := &CountResult{Count: n}

		return textResult(result), result, nil
	}
}

func cancelHandler(d Deps) mcp.ToolHandlerFor[IDInput, *IDResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *IDResult, error) {
		if err := d.Uploads.Cancel(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		result := &IDResult{ID: input.ID}

		return textResult(result), result, nil
	}
}

func cancelAllHandler(d Deps) mcp.ToolHandlerFor[CancelAllInput, *CancelAllResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CancelAllInput) (*mcp.CallToolResult, *CancelAllResult, error) {
		if input.ParentID <= 0 {
			return nil, nil, fmt.Errorf("parent_id is required")
		}

		ids, err := d.Uploads.CancelAll(ctx, input.ParentID, d.UserID, d.DriveID, input.Except...)
		if err != nil {
			return nil, nil, err
		}

		if ids == nil {
			ids = []string{}
		}

		result := &CancelAllResult{Cancelled: ids}

		return textResult(result), result, nil
	}
}

func pendingHandler(d Deps) mcp.ToolHandlerFor[ParentInput, *CountResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ParentInput) (*mcp.CallToolResult, *CountResult, error) {
		result := &CountResult{Count: d.Uploads.Pending(input.ParentID, d.UserID, d.DriveID)}
		return textResult(result), result, nil
	}
}

func refreshHandler(d Deps) mcp.ToolHandlerFor[ParentInput, *RefreshResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ParentInput) (*mcp.CallToolResult, *RefreshResult, error) {
		if d.Refresher == nil {
			return nil, nil, fmt.Errorf("activity refresh is not running")
		}

		d.Refresher.Trigger(d.DriveID, input.ParentID)

		result := &RefreshResult{DriveID: d.DriveID, ParentID: input.ParentID}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
