package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/server"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

const clientTimeout = 30 * time.Second

// controlClient calls a running daemon's control API.
type controlClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func (c *controlClient) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	if c.key == "" {
		return fmt.Errorf("an API key is required (--key or DRIVE_SYNC_API_KEY)")
	}

	u := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.key)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.http
	if hc == nil {
		hc = &http.Client{Timeout: clientTimeout}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			return fmt.Errorf("%s %s: %s", method, path, msg.String())
		}

		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

func newEnqueueCmd(c *controlClient) *cobra.Command {
	var (
		req      server.EnqueueRequest
		maxRetry int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Queue a local file for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			req.LocalPath = abs

			if cmd.Flags().Changed("max-retry") {
				req.MaxRetryCount = &maxRetry
			}

			var out struct {
				ID string `json:"id"`
			}

			if err := c.do(cmd.Context(), http.MethodPost, "/uploads", nil, req, &out); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out.ID)

			return nil
		},
	}

	cmd.Flags().Int64Var(&req.ParentID, "parent", 1, "destination directory id")
	cmd.Flags().StringVar(&req.Name, "name", "", "name on the drive (default: the file's base name)")
	cmd.Flags().StringVar((*string)(&req.ConflictOption), "conflict", "", "error, rename or version")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxRetry, "max-retry", 0, "automatic retry budget, 0 disables retries (default: daemon setting)")

	return cmd
}

func newListCmd(c *controlClient) *cobra.Command {
	var (
		parent int64
		failed bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if parent > 0 {
				q.Set("parent_id", strconv.FormatInt(parent, 10))
			}

			if failed {
				q.Set("failed", "true")
			}

			var recs []*models.UploadFile
			if err := c.do(cmd.Context(), http.MethodGet, "/uploads", q, nil, &recs); err != nil {
				return err
			}

			printUploads(cmd.OutOrStdout(), recs)

			return nil
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "only uploads into this directory")
	cmd.Flags().BoolVar(&failed, "failed", false, "only uploads whose retry budget is exhausted")

	return cmd
}

func printUploads(w io.Writer, recs []*models.UploadFile) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPARENT\tPROGRESS\tRETRIES\tERROR")

	for _, f := range recs {
		errText := ""
		if f.Error != nil {
			errText = f.Error.Error()
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%d\t%s\n",
			f.ID, f.Name, f.ParentDirectoryID, f.Progress*100, f.MaxRetryCount, errText)
	}

	tw.Flush()
}

func newRetryCmd(c *controlClient) *cobra.Command {
	var parent int64

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Retry one upload, or every failed upload under --parent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.do(cmd.Context(), http.MethodPost, "/uploads/"+url.PathEscape(args[0])+"/retry", nil, nil, nil)
			}

			if parent <= 0 {
				return fmt.Errorf("an upload id or --parent is required")
			}

			var out struct {
				Retried int `json:"retried"`
			}

			body := map[string]int64{"parent_id": parent}
			if err := c.do(cmd.Context(), http.MethodPost, "/uploads/retry", nil, body, &out); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "retried %d\n", out.Retried)

			return nil
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "retry every failed upload under this directory")

	return cmd
}

func newCancelCmd(c *controlClient) *cobra.Command {
	var (
		parent int64
		except []string
	)

	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel one upload, or every upload under --parent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.do(cmd.Context(), http.MethodDelete, "/uploads/"+url.PathEscape(args[0]), nil, nil, nil)
			}

			if parent <= 0 {
				return fmt.Errorf("an upload id or --parent is required")
			}

			var out struct {
				Cancelled []string `json:"cancelled"`
			}

			body := map[string]any{"parent_id": parent, "except": except}
			if err := c.do(cmd.Context(), http.MethodPost, "/uploads/cancel", nil, body, &out); err != nil {
				return err
			}

			for _, id := range out.Cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "cancel every upload under this directory")
	cmd.Flags().StringSliceVar(&except, "except", nil, "upload ids to keep")

	return cmd
}

func newRefreshCmd(c *controlClient) *cobra.Command {
	var parent int64

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh watched directories from the server's activity log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/refresh", nil, map[string]int64{"parent_id": parent}, nil)
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "only this watched directory (default: all)")

	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new control API key",
		Long:  `Print a new control API key. Add it to CONTROL_API_KEYS as user:key.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), auth.GenerateAPIKey())
			return nil
		},
	}
}
