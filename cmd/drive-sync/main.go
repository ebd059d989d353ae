package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "drive-sync",
		Short: "Resumable chunked uploads to a remote drive",
		Long: `drive-sync keeps a local metadata cache of remote drive directories in
step with the server and uploads files in resumable chunked sessions.

"drive-sync run" starts the daemon. The other commands talk to a running
daemon over its control API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newKeygenCmd())

	c := &controlClient{}
	root.PersistentFlags().StringVar(&c.baseURL, "addr", envOr("DRIVE_SYNC_ADDR", "http://127.0.0.1:8091"), "control API base URL")
	root.PersistentFlags().StringVar(&c.key, "key", os.Getenv("DRIVE_SYNC_API_KEY"), "control API key")

	root.AddCommand(
		newEnqueueCmd(c),
		newListCmd(c),
		newRetryCmd(c),
		newCancelCmd(c),
		newRefreshCmd(c),
	)

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
