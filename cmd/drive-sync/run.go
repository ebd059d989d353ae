package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/activity"
	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/alexjbarnes/drive-sync/internal/autosync"
	"github.com/alexjbarnes/drive-sync/internal/cache"
	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/alexjbarnes/drive-sync/internal/mcpserver"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/notify"
	"github.com/alexjbarnes/drive-sync/internal/server"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon",
		Long: `Start the upload queue, activity refresh, realtime notifications,
library auto-sync and the control and MCP servers. Configuration is read
from the environment and an optional .env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("drive-sync starting",
		slog.String("version", Version),
		slog.Int("user_id", cfg.UserID),
		slog.Int("drive_id", cfg.DriveID),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	keys := auth.NewStore(appState, logger)
	if err := registerKeys(cfg, keys); err != nil {
		return err
	}

	if cfg.StagingDir == "" {
		if cfg.StagingDir, err = config.DefaultStagingDir(); err != nil {
			return err
		}
	}

	client := drive.NewClient(cfg.APIURL, cfg.Token, nil)
	files := cache.New(appState, cfg.OfflineDir, logger.With(slog.String("service", "cache")))
	host := upload.NewProcessHost(logger)

	var queue *upload.Queue

	syncer := autosync.New(appState, autosync.EnqueueFunc(func(ctx context.Context, f *models.UploadFile) (*upload.Handle, error) {
		return queue.Enqueue(ctx, f)
	}), logger.With(slog.String("service", "autosync")))

	queue = upload.NewQueue(upload.Deps{
		Store:    appState,
		API:      client,
		Assets:   syncer,
		AutoSync: syncer,
		Cache:    files,
		Host:     host,
		Logger:   logger.With(slog.String("service", "upload")),
	}, upload.QueueConfig{
		Operation: upload.OperationConfig{
			StagingDir:    cfg.StagingDir,
			ChunkSize:     cfg.ChunkSize,
			MaxChunkCount: cfg.MaxChunkCount,
		},
		MaxConcurrent:   cfg.MaxConcurrentUploads,
		DefaultMaxRetry: cfg.DefaultMaxRetry,
	})

	if cfg.AutoSyncDir != "" {
		err := syncer.Enable(state.AutoSyncSettings{
			LibraryDir:        cfg.AutoSyncDir,
			UserID:            cfg.UserID,
			DriveID:           cfg.DriveID,
			ParentDirectoryID: cfg.AutoSyncParentID,
		})
		if err != nil {
			return fmt.Errorf("enabling auto-sync: %w", err)
		}
	}

	dirs, err := cfg.WatchDirectoryIDs()
	if err != nil {
		return err
	}

	targets := make([]activity.Target, 0, len(dirs))
	for _, id := range dirs {
		targets = append(targets, activity.Target{UserID: cfg.UserID, DriveID: cfg.DriveID, DirID: id})
	}

	merger := activity.NewMerger(client, files, logger.With(slog.String("service", "activity")))
	poller := activity.NewPoller(merger, targets, cfg.ActivityPollInterval, logger.With(slog.String("service", "activity")))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(gctx)
	})

	// The process host window closes on shutdown so running operations
	// stop and keep their records for the next start.
	g.Go(func() error {
		<-gctx.Done()
		host.Expire()

		return nil
	})

	n, err := queue.RebuildFromPersistedState(gctx)
	if err != nil {
		logger.Warn("rescheduling persisted uploads", slog.String("error", err.Error()))
	}

	logger.Info("upload queue ready", slog.Int("resumed", n))

	g.Go(func() error {
		return syncer.Run(gctx)
	})

	g.Go(func() error {
		return poller.Run(gctx)
	})

	if cfg.NotifyURL != "" {
		listener := notify.NewListener(cfg.NotifyURL, cfg.Token, poller.Trigger, logger.With(slog.String("service", "notify")))

		g.Go(func() error {
			if err := listener.Run(gctx); err != nil {
				// Activity polling still keeps the cache fresh.
				logger.Error("notification listener stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	if cfg.ControlListenAddr != "" {
		h := server.NewMux(server.MuxConfig{
			Uploads:   queue,
			Records:   appState,
			Refresher: poller,
			Keys:      keys,
			Logger:    logger.With(slog.String("service", "control")),
			UserID:    cfg.UserID,
			DriveID:   cfg.DriveID,
		})

		g.Go(func() error {
			return serve(gctx, server.NewHTTPServer(cfg.ControlListenAddr, h), "control", logger)
		})
	}

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "drive-sync-mcp", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
			Uploads:   queue,
			Records:   appState,
			Refresher: poller,
			UserID:    cfg.UserID,
			DriveID:   cfg.DriveID,
		})

		mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		mcpLogger := logger.With(slog.String("service", "mcp"))
		h := server.NewMCPMux(keys, mcpLogger, mcpHandler)

		g.Go(func() error {
			return serve(gctx, server.NewHTTPServer(cfg.MCPListenAddr, h), "MCP", mcpLogger)
		})
	}

	return g.Wait()
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StateDB != "" {
		return state.LoadAt(cfg.StateDB)
	}

	return state.Load()
}

// registerKeys stores the configured control API keys. Keys are only kept
// as hashes, so re-registering on every start is idempotent.
func registerKeys(cfg *config.Config, keys *auth.Store) error {
	entries, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	for _, e := range entries {
		if err := keys.Register(e.UserID, e.Key); err != nil {
			return err
		}
	}

	return nil
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, srv *http.Server, name string, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down " + name + " server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("listen", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server error: %w", name, err)
	}

	return nil
}
