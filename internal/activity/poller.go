package activity

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often watched directories are refreshed when
// no notification arrives.
const DefaultPollInterval = 5 * time.Minute

const triggerBuffer = 64

// Target is a watched directory.
type Target struct {
	UserID  int
	DriveID int
	DirID   int64
}

// Refresher runs one refresh pass. *Merger satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, userID, driveID int, dirID int64) (Result, error)
}

type trigger struct {
	driveID int
	dirID   int64
}

// Poller refreshes watched directories periodically and on demand.
type Poller struct {
	refresher Refresher
	targets   []Target
	interval  time.Duration
	logger    *slog.Logger
	triggers  chan trigger
}

// NewPoller creates a poller over targets. A non-positive interval uses
// DefaultPollInterval.
func NewPoller(r Refresher, targets []Target, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Poller{
		refresher: r,
		targets:   targets,
		interval:  interval,
		logger:    logger,
		triggers:  make(chan trigger, triggerBuffer),
	}
}

// Trigger asks for an immediate refresh of the watched directories of
// driveID. A dirID that is itself watched narrows the refresh to it.
// Triggers are dropped while the buffer is full.
func (p *Poller) Trigger(driveID int, dirID int64) {
	select {
	case p.triggers <- trigger{driveID: driveID, dirID: dirID}:
	default:
		p.logger.Debug("dropping refresh trigger", slog.Int("drive_id", driveID))
	}
}

// Run refreshes every target at start, on every tick and on triggers until
// ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.refreshAll(ctx, p.targets)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.refreshAll(ctx, p.targets)
		case t := <-p.triggers:
			p.refreshAll(ctx, p.match(t))
		}
	}
}

func (p *Poller) match(t trigger) []Target {
	var exact, drive []Target

	for _, target := range p.targets {
		if target.DriveID != t.driveID {
			continue
		}

		drive = append(drive, target)

		if target.DirID == t.dirID {
			exact = append(exact, target)
		}
	}

	if len(exact) > 0 {
		return exact
	}

	return drive
}

func (p *Poller) refreshAll(ctx context.Context, targets []Target) {
	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}

		res, err := p.refresher.Refresh(ctx, t.UserID, t.DriveID, t.DirID)
		if err != nil {
			p.logger.Warn("refreshing directory",
				slog.Int("drive_id", t.DriveID),
				slog.Int64("dir_id", t.DirID),
				slog.String("error", err.Error()))

			continue
		}

		if n := len(res.Inserted) + len(res.Updated) + len(res.Deleted) + len(res.Orphans); n > 0 {
			p.logger.Info("directory refreshed",
				slog.Int("drive_id", t.DriveID),
				slog.Int64("dir_id", t.DirID),
				slog.Int("changes", n))
		}
	}
}
