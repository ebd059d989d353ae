// Package upload runs resumable chunked uploads: session negotiation,
// the per-file operation state machine and the durable queue that
// schedules operations.
package upload

//go:generate mockgen -source=api.go -destination=mock_api_test.go -package=upload

import (
	"context"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

// RemoteAPI is the subset of the drive client the upload pipeline uses.
// *drive.Client satisfies it.
type RemoteAPI interface {
	StartSession(ctx context.Context, driveID int, req drive.StartSessionRequest) (*drive.Session, error)
	AppendChunk(ctx context.Context, driveID int, token string, chunk drive.ChunkUpload) (*drive.UploadedChunk, error)
	FinishSession(ctx context.Context, driveID int, token string) (*models.FileRecord, error)
	CancelSession(ctx context.Context, driveID int, token string) error
	DirectUpload(ctx context.Context, driveID int, req drive.DirectUploadRequest) (*models.FileRecord, error)
}

// AssetResolver turns a library asset reference into a readable local
// path. Called only for asset-backed uploads without a resolved path.
type AssetResolver interface {
	Resolve(ctx context.Context, assetID string) (string, error)
}

// AutoSyncController disables the auto-sync pipeline when its target
// directory is gone.
type AutoSyncController interface {
	DisableAutoSync(ctx context.Context, userID, driveID int, parentID int64) error
}

// FileCache receives finished uploads. *cache.Cache satisfies it.
type FileCache interface {
	MergeUploadedFile(userID, driveID int, file *models.FileRecord) error
}
