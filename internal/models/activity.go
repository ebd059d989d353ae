package models

import "time"

// ActivityAction is the kind of remote change an activity describes.
type ActivityAction string

const (
	ActionFileCreate         ActivityAction = "file_create"
	ActionFileRename         ActivityAction = "file_rename"
	ActionFileDelete         ActivityAction = "file_delete"
	ActionFileTrash          ActivityAction = "file_trash"
	ActionFileRestore        ActivityAction = "file_restore"
	ActionFileMoveIn         ActivityAction = "file_move"
	ActionFileMoveOut        ActivityAction = "file_move_out"
	ActionFileFavoriteCreate ActivityAction = "file_favorite_create"
	ActionFileFavoriteRemove ActivityAction = "file_favorite_remove"
	ActionFileUpdate         ActivityAction = "file_update"
	ActionFileShareCreate    ActivityAction = "file_share_create"
	ActionFileShareUpdate    ActivityAction = "file_share_update"
	ActionFileShareDelete    ActivityAction = "file_share_delete"
	ActionCollaborativeUser  ActivityAction = "collaborative_user_access"
)

// FileActivity is an immutable remote change event.
type FileActivity struct {
	ID        int64          `json:"id"`
	FileID    int64          `json:"file_id"`
	Action    ActivityAction `json:"action"`
	CreatedAt time.Time      `json:"created_at"`
	File      *FileRecord    `json:"file,omitempty"`
	UserID    int            `json:"user_id"`
}

// ActivityPage is one page of activities for a directory.
type ActivityPage struct {
	Activities []FileActivity `json:"activities"`
	ResponseAt time.Time      `json:"response_at"`
	Cursor     string         `json:"cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

// Listing is one page of a directory listing.
type Listing struct {
	ParentID   int64
	Page       int
	Items      []FileRecord
	IsLastPage bool
	ResponseAt time.Time
}
