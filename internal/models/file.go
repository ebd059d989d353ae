// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// RootID is the remote id of a drive's root directory.
const RootID int64 = 1

// Rights describes what the current user may do with a file.
type Rights struct {
	CanRead   bool `json:"can_read"`
	CanWrite  bool `json:"can_write"`
	CanDelete bool `json:"can_delete"`
	CanRename bool `json:"can_rename"`
	CanShare  bool `json:"can_share"`
}

// FileRecord is one remote file or directory as cached locally. Parent
// and children are stored as ids and resolved through the cache on each
// access, never as pointers.
type FileRecord struct {
	ID                 int64     `json:"id"`
	DriveID            int       `json:"drive_id"`
	UserID             int       `json:"user_id"`
	Name               string    `json:"name"`
	IsDirectory        bool      `json:"is_directory"`
	Size               int64     `json:"size"`
	LastModifiedAt     time.Time `json:"last_modified_at"`
	ResponseAt         time.Time `json:"response_at"`
	FullyDownloaded    bool      `json:"fully_downloaded"`
	IsAvailableOffline bool      `json:"is_available_offline"`
	IsFavorite         bool      `json:"is_favorite"`
	Rights             Rights    `json:"rights"`
	ParentID           int64     `json:"parent_id"`
	Children           []int64   `json:"children,omitempty"`

	// Extras. Directory listings do not return these, so they survive
	// overwrites by being copied forward from the previous record.
	SizeWithVersions int64  `json:"size_with_versions,omitempty"`
	CreatedBy        int    `json:"created_by,omitempty"`
	Path             string `json:"path,omitempty"`
	Users            []int  `json:"users,omitempty"`
}

// Clone returns a deep copy that shares no slices with r.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}

	c := *r
	c.Children = slices.Clone(r.Children)
	c.Users = slices.Clone(r.Users)

	return &c
}

// HasChild reports whether id is in r's children list.
func (r *FileRecord) HasChild(id int64) bool {
	return slices.Contains(r.Children, id)
}

// KeepCacheAttributes copies the fields a fresh server snapshot does not
// carry from prev into r.
func (r *FileRecord) KeepCacheAttributes(prev *FileRecord) {
	if prev == nil {
		return
	}

	r.IsAvailableOffline = prev.IsAvailableOffline

	if r.SizeWithVersions == 0 {
		r.SizeWithVersions = prev.SizeWithVersions
	}

	if r.CreatedBy == 0 {
		r.CreatedBy = prev.CreatedBy
	}

	if r.Path == "" {
		r.Path = prev.Path
	}

	if len(r.Users) == 0 {
		r.Users = slices.Clone(prev.Users)
	}

	if r.IsDirectory && prev.IsDirectory && len(r.Children) == 0 {
		r.Children = slices.Clone(prev.Children)
		r.FullyDownloaded = prev.FullyDownloaded
		r.ResponseAt = prev.ResponseAt
	}
}

// VirtualRoot names a synthetic parent that can list records without
// owning them.
type VirtualRoot string

const (
	VirtualFavorites VirtualRoot = "favorites"
	VirtualTrash     VirtualRoot = "trash"
	VirtualSearch    VirtualRoot = "search"
	VirtualRecents   VirtualRoot = "recents"
)

// VirtualRoots lists every synthetic root.
var VirtualRoots = []VirtualRoot{VirtualFavorites, VirtualTrash, VirtualSearch, VirtualRecents}
