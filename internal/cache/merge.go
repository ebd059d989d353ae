package cache

import (
	"fmt"
	"slices"

	syncerr "github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/models"
)

// DefaultPageSize is the listing page size below which a last page marks
// the directory fully downloaded.
const DefaultPageSize = 200

// MergeDirectoryListing applies one page of a directory listing. Page 1
// replaces the directory's children; later pages append. Children dropped
// by the replacement stay in the store until DeleteOrphans collects them.
// Attributes the listing does not carry are copied forward from the
// previous record.
func (c *Cache) MergeDirectoryListing(userID, driveID int, l models.Listing, pageSize int) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return c.Update(userID, driveID, func(tx *Tx) error {
		parent, err := tx.Get(l.ParentID)
		if err != nil {
			return err
		}

		if parent == nil {
			return fmt.Errorf("listing parent %d: %w", l.ParentID, syncerr.ErrFileNotFound)
		}

		if l.Page <= 1 {
			parent.Children = nil
			parent.ResponseAt = l.ResponseAt
		}

		for i := range l.Items {
			item := tx.own(l.Items[i].Clone())

			prev, err := tx.Get(item.ID)
			if err != nil {
				return err
			}

			item.Children = nil
			item.KeepCacheAttributes(prev)

			if prev != nil && prev.ParentID != parent.ID && prev.ParentID != 0 {
				if err := tx.Detach(prev); err != nil {
					return err
				}
			}

			item.ParentID = parent.ID
			tx.Put(item)

			if !parent.HasChild(item.ID) {
				parent.Children = append(parent.Children, item.ID)
			}
		}

		parent.FullyDownloaded = l.IsLastPage && len(l.Items) < pageSize
		tx.Put(parent)

		return nil
	})
}

// ActivityResult counts what one page of activities changed.
type ActivityResult struct {
	Inserted []int64
	Updated  []int64
	Deleted  []int64
}

// Add accumulates other into r.
func (r *ActivityResult) Add(other ActivityResult) {
	r.Inserted = append(r.Inserted, other.Inserted...)
	r.Updated = append(r.Updated, other.Updated...)
	r.Deleted = append(r.Deleted, other.Deleted...)
}

// ApplyActivities applies one page of activities for directory dirID in
// arrival order. The first activity seen for a file id wins; seen carries
// that memory across the pages of one pass and is updated in place. The
// directory's ResponseAt watermark advances in the same transaction.
func (c *Cache) ApplyActivities(userID, driveID int, dirID int64, page *models.ActivityPage, seen map[int64]struct{}) (ActivityResult, error) {
	var res ActivityResult

	// seen is only committed to the caller's map if the transaction
	// commits, so a failed page can be retried.
	local := make(map[int64]struct{})

	err := c.Update(userID, driveID, func(tx *Tx) error {
		res = ActivityResult{}
		clear(local)

		dir, err := tx.Get(dirID)
		if err != nil {
			return err
		}

		if dir == nil {
			return fmt.Errorf("activity directory %d: %w", dirID, syncerr.ErrFileNotFound)
		}

		for _, act := range page.Activities {
			if _, ok := seen[act.FileID]; ok {
				continue
			}

			if _, ok := local[act.FileID]; ok {
				continue
			}

			local[act.FileID] = struct{}{}

			if err := c.applyActivity(tx, dir, act, &res); err != nil {
				return err
			}
		}

		if tx.deleted[dirID] {
			return nil
		}

		if page.ResponseAt.After(dir.ResponseAt) {
			dir.ResponseAt = page.ResponseAt
			tx.Put(dir)
		}

		return nil
	})
	if err != nil {
		return ActivityResult{}, err
	}

	for id := range local {
		seen[id] = struct{}{}
	}

	return res, nil
}

func (c *Cache) applyActivity(tx *Tx, dir *models.FileRecord, act models.FileActivity, res *ActivityResult) error {
	switch act.Action {
	case models.ActionFileMoveOut:
		existing, err := tx.Get(act.FileID)
		if err != nil || existing == nil {
			return err
		}

		// Already attached elsewhere by another directory's pass.
		if existing.ParentID != dir.ID {
			return nil
		}

		removed, err := tx.RemoveTree(act.FileID)
		if err != nil {
			return err
		}

		if len(removed) > 0 {
			res.Deleted = append(res.Deleted, act.FileID)
		}

	case models.ActionFileDelete, models.ActionFileTrash:
		removed, err := tx.RemoveTree(act.FileID)
		if err != nil {
			return err
		}

		if len(removed) > 0 {
			res.Deleted = append(res.Deleted, act.FileID)
		}

	case models.ActionFileRename:
		existing, err := tx.Get(act.FileID)
		if err != nil {
			return err
		}

		if act.File == nil {
			return nil
		}

		rec := tx.own(act.File.Clone())
		rec.KeepCacheAttributes(existing)

		if existing == nil {
			return c.insertUnder(tx, dir, rec, res)
		}

		rec.ParentID = existing.ParentID
		rec.Children = existing.Children
		rec.FullyDownloaded = existing.FullyDownloaded
		rec.ResponseAt = existing.ResponseAt

		if existing.Name != rec.Name {
			uid, did, id, from, to := tx.userID, tx.driveID, rec.ID, existing.Name, rec.Name
			tx.after = append(tx.after, func() { c.moveOffline(uid, did, id, from, to) })
		}

		tx.Put(rec)
		res.Updated = append(res.Updated, rec.ID)

	case models.ActionFileFavoriteCreate, models.ActionFileFavoriteRemove:
		existing, err := tx.Get(act.FileID)
		if err != nil || existing == nil {
			return err
		}

		existing.IsFavorite = act.Action == models.ActionFileFavoriteCreate
		tx.Put(existing)

		if err := setVirtualMember(tx, models.VirtualFavorites, existing.ID, existing.IsFavorite); err != nil {
			return err
		}

		res.Updated = append(res.Updated, existing.ID)

	case models.ActionFileMoveIn, models.ActionFileRestore, models.ActionFileCreate:
		if act.File == nil || dir.HasChild(act.FileID) {
			return nil
		}

		existing, err := tx.Get(act.FileID)
		if err != nil {
			return err
		}

		rec := tx.own(act.File.Clone())
		rec.KeepCacheAttributes(existing)

		if existing != nil {
			rec.ParentID = existing.ParentID
		}

		return c.insertUnder(tx, dir, rec, res)

	case models.ActionFileUpdate, models.ActionFileShareCreate, models.ActionFileShareUpdate,
		models.ActionFileShareDelete, models.ActionCollaborativeUser:
		if act.File == nil {
			return nil
		}

		existing, err := tx.Get(act.FileID)
		if err != nil {
			return err
		}

		rec := tx.own(act.File.Clone())
		rec.KeepCacheAttributes(existing)

		if existing == nil {
			return c.insertUnder(tx, dir, rec, res)
		}

		rec.ParentID = existing.ParentID
		tx.Put(rec)
		res.Updated = append(res.Updated, rec.ID)
	}

	return nil
}

func (c *Cache) insertUnder(tx *Tx, dir, rec *models.FileRecord, res *ActivityResult) error {
	if err := tx.Attach(dir, rec); err != nil {
		return err
	}

	res.Inserted = append(res.Inserted, rec.ID)

	return nil
}

func setVirtualMember(tx *Tx, root models.VirtualRoot, id int64, member bool) error {
	ids, err := tx.ftx.Virtual(root)
	if err != nil {
		return err
	}

	has := slices.Contains(ids, id)

	switch {
	case member && !has:
		ids = append(ids, id)
	case !member && has:
		ids = slices.DeleteFunc(ids, func(v int64) bool { return v == id })
	default:
		return nil
	}

	return tx.ftx.SetVirtual(root, ids)
}

// DeleteOrphans removes every record whose parent chain leads to rootID
// but which is no longer reachable from rootID through children lists,
// unless a virtual root still lists it. Offline copies go with them. It
// returns the removed ids.
func (c *Cache) DeleteOrphans(userID, driveID int, rootID int64) ([]int64, error) {
	var removed []int64

	err := c.Update(userID, driveID, func(tx *Tx) error {
		removed = nil

		parents := make(map[int64]int64)
		children := make(map[int64][]int64)

		err := tx.ftx.ForEach(func(r *models.FileRecord) error {
			parents[r.ID] = r.ParentID
			children[r.ID] = r.Children

			return nil
		})
		if err != nil {
			return err
		}

		if _, ok := parents[rootID]; !ok {
			return fmt.Errorf("orphan root %d: %w", rootID, syncerr.ErrFileNotFound)
		}

		keep := map[int64]bool{rootID: true}

		stack := []int64{rootID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			for _, ch := range children[cur] {
				if !keep[ch] {
					keep[ch] = true
					stack = append(stack, ch)
				}
			}
		}

		for _, root := range models.VirtualRoots {
			ids, err := tx.ftx.Virtual(root)
			if err != nil {
				return err
			}

			for _, id := range ids {
				keep[id] = true
			}
		}

		for id := range parents {
			if keep[id] || !descendsFrom(parents, id, rootID) {
				continue
			}

			tx.Delete(id)
			removed = append(removed, id)

			uid, did, rid := userID, driveID, id
			tx.after = append(tx.after, func() { c.removeOffline(uid, did, rid) })
		}

		slices.Sort(removed)

		return nil
	})

	return removed, err
}

func descendsFrom(parents map[int64]int64, id, rootID int64) bool {
	seen := make(map[int64]bool)

	for cur := parents[id]; cur != 0 && !seen[cur]; cur = parents[cur] {
		if cur == rootID {
			return true
		}

		seen[cur] = true
	}

	return false
}

// MergeUploadedFile stores a freshly uploaded file under its parent,
// keeping cached attributes of a previous version. The parent must be
// cached.
func (c *Cache) MergeUploadedFile(userID, driveID int, file *models.FileRecord) error {
	return c.Update(userID, driveID, func(tx *Tx) error {
		parent, err := tx.Get(file.ParentID)
		if err != nil {
			return err
		}

		if parent == nil {
			return fmt.Errorf("upload parent %d: %w", file.ParentID, syncerr.ErrFileNotFound)
		}

		prev, err := tx.Get(file.ID)
		if err != nil {
			return err
		}

		rec := tx.own(file.Clone())
		rec.KeepCacheAttributes(prev)

		if prev != nil {
			rec.ParentID = prev.ParentID
		}

		return tx.Attach(parent, rec)
	})
}
