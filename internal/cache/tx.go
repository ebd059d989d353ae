package cache

import (
	"slices"

	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

// Tx is one cache transaction. Records returned by Get are shared within
// the transaction: mutating one and calling Put makes the change visible
// to later Gets, and every dirty record is written once at commit.
type Tx struct {
	c       *Cache
	ftx     *state.FileTx
	userID  int
	driveID int

	loaded  map[int64]*models.FileRecord
	dirty   map[int64]bool
	deleted map[int64]bool
	after   []func()
}

func (c *Cache) newTx(ftx *state.FileTx, userID, driveID int) *Tx {
	return &Tx{
		c:       c,
		ftx:     ftx,
		userID:  userID,
		driveID: driveID,
		loaded:  make(map[int64]*models.FileRecord),
		dirty:   make(map[int64]bool),
		deleted: make(map[int64]bool),
	}
}

// Get returns the live record for id, or nil.
func (t *Tx) Get(id int64) (*models.FileRecord, error) {
	if t.deleted[id] {
		return nil, nil
	}

	if r, ok := t.loaded[id]; ok {
		return r, nil
	}

	r, err := t.ftx.Get(id)
	if err != nil {
		return nil, err
	}

	if r != nil {
		t.loaded[id] = r
	}

	return r, nil
}

// Put marks r to be written at commit.
func (t *Tx) Put(r *models.FileRecord) {
	delete(t.deleted, r.ID)
	t.loaded[r.ID] = r
	t.dirty[r.ID] = true
}

// Delete removes id at commit.
func (t *Tx) Delete(id int64) {
	delete(t.loaded, id)
	delete(t.dirty, id)
	t.deleted[id] = true
}

// own stamps r with this transaction's user and drive and normalises its
// name.
func (t *Tx) own(r *models.FileRecord) *models.FileRecord {
	r.UserID = t.userID
	r.DriveID = t.driveID
	r.Name = normalizeName(r.Name)

	return r
}

// Attach makes child a child of parent, detaching it from any previous
// parent. Attaching an existing child is a no-op.
func (t *Tx) Attach(parent, child *models.FileRecord) error {
	if child.ParentID != parent.ID && child.ParentID != 0 {
		if err := t.Detach(child); err != nil {
			return err
		}
	}

	child.ParentID = parent.ID
	t.Put(child)

	if !parent.HasChild(child.ID) {
		parent.Children = append(parent.Children, child.ID)
		t.Put(parent)
	}

	return nil
}

// Detach removes child from its parent's children list. The child keeps
// its ParentID until it is attached elsewhere or collected.
func (t *Tx) Detach(child *models.FileRecord) error {
	parent, err := t.Get(child.ParentID)
	if err != nil || parent == nil {
		return err
	}

	if i := slices.Index(parent.Children, child.ID); i >= 0 {
		parent.Children = slices.Delete(slices.Clone(parent.Children), i, i+1)
		t.Put(parent)
	}

	return nil
}

// RemoveTree detaches id from its parent and deletes it with every
// descendant, including offline copies once the transaction commits. It
// returns the removed ids.
func (t *Tx) RemoveTree(id int64) ([]int64, error) {
	root, err := t.Get(id)
	if err != nil || root == nil {
		return nil, err
	}

	if err := t.Detach(root); err != nil {
		return nil, err
	}

	var removed []int64

	stack := []int64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r, err := t.Get(cur)
		if err != nil {
			return nil, err
		}

		if r == nil {
			continue
		}

		stack = append(stack, r.Children...)
		t.Delete(cur)
		removed = append(removed, cur)

		t.after = append(t.after, func() { t.c.removeOffline(t.userID, t.driveID, cur) })
	}

	if err := t.dropVirtual(removed); err != nil {
		return nil, err
	}

	return removed, nil
}

// dropVirtual removes ids from every virtual root that lists them.
func (t *Tx) dropVirtual(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	gone := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}

	for _, root := range models.VirtualRoots {
		members, err := t.ftx.Virtual(root)
		if err != nil {
			return err
		}

		kept := slices.DeleteFunc(slices.Clone(members), func(id int64) bool {
			_, ok := gone[id]
			return ok
		})

		if len(kept) == len(members) {
			continue
		}

		if err := t.ftx.SetVirtual(root, kept); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tx) flush() error {
	for id := range t.deleted {
		if err := t.ftx.Delete(id); err != nil {
			return err
		}
	}

	for id := range t.dirty {
		if err := t.ftx.Put(t.loaded[id]); err != nil {
			return err
		}
	}

	return nil
}
