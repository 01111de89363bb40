// Package dirent implements the directory/shadow ring:
// a fixed number of directory slots where slot 0 is the live directory and
// slots 1..ShadowSlots-1 are shadow snapshots, oldest last.
package dirent

import (
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/errors"
	"github.com/dargueta/shadowfs/layout"
)

// Ring reads and writes directory slots through a block device.
type Ring struct {
	Geometry layout.Geometry
	Device   *block.Device
}

// NewRing wraps a block device as a directory ring using the given geometry.
func NewRing(g layout.Geometry, dev *block.Device) *Ring {
	return &Ring{Geometry: g, Device: dev}
}

// ReadSlot loads every entry of ring slot `slot` (0 = live).
func (r *Ring) ReadSlot(slot uint) ([]layout.DirEntryRecord, error) {
	if slot >= r.Geometry.ShadowSlots {
		return nil, errors.ErrBadArgument.WithMessage("directory slot out of range")
	}
	buf := make([]byte, r.Geometry.BlockBytes)
	if err := r.Device.ReadBlocks(r.Geometry.DirSlotBlock(slot), 1, buf); err != nil {
		return nil, err
	}
	return layout.DecodeDirBlock(r.Geometry, buf), nil
}

// WriteSlot overwrites ring slot `slot` with entries in full.
func (r *Ring) WriteSlot(slot uint, entries []layout.DirEntryRecord) error {
	if slot >= r.Geometry.ShadowSlots {
		return errors.ErrBadArgument.WithMessage("directory slot out of range")
	}
	raw, err := layout.EncodeDirBlock(r.Geometry, entries)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return r.Device.WriteBlocks(r.Geometry.DirSlotBlock(slot), 1, raw)
}

// FormatAll clears every ring slot to empty entries. Used by Mount when
// initializing a fresh image.
func (r *Ring) FormatAll() error {
	empty := make([]layout.DirEntryRecord, r.Geometry.FilesPerDir())
	for slot := uint(0); slot < r.Geometry.ShadowSlots; slot++ {
		if err := r.WriteSlot(slot, empty); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds name in the live directory, returning its inode number.
func (r *Ring) Lookup(name string) (uint, bool, error) {
	entries, err := r.ReadSlot(0)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return uint(e.InodeNumber), true, nil
		}
	}
	return 0, false, nil
}

// Insert adds name -> inodeNum into the live directory's first free slot.
// The caller is responsible for rejecting duplicate names via Lookup first.
func (r *Ring) Insert(name string, inodeNum uint) error {
	entries, err := r.ReadSlot(0)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Name == "" {
			entries[i] = layout.DirEntryRecord{Name: name, InodeNumber: uint32(inodeNum)}
			return r.WriteSlot(0, entries)
		}
	}
	return errors.ErrNoSpace.WithMessage("directory is full")
}

// Remove deletes name from the live directory.
func (r *Ring) Remove(name string) error {
	entries, err := r.ReadSlot(0)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Name == name {
			entries[i] = layout.DirEntryRecord{}
			return r.WriteSlot(0, entries)
		}
	}
	return errors.ErrNotFound.WithMessage(name)
}

// Shift rotates the ring one step into the past: slot 0 becomes slot 1, slot
// i becomes slot i+1, and the oldest shadow (ShadowSlots-1) is discarded.
// Shift does not touch slot 0 itself; the caller repopulates it afterward.
func (r *Ring) Shift() error {
	for slot := r.Geometry.ShadowSlots - 1; slot > 0; slot-- {
		entries, err := r.ReadSlot(slot - 1)
		if err != nil {
			return err
		}
		if err := r.WriteSlot(slot, entries); err != nil {
			return err
		}
	}
	return nil
}

// Cursor is the non-reentrant "get next filename" iterator over the live
// directory: each call resumes where the last left off, in slot order.
// Reaching the end of the directory reports exhaustion and rewinds the
// cursor so the next call starts a fresh pass from slot 0.
type Cursor struct {
	nextIndex uint
}

// Next returns the next non-empty entry's name, or ok=false if no non-empty
// entry remains between the cursor and the end of entries.
func (c *Cursor) Next(entries []layout.DirEntryRecord) (name string, ok bool) {
	n := uint(len(entries))
	for c.nextIndex < n {
		idx := c.nextIndex
		c.nextIndex++
		if entries[idx].Name != "" {
			return entries[idx].Name, true
		}
	}
	c.nextIndex = 0
	return "", false
}

// Reset rewinds the cursor to the start of the directory.
func (c *Cursor) Reset() { c.nextIndex = 0 }
