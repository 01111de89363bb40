// Package openfile implements the open file table:
// a fixed number of descriptors, each holding independent read and write
// cursors, with at most one descriptor open per filename at a time.
package openfile

import (
	"github.com/dargueta/shadowfs/errors"
)

// Cursor tracks a position within a file as a (physical block number, byte
// offset within that block) pair.
type Cursor struct {
	Block       uint
	ByteInBlock uint
}

// Handle is one entry in the open file table.
type Handle struct {
	InodeNumber uint
	Name        string
	Read        Cursor
	Write       Cursor
}

// Table is the fixed-capacity open file table.
type Table struct {
	handles []*Handle
}

// NewTable creates a table with capacity for maxFD simultaneously open files.
func NewTable(maxFD uint) *Table {
	return &Table{handles: make([]*Handle, maxFD)}
}

// Open installs a new handle for name/inodeNum in the first free slot,
// refusing the call if name already has an open handle (at
// most one open descriptor per filename). Both cursors start zero-valued;
// callers set Handle.Read/Write to positions in the file's block chain after
// Open returns.
func (t *Table) Open(name string, inodeNum uint) (fd int, err error) {
	for _, h := range t.handles {
		if h != nil && h.Name == name {
			return -1, errors.ErrAlreadyOpen.WithMessage(name)
		}
	}
	for i, h := range t.handles {
		if h == nil {
			t.handles[i] = &Handle{InodeNumber: inodeNum, Name: name}
			return i, nil
		}
	}
	return -1, errors.ErrNoHandle
}

// Close releases fd back to the table.
func (t *Table) Close(fd int) error {
	if _, err := t.get(fd); err != nil {
		return err
	}
	t.handles[fd] = nil
	return nil
}

func (t *Table) get(fd int) (*Handle, error) {
	if fd < 0 || fd >= len(t.handles) {
		return nil, errors.ErrBadArgument.WithMessage("file descriptor out of range")
	}
	h := t.handles[fd]
	if h == nil {
		return nil, errors.ErrBadArgument.WithMessage("file descriptor is not open")
	}
	return h, nil
}

// Get returns the handle currently installed at fd.
func (t *Table) Get(fd int) (*Handle, error) {
	return t.get(fd)
}

// IsOpen reports whether name currently has an open handle.
func (t *Table) IsOpen(name string) bool {
	for _, h := range t.handles {
		if h != nil && h.Name == name {
			return true
		}
	}
	return false
}

// CloseAll drops every open handle, e.g. when a commit or restore makes
// existing descriptors' cursors meaningless.
func (t *Table) CloseAll() {
	for i := range t.handles {
		t.handles[i] = nil
	}
}
