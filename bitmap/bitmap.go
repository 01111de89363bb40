// Package bitmap implements the free map / write mask pair: bit-level
// allocation over a fixed number of blocks, packed into a byte array
// matching the on-disk block-shaped representation.
package bitmap

import (
	bm "github.com/boljen/go-bitmap"
	"github.com/dargueta/shadowfs/errors"
)

// Map is a fixed-size bit array. A set bit (1) means "free".
type Map struct {
	bits  bm.Bitmap
	total uint
}

// New creates a Map of the given size with every bit marked free.
func New(total uint) *Map {
	bits := bm.New(int(total))
	for i := uint(0); i < total; i++ {
		bits.Set(int(i), true)
	}
	return &Map{bits: bits, total: total}
}

// FromBytes wraps an existing packed byte array (e.g. loaded from disk) as a
// Map of the given bit count.
func FromBytes(data []byte, total uint) *Map {
	return &Map{bits: bm.Bitmap(data), total: total}
}

// Bytes returns the packed byte representation, suitable for writing to a
// block verbatim.
func (m *Map) Bytes() []byte {
	return []byte(m.bits)
}

// Get reports whether block b is free.
func (m *Map) Get(b uint) bool {
	return m.bits.Get(int(b))
}

// Set marks block b as free.
func (m *Map) Set(b uint) {
	m.bits.Set(int(b), true)
}

// Clear marks block b as allocated.
func (m *Map) Clear(b uint) {
	m.bits.Set(int(b), false)
}

// Allocator pairs a free map with a write mask and keeps them in lock-step:
// the two always agree on which blocks are free. Allocation policy is linear
// first-fit over [first, last].
type Allocator struct {
	FreeMap   *Map
	WriteMask *Map
	First     uint
	Last      uint
}

// NewAllocator creates an Allocator covering blocks [first, last] inclusive,
// out of a bitmap universe of `total` bits. Both maps start with every bit
// free, including the bits outside [first, last] (the engine is responsible
// for marking metadata blocks allocated).
func NewAllocator(total, first, last uint) *Allocator {
	return &Allocator{
		FreeMap:   New(total),
		WriteMask: New(total),
		First:     first,
		Last:      last,
	}
}

// MarkAllocated clears bit b in both maps. Used at mount time to reserve
// fixed metadata blocks (superblock, inode file, directory ring, the bitmaps
// themselves) so the allocator never hands them out.
func (a *Allocator) MarkAllocated(b uint) {
	a.FreeMap.Clear(b)
	a.WriteMask.Clear(b)
}

// Allocate finds the first free data block in [First, Last], marks it
// allocated in both maps, and returns it. Returns errors.ErrNoSpace if none
// is free.
func (a *Allocator) Allocate() (uint, error) {
	for b := a.First; b <= a.Last; b++ {
		if a.FreeMap.Get(b) {
			a.FreeMap.Clear(b)
			a.WriteMask.Clear(b)
			return b, nil
		}
	}
	return 0, errors.ErrNoSpace
}

// Free returns block b to both maps.
func (a *Allocator) Free(b uint) {
	a.FreeMap.Set(b)
	a.WriteMask.Set(b)
}
