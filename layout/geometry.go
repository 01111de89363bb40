// Package layout holds the fixed geometry constants of a shadow file system
// image, the derived values computed from them, the fixed on-disk
// block layout, and a small CSV-backed table of named geometry presets.
package layout

import (
	"fmt"
)

// Geometry is the set of constants fixed at image-creation time.
type Geometry struct {
	// BlockBytes is the number of bytes per block.
	BlockBytes uint
	// NumBlocks is the total number of blocks on the device.
	NumBlocks uint
	// NumInodes is the number of inodes in the inode store.
	NumInodes uint
	// DirectPtrs is the number of direct block pointers per inode.
	DirectPtrs uint
	// ShadowSlots is the length of the directory ring, including the live
	// slot (slot 0).
	ShadowSlots uint
	// MaxFD is the open-file-table capacity.
	MaxFD uint
	// MaxName is the maximum filename length in bytes.
	MaxName uint
}

// Classic is the geometry of the original Shadow File System this module was
// grown from: 1024-byte blocks, 1024 blocks, 200 inodes, 14 direct pointers,
// a 5-slot shadow ring, 32 open file descriptors, 20-byte names.
var Classic = Geometry{
	BlockBytes:  1024,
	NumBlocks:   1024,
	NumInodes:   200,
	DirectPtrs:  14,
	ShadowSlots: 5,
	MaxFD:       32,
	MaxName:     20,
}

// InodeBytes is the serialized size of one inode: a 4-byte size field, one
// 4-byte pointer per direct slot, and a 4-byte indirect pointer.
func (g Geometry) InodeBytes() uint {
	return (g.DirectPtrs + 2) * 4
}

// DirEntryBytes is the serialized size of one directory entry: the name
// buffer (MaxName+1 bytes, to fit a trailing NUL) plus a 4-byte inode number.
func (g Geometry) DirEntryBytes() uint {
	return g.MaxName + 1 + 4
}

// InodesPerBlock is the number of inodes that fit in one block.
func (g Geometry) InodesPerBlock() uint {
	return g.BlockBytes / g.InodeBytes()
}

// InodeFileBlocks is the number of blocks needed to store NumInodes inodes.
func (g Geometry) InodeFileBlocks() uint {
	perBlock := g.InodesPerBlock()
	return (g.NumInodes + perBlock - 1) / perBlock
}

// IndirectPtrs is the number of 32-bit pointers that fit in one indirect
// block.
func (g Geometry) IndirectPtrs() uint {
	return g.BlockBytes / 4
}

// FilesPerDir is the number of directory entries that fit in one directory
// block.
func (g Geometry) FilesPerDir() uint {
	return g.BlockBytes / g.DirEntryBytes()
}

// MaxFileBytes is the largest file size representable with this geometry:
// DirectPtrs direct blocks plus one indirect block's worth of pointers.
func (g Geometry) MaxFileBytes() uint64 {
	return uint64(g.DirectPtrs+g.IndirectPtrs()) * uint64(g.BlockBytes)
}

// FirstDataBlock is the first block number available for data/indirect
// blocks.
func (g Geometry) FirstDataBlock() uint {
	return 1 + g.InodeFileBlocks()
}

// LastDataBlock is the last block number available for data/indirect blocks.
func (g Geometry) LastDataBlock() uint {
	return g.NumBlocks - 2 - g.ShadowSlots - 1
}

// DirSlotBlock returns the physical block number holding directory ring slot
// i (0 = live, ShadowSlots-1 = oldest shadow).
func (g Geometry) DirSlotBlock(slot uint) uint {
	return g.NumBlocks - 3 - slot
}

// FreeMapBlock is the physical block holding the free bitmap.
func (g Geometry) FreeMapBlock() uint {
	return g.NumBlocks - 2
}

// WriteMaskBlock is the physical block holding the write mask.
func (g Geometry) WriteMaskBlock() uint {
	return g.NumBlocks - 1
}

// Validate reports a descriptive error if the geometry can't support a
// working filesystem (e.g. no room left for data blocks).
func (g Geometry) Validate() error {
	if g.BlockBytes == 0 || g.NumBlocks == 0 || g.NumInodes == 0 {
		return fmt.Errorf("layout: BlockBytes, NumBlocks, and NumInodes must be nonzero")
	}
	if g.ShadowSlots < 1 {
		return fmt.Errorf("layout: ShadowSlots must be at least 1")
	}
	if g.DirectPtrs < 1 {
		return fmt.Errorf("layout: DirectPtrs must be at least 1")
	}
	first, last := g.FirstDataBlock(), g.LastDataBlock()
	if first > last {
		return fmt.Errorf(
			"layout: geometry leaves no room for data blocks (first=%d last=%d); "+
				"increase NumBlocks or shrink NumInodes/ShadowSlots", first, last)
	}
	return nil
}
