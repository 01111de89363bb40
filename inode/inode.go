// Package inode implements the inode store: fixed
// inodes addressed by number, each holding a size plus direct and
// single-indirect block pointers, with free inodes marked by a negative size.
package inode

import (
	"github.com/dargueta/shadowfs/bitmap"
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/errors"
	"github.com/dargueta/shadowfs/layout"
)

// Store reads and writes inodes through a block device, using the inode
// file's block range as fixed by Geometry (blocks 1..InodeFileBlocks).
type Store struct {
	Geometry layout.Geometry
	Device   *block.Device
}

// NewStore wraps a block device as an inode store using the given geometry.
func NewStore(g layout.Geometry, dev *block.Device) *Store {
	return &Store{Geometry: g, Device: dev}
}

func (s *Store) locate(num uint) (blk uint, slot uint) {
	perBlock := s.Geometry.InodesPerBlock()
	return 1 + num/perBlock, num % perBlock
}

// ReadInode loads inode number num from its backing block.
func (s *Store) ReadInode(num uint) (layout.InodeRecord, error) {
	if num >= s.Geometry.NumInodes {
		return layout.InodeRecord{}, errors.ErrBadArgument.WithMessage("inode number out of range")
	}
	blk, slot := s.locate(num)
	buf := make([]byte, s.Geometry.BlockBytes)
	if err := s.Device.ReadBlocks(blk, 1, buf); err != nil {
		return layout.InodeRecord{}, err
	}
	inodes, err := layout.DecodeInodeBlock(s.Geometry, buf)
	if err != nil {
		return layout.InodeRecord{}, errors.ErrIO.Wrap(err)
	}
	return inodes[slot], nil
}

// WriteInode stores rec as inode number num, read-modify-writing its block.
func (s *Store) WriteInode(num uint, rec layout.InodeRecord) error {
	if num >= s.Geometry.NumInodes {
		return errors.ErrBadArgument.WithMessage("inode number out of range")
	}
	blk, slot := s.locate(num)
	buf := make([]byte, s.Geometry.BlockBytes)
	if err := s.Device.ReadBlocks(blk, 1, buf); err != nil {
		return err
	}
	inodes, err := layout.DecodeInodeBlock(s.Geometry, buf)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	inodes[slot] = rec
	raw, err := layout.EncodeInodeBlock(s.Geometry, inodes)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return s.Device.WriteBlocks(blk, 1, raw)
}

// Allocate scans for the first free inode (Size < 0) and returns its number.
// It does not mark the inode in use; the caller must WriteInode a non-free
// record before another Allocate call can be relied on not to return it
// again.
func (s *Store) Allocate() (uint, error) {
	for i := uint(0); i < s.Geometry.NumInodes; i++ {
		rec, err := s.ReadInode(i)
		if err != nil {
			return 0, err
		}
		if rec.Size < 0 {
			return i, nil
		}
	}
	return 0, errors.ErrNoInode
}

// Release resets inode num back to the free state.
func (s *Store) Release(num uint) error {
	return s.WriteInode(num, layout.FreeInode(s.Geometry))
}

// FormatAll writes every inode in the store as free. Used by Mount when
// initializing a fresh image.
func (s *Store) FormatAll() error {
	free := layout.FreeInode(s.Geometry)
	perBlock := s.Geometry.InodesPerBlock()
	row := make([]layout.InodeRecord, perBlock)
	for i := range row {
		row[i] = free
	}
	raw, err := layout.EncodeInodeBlock(s.Geometry, row)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	blocks := s.Geometry.InodeFileBlocks()
	for b := uint(0); b < blocks; b++ {
		if err := s.Device.WriteBlocks(1+b, 1, raw); err != nil {
			return err
		}
	}
	return nil
}

// BlockAt returns the physical block number holding logical block idx of the
// file described by rec, or 0 if that logical block has never been written.
func (s *Store) BlockAt(rec layout.InodeRecord, idx uint) (uint, error) {
	if idx < s.Geometry.DirectPtrs {
		return uint(rec.Direct[idx]), nil
	}

	indirectIdx := idx - s.Geometry.DirectPtrs
	if indirectIdx >= s.Geometry.IndirectPtrs() {
		return 0, errors.ErrBadArgument.WithMessage("logical block index exceeds maximum file size")
	}
	if rec.Indirect == 0 {
		return 0, nil
	}

	buf := make([]byte, s.Geometry.BlockBytes)
	if err := s.Device.ReadBlocks(uint(rec.Indirect), 1, buf); err != nil {
		return 0, err
	}
	ptrs, err := layout.DecodeIndirectBlock(s.Geometry, buf)
	if err != nil {
		return 0, errors.ErrIO.Wrap(err)
	}
	return uint(ptrs[indirectIdx]), nil
}

// SetBlockAt links physical block phys as logical block idx of rec, mutating
// rec in place. If idx falls in the indirect range and rec has no indirect
// block yet, one is allocated via alloc and written out before the pointer is
// recorded, so a read of the indirect block never dereferences a block that
// was never given content (the failure mode this store refuses to produce
// when copying a file during a commit or restore).
// The caller still owns persisting rec itself via WriteInode.
func (s *Store) SetBlockAt(rec *layout.InodeRecord, idx uint, phys uint, alloc *bitmap.Allocator) error {
	if idx < s.Geometry.DirectPtrs {
		rec.Direct[idx] = uint32(phys)
		return nil
	}

	indirectIdx := idx - s.Geometry.DirectPtrs
	if indirectIdx >= s.Geometry.IndirectPtrs() {
		return errors.ErrBadArgument.WithMessage("logical block index exceeds maximum file size")
	}

	var ptrs []uint32
	if rec.Indirect == 0 {
		newBlock, err := alloc.Allocate()
		if err != nil {
			return err
		}
		rec.Indirect = uint32(newBlock)
		ptrs = make([]uint32, s.Geometry.IndirectPtrs())
	} else {
		buf := make([]byte, s.Geometry.BlockBytes)
		if err := s.Device.ReadBlocks(uint(rec.Indirect), 1, buf); err != nil {
			return err
		}
		decoded, err := layout.DecodeIndirectBlock(s.Geometry, buf)
		if err != nil {
			return errors.ErrIO.Wrap(err)
		}
		ptrs = decoded
	}

	ptrs[indirectIdx] = uint32(phys)
	raw, err := layout.EncodeIndirectBlock(s.Geometry, ptrs)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return s.Device.WriteBlocks(uint(rec.Indirect), 1, raw)
}

// NumBlocks returns how many logical blocks a file of the given size spans.
func (s *Store) NumBlocks(size int32) uint {
	if size <= 0 {
		return 0
	}
	return (uint(size) + s.Geometry.BlockBytes - 1) / s.Geometry.BlockBytes
}

// LastBlockIndex returns the logical index of a file's final block. Only
// meaningful when NumBlocks(size) > 0.
func (s *Store) LastBlockIndex(size int32) uint {
	n := s.NumBlocks(size)
	if n == 0 {
		return 0
	}
	return n - 1
}

// EndChar returns the count of valid bytes in a file's final block: size mod
// BlockBytes, except that a nonzero size which is an exact multiple of
// BlockBytes reports a full block (BlockBytes) rather than 0.
func (s *Store) EndChar(size int32) uint {
	if size <= 0 {
		return 0
	}
	rem := uint(size) % s.Geometry.BlockBytes
	if rem == 0 {
		return s.Geometry.BlockBytes
	}
	return rem
}

// chainPointers returns every non-zero pointer in rec's direct+indirect
// chain, in traversal order. The indirect block is only consulted once every
// direct slot is filled, matching AddBlock's linear-fill policy.
func (s *Store) chainPointers(rec layout.InodeRecord) ([]uint, error) {
	var out []uint
	for _, d := range rec.Direct {
		if d == 0 {
			break
		}
		out = append(out, uint(d))
	}
	if rec.Indirect != 0 && uint(len(out)) == s.Geometry.DirectPtrs {
		buf := make([]byte, s.Geometry.BlockBytes)
		if err := s.Device.ReadBlocks(uint(rec.Indirect), 1, buf); err != nil {
			return nil, err
		}
		ptrs, err := layout.DecodeIndirectBlock(s.Geometry, buf)
		if err != nil {
			return nil, errors.ErrIO.Wrap(err)
		}
		for _, p := range ptrs {
			if p == 0 {
				break
			}
			out = append(out, uint(p))
		}
	}
	return out, nil
}

// LastBlockPhysical returns the physical block number of rec's final
// allocated block, or 0 if the chain is empty (never true for a live inode;
//  guarantees at least one block).
func (s *Store) LastBlockPhysical(rec layout.InodeRecord) (uint, error) {
	chain, err := s.chainPointers(rec)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return 0, nil
	}
	return chain[len(chain)-1], nil
}

// NextBlockPhysical returns the physical block following `current` in rec's
// chain. ok is false if current is the chain's last block, or isn't present
// in the chain at all.
func (s *Store) NextBlockPhysical(rec layout.InodeRecord, current uint) (next uint, ok bool, err error) {
	chain, err := s.chainPointers(rec)
	if err != nil {
		return 0, false, err
	}
	for i, p := range chain {
		if p == current {
			if i+1 < len(chain) {
				return chain[i+1], true, nil
			}
			return 0, false, nil
		}
	}
	return 0, false, nil
}

// ChainIndexOf returns the logical block index of physical block phys within
// rec's chain, or ok=false if phys does not appear in the chain.
func (s *Store) ChainIndexOf(rec layout.InodeRecord, phys uint) (idx uint, ok bool, err error) {
	chain, err := s.chainPointers(rec)
	if err != nil {
		return 0, false, err
	}
	for i, p := range chain {
		if p == phys {
			return uint(i), true, nil
		}
	}
	return 0, false, nil
}

// NumBlocksInChain counts the non-zero pointers actually present in rec's
// chain (direct plus indirect) -- distinct
// from NumBlocks(size), which derives the count a given size implies.
func (s *Store) NumBlocksInChain(rec layout.InodeRecord) (uint, error) {
	chain, err := s.chainPointers(rec)
	if err != nil {
		return 0, err
	}
	return uint(len(chain)), nil
}

// AddBlock extends rec by one block: allocate a data block, plug it into the
// first free direct slot, or -- once direct is full -- into the indirect
// block, allocating the indirect block itself on first use. Returns the
// physical block number of the newly added block. Any allocation performed
// that doesn't make it into rec is rolled back before returning an error.
func (s *Store) AddBlock(rec *layout.InodeRecord, alloc *bitmap.Allocator) (uint, error) {
	p, err := alloc.Allocate()
	if err != nil {
		return 0, err
	}

	for i, d := range rec.Direct {
		if d == 0 {
			rec.Direct[i] = uint32(p)
			return p, nil
		}
	}

	if rec.Indirect == 0 {
		q, err := alloc.Allocate()
		if err != nil {
			alloc.Free(p)
			return 0, err
		}
		ptrs := make([]uint32, s.Geometry.IndirectPtrs())
		ptrs[0] = uint32(p)
		raw, err := layout.EncodeIndirectBlock(s.Geometry, ptrs)
		if err != nil {
			alloc.Free(p)
			alloc.Free(q)
			return 0, errors.ErrIO.Wrap(err)
		}
		if err := s.Device.WriteBlocks(q, 1, raw); err != nil {
			alloc.Free(p)
			alloc.Free(q)
			return 0, err
		}
		rec.Indirect = uint32(q)
		return p, nil
	}

	buf := make([]byte, s.Geometry.BlockBytes)
	if err := s.Device.ReadBlocks(uint(rec.Indirect), 1, buf); err != nil {
		alloc.Free(p)
		return 0, err
	}
	ptrs, err := layout.DecodeIndirectBlock(s.Geometry, buf)
	if err != nil {
		alloc.Free(p)
		return 0, errors.ErrIO.Wrap(err)
	}

	for i, ptr := range ptrs {
		if ptr == 0 {
			ptrs[i] = uint32(p)
			raw, err := layout.EncodeIndirectBlock(s.Geometry, ptrs)
			if err != nil {
				alloc.Free(p)
				return 0, errors.ErrIO.Wrap(err)
			}
			if err := s.Device.WriteBlocks(uint(rec.Indirect), 1, raw); err != nil {
				alloc.Free(p)
				return 0, err
			}
			return p, nil
		}
	}

	alloc.Free(p)
	return 0, errors.ErrNoSpace.WithMessage("indirect block is full")
}

// ReleaseBlocks frees every data block and the indirect block (if any)
// belonging to rec back into alloc. It walks the chain actually present on
// rec rather than deriving a count from rec.Size, since a freshly opened
// file has its mandatory first block allocated before a single byte is ever
// written -- NumBlocks(0) is 0, but the chain still holds one block. It does
// not modify rec or write it back; callers free the inode itself separately.
func (s *Store) ReleaseBlocks(rec layout.InodeRecord, alloc *bitmap.Allocator) error {
	for _, d := range rec.Direct {
		if d == 0 {
			break
		}
		alloc.Free(uint(d))
	}
	if rec.Indirect != 0 {
		buf := make([]byte, s.Geometry.BlockBytes)
		if err := s.Device.ReadBlocks(uint(rec.Indirect), 1, buf); err != nil {
			return err
		}
		ptrs, err := layout.DecodeIndirectBlock(s.Geometry, buf)
		if err != nil {
			return errors.ErrIO.Wrap(err)
		}
		for _, p := range ptrs {
			if p == 0 {
				break
			}
			alloc.Free(uint(p))
		}
		alloc.Free(uint(rec.Indirect))
	}
	return nil
}
