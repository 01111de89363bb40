// Package shadowfs implements the shadow file system core engine: a
// single-disk, block-based filesystem with versioned directory snapshots
// ("shadows") that can be committed and restored as atomic states.
//
// The filesystem is addressed through inodes with direct and single-indirect
// block pointers, a fixed-slot directory/shadow ring, and a fixed open-file
// table with independent read and write cursors. All public operations are
// single-threaded cooperative: callers serialize their own access.
package shadowfs

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/dargueta/shadowfs/bitmap"
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/dirent"
	"github.com/dargueta/shadowfs/errors"
	"github.com/dargueta/shadowfs/inode"
	"github.com/dargueta/shadowfs/layout"
	"github.com/dargueta/shadowfs/openfile"
)

// FileSystem is the shadow file system engine bound to one block device.
type FileSystem struct {
	Geometry layout.Geometry
	Device   *block.Device

	inodes  *inode.Store
	dirs    *dirent.Ring
	alloc   *bitmap.Allocator
	handles *openfile.Table
	dirIter dirent.Cursor
}

// Mount attaches the engine to dev using the given geometry. If fresh, a new
// image is initialized (bitmaps cleared, live directory emptied, inode file
// zeroed) and persisted to dev; otherwise the existing image is loaded from
// dev and its superblock magic is verified. The open file table always
// starts empty.
func Mount(g layout.Geometry, dev *block.Device, fresh bool) (*FileSystem, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	fs := &FileSystem{
		Geometry: g,
		Device:   dev,
		inodes:   inode.NewStore(g, dev),
		dirs:     dirent.NewRing(g, dev),
		handles:  openfile.NewTable(g.MaxFD),
	}

	if fresh {
		if err := fs.formatFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := fs.loadExisting(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileSystem) formatFresh() error {
	sb := layout.NewSuperblock(fs.Geometry)
	raw, err := layout.EncodeSuperblock(fs.Geometry, sb)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	if err := fs.Device.WriteBlocks(0, 1, raw); err != nil {
		return err
	}

	if err := fs.inodes.FormatAll(); err != nil {
		return err
	}
	if err := fs.dirs.FormatAll(); err != nil {
		return err
	}

	fs.alloc = bitmap.NewAllocator(fs.Geometry.NumBlocks, fs.Geometry.FirstDataBlock(), fs.Geometry.LastDataBlock())
	fs.reserveMetadataBlocks()
	return fs.persistBitmaps()
}

// reserveMetadataBlocks clears the free-map/write-mask bits for every block
// outside the allocator's [First, Last] range: the superblock, the inode file, the directory ring, and the bitmaps
// themselves. These blocks are permanently allocated and never returned to
// the free pool.
func (fs *FileSystem) reserveMetadataBlocks() {
	for b := uint(0); b < fs.Geometry.FirstDataBlock(); b++ {
		fs.alloc.MarkAllocated(b)
	}
	for slot := uint(0); slot < fs.Geometry.ShadowSlots; slot++ {
		fs.alloc.MarkAllocated(fs.Geometry.DirSlotBlock(slot))
	}
	fs.alloc.MarkAllocated(fs.Geometry.FreeMapBlock())
	fs.alloc.MarkAllocated(fs.Geometry.WriteMaskBlock())
}

func (fs *FileSystem) loadExisting() error {
	buf := make([]byte, fs.Geometry.BlockBytes)
	if err := fs.Device.ReadBlocks(0, 1, buf); err != nil {
		return err
	}
	sb, err := layout.DecodeSuperblock(buf)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	if sb.Magic != layout.Magic {
		errors.Abort("superblock magic mismatch on mount")
	}

	freeBuf := make([]byte, fs.Geometry.BlockBytes)
	if err := fs.Device.ReadBlocks(fs.Geometry.FreeMapBlock(), 1, freeBuf); err != nil {
		return err
	}
	writeBuf := make([]byte, fs.Geometry.BlockBytes)
	if err := fs.Device.ReadBlocks(fs.Geometry.WriteMaskBlock(), 1, writeBuf); err != nil {
		return err
	}

	fs.alloc = &bitmap.Allocator{
		FreeMap:   bitmap.FromBytes(freeBuf, fs.Geometry.NumBlocks),
		WriteMask: bitmap.FromBytes(writeBuf, fs.Geometry.NumBlocks),
		First:     fs.Geometry.FirstDataBlock(),
		Last:      fs.Geometry.LastDataBlock(),
	}
	return nil
}

func (fs *FileSystem) persistBitmaps() error {
	freeRaw, err := layout.EncodeBitmap(fs.Geometry, fs.alloc.FreeMap.Bytes())
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	if err := fs.Device.WriteBlocks(fs.Geometry.FreeMapBlock(), 1, freeRaw); err != nil {
		return err
	}

	writeRaw, err := layout.EncodeBitmap(fs.Geometry, fs.alloc.WriteMask.Bytes())
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return fs.Device.WriteBlocks(fs.Geometry.WriteMaskBlock(), 1, writeRaw)
}

// FOpen opens name, creating it in the live directory if it doesn't already
// exist.
func (fs *FileSystem) FOpen(name string) (int, error) {
	if name == "" || uint(len(name)) > fs.Geometry.MaxName {
		return -1, errors.ErrBadArgument.WithMessage("invalid file name")
	}

	inodeNum, found, err := fs.dirs.Lookup(name)
	if err != nil {
		return -1, err
	}

	if found {
		if fs.handles.IsOpen(name) {
			return -1, errors.ErrAlreadyOpen.WithMessage(name)
		}
		rec, err := fs.inodes.ReadInode(inodeNum)
		if err != nil {
			return -1, err
		}

		fd, err := fs.handles.Open(name, inodeNum)
		if err != nil {
			return -1, err
		}
		h, _ := fs.handles.Get(fd)

		firstBlock, err := fs.inodes.BlockAt(rec, 0)
		if err != nil {
			return -1, err
		}
		h.Read = openfile.Cursor{Block: firstBlock, ByteInBlock: 0}

		lastBlock, err := fs.inodes.LastBlockPhysical(rec)
		if err != nil {
			return -1, err
		}
		h.Write = openfile.Cursor{Block: lastBlock, ByteInBlock: fs.inodes.EndChar(rec.Size)}
		return fd, nil
	}

	newInodeNum, err := fs.inodes.Allocate()
	if err != nil {
		return -1, err
	}
	firstBlock, err := fs.alloc.Allocate()
	if err != nil {
		return -1, err
	}

	rec := layout.InodeRecord{Size: 0, Direct: make([]uint32, fs.Geometry.DirectPtrs)}
	rec.Direct[0] = uint32(firstBlock)
	if err := fs.inodes.WriteInode(newInodeNum, rec); err != nil {
		fs.alloc.Free(firstBlock)
		return -1, err
	}
	if err := fs.dirs.Insert(name, newInodeNum); err != nil {
		fs.alloc.Free(firstBlock)
		_ = fs.inodes.Release(newInodeNum)
		return -1, err
	}

	fd, err := fs.handles.Open(name, newInodeNum)
	if err != nil {
		fs.alloc.Free(firstBlock)
		_ = fs.inodes.Release(newInodeNum)
		_ = fs.dirs.Remove(name)
		return -1, err
	}
	h, _ := fs.handles.Get(fd)
	h.Read = openfile.Cursor{Block: firstBlock, ByteInBlock: 0}
	h.Write = openfile.Cursor{Block: firstBlock, ByteInBlock: 0}

	if err := fs.persistBitmaps(); err != nil {
		return -1, err
	}
	return fd, nil
}

// FClose persists the bitmaps (inode and directory writes are already eager)
// and releases fd.
func (fs *FileSystem) FClose(fd int) error {
	if _, err := fs.handles.Get(fd); err != nil {
		return err
	}
	if err := fs.persistBitmaps(); err != nil {
		return err
	}
	return fs.handles.Close(fd)
}

func (fs *FileSystem) resolveSeek(rec layout.InodeRecord, loc int) (openfile.Cursor, error) {
	if loc < 0 {
		return openfile.Cursor{}, errors.ErrBadArgument.WithMessage("negative seek offset")
	}

	blockIdx := uint(loc) / fs.Geometry.BlockBytes
	byteIdx := uint(loc) % fs.Geometry.BlockBytes

	phys, err := fs.inodes.BlockAt(rec, blockIdx)
	if err != nil {
		return openfile.Cursor{}, err
	}
	if phys == 0 {
		return openfile.Cursor{}, errors.ErrBadArgument.WithMessage("seek target does not exist")
	}

	lastIdx := fs.inodes.LastBlockIndex(rec.Size)
	switch {
	case blockIdx > lastIdx:
		return openfile.Cursor{}, errors.ErrBadArgument.WithMessage("seek past end of file")
	case blockIdx == lastIdx:
		if byteIdx > fs.inodes.EndChar(rec.Size) {
			return openfile.Cursor{}, errors.ErrBadArgument.WithMessage("seek past end of file")
		}
	}
	return openfile.Cursor{Block: phys, ByteInBlock: byteIdx}, nil
}

// FRSeek moves fd's read cursor to logical byte offset loc.
func (fs *FileSystem) FRSeek(fd int, loc int) error {
	h, err := fs.handles.Get(fd)
	if err != nil {
		return err
	}
	rec, err := fs.inodes.ReadInode(h.InodeNumber)
	if err != nil {
		return err
	}
	cur, err := fs.resolveSeek(rec, loc)
	if err != nil {
		return err
	}
	h.Read = cur
	return nil
}

// FWSeek moves fd's write cursor to logical byte offset loc.
func (fs *FileSystem) FWSeek(fd int, loc int) error {
	h, err := fs.handles.Get(fd)
	if err != nil {
		return err
	}
	rec, err := fs.inodes.ReadInode(h.InodeNumber)
	if err != nil {
		return err
	}
	cur, err := fs.resolveSeek(rec, loc)
	if err != nil {
		return err
	}
	h.Write = cur
	return nil
}

// FWrite writes up to len(buf) bytes from fd's write cursor and returns the
// count actually written, which is less than len(buf) only when the device
// runs out of space -- reported as a short count, not an error.
func (fs *FileSystem) FWrite(fd int, buf []byte) (int, error) {
	h, err := fs.handles.Get(fd)
	if err != nil {
		return 0, err
	}
	rec, err := fs.inodes.ReadInode(h.InodeNumber)
	if err != nil {
		return 0, err
	}

	oldSize := int64(rec.Size)
	cur := h.Write

	startIdx, found, err := fs.inodes.ChainIndexOf(rec, cur.Block)
	if err != nil {
		return 0, err
	}
	var logicalOffset int64
	if found {
		logicalOffset = int64(startIdx)*int64(fs.Geometry.BlockBytes) + int64(cur.ByteInBlock)
	} else {
		logicalOffset = int64(cur.ByteInBlock)
	}

	written := 0
	blockBuf := make([]byte, fs.Geometry.BlockBytes)
	loadedBlock := ^uint(0)
	dirty := false

	flush := func() error {
		if !dirty {
			return nil
		}
		dirty = false
		return fs.Device.WriteBlocks(cur.Block, 1, blockBuf)
	}

	for written < len(buf) {
		if cur.ByteInBlock >= fs.Geometry.BlockBytes {
			if err := flush(); err != nil {
				return written, err
			}

			next, ok, err := fs.inodes.NextBlockPhysical(rec, cur.Block)
			if err != nil {
				return written, err
			}
			if !ok {
				added, err := fs.inodes.AddBlock(&rec, fs.alloc)
				if err != nil {
					break // disk full: report the short count, not an error
				}
				next = added
			}
			cur = openfile.Cursor{Block: next, ByteInBlock: 0}
			loadedBlock = ^uint(0)
		}

		if loadedBlock != cur.Block {
			if err := fs.Device.ReadBlocks(cur.Block, 1, blockBuf); err != nil {
				return written, err
			}
			loadedBlock = cur.Block
		}

		blockBuf[cur.ByteInBlock] = buf[written]
		dirty = true
		if logicalOffset >= oldSize {
			rec.Size++
		}

		cur.ByteInBlock++
		logicalOffset++
		written++
	}

	if err := flush(); err != nil {
		return written, err
	}
	if err := fs.inodes.WriteInode(h.InodeNumber, rec); err != nil {
		return written, err
	}
	if err := fs.persistBitmaps(); err != nil {
		return written, err
	}

	h.Write = cur
	return written, nil
}

// FRead reads up to len(buf) bytes from fd's read cursor, stopping at
// end-of-file, and returns the count actually read.
func (fs *FileSystem) FRead(fd int, buf []byte) (int, error) {
	h, err := fs.handles.Get(fd)
	if err != nil {
		return 0, err
	}
	rec, err := fs.inodes.ReadInode(h.InodeNumber)
	if err != nil {
		return 0, err
	}

	lastBlock, err := fs.inodes.LastBlockPhysical(rec)
	if err != nil {
		return 0, err
	}
	lastChar := fs.inodes.EndChar(rec.Size)

	cur := h.Read
	read := 0
	blockBuf := make([]byte, fs.Geometry.BlockBytes)
	loadedBlock := ^uint(0)

	for read < len(buf) {
		if cur.Block == lastBlock && cur.ByteInBlock >= lastChar {
			break
		}
		if cur.ByteInBlock >= fs.Geometry.BlockBytes {
			next, ok, err := fs.inodes.NextBlockPhysical(rec, cur.Block)
			if err != nil {
				return read, err
			}
			if !ok {
				break
			}
			cur = openfile.Cursor{Block: next, ByteInBlock: 0}
			loadedBlock = ^uint(0)
		}

		if loadedBlock != cur.Block {
			if err := fs.Device.ReadBlocks(cur.Block, 1, blockBuf); err != nil {
				return read, err
			}
			loadedBlock = cur.Block
		}

		buf[read] = blockBuf[cur.ByteInBlock]
		cur.ByteInBlock++
		read++
	}

	h.Read = cur
	return read, nil
}

// Remove deletes name from the live directory: its block chain returns to
// the bitmaps, its inode is freed, and any open handle on the same name is
// invalidated.
func (fs *FileSystem) Remove(name string) error {
	inodeNum, found, err := fs.dirs.Lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return errors.ErrNotFound.WithMessage(name)
	}

	rec, err := fs.inodes.ReadInode(inodeNum)
	if err != nil {
		return err
	}
	if err := fs.inodes.ReleaseBlocks(rec, fs.alloc); err != nil {
		return err
	}
	if err := fs.inodes.Release(inodeNum); err != nil {
		return err
	}
	if err := fs.dirs.Remove(name); err != nil {
		return err
	}

	fs.invalidateHandles(name)
	return fs.persistBitmaps()
}

func (fs *FileSystem) invalidateHandles(name string) {
	for fd := 0; fd < int(fs.Geometry.MaxFD); fd++ {
		h, err := fs.handles.Get(fd)
		if err == nil && h.Name == name {
			_ = fs.handles.Close(fd)
		}
	}
}

// GetFileSize looks up name in the live directory and returns its size.
func (fs *FileSystem) GetFileSize(name string) (int, error) {
	inodeNum, found, err := fs.dirs.Lookup(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.ErrNotFound.WithMessage(name)
	}
	rec, err := fs.inodes.ReadInode(inodeNum)
	if err != nil {
		return 0, err
	}
	return int(rec.Size), nil
}

// GetNextFileName returns the next live filename in slot order. ok is false
// once the end of the live directory is reached, after which the internal
// cursor rewinds for the next call.
func (fs *FileSystem) GetNextFileName() (name string, ok bool, err error) {
	entries, err := fs.dirs.ReadSlot(0)
	if err != nil {
		return "", false, err
	}
	name, ok = fs.dirIter.Next(entries)
	return name, ok, nil
}

// copyFile duplicates srcInode's data and size into a freshly created live
// directory entry named name: a destination inode and first block are
// allocated through the normal open-new path, then each source block is
// copied into a destination block that is allocated and linked into the
// destination inode *before* anything is written through it, so a partial
// failure never leaves the destination inode pointing at an unwritten block.
func (fs *FileSystem) copyFile(name string, srcInode uint) error {
	srcRec, err := fs.inodes.ReadInode(srcInode)
	if err != nil {
		return err
	}

	dstInode, err := fs.inodes.Allocate()
	if err != nil {
		return err
	}
	firstBlock, err := fs.alloc.Allocate()
	if err != nil {
		return err
	}

	dstRec := layout.InodeRecord{Size: 0, Direct: make([]uint32, fs.Geometry.DirectPtrs)}
	dstRec.Direct[0] = uint32(firstBlock)
	if err := fs.inodes.WriteInode(dstInode, dstRec); err != nil {
		fs.alloc.Free(firstBlock)
		return err
	}
	if err := fs.dirs.Insert(name, dstInode); err != nil {
		fs.alloc.Free(firstBlock)
		_ = fs.inodes.Release(dstInode)
		return err
	}

	cleanup := func(cause error) error {
		_ = fs.dirs.Remove(name)
		_ = fs.inodes.ReleaseBlocks(dstRec, fs.alloc)
		_ = fs.inodes.Release(dstInode)
		return cause
	}

	dataBlocks := fs.inodes.NumBlocks(srcRec.Size)
	buf := make([]byte, fs.Geometry.BlockBytes)
	for i := uint(0); i < dataBlocks; i++ {
		srcPhys, err := fs.inodes.BlockAt(srcRec, i)
		if err != nil {
			return cleanup(err)
		}
		if srcPhys == 0 {
			errors.Abort("source block chain shorter than its recorded size implies")
		}

		var dstPhys uint
		if i == 0 {
			dstPhys = firstBlock
		} else {
			dstPhys, err = fs.alloc.Allocate()
			if err != nil {
				return cleanup(err)
			}
			if err := fs.inodes.SetBlockAt(&dstRec, i, dstPhys, fs.alloc); err != nil {
				fs.alloc.Free(dstPhys)
				return cleanup(err)
			}
		}

		if err := fs.Device.ReadBlocks(srcPhys, 1, buf); err != nil {
			return cleanup(err)
		}
		if err := fs.Device.WriteBlocks(dstPhys, 1, buf); err != nil {
			return cleanup(err)
		}
	}

	dstRec.Size = srcRec.Size
	if err := fs.inodes.WriteInode(dstInode, dstRec); err != nil {
		return cleanup(err)
	}
	return nil
}

func (fs *FileSystem) freeDirSlot(slot uint) error {
	entries, err := fs.dirs.ReadSlot(slot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		rec, err := fs.inodes.ReadInode(uint(e.InodeNumber))
		if err != nil {
			return err
		}
		if err := fs.inodes.ReleaseBlocks(rec, fs.alloc); err != nil {
			return err
		}
		if err := fs.inodes.Release(uint(e.InodeNumber)); err != nil {
			return err
		}
	}
	return nil
}

// Commit promotes the live directory into shadow slot 1, discarding the
// oldest shadow, then rebuilds a fresh live directory from the new slot 1 by
// duplicating every file's block chain. A per-file copy failure is recorded
// and Commit continues with the remaining files rather than aborting the
// whole operation; every failure is aggregated and returned together.
func (fs *FileSystem) Commit() error {
	oldest := fs.Geometry.ShadowSlots - 1
	if err := fs.freeDirSlot(oldest); err != nil {
		return err
	}

	if err := fs.dirs.Shift(); err != nil {
		return err
	}

	newLiveSource, err := fs.dirs.ReadSlot(1)
	if err != nil {
		return err
	}

	empty := make([]layout.DirEntryRecord, fs.Geometry.FilesPerDir())
	if err := fs.dirs.WriteSlot(0, empty); err != nil {
		return err
	}

	var result *multierror.Error
	for _, e := range newLiveSource {
		if e.Name == "" {
			continue
		}
		if err := fs.copyFile(e.Name, uint(e.InodeNumber)); err != nil {
			result = multierror.Append(result, fmt.Errorf("commit: %s: %w", e.Name, err))
		}
	}

	if err := fs.persistBitmaps(); err != nil {
		result = multierror.Append(result, err)
	}
	fs.handles.CloseAll()
	fs.dirIter.Reset()

	return result.ErrorOrNil()
}

// Restore replaces the live directory with shadow slot k, 1 <= k <
// ShadowSlots. k == 0 is a no-op.
func (fs *FileSystem) Restore(k uint) error {
	if k == 0 {
		return nil
	}
	if k >= fs.Geometry.ShadowSlots {
		return errors.ErrBadArgument.WithMessage("shadow slot out of range")
	}

	if err := fs.freeDirSlot(0); err != nil {
		return err
	}

	empty := make([]layout.DirEntryRecord, fs.Geometry.FilesPerDir())
	if err := fs.dirs.WriteSlot(0, empty); err != nil {
		return err
	}

	shadowEntries, err := fs.dirs.ReadSlot(k)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, e := range shadowEntries {
		if e.Name == "" {
			continue
		}
		if err := fs.copyFile(e.Name, uint(e.InodeNumber)); err != nil {
			result = multierror.Append(result, fmt.Errorf("restore: %s: %w", e.Name, err))
		}
	}

	if err := fs.persistBitmaps(); err != nil {
		result = multierror.Append(result, err)
	}
	fs.handles.CloseAll()
	fs.dirIter.Reset()

	return result.ErrorOrNil()
}

// ShadowDepth returns the number of shadow slots (excluding the live
// directory) this filesystem supports.
func (fs *FileSystem) ShadowDepth() uint {
	return fs.Geometry.ShadowSlots - 1
}

// ListShadow returns the non-empty filenames held in shadow slot k
// (1-based; k must be in [1, ShadowSlots)).
func (fs *FileSystem) ListShadow(k uint) ([]string, error) {
	if k == 0 || k >= fs.Geometry.ShadowSlots {
		return nil, errors.ErrBadArgument.WithMessage("shadow slot out of range")
	}
	entries, err := fs.dirs.ReadSlot(k)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// Close detaches from the underlying device. The engine does not close the
// device implicitly anywhere else; device lifetime is owned externally.
func (fs *FileSystem) Close() error {
	return fs.Device.CloseDisk()
}
