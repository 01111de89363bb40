package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// Magic is the superblock's magic number, written on format and checked on
// every subsequent mount.
const Magic uint32 = 0xACBD0005

// padOrTruncate returns data resized to exactly n bytes: zero-padded if
// shorter, or an error if longer (a metadata record must never overflow its
// block).
func padOrTruncate(data []byte, n uint) ([]byte, error) {
	if uint(len(data)) > n {
		return nil, fmt.Errorf("layout: record is %d bytes, exceeds block size %d", len(data), n)
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// InodeRecord is the on-disk shape of one inode.
type InodeRecord struct {
	// Size is the file size in bytes, or -1 if the inode is free.
	Size int32
	// Direct holds DirectPtrs block pointers; 0 means no block.
	Direct []uint32
	// Indirect is the single-indirect block pointer, or 0 for none.
	Indirect uint32
}

// FreeInode is the canonical representation of an unallocated inode
//.
func FreeInode(g Geometry) InodeRecord {
	return InodeRecord{Size: -1, Direct: make([]uint32, g.DirectPtrs)}
}

// EncodeInode flattens an inode into its fixed-width on-disk form.
func EncodeInode(g Geometry, rec InodeRecord) ([]byte, error) {
	if uint(len(rec.Direct)) != g.DirectPtrs {
		return nil, fmt.Errorf(
			"layout: expected %d direct pointers, got %d", g.DirectPtrs, len(rec.Direct))
	}

	buf := make([]byte, g.InodeBytes())
	w := bytewriter.New(buf)
	if err := binary.Write(w, binary.LittleEndian, rec.Size); err != nil {
		return nil, err
	}
	for _, ptr := range rec.Direct {
		if err := binary.Write(w, binary.LittleEndian, ptr); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Indirect); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeInode parses an inode from its fixed-width on-disk form.
func DecodeInode(g Geometry, data []byte) (InodeRecord, error) {
	r := bytes.NewReader(data)
	var rec InodeRecord
	if err := binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
		return rec, err
	}
	rec.Direct = make([]uint32, g.DirectPtrs)
	for i := range rec.Direct {
		if err := binary.Read(r, binary.LittleEndian, &rec.Direct[i]); err != nil {
			return rec, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Indirect); err != nil {
		return rec, err
	}
	return rec, nil
}

// EncodeInodeBlock flattens InodesPerBlock consecutive inodes into one
// block-sized buffer.
func EncodeInodeBlock(g Geometry, inodes []InodeRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, inode := range inodes {
		raw, err := EncodeInode(g, inode)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	return padOrTruncate(buf.Bytes(), g.BlockBytes)
}

// DecodeInodeBlock parses InodesPerBlock inodes out of one block.
func DecodeInodeBlock(g Geometry, data []byte) ([]InodeRecord, error) {
	perBlock := g.InodesPerBlock()
	inodeBytes := g.InodeBytes()
	out := make([]InodeRecord, perBlock)
	for i := uint(0); i < perBlock; i++ {
		start := i * inodeBytes
		rec, err := DecodeInode(g, data[start:start+inodeBytes])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// EncodeIndirectBlock flattens an indirect block's pointer array.
func EncodeIndirectBlock(g Geometry, ptrs []uint32) ([]byte, error) {
	if uint(len(ptrs)) != g.IndirectPtrs() {
		return nil, fmt.Errorf(
			"layout: expected %d indirect pointers, got %d", g.IndirectPtrs(), len(ptrs))
	}
	buf := make([]byte, g.BlockBytes)
	w := bytewriter.New(buf)
	for _, ptr := range ptrs {
		if err := binary.Write(w, binary.LittleEndian, ptr); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeIndirectBlock parses an indirect block's pointer array.
func DecodeIndirectBlock(g Geometry, data []byte) ([]uint32, error) {
	count := g.IndirectPtrs()
	out := make([]uint32, count)
	r := bytes.NewReader(data)
	for i := uint(0); i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DirEntryRecord is the on-disk shape of one directory entry.
type DirEntryRecord struct {
	// Name is empty for an unused slot (name[0] == 0 on disk).
	Name string
	// InodeNumber is the inode this entry refers to.
	InodeNumber uint32
}

// EncodeDirEntry flattens a directory entry into its fixed-width form.
func EncodeDirEntry(g Geometry, rec DirEntryRecord) ([]byte, error) {
	if uint(len(rec.Name)) > g.MaxName {
		return nil, fmt.Errorf("layout: name %q exceeds MaxName=%d", rec.Name, g.MaxName)
	}

	buf := make([]byte, g.DirEntryBytes())
	w := bytewriter.New(buf)
	nameField := make([]byte, g.MaxName+1)
	copy(nameField, rec.Name)
	if _, err := w.Write(nameField); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.InodeNumber); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeDirEntry parses a directory entry from its fixed-width form.
func DecodeDirEntry(g Geometry, data []byte) DirEntryRecord {
	nameField := data[:g.MaxName+1]
	end := bytes.IndexByte(nameField, 0)
	if end < 0 {
		end = len(nameField)
	}
	inodeNo := binary.LittleEndian.Uint32(data[g.MaxName+1:])
	return DirEntryRecord{Name: string(nameField[:end]), InodeNumber: inodeNo}
}

// EncodeDirBlock flattens FilesPerDir directory entries into one block.
func EncodeDirBlock(g Geometry, entries []DirEntryRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, entry := range entries {
		raw, err := EncodeDirEntry(g, entry)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	return padOrTruncate(buf.Bytes(), g.BlockBytes)
}

// DecodeDirBlock parses FilesPerDir directory entries out of one block.
func DecodeDirBlock(g Geometry, data []byte) []DirEntryRecord {
	perDir := g.FilesPerDir()
	entryBytes := g.DirEntryBytes()
	out := make([]DirEntryRecord, perDir)
	for i := uint(0); i < perDir; i++ {
		start := i * entryBytes
		out[i] = DecodeDirEntry(g, data[start:start+entryBytes])
	}
	return out
}

// SuperblockRecord is the on-disk shape of block 0.
//
// JNodes are vestigial root-inode-like pointers describing the inode file
// itself, one per directory slot, kept for on-disk layout compatibility;
// nothing in the engine reads them back.
type SuperblockRecord struct {
	Magic       uint32
	BlockBytes  uint32
	NumBlocks   uint32
	NumInodes   uint32
	DirectPtrs  uint32
	ShadowSlots uint32
	MaxFD       uint32
	MaxName     uint32
	JNodes      []uint32 // ShadowSlots * InodeFileBlocks(g) pointers
}

// NewSuperblock builds the superblock record for a freshly formatted image
// with the given geometry.
func NewSuperblock(g Geometry) SuperblockRecord {
	inodeFileBlocks := g.InodeFileBlocks()
	jnodes := make([]uint32, g.ShadowSlots*inodeFileBlocks)
	for slot := uint(0); slot < g.ShadowSlots; slot++ {
		for b := uint(0); b < inodeFileBlocks; b++ {
			jnodes[slot*inodeFileBlocks+b] = uint32(b + 1)
		}
	}
	return SuperblockRecord{
		Magic:       Magic,
		BlockBytes:  uint32(g.BlockBytes),
		NumBlocks:   uint32(g.NumBlocks),
		NumInodes:   uint32(g.NumInodes),
		DirectPtrs:  uint32(g.DirectPtrs),
		ShadowSlots: uint32(g.ShadowSlots),
		MaxFD:       uint32(g.MaxFD),
		MaxName:     uint32(g.MaxName),
		JNodes:      jnodes,
	}
}

// Geometry reconstructs the Geometry this superblock was formatted with.
func (sb SuperblockRecord) Geometry() Geometry {
	return Geometry{
		BlockBytes:  uint(sb.BlockBytes),
		NumBlocks:   uint(sb.NumBlocks),
		NumInodes:   uint(sb.NumInodes),
		DirectPtrs:  uint(sb.DirectPtrs),
		ShadowSlots: uint(sb.ShadowSlots),
		MaxFD:       uint(sb.MaxFD),
		MaxName:     uint(sb.MaxName),
	}
}

// EncodeSuperblock flattens the superblock into its block-sized on-disk form.
func EncodeSuperblock(g Geometry, sb SuperblockRecord) ([]byte, error) {
	var buf bytes.Buffer
	fields := []any{sb.Magic, sb.BlockBytes, sb.NumBlocks, sb.NumInodes, sb.DirectPtrs, sb.ShadowSlots, sb.MaxFD, sb.MaxName}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	for _, ptr := range sb.JNodes {
		if err := binary.Write(&buf, binary.LittleEndian, ptr); err != nil {
			return nil, err
		}
	}
	return padOrTruncate(buf.Bytes(), g.BlockBytes)
}

// DecodeSuperblock parses a superblock out of block 0's raw bytes.
func DecodeSuperblock(data []byte) (SuperblockRecord, error) {
	r := bytes.NewReader(data)
	var sb SuperblockRecord
	fields := []any{&sb.Magic, &sb.BlockBytes, &sb.NumBlocks, &sb.NumInodes, &sb.DirectPtrs, &sb.ShadowSlots, &sb.MaxFD, &sb.MaxName}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return sb, err
		}
	}

	inodeFileBlocks := sb.Geometry().InodeFileBlocks()
	jnodes := make([]uint32, sb.ShadowSlots*uint32(inodeFileBlocks))
	for i := range jnodes {
		if err := binary.Read(r, binary.LittleEndian, &jnodes[i]); err != nil {
			break // tolerate a short read on the vestigial tail
		}
	}
	sb.JNodes = jnodes
	return sb, nil
}

// EncodeBitmap pads a packed bitmap byte array out to one block.
func EncodeBitmap(g Geometry, packed []byte) ([]byte, error) {
	return padOrTruncate(packed, g.BlockBytes)
}
