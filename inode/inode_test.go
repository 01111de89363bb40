package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/shadowfs/bitmap"
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/inode"
	"github.com/dargueta/shadowfs/layout"
)

func newFixture(t *testing.T) (layout.Geometry, *inode.Store) {
	t.Helper()
	g, err := layout.Preset("tiny")
	require.NoError(t, err)
	dev := block.InitFreshDisk(g.BlockBytes, g.NumBlocks)
	store := inode.NewStore(g, dev)
	require.NoError(t, store.FormatAll())
	return g, store
}

func TestAllocateFindsFreeInode(t *testing.T) {
	_, store := newFixture(t)

	num, err := store.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint(0), num)
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, store := newFixture(t)

	num, err := store.Allocate()
	require.NoError(t, err)

	rec, err := store.ReadInode(num)
	require.NoError(t, err)
	rec.Size = 42
	require.NoError(t, store.WriteInode(num, rec))

	got, err := store.ReadInode(num)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Size)

	next, err := store.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, num, next)
}

func TestReleaseMakesInodeReusable(t *testing.T) {
	_, store := newFixture(t)

	num, err := store.Allocate()
	require.NoError(t, err)
	rec, _ := store.ReadInode(num)
	rec.Size = 1
	require.NoError(t, store.WriteInode(num, rec))

	require.NoError(t, store.Release(num))

	again, err := store.Allocate()
	require.NoError(t, err)
	assert.Equal(t, num, again)
}

func TestSetAndGetDirectBlock(t *testing.T) {
	g, store := newFixture(t)
	num, err := store.Allocate()
	require.NoError(t, err)
	rec, _ := store.ReadInode(num)

	alloc := bitmap.NewAllocator(g.NumBlocks, g.FirstDataBlock(), g.LastDataBlock())
	phys, err := alloc.Allocate()
	require.NoError(t, err)

	require.NoError(t, store.SetBlockAt(&rec, 0, phys, alloc))
	require.NoError(t, store.WriteInode(num, rec))

	got, err := store.ReadInode(num)
	require.NoError(t, err)
	gotPhys, err := store.BlockAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, phys, gotPhys)
}

func TestSetBlockAtAllocatesIndirectOnDemand(t *testing.T) {
	g, store := newFixture(t)
	num, err := store.Allocate()
	require.NoError(t, err)
	rec, _ := store.ReadInode(num)

	alloc := bitmap.NewAllocator(g.NumBlocks, g.FirstDataBlock(), g.LastDataBlock())
	phys, err := alloc.Allocate()
	require.NoError(t, err)

	idx := g.DirectPtrs // first indirect-range index
	require.NoError(t, store.SetBlockAt(&rec, idx, phys, alloc))
	require.NotZero(t, rec.Indirect)

	gotPhys, err := store.BlockAt(rec, idx)
	require.NoError(t, err)
	assert.Equal(t, phys, gotPhys)
}

func TestEndCharFullBlockIsReportedAsFull(t *testing.T) {
	g, store := newFixture(t)
	assert.Equal(t, g.BlockBytes, store.EndChar(int32(g.BlockBytes)))
	assert.Equal(t, uint(1), store.EndChar(1))
	assert.Equal(t, uint(0), store.EndChar(0))
}

func TestNumBlocksAndLastBlockIndex(t *testing.T) {
	g, store := newFixture(t)
	assert.Equal(t, uint(0), store.NumBlocks(0))
	assert.Equal(t, uint(1), store.NumBlocks(1))
	assert.Equal(t, uint(1), store.NumBlocks(int32(g.BlockBytes)))
	assert.Equal(t, uint(2), store.NumBlocks(int32(g.BlockBytes)+1))
	assert.Equal(t, uint(1), store.LastBlockIndex(int32(g.BlockBytes)+1))
}

func TestReleaseBlocksFreesDirectAndIndirect(t *testing.T) {
	g, store := newFixture(t)
	num, err := store.Allocate()
	require.NoError(t, err)
	rec, _ := store.ReadInode(num)

	alloc := bitmap.NewAllocator(g.NumBlocks, g.FirstDataBlock(), g.LastDataBlock())
	direct, err := alloc.Allocate()
	require.NoError(t, err)
	require.NoError(t, store.SetBlockAt(&rec, 0, direct, alloc))

	indirectData, err := alloc.Allocate()
	require.NoError(t, err)
	require.NoError(t, store.SetBlockAt(&rec, g.DirectPtrs, indirectData, alloc))

	rec.Size = int32((g.DirectPtrs + 1) * g.BlockBytes)
	require.NotZero(t, rec.Indirect)

	require.NoError(t, store.ReleaseBlocks(rec, alloc))
	assert.True(t, alloc.FreeMap.Get(direct))
	assert.True(t, alloc.FreeMap.Get(indirectData))
	assert.True(t, alloc.FreeMap.Get(uint(rec.Indirect)))
}

func TestReleaseBlocksFreesMandatoryBlockOfUnwrittenFile(t *testing.T) {
	g, store := newFixture(t)
	num, err := store.Allocate()
	require.NoError(t, err)
	rec, _ := store.ReadInode(num)

	alloc := bitmap.NewAllocator(g.NumBlocks, g.FirstDataBlock(), g.LastDataBlock())
	direct, err := alloc.Allocate()
	require.NoError(t, err)
	require.NoError(t, store.SetBlockAt(&rec, 0, direct, alloc))
	rec.Size = 0 // never written, but still owns its first block

	require.NoError(t, store.ReleaseBlocks(rec, alloc))
	assert.True(t, alloc.FreeMap.Get(direct))
}
