package dirent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/dirent"
	sfserrors "github.com/dargueta/shadowfs/errors"
	"github.com/dargueta/shadowfs/layout"
)

func newFixture(t *testing.T) (layout.Geometry, *dirent.Ring) {
	t.Helper()
	g, err := layout.Preset("tiny")
	require.NoError(t, err)
	dev := block.InitFreshDisk(g.BlockBytes, g.NumBlocks)
	ring := dirent.NewRing(g, dev)
	require.NoError(t, ring.FormatAll())
	return g, ring
}

func TestInsertAndLookup(t *testing.T) {
	_, ring := newFixture(t)

	require.NoError(t, ring.Insert("hello.txt", 3))
	num, ok, err := ring.Lookup("hello.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(3), num)

	_, ok, err = ring.Lookup("missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertFailsWhenDirectoryFull(t *testing.T) {
	g, ring := newFixture(t)
	for i := uint(0); i < g.FilesPerDir(); i++ {
		require.NoError(t, ring.Insert(string(rune('a'+i)), i))
	}
	err := ring.Insert("overflow", 99)
	assert.ErrorIs(t, err, sfserrors.ErrNoSpace)
}

func TestRemove(t *testing.T) {
	_, ring := newFixture(t)
	require.NoError(t, ring.Insert("a.txt", 1))
	require.NoError(t, ring.Remove("a.txt"))

	_, ok, err := ring.Lookup("a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	err = ring.Remove("a.txt")
	assert.Error(t, err)
}

func TestShiftPushesLiveIntoShadowHistory(t *testing.T) {
	g, ring := newFixture(t)
	require.NoError(t, ring.Insert("v1.txt", 1))

	require.NoError(t, ring.Shift())
	empty := make([]layout.DirEntryRecord, g.FilesPerDir())
	require.NoError(t, ring.WriteSlot(0, empty))
	require.NoError(t, ring.Insert("v2.txt", 2))

	liveEntries, err := ring.ReadSlot(0)
	require.NoError(t, err)
	assert.Equal(t, "v2.txt", firstNonEmpty(liveEntries))

	shadowEntries, err := ring.ReadSlot(1)
	require.NoError(t, err)
	assert.Equal(t, "v1.txt", firstNonEmpty(shadowEntries))
}

func TestCursorWrapsAndSignalsExhaustion(t *testing.T) {
	_, ring := newFixture(t)
	require.NoError(t, ring.Insert("a.txt", 1))
	require.NoError(t, ring.Insert("b.txt", 2))

	entries, err := ring.ReadSlot(0)
	require.NoError(t, err)

	var cur dirent.Cursor
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		name, ok := cur.Next(entries)
		require.True(t, ok)
		seen[name] = true
	}
	assert.True(t, seen["a.txt"])
	assert.True(t, seen["b.txt"])

	_, ok := cur.Next(entries)
	assert.False(t, ok)

	name, ok := cur.Next(entries)
	assert.True(t, ok)
	assert.NotEmpty(t, name)
}

func firstNonEmpty(entries []layout.DirEntryRecord) string {
	for _, e := range entries {
		if e.Name != "" {
			return e.Name
		}
	}
	return ""
}
