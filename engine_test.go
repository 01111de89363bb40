package shadowfs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shadowfs "github.com/dargueta/shadowfs"
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/layout"
)

func mountFresh(t *testing.T, presetName string) *shadowfs.FileSystem {
	t.Helper()
	g, err := layout.Preset(presetName)
	require.NoError(t, err)
	dev := block.InitFreshDisk(g.BlockBytes, g.NumBlocks)
	fs, err := shadowfs.Mount(g, dev, true)
	require.NoError(t, err)
	return fs
}

// a fresh mount has no files and an exhausted iterator.
func TestFreshMountIsEmpty(t *testing.T) {
	fs := mountFresh(t, "tiny")

	_, ok, err := fs.GetNextFileName()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = fs.GetFileSize("x")
	assert.Error(t, err)
}

// write then read round-trips through a close/reopen cycle.
func TestWriteCloseReopenRead(t *testing.T) {
	fs := mountFresh(t, "tiny")

	fd, err := fs.FOpen("a")
	require.NoError(t, err)
	n, err := fs.FWrite(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, fs.FClose(fd))

	fd2, err := fs.FOpen("a")
	require.NoError(t, err)
	dst := make([]byte, 5)
	n, err = fs.FRead(fd2, dst)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))

	size, err := fs.GetFileSize("a")
	require.NoError(t, err)
	assert.Equal(t, 5, size)
}

// writing past all direct pointers forces an indirect block, and the
// full byte sequence still round-trips.
func TestIndirectBlockRoundTrip(t *testing.T) {
	fs := mountFresh(t, "tiny")
	g, err := layout.Preset("tiny")
	require.NoError(t, err)

	total := int(g.DirectPtrs+1) * int(g.BlockBytes)
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	fd, err := fs.FOpen("b")
	require.NoError(t, err)
	n, err := fs.FWrite(fd, payload)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.NoError(t, fs.FClose(fd))

	size, err := fs.GetFileSize("b")
	require.NoError(t, err)
	assert.Equal(t, total, size)

	fd2, err := fs.FOpen("b")
	require.NoError(t, err)
	got := make([]byte, total)
	n, err = fs.FRead(fd2, got)
	require.NoError(t, err)
	require.Equal(t, total, n)
	assert.True(t, bytes.Equal(payload, got))
}

// commit/restore round-trips a directory snapshot.
func TestCommitThenRestoreBringsBackOriginals(t *testing.T) {
	fs := mountFresh(t, "tiny")

	names := []string{"f1", "f2", "f3"}
	contents := map[string][]byte{
		"f1": []byte("one"),
		"f2": []byte("two-two"),
		"f3": []byte("threeeee"),
	}
	for _, name := range names {
		fd, err := fs.FOpen(name)
		require.NoError(t, err)
		_, err = fs.FWrite(fd, contents[name])
		require.NoError(t, err)
		require.NoError(t, fs.FClose(fd))
	}

	require.NoError(t, fs.Commit())
	require.NoError(t, fs.Remove("f2"))
	require.NoError(t, fs.Commit())
	require.NoError(t, fs.Restore(2))

	for _, name := range names {
		size, err := fs.GetFileSize(name)
		require.NoError(t, err)
		assert.Equal(t, len(contents[name]), size)

		fd, err := fs.FOpen(name)
		require.NoError(t, err)
		got := make([]byte, len(contents[name]))
		n, err := fs.FRead(fd, got)
		require.NoError(t, err)
		assert.Equal(t, len(contents[name]), n)
		assert.Equal(t, contents[name], got)
		require.NoError(t, fs.FClose(fd))
	}
}

// the open file table enforces its fixed capacity.
func TestOpenFileTableCapacity(t *testing.T) {
	g, err := layout.Preset("tiny")
	require.NoError(t, err)
	dev := block.InitFreshDisk(g.BlockBytes, g.NumBlocks)
	fs, err := shadowfs.Mount(g, dev, true)
	require.NoError(t, err)

	fds := make([]int, 0, g.MaxFD)
	for i := uint(0); i < g.MaxFD; i++ {
		fd, err := fs.FOpen(string(rune('a' + i)))
		require.NoError(t, err)
		fds = append(fds, fd)
	}

	_, err = fs.FOpen("overflow")
	assert.Error(t, err)

	require.NoError(t, fs.FClose(fds[0]))
	_, err = fs.FOpen("another")
	assert.NoError(t, err)
}

// a name can only be open once at a time.
func TestFOpenRejectsDoubleOpen(t *testing.T) {
	fs := mountFresh(t, "tiny")

	fd, err := fs.FOpen("c")
	require.NoError(t, err)

	_, err = fs.FOpen("c")
	assert.Error(t, err)

	require.NoError(t, fs.FClose(fd))
	_, err = fs.FOpen("c")
	assert.NoError(t, err)
}

// removing a file returns its data blocks to the free map.
func TestRemoveReleasesSpace(t *testing.T) {
	fs := mountFresh(t, "tiny")
	g, err := layout.Preset("tiny")
	require.NoError(t, err)

	fd, err := fs.FOpen("tmp")
	require.NoError(t, err)
	payload := make([]byte, int(g.DirectPtrs)*int(g.BlockBytes))
	_, err = fs.FWrite(fd, payload)
	require.NoError(t, err)
	require.NoError(t, fs.FClose(fd))

	require.NoError(t, fs.Remove("tmp"))

	fd2, err := fs.FOpen("tmp2")
	require.NoError(t, err)
	n, err := fs.FWrite(fd2, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, fs.FClose(fd2))
}

// seeking past the end of a file fails without mutating the cursor.
func TestSeekBound(t *testing.T) {
	fs := mountFresh(t, "tiny")

	fd, err := fs.FOpen("s")
	require.NoError(t, err)
	_, err = fs.FWrite(fd, []byte("abcdef"))
	require.NoError(t, err)

	require.NoError(t, fs.FRSeek(fd, 3))
	err = fs.FRSeek(fd, 9999)
	assert.Error(t, err)

	dst := make([]byte, 3)
	n, err := fs.FRead(fd, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "def", string(dst))
}

func TestRemoveNonexistentFileFails(t *testing.T) {
	fs := mountFresh(t, "tiny")
	err := fs.Remove("nope")
	assert.Error(t, err)
}

func TestDirectoryIterationListsAllLiveNames(t *testing.T) {
	fs := mountFresh(t, "tiny")
	for _, n := range []string{"x", "y", "z"} {
		fd, err := fs.FOpen(n)
		require.NoError(t, err)
		require.NoError(t, fs.FClose(fd))
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		name, ok, err := fs.GetNextFileName()
		require.NoError(t, err)
		require.True(t, ok)
		seen[name] = true
	}
	assert.Len(t, seen, 3)

	_, ok, err := fs.GetNextFileName()
	require.NoError(t, err)
	assert.False(t, ok)
}
