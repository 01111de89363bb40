package openfile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/shadowfs/errors"
	"github.com/dargueta/shadowfs/openfile"
)

func TestOpenAssignsDistinctDescriptors(t *testing.T) {
	table := openfile.NewTable(4)

	fd1, err := table.Open("a.txt", 1)
	require.NoError(t, err)
	fd2, err := table.Open("b.txt", 2)
	require.NoError(t, err)
	assert.NotEqual(t, fd1, fd2)
}

func TestOpenRejectsAlreadyOpenName(t *testing.T) {
	table := openfile.NewTable(4)
	_, err := table.Open("a.txt", 1)
	require.NoError(t, err)

	_, err = table.Open("a.txt", 1)
	assert.ErrorIs(t, err, errors.ErrAlreadyOpen)
}

func TestOpenFailsWhenTableFull(t *testing.T) {
	table := openfile.NewTable(2)
	_, err := table.Open("a.txt", 1)
	require.NoError(t, err)
	_, err = table.Open("b.txt", 2)
	require.NoError(t, err)

	_, err = table.Open("c.txt", 3)
	assert.ErrorIs(t, err, errors.ErrNoHandle)
}

func TestCloseFreesSlotAndName(t *testing.T) {
	table := openfile.NewTable(2)
	fd, err := table.Open("a.txt", 1)
	require.NoError(t, err)

	require.NoError(t, table.Close(fd))
	assert.False(t, table.IsOpen("a.txt"))

	_, err = table.Open("a.txt", 1)
	assert.NoError(t, err)
}

func TestCloseUnknownDescriptorFails(t *testing.T) {
	table := openfile.NewTable(2)
	err := table.Close(0)
	assert.Error(t, err)
}

func TestCursorsAreIndependentPerHandle(t *testing.T) {
	table := openfile.NewTable(2)
	fd, err := table.Open("a.txt", 1)
	require.NoError(t, err)

	h, err := table.Get(fd)
	require.NoError(t, err)
	h.Read.Block = 3
	h.Write.Block = 7

	again, err := table.Get(fd)
	require.NoError(t, err)
	assert.Equal(t, uint(3), again.Read.Block)
	assert.Equal(t, uint(7), again.Write.Block)
}
