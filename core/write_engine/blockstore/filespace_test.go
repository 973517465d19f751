package blockstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBlockSize = 128

func testFileOpts(t *testing.T) FileSpaceOptions {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return FileSpaceOptions{Logger: logger}
}

func TestFileSpace_CreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.blk")
	opts := testFileOpts(t)

	fs, err := CreateFileSpace("nodes", path, testBlockSize, opts)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, err := fs.Allocate()
		require.NoError(t, err)
		require.Equal(t, BlockID(i), id)
		require.NoError(t, fs.Write(id, filled(testBlockSize, byte(i+10))))
	}
	require.NoError(t, fs.Checkpoint(2))
	require.NoError(t, fs.Close())

	reopened, err := OpenFileSpace("nodes", path, testBlockSize, opts)
	require.NoError(t, err)
	defer reopened.Close()

	size, root := reopened.Committed()
	require.Equal(t, BlockID(3), size)
	require.Equal(t, BlockID(2), root)
	require.Equal(t, BlockID(3), reopened.Size())

	data, err := reopened.Read(1)
	require.NoError(t, err)
	require.Equal(t, filled(testBlockSize, 11), data)
}

func TestFileSpace_OpenDiscardsUncommittedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.blk")
	opts := testFileOpts(t)

	fs, err := CreateFileSpace("records", path, testBlockSize, opts)
	require.NoError(t, err)
	_, err = fs.Allocate()
	require.NoError(t, err)
	require.NoError(t, fs.Checkpoint(InvalidBlockID))

	// Two more blocks written by a transaction that never committed.
	_, err = fs.Allocate()
	require.NoError(t, err)
	_, err = fs.Allocate()
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	reopened, err := OpenFileSpace("records", path, testBlockSize, opts)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, BlockID(1), reopened.Size())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*testBlockSize), fi.Size())

	id, err := reopened.Allocate()
	require.NoError(t, err)
	require.Equal(t, BlockID(1), id)
}

func TestFileSpace_CreateAndOpenErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.blk")
	opts := testFileOpts(t)

	_, err := OpenFileSpace("nodes", path, testBlockSize, opts)
	require.ErrorIs(t, err, ErrFileNotFound)

	fs, err := CreateFileSpace("nodes", path, testBlockSize, opts)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	_, err = CreateFileSpace("nodes", path, testBlockSize, opts)
	require.ErrorIs(t, err, ErrFileExists)

	_, err = OpenFileSpace("nodes", path, testBlockSize*2, opts)
	require.ErrorIs(t, err, ErrInvalidHeader)

	_, err = CreateFileSpace("nodes", filepath.Join(dir, "tiny.blk"), 16, opts)
	require.ErrorIs(t, err, ErrInvalidBlockSize)
}

func TestFileSpace_CorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.blk")
	opts := testFileOpts(t)

	fs, err := CreateFileSpace("nodes", path, testBlockSize, opts)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, 8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFileSpace("nodes", path, testBlockSize, opts)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFileSpace_TruncateAndExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.blk")
	opts := testFileOpts(t)
	opts.MaxBlocks = 2

	fs, err := OpenOrCreateFileSpace("nodes", path, testBlockSize, opts)
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.Allocate()
	require.NoError(t, err)
	_, err = fs.Allocate()
	require.NoError(t, err)
	_, err = fs.Allocate()
	require.ErrorIs(t, err, ErrSpaceExhausted)

	require.NoError(t, fs.Truncate(1))
	require.Equal(t, BlockID(1), fs.Size())
	_, err = fs.Read(1)
	require.ErrorIs(t, err, ErrBlockOutOfRange)

	id, err := fs.Allocate()
	require.NoError(t, err)
	require.Equal(t, BlockID(1), id)
}
