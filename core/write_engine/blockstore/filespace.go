package blockstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// --- FileSpace ---
// FileSpace stores one block space in one file. Block 0 of the file holds the
// header; block id n lives at file offset (n+1)*blockSize.

const (
	SpaceFileMagic   uint32 = 0x6010B7A0
	spaceFileVersion uint32 = 1

	// fileHeaderSize is the encoded size of spaceFileHeader plus its checksum.
	fileHeaderSize = 4*4 + 2*8 + 4
	MinBlockSize   = 64
)

// spaceFileHeader is the fixed-size header at offset 0. All fields have fixed
// sizes so binary.Read/Write round-trip exactly.
type spaceFileHeader struct {
	Magic         uint32
	Version       uint32
	BlockSize     uint32
	_             uint32
	CommittedSize uint64
	Root          uint64
}

// FileSpaceOptions tunes a FileSpace.
type FileSpaceOptions struct {
	// MaxBlocks caps the number of blocks; 0 means bounded only by the disk.
	MaxBlocks uint64
	Logger    *zap.Logger
}

type FileSpace struct {
	name      string
	filePath  string
	file      *os.File
	blockSize int
	maxBlocks uint64
	numBlocks uint64 // allocation high-water mark
	header    spaceFileHeader
	logger    *zap.Logger
	mu        sync.RWMutex
}

// CreateFileSpace creates a new space file. It fails with ErrFileExists if the
// file is already there.
func CreateFileSpace(name, filePath string, blockSize int, opts FileSpaceOptions) (*FileSpace, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("%w: %d is below the minimum of %d", ErrInvalidBlockSize, blockSize, MinBlockSize)
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, filePath)
		}
		return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
	}
	fs := newFileSpace(name, filePath, file, blockSize, opts)
	fs.header = spaceFileHeader{
		Magic:         SpaceFileMagic,
		Version:       spaceFileVersion,
		BlockSize:     uint32(blockSize),
		CommittedSize: 0,
		Root:          uint64(InvalidBlockID),
	}
	if err := fs.writeHeader(); err != nil {
		_ = file.Close()
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to write initial header: %w", err)
	}
	fs.logger.Info("Created block space file", zap.String("space", name), zap.String("path", filePath), zap.Int("blockSize", blockSize))
	return fs, nil
}

// OpenFileSpace opens an existing space file. Blocks past the committed size
// belong to a write transaction that never committed and are discarded.
func OpenFileSpace(name, filePath string, blockSize int, opts FileSpaceOptions) (*FileSpace, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fs := newFileSpace(name, filePath, file, blockSize, opts)
	if err := fs.readHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if fs.header.BlockSize != uint32(blockSize) {
		_ = file.Close()
		return nil, fmt.Errorf("%w: file block size (%d) does not match configured block size (%d)", ErrInvalidHeader, fs.header.BlockSize, blockSize)
	}

	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	if fi.Size() < int64(blockSize) {
		_ = file.Close()
		return nil, fmt.Errorf("%w: file is smaller than one block", ErrInvalidHeader)
	}
	onDisk := uint64(fi.Size()/int64(blockSize)) - 1
	committed := fs.header.CommittedSize
	if onDisk < committed {
		_ = file.Close()
		return nil, fmt.Errorf("%w: file holds %d blocks but header claims %d committed", ErrInvalidHeader, onDisk, committed)
	}
	if onDisk > committed {
		fs.logger.Warn("Discarding uncommitted blocks",
			zap.String("space", name), zap.Uint64("committed", committed), zap.Uint64("onDisk", onDisk))
		if err := file.Truncate(fs.offset(BlockID(committed))); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: truncating uncommitted tail: %v", ErrIO, err)
		}
	}
	fs.numBlocks = committed
	return fs, nil
}

// OpenOrCreateFileSpace opens filePath if it exists and creates it otherwise.
func OpenOrCreateFileSpace(name, filePath string, blockSize int, opts FileSpaceOptions) (*FileSpace, error) {
	_, statErr := os.Stat(filePath)
	switch {
	case statErr == nil:
		return OpenFileSpace(name, filePath, blockSize, opts)
	case os.IsNotExist(statErr):
		return CreateFileSpace(name, filePath, blockSize, opts)
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, statErr)
	}
}

func newFileSpace(name, filePath string, file *os.File, blockSize int, opts FileSpaceOptions) *FileSpace {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSpace{
		name:      name,
		filePath:  filePath,
		file:      file,
		blockSize: blockSize,
		maxBlocks: opts.MaxBlocks,
		logger:    logger.With(zap.String("space", name)),
	}
}

func (fs *FileSpace) offset(id BlockID) int64 {
	return (int64(id) + 1) * int64(fs.blockSize)
}

// writeHeader serializes the header into block 0 and syncs the file.
func (fs *FileSpace) writeHeader() error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &fs.header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrIO, err)
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return fmt.Errorf("%w: serializing header checksum: %v", ErrIO, err)
	}
	block := make([]byte, fs.blockSize)
	copy(block, buf.Bytes())
	if _, err := fs.file.WriteAt(block, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return fs.file.Sync()
}

func (fs *FileSpace) readHeader() error {
	data := make([]byte, fileHeaderSize)
	n, err := fs.file.ReadAt(data, 0)
	if err != nil {
		if err == io.EOF && n < fileHeaderSize {
			return fmt.Errorf("%w: file is too small (header too short)", ErrInvalidHeader)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	body := data[:fileHeaderSize-4]
	stored := binary.LittleEndian.Uint32(data[fileHeaderSize-4:])
	if calculated := crc32.ChecksumIEEE(body); stored != calculated {
		return fmt.Errorf("%w: stored=0x%x, calculated=0x%x", ErrChecksumMismatch, stored, calculated)
	}
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &fs.header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrInvalidHeader, err)
	}
	if fs.header.Magic != SpaceFileMagic {
		return fmt.Errorf("%w: magic number mismatch, expected 0x%x, got 0x%x", ErrInvalidHeader, SpaceFileMagic, fs.header.Magic)
	}
	if fs.header.Version != spaceFileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, fs.header.Version)
	}
	return nil
}

func (fs *FileSpace) Name() string   { return fs.name }
func (fs *FileSpace) BlockSize() int { return fs.blockSize }

// Allocate extends the file by one zeroed block.
func (fs *FileSpace) Allocate() (BlockID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return InvalidBlockID, ErrSpaceClosed
	}
	if fs.maxBlocks > 0 && fs.numBlocks >= fs.maxBlocks {
		return InvalidBlockID, fmt.Errorf("%w: %s space holds %d blocks", ErrSpaceExhausted, fs.name, fs.numBlocks)
	}
	id := BlockID(fs.numBlocks)
	if _, err := fs.file.WriteAt(make([]byte, fs.blockSize), fs.offset(id)); err != nil {
		return InvalidBlockID, fmt.Errorf("%w: extending file for new block %s: %v", ErrIO, id, err)
	}
	fs.numBlocks++
	return id, nil
}

func (fs *FileSpace) Read(id BlockID) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.file == nil {
		return nil, ErrSpaceClosed
	}
	if uint64(id) >= fs.numBlocks {
		return nil, fmt.Errorf("%w: %s block %s (size %d)", ErrBlockOutOfRange, fs.name, id, fs.numBlocks)
	}
	data := make([]byte, fs.blockSize)
	n, err := fs.file.ReadAt(data, fs.offset(id))
	if err != nil {
		return nil, fmt.Errorf("%w: reading block %s at offset %d: %v", ErrIO, id, fs.offset(id), err)
	}
	if n != fs.blockSize {
		return nil, fmt.Errorf("%w: short read for block %s, expected %d, got %d", ErrIO, id, fs.blockSize, n)
	}
	return data, nil
}

// Write does not sync; durability comes from Checkpoint at commit.
func (fs *FileSpace) Write(id BlockID, data []byte) error {
	if len(data) != fs.blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBlockSizeMismatch, len(data), fs.blockSize)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrSpaceClosed
	}
	if uint64(id) >= fs.numBlocks {
		return fmt.Errorf("%w: %s block %s (size %d)", ErrBlockOutOfRange, fs.name, id, fs.numBlocks)
	}
	if _, err := fs.file.WriteAt(data, fs.offset(id)); err != nil {
		return fmt.Errorf("%w: writing block %s at offset %d: %v", ErrIO, id, fs.offset(id), err)
	}
	return nil
}

func (fs *FileSpace) Size() BlockID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return BlockID(fs.numBlocks)
}

func (fs *FileSpace) Truncate(size BlockID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrSpaceClosed
	}
	if uint64(size) > fs.numBlocks {
		return fmt.Errorf("%w: cannot truncate %s space of size %d to %s", ErrBlockOutOfRange, fs.name, fs.numBlocks, size)
	}
	if err := fs.file.Truncate(fs.offset(size)); err != nil {
		return fmt.Errorf("%w: truncating %s to %s blocks: %v", ErrIO, fs.name, size, err)
	}
	fs.numBlocks = uint64(size)
	return nil
}

// Checkpoint syncs the block data, then rewrites and syncs the header. The
// header write is the commit point for this space.
func (fs *FileSpace) Checkpoint(root BlockID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrSpaceClosed
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s before checkpoint: %v", ErrIO, fs.name, err)
	}
	prev := fs.header
	fs.header.CommittedSize = fs.numBlocks
	fs.header.Root = uint64(root)
	if err := fs.writeHeader(); err != nil {
		fs.header = prev
		return err
	}
	fs.logger.Debug("Checkpointed block space", zap.Uint64("size", fs.numBlocks), zap.Stringer("root", root))
	return nil
}

func (fs *FileSpace) Committed() (BlockID, BlockID) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return BlockID(fs.header.CommittedSize), BlockID(fs.header.Root)
}

func (fs *FileSpace) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file != nil {
		return fs.file.Sync()
	}
	return nil
}

// Close closes the file. Uncommitted blocks stay on disk and are discarded by
// the next OpenFileSpace.
func (fs *FileSpace) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	if err := fs.file.Sync(); err != nil {
		fs.logger.Error("Error syncing file on close", zap.Error(err))
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
