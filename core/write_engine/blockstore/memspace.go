package blockstore

import (
	"fmt"
	"sync"
)

// MemSpace is a Space held entirely in memory. It is used by tests and by the
// CLI's in-memory mode.
type MemSpace struct {
	name      string
	blockSize int
	maxBlocks uint64 // 0 means unbounded
	blocks    [][]byte

	committedSize BlockID
	committedRoot BlockID

	mu     sync.RWMutex
	closed bool
}

// NewMemSpace creates an empty in-memory space. maxBlocks caps the number of
// blocks Allocate will hand out; 0 disables the cap.
func NewMemSpace(name string, blockSize int, maxBlocks uint64) (*MemSpace, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	return &MemSpace{
		name:          name,
		blockSize:     blockSize,
		maxBlocks:     maxBlocks,
		committedRoot: InvalidBlockID,
	}, nil
}

func (s *MemSpace) Name() string   { return s.name }
func (s *MemSpace) BlockSize() int { return s.blockSize }

func (s *MemSpace) Allocate() (BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return InvalidBlockID, ErrSpaceClosed
	}
	if s.maxBlocks > 0 && uint64(len(s.blocks)) >= s.maxBlocks {
		return InvalidBlockID, fmt.Errorf("%w: %s space holds %d blocks", ErrSpaceExhausted, s.name, len(s.blocks))
	}
	s.blocks = append(s.blocks, make([]byte, s.blockSize))
	return BlockID(len(s.blocks) - 1), nil
}

func (s *MemSpace) Read(id BlockID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSpaceClosed
	}
	if uint64(id) >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("%w: %s block %s (size %d)", ErrBlockOutOfRange, s.name, id, len(s.blocks))
	}
	out := make([]byte, s.blockSize)
	copy(out, s.blocks[id])
	return out, nil
}

func (s *MemSpace) Write(id BlockID, data []byte) error {
	if len(data) != s.blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBlockSizeMismatch, len(data), s.blockSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}
	if uint64(id) >= uint64(len(s.blocks)) {
		return fmt.Errorf("%w: %s block %s (size %d)", ErrBlockOutOfRange, s.name, id, len(s.blocks))
	}
	// Replace rather than copy into the slice so a concurrent Read never sees a
	// half-written block.
	block := make([]byte, s.blockSize)
	copy(block, data)
	s.blocks[id] = block
	return nil
}

func (s *MemSpace) Size() BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BlockID(len(s.blocks))
}

func (s *MemSpace) Truncate(size BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}
	if uint64(size) > uint64(len(s.blocks)) {
		return fmt.Errorf("%w: cannot truncate %s space of size %d to %s", ErrBlockOutOfRange, s.name, len(s.blocks), size)
	}
	for i := int(size); i < len(s.blocks); i++ {
		s.blocks[i] = nil
	}
	s.blocks = s.blocks[:size]
	return nil
}

func (s *MemSpace) Checkpoint(root BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}
	s.committedSize = BlockID(len(s.blocks))
	s.committedRoot = root
	return nil
}

func (s *MemSpace) Committed() (BlockID, BlockID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committedSize, s.committedRoot
}

func (s *MemSpace) Sync() error { return nil }

func (s *MemSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blocks = nil
	return nil
}
