package blockstore

import (
	"math"
	"strconv"
)

// --- Block Identity ---

// BlockID identifies a block inside one Space. Ids are dense and handed out in
// increasing order starting at 0.
type BlockID uint64

// InvalidBlockID marks an absent block, e.g. the root of a tree that has not
// been bootstrapped yet.
const InvalidBlockID BlockID = math.MaxUint64

// IsValid reports whether id refers to a block at all.
func (id BlockID) IsValid() bool { return id != InvalidBlockID }

func (id BlockID) String() string {
	if id == InvalidBlockID {
		return "invalid"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// DefaultBlockSize is used when a configuration leaves the block size unset.
const DefaultBlockSize = 4096

// --- Space ---

// Space is one block address space. A tree uses two of them: one for node
// blocks and one for record blocks.
//
// Read may be called concurrently with Allocate/Write from the single writer:
// a writer only ever writes blocks at or above its transaction boundary, which
// no reader can reach.
type Space interface {
	// Name identifies the space in logs and metrics ("nodes", "records").
	Name() string
	// BlockSize is the fixed size in bytes of every block.
	BlockSize() int
	// Allocate hands out the next block id, zero-filled. It returns
	// ErrSpaceExhausted when the space cannot grow.
	Allocate() (BlockID, error)
	// Read returns a private copy of the block.
	Read(id BlockID) ([]byte, error)
	// Write replaces the block contents; len(data) must equal BlockSize.
	Write(id BlockID, data []byte) error
	// Size is the allocation high-water mark: the id the next Allocate returns.
	Size() BlockID
	// Truncate discards every block with id >= size so those ids can be
	// allocated again.
	Truncate(size BlockID) error
	// Checkpoint durably records the current Size together with root as the
	// committed state of the space.
	Checkpoint(root BlockID) error
	// Committed returns the size and root recorded by the last Checkpoint.
	Committed() (size BlockID, root BlockID)
	Sync() error
	Close() error
}
