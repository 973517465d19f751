// Package bptree implements a block-addressed copy-on-write B+Tree.
//
// A write transaction records, per block space, the boundary: the first block
// id allocated after it began. Blocks below the boundary belong to the last
// committed snapshot and may be read concurrently, so the writer never mutates
// them in place; it promotes them (copies them above the boundary) and relinks
// the ancestors up to the root. Readers keep traversing from the root that was
// published when they started.
package bptree

import (
	"fmt"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
)

type BlockID = blockstore.BlockID

// Snapshot is the committed state a write transaction starts from: the
// published root and the allocation high-water mark of each space.
type Snapshot struct {
	Root           BlockID
	NodeBoundary   BlockID
	RecordBoundary BlockID
}

// TxnState is the boundary tracker of one write transaction. It is owned by
// that transaction alone and is not safe for concurrent use.
type TxnState struct {
	initialRoot    BlockID
	currentRoot    BlockID
	nodeBoundary   BlockID
	recordBoundary BlockID
	discarded      bool
}

// NewTxnState validates snap against the current sizes of the two spaces.
// Boundaries beyond the space size, or a root that is not part of the
// committed snapshot, mean the caller mismeasured the snapshot.
func NewTxnState(snap Snapshot, nodeSize, recordSize BlockID) (*TxnState, error) {
	if snap.NodeBoundary > nodeSize {
		return nil, fmt.Errorf("%w: node boundary %s exceeds node space size %s", ErrContractViolation, snap.NodeBoundary, nodeSize)
	}
	if snap.RecordBoundary > recordSize {
		return nil, fmt.Errorf("%w: record boundary %s exceeds record space size %s", ErrContractViolation, snap.RecordBoundary, recordSize)
	}
	if snap.Root.IsValid() && snap.Root >= snap.NodeBoundary {
		return nil, fmt.Errorf("%w: initial root %s is not below node boundary %s", ErrContractViolation, snap.Root, snap.NodeBoundary)
	}
	return &TxnState{
		initialRoot:    snap.Root,
		currentRoot:    snap.Root,
		nodeBoundary:   snap.NodeBoundary,
		recordBoundary: snap.RecordBoundary,
	}, nil
}

func (s *TxnState) InitialRoot() BlockID    { return s.initialRoot }
func (s *TxnState) CurrentRoot() BlockID    { return s.currentRoot }
func (s *TxnState) NodeBoundary() BlockID   { return s.nodeBoundary }
func (s *TxnState) RecordBoundary() BlockID { return s.recordBoundary }
func (s *TxnState) Discarded() bool         { return s.discarded }

// RootChanged reports whether the transaction has moved the root.
func (s *TxnState) RootChanged() bool { return s.currentRoot != s.initialRoot }

// SetCurrentRoot is called by the promotion cascade and by root splits. The
// new root is either the initial root or a block private to this transaction.
func (s *TxnState) SetCurrentRoot(id BlockID) error {
	if s.discarded {
		return fmt.Errorf("%w: cannot move root to %s", ErrTxnDiscarded, id)
	}
	if id != s.initialRoot && (!id.IsValid() || id < s.nodeBoundary) {
		return fmt.Errorf("%w: root %s is neither the initial root %s nor at/above node boundary %s",
			ErrContractViolation, id, s.initialRoot, s.nodeBoundary)
	}
	s.currentRoot = id
	return nil
}

// Discard ends the state's life. The current root falls back to the initial
// root so nothing can publish a partially rewritten chain.
func (s *TxnState) Discard() {
	s.currentRoot = s.initialRoot
	s.discarded = true
}

func (s *TxnState) String() string {
	return fmt.Sprintf("TxnState{initialRoot=%s currentRoot=%s nodeBoundary=%s recordBoundary=%s discarded=%t}",
		s.initialRoot, s.currentRoot, s.nodeBoundary, s.recordBoundary, s.discarded)
}
