package bptree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
)

func newTestState(t *testing.T, root, nodeBoundary, recordBoundary BlockID) *TxnState {
	t.Helper()
	state, err := NewTxnState(Snapshot{Root: root, NodeBoundary: nodeBoundary, RecordBoundary: recordBoundary}, nodeBoundary, recordBoundary)
	require.NoError(t, err)
	return state
}

func TestGate_BoundaryDecidesModifiability(t *testing.T) {
	gate := NewGate(newTestState(t, 3, 10, 100), Override{})

	for id := BlockID(0); id < 10; id++ {
		require.False(t, gate.MayModifyNode(id), "node %d belongs to the committed snapshot", id)
	}
	require.True(t, gate.MayModifyNode(10), "the boundary itself was allocated by the transaction")
	require.True(t, gate.MayModifyNode(11))

	require.False(t, gate.MayModifyRecord(99))
	require.True(t, gate.MayModifyRecord(100))
	require.True(t, gate.MayModifyRecord(150))

	// The two spaces are judged by their own boundaries.
	require.True(t, gate.MayModifyNode(50))
	require.False(t, gate.MayModifyRecord(50))
	require.True(t, gate.MayModify(KindNode, 50))
	require.False(t, gate.MayModify(KindRecord, 50))
}

func TestGate_OverrideShortCircuitsBoundary(t *testing.T) {
	state := newTestState(t, 3, 10, 100)

	inPlace := NewGate(state, Override{Enabled: true, Node: true, Record: true})
	require.True(t, inPlace.MayModifyNode(3))
	require.True(t, inPlace.MayModifyRecord(0))

	promoteAll := NewGate(state, Override{Enabled: true, Node: false, Record: false})
	require.False(t, promoteAll.MayModifyNode(10))
	require.False(t, promoteAll.MayModifyRecord(500))

	mixed := NewGate(state, Override{Enabled: true, Node: true, Record: false})
	require.True(t, mixed.MayModifyNode(0))
	require.False(t, mixed.MayModifyRecord(100))

	disabled := NewGate(state, Override{Enabled: false, Node: true, Record: true})
	require.False(t, disabled.MayModifyNode(3), "values are ignored unless the override is enabled")
}

func TestGate_PanicsOnDiscardedState(t *testing.T) {
	state := newTestState(t, 3, 10, 100)
	gate := NewGate(state, Override{})
	state.Discard()

	require.Panics(t, func() { gate.MayModifyNode(12) })
	require.Panics(t, func() { gate.MayModifyRecord(120) })
}

func TestTxnState_NewValidatesSnapshot(t *testing.T) {
	_, err := NewTxnState(Snapshot{Root: 3, NodeBoundary: 11, RecordBoundary: 100}, 10, 100)
	require.ErrorIs(t, err, ErrContractViolation)

	_, err = NewTxnState(Snapshot{Root: 3, NodeBoundary: 10, RecordBoundary: 101}, 10, 100)
	require.ErrorIs(t, err, ErrContractViolation)

	_, err = NewTxnState(Snapshot{Root: 10, NodeBoundary: 10, RecordBoundary: 100}, 20, 100)
	require.ErrorIs(t, err, ErrContractViolation, "the root must be committed")

	state, err := NewTxnState(Snapshot{Root: blockstore.InvalidBlockID}, 0, 0)
	require.NoError(t, err, "an empty tree has no root yet")
	require.False(t, state.CurrentRoot().IsValid())
}

func TestTxnState_RootInvariant(t *testing.T) {
	state := newTestState(t, 3, 10, 100)
	require.Equal(t, BlockID(3), state.InitialRoot())
	require.Equal(t, BlockID(3), state.CurrentRoot())
	require.False(t, state.RootChanged())

	require.ErrorIs(t, state.SetCurrentRoot(4), ErrContractViolation, "a committed block other than the initial root")
	require.ErrorIs(t, state.SetCurrentRoot(blockstore.InvalidBlockID), ErrContractViolation)

	require.NoError(t, state.SetCurrentRoot(12))
	require.True(t, state.RootChanged())
	require.NoError(t, state.SetCurrentRoot(3), "falling back to the initial root is allowed")
	require.NoError(t, state.SetCurrentRoot(10))

	state.Discard()
	require.True(t, state.Discarded())
	require.Equal(t, BlockID(3), state.CurrentRoot(), "discarding restores the initial root")
	require.ErrorIs(t, state.SetCurrentRoot(11), ErrTxnDiscarded)
}
