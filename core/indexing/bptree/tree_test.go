package bptree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
)

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%04d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("val-%04d", i)) }

// beginTxn starts a writer on top of whatever the spaces currently hold.
func beginTxn(t *testing.T, nodes, records blockstore.Space, root BlockID) (*TxnState, *Writer) {
	t.Helper()
	state, err := NewTxnState(Snapshot{Root: root, NodeBoundary: nodes.Size(), RecordBoundary: records.Size()}, nodes.Size(), records.Size())
	require.NoError(t, err)
	w := NewWriter(NewPromoter(PromoterConfig{State: state, Nodes: nodes, Records: records}))
	return state, w
}

func snapshotBlocks(t *testing.T, s blockstore.Space) [][]byte {
	t.Helper()
	out := make([][]byte, s.Size())
	for id := range out {
		data, err := s.Read(BlockID(id))
		require.NoError(t, err)
		out[id] = data
	}
	return out
}

func collect(t *testing.T, r *Reader, root BlockID, start, end []byte) [][]byte {
	t.Helper()
	var keys [][]byte
	require.NoError(t, r.Scan(root, start, end, func(k, _ []byte) bool {
		keys = append(keys, k)
		return true
	}))
	return keys
}

func TestWriter_EmptyTree(t *testing.T) {
	nodes, records := newSpaces(t, 0, 0)
	state, w := beginTxn(t, nodes, records, blockstore.InvalidBlockID)

	_, ok, err := w.Reader().Get(w.Root(), []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, w.Delete([]byte("a")), ErrKeyNotFound)
	require.Zero(t, nodes.Size())

	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	require.True(t, state.CurrentRoot().IsValid())
	depth, err := w.Reader().Depth(w.Root())
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	got, ok, err := w.Reader().Get(w.Root(), []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), got)
}

func TestWriter_ValidatesEntries(t *testing.T) {
	nodes, records := newSpaces(t, 0, 0)
	_, w := beginTxn(t, nodes, records, blockstore.InvalidBlockID)

	require.ErrorIs(t, w.Put(nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, w.Delete([]byte{}), ErrEmptyKey)

	big := bytes.Repeat([]byte("x"), w.MaxEntrySize())
	require.ErrorIs(t, w.Put([]byte("k"), big), ErrEntryTooLarge)
	require.NoError(t, w.Put([]byte("k"), big[1:]))
}

func TestWriter_SplitsAndScans(t *testing.T) {
	const n = 400
	nodes, records := newSpaces(t, 0, 0)
	_, w := beginTxn(t, nodes, records, blockstore.InvalidBlockID)

	rng := rand.New(rand.NewSource(42))
	for _, i := range rng.Perm(n) {
		require.NoError(t, w.Put(key(i), value(i)))
	}

	r := w.Reader()
	for i := 0; i < n; i++ {
		got, ok, err := r.Get(w.Root(), key(i))
		require.NoError(t, err)
		require.True(t, ok, "missing %s", key(i))
		require.Equal(t, value(i), got)
	}

	depth, err := r.Depth(w.Root())
	require.NoError(t, err)
	require.GreaterOrEqual(t, depth, 3, "enough keys to split the root more than once")

	all := collect(t, r, w.Root(), nil, nil)
	require.Len(t, all, n)
	for i := range all {
		require.Equal(t, key(i), all[i])
	}

	ranged := collect(t, r, w.Root(), key(100), key(200))
	require.Len(t, ranged, 100)
	require.Equal(t, key(100), ranged[0])
	require.Equal(t, key(199), ranged[99])

	// Bounds need not be present in the tree.
	ranged = collect(t, r, w.Root(), []byte("key-0099x"), []byte("key-0103x"))
	require.Equal(t, [][]byte{key(100), key(101), key(102), key(103)}, ranged)

	seen := 0
	require.NoError(t, r.Scan(w.Root(), nil, nil, func(_, _ []byte) bool {
		seen++
		return seen < 5
	}))
	require.Equal(t, 5, seen)
}

func TestWriter_OverwriteAndDelete(t *testing.T) {
	const n = 200
	nodes, records := newSpaces(t, 0, 0)
	_, w := beginTxn(t, nodes, records, blockstore.InvalidBlockID)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Put(key(i), value(i)))
	}

	require.NoError(t, w.Put(key(7), []byte("seven")))
	got, ok, err := w.Reader().Get(w.Root(), key(7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("seven"), got)

	for i := 0; i < n; i += 2 {
		require.NoError(t, w.Delete(key(i)))
	}
	sizeBefore := nodes.Size()
	require.ErrorIs(t, w.Delete(key(0)), ErrKeyNotFound)
	require.Equal(t, sizeBefore, nodes.Size())

	count, err := w.Reader().Count(w.Root())
	require.NoError(t, err)
	require.Equal(t, n/2, count)
	for i := 0; i < n; i++ {
		_, ok, err := w.Reader().Get(w.Root(), key(i))
		require.NoError(t, err)
		require.Equal(t, i%2 == 1, ok, "key %d", i)
	}

	// Emptying every record block leaves a valid, empty tree.
	for i := 1; i < n; i += 2 {
		require.NoError(t, w.Delete(key(i)))
	}
	count, err = w.Reader().Count(w.Root())
	require.NoError(t, err)
	require.Zero(t, count)
	require.NoError(t, w.Put(key(3), value(3)))
	count, err = w.Reader().Count(w.Root())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWriter_CommittedBlocksStayImmutable(t *testing.T) {
	const n = 150
	nodes, records := newSpaces(t, 0, 0)
	_, w1 := beginTxn(t, nodes, records, blockstore.InvalidBlockID)
	for i := 0; i < n; i++ {
		require.NoError(t, w1.Put(key(i), value(i)))
	}
	committedRoot := w1.Root()
	nodesBefore := snapshotBlocks(t, nodes)
	recordsBefore := snapshotBlocks(t, records)

	state, w2 := beginTxn(t, nodes, records, committedRoot)
	for i := n; i < 2*n; i++ {
		require.NoError(t, w2.Put(key(i), value(i)))
	}
	for i := 0; i < n; i += 3 {
		require.NoError(t, w2.Delete(key(i)))
	}
	require.NoError(t, w2.Put(key(1), []byte("changed")))

	require.True(t, state.RootChanged())
	require.GreaterOrEqual(t, state.CurrentRoot(), state.NodeBoundary())

	for id, want := range nodesBefore {
		got, err := nodes.Read(BlockID(id))
		require.NoError(t, err)
		require.Equal(t, want, got, "committed node block %d was modified", id)
	}
	for id, want := range recordsBefore {
		got, err := records.Read(BlockID(id))
		require.NoError(t, err)
		require.Equal(t, want, got, "committed record block %d was modified", id)
	}

	old := NewReader(nodes, records)
	count, err := old.Count(committedRoot)
	require.NoError(t, err)
	require.Equal(t, n, count, "the committed root still sees the old tree")
	got, ok, err := old.Get(committedRoot, key(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value(1), got)

	count, err = w2.Reader().Count(w2.Root())
	require.NoError(t, err)
	require.Equal(t, 2*n-(n+2)/3, count)
}

func TestReader_DetectsCorruption(t *testing.T) {
	nodes, records := newSpaces(t, 0, 0)
	_, w := beginTxn(t, nodes, records, blockstore.InvalidBlockID)
	require.NoError(t, w.Put([]byte("a"), []byte("1")))

	data, err := records.Read(0)
	require.NoError(t, err)
	data[5] ^= 0xFF
	require.NoError(t, records.Write(0, data))

	_, _, err = w.Reader().Get(w.Root(), []byte("a"))
	require.ErrorIs(t, err, ErrBlockChecksum)
	require.NotErrorIs(t, err, blockstore.ErrChecksumMismatch)
}

func TestEncode_OverflowIsCorruption(t *testing.T) {
	r := &recordBlock{
		keys:   [][]byte{bytes.Repeat([]byte("k"), 100)},
		values: [][]byte{bytes.Repeat([]byte("v"), 100)},
	}
	_, err := encodeRecords(r, testBlockSize)
	require.ErrorIs(t, err, ErrCorruptBlock)
	require.NotErrorIs(t, err, ErrEntryTooLarge)
}
