package transaction

import (
	"context"
	"sync"

	"github.com/sushant-115/cowtree/core/indexing/bptree"
)

// ReadTxn reads the tree as it was published when the transaction began. It
// never blocks the writer and is unaffected by later commits or aborts.
type ReadTxn struct {
	mgr        *Manager
	root       bptree.BlockID
	generation uint64
	closeOnce  sync.Once
}

func (tx *ReadTxn) Root() bptree.BlockID { return tx.root }

// Generation is the commit generation the transaction observes.
func (tx *ReadTxn) Generation() uint64 { return tx.generation }

func (tx *ReadTxn) Get(key []byte) ([]byte, bool, error) {
	return tx.mgr.reader.Get(tx.root, key)
}

func (tx *ReadTxn) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	return tx.mgr.reader.Scan(tx.root, start, end, fn)
}

// Count returns the number of entries visible to the transaction.
func (tx *ReadTxn) Count() (int, error) {
	return tx.mgr.reader.Count(tx.root)
}

func (tx *ReadTxn) Close() {
	tx.closeOnce.Do(func() {
		tx.mgr.activeReaders.Add(-1)
		tx.mgr.opts.Metrics.ReaderClosed(context.Background())
	})
}
