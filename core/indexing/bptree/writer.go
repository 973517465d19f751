package bptree

import (
	"fmt"
	"slices"
)

// Writer applies mutations for one write transaction. Every mutation first
// promotes its whole descent path, so the blocks it then rewrites are private
// to the transaction; splits only ever allocate fresh blocks.
type Writer struct {
	promoter *Promoter
	reader   *Reader
	nodeBS   int
	recordBS int
}

func NewWriter(p *Promoter) *Writer {
	nodes, records := p.Space(KindNode), p.Space(KindRecord)
	return &Writer{
		promoter: p,
		reader:   NewReader(nodes, records),
		nodeBS:   nodes.BlockSize(),
		recordBS: records.BlockSize(),
	}
}

// Root is the root the transaction currently sees.
func (w *Writer) Root() BlockID { return w.promoter.State().CurrentRoot() }

// Reader reads through the transaction's current root, including its own
// uncommitted writes.
func (w *Writer) Reader() *Reader { return w.reader }

// MaxEntrySize is the largest key+value payload Put accepts.
func (w *Writer) MaxEntrySize() int {
	return min(maxEntrySize(w.recordBS)-2*lenPrefixSize, maxEntrySize(w.nodeBS)-lenPrefixSize-childIDSize)
}

// Bootstrap gives an empty tree its first root: a leaf-parent node pointing
// at one empty record block. It is a no-op when a root already exists.
func (w *Writer) Bootstrap() error {
	state := w.promoter.State()
	if state.Discarded() {
		return ErrTxnDiscarded
	}
	if state.CurrentRoot().IsValid() {
		return nil
	}
	recID, err := w.promoter.Allocate(KindRecord)
	if err != nil {
		return err
	}
	if err := w.writeRecords(recID, &recordBlock{}); err != nil {
		return err
	}
	rootID, err := w.promoter.Allocate(KindNode)
	if err != nil {
		return err
	}
	root := &nodeBlock{leafParent: true, children: []BlockID{recID}}
	if err := w.writeNode(rootID, root); err != nil {
		return err
	}
	return state.SetCurrentRoot(rootID)
}

func (w *Writer) validate(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if limit := w.MaxEntrySize(); len(key)+len(value) > limit {
		return fmt.Errorf("%w: key (%d bytes) + value (%d bytes) exceeds %d", ErrEntryTooLarge, len(key), len(value), limit)
	}
	return nil
}

// Put inserts or replaces key.
func (w *Writer) Put(key, value []byte) error {
	if err := w.validate(key, value); err != nil {
		return err
	}
	if err := w.Bootstrap(); err != nil {
		return err
	}
	path, err := w.reader.descend(w.Root(), key)
	if err != nil {
		return err
	}
	path, err = w.promoter.PromotePath(path)
	if err != nil {
		return err
	}

	leafEntry := path[len(path)-1]
	leaf, err := w.reader.readRecords(leafEntry.ID)
	if err != nil {
		return err
	}
	i, found := leaf.find(key)
	if found {
		leaf.values[i] = slices.Clone(value)
	} else {
		leaf.keys = slices.Insert(leaf.keys, i, slices.Clone(key))
		leaf.values = slices.Insert(leaf.values, i, slices.Clone(value))
	}
	if leaf.encodedSize() <= usable(w.recordBS) {
		return w.writeRecords(leafEntry.ID, leaf)
	}

	left, right := splitRecords(leaf)
	rightID, err := w.promoter.Allocate(KindRecord)
	if err != nil {
		return err
	}
	if err := w.writeRecords(leafEntry.ID, left); err != nil {
		return err
	}
	if err := w.writeRecords(rightID, right); err != nil {
		return err
	}
	return w.insertSeparator(path, right.keys[0], rightID)
}

// insertSeparator pushes a split upwards. It walks the promoted path from the
// leaf's parent to the root; a split root gets a new root above it.
func (w *Writer) insertSeparator(path []PathEntry, sep []byte, rightID BlockID) error {
	for level := len(path) - 2; level >= 0; level-- {
		id := path[level].ID
		n, err := w.reader.readNode(id)
		if err != nil {
			return err
		}
		slot := path[level+1].Slot
		n.keys = slices.Insert(n.keys, slot, sep)
		n.children = slices.Insert(n.children, slot+1, rightID)
		if n.encodedSize() <= usable(w.nodeBS) {
			return w.writeNode(id, n)
		}

		left, promotedKey, right := splitNode(n)
		newID, err := w.promoter.Allocate(KindNode)
		if err != nil {
			return err
		}
		if err := w.writeNode(id, left); err != nil {
			return err
		}
		if err := w.writeNode(newID, right); err != nil {
			return err
		}
		sep, rightID = promotedKey, newID
	}

	rootID, err := w.promoter.Allocate(KindNode)
	if err != nil {
		return err
	}
	root := &nodeBlock{keys: [][]byte{sep}, children: []BlockID{path[0].ID, rightID}}
	if err := w.writeNode(rootID, root); err != nil {
		return err
	}
	return w.promoter.State().SetCurrentRoot(rootID)
}

// Delete removes key. Record blocks are allowed to become empty; nothing is
// merged. A missing key returns ErrKeyNotFound without promoting anything.
func (w *Writer) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if w.promoter.State().Discarded() {
		return ErrTxnDiscarded
	}
	root := w.Root()
	if !root.IsValid() {
		return ErrKeyNotFound
	}
	path, err := w.reader.descend(root, key)
	if err != nil {
		return err
	}
	leaf, err := w.reader.readRecords(path[len(path)-1].ID)
	if err != nil {
		return err
	}
	if _, found := leaf.find(key); !found {
		return ErrKeyNotFound
	}

	path, err = w.promoter.PromotePath(path)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1].ID
	leaf, err = w.reader.readRecords(leafID)
	if err != nil {
		return err
	}
	i, _ := leaf.find(key)
	leaf.keys = slices.Delete(leaf.keys, i, i+1)
	leaf.values = slices.Delete(leaf.values, i, i+1)
	return w.writeRecords(leafID, leaf)
}

func (w *Writer) writeNode(id BlockID, n *nodeBlock) error {
	data, err := encodeNode(n, w.nodeBS)
	if err != nil {
		return err
	}
	return w.writeBlock(KindNode, id, data)
}

func (w *Writer) writeRecords(id BlockID, r *recordBlock) error {
	data, err := encodeRecords(r, w.recordBS)
	if err != nil {
		return err
	}
	return w.writeBlock(KindRecord, id, data)
}

func (w *Writer) writeBlock(kind Kind, id BlockID, data []byte) error {
	if err := w.promoter.Space(kind).Write(id, data); err != nil {
		return fmt.Errorf("writing %s block %s: %w", kind, id, err)
	}
	return nil
}

// splitRecords cuts an overflowing record block where the left half first
// reaches half of the entry bytes.
func splitRecords(r *recordBlock) (*recordBlock, *recordBlock) {
	total := 0
	for i := range r.keys {
		total += recordEntrySize(r.keys[i], r.values[i])
	}
	mid, acc := 0, 0
	for mid < len(r.keys)-1 {
		acc += recordEntrySize(r.keys[mid], r.values[mid])
		mid++
		if acc*2 >= total {
			break
		}
	}
	left := &recordBlock{keys: slices.Clone(r.keys[:mid]), values: slices.Clone(r.values[:mid])}
	right := &recordBlock{keys: slices.Clone(r.keys[mid:]), values: slices.Clone(r.values[mid:])}
	return left, right
}

// splitNode moves keys[mid] up and splits the rest around it.
func splitNode(n *nodeBlock) (*nodeBlock, []byte, *nodeBlock) {
	total := 0
	for _, k := range n.keys {
		total += nodeEntrySize(k)
	}
	mid, acc := 0, 0
	for mid < len(n.keys)-1 {
		acc += nodeEntrySize(n.keys[mid])
		if acc*2 >= total {
			break
		}
		mid++
	}
	mid = max(1, min(mid, len(n.keys)-2))
	left := &nodeBlock{
		leafParent: n.leafParent,
		keys:       slices.Clone(n.keys[:mid]),
		children:   slices.Clone(n.children[:mid+1]),
	}
	right := &nodeBlock{
		leafParent: n.leafParent,
		keys:       slices.Clone(n.keys[mid+1:]),
		children:   slices.Clone(n.children[mid+1:]),
	}
	return left, n.keys[mid], right
}
