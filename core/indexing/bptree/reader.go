package bptree

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
)

// Reader traverses the tree from a given root. It never writes, so any
// number of readers can share one Reader while a writer works above the
// boundary.
type Reader struct {
	nodes   blockstore.Space
	records blockstore.Space
}

func NewReader(nodes, records blockstore.Space) *Reader {
	return &Reader{nodes: nodes, records: records}
}

func (r *Reader) readNode(id BlockID) (*nodeBlock, error) {
	data, err := r.nodes.Read(id)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(data)
	if err != nil {
		return nil, fmt.Errorf("node block %s: %w", id, err)
	}
	return n, nil
}

func (r *Reader) readRecords(id BlockID) (*recordBlock, error) {
	data, err := r.records.Read(id)
	if err != nil {
		return nil, err
	}
	rb, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("record block %s: %w", id, err)
	}
	return rb, nil
}

// descend returns the root-to-leaf path covering key. The last entry is the
// record block.
func (r *Reader) descend(root BlockID, key []byte) ([]PathEntry, error) {
	path := []PathEntry{{Kind: KindNode, ID: root, Slot: -1}}
	id := root
	for {
		n, err := r.readNode(id)
		if err != nil {
			return nil, err
		}
		slot := n.childIndex(key)
		child := n.children[slot]
		if n.leafParent {
			return append(path, PathEntry{Kind: KindRecord, ID: child, Slot: slot}), nil
		}
		path = append(path, PathEntry{Kind: KindNode, ID: child, Slot: slot})
		id = child
	}
}

// Get looks key up in the tree rooted at root.
func (r *Reader) Get(root BlockID, key []byte) ([]byte, bool, error) {
	if !root.IsValid() {
		return nil, false, nil
	}
	path, err := r.descend(root, key)
	if err != nil {
		return nil, false, err
	}
	leaf, err := r.readRecords(path[len(path)-1].ID)
	if err != nil {
		return nil, false, err
	}
	i, found := leaf.find(key)
	if !found {
		return nil, false, nil
	}
	return leaf.values[i], true, nil
}

type scanFrame struct {
	node *nodeBlock
	next int
}

// Scan calls fn for every key in [start, end) in ascending order until fn
// returns false. A nil start or end leaves that side unbounded.
func (r *Reader) Scan(root BlockID, start, end []byte, fn func(key, value []byte) bool) error {
	if !root.IsValid() {
		return nil
	}
	var stack []scanFrame
	id := root
	var leafID BlockID
	for {
		n, err := r.readNode(id)
		if err != nil {
			return err
		}
		slot := 0
		if start != nil {
			slot = n.childIndex(start)
		}
		stack = append(stack, scanFrame{node: n, next: slot + 1})
		if n.leafParent {
			leafID = n.children[slot]
			break
		}
		id = n.children[slot]
	}

	for {
		leaf, err := r.readRecords(leafID)
		if err != nil {
			return err
		}
		for i, k := range leaf.keys {
			if start != nil && bytes.Compare(k, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(k, end) >= 0 {
				return nil
			}
			if !fn(k, leaf.values[i]) {
				return nil
			}
		}
		next, ok, err := r.nextLeaf(&stack)
		if err != nil || !ok {
			return err
		}
		leafID = next
	}
}

// nextLeaf advances the scan stack to the leftmost record block right of the
// current one.
func (r *Reader) nextLeaf(stack *[]scanFrame) (BlockID, bool, error) {
	s := *stack
	for len(s) > 0 && s[len(s)-1].next >= len(s[len(s)-1].node.children) {
		s = s[:len(s)-1]
	}
	*stack = s
	if len(s) == 0 {
		return blockstore.InvalidBlockID, false, nil
	}
	top := &s[len(s)-1]
	child := top.node.children[top.next]
	top.next++
	if top.node.leafParent {
		return child, true, nil
	}
	for {
		n, err := r.readNode(child)
		if err != nil {
			return blockstore.InvalidBlockID, false, err
		}
		*stack = append(*stack, scanFrame{node: n, next: 1})
		if n.leafParent {
			return n.children[0], true, nil
		}
		child = n.children[0]
	}
}

// Depth is the number of node levels above the record blocks.
func (r *Reader) Depth(root BlockID) (int, error) {
	if !root.IsValid() {
		return 0, nil
	}
	depth := 0
	id := root
	for {
		n, err := r.readNode(id)
		if err != nil {
			return 0, err
		}
		depth++
		if n.leafParent {
			return depth, nil
		}
		id = n.children[0]
	}
}

// Count walks every record block reachable from root and counts entries.
func (r *Reader) Count(root BlockID) (int, error) {
	count := 0
	err := r.Scan(root, nil, nil, func(_, _ []byte) bool {
		count++
		return true
	})
	return count, err
}
