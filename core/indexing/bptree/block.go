package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
)

// --- Block Layout ---
// Both block kinds share a 4 byte header and a CRC32 trailer:
//
//	[0]    tag (tagNode or tagRecord)
//	[1]    flags (node blocks: bit 0 set when children are record blocks)
//	[2:4]  entry count, uint16
//	...    entries
//	[-4:]  CRC32 (IEEE) of everything before it
//
// Node entries: count keys as (uint16 len, bytes), then count+1 child ids as uint64.
// Record entries: count pairs of (uint16 len, key bytes, uint16 len, value bytes).

const (
	tagNode   byte = 0x4E // 'N'
	tagRecord byte = 0x52 // 'R'

	flagLeafParent byte = 1 << 0

	blockHeaderSize = 4
	checksumSize    = 4
	childIDSize     = 8
	lenPrefixSize   = 2
)

// nodeBlock is the in-memory form of an internal block. children[i] holds
// keys k with keys[i-1] <= k < keys[i].
type nodeBlock struct {
	leafParent bool
	keys       [][]byte
	children   []BlockID
}

// recordBlock is the in-memory form of a leaf block; keys are sorted.
type recordBlock struct {
	keys   [][]byte
	values [][]byte
}

func usable(blockSize int) int { return blockSize - checksumSize }

// maxEntrySize bounds a single key/value entry so that any overflowing block
// can be split into two halves that both fit.
func maxEntrySize(blockSize int) int {
	return (usable(blockSize) - blockHeaderSize) / 4
}

func nodeEntrySize(key []byte) int { return lenPrefixSize + len(key) + childIDSize }

func recordEntrySize(key, value []byte) int {
	return lenPrefixSize + len(key) + lenPrefixSize + len(value)
}

func (n *nodeBlock) encodedSize() int {
	size := blockHeaderSize + childIDSize // the extra child
	for _, k := range n.keys {
		size += nodeEntrySize(k)
	}
	return size
}

func (r *recordBlock) encodedSize() int {
	size := blockHeaderSize
	for i := range r.keys {
		size += recordEntrySize(r.keys[i], r.values[i])
	}
	return size
}

// childIndex returns the slot of the child that covers key.
func (n *nodeBlock) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
}

// find returns the position of key, or where it would be inserted.
func (r *recordBlock) find(key []byte) (int, bool) {
	i := sort.Search(len(r.keys), func(i int) bool { return bytes.Compare(r.keys[i], key) >= 0 })
	return i, i < len(r.keys) && bytes.Equal(r.keys[i], key)
}

func sealBlock(buf *bytes.Buffer, blockSize int) ([]byte, error) {
	if buf.Len() > usable(blockSize) {
		return nil, fmt.Errorf("%w: encoded block (%d bytes) + checksum (%d) exceeds block size (%d)",
			ErrCorruptBlock, buf.Len(), checksumSize, blockSize)
	}
	data := make([]byte, blockSize)
	copy(data, buf.Bytes())
	sum := crc32.ChecksumIEEE(data[:usable(blockSize)])
	binary.LittleEndian.PutUint32(data[usable(blockSize):], sum)
	return data, nil
}

func encodeNode(n *nodeBlock, blockSize int) ([]byte, error) {
	if len(n.children) != len(n.keys)+1 {
		return nil, fmt.Errorf("%w: node has %d keys but %d children", ErrCorruptBlock, len(n.keys), len(n.children))
	}
	buf := bytes.NewBuffer(make([]byte, 0, blockSize))
	var flags byte
	if n.leafParent {
		flags |= flagLeafParent
	}
	buf.WriteByte(tagNode)
	buf.WriteByte(flags)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(n.keys)))
	for _, k := range n.keys {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(k)))
		buf.Write(k)
	}
	for _, c := range n.children {
		_ = binary.Write(buf, binary.LittleEndian, uint64(c))
	}
	return sealBlock(buf, blockSize)
}

func encodeRecords(r *recordBlock, blockSize int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, blockSize))
	buf.WriteByte(tagRecord)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(r.keys)))
	for i := range r.keys {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(r.keys[i])))
		buf.Write(r.keys[i])
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(r.values[i])))
		buf.Write(r.values[i])
	}
	return sealBlock(buf, blockSize)
}

// blockReader walks the entry area of a verified block.
type blockReader struct {
	data []byte
	pos  int
	err  error
}

func (br *blockReader) take(n int) []byte {
	if br.err != nil {
		return nil
	}
	if br.pos+n > len(br.data) {
		br.err = fmt.Errorf("%w: entry runs past end of block at offset %d", ErrCorruptBlock, br.pos)
		return nil
	}
	out := br.data[br.pos : br.pos+n]
	br.pos += n
	return out
}

func (br *blockReader) bytesField() []byte {
	l := br.take(lenPrefixSize)
	if l == nil {
		return nil
	}
	raw := br.take(int(binary.LittleEndian.Uint16(l)))
	if raw == nil {
		return nil
	}
	return bytes.Clone(raw)
}

func (br *blockReader) id() BlockID {
	raw := br.take(childIDSize)
	if raw == nil {
		return 0
	}
	return BlockID(binary.LittleEndian.Uint64(raw))
}

func verifyBlock(data []byte, tag byte) (*blockReader, int, error) {
	if len(data) < blockHeaderSize+checksumSize {
		return nil, 0, fmt.Errorf("%w: block of %d bytes is too small", ErrCorruptBlock, len(data))
	}
	body := data[:usable(len(data))]
	stored := binary.LittleEndian.Uint32(data[usable(len(data)):])
	if calculated := crc32.ChecksumIEEE(body); stored != calculated {
		return nil, 0, fmt.Errorf("%w: stored=0x%x, calculated=0x%x", ErrBlockChecksum, stored, calculated)
	}
	if body[0] != tag {
		return nil, 0, fmt.Errorf("%w: expected block tag 0x%x, found 0x%x", ErrCorruptBlock, tag, body[0])
	}
	count := int(binary.LittleEndian.Uint16(body[2:4]))
	return &blockReader{data: body, pos: blockHeaderSize}, count, nil
}

func decodeNode(data []byte) (*nodeBlock, error) {
	br, count, err := verifyBlock(data, tagNode)
	if err != nil {
		return nil, err
	}
	n := &nodeBlock{
		leafParent: data[1]&flagLeafParent != 0,
		keys:       make([][]byte, 0, count),
		children:   make([]BlockID, 0, count+1),
	}
	for i := 0; i < count; i++ {
		n.keys = append(n.keys, br.bytesField())
	}
	for i := 0; i <= count; i++ {
		n.children = append(n.children, br.id())
	}
	if br.err != nil {
		return nil, br.err
	}
	return n, nil
}

func decodeRecords(data []byte) (*recordBlock, error) {
	br, count, err := verifyBlock(data, tagRecord)
	if err != nil {
		return nil, err
	}
	r := &recordBlock{
		keys:   make([][]byte, 0, count),
		values: make([][]byte, 0, count),
	}
	for i := 0; i < count; i++ {
		r.keys = append(r.keys, br.bytesField())
		r.values = append(r.values, br.bytesField())
	}
	if br.err != nil {
		return nil, br.err
	}
	return r, nil
}

// --- Child relinking ---

// ChildLinker rewrites one child pointer inside an encoded parent block. The
// promotion cascade uses it without knowing the block layout.
type ChildLinker interface {
	RelinkChild(parent []byte, slot int, child BlockID) ([]byte, error)
}

// NodeLinker relinks children of node blocks in this package's layout.
type NodeLinker struct{}

func (NodeLinker) RelinkChild(parent []byte, slot int, child BlockID) ([]byte, error) {
	n, err := decodeNode(parent)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= len(n.children) {
		return nil, fmt.Errorf("%w: child slot %d out of range for node with %d children", ErrCorruptBlock, slot, len(n.children))
	}
	n.children[slot] = child
	return encodeNode(n, len(parent))
}
