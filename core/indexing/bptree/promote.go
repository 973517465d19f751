package bptree

import (
	"fmt"
	"slices"

	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
	"go.uber.org/zap"
)

// PathEntry is one step of a root-to-leaf descent: the block and the child
// slot its parent reaches it through (-1 for the root).
type PathEntry struct {
	Kind Kind
	ID   BlockID
	Slot int
}

// Observer receives promotion events, e.g. for metrics. Space names are the
// Kind strings.
type Observer interface {
	BlockPromoted(space string)
	BlockWrittenInPlace(space string)
	CascadeFinished(depth int)
}

type nopObserver struct{}

func (nopObserver) BlockPromoted(string)       {}
func (nopObserver) BlockWrittenInPlace(string) {}
func (nopObserver) CascadeFinished(int)        {}

// PromoterConfig wires a Promoter to its collaborators.
type PromoterConfig struct {
	State    *TxnState
	Override Override
	Nodes    blockstore.Space
	Records  blockstore.Space
	Linker   ChildLinker
	Logger   *zap.Logger
	Observer Observer
}

// Promoter carries out copy-on-write promotion for one write transaction. It
// remembers which blocks it promoted (old id -> new id) and which blocks the
// transaction allocated, so a block is copied at most once.
type Promoter struct {
	state    *TxnState
	gate     *Gate
	spaces   map[Kind]blockstore.Space
	linker   ChildLinker
	logger   *zap.Logger
	observer Observer

	promoted map[Kind]map[BlockID]BlockID
	owned    map[Kind]map[BlockID]struct{}
}

func NewPromoter(cfg PromoterConfig) *Promoter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	linker := cfg.Linker
	if linker == nil {
		linker = NodeLinker{}
	}
	return &Promoter{
		state:    cfg.State,
		gate:     NewGate(cfg.State, cfg.Override),
		spaces:   map[Kind]blockstore.Space{KindNode: cfg.Nodes, KindRecord: cfg.Records},
		linker:   linker,
		logger:   logger,
		observer: observer,
		promoted: map[Kind]map[BlockID]BlockID{KindNode: {}, KindRecord: {}},
		owned:    map[Kind]map[BlockID]struct{}{KindNode: {}, KindRecord: {}},
	}
}

func (p *Promoter) Gate() *Gate                      { return p.gate }
func (p *Promoter) State() *TxnState                 { return p.state }
func (p *Promoter) Space(kind Kind) blockstore.Space { return p.spaces[kind] }

// Allocate hands out a fresh block owned by this transaction.
func (p *Promoter) Allocate(kind Kind) (BlockID, error) {
	if p.state.Discarded() {
		return blockstore.InvalidBlockID, ErrTxnDiscarded
	}
	id, err := p.spaces[kind].Allocate()
	if err != nil {
		return blockstore.InvalidBlockID, fmt.Errorf("allocating %s block: %w", kind, err)
	}
	p.owned[kind][id] = struct{}{}
	return id, nil
}

// Resolve maps an id to its promoted replacement, if any.
func (p *Promoter) Resolve(kind Kind, id BlockID) BlockID {
	if newID, ok := p.promoted[kind][id]; ok {
		return newID
	}
	return id
}

// Writable returns an id under which the block may be mutated: the block
// itself if the transaction owns it or the gate allows it, otherwise a copy
// above the boundary. The caller is responsible for relinking the parent when
// the returned id differs from id.
func (p *Promoter) Writable(kind Kind, id BlockID) (BlockID, error) {
	if p.state.Discarded() {
		return blockstore.InvalidBlockID, ErrTxnDiscarded
	}
	if newID, ok := p.promoted[kind][id]; ok {
		return newID, nil
	}
	if _, ok := p.owned[kind][id]; ok {
		return id, nil
	}
	if p.gate.MayModify(kind, id) {
		p.observer.BlockWrittenInPlace(kind.String())
		return id, nil
	}

	space := p.spaces[kind]
	data, err := space.Read(id)
	if err != nil {
		return blockstore.InvalidBlockID, fmt.Errorf("reading %s block %s for promotion: %w", kind, id, err)
	}
	newID, err := p.Allocate(kind)
	if err != nil {
		return blockstore.InvalidBlockID, err
	}
	if err := space.Write(newID, data); err != nil {
		return blockstore.InvalidBlockID, fmt.Errorf("copying %s block %s to %s: %w", kind, id, newID, err)
	}
	p.promoted[kind][id] = newID
	p.observer.BlockPromoted(kind.String())
	p.logger.Debug("Promoted block", zap.Stringer("space", kind), zap.Stringer("from", id), zap.Stringer("to", newID))
	return newID, nil
}

// PromotePath makes every block on a root-to-leaf path writable. It walks the
// path bottom-up with an explicit index; whenever a block moves, the parent's
// child slot is rewritten, and the parent is itself made writable first. When
// the root moves the tracker's current root follows it. The returned path
// carries the writable ids.
func (p *Promoter) PromotePath(path []PathEntry) ([]PathEntry, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty promotion path", ErrContractViolation)
	}
	if path[0].Kind != KindNode {
		return nil, fmt.Errorf("%w: path must start at a node block, got %s", ErrContractViolation, path[0].Kind)
	}
	if p.state.Discarded() {
		return nil, ErrTxnDiscarded
	}
	if cur := p.state.CurrentRoot(); path[0].ID != cur && p.Resolve(KindNode, path[0].ID) != cur {
		return nil, fmt.Errorf("%w: path starts at %s but the current root is %s", ErrContractViolation, path[0].ID, cur)
	}

	out := slices.Clone(path)
	depth := 0
	childMoved := false
	for i := len(out) - 1; i >= 0; i-- {
		oldID := out[i].ID
		newID, err := p.Writable(out[i].Kind, oldID)
		if err != nil {
			return nil, err
		}
		out[i].ID = newID
		if childMoved {
			if err := p.relink(newID, out[i+1].Slot, out[i+1].ID); err != nil {
				return nil, err
			}
		}
		childMoved = newID != oldID
		if childMoved {
			depth++
		}
	}
	if root := out[0].ID; root != p.state.CurrentRoot() {
		if err := p.state.SetCurrentRoot(root); err != nil {
			return nil, err
		}
	}
	if depth > 0 {
		p.observer.CascadeFinished(depth)
	}
	return out, nil
}

func (p *Promoter) relink(parent BlockID, slot int, child BlockID) error {
	space := p.spaces[KindNode]
	data, err := space.Read(parent)
	if err != nil {
		return fmt.Errorf("reading parent %s to relink slot %d: %w", parent, slot, err)
	}
	updated, err := p.linker.RelinkChild(data, slot, child)
	if err != nil {
		return fmt.Errorf("relinking parent %s slot %d to %s: %w", parent, slot, child, err)
	}
	return space.Write(parent, updated)
}

// PromotedCount is the number of distinct blocks copied in kind's space.
func (p *Promoter) PromotedCount(kind Kind) int { return len(p.promoted[kind]) }

// OwnedCount is the number of blocks this transaction allocated in kind's space.
func (p *Promoter) OwnedCount(kind Kind) int { return len(p.owned[kind]) }

// Retired lists, in ascending order, the committed ids this transaction
// superseded. They stay readable for older snapshots after commit.
func (p *Promoter) Retired(kind Kind) []BlockID {
	ids := make([]BlockID, 0, len(p.promoted[kind]))
	for old := range p.promoted[kind] {
		ids = append(ids, old)
	}
	slices.Sort(ids)
	return ids
}
