package bptree

import "fmt"

// Kind says which address space a block id belongs to.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "nodes"
	case KindRecord:
		return "records"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Override forces the gate's answer regardless of block id. Test harnesses
// use it to drive the in-place path (true) or the full promotion cascade
// (false) without building boundary conditions first. Enabling it on a live
// tree mutates shared blocks in place and breaks snapshot isolation.
type Override struct {
	Enabled bool
	Node    bool
	Record  bool
}

// Gate decides whether the writer may mutate a block in place.
type Gate struct {
	state    *TxnState
	override Override
}

func NewGate(state *TxnState, override Override) *Gate {
	return &Gate{state: state, override: override}
}

// MayModifyNode reports whether node block id is private to the transaction.
func (g *Gate) MayModifyNode(id BlockID) bool {
	g.checkLive()
	if g.override.Enabled {
		return g.override.Node
	}
	// The boundary is the first id allocated by this transaction, so an id
	// equal to it is already private.
	return id >= g.state.nodeBoundary
}

// MayModifyRecord reports whether record block id is private to the transaction.
func (g *Gate) MayModifyRecord(id BlockID) bool {
	g.checkLive()
	if g.override.Enabled {
		return g.override.Record
	}
	return id >= g.state.recordBoundary
}

func (g *Gate) MayModify(kind Kind, id BlockID) bool {
	if kind == KindRecord {
		return g.MayModifyRecord(id)
	}
	return g.MayModifyNode(id)
}

func (g *Gate) Override() Override { return g.override }

// checkLive panics when the gate outlives its transaction. Callers on public
// paths check TxnState.Discarded first and return ErrTxnDiscarded.
func (g *Gate) checkLive() {
	if g.state.discarded {
		panic(fmt.Errorf("%w: gate queried after transaction state was discarded", ErrContractViolation))
	}
}
