package transaction

import "fmt"

// TransactionState is the lifecycle state of a write transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Mutations are being applied above the boundary
	TxnStateCommitted                         // Root published and both spaces checkpointed
	TxnStateAborted                           // Spaces truncated back to the boundaries
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}
