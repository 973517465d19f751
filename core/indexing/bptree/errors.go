package bptree

import "errors"

// --- Error Definitions ---

var (
	// ErrContractViolation marks a caller bug: mismeasured boundaries, a root
	// update that breaks the root invariant, or a discarded state being used.
	// The enclosing write transaction must abort; it is never retried.
	ErrContractViolation = errors.New("transaction boundary contract violated")
	ErrTxnDiscarded      = errors.New("transaction state has been discarded")
	ErrEntryTooLarge     = errors.New("key/value entry too large for block")
	ErrEmptyKey          = errors.New("key must not be empty")
	ErrKeyNotFound       = errors.New("key not found")
	ErrCorruptBlock      = errors.New("block contents are corrupt or uninitialized")
	ErrBlockChecksum     = errors.New("block checksum mismatch, data corruption suspected")
)
