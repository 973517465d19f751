package transaction

import "errors"

var (
	ErrTxnDone       = errors.New("transaction has already been committed or aborted")
	ErrTxnPoisoned   = errors.New("transaction was aborted after a fatal error")
	ErrReadOnly      = errors.New("manager is read-only")
	ErrWriterBusy    = errors.New("another write transaction is in progress")
	ErrManagerClosed = errors.New("transaction manager is closed")
)
