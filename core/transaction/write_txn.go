package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/cowtree/core/indexing/bptree"
)

// WriteTxn is the single in-flight write transaction of a Manager. It is not
// safe for concurrent use.
type WriteTxn struct {
	id       uuid.UUID
	mgr      *Manager
	state    *bptree.TxnState
	promoter *bptree.Promoter
	writer   *bptree.Writer
	logger   *zap.Logger

	status   TransactionState
	poisoned error
}

func newWriteTxn(m *Manager, state *bptree.TxnState) *WriteTxn {
	id := uuid.New()
	logger := m.logger.With(zap.Stringer("txn_id", id))
	cfg := bptree.PromoterConfig{
		State:    state,
		Override: m.opts.Override,
		Nodes:    m.nodes,
		Records:  m.records,
		Logger:   logger,
	}
	if m.opts.Metrics != nil {
		cfg.Observer = m.opts.Metrics
	}
	promoter := bptree.NewPromoter(cfg)
	logger.Debug("Began write transaction", zap.Stringer("state", state))
	return &WriteTxn{
		id:       id,
		mgr:      m,
		state:    state,
		promoter: promoter,
		writer:   bptree.NewWriter(promoter),
		logger:   logger,
		status:   TxnStateRunning,
	}
}

func (tx *WriteTxn) ID() uuid.UUID { return tx.id }

func (tx *WriteTxn) State() TransactionState { return tx.status }

// TxnState exposes the boundary tracker for inspection.
func (tx *WriteTxn) TxnState() *bptree.TxnState { return tx.state }

// Root is the root this transaction would publish if it committed now.
func (tx *WriteTxn) Root() bptree.BlockID { return tx.state.CurrentRoot() }

// Poisoned returns the error that aborted the transaction, if any.
func (tx *WriteTxn) Poisoned() error { return tx.poisoned }

func (tx *WriteTxn) check() error {
	if tx.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrTxnPoisoned, tx.poisoned)
	}
	if tx.status != TxnStateRunning {
		return ErrTxnDone
	}
	return nil
}

// recoverable errors are rejected before anything is mutated.
func recoverable(err error) bool {
	return errors.Is(err, bptree.ErrEmptyKey) ||
		errors.Is(err, bptree.ErrEntryTooLarge) ||
		errors.Is(err, bptree.ErrKeyNotFound)
}

// fail aborts the transaction after a mutation error that may have left the
// private part of the tree half rewritten.
func (tx *WriteTxn) fail(ctx context.Context, err error) error {
	if recoverable(err) {
		return err
	}
	tx.poisoned = err
	tx.logger.Warn("Write transaction poisoned, aborting", zap.Error(err))
	if abortErr := tx.abort(ctx, "poisoned"); abortErr != nil {
		tx.logger.Error("Abort after poisoning failed", zap.Error(abortErr))
	}
	return fmt.Errorf("%w: %w", ErrTxnPoisoned, err)
}

func (tx *WriteTxn) Put(key, value []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := tx.writer.Put(key, value); err != nil {
		return tx.fail(context.Background(), err)
	}
	return nil
}

// Delete removes key; it returns bptree.ErrKeyNotFound when key is absent.
func (tx *WriteTxn) Delete(key []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := tx.writer.Delete(key); err != nil {
		return tx.fail(context.Background(), err)
	}
	return nil
}

// Get sees the transaction's own writes.
func (tx *WriteTxn) Get(key []byte) ([]byte, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	return tx.writer.Reader().Get(tx.writer.Root(), key)
}

func (tx *WriteTxn) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.writer.Reader().Scan(tx.writer.Root(), start, end, fn)
}

// Commit publishes the transaction's root. A poisoned transaction has already
// been aborted and reports ErrTxnPoisoned. A failed checkpoint aborts.
func (tx *WriteTxn) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	defer tx.mgr.releaseWriter()
	if err := tx.mgr.commit(ctx, tx); err != nil {
		tx.poisoned = err
		tx.status = TxnStateAborted
		if abortErr := tx.mgr.rollback(ctx, tx, "commit_failed"); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	tx.status = TxnStateCommitted
	return nil
}

// Abort discards every block the transaction allocated. Aborting an aborted
// transaction is a no-op; aborting a committed one returns ErrTxnDone.
func (tx *WriteTxn) Abort(ctx context.Context) error {
	return tx.abort(ctx, "user")
}

func (tx *WriteTxn) abort(ctx context.Context, reason string) error {
	switch tx.status {
	case TxnStateAborted:
		return nil
	case TxnStateCommitted:
		return ErrTxnDone
	}
	tx.status = TxnStateAborted
	defer tx.mgr.releaseWriter()
	return tx.mgr.rollback(ctx, tx, reason)
}
