// Package transaction runs write and read transactions over a copy-on-write
// B+Tree stored in two block spaces. There is at most one write transaction at
// a time; readers run concurrently against the root published when they began.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/cowtree/core/indexing/bptree"
	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
	internaltelemetry "github.com/sushant-115/cowtree/internal/telemetry"
)

// Options configures a Manager.
type Options struct {
	Logger  *zap.Logger
	Metrics *internaltelemetry.TreeMetrics
	Tracer  trace.Tracer
	// Override forces the modifiability gate of every write transaction.
	// Managers refuse to begin a write with an enabled override unless
	// AllowForceOverride is set.
	Override           bptree.Override
	AllowForceOverride bool
	// ReadOnly managers never bootstrap an empty tree and refuse BeginWrite.
	ReadOnly bool
}

// RetiredBlocks lists the committed ids one commit superseded. They remain
// readable by snapshots older than Generation and are never handed out again.
type RetiredBlocks struct {
	Generation uint64
	Nodes      []bptree.BlockID
	Records    []bptree.BlockID
}

// Stats is a point-in-time view of the manager. RetiredNodes and
// RetiredRecords count what this Manager retired since Open; see Retired.
type Stats struct {
	Root            bptree.BlockID
	Generation      uint64
	NodeBlocks      bptree.BlockID
	RecordBlocks    bptree.BlockID
	NodeBlockSize   int
	RecordBlockSize int
	Depth           int
	RetiredNodes    int
	RetiredRecords  int
	ActiveReaders   int64
	Commits         uint64
	Aborts          uint64
}

// Manager owns the two block spaces of one tree.
type Manager struct {
	nodes   blockstore.Space
	records blockstore.Space
	reader  *bptree.Reader
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer

	// writerSlot is a one-slot semaphore held by the running write transaction.
	writerSlot chan struct{}

	mu         sync.RWMutex
	root       bptree.BlockID
	generation uint64
	retired    []RetiredBlocks
	closed     bool

	activeReaders atomic.Int64
	commits       atomic.Uint64
	aborts        atomic.Uint64
}

// Open builds a manager over nodes and records. Blocks past each space's
// committed size are discarded, and an empty tree is bootstrapped unless the
// manager is read-only. The manager takes ownership of both spaces.
func Open(ctx context.Context, nodes, records blockstore.Space, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	for _, s := range []blockstore.Space{nodes, records} {
		committed, _ := s.Committed()
		if s.Size() > committed {
			if err := s.Truncate(committed); err != nil {
				return nil, fmt.Errorf("discarding uncommitted %s blocks: %w", s.Name(), err)
			}
		}
	}
	nodeSize, root := nodes.Committed()
	if root.IsValid() && root >= nodeSize {
		return nil, fmt.Errorf("%w: committed root %s outside node space of %s blocks", blockstore.ErrInvalidHeader, root, nodeSize)
	}

	m := &Manager{
		nodes:      nodes,
		records:    records,
		reader:     bptree.NewReader(nodes, records),
		opts:       opts,
		logger:     logger,
		tracer:     tracer,
		writerSlot: make(chan struct{}, 1),
		root:       root,
	}

	if !root.IsValid() && !opts.ReadOnly {
		err := m.Update(ctx, func(tx *WriteTxn) error { return tx.writer.Bootstrap() })
		if err != nil {
			return nil, fmt.Errorf("bootstrapping empty tree: %w", err)
		}
		logger.Info("Bootstrapped empty tree", zap.Stringer("root", m.Root()))
	}
	logger.Info("Transaction manager opened",
		zap.Stringer("root", m.Root()),
		zap.Stringer("node_blocks", nodes.Size()),
		zap.Stringer("record_blocks", records.Size()),
		zap.Bool("read_only", opts.ReadOnly))
	return m, nil
}

// Root returns the currently published root.
func (m *Manager) Root() bptree.BlockID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Generation counts successful commits since the manager was opened.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Retired returns the retired-id ledger, oldest commit first. The ledger is
// kept in memory only and starts empty on every Open. Ids retired before a
// reopen still lie below the committed sizes, so they are not reused either.
func (m *Manager) Retired() []RetiredBlocks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RetiredBlocks, len(m.retired))
	copy(out, m.retired)
	return out
}

// BeginWrite waits for the writer slot and starts a write transaction on top
// of the published root. The boundaries are the space sizes measured while
// the slot is held, so no other allocation can race them.
func (m *Manager) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if m.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if m.opts.Override.Enabled && !m.opts.AllowForceOverride {
		return nil, fmt.Errorf("%w: gate override requested on a manager without AllowForceOverride", bptree.ErrContractViolation)
	}

	select {
	case m.writerSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWriterBusy, ctx.Err())
	}
	if m.isClosed() {
		m.releaseWriter()
		return nil, ErrManagerClosed
	}

	snap := bptree.Snapshot{Root: m.Root(), NodeBoundary: m.nodes.Size(), RecordBoundary: m.records.Size()}
	state, err := bptree.NewTxnState(snap, m.nodes.Size(), m.records.Size())
	if err != nil {
		m.releaseWriter()
		return nil, err
	}
	return newWriteTxn(m, state), nil
}

// BeginRead starts a read transaction pinned to the published root.
func (m *Manager) BeginRead() (*ReadTxn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	m.activeReaders.Add(1)
	m.opts.Metrics.ReaderOpened(context.Background())
	return &ReadTxn{mgr: m, root: m.root, generation: m.generation}, nil
}

// Update runs fn in a write transaction and commits it when fn returns nil.
func (m *Manager) Update(ctx context.Context, fn func(tx *WriteTxn) error) error {
	tx, err := m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if abortErr := tx.abort(ctx, "user"); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn in a read transaction.
func (m *Manager) View(fn func(tx *ReadTxn) error) error {
	tx, err := m.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}

// Stats collects counters and sizes. Depth is measured from the published
// root.
func (m *Manager) Stats() (Stats, error) {
	m.mu.RLock()
	s := Stats{
		Root:            m.root,
		Generation:      m.generation,
		NodeBlocks:      m.nodes.Size(),
		RecordBlocks:    m.records.Size(),
		NodeBlockSize:   m.nodes.BlockSize(),
		RecordBlockSize: m.records.BlockSize(),
		ActiveReaders:   m.activeReaders.Load(),
		Commits:         m.commits.Load(),
		Aborts:          m.aborts.Load(),
	}
	for _, r := range m.retired {
		s.RetiredNodes += len(r.Nodes)
		s.RetiredRecords += len(r.Records)
	}
	m.mu.RUnlock()

	depth, err := m.reader.Depth(s.Root)
	if err != nil {
		return s, err
	}
	s.Depth = depth
	return s, nil
}

// Close closes both spaces. It fails with ErrWriterBusy while a write
// transaction is open; reads of still-open read transactions fail afterwards.
func (m *Manager) Close() error {
	if m.isClosed() {
		return nil
	}
	select {
	case m.writerSlot <- struct{}{}:
	default:
		return ErrWriterBusy
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, s := range []blockstore.Space{m.nodes, m.records} {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s space: %w", s.Name(), err))
		}
	}
	m.logger.Info("Transaction manager closed", zap.Uint64("generation", m.Generation()))
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) releaseWriter() { <-m.writerSlot }

// commit checkpoints the record space and then the node space; the node
// space header is the commit point. Only then is the new root published.
func (m *Manager) commit(ctx context.Context, tx *WriteTxn) error {
	ctx, span := m.tracer.Start(ctx, "cowtree.txn.commit", trace.WithAttributes(attribute.String("txn.id", tx.id.String())))
	defer span.End()

	state := tx.state
	root := state.CurrentRoot()
	if err := m.records.Checkpoint(root); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpointing records failed")
		return fmt.Errorf("checkpointing records space: %w", err)
	}
	if err := m.nodes.Checkpoint(root); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpointing nodes failed")
		return fmt.Errorf("checkpointing nodes space: %w", err)
	}

	ledger := RetiredBlocks{
		Nodes:   tx.promoter.Retired(bptree.KindNode),
		Records: tx.promoter.Retired(bptree.KindRecord),
	}
	m.mu.Lock()
	m.root = root
	m.generation++
	ledger.Generation = m.generation
	if len(ledger.Nodes) > 0 || len(ledger.Records) > 0 {
		m.retired = append(m.retired, ledger)
	}
	generation := m.generation
	m.mu.Unlock()

	state.Discard()
	m.commits.Add(1)
	m.opts.Metrics.TxnCommitted(ctx)
	span.SetAttributes(attribute.Int64("cowtree.generation", int64(generation)))
	m.logger.Info("Committed write transaction",
		zap.Stringer("txn_id", tx.id),
		zap.Stringer("root", root),
		zap.Uint64("generation", generation),
		zap.Int("promoted_nodes", tx.promoter.PromotedCount(bptree.KindNode)),
		zap.Int("promoted_records", tx.promoter.PromotedCount(bptree.KindRecord)),
		zap.Int("allocated_nodes", tx.promoter.OwnedCount(bptree.KindNode)),
		zap.Int("allocated_records", tx.promoter.OwnedCount(bptree.KindRecord)))
	return nil
}

// rollback discards the transaction state and truncates both spaces back to
// its boundaries. The published root is untouched.
func (m *Manager) rollback(ctx context.Context, tx *WriteTxn, reason string) error {
	_, span := m.tracer.Start(ctx, "cowtree.txn.abort", trace.WithAttributes(
		attribute.String("txn.id", tx.id.String()),
		attribute.String("reason", reason)))
	defer span.End()

	state := tx.state
	state.Discard()

	var errs []error
	if err := m.records.Truncate(state.RecordBoundary()); err != nil {
		errs = append(errs, fmt.Errorf("truncating records space: %w", err))
	}
	if err := m.nodes.Truncate(state.NodeBoundary()); err != nil {
		errs = append(errs, fmt.Errorf("truncating nodes space: %w", err))
	}
	// A failed commit may already have checkpointed the records space.
	if committed, _ := m.records.Committed(); committed > state.RecordBoundary() {
		if err := m.records.Checkpoint(state.InitialRoot()); err != nil {
			errs = append(errs, fmt.Errorf("restoring records checkpoint: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
	}

	m.aborts.Add(1)
	m.opts.Metrics.TxnAborted(ctx, reason)
	m.logger.Info("Aborted write transaction",
		zap.Stringer("txn_id", tx.id),
		zap.String("reason", reason),
		zap.Stringer("node_boundary", state.NodeBoundary()),
		zap.Stringer("record_boundary", state.RecordBoundary()),
		zap.Error(err))
	return err
}
