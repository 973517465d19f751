package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sushant-115/cowtree/config"
	"github.com/sushant-115/cowtree/core/transaction"
	"github.com/sushant-115/cowtree/core/write_engine/blockstore"
	internaltelemetry "github.com/sushant-115/cowtree/internal/telemetry"
	"github.com/sushant-115/cowtree/pkg/logger"
	"github.com/sushant-115/cowtree/pkg/telemetry"
)

const (
	nodesFile   = "nodes.blk"
	recordsFile = "records.blk"
)

// app is everything one CLI invocation needs.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	mgr      *transaction.Manager
	shutdown telemetry.ShutdownFunc
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewTreeMetrics(tel.Meter)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("registering tree metrics: %w", err)
	}

	nodes, records, err := openSpaces(cfg.Storage, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	mgr, err := transaction.Open(ctx, nodes, records, transaction.Options{
		Logger:  log,
		Metrics: metrics,
		Tracer:  tel.Tracer,
	})
	if err != nil {
		_ = nodes.Close()
		_ = records.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	return &app{cfg: cfg, log: log, mgr: mgr, shutdown: shutdown}, nil
}

func (a *app) Close(ctx context.Context) error {
	err := a.mgr.Close()
	if shutdownErr := a.shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	_ = a.log.Sync()
	return err
}

// openSpaces opens (or creates) the node and record spaces described by cfg,
// each behind its own block cache.
func openSpaces(cfg config.StorageConfig, log *zap.Logger) (blockstore.Space, blockstore.Space, error) {
	cacheBlocks, err := cfg.CacheBlocks()
	if err != nil {
		return nil, nil, err
	}

	var nodes, records blockstore.Space
	if cfg.InMemory {
		if nodes, err = blockstore.NewMemSpace("nodes", cfg.BlockSize, cfg.MaxNodeBlocks); err != nil {
			return nil, nil, err
		}
		if records, err = blockstore.NewMemSpace("records", cfg.BlockSize, cfg.MaxRecordBlocks); err != nil {
			return nil, nil, err
		}
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating storage dir %s: %w", cfg.Dir, err)
		}
		fileNodes, err := blockstore.OpenOrCreateFileSpace("nodes", filepath.Join(cfg.Dir, nodesFile), cfg.BlockSize,
			blockstore.FileSpaceOptions{MaxBlocks: cfg.MaxNodeBlocks, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		fileRecords, err := blockstore.OpenOrCreateFileSpace("records", filepath.Join(cfg.Dir, recordsFile), cfg.BlockSize,
			blockstore.FileSpaceOptions{MaxBlocks: cfg.MaxRecordBlocks, Logger: log})
		if err != nil {
			_ = fileNodes.Close()
			return nil, nil, err
		}
		nodes, records = fileNodes, fileRecords
	}

	if cacheBlocks == 0 {
		return nodes, records, nil
	}
	cachedNodes, err := blockstore.NewCachedSpace(nodes, cacheBlocks)
	if err != nil {
		return nil, nil, err
	}
	cachedRecords, err := blockstore.NewCachedSpace(records, cacheBlocks)
	if err != nil {
		return nil, nil, err
	}
	return cachedNodes, cachedRecords, nil
}
