package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jobala/petro/buffer"
	"github.com/jobala/petro/concurrency"
	"github.com/jobala/petro/index"
	"github.com/jobala/petro/internal/undo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobala/petro/storage/disk"
)

// tableOID is the sole table this CLI ever locks. A real executor would
// hand out one per table; a single-index inspector only needs one.
const tableOID concurrency.TableOID = 1

// app wires every collaborator the CLI's subcommands need: a buffer pool
// over a single page file, a B+ tree index on top of it, and a lock
// manager/transaction manager pair so the demo subcommand can exercise 2PL
// end-to-end. It is built fresh per invocation and threaded through
// explicitly rather than kept in package globals, so an embeddable core
// never carries hidden process-wide state.
type app struct {
	dbFile    *os.File
	diskMgr   *disk.DiskManager
	scheduler *disk.DiskScheduler
	bpm       *buffer.BufferpoolManager
	tree      *index.BPlusTree[int64, string]

	lockManager *concurrency.LockManager
	txnManager  *concurrency.TransactionManager
	undo        *undo.MemoryHandler

	registry *prometheus.Registry

	stopDeadlockDetection context.CancelFunc
}

// openApp opens (or creates) dbPath and wires the full stack over it,
// including a background goroutine that periodically scans the lock
// manager's wait-for graph and aborts the youngest transaction in any
// cycle it finds. Close stops that goroutine.
func openApp(dbPath string, poolSize, replacerK int, deadlockInterval time.Duration) (*app, error) {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}

	dm, err := disk.NewDiskManager(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open disk manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	scheduler := disk.NewScheduler(dm)
	bpm := buffer.NewBufferpoolManager(poolSize, replacerK, scheduler, reg)

	tree, err := index.NewBPlusTree[int64, string]("petrostore", bpm)
	if err != nil {
		scheduler.Shutdown()
		dm.Close()
		f.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}

	lm := concurrency.NewLockManager(reg)
	tm := concurrency.NewTransactionManager(lm)
	lm.SetTransactionResolver(tm.GetTransaction)

	ctx, cancel := context.WithCancel(context.Background())
	go lm.RunDeadlockDetection(ctx, deadlockInterval)

	return &app{
		dbFile:                f,
		diskMgr:               dm,
		scheduler:             scheduler,
		bpm:                   bpm,
		tree:                  tree,
		lockManager:           lm,
		txnManager:            tm,
		undo:                  undo.NewMemoryHandler(),
		registry:              reg,
		stopDeadlockDetection: cancel,
	}, nil
}

// Close stops the deadlock detector, flushes every dirty page, and
// releases the underlying file.
func (a *app) Close() error {
	a.stopDeadlockDetection()
	if err := a.bpm.FlushAllPages(); err != nil {
		return err
	}
	a.scheduler.Shutdown()
	// diskMgr.Close also closes dbFile.
	return a.diskMgr.Close()
}
