package concurrency

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jobala/petro/internal/logging"
	"github.com/rs/zerolog"
)

// UndoHandler is implemented by whatever owns tuple storage (a real
// executor's table heap, or internal/undo.MemoryHandler for tests and the
// CLI's demo mode) so TransactionManager.Abort can reverse a write-set
// without depending on a concrete heap implementation; a table heap itself
// is out of scope for this core.
type UndoHandler interface {
	MarkDeleted(table string, rid RID) error
	UnmarkDeleted(table string, rid RID) error
}

// TransactionManager is the thin commit/abort surface: it does not run
// queries, it only transitions transaction state, reverses a write-set on
// abort, and releases locks either way.
type TransactionManager struct {
	lockManager *LockManager

	mu         sync.RWMutex
	activeTxns map[TxnID]*Transaction
	nextID     atomic.Uint64

	logger zerolog.Logger
}

// NewTransactionManager builds a TransactionManager bound to lm, which it
// calls into on Commit/Abort to release every lock the transaction holds.
func NewTransactionManager(lm *LockManager) *TransactionManager {
	return &TransactionManager{
		lockManager: lm,
		activeTxns:  make(map[TxnID]*Transaction),
		logger:      logging.For("transaction_manager"),
	}
}

// Begin starts a new transaction under the given isolation level, assigns
// it a monotonic TxnID, and registers it as active.
func (tm *TransactionManager) Begin(isolation IsolationLevel) *Transaction {
	id := TxnID(tm.nextID.Add(1))
	txn := newTransaction(id, isolation)

	tm.mu.Lock()
	tm.activeTxns[id] = txn
	tm.mu.Unlock()

	return txn
}

// GetTransaction looks up an active transaction by id.
func (tm *TransactionManager) GetTransaction(id TxnID) (*Transaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.activeTxns[id]
	return txn, ok
}

// ActiveTransactions returns a snapshot of every transaction that has not
// yet committed or aborted, for admin tooling. The deadlock scan does not
// use it; it looks transactions up one at a time through the resolver set
// with SetTransactionResolver.
func (tm *TransactionManager) ActiveTransactions() []*Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	txns := make([]*Transaction, 0, len(tm.activeTxns))
	for _, txn := range tm.activeTxns {
		txns = append(txns, txn)
	}
	return txns
}

// releaseLocks unlocks every row and table lock the transaction holds. Rows
// are released first since UnlockTable refuses to release a table while any
// row on it is still locked.
func (tm *TransactionManager) releaseLocks(txn *Transaction) {
	txn.mu.Lock()
	rowTargets := make([]struct {
		oid TableOID
		rid RID
	}, 0)
	for oid, rids := range txn.sharedRows {
		for rid := range rids {
			rowTargets = append(rowTargets, struct {
				oid TableOID
				rid RID
			}{oid, rid})
		}
	}
	for oid, rids := range txn.exclRows {
		for rid := range rids {
			rowTargets = append(rowTargets, struct {
				oid TableOID
				rid RID
			}{oid, rid})
		}
	}
	tableTargets := make([]TableOID, 0)
	for _, set := range txn.tableLocks {
		for oid := range set {
			tableTargets = append(tableTargets, oid)
		}
	}
	txn.mu.Unlock()

	for _, t := range rowTargets {
		if err := tm.lockManager.UnlockRow(txn, t.oid, t.rid); err != nil {
			tm.logger.Error().Uint64("txn_id", uint64(txn.TxnID)).Err(err).Msg("failed to release row lock")
		}
	}
	for _, oid := range tableTargets {
		if err := tm.lockManager.UnlockTable(txn, oid); err != nil {
			tm.logger.Error().Uint64("txn_id", uint64(txn.TxnID)).Err(err).Msg("failed to release table lock")
		}
	}
}

// Commit releases every lock the transaction holds and transitions it to
// COMMITTED. Errors from individual unlock calls are logged but
// do not block commit: a lock this transaction holds by definition belongs
// to it, so an unlock failure here indicates a bug elsewhere, not a reason
// to leave the transaction half-committed.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	tm.releaseLocks(txn)
	txn.SetState(Committed)

	tm.mu.Lock()
	delete(tm.activeTxns, txn.TxnID)
	tm.mu.Unlock()

	return nil
}

// Abort walks the write-set in reverse, undoing each entry through undo,
// then releases every lock and transitions the transaction to ABORTED.
// undo may be nil if the transaction never wrote anything.
func (tm *TransactionManager) Abort(txn *Transaction, undo UndoHandler) error {
	txn.mu.Lock()
	writeSet := txn.WriteSet
	txn.WriteSet = nil
	txn.mu.Unlock()

	for i := len(writeSet) - 1; i >= 0; i-- {
		entry := writeSet[i]
		var err error
		switch entry.Kind {
		case Insert:
			if undo != nil {
				err = undo.MarkDeleted(entry.Table, entry.RID)
			}
		case Delete:
			if undo != nil {
				err = undo.UnmarkDeleted(entry.Table, entry.RID)
			}
		default:
			err = fmt.Errorf("update undo not supported under this 2PL implementation")
		}
		if err != nil {
			tm.logger.Error().Uint64("txn_id", uint64(txn.TxnID)).Err(err).Msg("failed to undo write-set entry during abort")
		}
	}

	tm.releaseLocks(txn)
	txn.SetState(Aborted)

	tm.mu.Lock()
	delete(tm.activeTxns, txn.TxnID)
	tm.mu.Unlock()

	return nil
}
