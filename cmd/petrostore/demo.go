package main

import (
	"fmt"

	"github.com/jobala/petro/concurrency"
)

// runDemo scripts a single transaction against the index and the lock
// manager: it takes an exclusive row lock, inserts a key, records the
// write, then aborts, which has the undo handler mark the recorded row
// deleted and prints that mark. The key itself stays in the index, since
// the index is not part of the write-set. There is no
// query executor or table heap in this core to drive a real transaction
// through, so this is the most concrete end-to-end exercise of
// concurrency.LockManager and concurrency.TransactionManager the CLI can
// offer without one.
func runDemo(a *app) error {
	txn := a.txnManager.Begin(concurrency.RepeatableRead)
	fmt.Printf("began txn %d\n", txn.TxnID)

	rid := concurrency.RID{PageID: 1, SlotNum: 0}
	if err := a.lockManager.LockRow(txn, concurrency.Exclusive, tableOID, rid); err != nil {
		return fmt.Errorf("lock row: %w", err)
	}
	fmt.Printf("txn %d holds X on row %s (table lock %v)\n", txn.TxnID, rid, txn.HasTableLock(concurrency.IntentionExclusive, tableOID))

	inserted, err := a.tree.Insert(1, "scratch value written by demo")
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if inserted {
		if err := txn.RecordWrite(concurrency.WriteSetEntry{Table: "demo", RID: rid, Kind: concurrency.Insert}); err != nil {
			return fmt.Errorf("record write: %w", err)
		}
	}

	fmt.Printf("aborting txn %d, undoing %d write-set entries\n", txn.TxnID, len(txn.WriteSet))
	if err := a.txnManager.Abort(txn, a.undo); err != nil {
		return fmt.Errorf("abort: %w", err)
	}

	fmt.Printf("txn %d state: %s, row 1 marked deleted by undo handler: %v\n",
		txn.TxnID, txn.GetState(), a.undo.IsDeleted("demo", rid))
	return nil
}
