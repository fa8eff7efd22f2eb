package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManagers() (*LockManager, *TransactionManager) {
	lm := NewLockManager(nil)
	tm := NewTransactionManager(lm)
	lm.SetTransactionResolver(tm.GetTransaction)
	return lm, tm
}

func TestLockManagerTableLocking(t *testing.T) {
	t.Run("lock upgrade from S to X succeeds when no other grants", func(t *testing.T) {
		lm, tm := newTestManagers()
		txn := tm.Begin(RepeatableRead)
		const tableA TableOID = 1

		require.Nil(t, lm.LockTable(txn, Shared, tableA))
		assert.True(t, txn.HasTableLock(Shared, tableA))

		require.Nil(t, lm.LockTable(txn, Exclusive, tableA))
		assert.False(t, txn.HasTableLock(Shared, tableA))
		assert.True(t, txn.HasTableLock(Exclusive, tableA))
	})

	t.Run("upgrade conflict aborts the second upgrader", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1

		t1 := tm.Begin(RepeatableRead)
		t2 := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(t1, Shared, tableA))
		require.Nil(t, lm.LockTable(t2, Shared, tableA))

		go func() { _ = lm.LockTable(t2, Exclusive, tableA) }()
		// Give T2's upgrade request time to enqueue and block on the
		// queue's condition variable before T1 races it.
		time.Sleep(50 * time.Millisecond)

		err := lm.LockTable(t1, Exclusive, tableA)
		require.Error(t, err)
		var abortErr *TransactionAbortError
		require.True(t, errors.As(err, &abortErr))
		assert.Equal(t, UpgradeConflict, abortErr.Reason)
		assert.Equal(t, t1.TxnID, abortErr.TxnID)
		assert.Equal(t, Aborted, t1.GetState())
	})

	t.Run("incompatible upgrade aborts the requester", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1
		txn := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(txn, SharedIntentionExclusive, tableA))

		err := lm.LockTable(txn, IntentionShared, tableA)
		require.Error(t, err)
		assert.Equal(t, IncompatibleUpgrade, err.Reason)
	})

	t.Run("shrinking violation aborts a new acquire under repeatable read", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA, tableB TableOID = 1, 2
		txn := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(txn, Exclusive, tableA))
		require.Nil(t, lm.UnlockTable(txn, tableA))
		assert.Equal(t, Shrinking, txn.GetState())

		err := lm.LockTable(txn, Shared, tableB)
		require.Error(t, err)
		assert.Equal(t, LockOnShrinking, err.Reason)
		assert.Equal(t, Aborted, txn.GetState())
	})

	t.Run("read committed may still take short reads while shrinking", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA, tableB TableOID = 1, 2
		txn := tm.Begin(ReadCommitted)

		require.Nil(t, lm.LockTable(txn, Exclusive, tableA))
		require.Nil(t, lm.UnlockTable(txn, tableA))
		assert.Equal(t, Shrinking, txn.GetState())

		require.Nil(t, lm.LockTable(txn, IntentionShared, tableB))
	})

	t.Run("growing under read uncommitted rejects shared-family locks", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1
		txn := tm.Begin(ReadUncommitted)

		err := lm.LockTable(txn, Shared, tableA)
		require.Error(t, err)
		assert.Equal(t, LockSharedOnReadUncommitted, err.Reason)
	})

	t.Run("conflicting modes are never simultaneously granted", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1

		t1 := tm.Begin(RepeatableRead)
		t2 := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(t1, Exclusive, tableA))

		granted := make(chan struct{})
		go func() {
			_ = lm.LockTable(t2, Shared, tableA)
			close(granted)
		}()

		select {
		case <-granted:
			t.Fatal("T2 should not have been granted S while T1 holds X")
		case <-time.After(50 * time.Millisecond):
		}

		require.Nil(t, lm.UnlockTable(t1, tableA))
		select {
		case <-granted:
		case <-time.After(time.Second):
			t.Fatal("T2 was never granted S after T1 released X")
		}
	})
}

func TestLockManagerRowLocking(t *testing.T) {
	t.Run("row locking rejects intention modes", func(t *testing.T) {
		lm, tm := newTestManagers()
		txn := tm.Begin(RepeatableRead)

		err := lm.LockRow(txn, IntentionShared, 1, RID{PageID: 1, SlotNum: 0})
		require.Error(t, err)
		assert.Equal(t, AttemptedIntentionLockOnRow, err.Reason)
	})

	t.Run("X row lock auto-acquires IX on the table when none is held", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1
		rid := RID{PageID: 1, SlotNum: 0}
		txn := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockRow(txn, Exclusive, tableA, rid))
		assert.True(t, txn.HasTableLock(IntentionExclusive, tableA))
		assert.True(t, txn.HasAnyRowLock(tableA))
	})

	t.Run("S row lock auto-acquires IS on the table when none is held", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1
		rid := RID{PageID: 1, SlotNum: 0}
		txn := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockRow(txn, Shared, tableA, rid))
		assert.True(t, txn.HasTableLock(IntentionShared, tableA))
	})

	t.Run("unlocking a table before its rows are unlocked aborts", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA TableOID = 1
		rid := RID{PageID: 1, SlotNum: 0}
		txn := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockRow(txn, Exclusive, tableA, rid))

		err := lm.UnlockTable(txn, tableA)
		require.Error(t, err)
		assert.Equal(t, TableUnlockedBeforeUnlockingRows, err.Reason)

		require.Nil(t, lm.UnlockRow(txn, tableA, rid))
		require.Nil(t, lm.UnlockTable(txn, tableA))
	})

	t.Run("unlocking a lock never held aborts", func(t *testing.T) {
		lm, tm := newTestManagers()
		txn := tm.Begin(RepeatableRead)

		err := lm.UnlockTable(txn, 1)
		require.Error(t, err)
		assert.Equal(t, AttemptedUnlockButNoLockHeld, err.Reason)
	})
}

func TestLockManagerDeadlockDetection(t *testing.T) {
	t.Run("aborts the youngest transaction in a cycle", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA, tableB TableOID = 1, 2

		t1 := tm.Begin(RepeatableRead)
		t2 := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(t1, Exclusive, tableA))
		require.Nil(t, lm.LockTable(t2, Exclusive, tableB))

		waitDone := make(chan struct{}, 2)
		go func() {
			_ = lm.LockTable(t1, Exclusive, tableB)
			waitDone <- struct{}{}
		}()
		go func() {
			_ = lm.LockTable(t2, Exclusive, tableA)
			waitDone <- struct{}{}
		}()

		require.Eventually(t, func() bool {
			return len(lm.buildWaitForGraph()) == 2
		}, time.Second, time.Millisecond, "wait-for graph never formed a cycle")

		lm.breakCycles()

		// Only t2's request can return here; its X lock on tableB is released
		// by aborting it through the transaction manager, which lets t1 in.
		<-waitDone
		require.NoError(t, tm.Abort(t2, nil))
		<-waitDone

		require.Greater(t, t2.TxnID, t1.TxnID, "TxnIDs are assigned monotonically by Begin")
		assert.Equal(t, Aborted, t2.GetState(), "the youngest transaction in the cycle should be aborted")
		assert.NotEqual(t, Aborted, t1.GetState(), "the older transaction should survive")
	})

	t.Run("RunDeadlockDetection breaks a cycle on its own ticker, with no direct breakCycles call", func(t *testing.T) {
		lm, tm := newTestManagers()
		const tableA, tableB TableOID = 1, 2

		t1 := tm.Begin(RepeatableRead)
		t2 := tm.Begin(RepeatableRead)

		require.Nil(t, lm.LockTable(t1, Exclusive, tableA))
		require.Nil(t, lm.LockTable(t2, Exclusive, tableB))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go lm.RunDeadlockDetection(ctx, time.Millisecond)

		waitDone := make(chan struct{}, 2)
		go func() {
			_ = lm.LockTable(t1, Exclusive, tableB)
			waitDone <- struct{}{}
		}()
		go func() {
			_ = lm.LockTable(t2, Exclusive, tableA)
			waitDone <- struct{}{}
		}()

		// As above: t1 is granted tableB only after t2 is aborted through
		// the transaction manager.
		<-waitDone
		require.NoError(t, tm.Abort(t2, nil))
		<-waitDone

		assert.Equal(t, Aborted, t2.GetState(), "the youngest transaction in the cycle should be aborted")
		assert.NotEqual(t, Aborted, t1.GetState(), "the older transaction should survive")

		cancel()
	})
}
