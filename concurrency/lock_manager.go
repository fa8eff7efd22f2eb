package concurrency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobala/petro/internal/logging"
	"github.com/jobala/petro/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// lockRequest is one queued request for a lock target: a table oid, or a
// table oid plus a RID for row-granularity requests.
type lockRequest struct {
	TxnID   TxnID
	Mode    LockMode
	Oid     TableOID
	RID     *RID
	Granted bool
}

// lockRequestQueue is the FIFO of requests for one target, plus the mutex,
// condition variable, and upgrading-transaction slot needed to serialize
// grants against that target.
type lockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading TxnID
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// LockManager enforces two-phase locking with hierarchical intention locks
// over table and row targets. The table-to-queue and
// row-to-queue maps have their own mutexes, held only long enough to find
// or create the queue reference; every wait happens on the queue's own
// condition variable, never across the map mutex.
type LockManager struct {
	tableLockMapMu sync.Mutex
	tableLockMap   map[TableOID]*lockRequestQueue

	rowLockMapMu sync.Mutex
	rowLockMap   map[RID]*lockRequestQueue

	resolveTxn func(TxnID) (*Transaction, bool)
	metrics    *metrics.LockManagerMetrics
	logger     zerolog.Logger
}

// NewLockManager builds a LockManager. reg may be nil to skip metrics
// registration. Call SetTransactionResolver before RunDeadlockDetection, so
// the deadlock scan can turn a TxnID found in a wait-for cycle back into
// the Transaction it should abort; the two managers are constructed
// separately (each needs a reference to the other) to avoid a constructor
// cycle.
func NewLockManager(reg prometheus.Registerer) *LockManager {
	return &LockManager{
		tableLockMap: make(map[TableOID]*lockRequestQueue),
		rowLockMap:   make(map[RID]*lockRequestQueue),
		metrics:      metrics.NewLockManagerMetrics(reg),
		logger:       logging.For("lock_manager"),
	}
}

// SetTransactionResolver wires the lookup RunDeadlockDetection uses to
// resolve a TxnID to the Transaction it should abort. Typically
// tm.GetTransaction from the TransactionManager built alongside this
// LockManager.
func (lm *LockManager) SetTransactionResolver(resolve func(TxnID) (*Transaction, bool)) {
	lm.resolveTxn = resolve
}

// Metrics exposes the collectors this LockManager increments, for admin
// tooling that wants to read current counter values (e.g. the CLI's stats
// subcommand).
func (lm *LockManager) Metrics() *metrics.LockManagerMetrics {
	return lm.metrics
}

// compatible reports whether a request of mode req may be granted alongside
// an already-held lock of mode held.
func compatible(held, req LockMode) bool {
	switch held {
	case IntentionShared:
		return req == IntentionShared || req == IntentionExclusive || req == Shared || req == SharedIntentionExclusive
	case IntentionExclusive:
		return req == IntentionShared || req == IntentionExclusive
	case Shared:
		return req == IntentionShared || req == Shared
	case SharedIntentionExclusive:
		return req == IntentionShared
	case Exclusive:
		return false
	default:
		return false
	}
}

// canUpgrade reports whether a held lock of mode from may be upgraded to
// mode to.
func canUpgrade(from, to LockMode) bool {
	switch from {
	case IntentionShared:
		return to == Shared || to == Exclusive || to == IntentionExclusive || to == SharedIntentionExclusive
	case Shared:
		return to == Exclusive || to == SharedIntentionExclusive
	case IntentionExclusive:
		return to == Exclusive || to == SharedIntentionExclusive
	case SharedIntentionExclusive:
		return to == Exclusive
	default:
		return false
	}
}

func (lm *LockManager) getTableQueue(oid TableOID) *lockRequestQueue {
	lm.tableLockMapMu.Lock()
	defer lm.tableLockMapMu.Unlock()
	q, ok := lm.tableLockMap[oid]
	if !ok {
		q = newLockRequestQueue()
		lm.tableLockMap[oid] = q
	}
	return q
}

func (lm *LockManager) getRowQueue(rid RID) *lockRequestQueue {
	lm.rowLockMapMu.Lock()
	defer lm.rowLockMapMu.Unlock()
	q, ok := lm.rowLockMap[rid]
	if !ok {
		q = newLockRequestQueue()
		lm.rowLockMap[rid] = q
	}
	return q
}

func (lm *LockManager) abort(txn *Transaction, reason AbortReason) *TransactionAbortError {
	txn.SetState(Aborted)
	if lm.metrics != nil {
		lm.metrics.AbortsTotal.WithLabelValues(reason.String()).Inc()
	}
	lm.logger.Warn().Uint64("txn_id", uint64(txn.TxnID)).Str("reason", reason.String()).Msg("transaction aborted")
	return &TransactionAbortError{TxnID: txn.TxnID, Reason: reason}
}

// validateAcquire checks a lock request against the transaction's state and
// isolation level. A GROWING transaction may only request X or IX under
// READ_UNCOMMITTED (S/IS/SIX would let an uncommitted writer's row be
// shared, which READ_UNCOMMITTED forbids by never taking read locks at
// all). A SHRINKING transaction may still take short read locks under
// READ_COMMITTED; every other combination aborts.
func (lm *LockManager) validateAcquire(txn *Transaction, mode LockMode) *TransactionAbortError {
	if txn.GetState() == Growing {
		if txn.IsolationLevel == ReadUncommitted && mode != Exclusive && mode != IntentionExclusive {
			return lm.abort(txn, LockSharedOnReadUncommitted)
		}
		return nil
	}

	switch txn.IsolationLevel {
	case ReadCommitted:
		if mode != IntentionShared && mode != Shared {
			return lm.abort(txn, LockOnShrinking)
		}
		return nil
	default:
		return lm.abort(txn, LockOnShrinking)
	}
}

// enqueue finds this transaction's existing request in queue (if any) and
// either reports it already holds the requested mode, attempts an upgrade,
// or appends a fresh request. Returns the request to wait on, or an abort
// reason if the upgrade is not permitted.
func (lm *LockManager) enqueue(txn *Transaction, mode LockMode, oid TableOID, rid *RID, queue *lockRequestQueue) (*lockRequest, *AbortReason) {
	for i, r := range queue.requests {
		if r.TxnID != txn.TxnID {
			continue
		}
		if r.Mode == mode {
			return nil, nil
		}
		if queue.upgrading != 0 {
			reason := UpgradeConflict
			return nil, &reason
		}
		if !canUpgrade(r.Mode, mode) {
			reason := IncompatibleUpgrade
			return nil, &reason
		}

		oldMode := r.Mode
		queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)
		lm.removeFromSet(txn, oldMode, oid, rid)
		queue.upgrading = txn.TxnID

		newReq := &lockRequest{TxnID: txn.TxnID, Mode: mode, Oid: oid, RID: rid}
		idx := firstUngrantedIndex(queue)
		queue.requests = append(queue.requests, nil)
		copy(queue.requests[idx+1:], queue.requests[idx:])
		queue.requests[idx] = newReq
		return newReq, nil
	}

	newReq := &lockRequest{TxnID: txn.TxnID, Mode: mode, Oid: oid, RID: rid}
	queue.requests = append(queue.requests, newReq)
	return newReq, nil
}

func firstUngrantedIndex(queue *lockRequestQueue) int {
	for i, r := range queue.requests {
		if !r.Granted {
			return i
		}
	}
	return len(queue.requests)
}

func removeRequest(queue *lockRequestQueue, target *lockRequest) {
	for i, r := range queue.requests {
		if r == target {
			queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)
			return
		}
	}
}

// canGrant implements the grant rule: r may be granted once every currently
// granted request in the queue is compatible with it, and no other
// transaction's upgrade is in flight.
func (lm *LockManager) canGrant(queue *lockRequestQueue, req *lockRequest) bool {
	if queue.upgrading != 0 && queue.upgrading != req.TxnID {
		return false
	}
	for _, r := range queue.requests {
		if r == req || !r.Granted {
			continue
		}
		if !compatible(r.Mode, req.Mode) {
			return false
		}
	}
	return true
}

func (lm *LockManager) addToSet(txn *Transaction, mode LockMode, oid TableOID, rid *RID) {
	if rid == nil {
		txn.addTableLock(mode, oid)
		return
	}
	txn.addRowLock(mode, oid, *rid)
}

func (lm *LockManager) removeFromSet(txn *Transaction, mode LockMode, oid TableOID, rid *RID) {
	if rid == nil {
		txn.removeTableLock(mode, oid)
		return
	}
	txn.removeRowLock(mode, oid, *rid)
}

// acquire runs the shared body of LockTable/LockRow: enqueue, wait for the
// grant rule (or the transaction to be aborted out from under it by
// RunDeadlockDetection), then record the lock in the transaction's set.
func (lm *LockManager) acquire(txn *Transaction, mode LockMode, oid TableOID, rid *RID, queue *lockRequestQueue) *TransactionAbortError {
	queue.mu.Lock()

	req, abortReason := lm.enqueue(txn, mode, oid, rid, queue)
	if abortReason != nil {
		queue.mu.Unlock()
		return lm.abort(txn, *abortReason)
	}
	if req == nil {
		queue.mu.Unlock()
		return nil
	}

	waited := false
	for !lm.canGrant(queue, req) {
		if txn.GetState() == Aborted {
			removeRequest(queue, req)
			queue.cond.Broadcast()
			queue.mu.Unlock()
			return &TransactionAbortError{TxnID: txn.TxnID, Reason: DeadlockDetected}
		}
		waited = true
		queue.cond.Wait()
	}
	if waited && lm.metrics != nil {
		lm.metrics.WaitsTotal.Inc()
	}

	if txn.GetState() == Aborted {
		removeRequest(queue, req)
		queue.cond.Broadcast()
		queue.mu.Unlock()
		return &TransactionAbortError{TxnID: txn.TxnID, Reason: DeadlockDetected}
	}

	req.Granted = true
	if queue.upgrading == txn.TxnID {
		queue.upgrading = 0
	}
	queue.mu.Unlock()

	lm.addToSet(txn, mode, oid, rid)
	return nil
}

// LockTable acquires mode on oid for txn, blocking until the grant rule is
// satisfied.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid TableOID) *TransactionAbortError {
	if err := lm.validateAcquire(txn, mode); err != nil {
		return err
	}
	return lm.acquire(txn, mode, oid, nil, lm.getTableQueue(oid))
}

// UnlockTable releases txn's lock on oid. Fails with
// TableUnlockedBeforeUnlockingRows if the transaction still holds any row
// lock on this table, and with AttemptedUnlockButNoLockHeld if it holds no
// table lock here at all.
func (lm *LockManager) UnlockTable(txn *Transaction, oid TableOID) *TransactionAbortError {
	if txn.HasAnyRowLock(oid) {
		return lm.abort(txn, TableUnlockedBeforeUnlockingRows)
	}

	queue := lm.getTableQueue(oid)
	queue.mu.Lock()
	idx := -1
	for i, r := range queue.requests {
		if r.TxnID == txn.TxnID {
			idx = i
			break
		}
	}
	if idx == -1 || !queue.requests[idx].Granted {
		queue.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	mode := queue.requests[idx].Mode
	queue.requests = append(queue.requests[:idx], queue.requests[idx+1:]...)
	queue.cond.Broadcast()
	queue.mu.Unlock()

	txn.removeTableLock(mode, oid)
	lm.transitionOnUnlock(txn, mode)
	return nil
}

// ensureTableLockForRow implements the row-locking precondition: an S row
// lock requires holding any table lock, an X row lock requires IX, SIX, or
// X on the table. Missing coverage is repaired by auto-acquiring the
// weakest sufficient intention lock rather than failing outright; only a
// failed auto-acquire aborts with TableLockNotPresent.
func (lm *LockManager) ensureTableLockForRow(txn *Transaction, mode LockMode, oid TableOID) *TransactionAbortError {
	held, ok := txn.TableLockMode(oid)
	if mode == Shared {
		if ok {
			return nil
		}
		if err := lm.LockTable(txn, IntentionShared, oid); err != nil {
			return lm.abort(txn, TableLockNotPresent)
		}
		return nil
	}

	if ok && (held == IntentionExclusive || held == SharedIntentionExclusive || held == Exclusive) {
		return nil
	}
	if err := lm.LockTable(txn, IntentionExclusive, oid); err != nil {
		return lm.abort(txn, TableLockNotPresent)
	}
	return nil
}

// LockRow acquires mode (S or X only) on rid for txn.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid TableOID, rid RID) *TransactionAbortError {
	if mode != Shared && mode != Exclusive {
		return lm.abort(txn, AttemptedIntentionLockOnRow)
	}
	if err := lm.validateAcquire(txn, mode); err != nil {
		return err
	}
	if err := lm.ensureTableLockForRow(txn, mode, oid); err != nil {
		return err
	}
	return lm.acquire(txn, mode, oid, &rid, lm.getRowQueue(rid))
}

// UnlockRow releases txn's lock on rid.
func (lm *LockManager) UnlockRow(txn *Transaction, oid TableOID, rid RID) *TransactionAbortError {
	queue := lm.getRowQueue(rid)
	queue.mu.Lock()
	idx := -1
	for i, r := range queue.requests {
		if r.TxnID == txn.TxnID {
			idx = i
			break
		}
	}
	if idx == -1 || !queue.requests[idx].Granted {
		queue.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	mode := queue.requests[idx].Mode
	queue.requests = append(queue.requests[:idx], queue.requests[idx+1:]...)
	queue.cond.Broadcast()
	queue.mu.Unlock()

	txn.removeRowLock(mode, oid, rid)
	lm.transitionOnUnlock(txn, mode)
	return nil
}

// transitionOnUnlock moves a transaction from GROWING to SHRINKING on
// releasing the isolation level's "expensive" lock kinds.
func (lm *LockManager) transitionOnUnlock(txn *Transaction, mode LockMode) {
	shrink := false
	switch txn.IsolationLevel {
	case RepeatableRead:
		shrink = mode == Shared || mode == Exclusive
	case ReadCommitted, ReadUncommitted:
		shrink = mode == Exclusive
	}
	if shrink && txn.GetState() == Growing {
		txn.SetState(Shrinking)
	}
}

func (lm *LockManager) snapshotQueues() []*lockRequestQueue {
	lm.tableLockMapMu.Lock()
	queues := make([]*lockRequestQueue, 0, len(lm.tableLockMap))
	for _, q := range lm.tableLockMap {
		queues = append(queues, q)
	}
	lm.tableLockMapMu.Unlock()

	lm.rowLockMapMu.Lock()
	for _, q := range lm.rowLockMap {
		queues = append(queues, q)
	}
	lm.rowLockMapMu.Unlock()
	return queues
}

// buildWaitForGraph adds an edge waiter -> holder for every ungranted
// request blocked on an incompatible granted request in the same queue.
func (lm *LockManager) buildWaitForGraph() map[TxnID]map[TxnID]struct{} {
	graph := make(map[TxnID]map[TxnID]struct{})
	for _, q := range lm.snapshotQueues() {
		q.mu.Lock()
		for _, waiter := range q.requests {
			if waiter.Granted {
				continue
			}
			for _, holder := range q.requests {
				if !holder.Granted || holder.TxnID == waiter.TxnID {
					continue
				}
				if compatible(holder.Mode, waiter.Mode) {
					continue
				}
				if graph[waiter.TxnID] == nil {
					graph[waiter.TxnID] = make(map[TxnID]struct{})
				}
				graph[waiter.TxnID][holder.TxnID] = struct{}{}
			}
		}
		q.mu.Unlock()
	}
	return graph
}

// findCycle runs DFS over graph in ascending TxnID order (deterministic, so
// the same wait-for graph always yields the same victim) and returns the
// first cycle found, or nil.
func findCycle(graph map[TxnID]map[TxnID]struct{}) []TxnID {
	nodes := make([]TxnID, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const white, gray, black = 0, 1, 2
	color := make(map[TxnID]int)
	var path []TxnID
	var cycle []TxnID

	var visit func(n TxnID) bool
	visit = func(n TxnID) bool {
		color[n] = gray
		path = append(path, n)

		neighbors := make([]TxnID, 0, len(graph[n]))
		for m := range graph[n] {
			neighbors = append(neighbors, m)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, m := range neighbors {
			if color[m] == gray {
				for i, p := range path {
					if p == m {
						cycle = append([]TxnID(nil), path[i:]...)
						break
					}
				}
				return true
			}
			if color[m] == white && visit(m) {
				return true
			}
		}

		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

func youngest(cycle []TxnID) TxnID {
	max := cycle[0]
	for _, t := range cycle[1:] {
		if t > max {
			max = t
		}
	}
	return max
}

func (lm *LockManager) broadcastAll() {
	for _, q := range lm.snapshotQueues() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// RunDeadlockDetection periodically scans the wait-for graph and aborts the
// youngest transaction (highest TxnID) in each cycle it finds, resolving
// Open Question 2 with a scan rather than a request-time wound-wait policy.
// It blocks until ctx is cancelled; callers run it in its own goroutine.
func (lm *LockManager) RunDeadlockDetection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.breakCycles()
		}
	}
}

func (lm *LockManager) breakCycles() {
	if lm.resolveTxn == nil {
		return
	}

	graph := lm.buildWaitForGraph()
	aborted := false

	for {
		cycle := findCycle(graph)
		if cycle == nil {
			break
		}
		victim := youngest(cycle)
		delete(graph, victim)
		for _, edges := range graph {
			delete(edges, victim)
		}

		txn, ok := lm.resolveTxn(victim)
		if !ok {
			continue
		}
		lm.abort(txn, DeadlockDetected)
		if lm.metrics != nil {
			lm.metrics.DeadlocksFound.Inc()
		}
		lm.logger.Warn().Uint64("txn_id", uint64(victim)).Msg("deadlock detected, transaction aborted")
		aborted = true
	}

	// Wake every waiter so a victim still blocked in acquire sees its
	// ABORTED state and withdraws its request. Locks a victim already holds
	// stay granted until it is aborted through TransactionManager.Abort.
	if aborted {
		lm.broadcastAll()
	}
}
