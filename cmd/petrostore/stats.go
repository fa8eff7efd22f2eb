package main

import (
	"fmt"

	"github.com/jobala/petro/concurrency"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// abortReasons enumerates every AbortReason so stats can report a total
// across the CounterVec's label values; ToFloat64 refuses to sum a vec with
// more than one observed series on its own.
var abortReasons = []concurrency.AbortReason{
	concurrency.LockOnShrinking,
	concurrency.UpgradeConflict,
	concurrency.IncompatibleUpgrade,
	concurrency.LockSharedOnReadUncommitted,
	concurrency.AttemptedIntentionLockOnRow,
	concurrency.TableLockNotPresent,
	concurrency.TableUnlockedBeforeUnlockingRows,
	concurrency.AttemptedUnlockButNoLockHeld,
	concurrency.DeadlockDetected,
}

// printStats reads every counter's current value with testutil.ToFloat64,
// the standard client_golang idiom for reading a collector back out in a
// test or, here, a one-shot CLI report rather than scraping it over HTTP.
func printStats(a *app) {
	bp := a.bpm.Metrics()
	fmt.Println("buffer pool:")
	fmt.Printf("  hits:       %.0f\n", testutil.ToFloat64(bp.Hits))
	fmt.Printf("  misses:     %.0f\n", testutil.ToFloat64(bp.Misses))
	fmt.Printf("  evictions:  %.0f\n", testutil.ToFloat64(bp.Evictions))
	fmt.Printf("  flushes:    %.0f\n", testutil.ToFloat64(bp.Flushes))
	fmt.Printf("  oom:        %.0f\n", testutil.ToFloat64(bp.OOM))

	lm := a.lockManager.Metrics()
	fmt.Println("lock manager:")
	fmt.Printf("  waits:      %.0f\n", testutil.ToFloat64(lm.WaitsTotal))
	fmt.Printf("  deadlocks:  %.0f\n", testutil.ToFloat64(lm.DeadlocksFound))
	fmt.Println("  aborts by reason:")
	for _, reason := range abortReasons {
		count := testutil.ToFloat64(lm.AbortsTotal.WithLabelValues(reason.String()))
		if count == 0 {
			continue
		}
		fmt.Printf("    %-32s %.0f\n", reason, count)
	}
}
