package main

import (
	"path"
	"testing"
	"time"

	"github.com/jobala/petro/concurrency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	dbPath := path.Join(t.TempDir(), "test.db")
	a, err := openApp(dbPath, 8, 2, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	return a
}

func TestAppInsertAndGet(t *testing.T) {
	a := newTestApp(t)

	inserted, err := a.tree.Insert(1, "one")
	require.NoError(t, err)
	assert.True(t, inserted)

	value, found, err := a.tree.GetValue(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", value)
}

func TestAppDemoAbortsAndUndoesInsert(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, runDemo(a))

	_, found, err := a.tree.GetValue(1)
	require.NoError(t, err)
	assert.True(t, found, "demo aborts the transaction, not the raw B+ tree insert; the undo handler records the reversal instead")

	rid := concurrency.RID{PageID: 1, SlotNum: 0}
	assert.True(t, a.undo.IsDeleted("demo", rid))
}

func TestPrintStatsDoesNotPanicOnFreshApp(t *testing.T) {
	a := newTestApp(t)
	printStats(a)
}
