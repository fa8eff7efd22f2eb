// Package undo provides an in-memory implementation of the undo-handler
// contract TransactionManager.Abort needs to reverse a write-set, standing
// in for the real table heap a full executor would supply; a table heap
// is out of scope for this core.
package undo

import (
	"fmt"
	"sync"

	"github.com/jobala/petro/concurrency"
)

// MemoryHandler tracks, per table, which RIDs are currently marked deleted.
// It is used by tests and the CLI's demo mode in place of a real table
// heap.
type MemoryHandler struct {
	mu      sync.Mutex
	deleted map[string]map[concurrency.RID]struct{}
}

// NewMemoryHandler builds an empty MemoryHandler.
func NewMemoryHandler() *MemoryHandler {
	return &MemoryHandler{deleted: make(map[string]map[concurrency.RID]struct{})}
}

// MarkDeleted records rid as deleted on table. Called during abort to
// reverse an INSERT.
func (h *MemoryHandler) MarkDeleted(table string, rid concurrency.RID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted[table] == nil {
		h.deleted[table] = make(map[concurrency.RID]struct{})
	}
	h.deleted[table][rid] = struct{}{}
	return nil
}

// UnmarkDeleted clears rid's deleted mark on table. Called during abort to
// reverse a DELETE.
func (h *MemoryHandler) UnmarkDeleted(table string, rid concurrency.RID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deleted[table], rid)
	return nil
}

// IsDeleted reports whether rid is currently marked deleted on table, so
// tests and the CLI can assert on undo behavior.
func (h *MemoryHandler) IsDeleted(table string, rid concurrency.RID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.deleted[table][rid]
	return ok
}

// String renders the current deletion set, for debugging.
func (h *MemoryHandler) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("%v", h.deleted)
}
