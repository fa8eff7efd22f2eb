package buffer

import (
	"sync"

	"github.com/jobala/petro/internal/logging"
	"github.com/jobala/petro/internal/metrics"
	"github.com/jobala/petro/storage/disk"
	"github.com/jobala/petro/util"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.For("buffer")

// NewBufferpoolManager builds a fixed-size pool of size frames, backed by
// diskScheduler for I/O and an LRU-K replacer parameterized by k. A nil reg
// skips Prometheus registration but still increments the counters, so
// callers that don't care about metrics can pass nil.
func NewBufferpoolManager(size, k int, diskScheduler *disk.DiskScheduler, reg prometheus.Registerer) *BufferpoolManager {
	frames := make([]*Frame, size)
	freeFrames := make([]int, size)

	for i := 0; i < size; i++ {
		frames[i] = &Frame{id: i, Data: make([]byte, disk.PAGE_SIZE)}
		freeFrames[i] = i
	}

	bpm := &BufferpoolManager{
		frames:        frames,
		pageTable:     make(map[int64]int),
		replacer:      NewLrukReplacer(size, k),
		diskScheduler: diskScheduler,
		freeFrames:    freeFrames,
		metrics:       metrics.NewBufferPoolMetrics(reg),
	}
	bpm.cond = *sync.NewCond(&bpm.mu)
	return bpm
}

// BufferpoolManager is a bounded-memory cache of disk pages with pin/unpin
// reference counting and write-back. A single coarse mutex
// serializes the page table, free list, and replacer; per-page latches are
// separate and are taken by page guards outside this mutex.
type BufferpoolManager struct {
	mu            sync.Mutex
	cond          sync.Cond
	frames        []*Frame
	pageTable     map[int64]int
	diskScheduler *disk.DiskScheduler
	replacer      *lrukReplacer
	freeFrames    []int
	metrics       *metrics.BufferPoolMetrics
}

// Metrics exposes the pool's Prometheus collectors.
func (b *BufferpoolManager) Metrics() *metrics.BufferPoolMetrics {
	return b.metrics
}

// acquireFrameLocked claims a frame ready to receive a new page, either
// from the free list or by evicting a victim, and removes the victim from
// the page table so no other lookup can reach it. It does NOT flush a dirty
// victim: the caller must call flushIfDirty after releasing b.mu, since the
// thread holding this mutex must never block on disk. Returns nil if no
// frame is available. Must be called with b.mu held.
func (b *BufferpoolManager) acquireFrameLocked() *Frame {
	if len(b.freeFrames) > 0 {
		id := b.freeFrames[0]
		b.freeFrames = b.freeFrames[1:]
		return b.frames[id]
	}

	if id, _ := b.replacer.evict(); id != INVALID_FRAME_ID {
		frame := b.frames[id]
		b.metrics.Evictions.Inc()
		delete(b.pageTable, frame.pageId)
		return frame
	}

	b.metrics.OOM.Inc()
	log.Warn().Msg("buffer pool exhausted: no evictable frame")
	return nil
}

// NewPage allocates a fresh page id and pins it in a frame, returning a
// write guard over its (zeroed) contents. Fails with util.ErrOutOfMemory
// if no frame can be freed.
func (b *BufferpoolManager) NewPage() (int64, *WritePageGuard, error) {
	pageId, err := b.diskScheduler.AllocatePage()
	if err != nil {
		return disk.INVALID_PAGE_ID, nil, err
	}

	b.mu.Lock()
	frame := b.acquireFrameLocked()
	if frame == nil {
		b.mu.Unlock()
		_ = b.diskScheduler.DeallocatePage(pageId)
		return disk.INVALID_PAGE_ID, nil, util.ErrOutOfMemory
	}

	b.pageTable[pageId] = frame.id
	_ = b.replacer.recordAccess(frame.id)
	_ = b.replacer.setEvictable(frame.id, false)
	b.mu.Unlock()

	b.flushIfDirty(frame)

	frame.mu.Lock()
	frame.reset()
	frame.pin()
	frame.pageId = pageId

	return pageId, NewWritePageGuard(frame, b), nil
}

// FetchPage returns the resident (or newly loaded) page as a read guard.
// Fails with util.ErrOutOfMemory if no frame can be freed, or with the
// disk scheduler's error if the page has to be loaded and the read fails.
func (b *BufferpoolManager) FetchPage(pageId int64) (*ReadPageGuard, error) {
	frame, isNew, err := b.resolveFrame(pageId)
	if err != nil {
		return nil, err
	}

	frame.mu.RLock()
	if isNew {
		if err := b.loadFromDisk(frame, pageId); err != nil {
			frame.mu.RUnlock()
			_ = b.unpin(frame, false)
			return nil, err
		}
	}
	return NewReadPageGuard(frame, b), nil
}

// FetchPageForWrite is FetchPage's write-latched counterpart, used by
// callers (the B+ tree's pessimistic path) that need exclusive access.
func (b *BufferpoolManager) FetchPageForWrite(pageId int64) (*WritePageGuard, error) {
	frame, isNew, err := b.resolveFrame(pageId)
	if err != nil {
		return nil, err
	}

	frame.mu.Lock()
	if isNew {
		if err := b.loadFromDisk(frame, pageId); err != nil {
			frame.mu.Unlock()
			_ = b.unpin(frame, false)
			return nil, err
		}
	}
	return NewWritePageGuard(frame, b), nil
}

// resolveFrame returns the frame backing pageId, pinned and marked
// non-evictable, and reports whether its contents still need to be loaded
// from disk (true for a newly claimed frame, false if already resident).
// Releases b.mu before flushing a dirty eviction victim, since disk I/O
// must never happen while it's held; the claimed frame is already removed
// from the page table by then, so it's unreachable from any other lookup.
func (b *BufferpoolManager) resolveFrame(pageId int64) (*Frame, bool, error) {
	b.mu.Lock()

	if id, ok := b.pageTable[pageId]; ok {
		frame := b.frames[id]
		_ = b.replacer.recordAccess(frame.id)
		_ = b.replacer.setEvictable(frame.id, false)
		frame.pin()
		b.metrics.Hits.Inc()
		b.mu.Unlock()
		return frame, false, nil
	}

	frame := b.acquireFrameLocked()
	if frame == nil {
		b.mu.Unlock()
		return nil, false, util.ErrOutOfMemory
	}

	b.metrics.Misses.Inc()
	b.pageTable[pageId] = frame.id
	_ = b.replacer.recordAccess(frame.id)
	_ = b.replacer.setEvictable(frame.id, false)
	b.mu.Unlock()

	b.flushIfDirty(frame)

	frame.reset()
	frame.pin()
	frame.pageId = pageId
	return frame, true, nil
}

func (b *BufferpoolManager) loadFromDisk(frame *Frame, pageId int64) error {
	respCh := b.diskScheduler.Schedule(disk.NewRequest(pageId, nil, false))
	resp := <-respCh
	if resp.Err != nil {
		return resp.Err
	}
	copy(frame.Data, resp.Data)
	return nil
}

// unpin is the shared tail of every guard's Drop: decrement the pin count,
// OR in the dirty hint, mark the frame evictable once unpinned, and signal
// b.cond (nothing in this package waits on it). Fails with
// util.ErrPinCountUnderflow if the frame's pin count is already zero.
func (b *BufferpoolManager) unpin(frame *Frame, dirty bool) error {
	if dirty {
		frame.dirty = true
	}

	count, err := frame.unpin()
	if err != nil {
		log.Error().Int64("page_id", frame.pageId).Err(err).Msg("unpin called on a frame with no pins held")
		return err
	}

	if count == 0 {
		b.mu.Lock()
		_ = b.replacer.setEvictable(frame.id, true)
		b.cond.Signal()
		b.mu.Unlock()
	}
	return nil
}

// UnpinPage decrements pageId's pin count directly, without a guard. Used
// by callers that fetched a page outside the guard API. Returns false if
// the page isn't resident, or if its pin count is already zero.
func (b *BufferpoolManager) UnpinPage(pageId int64, dirtyHint bool) bool {
	b.mu.Lock()
	id, ok := b.pageTable[pageId]
	b.mu.Unlock()
	if !ok {
		return false
	}

	return b.unpin(b.frames[id], dirtyHint) == nil
}

// FlushPage writes pageId through to disk unconditionally and clears its
// dirty flag. No-op if the page isn't resident.
func (b *BufferpoolManager) FlushPage(pageId int64) error {
	b.mu.Lock()
	id, ok := b.pageTable[pageId]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	frame := b.frames[id]
	frame.mu.RLock()
	respCh := b.diskScheduler.Schedule(disk.NewRequest(pageId, frame.Data, true))
	frame.mu.RUnlock()

	resp := <-respCh
	if resp.Err != nil {
		return resp.Err
	}
	frame.dirty = false
	b.metrics.Flushes.Inc()
	return nil
}

// FlushAllPages flushes every resident page.
func (b *BufferpoolManager) FlushAllPages() error {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.pageTable))
	for pageId := range b.pageTable {
		ids = append(ids, pageId)
	}
	b.mu.Unlock()

	for _, pageId := range ids {
		if err := b.FlushPage(pageId); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage reclaims pageId's frame: requires pin_count==0, removes it
// from the replacer, resets its memory, returns the frame to the free
// list, and deallocates the id on disk. No-op (true) if the page isn't
// resident.
func (b *BufferpoolManager) DeletePage(pageId int64) (bool, error) {
	b.mu.Lock()
	id, ok := b.pageTable[pageId]
	if !ok {
		b.mu.Unlock()
		return true, nil
	}

	frame := b.frames[id]
	if frame.pins.Load() > 0 {
		b.mu.Unlock()
		return false, util.ErrInvalidPageID
	}

	delete(b.pageTable, pageId)
	_ = b.replacer.remove(id)
	frame.mu.Lock()
	frame.reset()
	frame.pageId = disk.INVALID_PAGE_ID
	frame.mu.Unlock()
	b.freeFrames = append(b.freeFrames, id)
	b.cond.Signal()
	b.mu.Unlock()

	return true, b.diskScheduler.DeallocatePage(pageId)
}

// flushIfDirty writes frame to disk if dirty. Must be called with b.mu NOT
// held: it blocks on the disk scheduler's response, and a frame just
// claimed by acquireFrameLocked is already unreachable from the page table,
// so no other goroutine can observe it mid-flush.
func (b *BufferpoolManager) flushIfDirty(frame *Frame) {
	if !frame.dirty {
		return
	}
	log.Debug().Int64("page_id", frame.pageId).Msg("evicting dirty page, flushing before reuse")
	respCh := b.diskScheduler.Schedule(disk.NewRequest(frame.pageId, frame.Data, true))
	<-respCh
	b.metrics.Flushes.Inc()
	frame.dirty = false
}
