package buffer

import (
	"sync"

	"github.com/jobala/petro/util"
)

// NewLrukReplacer builds a replacer over frame ids [0, capacity), evicting
// by K-distance once a frame has accumulated k accesses.
func NewLrukReplacer(capacity, k int) *lrukReplacer {
	return &lrukReplacer{
		k:            k,
		replacerSize: capacity,
		nodeStore:    make(map[int]*lrukNode),
	}
}

// lrukReplacer implements the LRU-K replacement policy. Nodes
// are kept in a plain map rather than the intrusive sorted lists BusTub
// uses in C++: a cold node's eviction key and a full node's eviction key
// are both just "the oldest timestamp still in its history" (kthAccess),
// so Evict only needs one linear scan over resident frames, partitioned
// into the cold and full classes by hasKAccess. Ties are broken by
// ascending frame id, so the scan walks frame ids in order rather than map
// iteration order (which Go randomizes).
type lrukReplacer struct {
	mu            sync.Mutex
	nodeStore     map[int]*lrukNode
	replacerSize  int
	currSize      int // count of evictable frames
	currTimestamp int
	k             int
}

func (lru *lrukReplacer) inRange(frameId int) bool {
	return frameId >= 0 && frameId < lru.replacerSize
}

// recordAccess appends the current logical timestamp to frameId's history,
// creating the node (not yet evictable) on first access.
func (lru *lrukReplacer) recordAccess(frameId int) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if !lru.inRange(frameId) {
		return util.ErrOutOfRange
	}

	lru.currTimestamp++

	node, ok := lru.nodeStore[frameId]
	if !ok {
		node = &lrukNode{frameId: frameId, k: lru.k}
		lru.nodeStore[frameId] = node
	}
	node.addTimestamp(lru.currTimestamp)
	return nil
}

// setEvictable toggles a frame's evictability, adjusting the count of
// currently evictable frames. A no-op for an unknown frame id within
// range.
func (lru *lrukReplacer) setEvictable(frameId int, evictable bool) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if !lru.inRange(frameId) {
		return util.ErrOutOfRange
	}

	node, ok := lru.nodeStore[frameId]
	if !ok {
		return nil
	}

	if node.isEvictable && !evictable {
		lru.currSize--
	} else if !node.isEvictable && evictable {
		lru.currSize++
	}
	node.isEvictable = evictable
	return nil
}

// evict picks a victim frame per the LRU-K policy and removes its entry.
// Returns INVALID_FRAME_ID if no evictable frame exists.
func (lru *lrukReplacer) evict() (int, error) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if victim, ok := lru.pickVictimLocked(); ok {
		delete(lru.nodeStore, victim)
		lru.currSize--
		return victim, nil
	}
	return INVALID_FRAME_ID, nil
}

// pickVictimLocked scans cold frames first (fewer than k accesses), then
// full frames, returning the smallest kthAccess in whichever class has a
// candidate. Must be called with lru.mu held.
func (lru *lrukReplacer) pickVictimLocked() (int, bool) {
	if id, ok := lru.bestInClassLocked(false); ok {
		return id, true
	}
	return lru.bestInClassLocked(true)
}

func (lru *lrukReplacer) bestInClassLocked(full bool) (int, bool) {
	best := INVALID_FRAME_ID
	bestKey := 0
	found := false

	for frameId := 0; frameId < lru.replacerSize; frameId++ {
		node, ok := lru.nodeStore[frameId]
		if !ok || !node.isEvictable || node.hasKAccess() != full {
			continue
		}
		key := node.kthAccess()
		if !found || key < bestKey {
			best, bestKey, found = frameId, key, true
		}
	}
	return best, found
}

// remove forcibly evicts frameId regardless of its position in the
// history. Errors if the frame is not evictable; a no-op if unknown.
func (lru *lrukReplacer) remove(frameId int) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if !lru.inRange(frameId) {
		return util.ErrOutOfRange
	}

	node, ok := lru.nodeStore[frameId]
	if !ok {
		return nil
	}
	if !node.isEvictable {
		return util.ErrInvalidState
	}

	delete(lru.nodeStore, frameId)
	lru.currSize--
	return nil
}

// size returns the count of currently evictable frames.
func (lru *lrukReplacer) size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currSize
}
