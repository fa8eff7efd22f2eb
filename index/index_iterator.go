package index

import (
	"cmp"
	"fmt"

	"github.com/jobala/petro/buffer"
	"github.com/jobala/petro/storage/disk"
)

// IndexIterator walks a tree's leaves left to right via NextPageId,
// read-latching one leaf at a time.
type IndexIterator[K cmp.Ordered, V any] struct {
	bpm      *buffer.BufferpoolManager
	currPage *bPlusTreePage[K, V]
	pos      int
	done     bool
}

// newIndexIterator starts iteration at pageId, positioned at startIdx
// within that leaf (0 for a full scan, or wherever a key lookup landed).
func newIndexIterator[K cmp.Ordered, V any](pageId int64, startIdx int, bpm *buffer.BufferpoolManager) (*IndexIterator[K, V], error) {
	if pageId == disk.INVALID_PAGE_ID {
		return &IndexIterator[K, V]{bpm: bpm, done: true}, nil
	}

	guard, err := bpm.FetchPage(pageId)
	if err != nil {
		return nil, fmt.Errorf("index: iterator start: %w", err)
	}
	defer guard.Drop()

	leaf, err := decodeLeaf[K, V](guard.GetData())
	if err != nil {
		return nil, fmt.Errorf("index: iterator start: %w", err)
	}

	// startIdx can land at leaf.getSize() when the search key falls past
	// every entry the leaf holds (a gap in the keyspace routed here); roll
	// forward across NextPageId the same way Next() does rather than
	// leaving the iterator pointed one past the end of the leaf.
	for startIdx >= leaf.getSize() {
		if leaf.NextPageId == disk.INVALID_PAGE_ID {
			return &IndexIterator[K, V]{bpm: bpm, done: true}, nil
		}

		nextGuard, err := bpm.FetchPage(leaf.NextPageId)
		if err != nil {
			return nil, fmt.Errorf("index: iterator start: %w", err)
		}
		next, err := decodeLeaf[K, V](nextGuard.GetData())
		nextGuard.Drop()
		if err != nil {
			return nil, fmt.Errorf("index: iterator start: %w", err)
		}

		leaf = next
		startIdx = 0
	}

	return &IndexIterator[K, V]{
		bpm:      bpm,
		currPage: leaf,
		pos:      startIdx,
		done:     false,
	}, nil
}

// IsEnd reports whether the iterator has exhausted the tree.
func (it *IndexIterator[K, V]) IsEnd() bool {
	return it.done
}

// Next returns the current (key, value) pair and advances, loading the next
// leaf page across a NextPageId boundary as needed.
func (it *IndexIterator[K, V]) Next() (K, V, error) {
	var zeroK K
	var zeroV V

	if it.done {
		return zeroK, zeroV, fmt.Errorf("index: iterator exhausted")
	}

	key, val := it.currPage.Keys[it.pos], it.currPage.Values[it.pos]
	it.pos++

	if it.pos >= it.currPage.getSize() {
		if it.currPage.NextPageId == disk.INVALID_PAGE_ID {
			it.done = true
			return key, val, nil
		}

		guard, err := it.bpm.FetchPage(it.currPage.NextPageId)
		if err != nil {
			return key, val, fmt.Errorf("index: iterator advance: %w", err)
		}
		defer guard.Drop()

		next, err := decodeLeaf[K, V](guard.GetData())
		if err != nil {
			return key, val, fmt.Errorf("index: iterator advance: %w", err)
		}

		it.currPage = next
		it.pos = 0
		if next.getSize() == 0 {
			it.done = true
		}
	}

	return key, val, nil
}
