package index

import (
	"cmp"
	"fmt"

	"github.com/jobala/petro/buffer"
	"github.com/jobala/petro/storage/disk"
	"github.com/jobala/petro/util"
)

// DefaultInternalMaxSize and DefaultLeafMaxSize bound page fanout for a tree
// constructed without explicit sizes. Kept modest so tests exercise splits
// and merges without needing hundreds of keys.
const (
	DefaultInternalMaxSize = 8
	DefaultLeafMaxSize     = 8
)

// BPlusTree is a latch-crabbing concurrent B+ tree index over (key, value)
// pairs, built on buffer-pool-managed pages.
type BPlusTree[K cmp.Ordered, V any] struct {
	bpm             *buffer.BufferpoolManager
	indexName       string
	internalMaxSize int32
	leafMaxSize     int32
}

// NewBPlusTree creates a fresh, empty index named name over bpm, using
// HEADER_PAGE_ID to persist the root pointer. Every call re-initializes the
// header to empty: the index and its backing file are created together,
// one tree per db file.
func NewBPlusTree[K cmp.Ordered, V any](name string, bpm *buffer.BufferpoolManager) (*BPlusTree[K, V], error) {
	return NewBPlusTreeWithSize[K, V](name, bpm, DefaultLeafMaxSize, DefaultInternalMaxSize)
}

// NewBPlusTreeWithSize is NewBPlusTree with explicit page fanout, mainly for
// tests that want to force splits and merges after a handful of keys.
func NewBPlusTreeWithSize[K cmp.Ordered, V any](name string, bpm *buffer.BufferpoolManager, leafMaxSize, internalMaxSize int32) (*BPlusTree[K, V], error) {
	guard, err := bpm.FetchPageForWrite(HEADER_PAGE_ID)
	if err != nil {
		return nil, fmt.Errorf("index: init header page: %w", err)
	}
	defer guard.Drop()

	if err := writeHeader(guard, headerPage{RootPageId: disk.INVALID_PAGE_ID}); err != nil {
		return nil, err
	}

	return &BPlusTree[K, V]{
		bpm:             bpm,
		indexName:       name,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}, nil
}

// IsEmpty reports whether the tree currently has no root.
func (t *BPlusTree[K, V]) IsEmpty() bool {
	id, err := t.GetRootPageId()
	return err != nil || id == disk.INVALID_PAGE_ID
}

// GetRootPageId returns the current root page id, or disk.INVALID_PAGE_ID
// if the tree is empty.
func (t *BPlusTree[K, V]) GetRootPageId() (int64, error) {
	guard, err := t.bpm.FetchPage(HEADER_PAGE_ID)
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	defer guard.Drop()

	header, err := readHeader(guard)
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	return header.RootPageId, nil
}

// --- page (de)serialization ---

// pageReader is the common shape of ReadPageGuard and WritePageGuard needed
// to decode a page's bytes, letting readHeader serve both.
type pageReader interface {
	GetData() []byte
}

func readHeader(g pageReader) (headerPage, error) {
	return util.ToStruct[headerPage](g.GetData())
}

func writeHeader(g *buffer.WritePageGuard, h headerPage) error {
	data, err := util.ToByteSlice(h)
	if err != nil {
		return fmt.Errorf("index: encode header page: %w", err)
	}
	copy(*g.GetDataMut(), data)
	return nil
}

func peekType(data []byte) (pageType, error) {
	marker, err := util.ToStruct[pageTypeMarker](data)
	if err != nil {
		return invalidPage, fmt.Errorf("index: peek page type: %w", err)
	}
	return marker.Type, nil
}

func decodeLeaf[K cmp.Ordered, V any](data []byte) (*bPlusTreePage[K, V], error) {
	page, err := util.ToStruct[bPlusTreePage[K, V]](data)
	if err != nil {
		return nil, fmt.Errorf("index: decode leaf page: %w", err)
	}
	return &page, nil
}

func decodeInternal[K cmp.Ordered](data []byte) (*bPlusTreePage[K, int64], error) {
	page, err := util.ToStruct[bPlusTreePage[K, int64]](data)
	if err != nil {
		return nil, fmt.Errorf("index: decode internal page: %w", err)
	}
	return &page, nil
}

func encodePage[K cmp.Ordered, V any](p *bPlusTreePage[K, V]) ([]byte, error) {
	data, err := util.ToByteSlice(*p)
	if err != nil {
		return nil, fmt.Errorf("index: encode page %d: %w", p.PageId, err)
	}
	return data, nil
}

// GetValue returns the value stored under key, following read latches down
// from the root and releasing each ancestor as soon as the child's latch is
// held (optimistic crabbing).
func (t *BPlusTree[K, V]) GetValue(key K) (V, bool, error) {
	var zero V

	headerGuard, err := t.bpm.FetchPage(HEADER_PAGE_ID)
	if err != nil {
		return zero, false, err
	}

	header, err := util.ToStruct[headerPage](headerGuard.GetData())
	if err != nil {
		headerGuard.Drop()
		return zero, false, err
	}
	if header.RootPageId == disk.INVALID_PAGE_ID {
		headerGuard.Drop()
		return zero, false, nil
	}

	currId := header.RootPageId
	currGuard, err := t.bpm.FetchPage(currId)
	headerGuard.Drop()
	if err != nil {
		return zero, false, err
	}

	for {
		typ, err := peekType(currGuard.GetData())
		if err != nil {
			currGuard.Drop()
			return zero, false, err
		}

		if typ == leafPage {
			leaf, err := decodeLeaf[K, V](currGuard.GetData())
			currGuard.Drop()
			if err != nil {
				return zero, false, err
			}
			idx := findLeafValue(leaf, key)
			if idx == -1 {
				return zero, false, nil
			}
			return leaf.Values[idx], true, nil
		}

		internal, err := decodeInternal[K](currGuard.GetData())
		if err != nil {
			currGuard.Drop()
			return zero, false, err
		}

		childId := internal.Values[childIndex(internal, key)]
		childGuard, err := t.bpm.FetchPage(childId)
		currGuard.Drop()
		if err != nil {
			return zero, false, err
		}
		currGuard = childGuard
	}
}

// findLeafForKey descends from the root and returns the id of the leaf that
// would hold key. Unlike GetValue it does not crab: each page's read latch
// is released before the child's is taken, and the leaf's latch is released
// before returning.
func (t *BPlusTree[K, V]) findLeafForKey(key K) (int64, error) {
	headerGuard, err := t.bpm.FetchPage(HEADER_PAGE_ID)
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	header, err := util.ToStruct[headerPage](headerGuard.GetData())
	headerGuard.Drop()
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	if header.RootPageId == disk.INVALID_PAGE_ID {
		return disk.INVALID_PAGE_ID, nil
	}

	currId := header.RootPageId
	for {
		guard, err := t.bpm.FetchPage(currId)
		if err != nil {
			return disk.INVALID_PAGE_ID, err
		}

		typ, err := peekType(guard.GetData())
		if err != nil {
			guard.Drop()
			return disk.INVALID_PAGE_ID, err
		}
		if typ == leafPage {
			guard.Drop()
			return currId, nil
		}

		internal, err := decodeInternal[K](guard.GetData())
		guard.Drop()
		if err != nil {
			return disk.INVALID_PAGE_ID, err
		}
		currId = internal.Values[childIndex(internal, key)]
	}
}

// leftmostLeaf descends the tree always following Values[0], for a
// full-scan iterator (Begin with no key).
func (t *BPlusTree[K, V]) leftmostLeaf() (int64, error) {
	headerGuard, err := t.bpm.FetchPage(HEADER_PAGE_ID)
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	header, err := util.ToStruct[headerPage](headerGuard.GetData())
	headerGuard.Drop()
	if err != nil {
		return disk.INVALID_PAGE_ID, err
	}
	if header.RootPageId == disk.INVALID_PAGE_ID {
		return disk.INVALID_PAGE_ID, nil
	}

	currId := header.RootPageId
	for {
		guard, err := t.bpm.FetchPage(currId)
		if err != nil {
			return disk.INVALID_PAGE_ID, err
		}
		typ, err := peekType(guard.GetData())
		if err != nil {
			guard.Drop()
			return disk.INVALID_PAGE_ID, err
		}
		if typ == leafPage {
			guard.Drop()
			return currId, nil
		}
		internal, err := decodeInternal[K](guard.GetData())
		guard.Drop()
		if err != nil {
			return disk.INVALID_PAGE_ID, err
		}
		currId = internal.Values[0]
	}
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *BPlusTree[K, V]) Begin() (*IndexIterator[K, V], error) {
	leafId, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	return newIndexIterator[K, V](leafId, 0, t.bpm)
}

// BeginAt returns an iterator positioned at the first key >= start.
func (t *BPlusTree[K, V]) BeginAt(start K) (*IndexIterator[K, V], error) {
	leafId, err := t.findLeafForKey(start)
	if err != nil {
		return nil, err
	}
	if leafId == disk.INVALID_PAGE_ID {
		return newIndexIterator[K, V](disk.INVALID_PAGE_ID, 0, t.bpm)
	}

	guard, err := t.bpm.FetchPage(leafId)
	if err != nil {
		return nil, err
	}
	leaf, err := decodeLeaf[K, V](guard.GetData())
	guard.Drop()
	if err != nil {
		return nil, err
	}

	return newIndexIterator[K, V](leafId, leafInsertIdx(leaf, start), t.bpm)
}

// End returns an already-exhausted iterator, for the IsEnd-checked loop
// idiom Begin/Next pairs with.
func (t *BPlusTree[K, V]) End() *IndexIterator[K, V] {
	return &IndexIterator[K, V]{bpm: t.bpm, done: true}
}

// ancestorFrame is one write-latched internal node held during a pessimistic
// descent, kept only as long as it might still need to absorb a split or
// lose a child to a merge.
type ancestorFrame[K cmp.Ordered] struct {
	guard *buffer.WritePageGuard
	page  *bPlusTreePage[K, int64]
}

// Insert adds (key, value) to the tree, returning false if key is already
// present (unique index). Uses pessimistic write-latch crabbing: the header
// page is latched first to protect the root pointer, then the tree is
// descended holding write latches, releasing ancestors once a node along
// the path is confirmed safe for the operation.
func (t *BPlusTree[K, V]) Insert(key K, value V) (bool, error) {
	headerGuard, err := t.bpm.FetchPageForWrite(HEADER_PAGE_ID)
	if err != nil {
		return false, err
	}
	header, err := readHeader(headerGuard)
	if err != nil {
		headerGuard.Drop()
		return false, err
	}

	if header.RootPageId == disk.INVALID_PAGE_ID {
		return t.insertIntoEmptyTree(headerGuard, key, value)
	}

	var ancestors []ancestorFrame[K]
	headerHeld := true
	release := func() {
		if headerHeld {
			headerGuard.Drop()
			headerHeld = false
		}
		for _, a := range ancestors {
			a.guard.Drop()
		}
		ancestors = nil
	}

	currId := header.RootPageId
	for {
		guard, err := t.bpm.FetchPageForWrite(currId)
		if err != nil {
			release()
			return false, err
		}

		typ, err := peekType(guard.GetData())
		if err != nil {
			guard.Drop()
			release()
			return false, err
		}

		if typ == leafPage {
			leaf, err := decodeLeaf[K, V](guard.GetData())
			if err != nil {
				guard.Drop()
				release()
				return false, err
			}

			if findLeafValue(leaf, key) != -1 {
				guard.Drop()
				release()
				return false, nil
			}

			insertLeaf(leaf, key, value)

			if leaf.getSize() < leaf.getMaxSize() {
				release()
				data, err := encodePage(leaf)
				if err != nil {
					guard.Drop()
					return false, err
				}
				copy(*guard.GetDataMut(), data)
				guard.Drop()
				return true, nil
			}

			// leaf overflowed: split and propagate the new sibling upward
			newLeafId, newGuard, err := t.allocateLeaf(leaf.ParentId)
			if err != nil {
				guard.Drop()
				release()
				return false, err
			}
			newLeaf := splitLeafInto[K, V](leaf, newLeafId)

			if err := t.writePage(guard, leaf); err != nil {
				newGuard.Drop()
				release()
				return false, err
			}
			if err := t.writePage(newGuard, newLeaf); err != nil {
				guard.Drop()
				newGuard.Drop()
				release()
				return false, err
			}
			guard.Drop()
			newGuard.Drop()

			return true, t.propagateSplit(headerGuard, &headerHeld, header, ancestors, leaf.PageId, newLeafId, newLeaf.Keys[0])
		}

		internal, err := decodeInternal[K](guard.GetData())
		if err != nil {
			guard.Drop()
			release()
			return false, err
		}

		if internal.isSafeForInsert() {
			release()
		}
		ancestors = append(ancestors, ancestorFrame[K]{guard: guard, page: internal})
		currId = internal.Values[childIndex(internal, key)]
	}
}

func (t *BPlusTree[K, V]) insertIntoEmptyTree(headerGuard *buffer.WritePageGuard, key K, value V) (bool, error) {
	leafId, leafGuard, err := t.allocateLeaf(disk.INVALID_PAGE_ID)
	if err != nil {
		headerGuard.Drop()
		return false, err
	}

	leaf := newBPlusTreePage[K, V](leafPage, leafId, disk.INVALID_PAGE_ID, t.leafMaxSize)
	insertLeaf(leaf, key, value)

	if err := t.writePage(leafGuard, leaf); err != nil {
		leafGuard.Drop()
		headerGuard.Drop()
		return false, err
	}
	leafGuard.Drop()

	err = writeHeader(headerGuard, headerPage{RootPageId: leafId})
	headerGuard.Drop()
	return err == nil, err
}

// propagateSplit inserts (sepKey, rightId) into the parent of leftId,
// splitting the parent (and recursing upward) if it overflows, or creating
// a new root if leftId had no parent. ancestors is ordered root-first;
// headerHeld tracks whether headerGuard is still ours to drop.
func (t *BPlusTree[K, V]) propagateSplit(headerGuard *buffer.WritePageGuard, headerHeld *bool, header headerPage, ancestors []ancestorFrame[K], leftId, rightId int64, sepKey K) error {
	if len(ancestors) == 0 {
		newRootId, newRootGuard, err := t.allocateInternal(disk.INVALID_PAGE_ID)
		if err != nil {
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}

		newRoot := newBPlusTreePage[K, int64](internalPage, newRootId, disk.INVALID_PAGE_ID, t.internalMaxSize)
		newRoot.Values = append(newRoot.Values, leftId)
		newRoot.Size = 1
		insertChildAfter(newRoot, 0, sepKey, rightId)

		if err := t.setParent(leftId, newRootId); err != nil {
			newRootGuard.Drop()
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}
		if err := t.setParent(rightId, newRootId); err != nil {
			newRootGuard.Drop()
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}

		if err := t.writePage(newRootGuard, newRoot); err != nil {
			newRootGuard.Drop()
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}
		newRootGuard.Drop()

		header.RootPageId = newRootId
		err = writeHeader(headerGuard, header)
		if *headerHeld {
			headerGuard.Drop()
			*headerHeld = false
		}
		return err
	}

	last := ancestors[len(ancestors)-1]
	ancestors = ancestors[:len(ancestors)-1]
	parent, guard := last.page, last.guard

	leftIdx := valueIndex(parent, leftId)
	insertChildAfter(parent, leftIdx, sepKey, rightId)
	if err := t.setParent(rightId, parent.PageId); err != nil {
		guard.Drop()
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
		}
		return err
	}

	if parent.getSize() < parent.getMaxSize() {
		err := t.writePage(guard, parent)
		guard.Drop()
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
			*headerHeld = false
		}
		return err
	}

	newParentId, newParentGuard, err := t.allocateInternal(parent.ParentId)
	if err != nil {
		guard.Drop()
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
		}
		return err
	}
	newParent, promoteKey := splitInternalInto[K](parent, newParentId)

	for _, childId := range newParent.Values {
		if err := t.setParent(childId, newParentId); err != nil {
			guard.Drop()
			newParentGuard.Drop()
			for _, a := range ancestors {
				a.guard.Drop()
			}
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}
	}

	writeErr := t.writePage(guard, parent)
	if writeErr == nil {
		writeErr = t.writePage(newParentGuard, newParent)
	}
	guard.Drop()
	newParentGuard.Drop()
	if writeErr != nil {
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
		}
		return writeErr
	}

	return t.propagateSplit(headerGuard, headerHeld, header, ancestors, parent.PageId, newParentId, promoteKey)
}

// Remove deletes key from the tree; a no-op if absent.
func (t *BPlusTree[K, V]) Remove(key K) error {
	headerGuard, err := t.bpm.FetchPageForWrite(HEADER_PAGE_ID)
	if err != nil {
		return err
	}
	header, err := readHeader(headerGuard)
	if err != nil {
		headerGuard.Drop()
		return err
	}
	if header.RootPageId == disk.INVALID_PAGE_ID {
		headerGuard.Drop()
		return nil
	}

	var ancestors []ancestorFrame[K]
	headerHeld := true
	release := func() {
		if headerHeld {
			headerGuard.Drop()
			headerHeld = false
		}
		for _, a := range ancestors {
			a.guard.Drop()
		}
		ancestors = nil
	}

	leafMin := (int(t.leafMaxSize) - 1 + 1) / 2 // ceil((max-1)/2)
	internalMin := (int(t.internalMaxSize) + 1) / 2

	currId := header.RootPageId
	for {
		guard, err := t.bpm.FetchPageForWrite(currId)
		if err != nil {
			release()
			return err
		}

		typ, err := peekType(guard.GetData())
		if err != nil {
			guard.Drop()
			release()
			return err
		}

		if typ == leafPage {
			leaf, err := decodeLeaf[K, V](guard.GetData())
			if err != nil {
				guard.Drop()
				release()
				return err
			}

			idx := findLeafValue(leaf, key)
			if idx == -1 {
				guard.Drop()
				release()
				return nil
			}
			removeLeafAt(leaf, idx)

			isRoot := len(ancestors) == 0
			if isRoot && leaf.getSize() == 0 {
				// The last key is gone: free the root leaf and mark the tree empty.
				guard.Drop()
				if _, err := t.bpm.DeletePage(leaf.PageId); err != nil {
					release()
					return err
				}
				header.RootPageId = disk.INVALID_PAGE_ID
				err := writeHeader(headerGuard, header)
				release()
				return err
			}
			if isRoot || leaf.getSize() >= leafMin {
				release()
				if err := t.writePage(guard, leaf); err != nil {
					guard.Drop()
					return err
				}
				guard.Drop()
				return nil
			}

			return t.fixUnderflow(headerGuard, &headerHeld, header, ancestors, guard, leaf, leafMin, internalMin)
		}

		internal, err := decodeInternal[K](guard.GetData())
		if err != nil {
			guard.Drop()
			release()
			return err
		}

		if internal.isSafeForDelete(internalMin) {
			release()
		}
		ancestors = append(ancestors, ancestorFrame[K]{guard: guard, page: internal})
		currId = internal.Values[childIndex(internal, key)]
	}
}

// fixUnderflow resolves an underflowed leaf (already deleted-from, nodeGuard
// still held) by borrowing from a sibling or merging with one. When a merge
// leaves the parent below its minimum size, fixParentUnderflow carries the
// repair up through the remaining ancestors.
func (t *BPlusTree[K, V]) fixUnderflow(headerGuard *buffer.WritePageGuard, headerHeld *bool, header headerPage, ancestors []ancestorFrame[K], nodeGuard *buffer.WritePageGuard, leaf *bPlusTreePage[K, V], leafMin, internalMin int) error {
	parentFrame := ancestors[len(ancestors)-1]
	ancestors = ancestors[:len(ancestors)-1]
	parent, parentGuard := parentFrame.page, parentFrame.guard

	myIdx := valueIndex(parent, leaf.PageId)

	// Prefer the left sibling for redistribute/merge; fall back to the right.
	if myIdx > 0 {
		leftId := parent.Values[myIdx-1]
		leftGuard, err := t.bpm.FetchPageForWrite(leftId)
		if err != nil {
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
		}
		left, err := decodeLeaf[K, V](leftGuard.GetData())
		if err != nil {
			leftGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
		}

		if left.getSize() > leafMin {
			// borrow the left sibling's last entry
			borrowIdx := left.getSize() - 1
			bKey, bVal := left.Keys[borrowIdx], left.Values[borrowIdx]
			removeLeafAt(left, borrowIdx)
			insertLeaf(leaf, bKey, bVal)
			parent.Keys[myIdx-1] = leaf.Keys[0]

			return t.commitRedistribute(headerGuard, headerHeld, ancestors, parentGuard, parent, leftGuard, left, nodeGuard, leaf)
		}

		// merge into left: left <- left + leaf
		left.Keys = append(left.Keys, leaf.Keys...)
		left.Values = append(left.Values, leaf.Values...)
		left.Size += leaf.Size
		left.NextPageId = leaf.NextPageId

		if err := t.writePage(leftGuard, left); err != nil {
			leftGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
		}
		leftGuard.Drop()
		nodeGuard.Drop()
		if _, err := t.bpm.DeletePage(leaf.PageId); err != nil {
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nil, err)
		}

		removeChildAt(parent, myIdx)
		return t.fixParentUnderflow(headerGuard, headerHeld, header, ancestors, parentGuard, parent, internalMin)
	}

	// no left sibling: use the right sibling instead
	rightId := parent.Values[myIdx+1]
	rightGuard, err := t.bpm.FetchPageForWrite(rightId)
	if err != nil {
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
	}
	right, err := decodeLeaf[K, V](rightGuard.GetData())
	if err != nil {
		rightGuard.Drop()
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
	}

	if right.getSize() > leafMin {
		bKey, bVal := right.Keys[0], right.Values[0]
		removeLeafAt(right, 0)
		insertLeaf(leaf, bKey, bVal)
		parent.Keys[myIdx] = right.Keys[0]

		return t.commitRedistribute(headerGuard, headerHeld, ancestors, parentGuard, parent, rightGuard, right, nodeGuard, leaf)
	}

	// merge right into leaf: leaf <- leaf + right
	leaf.Keys = append(leaf.Keys, right.Keys...)
	leaf.Values = append(leaf.Values, right.Values...)
	leaf.Size += right.Size
	leaf.NextPageId = right.NextPageId

	if err := t.writePage(nodeGuard, leaf); err != nil {
		rightGuard.Drop()
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nodeGuard, err)
	}
	nodeGuard.Drop()
	rightGuard.Drop()
	if _, err := t.bpm.DeletePage(right.PageId); err != nil {
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, parentGuard, nil, err)
	}

	removeChildAt(parent, myIdx+1)
	return t.fixParentUnderflow(headerGuard, headerHeld, header, ancestors, parentGuard, parent, internalMin)
}

// fixParentUnderflow is fixUnderflow's internal-node counterpart, invoked
// after a child merge removed one of the parent's entries.
func (t *BPlusTree[K, V]) fixParentUnderflow(headerGuard *buffer.WritePageGuard, headerHeld *bool, header headerPage, ancestors []ancestorFrame[K], parentGuard *buffer.WritePageGuard, parent *bPlusTreePage[K, int64], internalMin int) error {
	if len(ancestors) == 0 {
		// parent is the root
		if parent.getSize() > 1 {
			err := t.writePage(parentGuard, parent)
			parentGuard.Drop()
			if *headerHeld {
				headerGuard.Drop()
				*headerHeld = false
			}
			return err
		}

		// root collapsed to a single child: promote it
		newRootId := parent.Values[0]
		if err := t.setParent(newRootId, disk.INVALID_PAGE_ID); err != nil {
			parentGuard.Drop()
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}
		parentGuard.Drop()
		if _, err := t.bpm.DeletePage(parent.PageId); err != nil {
			if *headerHeld {
				headerGuard.Drop()
			}
			return err
		}

		header.RootPageId = newRootId
		err := writeHeader(headerGuard, header)
		if *headerHeld {
			headerGuard.Drop()
			*headerHeld = false
		}
		return err
	}

	if parent.getSize() >= internalMin {
		err := t.writePage(parentGuard, parent)
		parentGuard.Drop()
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
			*headerHeld = false
		}
		return err
	}

	grandparentFrame := ancestors[len(ancestors)-1]
	ancestors = ancestors[:len(ancestors)-1]
	grandparent, gpGuard := grandparentFrame.page, grandparentFrame.guard

	myIdx := valueIndex(grandparent, parent.PageId)

	if myIdx > 0 {
		leftId := grandparent.Values[myIdx-1]
		leftGuard, err := t.bpm.FetchPageForWrite(leftId)
		if err != nil {
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
		}
		left, err := decodeInternal[K](leftGuard.GetData())
		if err != nil {
			leftGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
		}

		if left.getSize() > internalMin {
			borrowChild := left.Values[left.getSize()-1]
			borrowSep := grandparent.Keys[myIdx-1]
			left.Values = left.Values[:left.getSize()-1]
			newSep := left.Keys[len(left.Keys)-1]
			left.Keys = left.Keys[:len(left.Keys)-1]
			left.Size--

			parent.Values = append([]int64{borrowChild}, parent.Values...)
			parent.Keys = append([]K{borrowSep}, parent.Keys...)
			parent.Size++
			grandparent.Keys[myIdx-1] = newSep

			if err := t.setParent(borrowChild, parent.PageId); err != nil {
				leftGuard.Drop()
				return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
			}

			werr := t.writePage(leftGuard, left)
			if werr == nil {
				werr = t.writePage(parentGuard, parent)
			}
			if werr == nil {
				werr = t.writePage(gpGuard, grandparent)
			}
			leftGuard.Drop()
			parentGuard.Drop()
			gpGuard.Drop()
			for _, a := range ancestors {
				a.guard.Drop()
			}
			if *headerHeld {
				headerGuard.Drop()
				*headerHeld = false
			}
			return werr
		}

		// merge parent into left, pulling the separator down
		sep := grandparent.Keys[myIdx-1]
		left.Keys = append(left.Keys, sep)
		left.Keys = append(left.Keys, parent.Keys...)
		left.Values = append(left.Values, parent.Values...)
		left.Size += parent.Size

		for _, childId := range parent.Values {
			if err := t.setParent(childId, left.PageId); err != nil {
				leftGuard.Drop()
				return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
			}
		}

		if err := t.writePage(leftGuard, left); err != nil {
			leftGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
		}
		leftGuard.Drop()
		parentGuard.Drop()
		if _, err := t.bpm.DeletePage(parent.PageId); err != nil {
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, nil, err)
		}

		removeChildAt(grandparent, myIdx)
		return t.fixParentUnderflow(headerGuard, headerHeld, header, ancestors, gpGuard, grandparent, internalMin)
	}

	rightId := grandparent.Values[myIdx+1]
	rightGuard, err := t.bpm.FetchPageForWrite(rightId)
	if err != nil {
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
	}
	right, err := decodeInternal[K](rightGuard.GetData())
	if err != nil {
		rightGuard.Drop()
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
	}

	if right.getSize() > internalMin {
		borrowChild := right.Values[0]
		borrowSep := grandparent.Keys[myIdx]
		right.Values = right.Values[1:]
		newSep := right.Keys[0]
		right.Keys = right.Keys[1:]
		right.Size--

		parent.Values = append(parent.Values, borrowChild)
		parent.Keys = append(parent.Keys, borrowSep)
		parent.Size++
		grandparent.Keys[myIdx] = newSep

		if err := t.setParent(borrowChild, parent.PageId); err != nil {
			rightGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
		}

		werr := t.writePage(rightGuard, right)
		if werr == nil {
			werr = t.writePage(parentGuard, parent)
		}
		if werr == nil {
			werr = t.writePage(gpGuard, grandparent)
		}
		rightGuard.Drop()
		parentGuard.Drop()
		gpGuard.Drop()
		for _, a := range ancestors {
			a.guard.Drop()
		}
		if *headerHeld {
			headerGuard.Drop()
			*headerHeld = false
		}
		return werr
	}

	// merge right into parent, pulling the separator down
	sep := grandparent.Keys[myIdx]
	parent.Keys = append(parent.Keys, sep)
	parent.Keys = append(parent.Keys, right.Keys...)
	parent.Values = append(parent.Values, right.Values...)
	parent.Size += right.Size

	for _, childId := range right.Values {
		if err := t.setParent(childId, parent.PageId); err != nil {
			rightGuard.Drop()
			return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
		}
	}

	if err := t.writePage(parentGuard, parent); err != nil {
		rightGuard.Drop()
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, parentGuard, err)
	}
	parentGuard.Drop()
	rightGuard.Drop()
	if _, err := t.bpm.DeletePage(right.PageId); err != nil {
		return t.abortUnderflow(headerGuard, headerHeld, ancestors, gpGuard, nil, err)
	}

	removeChildAt(grandparent, myIdx+1)
	return t.fixParentUnderflow(headerGuard, headerHeld, header, ancestors, gpGuard, grandparent, internalMin)
}

func (t *BPlusTree[K, V]) commitRedistribute(headerGuard *buffer.WritePageGuard, headerHeld *bool, ancestors []ancestorFrame[K], parentGuard *buffer.WritePageGuard, parent *bPlusTreePage[K, int64], siblingGuard *buffer.WritePageGuard, sibling *bPlusTreePage[K, V], nodeGuard *buffer.WritePageGuard, node *bPlusTreePage[K, V]) error {
	werr := t.writePage(siblingGuard, sibling)
	if werr == nil {
		werr = t.writePage(nodeGuard, node)
	}
	if werr == nil {
		werr = t.writePage(parentGuard, parent)
	}
	siblingGuard.Drop()
	nodeGuard.Drop()
	parentGuard.Drop()
	for _, a := range ancestors {
		a.guard.Drop()
	}
	if *headerHeld {
		headerGuard.Drop()
		*headerHeld = false
	}
	return werr
}

// abortUnderflow drops whatever guards fixUnderflow/fixParentUnderflow were
// still holding (either may be nil) and the remaining ancestor chain, then
// returns err unchanged. Centralizes the repetitive cleanup on early exits.
func (t *BPlusTree[K, V]) abortUnderflow(headerGuard *buffer.WritePageGuard, headerHeld *bool, ancestors []ancestorFrame[K], g1, g2 *buffer.WritePageGuard, err error) error {
	if g1 != nil {
		g1.Drop()
	}
	if g2 != nil {
		g2.Drop()
	}
	for _, a := range ancestors {
		a.guard.Drop()
	}
	if *headerHeld {
		headerGuard.Drop()
		*headerHeld = false
	}
	return err
}

// setParent updates childId's ParentId field in place. Used when a split or
// merge moves a child to a different parent page.
func (t *BPlusTree[K, V]) setParent(childId, newParentId int64) error {
	guard, err := t.bpm.FetchPageForWrite(childId)
	if err != nil {
		return err
	}
	defer guard.Drop()

	typ, err := peekType(guard.GetData())
	if err != nil {
		return err
	}

	if typ == leafPage {
		leaf, err := decodeLeaf[K, V](guard.GetData())
		if err != nil {
			return err
		}
		leaf.ParentId = newParentId
		return t.writePage(guard, leaf)
	}

	internal, err := decodeInternal[K](guard.GetData())
	if err != nil {
		return err
	}
	internal.ParentId = newParentId
	return t.writePage(guard, internal)
}

func (t *BPlusTree[K, V]) writePage(guard *buffer.WritePageGuard, page any) error {
	var data []byte
	var err error

	switch p := page.(type) {
	case *bPlusTreePage[K, V]:
		data, err = encodePage(p)
	case *bPlusTreePage[K, int64]:
		data, err = encodePage(p)
	default:
		return fmt.Errorf("index: unsupported page type %T", page)
	}
	if err != nil {
		return err
	}
	copy(*guard.GetDataMut(), data)
	return nil
}

func (t *BPlusTree[K, V]) allocateLeaf(parentId int64) (int64, *buffer.WritePageGuard, error) {
	id, guard, err := t.bpm.NewPage()
	if err != nil {
		return disk.INVALID_PAGE_ID, nil, err
	}
	return id, guard, nil
}

func (t *BPlusTree[K, V]) allocateInternal(parentId int64) (int64, *buffer.WritePageGuard, error) {
	id, guard, err := t.bpm.NewPage()
	if err != nil {
		return disk.INVALID_PAGE_ID, nil, err
	}
	return id, guard, nil
}

// splitLeafInto moves the upper half of leaf's entries into a new sibling
// page, splices the next-leaf chain, and returns
// the new sibling; the promoted key for the parent is newLeaf.Keys[0].
func splitLeafInto[K cmp.Ordered, V any](leaf *bPlusTreePage[K, V], newLeafId int64) *bPlusTreePage[K, V] {
	mid := (leaf.getSize() + 1) / 2
	newLeaf := newBPlusTreePage[K, V](leafPage, newLeafId, leaf.ParentId, leaf.MaxSize)

	newLeaf.Keys = append(newLeaf.Keys, leaf.Keys[mid:]...)
	newLeaf.Values = append(newLeaf.Values, leaf.Values[mid:]...)
	newLeaf.Size = int32(len(newLeaf.Keys))

	leaf.Keys = leaf.Keys[:mid]
	leaf.Values = leaf.Values[:mid]
	leaf.Size = int32(mid)

	newLeaf.NextPageId = leaf.NextPageId
	leaf.NextPageId = newLeafId

	return newLeaf
}

// splitInternalInto moves the upper half of parent's children into a new
// sibling page, returning the sibling and the
// key promoted to the grandparent.
func splitInternalInto[K cmp.Ordered](parent *bPlusTreePage[K, int64], newId int64) (*bPlusTreePage[K, int64], K) {
	total := parent.getSize()
	mid := total / 2
	promoteKey := parent.Keys[mid-1]

	newNode := newBPlusTreePage[K, int64](internalPage, newId, parent.ParentId, parent.MaxSize)
	newNode.Values = append(newNode.Values, parent.Values[mid:]...)
	newNode.Keys = append(newNode.Keys, parent.Keys[mid:]...)
	newNode.Size = int32(len(newNode.Values))

	parent.Values = parent.Values[:mid]
	parent.Keys = parent.Keys[:mid-1]
	parent.Size = int32(mid)

	return newNode, promoteKey
}
