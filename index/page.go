package index

import (
	"cmp"
	"slices"

	"github.com/jobala/petro/storage/disk"
)

// pageType tags a resident B+ tree page as internal or leaf. The teacher's
// draft carried three incompatible page representations (page.go, types.go,
// leaf_page.go/internal_page.go/b_plus_tree_page.go) that all redeclared
// PAGE_TYPE and a header struct; this file replaces all of them with one
// generic, tagged-variant page family instantiated twice per tree: once as
// bPlusTreePage[K, V] for leaves (Values are the index's value type, one per
// key) and once as bPlusTreePage[K, int64] for internal nodes (Values are
// child page ids, Size of them; Keys are the Size-1 separators between
// them, so Keys[i] separates Values[i] and Values[i+1]).
type pageType int32

const (
	invalidPage pageType = iota
	internalPage
	leafPage
)

// HEADER_PAGE_ID is the well-known page id the header page lives at,
// reserved by DiskManager for every fresh db file.
const HEADER_PAGE_ID int64 = 0

// bPlusTreePage is one resident B+ tree node.
type bPlusTreePage[K cmp.Ordered, V any] struct {
	Type       pageType
	PageId     int64
	ParentId   int64
	NextPageId int64 // leaf only; disk.INVALID_PAGE_ID for internal pages and the rightmost leaf
	Size       int32
	MaxSize    int32
	Keys       []K
	Values     []V
}

func newBPlusTreePage[K cmp.Ordered, V any](t pageType, pageId, parentId int64, maxSize int32) *bPlusTreePage[K, V] {
	return &bPlusTreePage[K, V]{
		Type:       t,
		PageId:     pageId,
		ParentId:   parentId,
		NextPageId: disk.INVALID_PAGE_ID,
		MaxSize:    maxSize,
	}
}

func (p *bPlusTreePage[K, V]) isLeaf() bool    { return p.Type == leafPage }
func (p *bPlusTreePage[K, V]) getSize() int    { return int(p.Size) }
func (p *bPlusTreePage[K, V]) getMaxSize() int { return int(p.MaxSize) }

// isSafeForInsert reports whether this node has room to accept one more
// entry without needing to split.
func (p *bPlusTreePage[K, V]) isSafeForInsert() bool {
	return p.getSize()+1 < p.getMaxSize()
}

// isSafeForDelete reports whether this node can afford to lose one entry
// without underflowing past minSize.
func (p *bPlusTreePage[K, V]) isSafeForDelete(minSize int) bool {
	return p.getSize()-1 >= minSize
}

// --- leaf-shaped operations: Keys and Values both have Size entries ---

// leafInsertIdx returns the first index whose key is >= key.
func leafInsertIdx[K cmp.Ordered, V any](p *bPlusTreePage[K, V], key K) int {
	left, right := 0, p.getSize()
	for left < right {
		mid := left + (right-left)/2
		if p.Keys[mid] < key {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return left
}

// findLeafValue returns the index of key in a leaf, or -1 if absent.
func findLeafValue[K cmp.Ordered, V any](p *bPlusTreePage[K, V], key K) int {
	idx := leafInsertIdx(p, key)
	if idx < p.getSize() && p.Keys[idx] == key {
		return idx
	}
	return -1
}

// insertLeaf inserts (key, value) into a leaf's sorted arrays.
func insertLeaf[K cmp.Ordered, V any](p *bPlusTreePage[K, V], key K, value V) {
	idx := leafInsertIdx(p, key)
	p.Keys = slices.Insert(p.Keys, idx, key)
	p.Values = slices.Insert(p.Values, idx, value)
	p.Size++
}

// removeLeafAt deletes the entry at idx from a leaf.
func removeLeafAt[K cmp.Ordered, V any](p *bPlusTreePage[K, V], idx int) {
	p.Keys = slices.Delete(p.Keys, idx, idx+1)
	p.Values = slices.Delete(p.Values, idx, idx+1)
	p.Size--
}

// --- internal-shaped operations: Values has Size entries, Keys has Size-1 ---

// childIndex returns the index into Values of the child pointer to follow
// for key: the largest i such that Keys[i-1] <= key, else 0.
func childIndex[K cmp.Ordered](p *bPlusTreePage[K, int64], key K) int {
	idx := 0
	for i := 0; i < len(p.Keys); i++ {
		if p.Keys[i] <= key {
			idx = i + 1
		} else {
			break
		}
	}
	return idx
}

// valueIndex returns the index of childId in Values, or -1.
func valueIndex[K cmp.Ordered](p *bPlusTreePage[K, int64], childId int64) int {
	return slices.Index(p.Values, childId)
}

// insertChildAfter inserts a new child pointer right after Values[afterIdx],
// with sepKey as the separator between them.
func insertChildAfter[K cmp.Ordered](p *bPlusTreePage[K, int64], afterIdx int, sepKey K, childId int64) {
	p.Keys = slices.Insert(p.Keys, afterIdx, sepKey)
	p.Values = slices.Insert(p.Values, afterIdx+1, childId)
	p.Size++
}

// removeChildAt deletes Values[idx] and the separator that preceded it
// (Keys[idx-1]), or the separator that followed it if idx==0.
func removeChildAt[K cmp.Ordered](p *bPlusTreePage[K, int64], idx int) {
	if idx == 0 {
		p.Keys = slices.Delete(p.Keys, 0, 1)
	} else {
		p.Keys = slices.Delete(p.Keys, idx-1, idx)
	}
	p.Values = slices.Delete(p.Values, idx, idx+1)
	p.Size--
}

// headerPage is the persisted root pointer, at HEADER_PAGE_ID.
type headerPage struct {
	RootPageId int64
}

// pageTypeMarker decodes just enough of a serialized page to learn its
// variant before committing to a leaf or internal decode of the rest.
type pageTypeMarker struct {
	Type pageType
}
