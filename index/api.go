package index

import (
	"fmt"
	"strings"

	"github.com/jobala/petro/storage/disk"
)

// GetIterator returns an iterator over the whole tree in key order.
func (t *BPlusTree[K, V]) GetIterator() (*IndexIterator[K, V], error) {
	return t.Begin()
}

// GetKeyRange returns every value whose key falls in [start, stop].
func (t *BPlusTree[K, V]) GetKeyRange(start, stop K) ([]V, error) {
	it, err := t.BeginAt(start)
	if err != nil {
		return nil, err
	}

	res := []V{}
	for !it.IsEnd() {
		key, val, err := it.Next()
		if err != nil {
			return res, err
		}
		if key > stop {
			break
		}
		res = append(res, val)
	}

	return res, nil
}

// BatchInsert inserts every (key, value) pair in items, stopping at the
// first error.
func (t *BPlusTree[K, V]) BatchInsert(items map[K]V) error {
	for k, v := range items {
		if _, err := t.Insert(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Drop deletes every page owned by the tree and resets it to empty. Walks
// the tree from the root rather than trusting a cached page list, since
// pages can move between splits and merges.
func (t *BPlusTree[K, V]) Drop() error {
	headerGuard, err := t.bpm.FetchPageForWrite(HEADER_PAGE_ID)
	if err != nil {
		return err
	}
	header, err := readHeader(headerGuard)
	if err != nil {
		headerGuard.Drop()
		return err
	}

	if header.RootPageId != disk.INVALID_PAGE_ID {
		if err := t.dropSubtree(header.RootPageId); err != nil {
			headerGuard.Drop()
			return err
		}
	}

	err = writeHeader(headerGuard, headerPage{RootPageId: disk.INVALID_PAGE_ID})
	headerGuard.Drop()
	return err
}

func (t *BPlusTree[K, V]) dropSubtree(pageId int64) error {
	guard, err := t.bpm.FetchPage(pageId)
	if err != nil {
		return err
	}
	typ, err := peekType(guard.GetData())
	if err != nil {
		guard.Drop()
		return err
	}

	if typ == leafPage {
		guard.Drop()
		_, err := t.bpm.DeletePage(pageId)
		return err
	}

	internal, err := decodeInternal[K](guard.GetData())
	guard.Drop()
	if err != nil {
		return err
	}

	for _, childId := range internal.Values {
		if err := t.dropSubtree(childId); err != nil {
			return err
		}
	}
	_, err = t.bpm.DeletePage(pageId)
	return err
}

// ToGraphviz renders the tree as a Graphviz dot digraph, one node per page,
// for offline debugging.
func (t *BPlusTree[K, V]) ToGraphviz() (string, error) {
	rootId, err := t.GetRootPageId()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("digraph BPlusTree {\n  node [shape=record];\n")
	if rootId != disk.INVALID_PAGE_ID {
		if err := t.writeGraphvizNode(&b, rootId); err != nil {
			return "", err
		}
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func (t *BPlusTree[K, V]) writeGraphvizNode(b *strings.Builder, pageId int64) error {
	guard, err := t.bpm.FetchPage(pageId)
	if err != nil {
		return err
	}
	typ, err := peekType(guard.GetData())
	if err != nil {
		guard.Drop()
		return err
	}

	if typ == leafPage {
		leaf, err := decodeLeaf[K, V](guard.GetData())
		guard.Drop()
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "  p%d [label=\"leaf %d | %v\"];\n", pageId, pageId, leaf.Keys)
		return nil
	}

	internal, err := decodeInternal[K](guard.GetData())
	guard.Drop()
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "  p%d [label=\"internal %d | %v\"];\n", pageId, pageId, internal.Keys)

	for _, childId := range internal.Values {
		fmt.Fprintf(b, "  p%d -> p%d;\n", pageId, childId)
		if err := t.writeGraphvizNode(b, childId); err != nil {
			return err
		}
	}
	return nil
}
