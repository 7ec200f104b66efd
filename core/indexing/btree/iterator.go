package btree

import (
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Iterator walks leaf entries in key order. It copies one leaf at a time under a
// shared latch and holds no latch or pin between calls, so it may miss or repeat
// entries moved by concurrent writers.
type Iterator[K any, V any] struct {
	tree   *BPlusTree[K, V]
	pageID pagemanager.PageID
	index  int
	keys   []K
	values []V
	next   pagemanager.PageID
}

// Begin positions an iterator on the smallest key.
func (bt *BPlusTree[K, V]) Begin() (*Iterator[K, V], error) {
	g, err := bt.findLeafRead(func(internalPage[K]) int { return 0 })
	if err != nil {
		return nil, err
	}
	it := &Iterator[K, V]{tree: bt}
	if g == nil {
		return it, nil
	}
	it.load(g.PageID(), g.Data())
	g.Drop()
	return it, it.skipExhausted()
}

// BeginAt positions an iterator on the first key >= key.
func (bt *BPlusTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	g, err := bt.findLeafRead(func(p internalPage[K]) int { return p.lookup(key, bt.keyOrder) })
	if err != nil {
		return nil, err
	}
	it := &Iterator[K, V]{tree: bt}
	if g == nil {
		return it, nil
	}
	it.load(g.PageID(), g.Data())
	it.index = bt.asLeaf(g.Data()).lowerBound(key, bt.keyOrder)
	g.Drop()
	return it, it.skipExhausted()
}

// End returns the past-the-end iterator.
func (bt *BPlusTree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{tree: bt}
}

func (it *Iterator[K, V]) load(pageID pagemanager.PageID, data []byte) {
	leaf := it.tree.asLeaf(data)
	n := leaf.size()
	it.pageID = pageID
	it.index = 0
	it.keys = make([]K, n)
	it.values = make([]V, n)
	for i := 0; i < n; i++ {
		it.keys[i] = leaf.keyAt(i)
		it.values[i] = leaf.valueAt(i)
	}
	it.next = leaf.nextPageID()
}

// skipExhausted follows the leaf chain until the cursor sits on an entry or the end.
func (it *Iterator[K, V]) skipExhausted() error {
	for it.pageID != pagemanager.InvalidPageID && it.index >= len(it.keys) {
		if it.next == pagemanager.InvalidPageID {
			it.pageID = pagemanager.InvalidPageID
			it.keys, it.values = nil, nil
			it.index = 0
			return nil
		}
		g, err := it.tree.bpm.FetchPageRead(it.next)
		if err != nil {
			return err
		}
		if t := treePage(g.Data()).pageType(); t != LeafPage {
			id := g.PageID()
			g.Drop()
			return fmt.Errorf("%w: page %d in the leaf chain is a %s page", flushmanager.ErrIteratorInvalid, id, t)
		}
		it.load(g.PageID(), g.Data())
		g.Drop()
	}
	return nil
}

func (it *Iterator[K, V]) IsEnd() bool { return it.pageID == pagemanager.InvalidPageID }

// Key returns the current key, or the zero value at the end.
func (it *Iterator[K, V]) Key() K {
	var zero K
	if it.IsEnd() {
		return zero
	}
	return it.keys[it.index]
}

// Value returns the current value, or the zero value at the end.
func (it *Iterator[K, V]) Value() V {
	var zero V
	if it.IsEnd() {
		return zero
	}
	return it.values[it.index]
}

// Next advances one entry. Advancing past the end is a no-op.
func (it *Iterator[K, V]) Next() error {
	if it.IsEnd() {
		return nil
	}
	it.index++
	return it.skipExhausted()
}

// Equal reports whether both iterators sit on the same slot of the same leaf.
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	if it.IsEnd() || other.IsEnd() {
		return it.IsEnd() == other.IsEnd()
	}
	return it.pageID == other.pageID && it.index == other.index
}
