package btree

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// IndexPageType tags every tree page.
type IndexPageType uint32

const (
	InvalidIndexPage IndexPageType = iota
	LeafPage
	InternalPage
)

func (t IndexPageType) String() string {
	switch t {
	case LeafPage:
		return "leaf"
	case InternalPage:
		return "internal"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(t))
	}
}

// Common header, shared by leaf and internal pages:
//
//	[0:4) page type | [4:8) size | [8:12) max size | [12:16) min size
//
// Leaf pages follow it with the next-leaf page id at [16:24) and then the sorted
// (key, value) entries. Internal pages store (key, child page id) slots right after
// the common header; slot 0's key is never compared.
const (
	pageTypeOffset     = 0
	sizeOffset         = 4
	maxSizeOffset      = 8
	minSizeOffset      = 12
	commonHeaderSize   = 16
	nextPageIDOffset   = 16
	leafHeaderSize     = 24
	internalHeaderSize = commonHeaderSize
	childIDSize        = 8

	// headerRootOffset is where the header page keeps the root page id.
	headerRootOffset = 0
)

type treePage []byte

func (p treePage) pageType() IndexPageType {
	return IndexPageType(binary.LittleEndian.Uint32(p[pageTypeOffset:]))
}
func (p treePage) isLeaf() bool { return p.pageType() == LeafPage }
func (p treePage) size() int    { return int(int32(binary.LittleEndian.Uint32(p[sizeOffset:]))) }
func (p treePage) setSize(n int) {
	binary.LittleEndian.PutUint32(p[sizeOffset:], uint32(int32(n)))
}
func (p treePage) maxSize() int { return int(int32(binary.LittleEndian.Uint32(p[maxSizeOffset:]))) }
func (p treePage) minSize() int { return int(int32(binary.LittleEndian.Uint32(p[minSizeOffset:]))) }

func (p treePage) init(t IndexPageType, maxSize, minSize int) {
	binary.LittleEndian.PutUint32(p[pageTypeOffset:], uint32(t))
	p.setSize(0)
	binary.LittleEndian.PutUint32(p[maxSizeOffset:], uint32(int32(maxSize)))
	binary.LittleEndian.PutUint32(p[minSizeOffset:], uint32(int32(minSize)))
}

// --- Leaf page ---

type leafPage[K any, V any] struct {
	treePage
	codec KeyValueCodec[K, V]
}

func (l leafPage[K, V]) entrySize() int { return l.codec.Key.Size() + l.codec.Value.Size() }
func (l leafPage[K, V]) offset(i int) int {
	return leafHeaderSize + i*l.entrySize()
}

func (l leafPage[K, V]) nextPageID() pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint64(l.treePage[nextPageIDOffset:]))
}
func (l leafPage[K, V]) setNextPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint64(l.treePage[nextPageIDOffset:], uint64(id))
}

func (l leafPage[K, V]) keyAt(i int) K {
	return l.codec.Key.Decode(l.treePage[l.offset(i):])
}
func (l leafPage[K, V]) valueAt(i int) V {
	return l.codec.Value.Decode(l.treePage[l.offset(i)+l.codec.Key.Size():])
}
func (l leafPage[K, V]) setAt(i int, k K, v V) {
	off := l.offset(i)
	l.codec.Key.Encode(l.treePage[off:], k)
	l.codec.Value.Encode(l.treePage[off+l.codec.Key.Size():], v)
}

// lowerBound returns the first index whose key is >= k.
func (l leafPage[K, V]) lowerBound(k K, order Order[K]) int {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if order(l.keyAt(mid), k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (l leafPage[K, V]) insertAt(i int, k K, v V) {
	n := l.size()
	copy(l.treePage[l.offset(i+1):l.offset(n+1)], l.treePage[l.offset(i):l.offset(n)])
	l.setAt(i, k, v)
	l.setSize(n + 1)
}

func (l leafPage[K, V]) removeAt(i int) {
	n := l.size()
	copy(l.treePage[l.offset(i):l.offset(n-1)], l.treePage[l.offset(i+1):l.offset(n)])
	clear(l.treePage[l.offset(n-1):l.offset(n)])
	l.setSize(n - 1)
}

// moveTailTo moves the last n entries to the (empty) leaf dst.
func (l leafPage[K, V]) moveTailTo(dst leafPage[K, V], n int) {
	size := l.size()
	start := size - n
	copy(dst.treePage[dst.offset(dst.size()):], l.treePage[l.offset(start):l.offset(size)])
	dst.setSize(dst.size() + n)
	clear(l.treePage[l.offset(start):l.offset(size)])
	l.setSize(start)
}

// appendFrom moves every entry of src to the end of l.
func (l leafPage[K, V]) appendFrom(src leafPage[K, V]) {
	n := src.size()
	copy(l.treePage[l.offset(l.size()):], src.treePage[src.offset(0):src.offset(n)])
	l.setSize(l.size() + n)
	src.setSize(0)
}

// --- Internal page ---

type internalPage[K any] struct {
	treePage
	key Codec[K]
}

func (p internalPage[K]) slotSize() int { return p.key.Size() + childIDSize }
func (p internalPage[K]) offset(i int) int {
	return internalHeaderSize + i*p.slotSize()
}

func (p internalPage[K]) keyAt(i int) K { return p.key.Decode(p.treePage[p.offset(i):]) }
func (p internalPage[K]) setKeyAt(i int, k K) {
	p.key.Encode(p.treePage[p.offset(i):], k)
}
func (p internalPage[K]) childAt(i int) pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint64(p.treePage[p.offset(i)+p.key.Size():]))
}
func (p internalPage[K]) setChildAt(i int, id pagemanager.PageID) {
	binary.LittleEndian.PutUint64(p.treePage[p.offset(i)+p.key.Size():], uint64(id))
}
func (p internalPage[K]) setAt(i int, k K, id pagemanager.PageID) {
	p.setKeyAt(i, k)
	p.setChildAt(i, id)
}

// childIndex returns the slot whose child is id, or -1.
func (p internalPage[K]) childIndex(id pagemanager.PageID) int {
	for i := 0; i < p.size(); i++ {
		if p.childAt(i) == id {
			return i
		}
	}
	return -1
}

// lookup returns the slot of the child whose subtree may hold k: the largest i >= 1
// with keyAt(i) <= k, or 0.
func (p internalPage[K]) lookup(k K, order Order[K]) int {
	lo, hi := 1, p.size()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if order(p.keyAt(mid), k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func (p internalPage[K]) insertAt(i int, k K, id pagemanager.PageID) {
	n := p.size()
	copy(p.treePage[p.offset(i+1):p.offset(n+1)], p.treePage[p.offset(i):p.offset(n)])
	p.setAt(i, k, id)
	p.setSize(n + 1)
}

func (p internalPage[K]) removeAt(i int) {
	n := p.size()
	copy(p.treePage[p.offset(i):p.offset(n-1)], p.treePage[p.offset(i+1):p.offset(n)])
	clear(p.treePage[p.offset(n-1):p.offset(n)])
	p.setSize(n - 1)
}

func (p internalPage[K]) appendSlot(k K, id pagemanager.PageID) {
	p.insertAt(p.size(), k, id)
}

// moveTailTo moves the last n slots to the (empty) internal page dst.
func (p internalPage[K]) moveTailTo(dst internalPage[K], n int) {
	size := p.size()
	start := size - n
	copy(dst.treePage[dst.offset(0):], p.treePage[p.offset(start):p.offset(size)])
	dst.setSize(n)
	clear(p.treePage[p.offset(start):p.offset(size)])
	p.setSize(start)
}

// --- Header page ---

func headerRootID(data []byte) pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint64(data[headerRootOffset:]))
}

func setHeaderRootID(data []byte, id pagemanager.PageID) {
	binary.LittleEndian.PutUint64(data[headerRootOffset:], uint64(id))
}
