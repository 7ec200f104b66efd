package btree

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

type operation int

const (
	opRead operation = iota
	opInsert
	opRemove
	opUpdate
)

// BPlusTree is a disk-resident B+ tree over buffer pool pages. Keys are unique.
//
// Readers crab down with shared page latches. Writers take the root latch and then
// exclusive page latches, releasing every ancestor as soon as they reach a node that
// cannot split (insert) or underflow (remove).
type BPlusTree[K any, V any] struct {
	name            string
	headerPageID    pagemanager.PageID
	bpm             *memtable.BufferPoolManager
	keyOrder        Order[K]
	codec           KeyValueCodec[K, V]
	leafMaxSize     int
	internalMaxSize int
	rootLatch       sync.RWMutex
	logger          *zap.Logger
}

// AllocateHeaderPage reserves a fresh page to hold a tree's root page id.
func AllocateHeaderPage(bpm *memtable.BufferPoolManager) (pagemanager.PageID, error) {
	g, err := bpm.NewPageGuarded()
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("failed to allocate header page: %w", err)
	}
	defer g.Drop()
	setHeaderRootID(g.DataMut(), pagemanager.InvalidPageID)
	return g.PageID(), nil
}

// NewBPlusTree creates an empty tree whose root id lives in headerPageID. Any tree the
// header previously pointed at is forgotten. A max size <= 0 packs as many entries as
// fit in a page.
func NewBPlusTree[K any, V any](name string, headerPageID pagemanager.PageID, bpm *memtable.BufferPoolManager,
	keyOrder Order[K], codec KeyValueCodec[K, V], leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree[K, V], error) {
	bt, err := newBPlusTree(name, headerPageID, bpm, keyOrder, codec, leafMaxSize, internalMaxSize, logger)
	if err != nil {
		return nil, err
	}
	bt.rootLatch.Lock()
	defer bt.rootLatch.Unlock()
	if err := bt.setRootPageIDLocked(pagemanager.InvalidPageID); err != nil {
		return nil, err
	}
	bt.logger.Info("Created B+ tree",
		zap.Uint64("header_page_id", uint64(headerPageID)),
		zap.Int("leaf_max_size", bt.leafMaxSize),
		zap.Int("internal_max_size", bt.internalMaxSize))
	return bt, nil
}

// OpenBPlusTree attaches to the tree already recorded in headerPageID. Max sizes
// stored in the existing pages win over leafMaxSize and internalMaxSize.
func OpenBPlusTree[K any, V any](name string, headerPageID pagemanager.PageID, bpm *memtable.BufferPoolManager,
	keyOrder Order[K], codec KeyValueCodec[K, V], leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree[K, V], error) {
	bt, err := newBPlusTree(name, headerPageID, bpm, keyOrder, codec, leafMaxSize, internalMaxSize, logger)
	if err != nil {
		return nil, err
	}
	rootID, err := bt.GetRootPageId()
	if err != nil {
		return nil, err
	}
	if rootID != pagemanager.InvalidPageID {
		if err := bt.adoptStoredSizes(rootID); err != nil {
			return nil, err
		}
	}
	bt.logger.Info("Opened B+ tree",
		zap.Uint64("header_page_id", uint64(headerPageID)),
		zap.Uint64("root_page_id", uint64(rootID)),
		zap.Int("leaf_max_size", bt.leafMaxSize),
		zap.Int("internal_max_size", bt.internalMaxSize))
	return bt, nil
}

// adoptStoredSizes walks the leftmost path from rootID and takes the max sizes the
// existing pages were written with. Split and safety checks must agree with the
// sizes stored in each page, so requested sizes only apply to a level with no pages.
func (bt *BPlusTree[K, V]) adoptStoredSizes(rootID pagemanager.PageID) error {
	pageID := rootID
	for {
		g, err := bt.bpm.FetchPageRead(pageID)
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", pageID, err)
		}
		p := treePage(g.Data())
		t, stored := p.pageType(), p.maxSize()
		var child pagemanager.PageID
		if t == InternalPage {
			child = bt.asInternal(g.Data()).childAt(0)
		}
		g.Drop()

		var current *int
		switch t {
		case LeafPage:
			current = &bt.leafMaxSize
		case InternalPage:
			current = &bt.internalMaxSize
		default:
			return corrupted(pageID, "unexpected page type %s", t)
		}
		if stored != *current {
			bt.logger.Warn("Requested max size differs from stored pages, using stored",
				zap.Stringer("page_type", t),
				zap.Int("requested", *current),
				zap.Int("stored", stored))
			*current = stored
		}
		if t == LeafPage {
			break
		}
		pageID = child
	}

	leafCapacity, internalCapacity := bt.capacities()
	if bt.leafMaxSize < 2 || bt.leafMaxSize > leafCapacity ||
		bt.internalMaxSize < 3 || bt.internalMaxSize > internalCapacity {
		return fmt.Errorf("%w: stored leaf max %d (fits %d), internal max %d (fits %d)",
			flushmanager.ErrMaxKeysOrChildrenExceeded, bt.leafMaxSize, leafCapacity, bt.internalMaxSize, internalCapacity)
	}
	return nil
}

// capacities returns how many leaf entries and internal slots fit in one page.
func (bt *BPlusTree[K, V]) capacities() (leaf, internal int) {
	return pageCapacities(bt.bpm.GetPageSize(), bt.codec)
}

func pageCapacities[K any, V any](pageSize int, codec KeyValueCodec[K, V]) (leaf, internal int) {
	leaf = (pageSize - leafHeaderSize) / (codec.Key.Size() + codec.Value.Size())
	// An internal page briefly holds one slot over its max before splitting.
	internal = (pageSize-internalHeaderSize)/(codec.Key.Size()+childIDSize) - 1
	return leaf, internal
}

func newBPlusTree[K any, V any](name string, headerPageID pagemanager.PageID, bpm *memtable.BufferPoolManager,
	keyOrder Order[K], codec KeyValueCodec[K, V], leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree[K, V], error) {
	if bpm == nil || headerPageID == pagemanager.InvalidPageID {
		return nil, flushmanager.ErrBTreeNotInitializedProperly
	}
	if keyOrder == nil {
		return nil, fmt.Errorf("%w: keyOrder function must be provided", flushmanager.ErrBTreeNotInitializedProperly)
	}
	if codec.Key == nil || codec.Value == nil {
		return nil, fmt.Errorf("%w: key and value codecs must be provided", flushmanager.ErrBTreeNotInitializedProperly)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pageSize := bpm.GetPageSize()
	leafCapacity, internalCapacity := pageCapacities(pageSize, codec)
	if leafMaxSize <= 0 {
		leafMaxSize = leafCapacity
	}
	if internalMaxSize <= 0 {
		internalMaxSize = internalCapacity
	}
	if leafMaxSize > leafCapacity || internalMaxSize > internalCapacity {
		return nil, fmt.Errorf("%w: leaf max %d (fits %d), internal max %d (fits %d) with page size %d",
			flushmanager.ErrMaxKeysOrChildrenExceeded, leafMaxSize, leafCapacity, internalMaxSize, internalCapacity, pageSize)
	}
	if leafMaxSize < 2 || internalMaxSize < 3 {
		return nil, fmt.Errorf("leaf max size must be >= 2 and internal max size >= 3, got %d and %d", leafMaxSize, internalMaxSize)
	}

	return &BPlusTree[K, V]{
		name:            name,
		headerPageID:    headerPageID,
		bpm:             bpm,
		keyOrder:        keyOrder,
		codec:           codec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		logger:          logger.Named("btree").With(zap.String("index", name)),
	}, nil
}

func (bt *BPlusTree[K, V]) Name() string         { return bt.name }
func (bt *BPlusTree[K, V]) LeafMaxSize() int     { return bt.leafMaxSize }
func (bt *BPlusTree[K, V]) InternalMaxSize() int { return bt.internalMaxSize }

func (bt *BPlusTree[K, V]) leafMinSize() int     { return bt.leafMaxSize / 2 }
func (bt *BPlusTree[K, V]) internalMinSize() int { return (bt.internalMaxSize + 1) / 2 }

func (bt *BPlusTree[K, V]) asLeaf(data []byte) leafPage[K, V] {
	return leafPage[K, V]{treePage: data, codec: bt.codec}
}

func (bt *BPlusTree[K, V]) asInternal(data []byte) internalPage[K] {
	return internalPage[K]{treePage: data, key: bt.codec.Key}
}

// rootPageIDLocked reads the header page. The caller must hold the root latch.
func (bt *BPlusTree[K, V]) rootPageIDLocked() (pagemanager.PageID, error) {
	g, err := bt.bpm.FetchPageBasic(bt.headerPageID)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("failed to read header page %d: %w", bt.headerPageID, err)
	}
	defer g.Drop()
	return headerRootID(g.Data()), nil
}

// setRootPageIDLocked rewrites the header page. The caller must hold the root latch
// exclusively.
func (bt *BPlusTree[K, V]) setRootPageIDLocked(id pagemanager.PageID) error {
	g, err := bt.bpm.FetchPageBasic(bt.headerPageID)
	if err != nil {
		return fmt.Errorf("failed to update header page %d: %w", bt.headerPageID, err)
	}
	defer g.Drop()
	setHeaderRootID(g.DataMut(), id)
	bt.logger.Debug("Root page changed", zap.Uint64("root_page_id", uint64(id)))
	return nil
}

// GetRootPageId returns the current root page id, InvalidPageID for an empty tree.
func (bt *BPlusTree[K, V]) GetRootPageId() (pagemanager.PageID, error) {
	bt.rootLatch.RLock()
	defer bt.rootLatch.RUnlock()
	return bt.rootPageIDLocked()
}

func (bt *BPlusTree[K, V]) IsEmpty() (bool, error) {
	root, err := bt.GetRootPageId()
	if err != nil {
		return false, err
	}
	return root == pagemanager.InvalidPageID, nil
}

// isSafe reports whether op cannot propagate a structural change above p.
func (bt *BPlusTree[K, V]) isSafe(p treePage, op operation, isRoot bool) bool {
	switch op {
	case opRead, opUpdate:
		return true
	case opInsert:
		if p.isLeaf() {
			return p.size() < p.maxSize()-1
		}
		return p.size() < p.maxSize()
	case opRemove:
		if isRoot {
			if p.isLeaf() {
				return p.size() > 1
			}
			return p.size() > 2
		}
		return p.size() > p.minSize()
	}
	return false
}

func corrupted(pageID pagemanager.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", flushmanager.ErrTreeCorrupted, pageID, fmt.Sprintf(format, args...))
}

// --- Search ---

// GetValue returns every value stored under key.
func (bt *BPlusTree[K, V]) GetValue(key K) ([]V, bool, error) {
	g, err := bt.findLeafRead(func(p internalPage[K]) int { return p.lookup(key, bt.keyOrder) })
	if err != nil || g == nil {
		return nil, false, err
	}
	defer g.Drop()

	leaf := bt.asLeaf(g.Data())
	var result []V
	for i := leaf.lowerBound(key, bt.keyOrder); i < leaf.size() && bt.keyOrder(leaf.keyAt(i), key) == 0; i++ {
		result = append(result, leaf.valueAt(i))
	}
	return result, len(result) > 0, nil
}

// findLeafRead crabs from the root to a leaf with shared latches, choosing each child
// with pick. It returns nil for an empty tree.
func (bt *BPlusTree[K, V]) findLeafRead(pick func(internalPage[K]) int) (*memtable.ReadPageGuard, error) {
	bt.rootLatch.RLock()
	rootID, err := bt.rootPageIDLocked()
	if err != nil || rootID == pagemanager.InvalidPageID {
		bt.rootLatch.RUnlock()
		return nil, err
	}
	g, err := bt.bpm.FetchPageRead(rootID)
	bt.rootLatch.RUnlock()
	if err != nil {
		return nil, err
	}

	for {
		p := treePage(g.Data())
		switch p.pageType() {
		case LeafPage:
			return g, nil
		case InternalPage:
		default:
			id := g.PageID()
			g.Drop()
			return nil, corrupted(id, "unexpected page type %s", p.pageType())
		}
		node := bt.asInternal(g.Data())
		child, err := bt.bpm.FetchPageRead(node.childAt(pick(node)))
		g.Drop()
		if err != nil {
			return nil, err
		}
		g = child
	}
}

// descendForWrite walks from rootID to the leaf for key with exclusive latches,
// leaving the leaf on top of ctx.
func (bt *BPlusTree[K, V]) descendForWrite(ctx *latchContext, rootID pagemanager.PageID, key K, op operation) error {
	pageID := rootID
	isRoot := true
	for {
		g, err := bt.bpm.FetchPageWrite(pageID)
		if err != nil {
			return err
		}
		p := treePage(g.Data())
		if t := p.pageType(); t != LeafPage && t != InternalPage {
			g.Drop()
			return corrupted(pageID, "unexpected page type %s", t)
		}
		if bt.isSafe(p, op, isRoot) {
			ctx.releaseAll()
		}
		ctx.push(g)
		if p.isLeaf() {
			return nil
		}
		node := bt.asInternal(g.Data())
		pageID = node.childAt(node.lookup(key, bt.keyOrder))
		isRoot = false
	}
}

// --- Insertion ---

// Insert adds key/value. It returns false if key is already present.
func (bt *BPlusTree[K, V]) Insert(key K, value V) (bool, error) {
	bt.rootLatch.Lock()
	ctx := newLatchContext(&bt.rootLatch)
	defer ctx.releaseAll()

	rootID, err := bt.rootPageIDLocked()
	if err != nil {
		return false, err
	}
	if rootID == pagemanager.InvalidPageID {
		if err := bt.startNewTree(key, value); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := bt.descendForWrite(ctx, rootID, key, opInsert); err != nil {
		return false, err
	}
	leafGuard := ctx.back()
	leaf := bt.asLeaf(leafGuard.Data())
	idx := leaf.lowerBound(key, bt.keyOrder)
	if idx < leaf.size() && bt.keyOrder(leaf.keyAt(idx), key) == 0 {
		return false, nil
	}

	leaf = bt.asLeaf(leafGuard.DataMut())
	leaf.insertAt(idx, key, value)
	if leaf.size() < bt.leafMaxSize {
		return true, nil
	}

	newGuard, err := bt.bpm.NewPageGuarded()
	if err != nil {
		leaf.removeAt(idx)
		return false, fmt.Errorf("splitting leaf %d: %w", leafGuard.PageID(), err)
	}
	newLeaf := bt.asLeaf(newGuard.DataMut())
	newLeaf.init(LeafPage, bt.leafMaxSize, bt.leafMinSize())
	leaf.moveTailTo(newLeaf, (bt.leafMaxSize+1)/2)
	newLeaf.setNextPageID(leaf.nextPageID())
	leaf.setNextPageID(newGuard.PageID())
	separator := newLeaf.keyAt(0)
	rightID := newGuard.PageID()
	newGuard.Drop()
	bt.logger.Debug("Split leaf",
		zap.Uint64("page_id", uint64(leafGuard.PageID())),
		zap.Uint64("new_page_id", uint64(rightID)))

	if err := bt.insertIntoParent(ctx, len(ctx.writeSet)-1, separator, rightID); err != nil {
		return false, err
	}
	return true, nil
}

// Update overwrites the value stored under key without changing the tree's shape. It
// returns false if key is absent.
func (bt *BPlusTree[K, V]) Update(key K, value V) (bool, error) {
	bt.rootLatch.Lock()
	ctx := newLatchContext(&bt.rootLatch)
	defer ctx.releaseAll()

	rootID, err := bt.rootPageIDLocked()
	if err != nil || rootID == pagemanager.InvalidPageID {
		return false, err
	}
	if err := bt.descendForWrite(ctx, rootID, key, opUpdate); err != nil {
		return false, err
	}
	leafGuard := ctx.back()
	leaf := bt.asLeaf(leafGuard.Data())
	idx := leaf.lowerBound(key, bt.keyOrder)
	if idx >= leaf.size() || bt.keyOrder(leaf.keyAt(idx), key) != 0 {
		return false, nil
	}
	bt.asLeaf(leafGuard.DataMut()).setAt(idx, key, value)
	return true, nil
}

func (bt *BPlusTree[K, V]) startNewTree(key K, value V) error {
	g, err := bt.bpm.NewPageGuarded()
	if err != nil {
		return fmt.Errorf("failed to allocate root leaf: %w", err)
	}
	leaf := bt.asLeaf(g.DataMut())
	leaf.init(LeafPage, bt.leafMaxSize, bt.leafMinSize())
	leaf.setNextPageID(pagemanager.InvalidPageID)
	leaf.insertAt(0, key, value)
	rootID := g.PageID()
	g.Drop()
	return bt.setRootPageIDLocked(rootID)
}

// insertIntoParent links rightID, split off ctx.writeSet[childIdx], into the parent,
// splitting parents upward as long as they overflow.
func (bt *BPlusTree[K, V]) insertIntoParent(ctx *latchContext, childIdx int, key K, rightID pagemanager.PageID) error {
	for {
		leftID := ctx.writeSet[childIdx].PageID()
		parentIdx := childIdx - 1
		if parentIdx < 0 {
			return corrupted(leftID, "split without its parent latched")
		}
		parentGuard := ctx.writeSet[parentIdx]
		if parentGuard == nil {
			return bt.growRoot(leftID, key, rightID)
		}

		parent := bt.asInternal(parentGuard.DataMut())
		pos := parent.childIndex(leftID)
		if pos < 0 {
			return corrupted(parentGuard.PageID(), "child %d not found", leftID)
		}
		parent.insertAt(pos+1, key, rightID)
		if parent.size() <= bt.internalMaxSize {
			return nil
		}

		newGuard, err := bt.bpm.NewPageGuarded()
		if err != nil {
			parent.removeAt(pos + 1)
			return fmt.Errorf("splitting internal page %d: %w", parentGuard.PageID(), err)
		}
		sibling := bt.asInternal(newGuard.DataMut())
		sibling.init(InternalPage, bt.internalMaxSize, bt.internalMinSize())
		parent.moveTailTo(sibling, (bt.internalMaxSize+1)/2)
		key = sibling.keyAt(0)
		rightID = newGuard.PageID()
		newGuard.Drop()
		bt.logger.Debug("Split internal page",
			zap.Uint64("page_id", uint64(parentGuard.PageID())),
			zap.Uint64("new_page_id", uint64(rightID)))
		childIdx = parentIdx
	}
}

// growRoot replaces the root with a new internal page over leftID and rightID.
func (bt *BPlusTree[K, V]) growRoot(leftID pagemanager.PageID, key K, rightID pagemanager.PageID) error {
	g, err := bt.bpm.NewPageGuarded()
	if err != nil {
		return fmt.Errorf("failed to allocate new root: %w", err)
	}
	root := bt.asInternal(g.DataMut())
	root.init(InternalPage, bt.internalMaxSize, bt.internalMinSize())
	root.appendSlot(key, leftID)
	root.appendSlot(key, rightID)
	rootID := g.PageID()
	g.Drop()
	return bt.setRootPageIDLocked(rootID)
}

// --- Removal ---

// Remove deletes key. Removing an absent key is a no-op.
func (bt *BPlusTree[K, V]) Remove(key K) error {
	bt.rootLatch.Lock()
	ctx := newLatchContext(&bt.rootLatch)
	defer ctx.releaseAll()

	rootID, err := bt.rootPageIDLocked()
	if err != nil || rootID == pagemanager.InvalidPageID {
		return err
	}
	if err := bt.descendForWrite(ctx, rootID, key, opRemove); err != nil {
		return err
	}
	leafGuard := ctx.back()
	leaf := bt.asLeaf(leafGuard.Data())
	idx := leaf.lowerBound(key, bt.keyOrder)
	if idx >= leaf.size() || bt.keyOrder(leaf.keyAt(idx), key) != 0 {
		return nil
	}
	leaf = bt.asLeaf(leafGuard.DataMut())
	leaf.removeAt(idx)

	var freed []pagemanager.PageID
	err = bt.rebalance(ctx, &freed)
	ctx.releaseAll()
	bt.deletePages(freed)
	return err
}

// rebalance fixes underflow from the top of ctx upward by borrowing from a sibling or
// merging with one. Pages merged away are appended to freed once unlatched.
func (bt *BPlusTree[K, V]) rebalance(ctx *latchContext, freed *[]pagemanager.PageID) error {
	for {
		idx := len(ctx.writeSet) - 1
		if idx < 0 {
			return nil
		}
		g := ctx.writeSet[idx]
		if g == nil {
			return nil
		}
		if idx == 1 && ctx.holdsRootLatch() {
			return bt.adjustRoot(ctx, freed)
		}
		node := treePage(g.Data())
		if idx == 0 || node.size() >= node.minSize() {
			return nil
		}

		parentGuard := ctx.writeSet[idx-1]
		parent := bt.asInternal(parentGuard.DataMut())
		pos := parent.childIndex(g.PageID())
		if pos < 0 {
			return corrupted(parentGuard.PageID(), "child %d not found", g.PageID())
		}

		var leftGuard, rightGuard *memtable.WritePageGuard
		if pos > 0 {
			lg, err := bt.bpm.FetchPageWrite(parent.childAt(pos - 1))
			if err != nil {
				return err
			}
			if sib := treePage(lg.Data()); sib.size() > sib.minSize() {
				bt.borrowFromLeft(g, lg, parent, pos)
				lg.Drop()
				return nil
			}
			leftGuard = lg
		}
		if pos+1 < parent.size() {
			rg, err := bt.bpm.FetchPageWrite(parent.childAt(pos + 1))
			if err != nil {
				if leftGuard != nil {
					leftGuard.Drop()
				}
				return err
			}
			if sib := treePage(rg.Data()); sib.size() > sib.minSize() {
				if leftGuard != nil {
					leftGuard.Drop()
				}
				bt.borrowFromRight(g, rg, parent, pos)
				rg.Drop()
				return nil
			}
			rightGuard = rg
		}

		switch {
		case leftGuard != nil:
			if rightGuard != nil {
				rightGuard.Drop()
			}
			bt.merge(leftGuard, g, parent, pos)
			leftGuard.Drop()
			*freed = append(*freed, g.PageID())
		case rightGuard != nil:
			bt.merge(g, rightGuard, parent, pos+1)
			*freed = append(*freed, rightGuard.PageID())
			rightGuard.Drop()
		default:
			return corrupted(g.PageID(), "non-root page has no siblings")
		}
		ctx.popBack()
	}
}

// adjustRoot empties the tree when the root leaf has no entries left, and collapses an
// internal root with a single child into that child.
func (bt *BPlusTree[K, V]) adjustRoot(ctx *latchContext, freed *[]pagemanager.PageID) error {
	g := ctx.back()
	root := treePage(g.Data())
	var newRoot pagemanager.PageID
	switch {
	case root.isLeaf() && root.size() == 0:
		newRoot = pagemanager.InvalidPageID
	case !root.isLeaf() && root.size() == 1:
		newRoot = bt.asInternal(g.Data()).childAt(0)
	default:
		return nil
	}
	if err := bt.setRootPageIDLocked(newRoot); err != nil {
		return err
	}
	*freed = append(*freed, g.PageID())
	ctx.popBack()
	return nil
}

func (bt *BPlusTree[K, V]) borrowFromLeft(node, left *memtable.WritePageGuard, parent internalPage[K], pos int) {
	if treePage(node.Data()).isLeaf() {
		n, l := bt.asLeaf(node.DataMut()), bt.asLeaf(left.DataMut())
		last := l.size() - 1
		n.insertAt(0, l.keyAt(last), l.valueAt(last))
		l.removeAt(last)
		parent.setKeyAt(pos, n.keyAt(0))
		return
	}
	n, l := bt.asInternal(node.DataMut()), bt.asInternal(left.DataMut())
	last := l.size() - 1
	n.insertAt(1, parent.keyAt(pos), n.childAt(0))
	n.setChildAt(0, l.childAt(last))
	parent.setKeyAt(pos, l.keyAt(last))
	l.removeAt(last)
}

func (bt *BPlusTree[K, V]) borrowFromRight(node, right *memtable.WritePageGuard, parent internalPage[K], pos int) {
	if treePage(node.Data()).isLeaf() {
		n, r := bt.asLeaf(node.DataMut()), bt.asLeaf(right.DataMut())
		n.insertAt(n.size(), r.keyAt(0), r.valueAt(0))
		r.removeAt(0)
		parent.setKeyAt(pos+1, r.keyAt(0))
		return
	}
	n, r := bt.asInternal(node.DataMut()), bt.asInternal(right.DataMut())
	n.appendSlot(parent.keyAt(pos+1), r.childAt(0))
	parent.setKeyAt(pos+1, r.keyAt(1))
	r.setChildAt(0, r.childAt(1))
	r.removeAt(1)
}

// merge moves everything in right into left and drops right's slot from parent.
func (bt *BPlusTree[K, V]) merge(left, right *memtable.WritePageGuard, parent internalPage[K], rightPos int) {
	if treePage(left.Data()).isLeaf() {
		l, r := bt.asLeaf(left.DataMut()), bt.asLeaf(right.DataMut())
		l.appendFrom(r)
		l.setNextPageID(r.nextPageID())
	} else {
		l, r := bt.asInternal(left.DataMut()), bt.asInternal(right.DataMut())
		l.appendSlot(parent.keyAt(rightPos), r.childAt(0))
		for i := 1; i < r.size(); i++ {
			l.appendSlot(r.keyAt(i), r.childAt(i))
		}
		r.setSize(0)
	}
	parent.removeAt(rightPos)
	bt.logger.Debug("Merged pages",
		zap.Uint64("left_page_id", uint64(left.PageID())),
		zap.Uint64("right_page_id", uint64(right.PageID())))
}

// deletePages returns merged-away pages to the buffer pool. A page still pinned by a
// concurrent iterator is left allocated.
func (bt *BPlusTree[K, V]) deletePages(ids []pagemanager.PageID) {
	for _, id := range ids {
		ok, err := bt.bpm.DeletePage(id)
		if err != nil {
			bt.logger.Error("Failed to delete page", zap.Uint64("page_id", uint64(id)), zap.Error(err))
			continue
		}
		if !ok {
			bt.logger.Warn("Page still pinned, leaving it allocated", zap.Uint64("page_id", uint64(id)))
		}
	}
}

// --- Debugging ---

// String renders the tree level by level for debugging.
func (bt *BPlusTree[K, V]) String() string {
	bt.rootLatch.RLock()
	rootID, err := bt.rootPageIDLocked()
	bt.rootLatch.RUnlock()
	if err != nil {
		return fmt.Sprintf("Error generating string: %v\n", err)
	}
	if rootID == pagemanager.InvalidPageID {
		return fmt.Sprintf("BPlusTree %q (empty)\n", bt.name)
	}
	var sb strings.Builder
	if err := bt.stringRecursive(&sb, rootID, 0); err != nil {
		fmt.Fprintf(&sb, "Error generating string: %v\n", err)
	}
	return sb.String()
}

func (bt *BPlusTree[K, V]) stringRecursive(sb *strings.Builder, pageID pagemanager.PageID, level int) error {
	g, err := bt.bpm.FetchPageRead(pageID)
	if err != nil {
		return fmt.Errorf("stringRecursive failed to fetch page %d: %w", pageID, err)
	}
	defer g.Drop()

	indent := strings.Repeat("  ", level)
	p := treePage(g.Data())
	if p.isLeaf() {
		leaf := bt.asLeaf(g.Data())
		keys := make([]K, leaf.size())
		for i := range keys {
			keys[i] = leaf.keyAt(i)
		}
		fmt.Fprintf(sb, "%sLeaf %d (size %d/%d, next %d): %v\n", indent, pageID, leaf.size(), leaf.maxSize(), leaf.nextPageID(), keys)
		return nil
	}
	if p.pageType() != InternalPage {
		return corrupted(pageID, "unexpected page type %s", p.pageType())
	}

	node := bt.asInternal(g.Data())
	keys := make([]K, 0, node.size())
	children := make([]pagemanager.PageID, node.size())
	for i := 0; i < node.size(); i++ {
		if i > 0 {
			keys = append(keys, node.keyAt(i))
		}
		children[i] = node.childAt(i)
	}
	fmt.Fprintf(sb, "%sInternal %d (size %d/%d): keys %v children %v\n", indent, pageID, node.size(), node.maxSize(), keys, children)
	var errs []error
	for _, child := range children {
		if err := bt.stringRecursive(sb, child, level+1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
