package btree

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const testPageSize = 256

var int64Codec = KeyValueCodec[int64, int64]{Key: Int64Codec{}, Value: Int64Codec{}}

// --- Test Helpers ---

func setupTree(t *testing.T, poolSize, leafMax, internalMax int) (*BPlusTree[int64, int64], *memtable.BufferPoolManager) {
	t.Helper()
	disk := flushmanager.NewMemoryDiskManager(testPageSize)
	bpm, err := memtable.NewBufferPoolManager(poolSize, 2, disk, zap.NewNop())
	require.NoError(t, err)
	header, err := AllocateHeaderPage(bpm)
	require.NoError(t, err)
	bt, err := NewBPlusTree("test_index", header, bpm, DefaultKeyOrder[int64], int64Codec, leafMax, internalMax, zap.NewNop())
	require.NoError(t, err)
	return bt, bpm
}

func mustInsert(t *testing.T, bt *BPlusTree[int64, int64], key int64) {
	t.Helper()
	ok, err := bt.Insert(key, key*10)
	require.NoError(t, err)
	require.True(t, ok, "insert %d", key)
}

func treeHeight(t *testing.T, bt *BPlusTree[int64, int64]) int {
	t.Helper()
	id, err := bt.GetRootPageId()
	require.NoError(t, err)
	height := 0
	for id != pagemanager.InvalidPageID {
		height++
		g, err := bt.bpm.FetchPageRead(id)
		require.NoError(t, err)
		p := treePage(g.Data())
		if p.isLeaf() {
			id = pagemanager.InvalidPageID
		} else {
			id = bt.asInternal(g.Data()).childAt(0)
		}
		g.Drop()
	}
	return height
}

// checkTree verifies the structural invariants of bt and returns its keys in leaf order.
func checkTree(t *testing.T, bt *BPlusTree[int64, int64]) []int64 {
	t.Helper()
	rootID, err := bt.GetRootPageId()
	require.NoError(t, err)
	if rootID == pagemanager.InvalidPageID {
		return nil
	}

	var keys []int64
	var leaves []pagemanager.PageID
	var nexts []pagemanager.PageID
	leafDepth := -1

	var walk func(id pagemanager.PageID, lo, hi *int64, depth int)
	walk = func(id pagemanager.PageID, lo, hi *int64, depth int) {
		g, err := bt.bpm.FetchPageRead(id)
		require.NoError(t, err)
		defer g.Drop()
		isRoot := id == rootID
		inRange := func(k int64) {
			if lo != nil {
				require.GreaterOrEqual(t, k, *lo, "page %d", id)
			}
			if hi != nil {
				require.Less(t, k, *hi, "page %d", id)
			}
		}

		p := treePage(g.Data())
		if p.isLeaf() {
			leaf := bt.asLeaf(g.Data())
			if leafDepth == -1 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaves at different depths")
			require.Less(t, leaf.size(), bt.leafMaxSize, "leaf %d overfull", id)
			if isRoot {
				require.Positive(t, leaf.size())
			} else {
				require.GreaterOrEqual(t, leaf.size(), bt.leafMinSize(), "leaf %d underfull", id)
			}
			for i := 0; i < leaf.size(); i++ {
				k := leaf.keyAt(i)
				inRange(k)
				if i > 0 {
					require.Less(t, leaf.keyAt(i-1), k)
				}
				require.Equal(t, k*10, leaf.valueAt(i))
				keys = append(keys, k)
			}
			leaves = append(leaves, id)
			nexts = append(nexts, leaf.nextPageID())
			return
		}

		require.Equal(t, InternalPage, p.pageType())
		node := bt.asInternal(g.Data())
		require.LessOrEqual(t, node.size(), bt.internalMaxSize, "internal %d overfull", id)
		if isRoot {
			require.GreaterOrEqual(t, node.size(), 2)
		} else {
			require.GreaterOrEqual(t, node.size(), bt.internalMinSize(), "internal %d underfull", id)
		}
		for i := 1; i < node.size(); i++ {
			inRange(node.keyAt(i))
			if i > 1 {
				require.Less(t, node.keyAt(i-1), node.keyAt(i))
			}
		}
		for i := 0; i < node.size(); i++ {
			childLo, childHi := lo, hi
			if i > 0 {
				k := node.keyAt(i)
				childLo = &k
			}
			if i+1 < node.size() {
				k := node.keyAt(i + 1)
				childHi = &k
			}
			walk(node.childAt(i), childLo, childHi, depth+1)
		}
	}
	walk(rootID, nil, nil, 0)

	for i, id := range leaves {
		if i+1 < len(leaves) {
			require.Equal(t, leaves[i+1], nexts[i], "leaf %d next pointer", id)
		} else {
			require.Equal(t, pagemanager.InvalidPageID, nexts[i], "last leaf %d next pointer", id)
		}
	}
	return keys
}

func collect(t *testing.T, it *Iterator[int64, int64]) []int64 {
	t.Helper()
	var keys []int64
	for !it.IsEnd() {
		require.Equal(t, it.Key()*10, it.Value())
		keys = append(keys, it.Key())
		require.NoError(t, it.Next())
	}
	return keys
}

func keyRange(from, to int64) []int64 {
	keys := make([]int64, 0, to-from)
	for k := from; k < to; k++ {
		keys = append(keys, k)
	}
	return keys
}

// --- Test Cases ---

func TestBPlusTree_EmptyTree(t *testing.T) {
	bt, bpm := setupTree(t, 8, 0, 0)

	empty, err := bt.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	values, found, err := bt.GetValue(42)
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, values)

	require.NoError(t, bt.Remove(42))

	it, err := bt.Begin()
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	require.True(t, it.Equal(bt.End()))
	require.Contains(t, bt.String(), "empty")
	require.Zero(t, bpm.Stats().Pinned)
}

func TestBPlusTree_DefaultSizesFillPage(t *testing.T) {
	bt, _ := setupTree(t, 8, 0, 0)
	require.Equal(t, (testPageSize-leafHeaderSize)/16, bt.LeafMaxSize())
	require.Equal(t, (testPageSize-internalHeaderSize)/16-1, bt.InternalMaxSize())
	require.Equal(t, "test_index", bt.Name())
}

func TestBPlusTree_RejectsSizesThatDoNotFit(t *testing.T) {
	disk := flushmanager.NewMemoryDiskManager(testPageSize)
	bpm, err := memtable.NewBufferPoolManager(8, 2, disk, zap.NewNop())
	require.NoError(t, err)
	header, err := AllocateHeaderPage(bpm)
	require.NoError(t, err)

	_, err = NewBPlusTree("big_leaf", header, bpm, DefaultKeyOrder[int64], int64Codec, 100, 0, nil)
	require.ErrorIs(t, err, flushmanager.ErrMaxKeysOrChildrenExceeded)

	_, err = NewBPlusTree("big_internal", header, bpm, DefaultKeyOrder[int64], int64Codec, 0, 100, nil)
	require.ErrorIs(t, err, flushmanager.ErrMaxKeysOrChildrenExceeded)

	_, err = NewBPlusTree("tiny", header, bpm, DefaultKeyOrder[int64], int64Codec, 1, 3, nil)
	require.Error(t, err)

	_, err = NewBPlusTree("no_header", pagemanager.InvalidPageID, bpm, DefaultKeyOrder[int64], int64Codec, 0, 0, nil)
	require.ErrorIs(t, err, flushmanager.ErrBTreeNotInitializedProperly)

	_, err = NewBPlusTree[int64, int64]("no_order", header, bpm, nil, int64Codec, 0, 0, nil)
	require.ErrorIs(t, err, flushmanager.ErrBTreeNotInitializedProperly)
}

func TestBPlusTree_DuplicateInsertIsRejected(t *testing.T) {
	bt, _ := setupTree(t, 8, 0, 0)
	mustInsert(t, bt, 7)

	ok, err := bt.Insert(7, 999)
	require.NoError(t, err)
	require.False(t, ok)

	values, found, err := bt.GetValue(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int64{70}, values)
}

func TestBPlusTree_SequentialInsertSmallNodes(t *testing.T) {
	bt, bpm := setupTree(t, 64, 2, 3)

	prevRoot := pagemanager.InvalidPageID
	prevHeight := 0
	for k := int64(1); k < 1000; k++ {
		mustInsert(t, bt, k)
		root, err := bt.GetRootPageId()
		require.NoError(t, err)
		height := treeHeight(t, bt)
		if root != prevRoot {
			require.Greater(t, height, prevHeight, "root changed without growing at key %d", k)
		} else {
			require.Equal(t, prevHeight, height)
		}
		prevRoot, prevHeight = root, height
	}

	for k := int64(1); k < 1000; k++ {
		values, found, err := bt.GetValue(k)
		require.NoError(t, err)
		require.True(t, found, "key %d", k)
		require.Equal(t, []int64{k * 10}, values)
	}
	require.Equal(t, keyRange(1, 1000), checkTree(t, bt))
	require.Zero(t, bpm.Stats().Pinned)
}

func TestBPlusTree_ReverseInsertAndRemoveAll(t *testing.T) {
	bt, bpm := setupTree(t, 64, 3, 4)

	for k := int64(500); k > 0; k-- {
		mustInsert(t, bt, k)
	}
	require.Equal(t, keyRange(1, 501), checkTree(t, bt))

	for k := int64(1); k <= 500; k++ {
		require.NoError(t, bt.Remove(k))
		if k%50 == 0 {
			require.Equal(t, keyRange(k+1, 501), checkTree(t, bt))
		}
	}

	empty, err := bt.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
	require.Zero(t, bpm.Stats().Pinned)
	require.Positive(t, bpm.Stats().ReclaimedIDs, "merged pages are returned to the pool")

	// The tree is reusable after emptying.
	mustInsert(t, bt, 1)
	require.Equal(t, []int64{1}, checkTree(t, bt))
}

func TestBPlusTree_UpdateInPlace(t *testing.T) {
	bt, bpm := setupTree(t, 32, 3, 3)
	ok, err := bt.Update(1, 10)
	require.NoError(t, err)
	require.False(t, ok, "update on empty tree")

	for k := int64(1); k <= 30; k++ {
		mustInsert(t, bt, k)
	}
	root, err := bt.GetRootPageId()
	require.NoError(t, err)

	ok, err = bt.Update(17, 999)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = bt.Update(31, 1)
	require.NoError(t, err)
	require.False(t, ok)

	values, found, err := bt.GetValue(17)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int64{999}, values)

	after, err := bt.GetRootPageId()
	require.NoError(t, err)
	require.Equal(t, root, after)
	ok, err = bt.Update(17, 170)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keyRange(1, 31), checkTree(t, bt))
	require.Zero(t, bpm.Stats().Pinned)
}

func TestBPlusTree_RemoveAbsentKeyIsNoop(t *testing.T) {
	bt, _ := setupTree(t, 16, 2, 3)
	for k := int64(0); k < 20; k += 2 {
		mustInsert(t, bt, k)
	}
	before := bt.String()
	require.NoError(t, bt.Remove(5))
	require.NoError(t, bt.Remove(100))
	require.Equal(t, before, bt.String())
}

func TestBPlusTree_RandomInsertRemoveKeepsInvariants(t *testing.T) {
	for _, sizes := range [][2]int{{2, 3}, {3, 3}, {4, 5}, {0, 0}} {
		t.Run(fmt.Sprintf("leaf%d_internal%d", sizes[0], sizes[1]), func(t *testing.T) {
			bt, bpm := setupTree(t, 32, sizes[0], sizes[1])
			rng := rand.New(rand.NewPCG(1, uint64(sizes[0])))
			present := make(map[int64]bool)

			for step := 0; step < 3000; step++ {
				k := rng.Int64N(600)
				if rng.IntN(3) == 0 {
					require.NoError(t, bt.Remove(k))
					delete(present, k)
				} else {
					ok, err := bt.Insert(k, k*10)
					require.NoError(t, err)
					require.Equal(t, !present[k], ok, "insert %d", k)
					present[k] = true
				}
				if step%250 == 0 {
					checkTree(t, bt)
				}
			}

			want := make([]int64, 0, len(present))
			for k := range present {
				want = append(want, k)
			}
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			if len(want) == 0 {
				want = nil
			}
			require.Equal(t, want, checkTree(t, bt))

			for k := int64(0); k < 600; k++ {
				_, found, err := bt.GetValue(k)
				require.NoError(t, err)
				assert.Equal(t, present[k], found, "key %d", k)
			}
			require.Zero(t, bpm.Stats().Pinned)
		})
	}
}

func TestBPlusTree_SurvivesFlushEvictAndReopen(t *testing.T) {
	disk := flushmanager.NewMemoryDiskManager(testPageSize)
	bpm, err := memtable.NewBufferPoolManager(16, 2, disk, zap.NewNop())
	require.NoError(t, err)
	header, err := AllocateHeaderPage(bpm)
	require.NoError(t, err)
	bt, err := NewBPlusTree("persisted", header, bpm, DefaultKeyOrder[int64], int64Codec, 4, 4, zap.NewNop())
	require.NoError(t, err)

	for k := int64(0); k < 400; k++ {
		mustInsert(t, bt, (k*37)%400)
	}
	for k := int64(0); k < 400; k += 3 {
		require.NoError(t, bt.Remove(k))
	}
	want := checkTree(t, bt)
	require.NoError(t, bpm.FlushAllPages())

	reopened, err := memtable.NewBufferPoolManager(16, 2, disk, zap.NewNop())
	require.NoError(t, err)
	bt2, err := OpenBPlusTree("persisted", header, reopened, DefaultKeyOrder[int64], int64Codec, 4, 4, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, want, checkTree(t, bt2))

	it, err := bt2.Begin()
	require.NoError(t, err)
	require.Equal(t, want, collect(t, it))
}

func TestBPlusTree_ReopenKeepsStoredSizes(t *testing.T) {
	testCases := []struct {
		name         string
		keys         int64
		wantInternal int
	}{
		{name: "leaf root", keys: 3, wantInternal: 3},
		{name: "internal root", keys: 60, wantInternal: 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bt, bpm := setupTree(t, 32, 6, 4)
			for k := int64(1); k <= tc.keys; k++ {
				mustInsert(t, bt, k)
			}

			reopened, err := OpenBPlusTree("test_index", bt.headerPageID, bpm, DefaultKeyOrder[int64], int64Codec, 2, 3, zap.NewNop())
			require.NoError(t, err)
			require.Equal(t, 6, reopened.LeafMaxSize())
			require.Equal(t, tc.wantInternal, reopened.InternalMaxSize())

			for k := tc.keys + 1; k <= tc.keys+40; k++ {
				mustInsert(t, reopened, k)
			}
			require.Equal(t, keyRange(1, tc.keys+41), checkTree(t, reopened))
			require.Zero(t, bpm.Stats().Pinned)
		})
	}
}

func TestBPlusTree_NewTreeResetsHeader(t *testing.T) {
	bt, bpm := setupTree(t, 16, 0, 0)
	mustInsert(t, bt, 1)

	fresh, err := NewBPlusTree("fresh", bt.headerPageID, bpm, DefaultKeyOrder[int64], int64Codec, 0, 0, nil)
	require.NoError(t, err)
	empty, err := fresh.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestBPlusTree_StringDump(t *testing.T) {
	bt, _ := setupTree(t, 16, 2, 3)
	for k := int64(1); k <= 6; k++ {
		mustInsert(t, bt, k)
	}
	out := bt.String()
	require.Contains(t, out, "Internal")
	require.Contains(t, out, "Leaf")
	require.Contains(t, out, "[6]")
}

func TestBPlusTree_StringKeys(t *testing.T) {
	disk := flushmanager.NewMemoryDiskManager(testPageSize)
	bpm, err := memtable.NewBufferPoolManager(16, 2, disk, zap.NewNop())
	require.NoError(t, err)
	header, err := AllocateHeaderPage(bpm)
	require.NoError(t, err)
	codec := KeyValueCodec[string, RID]{Key: FixedStringCodec{Width: 16}, Value: RIDCodec{}}
	bt, err := NewBPlusTree("names", header, bpm, DefaultKeyOrder[string], codec, 3, 3, nil)
	require.NoError(t, err)

	names := []string{"mallory", "alice", "trent", "bob", "eve", "carol", "dave"}
	for i, name := range names {
		ok, err := bt.Insert(name, RID{PageID: pagemanager.PageID(i + 1), SlotNum: uint32(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	values, found, err := bt.GetValue("eve")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []RID{{PageID: 5, SlotNum: 4}}, values)

	it, err := bt.BeginAt("c")
	require.NoError(t, err)
	var got []string
	for ; !it.IsEnd(); require.NoError(t, it.Next()) {
		got = append(got, it.Key())
	}
	require.Equal(t, []string{"carol", "dave", "eve", "mallory", "trent"}, got)
}

func TestBPlusTree_ConcurrentInsertRemoveAndRead(t *testing.T) {
	bt, bpm := setupTree(t, 256, 4, 5)
	const workers = 8
	const perWorker = 300

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			base := int64(w * perWorker)
			for k := base; k < base+perWorker; k++ {
				if _, err := bt.Insert(k, k*10); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, keyRange(0, workers*perWorker), checkTree(t, bt))

	// Writers remove odd keys while readers look up even keys, which must stay visible.
	var mixed errgroup.Group
	for w := 0; w < workers; w++ {
		mixed.Go(func() error {
			base := int64(w * perWorker)
			for k := base + 1; k < base+perWorker; k += 2 {
				if err := bt.Remove(k); err != nil {
					return err
				}
			}
			return nil
		})
		mixed.Go(func() error {
			base := int64(w * perWorker)
			for k := base; k < base+perWorker; k += 2 {
				values, found, err := bt.GetValue(k)
				if err != nil {
					return err
				}
				if !found || len(values) != 1 || values[0] != k*10 {
					return fmt.Errorf("key %d: found=%v values=%v", k, found, values)
				}
			}
			return nil
		})
	}
	require.NoError(t, mixed.Wait())

	var want []int64
	for k := int64(0); k < workers*perWorker; k += 2 {
		want = append(want, k)
	}
	require.Equal(t, want, checkTree(t, bt))
	require.Zero(t, bpm.Stats().Pinned)
}
