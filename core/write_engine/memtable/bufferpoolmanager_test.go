package memtable

import (
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const testPageSize = 256

// --- Test Helpers ---

func setupBufferPool(t *testing.T, poolSize int) (*BufferPoolManager, *flushmanager.MemoryDiskManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	disk := flushmanager.NewMemoryDiskManager(testPageSize)
	bpm, err := NewBufferPoolManager(poolSize, 2, disk, logger)
	require.NoError(t, err)
	return bpm, disk
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, testPageSize)
}

func newFilledPage(t *testing.T, bpm *BufferPoolManager, b byte) pagemanager.PageID {
	t.Helper()
	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), fill(b))
	require.True(t, bpm.UnpinPage(id, true))
	return id
}

// --- Test Cases ---

func TestBufferPool_EvictsLRUKVictimAndRereadsFromDisk(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)

	a := newFilledPage(t, bpm, 'A')
	b := newFilledPage(t, bpm, 'B')
	const c pagemanager.PageID = 100
	require.NoError(t, disk.WritePage(c, fill('C')))

	page, err := bpm.FetchPage(c)
	require.NoError(t, err)
	require.Equal(t, fill('C'), page.GetData())
	require.False(t, bpm.IsResident(a), "A has the oldest first access")
	require.True(t, bpm.IsResident(b))
	require.True(t, bpm.UnpinPage(c, false))

	readsBefore := disk.Reads()
	page, err = bpm.FetchPage(a)
	require.NoError(t, err)
	require.Equal(t, fill('A'), page.GetData(), "dirty victim was written back before eviction")
	require.Equal(t, readsBefore+1, disk.Reads())
	require.False(t, bpm.IsResident(b))
	require.True(t, bpm.UnpinPage(a, false))
}

func TestBufferPool_UnpinMoreThanPinned(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	require.True(t, bpm.UnpinPage(id, false))
	require.False(t, bpm.UnpinPage(id, true))

	pins, ok := bpm.GetPinCount(id)
	require.True(t, ok)
	require.Equal(t, int32(0), pins)
	require.Equal(t, 1, bpm.EvictableCount())
	require.False(t, bpm.UnpinPage(999, false), "non-resident page")
}

func TestBufferPool_FullWhenEverythingPinned(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
	_, err = bpm.FetchPage(77)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	require.True(t, bpm.UnpinPage(id1, false))
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
}

func TestBufferPool_RepeatedFetchPinsOnce(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	id := newFilledPage(t, bpm, 1)

	for i := 0; i < 3; i++ {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}
	pins, _ := bpm.GetPinCount(id)
	require.Equal(t, int32(3), pins)
	require.Equal(t, 0, bpm.EvictableCount())
	for i := 0; i < 3; i++ {
		require.True(t, bpm.UnpinPage(id, false))
	}
	require.Equal(t, 1, bpm.EvictableCount())
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	deleted, err := bpm.DeletePage(id)
	require.NoError(t, err)
	require.False(t, deleted, "pinned pages cannot be deleted")

	require.True(t, bpm.UnpinPage(id, true))
	deleted, err = bpm.DeletePage(id)
	require.NoError(t, err)
	require.True(t, deleted)
	require.False(t, bpm.IsResident(id))
	require.Equal(t, int64(1), disk.Writes(), "dirty page is written back before its frame is freed")

	deleted, err = bpm.DeletePage(id)
	require.NoError(t, err)
	require.True(t, deleted, "deleting a non-resident page succeeds")

	stats := bpm.Stats()
	require.Equal(t, 2, stats.Free)
	require.Equal(t, 1, stats.ReclaimedIDs)

	page, reused, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, id, reused, "freed page ids are handed out again")
	require.Equal(t, make([]byte, testPageSize), page.GetData())
}

func TestBufferPool_DeleteEvictedPageReclaimsID(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	a := newFilledPage(t, bpm, 'A')
	newFilledPage(t, bpm, 'B')
	newFilledPage(t, bpm, 'C')
	require.False(t, bpm.IsResident(a))

	deleted, err := bpm.DeletePage(a)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = bpm.DeletePage(a)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = bpm.DeletePage(999)
	require.NoError(t, err)
	require.True(t, deleted)
	require.Equal(t, 1, bpm.Stats().ReclaimedIDs, "ids are reclaimed once and only if allocated")

	page, reused, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, a, reused)
	require.Equal(t, make([]byte, testPageSize), page.GetData())
}

func TestBufferPool_FailedWriteBackKeepsVictimRank(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)
	a := newFilledPage(t, bpm, 'A')
	newFilledPage(t, bpm, 'B')

	replacer := bpm.replacer.(*LRUKReplacer)
	frameA := bpm.pageTable[a]
	history := slices.Clone(replacer.nodes[frameA].history)

	require.NoError(t, disk.Close())
	_, _, err := bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrDiskClosed)

	require.True(t, bpm.IsResident(a))
	require.Equal(t, 2, bpm.EvictableCount())
	require.Equal(t, history, replacer.nodes[frameA].history, "victim keeps its access history")

	victim, ok := replacer.Evict()
	require.True(t, ok)
	require.Equal(t, frameA, victim)
}

func TestBufferPool_FlushPage(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)
	id := newFilledPage(t, bpm, 0x5A)

	flushed, err := bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, flushed)
	require.Equal(t, int64(1), disk.Writes())

	flushed, err = bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, flushed)
	require.Equal(t, int64(1), disk.Writes(), "clean page is not rewritten")

	flushed, err = bpm.FlushPage(12345)
	require.NoError(t, err)
	require.False(t, flushed)
}

func TestBufferPool_FlushAllEvictAllRefetch(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)
	ids := make([]pagemanager.PageID, 4)
	for i := range ids {
		ids[i] = newFilledPage(t, bpm, byte(i+1))
	}
	require.NoError(t, bpm.FlushAllPages())
	require.Equal(t, 0, bpm.Stats().Dirty)

	// Cycle four fresh pages through the pool to push every original page out.
	for i := 0; i < 4; i++ {
		newFilledPage(t, bpm, 0xEE)
	}
	for _, id := range ids {
		require.False(t, bpm.IsResident(id))
	}

	for i, id := range ids {
		page, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.Equal(t, fill(byte(i+1)), page.GetData())
		require.True(t, bpm.UnpinPage(id, false))
	}
}

func TestBufferPool_FetchInvalidPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	_, err := bpm.FetchPage(pagemanager.InvalidPageID)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)
}

func TestBufferPool_FileBackedRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")
	disk, err := flushmanager.NewFileDiskManager(path, testPageSize, nil)
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager(3, 2, disk, nil)
	require.NoError(t, err)

	var last pagemanager.PageID
	for i := 0; i < 5; i++ {
		last = newFilledPage(t, bpm, byte(0x30+i))
	}
	require.NoError(t, bpm.FlushAllPages())
	require.NoError(t, disk.Close())

	disk, err = flushmanager.NewFileDiskManager(path, testPageSize, nil)
	require.NoError(t, err)
	defer disk.Close()
	bpm, err = NewBufferPoolManager(3, 2, disk, nil)
	require.NoError(t, err)

	page, err := bpm.FetchPage(last)
	require.NoError(t, err)
	require.Equal(t, fill(0x34), page.GetData())
	require.True(t, bpm.UnpinPage(last, false))

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, last+1, id, "allocation resumes after the pages already on disk")
}

func TestBufferPool_EnableMetrics(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	require.NoError(t, bpm.EnableMetrics(noop.NewMeterProvider().Meter("test")))
	id := newFilledPage(t, bpm, 9)
	_, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id, false))
}

func TestBufferPool_ConcurrentFetchUnpin(t *testing.T) {
	bpm, _ := setupBufferPool(t, 8)
	ids := make([]pagemanager.PageID, 32)
	for i := range ids {
		ids[i] = newFilledPage(t, bpm, byte(i))
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				idx := (w*7 + i) % len(ids)
				page, err := bpm.FetchPage(ids[idx])
				if err != nil {
					return err
				}
				page.RLock()
				ok := bytes.Equal(page.GetData(), fill(byte(idx)))
				page.RUnlock()
				if !ok {
					return fmt.Errorf("page %d has wrong contents", ids[idx])
				}
				if !bpm.UnpinPage(ids[idx], false) {
					return fmt.Errorf("unpin of page %d failed", ids[idx])
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := bpm.Stats()
	require.Equal(t, 0, stats.Pinned)
	require.Equal(t, stats.Resident, stats.Evictable)
}

func TestPageGuard_DropIsIdempotent(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	g, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	id := g.PageID()

	copy(g.DataMut(), "hello")
	g.Drop()
	g.Drop()
	require.Equal(t, pagemanager.InvalidPageID, g.PageID())

	pins, ok := bpm.GetPinCount(id)
	require.True(t, ok)
	require.Equal(t, int32(0), pins)
	require.Equal(t, 1, bpm.Stats().Dirty)
}

func TestPageGuard_ReadGuardsShareWriteGuardExcludes(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	id := newFilledPage(t, bpm, 7)

	r1, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	r2, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	require.Equal(t, fill(7), r2.Data())
	pins, _ := bpm.GetPinCount(id)
	require.Equal(t, int32(2), pins)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w, err := bpm.FetchPageWrite(id)
		if err != nil {
			return
		}
		close(acquired)
		copy(w.DataMut(), fill(8))
		w.Drop()
	}()

	select {
	case <-acquired:
		t.Fatal("write guard acquired while readers hold the latch")
	default:
	}
	r1.Drop()
	r2.Drop()
	wg.Wait()
	<-acquired

	r3, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	defer r3.Drop()
	require.Equal(t, fill(8), r3.Data())
}

func TestPageGuard_UpgradeKeepsSinglePin(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	id := newFilledPage(t, bpm, 3)

	basic, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	w := basic.UpgradeWrite()
	basic.Drop() // empty after upgrade

	pins, _ := bpm.GetPinCount(id)
	require.Equal(t, int32(1), pins)
	require.Equal(t, id, w.PageID())
	w.Drop()
	w.Drop()

	pins, _ = bpm.GetPinCount(id)
	require.Equal(t, int32(0), pins)

	basic, err = bpm.FetchPageBasic(id)
	require.NoError(t, err)
	r := basic.UpgradeRead()
	require.Equal(t, fill(3), r.Data())
	r.Drop()
	pins, _ = bpm.GetPinCount(id)
	require.Equal(t, int32(0), pins)
}
