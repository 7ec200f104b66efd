package memtable

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// BufferPoolManager caches disk pages in a fixed set of frames. Frames come from the
// free list first and are otherwise reclaimed through an LRU-K replacer; dirty
// victims are written back before reuse.
//
// All bookkeeping (page table, free list, replacer, pin counts, dirty flags) is
// serialized by mu. Disk I/O for misses and write-backs also happens under mu.
type BufferPoolManager struct {
	diskManager flushmanager.DiskManager
	replacer    Replacer
	poolSize    int
	pageSize    int
	pages       []*pagemanager.Page                       // Page frames
	pageTable   map[pagemanager.PageID]pagemanager.FrameID // PageID to frame index
	freeList    []pagemanager.FrameID
	nextPageID  pagemanager.PageID
	freePageIDs []pagemanager.PageID
	mu          sync.Mutex
	logger      *zap.Logger
	metrics     *internaltelemetry.BufferPoolMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames backed by diskManager. Page ids
// continue after the highest page the disk manager already holds.
func NewBufferPoolManager(poolSize, replacerK int, diskManager flushmanager.DiskManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("%w: disk manager cannot be nil", flushmanager.ErrBTreeNotInitializedProperly)
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		replacer:    NewLRUKReplacer(poolSize, replacerK, logger),
		poolSize:    poolSize,
		pageSize:    diskManager.GetPageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:    make([]pagemanager.FrameID, 0, poolSize),
		nextPageID:  pagemanager.PageID(max(diskManager.NumPages(), 1)),
		logger:      logger.Named("buffer_pool"),
	}
	metrics, err := internaltelemetry.NewBufferPoolMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		return nil, err
	}
	bpm.metrics = metrics
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Int("replacer_k", replacerK),
		zap.Uint64("next_page_id", uint64(bpm.nextPageID)))
	return bpm, nil
}

// EnableMetrics registers buffer pool instruments on meter.
func (bpm *BufferPoolManager) EnableMetrics(meter metric.Meter) error {
	m, err := internaltelemetry.NewBufferPoolMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}
	bpm.mu.Lock()
	bpm.metrics = m
	bpm.mu.Unlock()
	return nil
}

func (bpm *BufferPoolManager) recordPinned(delta int64) {
	bpm.metrics.PinnedPagesUpDown.Add(context.Background(), delta)
}

// NewPage allocates a fresh page id and places a zeroed, pinned page for it in a frame.
// The page starts dirty so its first eviction writes it out, replacing whatever an
// earlier owner of a reclaimed id left on disk.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		bpm.logger.Debug("No frame available for new page", zap.Error(err))
		return nil, pagemanager.InvalidPageID, err
	}
	pageID := bpm.allocatePageIDLocked()

	page := bpm.pages[frameID]
	page.Reset()
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(true)
	page.UpdatedAt(time.Now())

	bpm.pageTable[pageID] = frameID
	bpm.pinFrameLocked(frameID)
	bpm.recordPinned(1)
	bpm.logger.Debug("New page", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame_id", int(frameID)))
	return page, pageID, nil
}

// FetchPage returns the page pinned, reading it from disk if it is not resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("%w: invalid page id %d", flushmanager.ErrPageNotFound, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		page.Pin()
		if page.GetPinCount() == 1 {
			bpm.recordPinned(1)
		}
		bpm.pinFrameLocked(frameID)
		bpm.metrics.PageHitsCounter.Add(context.Background(), 1)
		return page, nil
	}

	bpm.metrics.PageMissesCounter.Add(context.Background(), 1)
	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, fmt.Errorf("fetching page %d: %w", pageID, err)
	}
	page := bpm.pages[frameID]
	page.Reset()
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.logger.Error("Failed to read page from disk", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	bpm.metrics.DiskReadsCounter.Add(context.Background(), 1)
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.UpdatedAt(time.Now())

	bpm.pageTable[pageID] = frameID
	bpm.pinFrameLocked(frameID)
	bpm.recordPinned(1)
	bpm.logger.Debug("Page loaded from disk", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame_id", int(frameID)))
	return page, nil
}

// UnpinPage drops one pin on pageID and ORs isDirty into its dirty flag. It reports
// false if the page is not resident or is not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Warn("Unpin of non-resident page", zap.Uint64("page_id", uint64(pageID)))
		return false
	}
	page := bpm.pages[frameID]
	if !page.Unpin() {
		bpm.logger.Warn("Unpin of page with pin count 0", zap.Uint64("page_id", uint64(pageID)))
		return false
	}
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		_ = bpm.replacer.SetEvictable(frameID, true)
		bpm.recordPinned(-1)
	}
	return true
}

// FlushPage writes pageID back to disk if it is dirty. It reports false if the page is
// not resident.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, nil
	}
	if err := bpm.writeBackLocked(bpm.pages[frameID]); err != nil {
		return true, err
	}
	return true, nil
}

// FlushAllPages writes back every dirty resident page, then syncs the disk manager.
// It keeps going after a failed write and returns the first error.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for _, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID {
			continue
		}
		if err := bpm.writeBackLocked(page); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bpm.logger.Debug("Flushed all pages", zap.Error(firstErr))
	return firstErr
}

// DeletePage removes pageID from the pool and frees its frame and id. It reports true
// if the page is not resident, reclaiming the id all the same, and false if it is still
// pinned.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.reclaimPageIDLocked(pageID)
		return true, nil
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() > 0 {
		bpm.logger.Debug("Refusing to delete pinned page",
			zap.Uint64("page_id", uint64(pageID)), zap.Int32("pin_count", page.GetPinCount()))
		return false, nil
	}
	if err := bpm.writeBackLocked(page); err != nil {
		return false, err
	}
	bpm.replacer.Remove(frameID)
	delete(bpm.pageTable, pageID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.reclaimPageIDLocked(pageID)
	bpm.logger.Debug("Deleted page", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame_id", int(frameID)))
	return true, nil
}

// acquireFrameLocked returns an empty frame, evicting a victim if the free list is
// exhausted. The caller must hold bpm.mu.
func (bpm *BufferPoolManager) acquireFrameLocked() (pagemanager.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		bpm.metrics.PoolFullCounter.Add(context.Background(), 1)
		return pagemanager.InvalidFrameID, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	if err := bpm.writeBackLocked(victim); err != nil {
		// Put the victim back so the frame is not lost to the pool.
		if !bpm.replacer.Reinstate(frameID) {
			_ = bpm.replacer.RecordAccess(frameID)
			_ = bpm.replacer.SetEvictable(frameID, true)
		}
		return pagemanager.InvalidFrameID, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
	}
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	bpm.logger.Debug("Evicted page", zap.Uint64("page_id", uint64(victim.GetPageID())), zap.Int("frame_id", int(frameID)))
	delete(bpm.pageTable, victim.GetPageID())
	victim.Reset()
	return frameID, nil
}

// writeBackLocked writes page to disk if dirty and clears the flag.
func (bpm *BufferPoolManager) writeBackLocked(page *pagemanager.Page) error {
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		bpm.logger.Error("Failed to write page", zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
		return err
	}
	page.SetDirty(false)
	bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	bpm.metrics.DiskWritesCounter.Add(context.Background(), 1)
	return nil
}

func (bpm *BufferPoolManager) pinFrameLocked(frameID pagemanager.FrameID) {
	_ = bpm.replacer.RecordAccess(frameID)
	_ = bpm.replacer.SetEvictable(frameID, false)
}

// reclaimPageIDLocked queues pageID for reuse. Ids never handed out or already queued
// are ignored, so deleting a page twice cannot hand its id to two owners.
func (bpm *BufferPoolManager) reclaimPageIDLocked(pageID pagemanager.PageID) {
	if pageID == pagemanager.InvalidPageID || pageID >= bpm.nextPageID {
		return
	}
	if slices.Contains(bpm.freePageIDs, pageID) {
		return
	}
	bpm.freePageIDs = append(bpm.freePageIDs, pageID)
}

func (bpm *BufferPoolManager) allocatePageIDLocked() pagemanager.PageID {
	if n := len(bpm.freePageIDs); n > 0 {
		id := bpm.freePageIDs[n-1]
		bpm.freePageIDs = bpm.freePageIDs[:n-1]
		return id
	}
	id := bpm.nextPageID
	bpm.nextPageID++
	return id
}

// --- Guarded access ---

// NewPageGuarded allocates a page and wraps it in a basic guard.
func (bpm *BufferPoolManager) NewPageGuarded() (*BasicPageGuard, error) {
	page, _, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bpm, page), nil
}

// FetchPageBasic pins pageID without latching it.
func (bpm *BufferPoolManager) FetchPageBasic(pageID pagemanager.PageID) (*BasicPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bpm, page), nil
}

// FetchPageRead pins pageID and takes its shared latch.
func (bpm *BufferPoolManager) FetchPageRead(pageID pagemanager.PageID) (*ReadPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{guard: newBasicPageGuard(bpm, page)}, nil
}

// FetchPageWrite pins pageID and takes its exclusive latch.
func (bpm *BufferPoolManager) FetchPageWrite(pageID pagemanager.PageID) (*WritePageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{guard: newBasicPageGuard(bpm, page)}, nil
}

// --- Introspection ---

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}

func (bpm *BufferPoolManager) GetPoolSize() int {
	return bpm.poolSize
}

// GetPinCount reports the pin count of a resident page.
func (bpm *BufferPoolManager) GetPinCount(pageID pagemanager.PageID) (int32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frameID].GetPinCount(), true
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

// EvictableCount is the number of frames the replacer may currently evict.
func (bpm *BufferPoolManager) EvictableCount() int {
	return bpm.replacer.Size()
}

// Stats is a point-in-time summary of pool occupancy.
type Stats struct {
	PoolSize     int
	Resident     int
	Free         int
	Pinned       int
	Dirty        int
	Evictable    int
	NextPageID   pagemanager.PageID
	ReclaimedIDs int
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := Stats{
		PoolSize:     bpm.poolSize,
		Resident:     len(bpm.pageTable),
		Free:         len(bpm.freeList),
		Evictable:    bpm.replacer.Size(),
		NextPageID:   bpm.nextPageID,
		ReclaimedIDs: len(bpm.freePageIDs),
	}
	for _, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if page.GetPinCount() > 0 {
			s.Pinned++
		}
		if page.IsDirty() {
			s.Dirty++
		}
	}
	return s
}
