package flushmanager

import (
	"fmt"
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// MemoryDiskManager keeps pages in a map. Reads and writes copy, so callers can never
// alias stored bytes. Unwritten pages read back as zeroes.
type MemoryDiskManager struct {
	pages    map[pagemanager.PageID][]byte
	pageSize int
	numPages uint64
	closed   bool
	mu       sync.RWMutex

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemoryDiskManager(pageSize int) *MemoryDiskManager {
	return &MemoryDiskManager{
		pages:    make(map[pagemanager.PageID][]byte),
		pageSize: pageSize,
		numPages: 1,
	}
}

func (m *MemoryDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDiskClosed
	}
	if len(pageData) != m.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), m.pageSize)
	}
	m.reads.Add(1)
	data, ok := m.pages[pageID]
	if !ok {
		clear(pageData)
		return nil
	}
	copy(pageData, data)
	return nil
}

func (m *MemoryDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDiskClosed
	}
	if len(pageData) != m.pageSize {
		return fmt.Errorf("data size %d does not match page size %d", len(pageData), m.pageSize)
	}
	m.writes.Add(1)
	dest := make([]byte, m.pageSize)
	copy(dest, pageData)
	m.pages[pageID] = dest
	if uint64(pageID) >= m.numPages {
		m.numPages = uint64(pageID) + 1
	}
	return nil
}

func (m *MemoryDiskManager) GetPageSize() int { return m.pageSize }

func (m *MemoryDiskManager) NumPages() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numPages
}

func (m *MemoryDiskManager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDiskClosed
	}
	return nil
}

func (m *MemoryDiskManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = nil
	m.closed = true
	return nil
}

// Reads and Writes report how many page transfers have happened.
func (m *MemoryDiskManager) Reads() int64  { return m.reads.Load() }
func (m *MemoryDiskManager) Writes() int64 { return m.writes.Load() }
