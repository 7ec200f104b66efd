package pagemanager

import (
	"sync"
	"time"
)

// --- Page Management ---

const (
	InvalidPageID PageID = 0 // Also the on-disk file header slot; never handed out to callers.
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// FrameID indexes a slot in the buffer pool's frame array.
type FrameID int

const InvalidFrameID FrameID = -1

// Page is one buffer pool frame: a fixed-size byte buffer plus the bookkeeping the
// pool needs to cache it. Pin count and dirty flag are only touched while the pool
// mutex is held; the latch protects the bytes.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	isDirty  bool

	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset returns the frame to its unassigned state and zeroes its bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.updatedAt = time.Time{}
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) Pin()                { p.pinCount++ }

// Unpin decrements the pin count. It reports false if the page was not pinned.
func (p *Page) Unpin() bool {
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	return true
}
func (p *Page) GetPinCount() int32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount int32) { p.pinCount = pinCount }
func (p *Page) UpdatedAt(t time.Time)      { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time    { return p.updatedAt }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
