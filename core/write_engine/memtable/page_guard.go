package memtable

import (
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// noCopy lets `go vet -copylocks` flag guards passed by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// BasicPageGuard owns one pin on a page. Drop releases the pin exactly once; every
// later call is a no-op, so `defer g.Drop()` is always safe.
type BasicPageGuard struct {
	_       noCopy
	bpm     *BufferPoolManager
	page    *pagemanager.Page
	isDirty bool
}

func newBasicPageGuard(bpm *BufferPoolManager, page *pagemanager.Page) *BasicPageGuard {
	return &BasicPageGuard{bpm: bpm, page: page}
}

// PageID returns the guarded page's id, or InvalidPageID once dropped.
func (g *BasicPageGuard) PageID() pagemanager.PageID {
	if g.page == nil {
		return pagemanager.InvalidPageID
	}
	return g.page.GetPageID()
}

// Data returns the page bytes for reading.
func (g *BasicPageGuard) Data() []byte {
	return g.page.GetData()
}

// DataMut returns the page bytes for writing and marks the page dirty.
func (g *BasicPageGuard) DataMut() []byte {
	g.isDirty = true
	return g.page.GetData()
}

// Drop unpins the page, reporting it dirty if DataMut was called.
func (g *BasicPageGuard) Drop() {
	if g.page == nil {
		return
	}
	g.bpm.UnpinPage(g.page.GetPageID(), g.isDirty)
	g.page = nil
	g.bpm = nil
	g.isDirty = false
}

// release hands the pin to the caller without unpinning.
func (g *BasicPageGuard) release() *BasicPageGuard {
	moved := &BasicPageGuard{bpm: g.bpm, page: g.page, isDirty: g.isDirty}
	g.page = nil
	g.bpm = nil
	g.isDirty = false
	return moved
}

// UpgradeRead latches the page shared and transfers the pin to a ReadPageGuard. The
// basic guard is empty afterwards.
func (g *BasicPageGuard) UpgradeRead() *ReadPageGuard {
	g.page.RLock()
	return &ReadPageGuard{guard: g.release()}
}

// UpgradeWrite latches the page exclusively and transfers the pin to a WritePageGuard.
func (g *BasicPageGuard) UpgradeWrite() *WritePageGuard {
	g.page.Lock()
	return &WritePageGuard{guard: g.release()}
}

// ReadPageGuard holds a pin and the shared latch.
type ReadPageGuard struct {
	_     noCopy
	guard *BasicPageGuard
}

func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *ReadPageGuard) Data() []byte               { return g.guard.Data() }

// Drop releases the shared latch, then the pin.
func (g *ReadPageGuard) Drop() {
	if g.guard == nil || g.guard.page == nil {
		return
	}
	g.guard.page.RUnlock()
	g.guard.Drop()
}

// WritePageGuard holds a pin and the exclusive latch.
type WritePageGuard struct {
	_     noCopy
	guard *BasicPageGuard
}

func (g *WritePageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *WritePageGuard) Data() []byte               { return g.guard.Data() }
func (g *WritePageGuard) DataMut() []byte            { return g.guard.DataMut() }

// Drop releases the exclusive latch, then the pin.
func (g *WritePageGuard) Drop() {
	if g.guard == nil || g.guard.page == nil {
		return
	}
	g.guard.page.Unlock()
	g.guard.Drop()
}
