package btree

import (
	"sync"

	"github.com/sushant-115/gojostore/core/write_engine/memtable"
)

// latchContext is the stack of exclusive latches a writer holds on its way down. A nil
// entry stands for the tree's root latch and can only sit at the bottom.
type latchContext struct {
	rootLatch *sync.RWMutex
	writeSet  []*memtable.WritePageGuard
}

// newLatchContext records that the caller already holds rootLatch exclusively.
func newLatchContext(rootLatch *sync.RWMutex) *latchContext {
	return &latchContext{
		rootLatch: rootLatch,
		writeSet:  []*memtable.WritePageGuard{nil},
	}
}

func (c *latchContext) push(g *memtable.WritePageGuard) {
	c.writeSet = append(c.writeSet, g)
}

func (c *latchContext) back() *memtable.WritePageGuard {
	return c.writeSet[len(c.writeSet)-1]
}

// holdsRootLatch reports whether the root latch is still on the stack.
func (c *latchContext) holdsRootLatch() bool {
	return len(c.writeSet) > 0 && c.writeSet[0] == nil
}

// popBack drops the newest latch.
func (c *latchContext) popBack() {
	n := len(c.writeSet) - 1
	c.release(c.writeSet[n])
	c.writeSet = c.writeSet[:n]
}

// releaseAll drops every held latch, oldest first.
func (c *latchContext) releaseAll() {
	for _, g := range c.writeSet {
		c.release(g)
	}
	c.writeSet = c.writeSet[:0]
}

func (c *latchContext) release(g *memtable.WritePageGuard) {
	if g == nil {
		c.rootLatch.Unlock()
		return
	}
	g.Drop()
}
