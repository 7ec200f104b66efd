package memtable

import (
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Replacer picks which unpinned frame the buffer pool gives up when it needs room.
type Replacer interface {
	RecordAccess(frameID pagemanager.FrameID) error
	SetEvictable(frameID pagemanager.FrameID, evictable bool) error
	Evict() (pagemanager.FrameID, bool)
	Remove(frameID pagemanager.FrameID)
	Reinstate(frameID pagemanager.FrameID) bool
	Size() int
}

// lrukNode keeps the k most recent access timestamps of one frame, oldest first.
type lrukNode struct {
	history   []uint64
	evictable bool
}

// LRUKReplacer evicts the frame whose k-th most recent access lies furthest in the
// past. Frames seen fewer than k times have infinite backward k-distance and go
// first, oldest first access breaking ties.
type LRUKReplacer struct {
	mu               sync.Mutex
	nodes            map[pagemanager.FrameID]*lrukNode
	currentTimestamp uint64
	currSize         int
	numFrames        int
	k                int
	logger           *zap.Logger

	// last victim, kept so a failed eviction can be undone
	lastVictimID pagemanager.FrameID
	lastVictim   *lrukNode
}

var _ Replacer = (*LRUKReplacer)(nil)

// NewLRUKReplacer creates a replacer tracking at most numFrames frames.
func NewLRUKReplacer(numFrames, k int, logger *zap.Logger) *LRUKReplacer {
	if k < 1 {
		k = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LRUKReplacer{
		nodes:     make(map[pagemanager.FrameID]*lrukNode, numFrames),
		numFrames: numFrames,
		k:         k,
		logger:    logger.Named("replacer"),
	}
}

func (r *LRUKReplacer) checkFrame(frameID pagemanager.FrameID) error {
	if frameID < 0 || int(frameID) >= r.numFrames {
		return fmt.Errorf("%w: frame %d (capacity %d)", flushmanager.ErrInvalidFrameID, frameID, r.numFrames)
	}
	return nil
}

// RecordAccess stamps frameID with the next logical timestamp. A frame that is not yet
// tracked is admitted, evicting a victim first if the replacer is full. If nothing can
// be evicted the access is dropped.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) error {
	if err := r.checkFrame(frameID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok {
		if len(r.nodes) >= r.numFrames {
			if _, evicted := r.evictLocked(); !evicted {
				r.logger.Debug("Replacer full, dropping access", zap.Int("frame_id", int(frameID)))
				return nil
			}
		}
		node = &lrukNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}

	r.currentTimestamp++
	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, r.currentTimestamp)
	return nil
}

// SetEvictable toggles whether frameID may be chosen by Evict.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) error {
	if err := r.checkFrame(frameID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok || node.evictable == evictable {
		return nil
	}
	node.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
	return nil
}

// Evict removes and returns the frame with the largest backward k-distance.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *LRUKReplacer) evictLocked() (pagemanager.FrameID, bool) {
	victim := pagemanager.InvalidFrameID
	var victimNode *lrukNode
	for frameID, node := range r.nodes {
		if !node.evictable {
			continue
		}
		if victimNode == nil || r.before(node, victimNode) {
			victim, victimNode = frameID, node
		}
	}
	if victimNode == nil {
		return pagemanager.InvalidFrameID, false
	}
	delete(r.nodes, victim)
	r.currSize--
	r.lastVictimID, r.lastVictim = victim, victimNode
	return victim, true
}

// Reinstate undoes the most recent eviction of frameID, restoring its access history so
// it keeps its rank. It reports false if frameID was not the last victim or has been
// tracked again since.
func (r *LRUKReplacer) Reinstate(frameID pagemanager.FrameID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, victimID := r.lastVictim, r.lastVictimID
	r.lastVictimID, r.lastVictim = pagemanager.InvalidFrameID, nil
	if node == nil || victimID != frameID {
		return false
	}
	if _, tracked := r.nodes[frameID]; tracked || len(r.nodes) >= r.numFrames {
		return false
	}
	r.nodes[frameID] = node
	if node.evictable {
		r.currSize++
	}
	return true
}

// before reports whether a should be evicted ahead of b. History is capped at k, so
// history[0] is the first access of an immature frame and the k-th most recent
// access of a mature one.
func (r *LRUKReplacer) before(a, b *lrukNode) bool {
	aMature, bMature := len(a.history) >= r.k, len(b.history) >= r.k
	if aMature != bMature {
		return !aMature
	}
	return a.history[0] < b.history[0]
}

// Remove drops frameID's access record regardless of its k-distance.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if node.evictable {
		r.currSize--
	}
	delete(r.nodes, frameID)
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
