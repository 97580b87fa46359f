// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsalloc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// ErrAgBusy is returned by a non-waiting AgAlloc when another
// allocation holds the group locked.  The caller moves on to the next
// group and only blocks once every group has been tried.
var ErrAgBusy = errors.New("allocation group is busy")

// A SpaceManager owns the free-space state of the allocation groups.
// AgAlloc carves [agbno, agbno+len) out of one group; with wait=false
// it fails fast with ErrAgBusy instead of queueing behind another
// caller.
type SpaceManager interface {
	AgAlloc(ctx context.Context, agno xfsprim.AgNumber, req AgReq, wait bool) (xfsprim.AgBlock, xfsprim.Filblks, error)
	AgFree(ctx context.Context, agno xfsprim.AgNumber, agbno xfsprim.AgBlock, ln xfsprim.Filblks) error

	// AgFreeSpace reports the group's total free blocks, used to
	// skip groups that cannot possibly satisfy a request.
	AgFreeSpace(agno xfsprim.AgNumber) xfsprim.Filblks
}

// AgReq is one attempt against one allocation group.
type AgReq struct {
	// Target is the preferred block within the group; with Exact
	// set the allocation must start exactly there.
	Target xfsprim.AgBlock
	Exact  bool

	Len    xfsprim.Filblks // ideal length
	MinLen xfsprim.Filblks // shortest acceptable length

	// Alignment constrains the start block; 0 or 1 means
	// unaligned.
	Alignment xfsprim.Filblks
}

// ErrAgExhausted is the per-group miss: the group holds no extent
// satisfying the request.  Distinct from the volume-wide ErrNoSpace.
var ErrAgExhausted = errors.New("no extent satisfies the request in this allocation group")

// span is a run of free blocks.
type span struct {
	start xfsprim.AgBlock
	ln    xfsprim.Filblks
}

func (s span) end() xfsprim.AgBlock {
	return s.start + xfsprim.AgBlock(s.ln)
}

type agState struct {
	mu        sync.Mutex
	freeList  []span // sorted by start, coalesced
	freeSpace xfsprim.Filblks
}

// MemSpaceManager is an in-memory SpaceManager: each group's free
// space is a sorted, coalesced extent list under its own lock.  It
// backs the simulator and the tests; a disk-backed implementation
// would sit behind the same interface.
type MemSpaceManager struct {
	geo xfsprim.Geometry
	ags []agState
}

var _ SpaceManager = (*MemSpaceManager)(nil)

// NewMemSpaceManager returns a manager with every group entirely
// free.
func NewMemSpaceManager(geo xfsprim.Geometry) *MemSpaceManager {
	sm := &MemSpaceManager{
		geo: geo,
		ags: make([]agState, geo.AgCount),
	}
	for i := range sm.ags {
		sm.ags[i].freeList = []span{{start: 0, ln: geo.AgBlocks}}
		sm.ags[i].freeSpace = geo.AgBlocks
	}
	return sm
}

func (sm *MemSpaceManager) ag(agno xfsprim.AgNumber) *agState {
	if agno >= sm.geo.AgCount {
		panic(fmt.Errorf("should not happen: allocation group %v out of range", agno))
	}
	return &sm.ags[agno]
}

// AgExtent is one free run, for inspection output.
type AgExtent struct {
	Bno xfsprim.AgBlock
	Len xfsprim.Filblks
}

// AgExtents snapshots a group's free list.
func (sm *MemSpaceManager) AgExtents(agno xfsprim.AgNumber) []AgExtent {
	ag := sm.ag(agno)
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ret := make([]AgExtent, len(ag.freeList))
	for i, s := range ag.freeList {
		ret[i] = AgExtent{Bno: s.start, Len: s.ln}
	}
	return ret
}

func (sm *MemSpaceManager) AgFreeSpace(agno xfsprim.AgNumber) xfsprim.Filblks {
	ag := sm.ag(agno)
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.freeSpace
}

func (sm *MemSpaceManager) AgAlloc(ctx context.Context, agno xfsprim.AgNumber, req AgReq, wait bool) (xfsprim.AgBlock, xfsprim.Filblks, error) {
	if req.MinLen <= 0 || req.Len < req.MinLen {
		panic(fmt.Errorf("should not happen: bad request lengths len=%v minlen=%v", req.Len, req.MinLen))
	}
	ag := sm.ag(agno)
	if wait {
		ag.mu.Lock()
	} else if !ag.mu.TryLock() {
		return 0, 0, ErrAgBusy
	}
	defer ag.mu.Unlock()

	if req.Exact {
		return ag.allocExact(req)
	}
	return ag.allocNear(req)
}

// allocExact takes blocks starting exactly at the target, shortened
// to what is free there (but never below MinLen).
func (ag *agState) allocExact(req AgReq) (xfsprim.AgBlock, xfsprim.Filblks, error) {
	idx, ok := slices.SearchHighest(ag.freeList, func(s span) int {
		if s.start > req.Target {
			return -1
		}
		return 0
	})
	if !ok {
		return 0, 0, ErrAgExhausted
	}
	s := ag.freeList[idx]
	if req.Target >= s.end() {
		return 0, 0, ErrAgExhausted
	}
	avail := xfsprim.Filblks(s.end() - req.Target)
	if avail < req.MinLen {
		return 0, 0, ErrAgExhausted
	}
	got := slices.Min(req.Len, avail)
	ag.take(idx, req.Target, got)
	return req.Target, got, nil
}

// allocNear scans the whole free list for the usable start closest to
// the target, honoring alignment.  Linear scan; the btree-backed
// manager this stands in for does this with by-size and by-bno trees.
func (ag *agState) allocNear(req AgReq) (xfsprim.AgBlock, xfsprim.Filblks, error) {
	align := req.Alignment
	if align <= 0 {
		align = 1
	}
	bestIdx := -1
	var bestStart xfsprim.AgBlock
	var bestLen xfsprim.Filblks
	for idx, s := range ag.freeList {
		start := s.start
		if req.Target > s.start && req.Target < s.end() {
			start = req.Target
		}
		start = roundUpAg(start, align)
		if start >= s.end() {
			// Alignment pushed the start past the span; fall
			// back to the span's aligned beginning.
			start = roundUpAg(s.start, align)
			if start >= s.end() {
				continue
			}
		}
		avail := xfsprim.Filblks(s.end() - start)
		if avail < req.MinLen {
			continue
		}
		got := slices.Min(req.Len, avail)
		if bestIdx < 0 || closer(start, bestStart, req.Target) || (dist(start, req.Target) == dist(bestStart, req.Target) && got > bestLen) {
			bestIdx, bestStart, bestLen = idx, start, got
		}
	}
	if bestIdx < 0 {
		return 0, 0, ErrAgExhausted
	}
	ag.take(bestIdx, bestStart, bestLen)
	return bestStart, bestLen, nil
}

func roundUpAg(b xfsprim.AgBlock, align xfsprim.Filblks) xfsprim.AgBlock {
	a := xfsprim.AgBlock(align)
	return (b + a - 1) / a * a
}

func dist(a, b xfsprim.AgBlock) xfsprim.AgBlock {
	if a > b {
		return a - b
	}
	return b - a
}

func closer(a, b, target xfsprim.AgBlock) bool {
	return dist(a, target) < dist(b, target)
}

// take removes [start, start+ln) from the span at idx, splitting it
// when the cut is interior.
func (ag *agState) take(idx int, start xfsprim.AgBlock, ln xfsprim.Filblks) {
	s := ag.freeList[idx]
	end := start + xfsprim.AgBlock(ln)
	if start < s.start || end > s.end() {
		panic(fmt.Errorf("should not happen: taking [%v,%v) from span [%v,%v)", start, end, s.start, s.end()))
	}
	switch {
	case start == s.start && end == s.end():
		ag.freeList = append(ag.freeList[:idx], ag.freeList[idx+1:]...)
	case start == s.start:
		ag.freeList[idx] = span{start: end, ln: xfsprim.Filblks(s.end() - end)}
	case end == s.end():
		ag.freeList[idx] = span{start: s.start, ln: xfsprim.Filblks(start - s.start)}
	default:
		ag.freeList[idx] = span{start: s.start, ln: xfsprim.Filblks(start - s.start)}
		right := span{start: end, ln: xfsprim.Filblks(s.end() - end)}
		ag.freeList = append(ag.freeList, span{})
		copy(ag.freeList[idx+2:], ag.freeList[idx+1:])
		ag.freeList[idx+1] = right
	}
	ag.freeSpace -= ln
}

func (sm *MemSpaceManager) AgFree(ctx context.Context, agno xfsprim.AgNumber, agbno xfsprim.AgBlock, ln xfsprim.Filblks) error {
	if ln <= 0 || agbno < 0 || xfsprim.Filblks(agbno)+ln > sm.geo.AgBlocks {
		return fmt.Errorf("free [%v,+%v) in allocation group %v: out of bounds", agbno, ln, agno)
	}
	ag := sm.ag(agno)
	ag.mu.Lock()
	defer ag.mu.Unlock()

	newSpan := span{start: agbno, ln: ln}
	idx, ok := slices.SearchLowest(ag.freeList, func(s span) int {
		if s.end() <= agbno {
			return 1
		}
		return 0
	})
	if !ok {
		idx = len(ag.freeList)
	}
	// The span at idx is the first one ending past the freed range;
	// overlap with it (or with a front-neighbor starting inside the
	// range) is a double free.
	if idx < len(ag.freeList) && ag.freeList[idx].start < newSpan.end() {
		return fmt.Errorf("free [%v,+%v) in allocation group %v: blocks already free", agbno, ln, agno)
	}

	// Coalesce with the left neighbor, then the right.
	if idx > 0 && ag.freeList[idx-1].end() == newSpan.start {
		newSpan.start = ag.freeList[idx-1].start
		newSpan.ln += ag.freeList[idx-1].ln
		idx--
		ag.freeList = append(ag.freeList[:idx], ag.freeList[idx+1:]...)
	}
	if idx < len(ag.freeList) && ag.freeList[idx].start == newSpan.end() {
		newSpan.ln += ag.freeList[idx].ln
		ag.freeList = append(ag.freeList[:idx], ag.freeList[idx+1:]...)
	}
	ag.freeList = append(ag.freeList, span{})
	copy(ag.freeList[idx+1:], ag.freeList[idx:])
	ag.freeList[idx] = newSpan
	ag.freeSpace += ln
	return nil
}
