// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsalloc turns "give me blocks near here" requests into
// allocation-group operations, walking a fixed ladder of strategies
// from most to least specific and falling back to a low-space mode
// that trades locality for forward progress.
package xfsalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/containers"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// Request asks for up to Len contiguous blocks, at least MinLen,
// ideally at (Exact) or near the hint.
type Request struct {
	Ino xfsprim.Ino

	Hint containers.Optional[xfsprim.FsBlock]

	Len    xfsprim.Filblks
	MinLen xfsprim.Filblks

	// Alignment constrains the extent's start; 0 means use the
	// volume's stripe unit, 1 means unaligned.
	Alignment xfsprim.Filblks

	// Exact asks for the extent to start exactly at the hint,
	// falling back to a near allocation when those blocks are
	// taken.
	Exact bool

	// Stream biases the allocation toward the inode's filestream
	// group rather than the hint's group.
	Stream bool
}

// Allocator is the volume-wide allocation policy layered over a
// SpaceManager.  Safe for concurrent use.
type Allocator struct {
	Geo   xfsprim.Geometry
	Space SpaceManager

	mu       sync.Mutex
	streamAg map[xfsprim.Ino]xfsprim.AgNumber
	rotor    xfsprim.AgNumber
}

func NewAllocator(geo xfsprim.Geometry, space SpaceManager) *Allocator {
	registerMetrics()
	return &Allocator{
		Geo:      geo,
		Space:    space,
		streamAg: make(map[xfsprim.Ino]xfsprim.AgNumber),
	}
}

// Alloc runs the strategy ladder:
//
//  1. exact start block, when requested;
//  2. near the hint, stripe-aligned;
//  3. near the hint, unaligned;
//  4. the filestream's group, for stream inodes;
//  5. rotor scan over every group, first without waiting for group
//     locks, then blocking;
//  6. low-space: any MinLen=1 extent anywhere, and the transaction is
//     flipped into low-space mode so that later allocations in the
//     same transaction skip straight here.
//
// A transaction already in low-space mode starts at step 6.  Total
// exhaustion returns an error wrapping xfstxn.ErrNoSpace.
func (a *Allocator) Alloc(ctx context.Context, tp *xfstxn.Txn, req Request) (xfsprim.FsBlock, xfsprim.Filblks, error) {
	if req.Len <= 0 {
		panic(fmt.Errorf("should not happen: allocation of %v blocks", req.Len))
	}
	if req.MinLen <= 0 {
		req.MinLen = req.Len
	}
	align := req.Alignment
	if align == 0 {
		align = slices.Max(a.Geo.StripeUnit, 1)
	}

	if tp.LowMode() {
		return a.allocLowSpace(ctx, tp, req)
	}

	hintAg := a.rotorNext()
	hintBno := xfsprim.AgBlock(0)
	if req.Hint.OK && a.Geo.ValidFsBlock(req.Hint.Val) {
		hintAg = a.Geo.AgNumber(req.Hint.Val)
		hintBno = a.Geo.AgBlock(req.Hint.Val)
	}

	if req.Exact {
		agbno, got, err := a.tryAg(ctx, hintAg, AgReq{
			Target: hintBno,
			Exact:  true,
			Len:    req.Len,
			MinLen: req.MinLen,
		}, true, "exact")
		if err == nil {
			return a.finish(ctx, req, hintAg, agbno, got)
		}
	}

	if align > 1 {
		agbno, got, err := a.tryAg(ctx, hintAg, AgReq{
			Target:    hintBno,
			Len:       req.Len,
			MinLen:    req.MinLen,
			Alignment: align,
		}, true, "aligned")
		if err == nil {
			return a.finish(ctx, req, hintAg, agbno, got)
		}
	}

	agbno, got, err := a.tryAg(ctx, hintAg, AgReq{
		Target: hintBno,
		Len:    req.Len,
		MinLen: req.MinLen,
	}, true, "near")
	if err == nil {
		return a.finish(ctx, req, hintAg, agbno, got)
	}

	if req.Stream {
		if agno, ok := a.streamGroup(req.Ino); ok && agno != hintAg {
			agbno, got, err := a.tryAg(ctx, agno, AgReq{
				Len:    req.Len,
				MinLen: req.MinLen,
			}, true, "filestream")
			if err == nil {
				return a.finish(ctx, req, agno, agbno, got)
			}
		}
	}

	// Rotor scan.  First circuit skips busy groups; second circuit
	// waits on each lock in turn.
	for _, wait := range []bool{false, true} {
		for i := xfsprim.AgNumber(0); i < a.Geo.AgCount; i++ {
			agno := (hintAg + i) % a.Geo.AgCount
			if a.Space.AgFreeSpace(agno) < req.MinLen {
				continue
			}
			agbno, got, err := a.tryAg(ctx, agno, AgReq{
				Len:    req.Len,
				MinLen: req.MinLen,
			}, wait, "rotor")
			if err == nil {
				return a.finish(ctx, req, agno, agbno, got)
			}
		}
	}

	return a.allocLowSpace(ctx, tp, req)
}

// allocLowSpace is the last rung: take any single run of at least one
// block, anywhere, and leave the transaction in low-space mode.
func (a *Allocator) allocLowSpace(ctx context.Context, tp *xfstxn.Txn, req Request) (xfsprim.FsBlock, xfsprim.Filblks, error) {
	if !tp.LowMode() {
		tp.SetLowMode()
		metricLowSpace.Inc()
		dlog.Infof(ctx, "allocation entering low-space mode")
	}
	for agno := xfsprim.AgNumber(0); agno < a.Geo.AgCount; agno++ {
		if a.Space.AgFreeSpace(agno) <= 0 {
			continue
		}
		agbno, got, err := a.tryAg(ctx, agno, AgReq{
			Len:    req.Len,
			MinLen: 1,
		}, true, "lowspace")
		if err == nil {
			return a.finish(ctx, req, agno, agbno, got)
		}
	}
	return xfsprim.NullFsBlock, 0, fmt.Errorf("alloc %v blocks for inode %v: %w", req.Len, req.Ino, xfstxn.ErrNoSpace)
}

func (a *Allocator) tryAg(ctx context.Context, agno xfsprim.AgNumber, agReq AgReq, wait bool, strategy string) (xfsprim.AgBlock, xfsprim.Filblks, error) {
	agbno, got, err := a.Space.AgAlloc(ctx, agno, agReq, wait)
	switch {
	case err == nil:
		metricAttempts.WithLabelValues(strategy, "hit").Inc()
	case err == ErrAgBusy:
		metricAttempts.WithLabelValues(strategy, "busy").Inc()
	default:
		metricAttempts.WithLabelValues(strategy, "miss").Inc()
	}
	return agbno, got, err
}

func (a *Allocator) finish(ctx context.Context, req Request, agno xfsprim.AgNumber, agbno xfsprim.AgBlock, got xfsprim.Filblks) (xfsprim.FsBlock, xfsprim.Filblks, error) {
	if req.Stream {
		a.mu.Lock()
		a.streamAg[req.Ino] = agno
		a.mu.Unlock()
	}
	bno := a.Geo.FsBlock(agno, agbno)
	dlog.Debugf(dlog.WithField(ctx, "xfs.alloc.ag", agno),
		"allocated [%v,+%v) for inode %v", bno, got, req.Ino)
	return bno, got, nil
}

func (a *Allocator) streamGroup(ino xfsprim.Ino) (xfsprim.AgNumber, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agno, ok := a.streamAg[ino]
	return agno, ok
}

// ReleaseStream drops the inode's filestream affinity, letting the
// next stream allocation pick a fresh group.
func (a *Allocator) ReleaseStream(ino xfsprim.Ino) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streamAg, ino)
}

func (a *Allocator) rotorNext() xfsprim.AgNumber {
	a.mu.Lock()
	defer a.mu.Unlock()
	agno := a.rotor
	a.rotor = (a.rotor + 1) % a.Geo.AgCount
	return agno
}

// Free gives [bno, bno+ln) back to its allocation group.  The range
// must not cross a group boundary.
func (a *Allocator) Free(ctx context.Context, tp *xfstxn.Txn, bno xfsprim.FsBlock, ln xfsprim.Filblks) error {
	if !a.Geo.ValidFsBlock(bno) {
		return fmt.Errorf("free [%v,+%v): not a valid block", bno, ln)
	}
	agno := a.Geo.AgNumber(bno)
	agbno := a.Geo.AgBlock(bno)
	if xfsprim.Filblks(agbno)+ln > a.Geo.AgBlocks {
		return fmt.Errorf("free [%v,+%v): crosses an allocation group boundary", bno, ln)
	}
	if err := a.Space.AgFree(ctx, agno, agbno, ln); err != nil {
		return err
	}
	dlog.Debugf(dlog.WithField(ctx, "xfs.alloc.ag", agno),
		"freed [%v,+%v)", bno, ln)
	return nil
}

// AllocBlock allocates a single metadata block against the
// transaction's block reservation.
func (a *Allocator) AllocBlock(ctx context.Context, tp *xfstxn.Txn, hint xfsprim.FsBlock) (xfsprim.FsBlock, error) {
	if err := tp.UseBlkRes(1); err != nil {
		return xfsprim.NullFsBlock, err
	}
	req := Request{Len: 1, MinLen: 1, Alignment: 1}
	if a.Geo.ValidFsBlock(hint) {
		req.Hint = containers.OptionalValue(hint)
	}
	bno, _, err := a.Alloc(ctx, tp, req)
	if err != nil {
		tp.RefundBlkRes(1)
		return xfsprim.NullFsBlock, err
	}
	return bno, nil
}

// FreeBlock returns a single metadata block and refunds the
// transaction's reservation for it.
func (a *Allocator) FreeBlock(ctx context.Context, tp *xfstxn.Txn, bno xfsprim.FsBlock) error {
	if err := a.Free(ctx, tp, bno, 1); err != nil {
		return err
	}
	tp.RefundBlkRes(1)
	return nil
}
