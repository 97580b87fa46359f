// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsbmap is the extent map engine: it maps file ranges to
// physical extents, moves delayed reservations to committed blocks,
// keeps each fork in the cheapest format that holds it, and registers
// every physical map/unmap with the deferred-intent machinery.
//
// Every mutating entry point requires the caller to hold the inode
// exclusively; readers need only a shared hold and never mutate.
package xfsbmap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsdefer"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// An RmapSink is notified of every structural map and unmap, so that
// external owner/reference-count indexes can follow along.  Notified,
// not driven: errors are the sink's problem.
type RmapSink interface {
	MapExtent(ino xfsprim.Ino, whichFork xfsinode.WhichFork, rec xfsbmbt.Irec)
	UnmapExtent(ino xfsprim.Ino, whichFork xfsinode.WhichFork, rec xfsbmbt.Irec)
}

// Engine ties the extent map algorithms to their collaborators.
type Engine struct {
	Geo   xfsprim.Geometry
	Buf   *xfsbuf.Cache
	Alloc *xfsalloc.Allocator
	Defer *xfsdefer.Deferred
	Txns  *xfstxn.Manager

	// Rmap, if non-nil, receives map/unmap notifications.
	Rmap RmapSink
}

func (e *Engine) ctxFor(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, op string) context.Context {
	ctx = dlog.WithField(ctx, "xfs.bmap.inode", ip.Ino)
	ctx = dlog.WithField(ctx, "xfs.bmap.fork", whichFork)
	ctx = dlog.WithField(ctx, "xfs.bmap.op", op)
	return ctx
}

func (e *Engine) load(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) (*xfsinode.Fork, error) {
	fork := ip.Fork(whichFork)
	if err := fork.Load(ctx, ip.Ino, e.Buf); err != nil {
		e.Txns.Shutdown(ctx, err)
		return nil, err
	}
	return fork, nil
}

// corrupt routes an invariant failure to the fail-stop path and
// returns it; proceeding would risk persisting bad metadata.
func (e *Engine) corrupt(ctx context.Context, ino xfsprim.Ino, format string, args ...any) error {
	err := xfsprim.Corruptf(ino, format, args...)
	e.Txns.Shutdown(ctx, err)
	return err
}

// Btree mirroring.  Delayed records exist only in core; the on-disk
// tree carries real records only, so a mutation is mirrored exactly
// when it touches a non-delayed record in a btree-format fork.

func (e *Engine) mirrorInsert(ctx context.Context, tp *xfstxn.Txn, fork *xfsinode.Fork, rec xfsbmbt.Irec) error {
	if fork.Format != xfsinode.FormatBtree || rec.IsDelayed() {
		return nil
	}
	return fork.Btree.Insert(ctx, e.Buf, tp, e.Alloc, rec)
}

func (e *Engine) mirrorRemove(ctx context.Context, tp *xfstxn.Txn, fork *xfsinode.Fork, rec xfsbmbt.Irec) error {
	if fork.Format != xfsinode.FormatBtree || rec.IsDelayed() {
		return nil
	}
	return fork.Btree.Delete(ctx, e.Buf, tp, e.Alloc, rec.Off)
}

func (e *Engine) mirrorUpdate(ctx context.Context, tp *xfstxn.Txn, fork *xfsinode.Fork, old, rec xfsbmbt.Irec) error {
	if fork.Format != xfsinode.FormatBtree {
		return nil
	}
	switch {
	case old.IsDelayed() && rec.IsDelayed():
		return nil
	case old.IsDelayed():
		return fork.Btree.Insert(ctx, e.Buf, tp, e.Alloc, rec)
	case rec.IsDelayed():
		return fork.Btree.Delete(ctx, e.Buf, tp, e.Alloc, old.Off)
	default:
		return fork.Btree.Update(ctx, e.Buf, tp, old.Off, rec)
	}
}

// Read produces an ordered, non-overlapping record sequence covering
// exactly [off, off+ln), holes explicit, at most maxRecs records (the
// last one truncated to the range's end regardless).  Read-only,
// except that a btree-format fork's extent list is faulted in on
// first use.
func (e *Engine) Read(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, off xfsprim.FileOff, ln xfsprim.Filblks, maxRecs int) ([]xfsbmbt.Irec, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "read")
	if ln <= 0 || off < 0 {
		return nil, fmt.Errorf("read mapping [%v,+%v): empty or negative range", off, ln)
	}
	if maxRecs <= 0 {
		maxRecs = MaxNMap
	}
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return nil, err
	}
	if fork.Format == xfsinode.FormatLocal {
		return nil, e.corrupt(ctx, ip.Ino, "read mapping of a local-format fork")
	}

	end := off.Add(ln)
	ret := make([]xfsbmbt.Irec, 0, maxRecs)
	cur, ok := fork.Lookup(off)
	pos := off
	for pos < end && len(ret) < maxRecs {
		var rec xfsbmbt.Irec
		got, haveGot := cur.Get()
		switch {
		case !ok || !haveGot:
			rec = xfsbmbt.Hole(pos, end.Sub(pos))
		case got.Off > pos:
			rec = xfsbmbt.Hole(pos, xfsprim.Filblks(got.Off-pos))
		default:
			rec = got
			if rec.Off < pos {
				skip := xfsprim.Filblks(pos - rec.Off)
				rec.Off = pos
				rec.Len -= skip
				if rec.IsReal() {
					rec.Block = rec.Block.Add(skip)
				}
			}
			cur.Next()
		}
		if rec.End() > end {
			rec.Len = end.Sub(rec.Off)
		}
		ret = append(ret, rec)
		pos = rec.End()
	}
	return ret, nil
}

// MaxNMap bounds the records returned or mapped per call, keeping any
// one transaction's work bounded.
const MaxNMap = 1024

// WriteReservation returns the block reservation a transaction needs
// before mapping ln blocks: the data itself plus worst-case btree
// growth.
func (e *Engine) WriteReservation(ln xfsprim.Filblks) xfsprim.Filblks {
	return ln + worstIndLen(e.Geo, ln) + xfsprim.Filblks(e.Geo.BmbtMaxLevels())
}

// UnmapReservation returns the block reservation an unmap transaction
// needs: punching a hole can split a record and grow the btree.
func (e *Engine) UnmapReservation() xfsprim.Filblks {
	return xfsprim.Filblks(e.Geo.BmbtMaxLevels() + 1)
}

// CountBlocks returns the fork's mapped block count (delayed included)
// and its in-core record count.
func (e *Engine) CountBlocks(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) (xfsprim.Filblks, xfsprim.ExtNum, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "count")
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return 0, 0, err
	}
	var blocks xfsprim.Filblks
	for _, rec := range fork.Extents() {
		blocks += rec.Len
	}
	return blocks, xfsprim.ExtNum(fork.NumRecs()), nil
}

// FirstUnused returns the lowest offset at which a hole of at least
// ln blocks starts.
func (e *Engine) FirstUnused(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, ln xfsprim.Filblks) (xfsprim.FileOff, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "first-unused")
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return 0, err
	}
	var lastEnd xfsprim.FileOff
	for _, rec := range fork.Extents() {
		if rec.Off >= lastEnd.Add(ln) {
			break
		}
		if rec.End() > lastEnd {
			lastEnd = rec.End()
		}
	}
	return lastEnd, nil
}

// LastOffset returns the offset just past the fork's highest mapped
// block, 0 for an empty fork.
func (e *Engine) LastOffset(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) (xfsprim.FileOff, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "last-offset")
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return 0, err
	}
	recs := fork.Extents()
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].End(), nil
}

// IsEmpty reports whether the fork maps nothing at all.
func (e *Engine) IsEmpty(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) (bool, error) {
	fork, err := e.load(e.ctxFor(ctx, ip, whichFork, "is-empty"), ip, whichFork)
	if err != nil {
		return false, err
	}
	return fork.NumRecs() == 0, nil
}

// checkFormat moves the fork to the format its record count calls
// for: extents-format forks that outgrew the inode literal area are
// promoted to btree, and single-leaf btrees that fit again are
// demoted.  Transitions never change the logical mapping.
func (e *Engine) checkFormat(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) error {
	fork := ip.Fork(whichFork)
	switch fork.Format {
	case xfsinode.FormatExtents:
		if fork.NExtents > e.Geo.ForkMaxRecs() {
			return e.extentsToBtree(ctx, tp, ip, whichFork)
		}
	case xfsinode.FormatBtree:
		if fork.NExtents <= e.Geo.ForkMaxRecs() && fork.Btree.SingleLeaf() {
			return e.btreeToExtents(ctx, tp, ip, whichFork)
		}
	}
	return nil
}
