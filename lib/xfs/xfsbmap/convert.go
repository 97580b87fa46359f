// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// Convert flips the written/unwritten state of every real record
// overlapping [off, off+ln) to the target state.  Holes and delayed
// records in the range are left alone.  No blocks move; only record
// state, and therefore the merge structure, changes.
func (e *Engine) Convert(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, off xfsprim.FileOff, ln xfsprim.Filblks, to xfsbmbt.ExtState) error {
	ctx = e.ctxFor(ctx, ip, whichFork, "convert")
	if ln <= 0 || off < 0 {
		return fmt.Errorf("convert [%v,+%v): empty or negative range", off, ln)
	}
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return err
	}

	end := off.Add(ln)
	pos := off
	for pos < end {
		cur, ok := fork.Lookup(pos)
		got, have := cur.Get()
		if !ok || !have {
			break
		}
		if got.Off >= end {
			break
		}
		if got.Off > pos {
			pos = got.Off
		}
		if !got.IsReal() || got.State == to {
			pos = got.End()
			continue
		}
		subEnd := slices.Min(end, got.End())
		sub := xfsbmbt.Irec{
			Off:   pos,
			Block: got.Block.Add(xfsprim.Filblks(pos - got.Off)),
			Len:   subEnd.Sub(pos),
			State: to,
		}
		if err := e.addExtentUnwrittenReal(ctx, tp, ip, whichFork, fork, &cur, sub); err != nil {
			return err
		}
		pos = subEnd
	}
	return nil
}

// addExtentUnwrittenReal rewrites part of the real record under the
// cursor with the opposite written state.  The same merge/split table
// applies, with state match standing in for physical adjacency as the
// contiguity predicate (the blocks themselves never move, so physical
// adjacency with the remainder pieces is a given).
func (e *Engine) addExtentUnwrittenReal(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, cur *xfsinode.Cursor, rec xfsbmbt.Irec) error {
	prev, havePrev := cur.Get()
	if !havePrev || !prev.IsReal() || prev.State == rec.State ||
		rec.Off < prev.Off || rec.End() > prev.End() ||
		rec.Block != prev.Block.Add(xfsprim.Filblks(rec.Off-prev.Off)) {
		return e.corrupt(ctx, ip.Ino, "state conversion of %v inside %v", rec, prev)
	}

	leftFilling := rec.Off == prev.Off
	rightFilling := rec.End() == prev.End()
	left, hasLeft := cur.Peek(-1)
	right, hasRight := cur.Peek(1)
	leftContig := leftFilling && hasLeft && realContig(left, rec)
	rightContig := rightFilling && hasRight && realContig(rec, right)
	if leftContig && rightContig &&
		left.Len+rec.Len+right.Len > xfsbmbt.MaxExtLen {
		rightContig = false
	}

	var err error
	switch classify(leftFilling, rightFilling, leftContig, rightContig) {
	case caseFillingBothContigBoth:
		merged := left
		merged.Len += rec.Len + right.Len
		cur.Remove() // prev
		cur.Remove() // right
		cur.Prev()
		cur.Update(merged)
		if err = e.mirrorRemove(ctx, tp, fork, prev); err == nil {
			if err = e.mirrorRemove(ctx, tp, fork, right); err == nil {
				err = e.mirrorUpdate(ctx, tp, fork, left, merged)
			}
		}

	case caseFillingBothContigLeft:
		merged := left
		merged.Len += rec.Len
		cur.Remove() // prev
		cur.Prev()
		cur.Update(merged)
		if err = e.mirrorRemove(ctx, tp, fork, prev); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, left, merged)
		}

	case caseFillingBothContigRight:
		merged := rec
		merged.Len += right.Len
		cur.Remove() // prev; cursor lands on right
		cur.Update(merged)
		if err = e.mirrorRemove(ctx, tp, fork, prev); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, right, merged)
		}

	case caseFillingBoth:
		cur.Update(rec)
		err = e.mirrorUpdate(ctx, tp, fork, prev, rec)

	case caseFillingLeftContigLeft:
		rem := prev
		rem.Off = rec.End()
		rem.Block = prev.Block.Add(rec.Len)
		rem.Len -= rec.Len
		merged := left
		merged.Len += rec.Len
		cur.Update(rem)
		cur.Prev()
		cur.Update(merged)
		if err = e.mirrorUpdate(ctx, tp, fork, prev, rem); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, left, merged)
		}

	case caseFillingLeft:
		rem := prev
		rem.Off = rec.End()
		rem.Block = prev.Block.Add(rec.Len)
		rem.Len -= rec.Len
		cur.Update(rem)
		cur.Insert(rec)
		if err = e.mirrorUpdate(ctx, tp, fork, prev, rem); err == nil {
			err = e.mirrorInsert(ctx, tp, fork, rec)
		}

	case caseFillingRightContigRight:
		rem := prev
		rem.Len -= rec.Len
		merged := rec
		merged.Len += right.Len
		cur.Update(rem)
		cur.Next()
		cur.Update(merged)
		if err = e.mirrorUpdate(ctx, tp, fork, prev, rem); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, right, merged)
		}

	case caseFillingRight:
		rem := prev
		rem.Len -= rec.Len
		cur.Update(rem)
		cur.Next()
		cur.Insert(rec)
		if err = e.mirrorUpdate(ctx, tp, fork, prev, rem); err == nil {
			err = e.mirrorInsert(ctx, tp, fork, rec)
		}

	case caseFillingNone:
		head := prev
		head.Len = xfsprim.Filblks(rec.Off - prev.Off)
		tail := prev
		tail.Off = rec.End()
		tail.Block = prev.Block.Add(head.Len + rec.Len)
		tail.Len = prev.End().Sub(rec.End())
		cur.Update(head)
		cur.Next()
		cur.Insert(rec)
		cur.Next()
		cur.Insert(tail)
		if err = e.mirrorUpdate(ctx, tp, fork, prev, head); err == nil {
			if err = e.mirrorInsert(ctx, tp, fork, rec); err == nil {
				err = e.mirrorInsert(ctx, tp, fork, tail)
			}
		}
	}
	if err != nil {
		return err
	}

	tp.SetDirty()
	dlog.Debugf(ctx, "converted %v to %v", rec, rec.State)
	return e.checkFormat(ctx, tp, ip, whichFork)
}
