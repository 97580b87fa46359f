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

// Unmap removes the mappings in [off, off+ln), working from the high
// end down and touching at most maxRecs records, so that any one
// transaction stays bounded.  It returns how much of the range is
// still mapped; the caller commits and re-invokes until that reaches
// zero.
//
// Delayed records just give their reservation back.  Real records
// register a deferred unmap intent for the physical free and shrink
// or split in place.
func (e *Engine) Unmap(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, off xfsprim.FileOff, ln xfsprim.Filblks, maxRecs int) (xfsprim.Filblks, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "unmap")
	if ln <= 0 || off < 0 {
		return 0, fmt.Errorf("unmap [%v,+%v): empty or negative range", off, ln)
	}
	if maxRecs <= 0 {
		maxRecs = MaxNMap
	}
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return ln, err
	}
	if fork.Format == xfsinode.FormatLocal {
		return ln, fmt.Errorf("unmap on a local-format fork of inode %v", ip.Ino)
	}

	end := off.Add(ln)
	pos := end
	for done := 0; pos > off && done < maxRecs; done++ {
		cur, ok := fork.Lookup(pos - 1)
		got, have := cur.Get()
		if !ok || !have || got.Off >= pos {
			// The record at the cursor starts at or past pos;
			// the one below it is the last candidate.
			cur.Prev()
			got, have = cur.Get()
		}
		if !have || got.End() <= off {
			// Nothing mapped below pos within the range.
			pos = off
			break
		}

		delStart := slices.Max(got.Off, off)
		delEnd := slices.Min(got.End(), pos)
		if got.IsDelayed() {
			e.delDelayed(ctx, tp, ip, fork, &cur, got, delStart, delEnd)
		} else if err := e.delReal(ctx, tp, ip, whichFork, fork, &cur, got, delStart, delEnd); err != nil {
			return pos.Sub(off), err
		}
		pos = delStart
	}
	return pos.Sub(off), nil
}

// delDelayed drops [delStart, delEnd) out of a delayed record,
// releasing the covered data blocks and whatever indirect reservation
// the remainders do not need.
func (e *Engine) delDelayed(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, fork *xfsinode.Fork, cur *xfsinode.Cursor, got xfsbmbt.Irec, delStart, delEnd xfsprim.FileOff) {
	oldRes := got.IndRes()
	delLen := delEnd.Sub(delStart)
	var newRes xfsprim.Filblks

	switch {
	case delStart == got.Off && delEnd == got.End():
		cur.Remove()
	case delStart == got.Off:
		remLen := got.Len - delLen
		newRes = slices.Min(worstIndLen(e.Geo, remLen), oldRes)
		cur.Update(xfsbmbt.Delayed(delEnd, remLen, newRes))
	case delEnd == got.End():
		remLen := got.Len - delLen
		newRes = slices.Min(worstIndLen(e.Geo, remLen), oldRes)
		cur.Update(xfsbmbt.Delayed(got.Off, remLen, newRes))
	default:
		headLen := xfsprim.Filblks(delStart - got.Off)
		tailLen := got.End().Sub(delEnd)
		headRes, tailRes := splitIndLen(ctx, e.Geo, oldRes, headLen, tailLen)
		newRes = headRes + tailRes
		cur.Update(xfsbmbt.Delayed(got.Off, headLen, headRes))
		cur.Next()
		cur.Insert(xfsbmbt.Delayed(delEnd, tailLen, tailRes))
	}

	freed := delLen + (oldRes - newRes)
	e.Txns.Release(freed)
	ip.DelBlks -= freed
	tp.AddQuotaDelta(ip.Ino, -freed)
	dlog.Debugf(ctx, "released delayed range [%v,%v), %v blocks back to the pool", delStart, delEnd, freed)
}

// delReal drops [delStart, delEnd) out of a real record: the freed
// physical range goes to a deferred unmap intent, and the record
// shrinks or splits in place.
func (e *Engine) delReal(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, cur *xfsinode.Cursor, got xfsbmbt.Irec, delStart, delEnd xfsprim.FileOff) error {
	delLen := delEnd.Sub(delStart)
	del := xfsbmbt.Irec{
		Off:   delStart,
		Block: got.Block.Add(xfsprim.Filblks(delStart - got.Off)),
		Len:   delLen,
		State: got.State,
	}

	var err error
	switch {
	case delStart == got.Off && delEnd == got.End():
		cur.Remove()
		err = e.mirrorRemove(ctx, tp, fork, got)
	case delStart == got.Off:
		rem := got
		rem.Off = delEnd
		rem.Block = got.Block.Add(delLen)
		rem.Len -= delLen
		cur.Update(rem)
		err = e.mirrorUpdate(ctx, tp, fork, got, rem)
	case delEnd == got.End():
		rem := got
		rem.Len -= delLen
		cur.Update(rem)
		err = e.mirrorUpdate(ctx, tp, fork, got, rem)
	default:
		head := got
		head.Len = xfsprim.Filblks(delStart - got.Off)
		tail := got
		tail.Off = delEnd
		tail.Block = got.Block.Add(head.Len + delLen)
		tail.Len = got.End().Sub(delEnd)
		cur.Update(head)
		cur.Next()
		cur.Insert(tail)
		if err = e.mirrorUpdate(ctx, tp, fork, got, head); err == nil {
			err = e.mirrorInsert(ctx, tp, fork, tail)
		}
	}
	if err != nil {
		return err
	}

	tp.SetDirty()
	tp.AddQuotaDelta(ip.Ino, -delLen)
	if e.Rmap != nil {
		e.Rmap.UnmapExtent(ip.Ino, whichFork, del)
	}
	e.Defer.DeferUnmap(tp, ip.Ino, del.Off, del.Block, del.Len)
	dlog.Debugf(ctx, "unmapped %v", del)
	return e.checkFormat(ctx, tp, ip, whichFork)
}
