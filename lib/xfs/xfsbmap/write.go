// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/containers"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// WriteMode selects what a Write call puts on disk.
type WriteMode int8

const (
	// WriteNorm allocates written blocks.
	WriteNorm WriteMode = iota
	// WriteUnwritten preallocates blocks in the unwritten state.
	WriteUnwritten
)

func (m WriteMode) state() xfsbmbt.ExtState {
	if m == WriteUnwritten {
		return xfsbmbt.StateUnwritten
	}
	return xfsbmbt.StateNorm
}

// Reserve books delayed allocations over every hole in [off, off+ln):
// no physical blocks move, but the data blocks plus the worst-case
// indirect-block cost are taken out of the free pool, so that the
// later conversion cannot fail for lack of space.  No transaction is
// involved; the reservation's lifetime is the extent's.
func (e *Engine) Reserve(ctx context.Context, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, off xfsprim.FileOff, ln xfsprim.Filblks) error {
	ctx = e.ctxFor(ctx, ip, whichFork, "reserve")
	if ln <= 0 || off < 0 {
		return fmt.Errorf("reserve [%v,+%v): empty or negative range", off, ln)
	}
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return err
	}
	if fork.Format == xfsinode.FormatLocal {
		return fmt.Errorf("reserve on a local-format fork of inode %v: promote it first", ip.Ino)
	}

	end := off.Add(ln)
	pos := off
	for pos < end {
		cur, ok := fork.Lookup(pos)
		got, have := cur.Get()
		if ok && have && got.Off <= pos {
			// Already mapped (real or delayed); skip it.
			pos = got.End()
			continue
		}
		holeLimit := xfsbmbt.MaxFileOff
		if have {
			holeLimit = got.Off
		}
		alen := slices.Min(end, holeLimit).Sub(pos)
		if ip.ExtSize > 1 {
			// Round the reservation up to the extent-size
			// hint, but never past the hole.
			want := (alen + ip.ExtSize - 1) / ip.ExtSize * ip.ExtSize
			alen = slices.Min(want, holeLimit.Sub(pos))
		}
		alen = slices.Min(alen, xfsbmbt.MaxExtLen)

		indlen := worstIndLen(e.Geo, alen)
		if err := e.Txns.Reserve(alen + indlen); err != nil {
			return fmt.Errorf("reserve [%v,+%v) for inode %v: %w", pos, alen, ip.Ino, err)
		}
		ip.DelBlks += alen + indlen
		e.addQuota(ip.Ino, alen+indlen)
		e.addExtentHoleDelay(ctx, ip, fork, &cur, xfsbmbt.Delayed(pos, alen, indlen))
		pos = pos.Add(alen)
	}
	return nil
}

func (e *Engine) addQuota(ino xfsprim.Ino, delta xfsprim.Filblks) {
	if e.Txns.Quota != nil {
		e.Txns.Quota.AddBlockDelta(ino, delta)
	}
}

// addExtentHoleDelay lays a delayed record into a hole, merging with
// delayed neighbors.  A merged record needs at most the worst case of
// its combined length, which can be less than the pieces' summed
// reservations; the excess goes back to the pool.  The cursor must be
// positioned at the record after the hole.
func (e *Engine) addExtentHoleDelay(ctx context.Context, ip *xfsinode.Inode, fork *xfsinode.Fork, cur *xfsinode.Cursor, rec xfsbmbt.Irec) {
	left, hasLeft := cur.Peek(-1)
	right, hasRight := cur.Get()

	leftContig := hasLeft && left.IsDelayed() &&
		left.End() == rec.Off &&
		left.Len+rec.Len <= xfsbmbt.MaxExtLen
	rightContig := hasRight && right.IsDelayed() &&
		rec.End() == right.Off &&
		rec.Len+right.Len <= xfsbmbt.MaxExtLen
	if leftContig && rightContig &&
		left.Len+rec.Len+right.Len > xfsbmbt.MaxExtLen {
		rightContig = false
	}

	var merged xfsbmbt.Irec
	var oldRes xfsprim.Filblks
	switch c := classify(true, true, leftContig, rightContig); c {
	case caseFillingBothContigBoth:
		oldRes = left.IndRes() + rec.IndRes() + right.IndRes()
		merged = xfsbmbt.Delayed(left.Off, left.Len+rec.Len+right.Len, 0)
		cur.Remove() // the right neighbor
		cur.Prev()
		// now at left
	case caseFillingBothContigLeft:
		oldRes = left.IndRes() + rec.IndRes()
		merged = xfsbmbt.Delayed(left.Off, left.Len+rec.Len, 0)
		cur.Prev()
	case caseFillingBothContigRight:
		oldRes = rec.IndRes() + right.IndRes()
		merged = xfsbmbt.Delayed(rec.Off, rec.Len+right.Len, 0)
	case caseFillingBoth:
		cur.Insert(rec)
		return
	default:
		panic(fmt.Errorf("should not happen: hole-delay classified as %v", c))
	}

	newRes := slices.Min(oldRes, worstIndLen(e.Geo, merged.Len))
	merged = xfsbmbt.Delayed(merged.Off, merged.Len, newRes)
	cur.Update(merged)
	if freed := oldRes - newRes; freed > 0 {
		e.Txns.Release(freed)
		ip.DelBlks -= freed
		e.addQuota(ip.Ino, -freed)
	}
}

// Write maps [off, off+ln) to real blocks: existing real records are
// returned as they are, delayed records are converted, and holes are
// filled with fresh allocations.  At most MaxNMap records come back;
// the caller re-invokes for the rest.  Partial success is normal in
// low-space conditions.
func (e *Engine) Write(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, off xfsprim.FileOff, ln xfsprim.Filblks, mode WriteMode) ([]xfsbmbt.Irec, error) {
	ctx = e.ctxFor(ctx, ip, whichFork, "write")
	if ln <= 0 || off < 0 {
		return nil, fmt.Errorf("write mapping [%v,+%v): empty or negative range", off, ln)
	}
	fork, err := e.load(ctx, ip, whichFork)
	if err != nil {
		return nil, err
	}
	if fork.Format == xfsinode.FormatLocal {
		if err := e.LocalToExtents(ctx, tp, ip, whichFork); err != nil {
			return nil, err
		}
	}

	end := off.Add(ln)
	pos := off
	var ret []xfsbmbt.Irec
	for pos < end && len(ret) < MaxNMap {
		cur, ok := fork.Lookup(pos)
		got, have := cur.Get()

		switch {
		case ok && have && got.Off <= pos && !got.IsDelayed():
			// Already real; clip and return it.
			rec := got
			if rec.Off < pos {
				skip := xfsprim.Filblks(pos - rec.Off)
				rec.Off, rec.Block, rec.Len = pos, rec.Block.Add(skip), rec.Len-skip
			}
			if rec.End() > end {
				rec.Len = end.Sub(rec.Off)
			}
			ret = append(ret, rec)
			pos = rec.End()

		case ok && have && got.Off <= pos:
			// Delayed; allocate and convert.
			rec, err := e.convertDelayed(ctx, tp, ip, whichFork, fork, &cur, pos, end, mode)
			if err != nil {
				return ret, err
			}
			ret = append(ret, rec)
			pos = rec.End()

		default:
			// Hole; allocate directly.
			holeLimit := xfsbmbt.MaxFileOff
			if have {
				holeLimit = got.Off
			}
			rec, err := e.fillHole(ctx, tp, ip, whichFork, fork, pos, slices.Min(end, holeLimit), holeLimit, mode)
			if err != nil {
				return ret, err
			}
			ret = append(ret, rec)
			pos = rec.End()
		}
	}
	return ret, nil
}

// allocHint derives the locality hint for an allocation at pos: right
// after the nearest real record below it, exactly adjacent when pos
// directly follows that record.
func allocHint(geo xfsprim.Geometry, cur xfsinode.Cursor, pos xfsprim.FileOff) (containers.Optional[xfsprim.FsBlock], bool) {
	for n := -1; ; n-- {
		prev, ok := cur.Peek(n)
		if !ok {
			return containers.OptionalNil[xfsprim.FsBlock](), false
		}
		if !prev.IsReal() {
			continue
		}
		want := prev.Block.Add(prev.Len + xfsprim.Filblks(pos-prev.End()))
		if !geo.ValidFsBlock(want) {
			want = prev.Block
		}
		return containers.OptionalValue(want), pos == prev.End()
	}
}

// convertDelayed carves a real allocation out of the delayed record
// under the cursor, covering [pos, min(end, record end)) as far as
// the allocator manages.
func (e *Engine) convertDelayed(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, cur *xfsinode.Cursor, pos, end xfsprim.FileOff, mode WriteMode) (xfsbmbt.Irec, error) {
	prev, _ := cur.Get()
	want := slices.Min(prev.End(), end).Sub(pos)
	hint, exact := allocHint(e.Geo, *cur, pos)
	bno, got, err := e.Alloc.Alloc(ctx, tp, xfsalloc.Request{
		Ino:    ip.Ino,
		Hint:   hint,
		Len:    want,
		MinLen: 1,
		Exact:  exact,
		Stream: ip.Stream,
	})
	if err != nil {
		return xfsbmbt.Irec{}, fmt.Errorf("convert delayed extent at %v: %w", pos, err)
	}
	rec := xfsbmbt.Irec{Off: pos, Block: bno, Len: got, State: mode.state()}
	if err := e.addExtentDelayReal(ctx, tp, ip, whichFork, fork, cur, rec); err != nil {
		return xfsbmbt.Irec{}, err
	}
	return rec, nil
}

// fillHole allocates real blocks straight into [pos, reqEnd), free to
// round up to the extent-size hint as far as holeLimit.  The data
// blocks draw on the transaction's reservation.
func (e *Engine) fillHole(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, pos, reqEnd, holeLimit xfsprim.FileOff, mode WriteMode) (xfsbmbt.Irec, error) {
	want := reqEnd.Sub(pos)
	if ip.ExtSize > 1 {
		aligned := (want + ip.ExtSize - 1) / ip.ExtSize * ip.ExtSize
		want = slices.Min(aligned, holeLimit.Sub(pos))
	}
	want = slices.Min(want, xfsbmbt.MaxExtLen)

	cur, _ := fork.Lookup(pos)
	hint, exact := allocHint(e.Geo, cur, pos)
	bno, got, err := e.Alloc.Alloc(ctx, tp, xfsalloc.Request{
		Ino:    ip.Ino,
		Hint:   hint,
		Len:    want,
		MinLen: 1,
		Exact:  exact,
		Stream: ip.Stream,
	})
	if err != nil {
		return xfsbmbt.Irec{}, fmt.Errorf("allocate into hole at %v: %w", pos, err)
	}
	if err := tp.UseBlkRes(got); err != nil {
		return xfsbmbt.Irec{}, err
	}
	rec := xfsbmbt.Irec{Off: pos, Block: bno, Len: got, State: mode.state()}
	if err := e.addExtentHoleReal(ctx, tp, ip, whichFork, fork, &cur, rec); err != nil {
		return xfsbmbt.Irec{}, err
	}
	e.addQuota(ip.Ino, got)
	return rec, nil
}

// realContig reports whether a and b are one extent split in two: b
// logically and physically right after a, same state.
func realContig(a, b xfsbmbt.Irec) bool {
	return a.IsReal() && b.IsReal() &&
		a.End() == b.Off &&
		a.Block.Add(a.Len) == b.Block &&
		a.State == b.State &&
		a.Len+b.Len <= xfsbmbt.MaxExtLen
}

// addExtentHoleReal inserts a freshly allocated record into a hole,
// merging with physically contiguous, state-matching neighbors.  The
// cursor must be positioned at the record after the hole.
func (e *Engine) addExtentHoleReal(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, cur *xfsinode.Cursor, rec xfsbmbt.Irec) error {
	left, hasLeft := cur.Peek(-1)
	right, hasRight := cur.Get()

	leftContig := hasLeft && realContig(left, rec)
	rightContig := hasRight && realContig(rec, right)
	if leftContig && rightContig &&
		left.Len+rec.Len+right.Len > xfsbmbt.MaxExtLen {
		rightContig = false
	}

	var err error
	switch c := classify(true, true, leftContig, rightContig); c {
	case caseFillingBothContigBoth:
		merged := left
		merged.Len += rec.Len + right.Len
		cur.Remove() // the right neighbor
		cur.Prev()
		cur.Update(merged)
		if err = e.mirrorRemove(ctx, tp, fork, right); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, left, merged)
		}
	case caseFillingBothContigLeft:
		merged := left
		merged.Len += rec.Len
		cur.Prev()
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, left, merged)
	case caseFillingBothContigRight:
		merged := rec
		merged.Len += right.Len
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, right, merged)
	case caseFillingBoth:
		cur.Insert(rec)
		err = e.mirrorInsert(ctx, tp, fork, rec)
	default:
		panic(fmt.Errorf("should not happen: hole-real classified as %v", c))
	}
	if err != nil {
		return err
	}

	tp.SetDirty()
	if e.Rmap != nil {
		e.Rmap.MapExtent(ip.Ino, whichFork, rec)
	}
	e.Defer.DeferMap(tp, ip.Ino, rec.Off, rec.Block, rec.Len)
	dlog.Debugf(ctx, "mapped %v into a hole", rec)
	return e.checkFormat(ctx, tp, ip, whichFork)
}

// addExtentDelayReal converts part of the delayed record under the
// cursor into the real record rec, applying one row of the
// merge/split table and re-accounting the indirect-block reservation.
func (e *Engine) addExtentDelayReal(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork, fork *xfsinode.Fork, cur *xfsinode.Cursor, rec xfsbmbt.Irec) error {
	prev, havePrev := cur.Get()
	if !havePrev || !prev.IsDelayed() || !rec.IsReal() ||
		rec.Off < prev.Off || rec.End() > prev.End() {
		return e.corrupt(ctx, ip.Ino, "delayed conversion of %v inside %v", rec, prev)
	}
	daOld := prev.IndRes()

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

	var daNew xfsprim.Filblks
	var err error
	switch classify(leftFilling, rightFilling, leftContig, rightContig) {
	case caseFillingBothContigBoth:
		merged := left
		merged.Len += rec.Len + right.Len
		cur.Remove() // prev
		cur.Remove() // right
		cur.Prev()
		cur.Update(merged)
		if err = e.mirrorRemove(ctx, tp, fork, right); err == nil {
			err = e.mirrorUpdate(ctx, tp, fork, left, merged)
		}

	case caseFillingBothContigLeft:
		merged := left
		merged.Len += rec.Len
		cur.Remove() // prev
		cur.Prev()
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, left, merged)

	case caseFillingBothContigRight:
		merged := rec
		merged.Len += right.Len
		cur.Remove() // prev; cursor lands on right
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, right, merged)

	case caseFillingBoth:
		cur.Update(rec)
		err = e.mirrorUpdate(ctx, tp, fork, prev, rec)

	case caseFillingLeftContigLeft:
		rem, res := shrinkDelayedFront(e.Geo, prev, rec.Len, daOld)
		daNew = res
		merged := left
		merged.Len += rec.Len
		cur.Update(rem)
		cur.Prev()
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, left, merged)

	case caseFillingLeft:
		rem, res := shrinkDelayedFront(e.Geo, prev, rec.Len, daOld)
		daNew = res
		cur.Update(rem)
		cur.Insert(rec)
		err = e.mirrorInsert(ctx, tp, fork, rec)

	case caseFillingRightContigRight:
		rem, res := shrinkDelayedBack(e.Geo, prev, rec.Len, daOld)
		daNew = res
		merged := rec
		merged.Len += right.Len
		cur.Update(rem)
		cur.Next()
		cur.Update(merged)
		err = e.mirrorUpdate(ctx, tp, fork, right, merged)

	case caseFillingRight:
		rem, res := shrinkDelayedBack(e.Geo, prev, rec.Len, daOld)
		daNew = res
		cur.Update(rem)
		cur.Next()
		cur.Insert(rec)
		err = e.mirrorInsert(ctx, tp, fork, rec)

	case caseFillingNone:
		headLen := xfsprim.Filblks(rec.Off - prev.Off)
		tailLen := prev.End().Sub(rec.End())
		headRes, tailRes := splitIndLen(ctx, e.Geo, daOld, headLen, tailLen)
		daNew = headRes + tailRes
		cur.Update(xfsbmbt.Delayed(prev.Off, headLen, headRes))
		cur.Next()
		cur.Insert(rec)
		cur.Next()
		cur.Insert(xfsbmbt.Delayed(rec.End(), tailLen, tailRes))
		err = e.mirrorInsert(ctx, tp, fork, rec)
	}
	if err != nil {
		return err
	}

	// The converted data blocks stop being delayed, and any excess
	// of the old reservation over what the remainders need goes
	// back to the pool.
	ip.DelBlks -= rec.Len
	if freed := daOld - daNew; freed > 0 {
		e.Txns.Release(freed)
		ip.DelBlks -= freed
		tp.AddQuotaDelta(ip.Ino, -freed)
	}
	tp.SetDirty()
	if e.Rmap != nil {
		e.Rmap.MapExtent(ip.Ino, whichFork, rec)
	}
	e.Defer.DeferMap(tp, ip.Ino, rec.Off, rec.Block, rec.Len)
	dlog.Debugf(ctx, "converted delayed extent to %v", rec)
	return e.checkFormat(ctx, tp, ip, whichFork)
}

// shrinkDelayedFront cuts n blocks off a delayed record's head; the
// remainder keeps its own worst case, capped at the old reservation.
func shrinkDelayedFront(geo xfsprim.Geometry, prev xfsbmbt.Irec, n, daOld xfsprim.Filblks) (xfsbmbt.Irec, xfsprim.Filblks) {
	remLen := prev.Len - n
	res := slices.Min(worstIndLen(geo, remLen), daOld)
	return xfsbmbt.Delayed(prev.Off.Add(n), remLen, res), res
}

// shrinkDelayedBack cuts n blocks off a delayed record's tail.
func shrinkDelayedBack(geo xfsprim.Geometry, prev xfsbmbt.Irec, n, daOld xfsprim.Filblks) (xfsbmbt.Irec, xfsprim.Filblks) {
	remLen := prev.Len - n
	res := slices.Min(worstIndLen(geo, remLen), daOld)
	return xfsbmbt.Delayed(prev.Off, remLen, res), res
}
