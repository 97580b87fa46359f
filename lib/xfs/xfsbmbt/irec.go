// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsbmbt implements the extent records of a block-mapping
// btree ("bmbt"): the in-core record model, the packed on-disk record
// and block formats (an existing binary contract, preserved
// bit-for-bit), and the persistence adapter that keeps an on-disk
// tree in sync with a fork's in-core extent list.
package xfsbmbt

import (
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

type ExtState uint8

const (
	// StateNorm is an ordinary written extent.
	StateNorm = ExtState(iota)
	// StateUnwritten is preallocated space whose contents are not
	// yet valid; reads of it must see zeroes.
	StateUnwritten
)

func (st ExtState) String() string {
	switch st {
	case StateNorm:
		return "norm"
	case StateUnwritten:
		return "unwritten"
	default:
		panic(fmt.Errorf("invalid extent state: %#v", uint8(st)))
	}
}

// An Irec is one in-core extent record: a contiguous run of logical
// blocks mapped to a contiguous run of physical blocks, to a hole, or
// to a delayed-allocation reservation.
//
// An Irec handed to a caller is immutable; the extent list is only
// ever changed through the cursor's update primitives.
type Irec struct {
	Off   xfsprim.FileOff
	Block xfsprim.FsBlock
	Len   xfsprim.Filblks
	State ExtState
}

// Hole returns a hole record, as produced by the read path for
// unmapped sub-ranges.  Holes are never stored in the extent list.
func Hole(off xfsprim.FileOff, ln xfsprim.Filblks) Irec {
	return Irec{
		Off:   off,
		Block: xfsprim.HoleStartBlock,
		Len:   ln,
		State: StateNorm,
	}
}

// Delayed returns a delayed-allocation record carrying a reservation
// of res worst-case indirect blocks.
func Delayed(off xfsprim.FileOff, ln xfsprim.Filblks, res xfsprim.Filblks) Irec {
	return Irec{
		Off:   off,
		Block: xfsprim.DelayStartBlock(res),
		Len:   ln,
		State: StateNorm,
	}
}

// End returns the first logical block past the record.
func (rec Irec) End() xfsprim.FileOff {
	return rec.Off.Add(rec.Len)
}

func (rec Irec) IsHole() bool {
	return rec.Block == xfsprim.HoleStartBlock
}

func (rec Irec) IsDelayed() bool {
	return rec.Block != xfsprim.HoleStartBlock && xfsprim.IsDelayStartBlock(rec.Block)
}

// IsReal reports whether the record maps committed physical blocks.
func (rec Irec) IsReal() bool {
	return !rec.IsHole() && !rec.IsDelayed()
}

// IndRes returns a delayed record's indirect-block reservation.
func (rec Irec) IndRes() xfsprim.Filblks {
	return xfsprim.StartBlockVal(rec.Block)
}

func (rec Irec) String() string {
	switch {
	case rec.IsHole():
		return fmt.Sprintf("[%v,%v):hole", int64(rec.Off), int64(rec.End()))
	case rec.IsDelayed():
		return fmt.Sprintf("[%v,%v):delay(res=%v)", int64(rec.Off), int64(rec.End()), int64(rec.IndRes()))
	default:
		return fmt.Sprintf("[%v,%v):%v:%v", int64(rec.Off), int64(rec.End()), rec.Block, rec.State)
	}
}
