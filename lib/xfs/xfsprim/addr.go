// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsprim implements the primitive typed integers that the
// rest of lib/xfs is written in terms of: logical file offsets,
// physical filesystem blocks, block counts, and allocation-group
// coordinates.
package xfsprim

import (
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/fmtutil"
)

type (
	// FileOff is a logical block offset within a fork.
	FileOff int64
	// Filblks is a count of filesystem blocks.
	Filblks int64
	// FsBlock is a segmented physical block number: the
	// allocation-group number in the high bits, the block offset
	// within that group in the low bits.
	FsBlock int64
)

type (
	AgNumber uint32
	AgBlock  int64
)

// Ino is an inode number; this engine only ever uses it as an opaque
// owner identifier.
type Ino uint64

// ExtNum counts extent records within one fork.
type ExtNum int64

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a FsBlock) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }

func (a FileOff) Add(b Filblks) FileOff { return a + FileOff(b) }
func (a FileOff) Sub(b FileOff) Filblks { return Filblks(a - b) }

func (a FsBlock) Add(b Filblks) FsBlock { return a + FsBlock(b) }

// Special .Block values for in-core extent records and for records
// returned to callers.  These share the top of the FsBlock value
// space with the on-disk contract and must not change.
const (
	// NullFsBlock marks "no block": an unset locality hint, a
	// nil btree sibling pointer.
	NullFsBlock = FsBlock(-1)
	// HoleStartBlock marks a hole in a returned mapping.
	HoleStartBlock = FsBlock(-2)
)

// A delayed-allocation record has no physical location yet; its
// .Block field instead carries the record's worst-case indirect-block
// reservation in the low startBlockValBits bits, with all bits above
// them set.
const startBlockValBits = 17

const startBlockMask = FsBlock(-1) << startBlockValBits

// DelayStartBlock encodes a delayed-allocation reservation of res
// indirect blocks as a .Block value.
func DelayStartBlock(res Filblks) FsBlock {
	return startBlockMask | FsBlock(res)
}

// IsDelayStartBlock reports whether b is a delayed-allocation
// reservation token (this includes NullFsBlock; a real block number
// never has all of the mask bits set).
func IsDelayStartBlock(b FsBlock) bool {
	return b&startBlockMask == startBlockMask
}

// StartBlockVal returns the reservation carried by a
// DelayStartBlock-encoded .Block value.
func StartBlockVal(b FsBlock) Filblks {
	return Filblks(b &^ startBlockMask)
}
