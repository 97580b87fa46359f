// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmbt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

func TestRecRoundTrip(t *testing.T) {
	t.Parallel()
	recs := []Irec{
		{Off: 0, Block: 0, Len: 1, State: StateNorm},
		{Off: 12345, Block: 67890, Len: 42, State: StateNorm},
		{Off: 12345, Block: 67890, Len: 42, State: StateUnwritten},
		{Off: MaxFileOff, Block: 1<<52 - 1, Len: MaxExtLen, State: StateUnwritten},
		{Off: 1, Block: 1 << 51, Len: 1, State: StateNorm},
	}
	var dat [SizeofRec]byte
	for _, rec := range recs {
		PutRec(dat[:], rec)
		assert.Equal(t, rec, GetRec(dat[:]), "record %v", rec)
	}
}

func TestRecStateBit(t *testing.T) {
	t.Parallel()
	var dat [SizeofRec]byte
	PutRec(dat[:], Irec{Off: 7, Block: 9, Len: 3, State: StateUnwritten})
	assert.Equal(t, byte(0x80), dat[0]&0x80)
	PutRec(dat[:], Irec{Off: 7, Block: 9, Len: 3, State: StateNorm})
	assert.Equal(t, byte(0), dat[0]&0x80)
}

func TestRecPackPanics(t *testing.T) {
	t.Parallel()
	var dat [SizeofRec]byte
	assert.Panics(t, func() {
		PutRec(dat[:], Hole(0, 5))
	})
	assert.Panics(t, func() {
		PutRec(dat[:], Delayed(0, 5, 1))
	})
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	hdr := BlockHeader{
		Magic:    Magic,
		Level:    3,
		NumRecs:  117,
		LeftSib:  xfsprim.NullFsBlock,
		RightSib: 42,
	}
	var dat [SizeofBlockHeader]byte
	PutBlockHeader(dat[:], hdr)
	assert.Equal(t, hdr, GetBlockHeader(dat[:]))
	// "BMAP", big-endian.
	assert.Equal(t, []byte{'B', 'M', 'A', 'P'}, dat[0:4])
}

func TestKeyPtrRoundTrip(t *testing.T) {
	t.Parallel()
	var dat [8]byte
	putKey(dat[:], 98765)
	assert.Equal(t, xfsprim.FileOff(98765), getKey(dat[:]))
	putPtr(dat[:], 4321)
	assert.Equal(t, xfsprim.FsBlock(4321), getPtr(dat[:]))
}

func TestIrecPredicates(t *testing.T) {
	t.Parallel()
	real := Irec{Off: 10, Block: 100, Len: 5}
	assert.True(t, real.IsReal())
	assert.False(t, real.IsHole())
	assert.False(t, real.IsDelayed())
	assert.Equal(t, xfsprim.FileOff(15), real.End())

	hole := Hole(10, 5)
	assert.True(t, hole.IsHole())
	assert.False(t, hole.IsReal())
	assert.False(t, hole.IsDelayed())

	del := Delayed(10, 5, 3)
	require.True(t, del.IsDelayed())
	assert.False(t, del.IsReal())
	assert.Equal(t, xfsprim.Filblks(3), del.IndRes())
}
