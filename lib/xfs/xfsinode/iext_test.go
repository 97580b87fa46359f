// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsinode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

func testFork(recs ...xfsbmbt.Irec) *xfsinode.Fork {
	ip := xfsinode.NewInode(128)
	ip.Data.SetExtents(recs)
	return &ip.Data
}

func realRec(off xfsprim.FileOff, bno xfsprim.FsBlock, ln xfsprim.Filblks) xfsbmbt.Irec {
	return xfsbmbt.Irec{Off: off, Block: bno, Len: ln, State: xfsbmbt.StateNorm}
}

func TestLookup(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(10, 100, 10), realRec(30, 200, 10))

	// Below everything: the first record.
	cur, ok := fork.Lookup(0)
	require.True(t, ok)
	got, _ := cur.Get()
	assert.Equal(t, xfsprim.FileOff(10), got.Off)

	// Inside a record: that record.
	cur, ok = fork.Lookup(15)
	require.True(t, ok)
	got, _ = cur.Get()
	assert.Equal(t, xfsprim.FileOff(10), got.Off)

	// In the gap: the next record up.
	cur, ok = fork.Lookup(25)
	require.True(t, ok)
	got, _ = cur.Get()
	assert.Equal(t, xfsprim.FileOff(30), got.Off)

	// A record's end is not inside it.
	cur, ok = fork.Lookup(20)
	require.True(t, ok)
	got, _ = cur.Get()
	assert.Equal(t, xfsprim.FileOff(30), got.Off)

	// Past everything.
	cur, ok = fork.Lookup(40)
	assert.False(t, ok)
	_, have := cur.Get()
	assert.False(t, have)
}

func TestCursorWalk(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(0, 100, 1), realRec(10, 101, 1), realRec(20, 102, 1))

	cur := fork.First()
	var offs []xfsprim.FileOff
	for {
		got, ok := cur.Get()
		if !ok {
			break
		}
		offs = append(offs, got.Off)
		cur.Next()
	}
	assert.Equal(t, []xfsprim.FileOff{0, 10, 20}, offs)

	cur, _ = fork.Lookup(10)
	left, ok := cur.Peek(-1)
	require.True(t, ok)
	assert.Equal(t, xfsprim.FileOff(0), left.Off)
	right, ok := cur.Peek(1)
	require.True(t, ok)
	assert.Equal(t, xfsprim.FileOff(20), right.Off)
	_, ok = cur.Peek(-2)
	assert.False(t, ok)

	cur.Prev()
	got, _ := cur.Get()
	assert.Equal(t, xfsprim.FileOff(0), got.Off)
}

func TestInsertKeepsCounts(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(0, 100, 5), realRec(20, 200, 5))
	require.Equal(t, xfsprim.ExtNum(2), fork.NExtents)

	cur, _ := fork.Lookup(10)
	cur.Insert(realRec(10, 150, 5))
	assert.Equal(t, xfsprim.ExtNum(3), fork.NExtents)
	assert.Equal(t, 3, fork.NumRecs())
	got, _ := cur.Get()
	assert.Equal(t, xfsprim.FileOff(10), got.Off)

	// Delayed records are in-core only and stay out of NExtents.
	cur, _ = fork.Lookup(40)
	cur.Insert(xfsbmbt.Delayed(40, 5, 1))
	assert.Equal(t, xfsprim.ExtNum(3), fork.NExtents)
	assert.Equal(t, 4, fork.NumRecs())
}

func TestInsertOverlapPanics(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(10, 100, 10))

	cur, _ := fork.Lookup(5)
	assert.Panics(t, func() { cur.Insert(realRec(5, 200, 10)) })

	cur2, _ := fork.Lookup(25)
	assert.Panics(t, func() { cur2.Insert(realRec(15, 200, 5)) })
}

func TestRemove(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(0, 100, 5), realRec(10, 101, 5))
	cur, _ := fork.Lookup(0)
	cur.Remove()
	assert.Equal(t, xfsprim.ExtNum(1), fork.NExtents)
	got, ok := cur.Get()
	require.True(t, ok)
	assert.Equal(t, xfsprim.FileOff(10), got.Off)

	cur.Remove()
	assert.Equal(t, 0, fork.NumRecs())
	assert.Panics(t, func() { cur.Remove() })
}

func TestUpdateTracksDelayed(t *testing.T) {
	t.Parallel()
	fork := testFork(xfsbmbt.Delayed(0, 5, 1))
	require.Equal(t, xfsprim.ExtNum(0), fork.NExtents)

	cur, _ := fork.Lookup(0)
	cur.Update(realRec(0, 100, 5))
	assert.Equal(t, xfsprim.ExtNum(1), fork.NExtents)

	cur.Update(xfsbmbt.Delayed(0, 5, 1))
	assert.Equal(t, xfsprim.ExtNum(0), fork.NExtents)

	cur.Update(xfsbmbt.Delayed(0, 6, 2))
	assert.Equal(t, xfsprim.ExtNum(0), fork.NExtents)
}

func TestUpdateOverlapPanics(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(0, 100, 5), realRec(10, 101, 5))
	cur, _ := fork.Lookup(0)
	assert.Panics(t, func() { cur.Update(realRec(0, 100, 11)) })
}

func TestSetExtentsRecounts(t *testing.T) {
	t.Parallel()
	fork := testFork(realRec(0, 100, 5), xfsbmbt.Delayed(10, 5, 1), realRec(20, 101, 5))
	assert.Equal(t, xfsprim.ExtNum(2), fork.NExtents)
	assert.Equal(t, 3, fork.NumRecs())
}

func TestNewInode(t *testing.T) {
	t.Parallel()
	ip := xfsinode.NewInode(42)
	assert.Equal(t, xfsprim.Ino(42), ip.Ino)
	assert.Equal(t, xfsinode.FormatExtents, ip.Data.Format)
	assert.Equal(t, xfsinode.FormatExtents, ip.Attr.Format)
	assert.True(t, ip.Data.Loaded())
	assert.Empty(t, ip.Data.Extents())
	assert.Same(t, &ip.Data, ip.Fork(xfsinode.DataFork))
	assert.Same(t, &ip.Attr, ip.Fork(xfsinode.AttrFork))
}
