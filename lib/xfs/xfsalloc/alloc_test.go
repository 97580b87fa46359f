// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsalloc_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/containers"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

func testAllocWorld(t *testing.T, stripeUnit xfsprim.Filblks) (context.Context, xfsprim.Geometry, *xfsalloc.MemSpaceManager, *xfsalloc.Allocator, *xfstxn.Txn) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	geo, err := xfsprim.NewGeometry(512, 2, 64, 64, stripeUnit)
	require.NoError(t, err)
	sm := xfsalloc.NewMemSpaceManager(geo)
	al := xfsalloc.NewAllocator(geo, sm)
	mgr := xfstxn.NewManager(xfsprim.Filblks(geo.AgCount) * geo.AgBlocks)
	tp, err := mgr.Begin(ctx, 8)
	require.NoError(t, err)
	return ctx, geo, sm, al, tp
}

// carve takes [agbno, agbno+ln) out of the group directly, to shape
// the free space a test wants.
func carve(t *testing.T, ctx context.Context, sm *xfsalloc.MemSpaceManager, agno xfsprim.AgNumber, agbno xfsprim.AgBlock, ln xfsprim.Filblks) {
	t.Helper()
	got, gotLen, err := sm.AgAlloc(ctx, agno, xfsalloc.AgReq{Target: agbno, Exact: true, Len: ln, MinLen: ln}, true)
	require.NoError(t, err)
	require.Equal(t, agbno, got)
	require.Equal(t, ln, gotLen)
}

func TestAllocExactHint(t *testing.T) {
	t.Parallel()
	ctx, geo, _, al, tp := testAllocWorld(t, 0)

	hint := geo.FsBlock(0, 5)
	bno, got, err := al.Alloc(ctx, tp, xfsalloc.Request{
		Ino:   128,
		Hint:  containers.OptionalValue(hint),
		Len:   3,
		Exact: true,
	})
	require.NoError(t, err)
	assert.Equal(t, hint, bno)
	assert.Equal(t, xfsprim.Filblks(3), got)
	assert.False(t, tp.LowMode())
}

func TestAllocExactFallsBackToNear(t *testing.T) {
	t.Parallel()
	ctx, geo, sm, al, tp := testAllocWorld(t, 0)
	carve(t, ctx, sm, 0, 5, 3)

	bno, got, err := al.Alloc(ctx, tp, xfsalloc.Request{
		Ino:   128,
		Hint:  containers.OptionalValue(geo.FsBlock(0, 5)),
		Len:   3,
		Exact: true,
	})
	require.NoError(t, err)
	assert.Equal(t, geo.FsBlock(0, 8), bno)
	assert.Equal(t, xfsprim.Filblks(3), got)
}

func TestAllocStripeAligned(t *testing.T) {
	t.Parallel()
	ctx, geo, _, al, tp := testAllocWorld(t, 8)

	bno, got, err := al.Alloc(ctx, tp, xfsalloc.Request{
		Ino:  128,
		Hint: containers.OptionalValue(geo.FsBlock(0, 3)),
		Len:  8,
	})
	require.NoError(t, err)
	assert.Equal(t, geo.FsBlock(0, 8), bno)
	assert.Equal(t, xfsprim.Filblks(8), got)
	assert.Zero(t, int64(geo.AgBlock(bno))%8)
}

func TestAllocLowSpace(t *testing.T) {
	t.Parallel()
	ctx, geo, sm, al, tp := testAllocWorld(t, 0)

	// Leave only two 4-block fragments in group 0 and nothing in
	// group 1, so that a 32-block request cannot be met at full
	// length anywhere.
	carve(t, ctx, sm, 0, 0, 10)
	carve(t, ctx, sm, 0, 14, 26)
	carve(t, ctx, sm, 0, 44, 20)
	carve(t, ctx, sm, 1, 0, 64)

	bno, got, err := al.Alloc(ctx, tp, xfsalloc.Request{Ino: 128, Len: 32})
	require.NoError(t, err)
	assert.Equal(t, geo.FsBlock(0, 10), bno)
	assert.Equal(t, xfsprim.Filblks(4), got)
	assert.True(t, tp.LowMode(), "a short fallback allocation flips the transaction into low-space mode")

	// Low-space mode is sticky: the next allocation in the same
	// transaction skips the locality ladder and still succeeds.
	bno, got, err = al.Alloc(ctx, tp, xfsalloc.Request{Ino: 128, Len: 32})
	require.NoError(t, err)
	assert.Equal(t, geo.FsBlock(0, 40), bno)
	assert.Equal(t, xfsprim.Filblks(4), got)
	assert.True(t, tp.LowMode())
}

func TestAllocNoSpace(t *testing.T) {
	t.Parallel()
	ctx, _, sm, al, tp := testAllocWorld(t, 0)
	carve(t, ctx, sm, 0, 0, 64)
	carve(t, ctx, sm, 1, 0, 64)

	_, _, err := al.Alloc(ctx, tp, xfsalloc.Request{Ino: 128, Len: 1})
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
}

func TestAllocPanicsOnEmptyRequest(t *testing.T) {
	t.Parallel()
	ctx, _, _, al, tp := testAllocWorld(t, 0)
	assert.Panics(t, func() {
		_, _, _ = al.Alloc(ctx, tp, xfsalloc.Request{Ino: 128, Len: 0})
	})
}

func TestAllocFilestream(t *testing.T) {
	t.Parallel()
	ctx, geo, sm, al, tp := testAllocWorld(t, 0)
	carve(t, ctx, sm, 0, 0, 64)

	// The first stream allocation pins the inode to group 1; later
	// stream allocations follow it there even when their hint
	// points at the exhausted group 0.
	bno, _, err := al.Alloc(ctx, tp, xfsalloc.Request{
		Ino:    128,
		Hint:   containers.OptionalValue(geo.FsBlock(1, 0)),
		Len:    4,
		Stream: true,
	})
	require.NoError(t, err)
	require.Equal(t, xfsprim.AgNumber(1), geo.AgNumber(bno))

	bno, _, err = al.Alloc(ctx, tp, xfsalloc.Request{
		Ino:    128,
		Hint:   containers.OptionalValue(geo.FsBlock(0, 0)),
		Len:    4,
		Stream: true,
	})
	require.NoError(t, err)
	assert.Equal(t, xfsprim.AgNumber(1), geo.AgNumber(bno))
	assert.False(t, tp.LowMode())

	al.ReleaseStream(128)
}

func TestFreeValidation(t *testing.T) {
	t.Parallel()
	ctx, geo, _, al, tp := testAllocWorld(t, 0)

	err := al.Free(ctx, tp, xfsprim.HoleStartBlock, 1)
	assert.ErrorContains(t, err, "not a valid block")

	err = al.Free(ctx, tp, geo.FsBlock(0, 60), 10)
	assert.ErrorContains(t, err, "crosses an allocation group boundary")
}

func TestAllocBlockReservation(t *testing.T) {
	t.Parallel()
	ctx, _, _, al, tp := testAllocWorld(t, 0)

	bno, err := al.AllocBlock(ctx, tp, xfsprim.NullFsBlock)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(7), tp.BlkRes())

	require.NoError(t, al.FreeBlock(ctx, tp, bno))
	assert.Equal(t, xfsprim.Filblks(8), tp.BlkRes())
}

func TestAllocBlockRefundsOnFailure(t *testing.T) {
	t.Parallel()
	ctx, _, sm, al, tp := testAllocWorld(t, 0)
	carve(t, ctx, sm, 0, 0, 64)
	carve(t, ctx, sm, 1, 0, 64)

	_, err := al.AllocBlock(ctx, tp, xfsprim.NullFsBlock)
	require.Error(t, err)
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
	assert.Equal(t, xfsprim.Filblks(8), tp.BlkRes())
}
