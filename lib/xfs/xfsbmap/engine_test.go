// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/diskio"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmap"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsdefer"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// The test geometry: 2 groups of 1024 512-byte blocks, 2048 blocks
// total; 30 records per btree leaf, 4 root slots, 3 levels maximum.
// With that shape worstIndLen is 1 for anything up to one leaf's
// worth of records, so WriteReservation(10) is 10+1+3.
const totalBlocks = 2048

type bmapWorld struct {
	ctx context.Context
	geo xfsprim.Geometry
	sm  *xfsalloc.MemSpaceManager
	log *xfsdefer.MemLog
	mgr *xfstxn.Manager
	bc  *xfsbuf.Cache
	eng *xfsbmap.Engine
	ip  *xfsinode.Inode
}

func newBmapWorld(t *testing.T) *bmapWorld {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	geo, err := xfsprim.NewGeometry(512, 2, 1024, 64, 0)
	require.NoError(t, err)
	dev := diskio.NewMemFile[int64]("bmap-test.img", int64(geo.AgCount)*int64(geo.AgBlocks)*int64(geo.BlockSize))
	bc := xfsbuf.NewCache(ctx, geo, dev, xfsbuf.DefaultCacheSize)
	sm := xfsalloc.NewMemSpaceManager(geo)
	al := xfsalloc.NewAllocator(geo, sm)
	log := new(xfsdefer.MemLog)
	mgr := xfstxn.NewManager(totalBlocks)
	mgr.Intents = log
	return &bmapWorld{
		ctx: ctx,
		geo: geo,
		sm:  sm,
		log: log,
		mgr: mgr,
		bc:  bc,
		eng: &xfsbmap.Engine{
			Geo:   geo,
			Buf:   bc,
			Alloc: al,
			Defer: &xfsdefer.Deferred{Alloc: al},
			Txns:  mgr,
		},
		ip: xfsinode.NewInode(128),
	}
}

func (w *bmapWorld) begin(t *testing.T, blkRes xfsprim.Filblks) *xfstxn.Txn {
	t.Helper()
	tp, err := w.mgr.Begin(w.ctx, blkRes)
	require.NoError(t, err)
	return tp
}

func (w *bmapWorld) commit(t *testing.T, tp *xfstxn.Txn) {
	t.Helper()
	require.NoError(t, tp.Commit(w.ctx, w.bc))
}

func (w *bmapWorld) recs() []xfsbmbt.Irec {
	return w.ip.Data.Extents()
}

func rec(off xfsprim.FileOff, bno xfsprim.FsBlock, ln xfsprim.Filblks) xfsbmbt.Irec {
	return xfsbmbt.Irec{Off: off, Block: bno, Len: ln, State: xfsbmbt.StateNorm}
}

func urec(off xfsprim.FileOff, bno xfsprim.FsBlock, ln xfsprim.Filblks) xfsbmbt.Irec {
	return xfsbmbt.Irec{Off: off, Block: bno, Len: ln, State: xfsbmbt.StateUnwritten}
}

func TestReservationSizes(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	assert.Equal(t, xfsprim.Filblks(14), w.eng.WriteReservation(10))
	assert.Equal(t, xfsprim.Filblks(4), w.eng.WriteReservation(1))
	assert.Equal(t, xfsprim.Filblks(4), w.eng.UnmapReservation())
}

func TestReserveCreatesDelayed(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 10))
	assert.Equal(t, xfsprim.Filblks(totalBlocks-11), w.mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(11), w.ip.DelBlks)
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Delayed(0, 10, 1)}, w.recs())
	assert.Equal(t, xfsprim.ExtNum(0), w.ip.Data.NExtents)

	// An adjacent reservation merges with its delayed neighbor; the
	// merged record needs only one worst case, so one of the two
	// indirect blocks goes back to the pool.
	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 10, 5))
	assert.Equal(t, xfsprim.Filblks(totalBlocks-16), w.mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(16), w.ip.DelBlks)
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Delayed(0, 15, 1)}, w.recs())

	// Reserving over an already-mapped range changes nothing.
	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 15))
	assert.Equal(t, xfsprim.Filblks(totalBlocks-16), w.mgr.FreeBlocks())
	assert.Len(t, w.recs(), 1)
}

func TestReserveMergesRightNeighbor(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 10, 5))
	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 10))
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Delayed(0, 15, 1)}, w.recs())
	assert.Equal(t, xfsprim.Filblks(16), w.ip.DelBlks)
}

func TestReserveExtSizeRounding(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	w.ip.ExtSize = 4

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 6))
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Delayed(0, 8, 1)}, w.recs())
	assert.Equal(t, xfsprim.Filblks(totalBlocks-9), w.mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(9), w.ip.DelBlks)
}

func TestWriteConvertsDelayed(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 10))
	tp := w.begin(t, w.eng.WriteReservation(10))

	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 10, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 10)}, got)
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 10)}, w.recs())
	assert.Equal(t, xfsprim.Filblks(0), w.ip.DelBlks)
	assert.Equal(t, xfsprim.ExtNum(1), w.ip.Data.NExtents)

	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-10), w.mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(w.geo.AgBlocks-10), w.sm.AgFreeSpace(0))
	assert.Equal(t, []xfsdefer.LogEvent{
		{Done: false, Name: "bmap-map"},
		{Done: true, Name: "bmap-map"},
	}, w.log.Events())
}

func TestWriteMiddleOfDelayed(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 100))
	assert.Equal(t, xfsprim.Filblks(105), w.ip.DelBlks)
	tp := w.begin(t, w.eng.WriteReservation(20))

	// Converting the middle splits the delayed record in three and
	// divides its reservation between the delayed remainders.
	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 40, 20, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(40, 0, 20)}, got)
	assert.Equal(t, []xfsbmbt.Irec{
		xfsbmbt.Delayed(0, 40, 3),
		rec(40, 0, 20),
		xfsbmbt.Delayed(60, 40, 2),
	}, w.recs())
	assert.Equal(t, xfsprim.Filblks(85), w.ip.DelBlks)
	assert.Equal(t, xfsprim.ExtNum(1), w.ip.Data.NExtents)

	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-105), w.mgr.FreeBlocks())
}

func TestWriteFrontOfDelayedMergesLeft(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	tp := w.begin(t, w.eng.WriteReservation(2))
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 2, xfsbmap.WriteNorm)
	require.NoError(t, err)
	w.commit(t, tp)
	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 2, 8))
	require.Equal(t, xfsprim.Filblks(9), w.ip.DelBlks)

	// The conversion lands physically right after the real neighbor,
	// fuses with it, and the delayed tail shrinks and keeps its
	// reservation.
	tp = w.begin(t, w.eng.WriteReservation(4))
	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 2, 4, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(2, 2, 4)}, got)
	assert.Equal(t, []xfsbmbt.Irec{
		rec(0, 0, 6),
		xfsbmbt.Delayed(6, 4, 1),
	}, w.recs())
	assert.Equal(t, xfsprim.Filblks(5), w.ip.DelBlks)
	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-11), w.mgr.FreeBlocks())
}

func TestWriteFillsHole(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	tp := w.begin(t, w.eng.WriteReservation(8))

	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 8, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 8)}, got)

	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())
	assert.Equal(t, []xfsdefer.LogEvent{
		{Done: false, Name: "bmap-map"},
		{Done: true, Name: "bmap-map"},
	}, w.log.Events())

	// A second write over the same range returns the mapping as is.
	tp = w.begin(t, w.eng.WriteReservation(8))
	again, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 8, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	tp.Cancel(w.ctx, w.bc)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())
}

func TestWriteAdjacentMerges(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	tp := w.begin(t, w.eng.WriteReservation(4))
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 4, xfsbmap.WriteNorm)
	require.NoError(t, err)
	w.commit(t, tp)

	// The follow-on write lands physically right after the first,
	// so the two mappings fuse into one record.
	tp = w.begin(t, w.eng.WriteReservation(4))
	_, err = w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 4, 4, xfsbmap.WriteNorm)
	require.NoError(t, err)
	w.commit(t, tp)

	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 8)}, w.recs())
	assert.Equal(t, xfsprim.ExtNum(1), w.ip.Data.NExtents)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())
}

func TestUnmapRealMiddle(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	tp := w.begin(t, w.eng.WriteReservation(10))
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 10, xfsbmap.WriteNorm)
	require.NoError(t, err)
	w.commit(t, tp)

	tp = w.begin(t, w.eng.UnmapReservation())
	left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 4, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(0), left)
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 4), rec(6, 6, 4)}, w.recs())
	assert.Equal(t, xfsprim.ExtNum(2), w.ip.Data.NExtents)

	// Committing finishes the unmap intent, which is what actually
	// returns the blocks.
	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(w.geo.AgBlocks-8), w.sm.AgFreeSpace(0))
	assert.Equal(t, []xfsdefer.LogEvent{
		{Done: false, Name: "bmap-map"},
		{Done: true, Name: "bmap-map"},
		{Done: false, Name: "bmap-unmap"},
		{Done: true, Name: "bmap-unmap"},
	}, w.log.Events())
}

func TestUnmapDelayed(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 10))
	tp := w.begin(t, w.eng.UnmapReservation())

	left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(0), left)
	assert.Empty(t, w.recs())
	assert.Equal(t, xfsprim.Filblks(0), w.ip.DelBlks)

	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks), w.mgr.FreeBlocks())
	assert.Empty(t, w.log.Events())
}

func TestUnmapBoundedByMaxRecs(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	// Three separated single-block mappings.
	for _, off := range []xfsprim.FileOff{0, 2, 4} {
		tp := w.begin(t, w.eng.WriteReservation(1))
		_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, off, 1, xfsbmap.WriteNorm)
		require.NoError(t, err)
		w.commit(t, tp)
	}
	require.Len(t, w.recs(), 3)

	// Bounded to one record per call, working from the high end
	// down; the return value says how much is still mapped.
	tp := w.begin(t, w.eng.UnmapReservation())
	left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(4), left)
	assert.Len(t, w.recs(), 2)
	w.commit(t, tp)

	tp = w.begin(t, w.eng.UnmapReservation())
	left, err = w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(0), left)
	assert.Empty(t, w.recs())
	w.commit(t, tp)

	assert.Equal(t, xfsprim.Filblks(totalBlocks), w.mgr.FreeBlocks())
}

func TestConvertUnwritten(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	tp := w.begin(t, w.eng.WriteReservation(10))
	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 10, xfsbmap.WriteUnwritten)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{urec(0, 0, 10)}, got)
	w.commit(t, tp)

	// Converting the middle splits the record in three.
	tp = w.begin(t, w.eng.UnmapReservation())
	require.NoError(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 4, 2, xfsbmbt.StateNorm))
	assert.Equal(t, []xfsbmbt.Irec{
		urec(0, 0, 4),
		rec(4, 4, 2),
		urec(6, 6, 4),
	}, w.recs())

	// Converting the rest re-merges everything into one record.
	require.NoError(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 10, xfsbmbt.StateNorm))
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 10)}, w.recs())
	assert.Equal(t, xfsprim.ExtNum(1), w.ip.Data.NExtents)
	w.commit(t, tp)

	// No blocks moved through any of that.
	assert.Equal(t, xfsprim.Filblks(totalBlocks-10), w.mgr.FreeBlocks())
}

func TestConvertSkipsHolesAndDelayed(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	require.NoError(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 4))
	tp := w.begin(t, w.eng.UnmapReservation())
	require.NoError(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 20, xfsbmbt.StateUnwritten))
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Delayed(0, 4, 1)}, w.recs())
	tp.Cancel(w.ctx, w.bc)
}

func TestFormatPromoteAndDemote(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	// Five separated mappings overflow the 4-slot literal area; the
	// fifth write promotes the fork to btree format, at the cost of
	// one leaf block.
	for _, off := range []xfsprim.FileOff{0, 2, 4, 6, 8} {
		tp := w.begin(t, w.eng.WriteReservation(1))
		_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, off, 1, xfsbmap.WriteNorm)
		require.NoError(t, err)
		w.commit(t, tp)
	}
	assert.Equal(t, xfsinode.FormatBtree, w.ip.Data.Format)
	require.NotNil(t, w.ip.Data.Btree)
	assert.True(t, w.ip.Data.Btree.SingleLeaf())
	assert.Equal(t, xfsprim.ExtNum(5), w.ip.Data.NExtents)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-6), w.mgr.FreeBlocks())

	// Unmapping back below the threshold demotes the fork and frees
	// the leaf.
	tp := w.begin(t, w.eng.UnmapReservation())
	left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 8, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(0), left)
	assert.Equal(t, xfsinode.FormatExtents, w.ip.Data.Format)
	assert.Nil(t, w.ip.Data.Btree)
	assert.Equal(t, xfsprim.ExtNum(4), w.ip.Data.NExtents)
	w.commit(t, tp)

	assert.Equal(t, xfsprim.Filblks(totalBlocks-4), w.mgr.FreeBlocks())
	assert.Equal(t, []xfsbmbt.Irec{
		rec(0, 0, 1), rec(2, 2, 1), rec(4, 4, 1), rec(6, 6, 1),
	}, w.recs())
}

func TestConvertOnBtreeFork(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	// Five separated unwritten mappings promote the fork to btree
	// format; the last one is long enough to split later.
	for _, wr := range []struct {
		off xfsprim.FileOff
		ln  xfsprim.Filblks
	}{{0, 1}, {2, 1}, {4, 1}, {6, 1}, {8, 3}} {
		tp := w.begin(t, w.eng.WriteReservation(wr.ln))
		_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, wr.off, wr.ln, xfsbmap.WriteUnwritten)
		require.NoError(t, err)
		w.commit(t, tp)
	}
	require.Equal(t, xfsinode.FormatBtree, w.ip.Data.Format)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())

	// Converting the middle of the long record splits it in three;
	// the split lands in the on-disk leaf too.
	tp := w.begin(t, w.eng.UnmapReservation())
	require.NoError(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 9, 1, xfsbmbt.StateNorm))
	w.commit(t, tp)
	assert.Equal(t, xfsinode.FormatBtree, w.ip.Data.Format)
	assert.Equal(t, xfsprim.ExtNum(7), w.ip.Data.NExtents)
	assert.Equal(t, []xfsbmbt.Irec{
		urec(0, 0, 1), urec(2, 2, 1), urec(4, 4, 1), urec(6, 6, 1),
		urec(8, 8, 1), rec(9, 9, 1), urec(10, 10, 1),
	}, w.recs())
	ondisk, err := w.ip.Data.Btree.LoadAll(w.ctx, w.bc, w.ip.Data.NExtents)
	require.NoError(t, err)
	assert.Equal(t, w.recs(), ondisk)

	// Converting the whole record back re-merges the three pieces,
	// in core and on disk.
	tp = w.begin(t, w.eng.UnmapReservation())
	require.NoError(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 8, 3, xfsbmbt.StateUnwritten))
	w.commit(t, tp)
	assert.Equal(t, xfsprim.ExtNum(5), w.ip.Data.NExtents)
	assert.Equal(t, urec(8, 8, 3), w.recs()[4])
	ondisk, err = w.ip.Data.Btree.LoadAll(w.ctx, w.bc, w.ip.Data.NExtents)
	require.NoError(t, err)
	assert.Equal(t, w.recs(), ondisk)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-8), w.mgr.FreeBlocks())
}

func TestPromoteOutOfSpaceLeavesFork(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	for _, off := range []xfsprim.FileOff{0, 2, 4, 6} {
		tp := w.begin(t, w.eng.WriteReservation(1))
		_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, off, 1, xfsbmap.WriteNorm)
		require.NoError(t, err)
		w.commit(t, tp)
	}

	// The fifth mapping overflows the literal area, but the
	// transaction reserved only the data block, so the promotion
	// cannot allocate its leaf.  The fork stays a flat list with the
	// new record in place.
	tp := w.begin(t, 1)
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 8, 1, xfsbmap.WriteNorm)
	require.Error(t, err)
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
	assert.Equal(t, xfsinode.FormatExtents, w.ip.Data.Format)
	assert.Nil(t, w.ip.Data.Btree)
	assert.Equal(t, xfsprim.ExtNum(5), w.ip.Data.NExtents)
	assert.Equal(t, []xfsbmbt.Irec{
		rec(0, 0, 1), rec(2, 2, 1), rec(4, 4, 1), rec(6, 6, 1), rec(8, 8, 1),
	}, w.recs())

	// The failed transaction already mapped a block, so cancelling
	// it fail-stops the filesystem.
	tp.Cancel(w.ctx, w.bc)
	_, err = w.mgr.Begin(w.ctx, 1)
	assert.ErrorIs(t, err, xfstxn.ErrShutdown)
}

func TestLocalToExtents(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	payload := []byte("hello, local fork")
	w.ip.Data.Format = xfsinode.FormatLocal
	w.ip.Data.Local = payload

	tp := w.begin(t, w.eng.WriteReservation(1))
	got, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 1, xfsbmap.WriteNorm)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 1)}, got)
	assert.Equal(t, xfsinode.FormatExtents, w.ip.Data.Format)
	assert.Nil(t, w.ip.Data.Local)
	w.commit(t, tp)
	assert.Equal(t, xfsprim.Filblks(totalBlocks-1), w.mgr.FreeBlocks())

	// The inline payload moved into the allocated block.
	buf, err := w.bc.Get(w.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Dat()[:len(payload)])
	w.bc.Release(buf)
}

func TestLocalToExtentsEmptyPayload(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	w.ip.Data.Format = xfsinode.FormatLocal

	tp := w.begin(t, w.eng.WriteReservation(1))
	require.NoError(t, w.eng.LocalToExtents(w.ctx, tp, w.ip, xfsinode.DataFork))
	assert.Equal(t, xfsinode.FormatExtents, w.ip.Data.Format)
	assert.Empty(t, w.recs())
	tp.Cancel(w.ctx, w.bc)
	assert.Equal(t, xfsprim.Filblks(totalBlocks), w.mgr.FreeBlocks())
}

func TestReadFillsHoles(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	w.ip.Data.SetExtents([]xfsbmbt.Irec{rec(2, 10, 2), urec(6, 20, 2)})

	got, err := w.eng.Read(w.ctx, w.ip, xfsinode.DataFork, 0, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{
		xfsbmbt.Hole(0, 2),
		rec(2, 10, 2),
		xfsbmbt.Hole(4, 2),
		urec(6, 20, 2),
		xfsbmbt.Hole(8, 2),
	}, got)

	// Clipped to the requested range on both ends.
	got, err = w.eng.Read(w.ctx, w.ip, xfsinode.DataFork, 3, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{rec(3, 11, 1), xfsbmbt.Hole(4, 1)}, got)

	// maxRecs bounds the result.
	got, err = w.eng.Read(w.ctx, w.ip, xfsinode.DataFork, 0, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []xfsbmbt.Irec{xfsbmbt.Hole(0, 2), rec(2, 10, 2)}, got)
}

func TestForkQueries(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)

	empty, err := w.eng.IsEmpty(w.ctx, w.ip, xfsinode.DataFork)
	require.NoError(t, err)
	assert.True(t, empty)
	last, err := w.eng.LastOffset(w.ctx, w.ip, xfsinode.DataFork)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.FileOff(0), last)

	w.ip.Data.SetExtents([]xfsbmbt.Irec{xfsbmbt.Delayed(0, 5, 1), rec(8, 100, 2)})

	blocks, nrecs, err := w.eng.CountBlocks(w.ctx, w.ip, xfsinode.DataFork)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(7), blocks)
	assert.Equal(t, xfsprim.ExtNum(2), nrecs)

	first, err := w.eng.FirstUnused(w.ctx, w.ip, xfsinode.DataFork, 2)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.FileOff(5), first)

	last, err = w.eng.LastOffset(w.ctx, w.ip, xfsinode.DataFork)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.FileOff(10), last)

	empty, err = w.eng.IsEmpty(w.ctx, w.ip, xfsinode.DataFork)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestRangeValidation(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	tp := w.begin(t, 8)
	defer tp.Cancel(w.ctx, w.bc)

	assert.Error(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, -1, 5))
	assert.Error(t, w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 0))
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, -3, xfsbmap.WriteNorm)
	assert.Error(t, err)
	_, err = w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, -2, 4, 0)
	assert.Error(t, err)
	_, err = w.eng.Read(w.ctx, w.ip, xfsinode.DataFork, 0, 0, 0)
	assert.Error(t, err)
	assert.Error(t, w.eng.Convert(w.ctx, tp, w.ip, xfsinode.DataFork, 3, -1, xfsbmbt.StateNorm))
}

func TestLocalForkRejectsMapOps(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	w.ip.Data.Format = xfsinode.FormatLocal
	tp := w.begin(t, 8)
	defer tp.Cancel(w.ctx, w.bc)

	err := w.eng.Reserve(w.ctx, w.ip, xfsinode.DataFork, 0, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote it first")
	_, err = w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 4, 0)
	assert.Error(t, err)
}

// Random write/unmap sequences, checked against a per-block shadow map:
// reading back the whole span must yield a sorted, gap-free, maximally
// merged record sequence matching the union of still-mapped ranges, and
// unmapping everything must return every block to the pool.
func TestRandomRoundTrip(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	rnd := rand.New(rand.NewSource(1))
	const span = 64
	mapped := make([]bool, span)

	for i := 0; i < 200; i++ {
		off := xfsprim.FileOff(rnd.Intn(span))
		ln := xfsprim.Filblks(rnd.Intn(8) + 1)
		if off.Add(ln) > span {
			ln = xfsprim.FileOff(span).Sub(off)
		}
		if rnd.Intn(2) == 0 {
			tp := w.begin(t, w.eng.WriteReservation(ln))
			_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, off, ln, xfsbmap.WriteNorm)
			require.NoError(t, err)
			w.commit(t, tp)
			for b := off; b < off.Add(ln); b++ {
				mapped[b] = true
			}
		} else {
			// Extra reservation beyond the minimum: a punch can
			// split several btree records in one call.
			tp := w.begin(t, 4*w.eng.UnmapReservation())
			left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, off, ln, 0)
			require.NoError(t, err)
			require.Equal(t, xfsprim.Filblks(0), left)
			w.commit(t, tp)
			for b := off; b < off.Add(ln); b++ {
				mapped[b] = false
			}
		}
	}

	got, err := w.eng.Read(w.ctx, w.ip, xfsinode.DataFork, 0, span, 0)
	require.NoError(t, err)
	pos := xfsprim.FileOff(0)
	for _, r := range got {
		require.Equal(t, pos, r.Off)
		for b := r.Off; b < r.End(); b++ {
			require.Equal(t, mapped[b], !r.IsHole(), "block %v", b)
		}
		pos = r.End()
	}
	require.Equal(t, xfsprim.FileOff(span), pos)
	for i := 1; i < len(got); i++ {
		a, b := got[i-1], got[i]
		if a.IsReal() && b.IsReal() {
			assert.False(t, a.Block.Add(a.Len) == b.Block && a.State == b.State,
				"records %v and %v should have merged", a, b)
		}
	}

	// Tearing the whole span back down conserves every block.
	tp := w.begin(t, w.eng.UnmapReservation())
	left, err := w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 0, span, 0)
	require.NoError(t, err)
	require.Equal(t, xfsprim.Filblks(0), left)
	w.commit(t, tp)
	assert.Equal(t, xfsinode.FormatExtents, w.ip.Data.Format)
	assert.Empty(t, w.recs())
	assert.Equal(t, xfsprim.Filblks(totalBlocks), w.mgr.FreeBlocks())
}

type rmapRecorder struct {
	maps, unmaps []xfsbmbt.Irec
}

func (r *rmapRecorder) MapExtent(_ xfsprim.Ino, _ xfsinode.WhichFork, rec xfsbmbt.Irec) {
	r.maps = append(r.maps, rec)
}

func (r *rmapRecorder) UnmapExtent(_ xfsprim.Ino, _ xfsinode.WhichFork, rec xfsbmbt.Irec) {
	r.unmaps = append(r.unmaps, rec)
}

func TestRmapNotifications(t *testing.T) {
	t.Parallel()
	w := newBmapWorld(t)
	rmap := new(rmapRecorder)
	w.eng.Rmap = rmap

	tp := w.begin(t, w.eng.WriteReservation(6))
	_, err := w.eng.Write(w.ctx, tp, w.ip, xfsinode.DataFork, 0, 6, xfsbmap.WriteNorm)
	require.NoError(t, err)
	w.commit(t, tp)

	tp = w.begin(t, w.eng.UnmapReservation())
	_, err = w.eng.Unmap(w.ctx, tp, w.ip, xfsinode.DataFork, 2, 2, 0)
	require.NoError(t, err)
	w.commit(t, tp)

	assert.Equal(t, []xfsbmbt.Irec{rec(0, 0, 6)}, rmap.maps)
	assert.Equal(t, []xfsbmbt.Irec{rec(2, 2, 2)}, rmap.unmaps)
}
