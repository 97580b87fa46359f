// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfstxn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/diskio"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

func testTxnWorld(t *testing.T, freeBlocks xfsprim.Filblks) (context.Context, *xfstxn.Manager, *xfsbuf.Cache) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	geo, err := xfsprim.NewGeometry(512, 1, 128, 64, 0)
	require.NoError(t, err)
	dev := diskio.NewMemFile[int64]("txn-test.img", int64(geo.AgBlocks)*int64(geo.BlockSize))
	bc := xfsbuf.NewCache(ctx, geo, dev, xfsbuf.DefaultCacheSize)
	return ctx, xfstxn.NewManager(freeBlocks), bc
}

func TestManagerReserve(t *testing.T) {
	t.Parallel()
	_, mgr, _ := testTxnWorld(t, 100)

	require.NoError(t, mgr.Reserve(60))
	assert.Equal(t, xfsprim.Filblks(40), mgr.FreeBlocks())

	err := mgr.Reserve(41)
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
	assert.Equal(t, xfsprim.Filblks(40), mgr.FreeBlocks())

	mgr.Release(60)
	assert.Equal(t, xfsprim.Filblks(100), mgr.FreeBlocks())
}

func TestTxnReservationLifecycle(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)

	tp, err := mgr.Begin(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, xfsprim.Filblks(90), mgr.FreeBlocks())
	assert.Equal(t, xfsprim.Filblks(10), tp.BlkRes())

	require.NoError(t, tp.UseBlkRes(4))
	assert.Equal(t, xfsprim.Filblks(6), tp.BlkRes())

	err = tp.UseBlkRes(7)
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
	assert.Equal(t, xfsprim.Filblks(6), tp.BlkRes())

	tp.RefundBlkRes(1)
	assert.Equal(t, xfsprim.Filblks(7), tp.BlkRes())

	// Commit returns only the unused reservation.
	require.NoError(t, tp.Commit(ctx, bc))
	assert.Equal(t, xfsprim.Filblks(97), mgr.FreeBlocks())
}

func TestTxnBeginOverdraft(t *testing.T) {
	t.Parallel()
	ctx, mgr, _ := testTxnWorld(t, 5)
	_, err := mgr.Begin(ctx, 6)
	assert.ErrorIs(t, err, xfstxn.ErrNoSpace)
	assert.Equal(t, xfsprim.Filblks(5), mgr.FreeBlocks())
}

func TestTxnCleanCancel(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)

	tp, err := mgr.Begin(ctx, 10)
	require.NoError(t, err)
	tp.Cancel(ctx, bc)
	assert.Equal(t, xfsprim.Filblks(100), mgr.FreeBlocks())

	// A clean cancel does not shut the filesystem down.
	tp, err = mgr.Begin(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, tp.Commit(ctx, bc))
}

func TestTxnDirtyCancelShutsDown(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)

	inflight, err := mgr.Begin(ctx, 20)
	require.NoError(t, err)

	tp, err := mgr.Begin(ctx, 10)
	require.NoError(t, err)
	tp.SetDirty()
	tp.Cancel(ctx, bc)

	_, err = mgr.Begin(ctx, 1)
	assert.ErrorIs(t, err, xfstxn.ErrShutdown)

	// An in-flight transaction fails at commit, and its
	// reservation still comes back.
	err = inflight.Commit(ctx, bc)
	assert.ErrorIs(t, err, xfstxn.ErrShutdown)
	assert.Equal(t, xfsprim.Filblks(100), mgr.FreeBlocks())
}

func TestShutdownErrorCarriesCause(t *testing.T) {
	t.Parallel()
	ctx, mgr, _ := testTxnWorld(t, 100)

	cause := errors.New("btree block 7: bad magic")
	mgr.Shutdown(ctx, cause)

	// The shutdown error matches both the sentinel and the cause
	// that triggered it.
	_, err := mgr.Begin(ctx, 1)
	assert.ErrorIs(t, err, xfstxn.ErrShutdown)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad magic")

	// The first cause wins; later shutdowns do not overwrite it.
	mgr.Shutdown(ctx, errors.New("second cause"))
	_, err = mgr.Begin(ctx, 1)
	assert.ErrorIs(t, err, cause)
}

type recordingLog struct {
	events []string
}

var _ xfstxn.IntentLog = (*recordingLog)(nil)

func (l *recordingLog) LogIntent(_ context.Context, item xfstxn.DeferItem) error {
	l.events = append(l.events, "intent:"+item.Name())
	return nil
}

func (l *recordingLog) LogDone(_ context.Context, item xfstxn.DeferItem) error {
	l.events = append(l.events, "done:"+item.Name())
	return nil
}

type testDeferItem struct {
	name string
	// chain, if non-nil, is deferred again from Finish.
	chain *testDeferItem
	done  bool
}

var _ xfstxn.DeferItem = (*testDeferItem)(nil)

func (item *testDeferItem) Name() string { return item.name }

func (item *testDeferItem) Finish(_ context.Context, tp *xfstxn.Txn) error {
	item.done = true
	if item.chain != nil {
		tp.Defer(item.chain)
	}
	return nil
}

func TestTxnDeferOrdering(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)
	log := &recordingLog{}
	mgr.Intents = log

	second := &testDeferItem{name: "second"}
	first := &testDeferItem{name: "first", chain: second}

	tp, err := mgr.Begin(ctx, 0)
	require.NoError(t, err)
	tp.Defer(first)
	assert.True(t, tp.Dirty())
	require.NoError(t, tp.Commit(ctx, bc))

	// Each item's intent is durably logged before it runs, and
	// work deferred by a finishing item runs in the same commit.
	assert.Equal(t, []string{"intent:first", "done:first", "intent:second", "done:second"}, log.events)
	assert.True(t, first.done)
	assert.True(t, second.done)
}

func TestTxnRollClearsDirty(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)
	log := &recordingLog{}
	mgr.Intents = log

	tp, err := mgr.Begin(ctx, 10)
	require.NoError(t, err)
	tp.SetDirty()
	tp.Defer(&testDeferItem{name: "rolled"})

	require.NoError(t, tp.Roll(ctx))
	assert.False(t, tp.Dirty())
	assert.Equal(t, []string{"intent:rolled", "done:rolled"}, log.events)

	// A cancel after a roll is a clean cancel.
	tp.Cancel(ctx, bc)
	_, err = mgr.Begin(ctx, 1)
	assert.NoError(t, err)
}

type quotaRecorder struct {
	deltas map[xfsprim.Ino]xfsprim.Filblks
}

var _ xfstxn.QuotaSink = (*quotaRecorder)(nil)

func (q *quotaRecorder) AddBlockDelta(ino xfsprim.Ino, delta xfsprim.Filblks) {
	if q.deltas == nil {
		q.deltas = make(map[xfsprim.Ino]xfsprim.Filblks)
	}
	q.deltas[ino] += delta
}

func TestTxnQuotaDeltas(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)
	quota := &quotaRecorder{}
	mgr.Quota = quota

	tp, err := mgr.Begin(ctx, 0)
	require.NoError(t, err)
	tp.AddQuotaDelta(128, 10)
	tp.AddQuotaDelta(128, -3)
	tp.AddQuotaDelta(129, 5)
	require.NoError(t, tp.Commit(ctx, bc))

	assert.Equal(t, map[xfsprim.Ino]xfsprim.Filblks{128: 7, 129: 5}, quota.deltas)
}

func TestTxnHoldReleasesAtCommit(t *testing.T) {
	t.Parallel()
	ctx, mgr, bc := testTxnWorld(t, 100)

	buf, err := bc.GetZeroed(ctx, 3)
	require.NoError(t, err)

	tp, err := mgr.Begin(ctx, 0)
	require.NoError(t, err)
	tp.Hold(buf)
	require.NoError(t, tp.Commit(ctx, bc))

	// The commit dropped the hold's pin; the buffer can be
	// released normally and a double release panics.
	assert.Panics(t, func() { bc.Release(buf) })
}
