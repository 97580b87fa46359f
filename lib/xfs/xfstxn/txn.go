// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfstxn implements the transaction-context boundary.
//
// The real transaction manager (log grant/regrant, CIL, etc.) is an
// external collaborator; what this package implements is the contract
// the extent-map engine needs from it: begin/roll/commit/cancel, a
// block reservation pool, dirty-state tracking, buffers held across a
// roll, deferred work items, and the sticky low-space flag.
package xfstxn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// ErrNoSpace is the soft out-of-space condition: this reservation or
// allocation attempt failed, and the caller may retry with different
// hints.  The hard condition wraps it; `errors.Is(err, ErrNoSpace)`
// matches both.
var ErrNoSpace = errors.New("no space")

// ErrShutdown is returned by every operation once the filesystem has
// been shut down.
var ErrShutdown = errors.New("filesystem has been shut down")

// A DeferItem is a unit of work that must survive a crash: it is
// durably logged as an intent before the transaction that created it
// commits, and re-run during recovery if no matching done record has
// made it to the log.
type DeferItem interface {
	// Name identifies the item type in logs and in the intent
	// log.
	Name() string
	// Finish performs the deferred work in a fresh transaction.
	Finish(ctx context.Context, tp *Txn) error
}

// An IntentLog is the external deferred-operation engine: it
// guarantees that an intent is durably logged before the
// corresponding done record, that intents are replayed at least once
// after a crash, and that they complete exactly once otherwise.
type IntentLog interface {
	LogIntent(ctx context.Context, item DeferItem) error
	LogDone(ctx context.Context, item DeferItem) error
}

// A QuotaSink is notified of block-count deltas charged to an inode's
// owner.
type QuotaSink interface {
	AddBlockDelta(ino xfsprim.Ino, delta xfsprim.Filblks)
}

// Manager owns the global free-block pool that transactions reserve
// out of, and the hooks to the external engines.
type Manager struct {
	// Intents, if non-nil, receives every deferred work item's
	// intent/done records.
	Intents IntentLog
	// Quota, if non-nil, is notified of block-count deltas.
	Quota QuotaSink

	mu         sync.Mutex
	freeBlocks xfsprim.Filblks
	shutdown   error
}

func NewManager(freeBlocks xfsprim.Filblks) *Manager {
	return &Manager{
		freeBlocks: freeBlocks,
	}
}

// FreeBlocks returns the unreserved free-block count.
func (mgr *Manager) FreeBlocks() xfsprim.Filblks {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.freeBlocks
}

// Shutdown fail-stops the filesystem.  Every subsequent Begin fails;
// in-flight transactions fail at their next commit.  Used when
// proceeding would risk persisting corrupt metadata.
func (mgr *Manager) Shutdown(ctx context.Context, cause error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.shutdown != nil {
		return
	}
	dlog.Errorf(ctx, "filesystem shutdown: %v", cause)
	mgr.shutdown = &shutdownError{cause: cause}
}

// shutdownError matches ErrShutdown under errors.Is while unwrapping
// to the cause.  fmt.Errorf can only chain one %w under Go 1.19.
type shutdownError struct {
	cause error
}

func (e *shutdownError) Error() string {
	return ErrShutdown.Error() + ": " + e.cause.Error()
}

func (e *shutdownError) Is(target error) bool { return target == ErrShutdown }

func (e *shutdownError) Unwrap() error { return e.cause }

// Reserve takes n blocks out of the free pool outside of any
// transaction, for delayed-allocation reservations whose lifetime is
// the extent's, not a transaction's.
func (mgr *Manager) Reserve(n xfsprim.Filblks) error {
	return mgr.reserve(n)
}

// Release returns n blocks to the free pool: an unused reservation,
// or physical blocks handed back by an unmap.
func (mgr *Manager) Release(n xfsprim.Filblks) {
	mgr.unreserve(n)
}

func (mgr *Manager) reserve(n xfsprim.Filblks) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.shutdown != nil {
		return mgr.shutdown
	}
	if n > mgr.freeBlocks {
		return fmt.Errorf("reserve %v blocks with %v free: %w", n, mgr.freeBlocks, ErrNoSpace)
	}
	mgr.freeBlocks -= n
	return nil
}

func (mgr *Manager) unreserve(n xfsprim.Filblks) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.freeBlocks += n
}

type txnFlags uint8

const (
	txnDirty = txnFlags(1 << iota)
	// txnLowMode is the sticky low-space flag: once any
	// allocation in this transaction has had to fall back to
	// low-space mode, every later allocation skips straight
	// there.
	txnLowMode
)

// A Txn is one transaction's worth of context: its remaining block
// reservation, its dirty/low-space flags, the buffers held across
// rolls, and the deferred work items attached to it.
//
// A Txn is single-threaded; the caller holds the owning inode's
// exclusive lock for the duration.
type Txn struct {
	mgr *Manager

	flags    txnFlags
	blkRes   xfsprim.Filblks // remaining reservation
	held     []*xfsbuf.Buf
	deferred []DeferItem

	quota map[xfsprim.Ino]xfsprim.Filblks

	finished bool
}

// Begin starts a transaction with a metadata reservation of blkRes
// blocks.
func (mgr *Manager) Begin(_ context.Context, blkRes xfsprim.Filblks) (*Txn, error) {
	if err := mgr.reserve(blkRes); err != nil {
		return nil, fmt.Errorf("txn begin: %w", err)
	}
	return &Txn{
		mgr:    mgr,
		blkRes: blkRes,
	}, nil
}

func (tp *Txn) Manager() *Manager { return tp.mgr }

// BlkRes returns the remaining block reservation.
func (tp *Txn) BlkRes() xfsprim.Filblks { return tp.blkRes }

// UseBlkRes consumes n blocks of the transaction's reservation.  A
// transaction may not allocate metadata beyond what it reserved up
// front; that is the mid-conversion-exhaustion error the fork
// conversion paths have to unwind from.
func (tp *Txn) UseBlkRes(n xfsprim.Filblks) error {
	if n > tp.blkRes {
		return fmt.Errorf("txn needs %v blocks but reserved only %v: %w", n, tp.blkRes, ErrNoSpace)
	}
	tp.blkRes -= n
	return nil
}

// RefundBlkRes returns n blocks to the transaction's reservation,
// undoing a UseBlkRes on an unwind path.
func (tp *Txn) RefundBlkRes(n xfsprim.Filblks) {
	tp.blkRes += n
}

// Dirty reports whether the transaction has modified any metadata.
func (tp *Txn) Dirty() bool { return tp.flags&txnDirty != 0 }

// SetDirty marks the transaction as having modified metadata.  Once
// set it never clears: a transaction that made any physical change
// and then fails must be aborted, never silently committed.
func (tp *Txn) SetDirty() { tp.flags |= txnDirty }

// LowMode reports the sticky low-space flag.
func (tp *Txn) LowMode() bool { return tp.flags&txnLowMode != 0 }

// SetLowMode sets the sticky low-space flag for the remainder of this
// transaction (rolls included).
func (tp *Txn) SetLowMode() { tp.flags |= txnLowMode }

// Hold keeps buf pinned across Roll.  The pin is dropped at Commit or
// Cancel.
func (tp *Txn) Hold(buf *xfsbuf.Buf) {
	tp.held = append(tp.held, buf)
}

// Defer attaches a deferred work item to the transaction.  The item
// is logged and finished at Commit, or dropped at Cancel.
func (tp *Txn) Defer(item DeferItem) {
	tp.deferred = append(tp.deferred, item)
	tp.SetDirty()
}

// AddQuotaDelta accumulates a block-count delta to report to the
// quota sink at commit.
func (tp *Txn) AddQuotaDelta(ino xfsprim.Ino, delta xfsprim.Filblks) {
	if tp.quota == nil {
		tp.quota = make(map[xfsprim.Ino]xfsprim.Filblks)
	}
	tp.quota[ino] += delta
}

// Roll commits the transaction's changes so far and continues in a
// fresh transaction context with the same reservation pool, keeping
// held buffers pinned and the low-space flag sticky.  Used to keep
// each committed step bounded during multi-step operations.
func (tp *Txn) Roll(ctx context.Context) error {
	if tp.finished {
		panic(fmt.Errorf("should not happen: Roll of finished transaction"))
	}
	if err := tp.logDeferred(ctx); err != nil {
		return err
	}
	tp.flags &^= txnDirty
	return nil
}

func (tp *Txn) logDeferred(ctx context.Context) error {
	items := tp.deferred
	tp.deferred = nil
	for len(items) > 0 {
		item := items[0]
		items = items[1:]
		if tp.mgr.Intents != nil {
			if err := tp.mgr.Intents.LogIntent(ctx, item); err != nil {
				return fmt.Errorf("defer %s: log intent: %w", item.Name(), err)
			}
		}
		if err := item.Finish(ctx, tp); err != nil {
			return fmt.Errorf("defer %s: finish: %w", item.Name(), err)
		}
		if tp.mgr.Intents != nil {
			if err := tp.mgr.Intents.LogDone(ctx, item); err != nil {
				return fmt.Errorf("defer %s: log done: %w", item.Name(), err)
			}
		}
		// finishing an item may have deferred more work
		items = append(items, tp.deferred...)
		tp.deferred = nil
	}
	return nil
}

// Commit finishes the deferred work, reports quota deltas, returns
// the unused reservation, and releases held buffers.
func (tp *Txn) Commit(ctx context.Context, bc *xfsbuf.Cache) error {
	if tp.finished {
		panic(fmt.Errorf("should not happen: Commit of finished transaction"))
	}
	tp.mgr.mu.Lock()
	shutdown := tp.mgr.shutdown
	tp.mgr.mu.Unlock()
	if shutdown != nil {
		tp.Cancel(ctx, bc)
		return shutdown
	}
	if err := tp.logDeferred(ctx); err != nil {
		return err
	}
	if tp.mgr.Quota != nil {
		for ino, delta := range tp.quota {
			tp.mgr.Quota.AddBlockDelta(ino, delta)
		}
	}
	tp.finish(bc)
	return nil
}

// Cancel aborts the transaction.  Cancelling a dirty transaction
// means in-core and on-disk state can no longer be guaranteed
// consistent, so it fail-stops the filesystem.
func (tp *Txn) Cancel(ctx context.Context, bc *xfsbuf.Cache) {
	if tp.finished {
		return
	}
	if tp.Dirty() {
		tp.mgr.Shutdown(ctx, fmt.Errorf("dirty transaction cancelled"))
	}
	tp.deferred = nil
	tp.finish(bc)
}

func (tp *Txn) finish(bc *xfsbuf.Cache) {
	for _, buf := range tp.held {
		bc.Release(buf)
	}
	tp.held = nil
	tp.mgr.unreserve(tp.blkRes)
	tp.blkRes = 0
	tp.finished = true
}
