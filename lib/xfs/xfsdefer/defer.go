// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsdefer holds the extent map engine's deferred work items:
// map and unmap intents that are logged before the mapping change
// commits and finished in follow-on transactions.
package xfsdefer

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

type Op int8

const (
	OpMap Op = iota
	OpUnmap
)

var _ fmt.Stringer = Op(0)

func (op Op) String() string {
	switch op {
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	default:
		return fmt.Sprintf("Op(%d)", int8(op))
	}
}

// Intent is one deferred mapping change on one file range.
//
// For OpUnmap the in-core mapping is already gone when the intent is
// created; Finish gives the physical blocks back to the allocator, so
// that a crash between the two replays the free instead of leaking
// the blocks.  For OpMap the physical work happened up front and
// Finish only closes out the log ordering.
type Intent struct {
	Op  Op
	Ino xfsprim.Ino
	Off xfsprim.FileOff
	Bno xfsprim.FsBlock
	Len xfsprim.Filblks

	alloc *xfsalloc.Allocator
}

var _ xfstxn.DeferItem = (*Intent)(nil)

func (it *Intent) Name() string {
	return fmt.Sprintf("bmap-%v", it.Op)
}

func (it *Intent) Finish(ctx context.Context, tp *xfstxn.Txn) error {
	ctx = dlog.WithField(ctx, "xfs.bmap.inode", it.Ino)
	switch it.Op {
	case OpUnmap:
		dlog.Debugf(ctx, "finishing unmap intent: off=%v [%v,+%v)", it.Off, it.Bno, it.Len)
		if err := it.alloc.Free(ctx, tp, it.Bno, it.Len); err != nil {
			return err
		}
		tp.Manager().Release(it.Len)
		return nil
	case OpMap:
		dlog.Debugf(ctx, "finishing map intent: off=%v [%v,+%v)", it.Off, it.Bno, it.Len)
		return nil
	default:
		panic(fmt.Errorf("should not happen: invalid intent op %v", it.Op))
	}
}

// Deferred mints intents bound to the volume's allocator.
type Deferred struct {
	Alloc *xfsalloc.Allocator
}

// DeferUnmap queues the freeing of [bno, bno+ln), formerly mapped at
// off.
func (d *Deferred) DeferUnmap(tp *xfstxn.Txn, ino xfsprim.Ino, off xfsprim.FileOff, bno xfsprim.FsBlock, ln xfsprim.Filblks) {
	tp.Defer(&Intent{
		Op:    OpUnmap,
		Ino:   ino,
		Off:   off,
		Bno:   bno,
		Len:   ln,
		alloc: d.Alloc,
	})
}

// DeferMap queues the map intent for a newly written mapping of
// [bno, bno+ln) at off.
func (d *Deferred) DeferMap(tp *xfstxn.Txn, ino xfsprim.Ino, off xfsprim.FileOff, bno xfsprim.FsBlock, ln xfsprim.Filblks) {
	tp.Defer(&Intent{
		Op:    OpMap,
		Ino:   ino,
		Off:   off,
		Bno:   bno,
		Len:   ln,
		alloc: d.Alloc,
	})
}

// MemLog is an in-memory IntentLog that records the event stream, for
// the simulator and for tests that assert on intent/done ordering.
type MemLog struct {
	mu     sync.Mutex
	events []LogEvent
}

type LogEvent struct {
	Done bool
	Name string
}

var _ xfstxn.IntentLog = (*MemLog)(nil)

func (l *MemLog) LogIntent(_ context.Context, item xfstxn.DeferItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, LogEvent{Done: false, Name: item.Name()})
	return nil
}

func (l *MemLog) LogDone(_ context.Context, item xfstxn.DeferItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, LogEvent{Done: true, Name: item.Name()})
	return nil
}

func (l *MemLog) Events() []LogEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]LogEvent, len(l.events))
	copy(ret, l.events)
	return ret
}
