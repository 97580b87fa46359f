// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsbuf implements the block buffer cache that the btree
// persistence code reads and writes through.
//
// The real buffer cache lives outside of the extent-map engine; this
// package implements the capability boundary the engine needs from
// it: scoped acquire/read/release of fixed-size blocks by block
// number, plus a "hold" mode that keeps a buffer pinned across a
// transaction roll.
package xfsbuf

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/diskio"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/textui"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// A Buf is one pinned filesystem block.  It stays valid until every
// .Get is paired with a .Release; after that the cache may recycle
// it.
type Buf struct {
	bno   xfsprim.FsBlock
	dat   []byte
	dirty bool
	pins  int
}

func (b *Buf) Bno() xfsprim.FsBlock { return b.bno }

// Dat returns the block contents.  Callers that modify it must also
// call MarkDirty.
func (b *Buf) Dat() []byte { return b.dat }

func (b *Buf) MarkDirty() { b.dirty = true }

type Cache struct {
	ctx context.Context //nolint:containedctx // for logging from the eviction callback, which has no ctx argument
	geo xfsprim.Geometry
	dev diskio.File[int64]

	mu    sync.Mutex
	bufs  map[xfsprim.FsBlock]*Buf
	clean *lru.Cache // unpinned bufs, in eviction order
}

// DefaultCacheSize is how many unpinned blocks are kept around for
// re-use before the least recently used one is dropped.
var DefaultCacheSize = textui.Tunable(1024)

func NewCache(ctx context.Context, geo xfsprim.Geometry, dev diskio.File[int64], size int) *Cache {
	bc := &Cache{
		ctx:  ctx,
		geo:  geo,
		dev:  dev,
		bufs: make(map[xfsprim.FsBlock]*Buf),
	}
	bc.clean, _ = lru.NewWithEvict(size, bc.evict)
	return bc
}

func (bc *Cache) evict(key, _ any) {
	bno, _ := key.(xfsprim.FsBlock)
	buf, ok := bc.bufs[bno]
	if !ok {
		return
	}
	if buf.pins > 0 {
		// re-pinned between the lru's decision and this callback; keep it
		return
	}
	if err := bc.flushLocked(buf); err != nil {
		// keep the dirty buffer in core so a later Flush can
		// retry and report it
		dlog.Errorf(bc.ctx, "i/o error: %v", err)
		return
	}
	delete(bc.bufs, bno)
}

func (bc *Cache) flushLocked(buf *Buf) error {
	if !buf.dirty {
		return nil
	}
	if _, err := bc.dev.WriteAt(buf.dat, bc.geo.ByteOff(buf.bno)); err != nil {
		return fmt.Errorf("write block %v: %w", buf.bno, err)
	}
	buf.dirty = false
	return nil
}

// Get acquires the block bno, reading it from the device if it is not
// already in core.  The returned Buf is pinned; the caller must
// Release it on every exit path.
func (bc *Cache) Get(ctx context.Context, bno xfsprim.FsBlock) (*Buf, error) {
	if !bc.geo.ValidFsBlock(bno) {
		return nil, fmt.Errorf("xfsbuf.Get: block %v is out of range", bno)
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if buf, ok := bc.bufs[bno]; ok {
		buf.pins++
		bc.clean.Remove(bno)
		return buf, nil
	}
	buf := &Buf{
		bno:  bno,
		dat:  make([]byte, bc.geo.BlockSize),
		pins: 1,
	}
	if _, err := bc.dev.ReadAt(buf.dat, bc.geo.ByteOff(bno)); err != nil {
		return nil, fmt.Errorf("xfsbuf.Get: block %v: %w", bno, err)
	}
	bc.bufs[bno] = buf
	return buf, nil
}

// GetZeroed acquires the block bno without reading it from the
// device, for blocks that were just allocated and have no meaningful
// prior contents.
func (bc *Cache) GetZeroed(_ context.Context, bno xfsprim.FsBlock) (*Buf, error) {
	if !bc.geo.ValidFsBlock(bno) {
		return nil, fmt.Errorf("xfsbuf.GetZeroed: block %v is out of range", bno)
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	buf, ok := bc.bufs[bno]
	if ok {
		buf.pins++
		bc.clean.Remove(bno)
		for i := range buf.dat {
			buf.dat[i] = 0
		}
	} else {
		buf = &Buf{
			bno:  bno,
			dat:  make([]byte, bc.geo.BlockSize),
			pins: 1,
		}
		bc.bufs[bno] = buf
	}
	buf.dirty = true
	return buf, nil
}

// Release undoes one Get.  When the last pin is dropped the buffer
// becomes eligible for eviction (with writeback if dirty).
func (bc *Cache) Release(buf *Buf) {
	if buf == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if buf.pins <= 0 {
		panic(fmt.Errorf("should not happen: xfsbuf.Release: block %v is not pinned", buf.bno))
	}
	buf.pins--
	if buf.pins == 0 {
		bc.clean.Add(buf.bno, struct{}{})
	}
}

// Forget drops the block from the cache without writeback; for blocks
// that have just been freed and whose contents are garbage.
func (bc *Cache) Forget(bno xfsprim.FsBlock) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if buf, ok := bc.bufs[bno]; ok {
		buf.dirty = false
		if buf.pins == 0 {
			bc.clean.Remove(bno)
			delete(bc.bufs, bno)
		}
	}
}

// Flush writes back every dirty block.  A failing block does not stop
// the writeback of the others; their errors come back together.
func (bc *Cache) Flush(_ context.Context) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var errs derror.MultiError
	for _, buf := range bc.bufs {
		if err := bc.flushLocked(buf); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
