// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// LocalToExtents promotes a local-format fork ahead of its first
// block mapping: the inline payload moves into one freshly allocated
// block, mapped at offset 0.  An empty payload just flips the format.
func (e *Engine) LocalToExtents(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) error {
	ctx = e.ctxFor(ctx, ip, whichFork, "local-to-extents")
	fork := ip.Fork(whichFork)
	if fork.Format != xfsinode.FormatLocal {
		return e.corrupt(ctx, ip.Ino, "local-to-extents on a %v-format fork", fork.Format)
	}
	if len(fork.Local) > int(e.Geo.BlockSize) {
		return e.corrupt(ctx, ip.Ino, "local fork holds %v bytes, more than one block", len(fork.Local))
	}
	if len(fork.Local) == 0 {
		fork.Format = xfsinode.FormatExtents
		fork.SetExtents(nil)
		return nil
	}

	bno, err := e.Alloc.AllocBlock(ctx, tp, xfsprim.NullFsBlock)
	if err != nil {
		return fmt.Errorf("local-to-extents for inode %v: %w", ip.Ino, err)
	}
	buf, err := e.Buf.GetZeroed(ctx, bno)
	if err != nil {
		return err
	}
	copy(buf.Dat(), fork.Local)
	buf.MarkDirty()
	e.Buf.Release(buf)

	rec := xfsbmbt.Irec{Off: 0, Block: bno, Len: 1, State: xfsbmbt.StateNorm}
	fork.Local = nil
	fork.Format = xfsinode.FormatExtents
	fork.SetExtents([]xfsbmbt.Irec{rec})
	tp.SetDirty()
	tp.AddQuotaDelta(ip.Ino, 1)
	if e.Rmap != nil {
		e.Rmap.MapExtent(ip.Ino, whichFork, rec)
	}
	e.Defer.DeferMap(tp, ip.Ino, rec.Off, rec.Block, rec.Len)
	dlog.Debugf(ctx, "promoted local fork into block %v", bno)
	return nil
}

// extentsToBtree promotes a flat extent list that outgrew the inode
// literal area.  Exactly one block is allocated, to hold the root's
// sole leaf; only the real records move into it, since delayed
// records live purely in core.  On allocation failure nothing has
// been changed, which is the whole of the required unwind.
func (e *Engine) extentsToBtree(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) error {
	ctx = e.ctxFor(ctx, ip, whichFork, "extents-to-btree")
	fork := ip.Fork(whichFork)
	real := make([]xfsbmbt.Irec, 0, fork.NExtents)
	for _, rec := range fork.Extents() {
		if !rec.IsDelayed() {
			real = append(real, rec)
		}
	}
	if xfsprim.ExtNum(len(real)) != fork.NExtents {
		return e.corrupt(ctx, ip.Ino, "fork counts %v real records but holds %v", fork.NExtents, len(real))
	}

	t := &xfsbmbt.Tree{Geo: e.Geo, Ino: ip.Ino}
	bno, err := t.BuildFrom(ctx, e.Buf, tp, e.Alloc, real)
	if err != nil {
		return fmt.Errorf("extents-to-btree for inode %v: %w", ip.Ino, err)
	}
	fork.Format = xfsinode.FormatBtree
	fork.Btree = t
	tp.SetDirty()
	dlog.Debugf(ctx, "promoted %v records into a btree rooted over leaf %v", len(real), bno)
	return nil
}

// btreeToExtents demotes a tree that has shrunk back to a single leaf
// whose records fit the literal area, freeing the leaf block.  The
// in-core list is already authoritative; the on-disk records are only
// cross-checked against it.
func (e *Engine) btreeToExtents(ctx context.Context, tp *xfstxn.Txn, ip *xfsinode.Inode, whichFork xfsinode.WhichFork) error {
	ctx = e.ctxFor(ctx, ip, whichFork, "btree-to-extents")
	fork := ip.Fork(whichFork)
	recs, err := fork.Btree.Demolish(ctx, e.Buf, tp, e.Alloc)
	if err != nil {
		if xfsprim.IsCorrupt(err) {
			e.Txns.Shutdown(ctx, err)
		}
		return err
	}
	if xfsprim.ExtNum(len(recs)) != fork.NExtents {
		return e.corrupt(ctx, ip.Ino, "btree leaf held %v records but fork says %v", len(recs), fork.NExtents)
	}
	fork.Format = xfsinode.FormatExtents
	fork.Btree = nil
	tp.SetDirty()
	dlog.Debugf(ctx, "demoted btree back to a %v-record flat list", len(recs))
	return nil
}
