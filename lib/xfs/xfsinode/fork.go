// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xfsinode models the in-core inode as far as the extent map
// engine needs it: two forks, each in one of three formats, with the
// flat extent list cached in memory once loaded.
package xfsinode

import (
	"context"
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

type Format int8

const (
	FormatLocal Format = iota
	FormatExtents
	FormatBtree
)

var _ fmt.Stringer = Format(0)

func (f Format) String() string {
	switch f {
	case FormatLocal:
		return "local"
	case FormatExtents:
		return "extents"
	case FormatBtree:
		return "btree"
	default:
		return fmt.Sprintf("Format(%d)", int8(f))
	}
}

type WhichFork int8

const (
	DataFork WhichFork = iota
	AttrFork
)

var _ fmt.Stringer = WhichFork(0)

func (w WhichFork) String() string {
	switch w {
	case DataFork:
		return "data"
	case AttrFork:
		return "attr"
	default:
		return fmt.Sprintf("WhichFork(%d)", int8(w))
	}
}

// Fork is one of an inode's two mapping forks.
//
// NExtents counts the on-disk records only; delayed-allocation
// records live purely in the in-core list and are not included.
type Fork struct {
	Format   Format
	NExtents xfsprim.ExtNum

	// Local holds the fork's payload while Format==FormatLocal.
	Local []byte

	// Btree is the on-disk tree while Format==FormatBtree.
	Btree *xfsbmbt.Tree

	recs   []xfsbmbt.Irec
	loaded bool
}

// Inode carries the per-file state the extent map engine reads and
// writes.  Lock ordering and lifetime are the caller's problem; the
// engine assumes it holds the inode exclusively for the duration of
// an operation.
type Inode struct {
	Ino xfsprim.Ino

	// ExtSize is the preferred allocation granularity in blocks; 0
	// means no hint.  Write requests are rounded out to multiples
	// of it.
	ExtSize xfsprim.Filblks

	// Stream marks the inode as belonging to a filestream, which
	// biases allocation toward the stream's current allocation
	// group.
	Stream bool

	// DelBlks is the total delayed-allocation reservation charged
	// against this inode, data blocks and indirect blocks both.
	DelBlks xfsprim.Filblks

	Data Fork
	Attr Fork
}

// NewInode returns an inode with two empty extents-format forks.
func NewInode(ino xfsprim.Ino) *Inode {
	ip := &Inode{Ino: ino}
	ip.Data.Format = FormatExtents
	ip.Data.loaded = true
	ip.Attr.Format = FormatExtents
	ip.Attr.loaded = true
	return ip
}

func (ip *Inode) Fork(whichFork WhichFork) *Fork {
	switch whichFork {
	case DataFork:
		return &ip.Data
	case AttrFork:
		return &ip.Attr
	default:
		panic(fmt.Errorf("should not happen: invalid fork %v", whichFork))
	}
}

func (f *Fork) Loaded() bool { return f.loaded }

// Extents exposes the in-core record list.  Callers must not hold the
// slice across a mutation.
func (f *Fork) Extents() []xfsbmbt.Irec {
	if !f.loaded {
		panic(fmt.Errorf("should not happen: extent list read before load"))
	}
	return f.recs
}

// SetExtents installs a record list wholesale, recounting NExtents.
// Used when a fork changes format.
func (f *Fork) SetExtents(recs []xfsbmbt.Irec) {
	f.recs = recs
	f.loaded = true
	f.NExtents = 0
	for _, rec := range recs {
		if !rec.IsDelayed() {
			f.NExtents++
		}
	}
}

// NumRecs is the in-core record count, delayed records included.
func (f *Fork) NumRecs() int {
	return len(f.recs)
}

// Load pulls the extent list into memory if it is not already there.
// Extents-format forks are always in-core; btree-format forks read
// the leaf chain on first use.
func (f *Fork) Load(ctx context.Context, ino xfsprim.Ino, bc *xfsbuf.Cache) error {
	if f.loaded {
		return nil
	}
	switch f.Format {
	case FormatLocal:
		return xfsprim.Corruptf(ino, "local-format fork has no extent list")
	case FormatExtents:
		// An extents-format fork with nothing cached means the
		// inode was constructed empty.
		f.recs = nil
		f.loaded = true
		return nil
	case FormatBtree:
		if f.Btree == nil {
			return xfsprim.Corruptf(ino, "btree-format fork has no root")
		}
		recs, err := f.Btree.LoadAll(ctx, bc, f.NExtents)
		if err != nil {
			return err
		}
		f.recs = recs
		f.loaded = true
		return nil
	default:
		return xfsprim.Corruptf(ino, "unknown fork format %v", int8(f.Format))
	}
}
