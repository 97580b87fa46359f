// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsinode

import (
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// A Cursor points at one slot of a fork's in-core extent list.  It
// stays valid across mutations made through it, and is invalidated by
// any other mutation of the same fork.
type Cursor struct {
	fork *Fork
	idx  int
}

// First positions a cursor at the fork's lowest record.
func (f *Fork) First() Cursor {
	return Cursor{fork: f}
}

// Lookup positions a cursor at the first record that ends past off,
// which is the record covering off if one does, or else the next one
// up.  ok is false when the cursor lands past the last record.
func (f *Fork) Lookup(off xfsprim.FileOff) (Cursor, bool) {
	if !f.loaded {
		panic(fmt.Errorf("should not happen: extent lookup before load"))
	}
	idx, ok := slices.SearchLowest(f.recs, func(rec xfsbmbt.Irec) int {
		if rec.End() <= off {
			return 1
		}
		return 0
	})
	if !ok {
		idx = len(f.recs)
	}
	return Cursor{fork: f, idx: idx}, idx < len(f.recs)
}

// Get returns the record under the cursor.
func (c Cursor) Get() (xfsbmbt.Irec, bool) {
	if c.idx < 0 || c.idx >= len(c.fork.recs) {
		return xfsbmbt.Irec{}, false
	}
	return c.fork.recs[c.idx], true
}

// Peek returns the record n slots away without moving the cursor.
func (c Cursor) Peek(n int) (xfsbmbt.Irec, bool) {
	return Cursor{fork: c.fork, idx: c.idx + n}.Get()
}

func (c *Cursor) Next() { c.idx++ }

func (c *Cursor) Prev() { c.idx-- }

// Insert places rec at the cursor's slot, shifting later records up.
// The cursor is left on the new record.  Neighbors must not overlap
// the new record and must keep the list sorted.
func (c *Cursor) Insert(rec xfsbmbt.Irec) {
	f := c.fork
	if c.idx < 0 || c.idx > len(f.recs) {
		panic(fmt.Errorf("should not happen: insert at slot %d of %d", c.idx, len(f.recs)))
	}
	if c.idx > 0 {
		if prev := f.recs[c.idx-1]; prev.End() > rec.Off {
			panic(fmt.Errorf("should not happen: insert %v overlaps %v", rec, prev))
		}
	}
	if c.idx < len(f.recs) {
		if next := f.recs[c.idx]; rec.End() > next.Off {
			panic(fmt.Errorf("should not happen: insert %v overlaps %v", rec, next))
		}
	}
	f.recs = append(f.recs, xfsbmbt.Irec{})
	copy(f.recs[c.idx+1:], f.recs[c.idx:])
	f.recs[c.idx] = rec
	if !rec.IsDelayed() {
		f.NExtents++
	}
}

// Remove deletes the record under the cursor, leaving the cursor on
// the record that followed it.
func (c *Cursor) Remove() {
	f := c.fork
	old, ok := c.Get()
	if !ok {
		panic(fmt.Errorf("should not happen: remove at slot %d of %d", c.idx, len(f.recs)))
	}
	copy(f.recs[c.idx:], f.recs[c.idx+1:])
	f.recs = f.recs[:len(f.recs)-1]
	if !old.IsDelayed() {
		f.NExtents--
	}
}

// Update replaces the record under the cursor.  The replacement must
// keep the list sorted and non-overlapping.
func (c *Cursor) Update(rec xfsbmbt.Irec) {
	f := c.fork
	old, ok := c.Get()
	if !ok {
		panic(fmt.Errorf("should not happen: update at slot %d of %d", c.idx, len(f.recs)))
	}
	if c.idx > 0 {
		if prev := f.recs[c.idx-1]; prev.End() > rec.Off {
			panic(fmt.Errorf("should not happen: update %v overlaps %v", rec, prev))
		}
	}
	if c.idx+1 < len(f.recs) {
		if next := f.recs[c.idx+1]; rec.End() > next.Off {
			panic(fmt.Errorf("should not happen: update %v overlaps %v", rec, next))
		}
	}
	f.recs[c.idx] = rec
	switch {
	case old.IsDelayed() && !rec.IsDelayed():
		f.NExtents++
	case !old.IsDelayed() && rec.IsDelayed():
		f.NExtents--
	}
}
