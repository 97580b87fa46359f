// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmbt

import (
	"context"
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/containers"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/slices"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// A BlockAllocator hands out and takes back single metadata blocks
// for the tree's own structure, drawing on the transaction's
// reservation.
type BlockAllocator interface {
	AllocBlock(ctx context.Context, tp *xfstxn.Txn, hint xfsprim.FsBlock) (xfsprim.FsBlock, error)
	FreeBlock(ctx context.Context, tp *xfstxn.Txn, bno xfsprim.FsBlock) error
}

// Root is the tree's root node, embedded in the owning inode's
// literal area rather than in its own disk block.  Its fan-out is
// bounded by the fork capacity, not the block size.
type Root struct {
	Level uint16 // height of the tree; children of the root are at Level-1
	Keys  []xfsprim.FileOff
	Ptrs  []xfsprim.FsBlock
}

// Tree is the persistence adapter for one btree-format fork.
type Tree struct {
	Geo  xfsprim.Geometry
	Ino  xfsprim.Ino
	Root Root
}

// SingleLeaf reports whether the whole tree is one leaf block hanging
// off the root, which is the only shape that can be demoted back to
// the flat in-inode list.
func (t *Tree) SingleLeaf() bool {
	return t.Root.Level == 1 && len(t.Root.Ptrs) == 1
}

var recPool containers.SlicePool[Irec]

// bufGuard owns every buffer a tree operation acquires, so that one
// deferred release covers every exit path.
type bufGuard struct {
	bc   *xfsbuf.Cache
	bufs []*xfsbuf.Buf
}

func (g *bufGuard) acquire(ctx context.Context, bno xfsprim.FsBlock) (*xfsbuf.Buf, error) {
	buf, err := g.bc.Get(ctx, bno)
	if err != nil {
		return nil, err
	}
	g.bufs = append(g.bufs, buf)
	return buf, nil
}

func (g *bufGuard) acquireZeroed(ctx context.Context, bno xfsprim.FsBlock) (*xfsbuf.Buf, error) {
	buf, err := g.bc.GetZeroed(ctx, bno)
	if err != nil {
		return nil, err
	}
	g.bufs = append(g.bufs, buf)
	return buf, nil
}

func (g *bufGuard) release() {
	for i := len(g.bufs) - 1; i >= 0; i-- {
		g.bc.Release(g.bufs[i])
	}
	g.bufs = nil
}

// checkHeader validates a block against the position the walk arrived
// at it from.
func (t *Tree) checkHeader(bno xfsprim.FsBlock, hdr BlockHeader, wantLevel uint16) error {
	if hdr.Magic != Magic {
		return xfsprim.Corruptf(t.Ino, "btree block %v: bad magic %#08x", bno, hdr.Magic)
	}
	if hdr.Level != wantLevel {
		return xfsprim.Corruptf(t.Ino, "btree block %v: level %v, expected %v", bno, hdr.Level, wantLevel)
	}
	maxRecs := t.Geo.BmbtMaxRecs(hdr.Level == 0)
	if int(hdr.NumRecs) > maxRecs {
		return xfsprim.Corruptf(t.Ino, "btree block %v: numrecs %v exceeds fan-out %v", bno, hdr.NumRecs, maxRecs)
	}
	return nil
}

// LoadAll reads the full leaf chain into memory, in order.  The
// loaded record count is checked against the fork's recorded extent
// count; a mismatch is corruption, and no partial list is returned.
func (t *Tree) LoadAll(ctx context.Context, bc *xfsbuf.Cache, expected xfsprim.ExtNum) ([]Irec, error) {
	g := bufGuard{bc: bc}
	defer g.release()

	// Walk down the left spine to the first leaf.
	bno, err := t.leftmostLeaf(ctx, &g)
	if err != nil {
		return nil, err
	}

	// Then across the sibling chain.
	ret := make([]Irec, 0, expected)
	prev := xfsprim.NullFsBlock
	for bno != xfsprim.NullFsBlock {
		buf, err := g.acquire(ctx, bno)
		if err != nil {
			return nil, err
		}
		hdr := GetBlockHeader(buf.Dat())
		if err := t.checkHeader(bno, hdr, 0); err != nil {
			return nil, err
		}
		if hdr.LeftSib != prev {
			return nil, xfsprim.Corruptf(t.Ino, "btree leaf %v: left sibling %v, expected %v", bno, hdr.LeftSib, prev)
		}
		for i := 0; i < int(hdr.NumRecs); i++ {
			rec := GetRec(buf.Dat()[leafRecOff(i):])
			if len(ret) > 0 && rec.Off < ret[len(ret)-1].End() {
				return nil, xfsprim.Corruptf(t.Ino, "btree leaf %v: record %v out of order", bno, rec)
			}
			ret = append(ret, rec)
		}
		if xfsprim.ExtNum(len(ret)) > expected {
			return nil, xfsprim.Corruptf(t.Ino, "btree holds more than the %v records the fork says", expected)
		}
		prev = bno
		bno = hdr.RightSib
	}
	if xfsprim.ExtNum(len(ret)) != expected {
		return nil, xfsprim.Corruptf(t.Ino, "btree holds %v records but fork says %v", len(ret), expected)
	}
	return ret, nil
}

func (t *Tree) leftmostLeaf(ctx context.Context, g *bufGuard) (xfsprim.FsBlock, error) {
	if len(t.Root.Ptrs) == 0 {
		return xfsprim.NullFsBlock, xfsprim.Corruptf(t.Ino, "btree root has no children")
	}
	bno := t.Root.Ptrs[0]
	for level := t.Root.Level - 1; level > 0; level-- {
		buf, err := g.acquire(ctx, bno)
		if err != nil {
			return xfsprim.NullFsBlock, err
		}
		hdr := GetBlockHeader(buf.Dat())
		if err := t.checkHeader(bno, hdr, level); err != nil {
			return xfsprim.NullFsBlock, err
		}
		if hdr.NumRecs == 0 {
			return xfsprim.NullFsBlock, xfsprim.Corruptf(t.Ino, "btree block %v: interior block with no children", bno)
		}
		bno = getPtr(buf.Dat()[nodePtrOff(t.Geo, 0):])
	}
	return bno, nil
}

// pathElem records where the descent went through one on-disk block.
// The root is not represented; path[0] is a child of the root.
type pathElem struct {
	bno xfsprim.FsBlock
	buf *xfsbuf.Buf
	idx int // which key/ptr slot the descent took (interior), or is targeted (leaf)
}

// descend walks from the root to the leaf whose key range covers off,
// keeping every block on the path pinned in g.
func (t *Tree) descend(ctx context.Context, g *bufGuard, off xfsprim.FileOff) ([]pathElem, int, error) {
	rootIdx, ok := slices.SearchHighest(t.Root.Keys, func(k xfsprim.FileOff) int {
		if k > off {
			return -1
		}
		return 0
	})
	if !ok {
		rootIdx = 0 // off is below every key; take the leftmost child
	}
	if len(t.Root.Ptrs) == 0 {
		return nil, 0, xfsprim.Corruptf(t.Ino, "btree root has no children")
	}
	path := make([]pathElem, 0, int(t.Root.Level))
	bno := t.Root.Ptrs[rootIdx]
	for level := t.Root.Level - 1; ; level-- {
		buf, err := g.acquire(ctx, bno)
		if err != nil {
			return nil, 0, err
		}
		hdr := GetBlockHeader(buf.Dat())
		if err := t.checkHeader(bno, hdr, level); err != nil {
			return nil, 0, err
		}
		if level == 0 {
			path = append(path, pathElem{bno: bno, buf: buf})
			return path, rootIdx, nil
		}
		if hdr.NumRecs == 0 {
			return nil, 0, xfsprim.Corruptf(t.Ino, "btree block %v: interior block with no children", bno)
		}
		keys := readNodeKeys(buf, hdr)
		idx, ok := slices.SearchHighest(keys, func(k xfsprim.FileOff) int {
			if k > off {
				return -1
			}
			return 0
		})
		if !ok {
			idx = 0
		}
		path = append(path, pathElem{bno: bno, buf: buf, idx: idx})
		bno = getPtr(buf.Dat()[nodePtrOff(t.Geo, idx):])
	}
}

func readLeafRecs(buf *xfsbuf.Buf, hdr BlockHeader) []Irec {
	recs := recPool.Get(int(hdr.NumRecs))
	for i := range recs {
		recs[i] = GetRec(buf.Dat()[leafRecOff(i):])
	}
	return recs
}

func writeLeafRecs(buf *xfsbuf.Buf, hdr BlockHeader, recs []Irec) {
	hdr.NumRecs = uint16(len(recs))
	PutBlockHeader(buf.Dat(), hdr)
	for i, rec := range recs {
		PutRec(buf.Dat()[leafRecOff(i):], rec)
	}
	buf.MarkDirty()
}

func readNodeKeys(buf *xfsbuf.Buf, hdr BlockHeader) []xfsprim.FileOff {
	keys := make([]xfsprim.FileOff, hdr.NumRecs)
	for i := range keys {
		keys[i] = getKey(buf.Dat()[nodeKeyOff(i):])
	}
	return keys
}

// Insert adds rec to the tree, splitting blocks (and growing the
// root) as needed.  Every block the split chain allocates draws on
// the transaction's reservation.
func (t *Tree) Insert(ctx context.Context, bc *xfsbuf.Cache, tp *xfstxn.Txn, alloc BlockAllocator, rec Irec) error {
	g := bufGuard{bc: bc}
	defer g.release()

	path, rootIdx, err := t.descend(ctx, &g, rec.Off)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	hdr := GetBlockHeader(leaf.buf.Dat())
	recs := readLeafRecs(leaf.buf, hdr)
	defer func() { recPool.Put(recs) }()

	pos := len(recs)
	for i, old := range recs {
		if old.Off == rec.Off {
			return xfsprim.Corruptf(t.Ino, "btree insert: record at %v already exists", rec.Off)
		}
		if old.Off > rec.Off {
			pos = i
			break
		}
	}
	recs = append(recs, Irec{})
	copy(recs[pos+1:], recs[pos:])
	recs[pos] = rec

	if len(recs) <= t.Geo.BmbtMaxRecs(true) {
		writeLeafRecs(leaf.buf, hdr, recs)
		tp.SetDirty()
		if pos == 0 {
			t.fixupKeys(path, rootIdx, rec.Off)
		}
		return nil
	}

	// Leaf overflow: split the records across the old leaf and a
	// newly allocated right sibling, then insert the new leaf's
	// key one level up.
	newBno, err := alloc.AllocBlock(ctx, tp, leaf.bno)
	if err != nil {
		return fmt.Errorf("btree leaf split: %w", err)
	}
	newBuf, err := g.acquireZeroed(ctx, newBno)
	if err != nil {
		return err
	}
	mid := len(recs) / 2
	newHdr := BlockHeader{
		Magic:    Magic,
		Level:    0,
		LeftSib:  leaf.bno,
		RightSib: hdr.RightSib,
	}
	writeLeafRecs(newBuf, newHdr, recs[mid:])
	if hdr.RightSib != xfsprim.NullFsBlock {
		if err := t.setLeftSib(ctx, &g, hdr.RightSib, newBno); err != nil {
			return err
		}
	}
	hdr.RightSib = newBno
	writeLeafRecs(leaf.buf, hdr, recs[:mid])
	tp.SetDirty()
	if pos == 0 {
		t.fixupKeys(path, rootIdx, rec.Off)
	}
	return t.insertPtr(ctx, &g, tp, alloc, path[:len(path)-1], rootIdx, recs[mid].Off, newBno)
}

func (t *Tree) setLeftSib(ctx context.Context, g *bufGuard, bno, leftSib xfsprim.FsBlock) error {
	buf, err := g.acquire(ctx, bno)
	if err != nil {
		return err
	}
	hdr := GetBlockHeader(buf.Dat())
	hdr.LeftSib = leftSib
	PutBlockHeader(buf.Dat(), hdr)
	buf.MarkDirty()
	return nil
}

// fixupKeys rewrites the separator keys along the descent path after
// the smallest record of a block changed.  Only slot 0 of a child
// forces the parent's key for that child to change.
func (t *Tree) fixupKeys(path []pathElem, rootIdx int, newKey xfsprim.FileOff) {
	for i := len(path) - 2; i >= 0; i-- {
		elem := path[i]
		putKey(elem.buf.Dat()[nodeKeyOff(elem.idx):], newKey)
		elem.buf.MarkDirty()
		if elem.idx != 0 {
			return
		}
	}
	t.Root.Keys[rootIdx] = newKey
}

// insertPtr inserts a (key, child) separator into the interior level
// above path's tail, splitting upward as needed.  An empty path means
// the insertion lands in the root itself.
func (t *Tree) insertPtr(ctx context.Context, g *bufGuard, tp *xfstxn.Txn, alloc BlockAllocator, path []pathElem, rootIdx int, key xfsprim.FileOff, child xfsprim.FsBlock) error {
	if len(path) == 0 {
		return t.insertRootPtr(ctx, g, tp, alloc, rootIdx, key, child)
	}
	node := path[len(path)-1]
	hdr := GetBlockHeader(node.buf.Dat())
	keys := readNodeKeys(node.buf, hdr)
	ptrs := make([]xfsprim.FsBlock, hdr.NumRecs)
	for i := range ptrs {
		ptrs[i] = getPtr(node.buf.Dat()[nodePtrOff(t.Geo, i):])
	}
	pos := len(keys)
	for i, k := range keys {
		if k > key {
			pos = i
			break
		}
	}
	keys = append(keys, 0)
	copy(keys[pos+1:], keys[pos:])
	keys[pos] = key
	ptrs = append(ptrs, 0)
	copy(ptrs[pos+1:], ptrs[pos:])
	ptrs[pos] = child

	if len(keys) <= t.Geo.BmbtMaxRecs(false) {
		t.writeNode(node.buf, hdr, keys, ptrs)
		return nil
	}

	newBno, err := alloc.AllocBlock(ctx, tp, node.bno)
	if err != nil {
		return fmt.Errorf("btree node split: %w", err)
	}
	newBuf, err := g.acquireZeroed(ctx, newBno)
	if err != nil {
		return err
	}
	mid := len(keys) / 2
	newHdr := BlockHeader{
		Magic:    Magic,
		Level:    hdr.Level,
		LeftSib:  node.bno,
		RightSib: hdr.RightSib,
	}
	t.writeNode(newBuf, newHdr, keys[mid:], ptrs[mid:])
	if hdr.RightSib != xfsprim.NullFsBlock {
		if err := t.setLeftSib(ctx, g, hdr.RightSib, newBno); err != nil {
			return err
		}
	}
	hdr.RightSib = newBno
	t.writeNode(node.buf, hdr, keys[:mid], ptrs[:mid])
	return t.insertPtr(ctx, g, tp, alloc, path[:len(path)-1], rootIdx, keys[mid], newBno)
}

func (t *Tree) writeNode(buf *xfsbuf.Buf, hdr BlockHeader, keys []xfsprim.FileOff, ptrs []xfsprim.FsBlock) {
	hdr.NumRecs = uint16(len(keys))
	PutBlockHeader(buf.Dat(), hdr)
	for i, k := range keys {
		putKey(buf.Dat()[nodeKeyOff(i):], k)
	}
	for i, p := range ptrs {
		putPtr(buf.Dat()[nodePtrOff(t.Geo, i):], p)
	}
	buf.MarkDirty()
}

// insertRootPtr adds a separator to the in-inode root, growing the
// tree by one level when the root's literal area is out of slots.
func (t *Tree) insertRootPtr(ctx context.Context, g *bufGuard, tp *xfstxn.Txn, alloc BlockAllocator, _ int, key xfsprim.FileOff, child xfsprim.FsBlock) error {
	pos := len(t.Root.Keys)
	for i, k := range t.Root.Keys {
		if k > key {
			pos = i
			break
		}
	}
	t.Root.Keys = append(t.Root.Keys, 0)
	copy(t.Root.Keys[pos+1:], t.Root.Keys[pos:])
	t.Root.Keys[pos] = key
	t.Root.Ptrs = append(t.Root.Ptrs, 0)
	copy(t.Root.Ptrs[pos+1:], t.Root.Ptrs[pos:])
	t.Root.Ptrs[pos] = child
	tp.SetDirty()

	if xfsprim.ExtNum(len(t.Root.Keys)) <= t.Geo.ForkMaxRecs() {
		return nil
	}

	// The root spills: move everything into a fresh interior
	// block and point the (now one-level-taller) root at it.
	newBno, err := alloc.AllocBlock(ctx, tp, t.Root.Ptrs[0])
	if err != nil {
		// Undo the slot insertion; the caller unwinds the split
		// that produced the child.
		copy(t.Root.Keys[pos:], t.Root.Keys[pos+1:])
		t.Root.Keys = t.Root.Keys[:len(t.Root.Keys)-1]
		copy(t.Root.Ptrs[pos:], t.Root.Ptrs[pos+1:])
		t.Root.Ptrs = t.Root.Ptrs[:len(t.Root.Ptrs)-1]
		return fmt.Errorf("btree root grow: %w", err)
	}
	newBuf, err := g.acquireZeroed(ctx, newBno)
	if err != nil {
		return err
	}
	hdr := BlockHeader{
		Magic:    Magic,
		Level:    t.Root.Level,
		LeftSib:  xfsprim.NullFsBlock,
		RightSib: xfsprim.NullFsBlock,
	}
	t.writeNode(newBuf, hdr, t.Root.Keys, t.Root.Ptrs)
	t.Root = Root{
		Level: t.Root.Level + 1,
		Keys:  []xfsprim.FileOff{t.Root.Keys[0]},
		Ptrs:  []xfsprim.FsBlock{newBno},
	}
	return nil
}

// Update rewrites the record whose start offset is oldOff.
func (t *Tree) Update(ctx context.Context, bc *xfsbuf.Cache, tp *xfstxn.Txn, oldOff xfsprim.FileOff, rec Irec) error {
	g := bufGuard{bc: bc}
	defer g.release()

	path, rootIdx, err := t.descend(ctx, &g, oldOff)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	hdr := GetBlockHeader(leaf.buf.Dat())
	for i := 0; i < int(hdr.NumRecs); i++ {
		old := GetRec(leaf.buf.Dat()[leafRecOff(i):])
		if old.Off != oldOff {
			continue
		}
		PutRec(leaf.buf.Dat()[leafRecOff(i):], rec)
		leaf.buf.MarkDirty()
		tp.SetDirty()
		if i == 0 && rec.Off != oldOff {
			t.fixupKeys(path, rootIdx, rec.Off)
		}
		return nil
	}
	return xfsprim.Corruptf(t.Ino, "btree update: no record at %v", oldOff)
}

// Delete removes the record whose start offset is off, unlinking and
// freeing blocks that become empty.
func (t *Tree) Delete(ctx context.Context, bc *xfsbuf.Cache, tp *xfstxn.Txn, alloc BlockAllocator, off xfsprim.FileOff) error {
	g := bufGuard{bc: bc}
	defer g.release()

	path, rootIdx, err := t.descend(ctx, &g, off)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	hdr := GetBlockHeader(leaf.buf.Dat())
	recs := readLeafRecs(leaf.buf, hdr)
	defer func() { recPool.Put(recs) }()

	pos := -1
	for i, rec := range recs {
		if rec.Off == off {
			pos = i
			break
		}
	}
	if pos < 0 {
		return xfsprim.Corruptf(t.Ino, "btree delete: no record at %v", off)
	}
	copy(recs[pos:], recs[pos+1:])
	recs = recs[:len(recs)-1]
	writeLeafRecs(leaf.buf, hdr, recs)
	tp.SetDirty()

	if len(recs) > 0 {
		if pos == 0 {
			t.fixupKeys(path, rootIdx, recs[0].Off)
		}
		return nil
	}

	// The leaf is empty: unlink it from the sibling chain, drop
	// it from its parent, and give the block back.
	if hdr.LeftSib != xfsprim.NullFsBlock {
		lbuf, err := g.acquire(ctx, hdr.LeftSib)
		if err != nil {
			return err
		}
		lhdr := GetBlockHeader(lbuf.Dat())
		lhdr.RightSib = hdr.RightSib
		PutBlockHeader(lbuf.Dat(), lhdr)
		lbuf.MarkDirty()
	}
	if hdr.RightSib != xfsprim.NullFsBlock {
		if err := t.setLeftSib(ctx, &g, hdr.RightSib, hdr.LeftSib); err != nil {
			return err
		}
	}
	if err := alloc.FreeBlock(ctx, tp, leaf.bno); err != nil {
		return err
	}
	bc.Forget(leaf.bno)
	return t.deletePtr(ctx, &g, tp, alloc, path[:len(path)-1], rootIdx)
}

// deletePtr removes the separator the descent followed at path's
// tail, recursing upward when an interior block empties out.
func (t *Tree) deletePtr(ctx context.Context, g *bufGuard, tp *xfstxn.Txn, alloc BlockAllocator, path []pathElem, rootIdx int) error {
	if len(path) == 0 {
		pos := rootIdx
		copy(t.Root.Keys[pos:], t.Root.Keys[pos+1:])
		t.Root.Keys = t.Root.Keys[:len(t.Root.Keys)-1]
		copy(t.Root.Ptrs[pos:], t.Root.Ptrs[pos+1:])
		t.Root.Ptrs = t.Root.Ptrs[:len(t.Root.Ptrs)-1]
		return nil
	}
	node := path[len(path)-1]
	hdr := GetBlockHeader(node.buf.Dat())
	keys := readNodeKeys(node.buf, hdr)
	ptrs := make([]xfsprim.FsBlock, hdr.NumRecs)
	for i := range ptrs {
		ptrs[i] = getPtr(node.buf.Dat()[nodePtrOff(t.Geo, i):])
	}
	pos := node.idx
	copy(keys[pos:], keys[pos+1:])
	keys = keys[:len(keys)-1]
	copy(ptrs[pos:], ptrs[pos+1:])
	ptrs = ptrs[:len(ptrs)-1]
	t.writeNode(node.buf, hdr, keys, ptrs)

	if len(keys) > 0 {
		if pos == 0 {
			t.fixupKeys(path, rootIdx, keys[0])
		}
		return nil
	}
	if hdr.LeftSib != xfsprim.NullFsBlock {
		if err := t.setRightSib(ctx, g, hdr.LeftSib, hdr.RightSib); err != nil {
			return err
		}
	}
	if hdr.RightSib != xfsprim.NullFsBlock {
		if err := t.setLeftSib(ctx, g, hdr.RightSib, hdr.LeftSib); err != nil {
			return err
		}
	}
	if err := alloc.FreeBlock(ctx, tp, node.bno); err != nil {
		return err
	}
	g.bc.Forget(node.bno)
	return t.deletePtr(ctx, g, tp, alloc, path[:len(path)-1], rootIdx)
}

func (t *Tree) setRightSib(ctx context.Context, g *bufGuard, bno, rightSib xfsprim.FsBlock) error {
	buf, err := g.acquire(ctx, bno)
	if err != nil {
		return err
	}
	hdr := GetBlockHeader(buf.Dat())
	hdr.RightSib = rightSib
	PutBlockHeader(buf.Dat(), hdr)
	buf.MarkDirty()
	return nil
}

// BuildFrom converts a flat record list into a one-leaf tree,
// allocating exactly one block.  The caller is responsible for only
// calling this at the spill threshold, where the whole list still
// fits one leaf.  On error nothing is changed in-core.
func (t *Tree) BuildFrom(ctx context.Context, bc *xfsbuf.Cache, tp *xfstxn.Txn, alloc BlockAllocator, recs []Irec) (xfsprim.FsBlock, error) {
	if len(recs) == 0 || len(recs) > t.Geo.BmbtMaxRecs(true) {
		return xfsprim.NullFsBlock, xfsprim.Corruptf(t.Ino, "btree build: %v records cannot seed a single leaf", len(recs))
	}
	hint := xfsprim.NullFsBlock
	for _, rec := range recs {
		if rec.IsReal() {
			hint = rec.Block
			break
		}
	}
	bno, err := alloc.AllocBlock(ctx, tp, hint)
	if err != nil {
		return xfsprim.NullFsBlock, err
	}
	g := bufGuard{bc: bc}
	defer g.release()
	buf, err := g.acquireZeroed(ctx, bno)
	if err != nil {
		return xfsprim.NullFsBlock, err
	}
	writeLeafRecs(buf, BlockHeader{
		Magic:    Magic,
		Level:    0,
		LeftSib:  xfsprim.NullFsBlock,
		RightSib: xfsprim.NullFsBlock,
	}, recs)
	tp.SetDirty()
	t.Root = Root{
		Level: 1,
		Keys:  []xfsprim.FileOff{recs[0].Off},
		Ptrs:  []xfsprim.FsBlock{bno},
	}
	return bno, nil
}

// Demolish tears down a single-leaf tree, returning its records and
// freeing its one block.  The inverse of BuildFrom.
func (t *Tree) Demolish(ctx context.Context, bc *xfsbuf.Cache, tp *xfstxn.Txn, alloc BlockAllocator) ([]Irec, error) {
	if !t.SingleLeaf() {
		return nil, xfsprim.Corruptf(t.Ino, "btree demolish: tree is not a single leaf (level=%v children=%v)",
			t.Root.Level, len(t.Root.Ptrs))
	}
	bno := t.Root.Ptrs[0]
	g := bufGuard{bc: bc}
	defer g.release()
	buf, err := g.acquire(ctx, bno)
	if err != nil {
		return nil, err
	}
	hdr := GetBlockHeader(buf.Dat())
	if err := t.checkHeader(bno, hdr, 0); err != nil {
		return nil, err
	}
	recs := make([]Irec, hdr.NumRecs)
	for i := range recs {
		recs[i] = GetRec(buf.Dat()[leafRecOff(i):])
	}
	if err := alloc.FreeBlock(ctx, tp, bno); err != nil {
		return nil, err
	}
	bc.Forget(bno)
	tp.SetDirty()
	t.Root = Root{}
	return recs, nil
}
