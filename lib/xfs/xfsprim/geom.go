// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsprim

import (
	"fmt"
	"math/bits"
)

// Geometry is the static shape of a filesystem, as far as the extent
// map engine cares: block size, allocation-group layout, inode fork
// capacity, and stripe alignment.  It is computed once at mount by the
// (external) superblock code and never changes.
type Geometry struct {
	BlockSize uint32 // bytes per filesystem block

	AgCount  AgNumber
	AgBlocks Filblks // blocks per allocation group

	// ForkCapacity is the number of bytes available in the inode
	// literal area for an extent list (or inline data) before the
	// fork has to spill into a btree.
	ForkCapacity int

	// StripeUnit is the RAID stripe alignment in blocks; 0 means
	// unstriped.
	StripeUnit Filblks

	agBlkLog uint
}

func NewGeometry(blockSize uint32, agCount AgNumber, agBlocks Filblks, forkCapacity int, stripeUnit Filblks) (Geometry, error) {
	g := Geometry{
		BlockSize:    blockSize,
		AgCount:      agCount,
		AgBlocks:     agBlocks,
		ForkCapacity: forkCapacity,
		StripeUnit:   stripeUnit,
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return Geometry{}, fmt.Errorf("new geometry: block size %v is not a power of 2", blockSize)
	}
	if agCount == 0 || agBlocks <= 0 {
		return Geometry{}, fmt.Errorf("new geometry: empty volume: agcount=%v agblocks=%v", agCount, agBlocks)
	}
	if forkCapacity < sizeofPackedRec {
		return Geometry{}, fmt.Errorf("new geometry: fork capacity %v cannot hold a single record", forkCapacity)
	}
	g.agBlkLog = uint(bits.Len64(uint64(agBlocks - 1)))
	return g, nil
}

// sizeofPackedRec is the on-disk size of one packed extent record;
// duplicated from the on-disk contract so that Geometry does not
// depend on the btree package.
const sizeofPackedRec = 16

// FsBlock assembles a segmented block number.
func (g Geometry) FsBlock(agno AgNumber, agbno AgBlock) FsBlock {
	return FsBlock(uint64(agno)<<g.agBlkLog | uint64(agbno))
}

func (g Geometry) AgNumber(b FsBlock) AgNumber {
	return AgNumber(uint64(b) >> g.agBlkLog)
}

func (g Geometry) AgBlock(b FsBlock) AgBlock {
	return AgBlock(uint64(b) & (1<<g.agBlkLog - 1))
}

// ValidFsBlock reports whether b names a real block within the
// volume.  The delayed/hole/null sentinels are not valid blocks.
func (g Geometry) ValidFsBlock(b FsBlock) bool {
	if IsDelayStartBlock(b) || b == HoleStartBlock || b < 0 {
		return false
	}
	return g.AgNumber(b) < g.AgCount && Filblks(g.AgBlock(b)) < g.AgBlocks
}

// ByteOff flattens a segmented block number into a byte offset on the
// device.
func (g Geometry) ByteOff(b FsBlock) int64 {
	return (int64(g.AgNumber(b))*int64(g.AgBlocks) + int64(g.AgBlock(b))) * int64(g.BlockSize)
}

// ForkMaxRecs returns how many extent records fit in the inode
// literal area.
func (g Geometry) ForkMaxRecs() ExtNum {
	return ExtNum(g.ForkCapacity / sizeofPackedRec)
}

// BmbtMaxRecs returns the btree fan-out: how many records fit in one
// btree block at the given depth (leaf or interior).
func (g Geometry) BmbtMaxRecs(leaf bool) int {
	bodyBytes := int(g.BlockSize) - sizeofBmbtBlockHeader
	if leaf {
		return bodyBytes / sizeofPackedRec
	}
	return bodyBytes / (sizeofBmbtKey + sizeofBmbtPtr)
}

const (
	sizeofBmbtBlockHeader = 24
	sizeofBmbtKey         = 8
	sizeofBmbtPtr         = 8
)

// BmbtMaxLevels returns the maximum height the extent btree can ever
// reach with this geometry, which bounds the worst-case
// indirect-block reservation walk.
func (g Geometry) BmbtMaxLevels() int {
	// How many levels until one block's worth of fan-out covers
	// the maximum possible record count.
	maxRecords := uint64(g.AgCount) * uint64(g.AgBlocks)
	levels := 1
	for span := uint64(g.BmbtMaxRecs(true)); span < maxRecords; span *= uint64(g.BmbtMaxRecs(false)) {
		levels++
	}
	return levels
}
