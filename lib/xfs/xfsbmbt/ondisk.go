// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmbt

import (
	"encoding/binary"
	"fmt"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// On-disk formats.  These are an existing binary contract and must be
// read and written byte-for-byte; nothing here is free to change.

// A packed record is two big-endian 64-bit words:
//
//	l0: |1 bit state|54 bits startoff|9 high bits of startblock|
//	l1: |43 low bits of startblock|21 bits blockcount|
const (
	SizeofRec = 16

	startOffBits   = 54
	startBlockBits = 52
	blockCountBits = 21
)

// MaxExtLen is the longest extent one packed record can describe.
const MaxExtLen = xfsprim.Filblks(1<<blockCountBits - 1)

// MaxFileOff is the highest file offset one packed record can carry.
const MaxFileOff = xfsprim.FileOff(1<<startOffBits - 1)

// PutRec packs rec into the first SizeofRec bytes of dat.  Delayed
// and hole records have no on-disk form.
func PutRec(dat []byte, rec Irec) {
	if !rec.IsReal() {
		panic(fmt.Errorf("should not happen: packing non-real record %v", rec))
	}
	var l0, l1 uint64
	if rec.State == StateUnwritten {
		l0 |= 1 << 63
	}
	l0 |= (uint64(rec.Off) & (1<<startOffBits - 1)) << 9
	l0 |= uint64(rec.Block) >> (startBlockBits - 9)
	l1 = uint64(rec.Block) << blockCountBits
	l1 |= uint64(rec.Len) & (1<<blockCountBits - 1)
	binary.BigEndian.PutUint64(dat[0:8], l0)
	binary.BigEndian.PutUint64(dat[8:16], l1)
}

// GetRec unpacks the record stored in the first SizeofRec bytes of
// dat.
func GetRec(dat []byte) Irec {
	l0 := binary.BigEndian.Uint64(dat[0:8])
	l1 := binary.BigEndian.Uint64(dat[8:16])
	rec := Irec{
		Off:   xfsprim.FileOff((l0 >> 9) & (1<<startOffBits - 1)),
		Block: xfsprim.FsBlock((l0&(1<<9-1))<<(startBlockBits-9) | l1>>blockCountBits),
		Len:   xfsprim.Filblks(l1 & (1<<blockCountBits - 1)),
		State: StateNorm,
	}
	if l0>>63 != 0 {
		rec.State = StateUnwritten
	}
	return rec
}

// A btree block starts with a fixed header; a leaf block's body is
// packed records, an interior block's body is a key array followed by
// a pointer array at half the body.
//
//	off 0x00: magic    u32
//	off 0x04: level    u16 (0 for leaves)
//	off 0x06: numrecs  u16
//	off 0x08: leftsib  u64 (NullFsBlock-terminated)
//	off 0x10: rightsib u64
const (
	SizeofBlockHeader = 24
	SizeofKey         = 8
	SizeofPtr         = 8

	// Magic spells "BMAP".
	Magic = uint32(0x424d4150)
)

type BlockHeader struct {
	Magic    uint32
	Level    uint16
	NumRecs  uint16
	LeftSib  xfsprim.FsBlock
	RightSib xfsprim.FsBlock
}

func PutBlockHeader(dat []byte, hdr BlockHeader) {
	binary.BigEndian.PutUint32(dat[0:4], hdr.Magic)
	binary.BigEndian.PutUint16(dat[4:6], hdr.Level)
	binary.BigEndian.PutUint16(dat[6:8], hdr.NumRecs)
	binary.BigEndian.PutUint64(dat[8:16], uint64(hdr.LeftSib))
	binary.BigEndian.PutUint64(dat[16:24], uint64(hdr.RightSib))
}

func GetBlockHeader(dat []byte) BlockHeader {
	return BlockHeader{
		Magic:    binary.BigEndian.Uint32(dat[0:4]),
		Level:    binary.BigEndian.Uint16(dat[4:6]),
		NumRecs:  binary.BigEndian.Uint16(dat[6:8]),
		LeftSib:  xfsprim.FsBlock(binary.BigEndian.Uint64(dat[8:16])),
		RightSib: xfsprim.FsBlock(binary.BigEndian.Uint64(dat[16:24])),
	}
}

func putKey(dat []byte, off xfsprim.FileOff) {
	binary.BigEndian.PutUint64(dat[:8], uint64(off))
}

func getKey(dat []byte) xfsprim.FileOff {
	return xfsprim.FileOff(binary.BigEndian.Uint64(dat[:8]))
}

func putPtr(dat []byte, bno xfsprim.FsBlock) {
	binary.BigEndian.PutUint64(dat[:8], uint64(bno))
}

func getPtr(dat []byte) xfsprim.FsBlock {
	return xfsprim.FsBlock(binary.BigEndian.Uint64(dat[:8]))
}

// leafRecOff returns the byte offset of record i in a leaf block.
func leafRecOff(i int) int {
	return SizeofBlockHeader + i*SizeofRec
}

// nodeKeyOff and nodePtrOff return the byte offsets of key/pointer i
// in an interior block; pointers start at the midpoint of the body so
// that a block's capacity is the same whether counted in keys or in
// pointers.
func nodeKeyOff(i int) int {
	return SizeofBlockHeader + i*SizeofKey
}

func nodePtrOff(geo xfsprim.Geometry, i int) int {
	return SizeofBlockHeader + geo.BmbtMaxRecs(false)*SizeofKey + i*SizeofPtr
}
