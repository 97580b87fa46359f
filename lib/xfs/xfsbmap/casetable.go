// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap

import (
	"fmt"
)

// caseClass names one row of the merge/split table.  The four inputs
// are whether the new extent reaches the existing record's start
// (left filling) and end (right filling), and whether the left/right
// neighbor records can absorb the new extent (contiguous offsets,
// contiguous physical blocks, matching state).
//
// A contiguity flag without the matching filling flag cannot occur:
// the new extent would have to be mergeable with a neighbor it does
// not even touch.  classify panics on those combinations rather than
// giving them a branch.
type caseClass int8

const (
	// Both filling: the new extent replaces the record outright.
	caseFillingBothContigBoth  caseClass = iota // absorb record and right neighbor into left neighbor
	caseFillingBothContigLeft                   // absorb record into left neighbor
	caseFillingBothContigRight                  // absorb record into right neighbor
	caseFillingBoth                             // replace record in place

	// Left filling: the new extent covers the record's head.
	caseFillingLeftContigLeft // grow left neighbor, shrink record
	caseFillingLeft           // insert new record before shrunk record

	// Right filling: the new extent covers the record's tail.
	caseFillingRightContigRight // grow right neighbor, shrink record
	caseFillingRight            // insert new record after shrunk record

	// Neither: the new extent is interior to the record.
	caseFillingNone // split record in three
)

var _ fmt.Stringer = caseClass(0)

func (c caseClass) String() string {
	switch c {
	case caseFillingBothContigBoth:
		return "filling-both-contig-both"
	case caseFillingBothContigLeft:
		return "filling-both-contig-left"
	case caseFillingBothContigRight:
		return "filling-both-contig-right"
	case caseFillingBoth:
		return "filling-both"
	case caseFillingLeftContigLeft:
		return "filling-left-contig-left"
	case caseFillingLeft:
		return "filling-left"
	case caseFillingRightContigRight:
		return "filling-right-contig-right"
	case caseFillingRight:
		return "filling-right"
	case caseFillingNone:
		return "filling-none"
	default:
		return fmt.Sprintf("caseClass(%d)", int8(c))
	}
}

func classify(leftFilling, rightFilling, leftContig, rightContig bool) caseClass {
	switch {
	case leftFilling && rightFilling:
		switch {
		case leftContig && rightContig:
			return caseFillingBothContigBoth
		case leftContig:
			return caseFillingBothContigLeft
		case rightContig:
			return caseFillingBothContigRight
		default:
			return caseFillingBoth
		}
	case leftFilling:
		if rightContig {
			panic(fmt.Errorf("should not happen: right-contiguous without right-filling"))
		}
		if leftContig {
			return caseFillingLeftContigLeft
		}
		return caseFillingLeft
	case rightFilling:
		if leftContig {
			panic(fmt.Errorf("should not happen: left-contiguous without left-filling"))
		}
		if rightContig {
			return caseFillingRightContigRight
		}
		return caseFillingRight
	default:
		if leftContig || rightContig {
			panic(fmt.Errorf("should not happen: contiguous neighbor without a filling edge"))
		}
		return caseFillingNone
	}
}
