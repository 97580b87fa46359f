// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsbmap

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// worstIndLen returns the worst-case number of metadata blocks needed
// to index ln data blocks in the extent btree: the fan-out at each
// level divides the record count, and one block per level per
// still-unindexed chunk is charged.
func worstIndLen(geo xfsprim.Geometry, ln xfsprim.Filblks) xfsprim.Filblks {
	if ln <= 0 {
		return 0
	}
	maxLevels := geo.BmbtMaxLevels()
	var rval xfsprim.Filblks
	for level := 0; level < maxLevels && ln > 1; level++ {
		maxRecs := xfsprim.Filblks(geo.BmbtMaxRecs(level == 0))
		ln = (ln + maxRecs - 1) / maxRecs
		rval += ln
	}
	return rval
}

// splitIndLen divides a delayed extent's reservation between the two
// pieces of a split.  Each piece gets its own worst case when the
// original reservation covers both; otherwise both are scaled down
// proportionally (truncating) and the remainder is handed out one
// block at a time, preferring whichever side holds zero.  The sum of
// the results never exceeds ores.
//
// A side can still end up with zero reservation when ores itself is
// too small; that is tolerated with a diagnostic, since the worst
// case rarely materializes.
func splitIndLen(ctx context.Context, geo xfsprim.Geometry, ores, len1, len2 xfsprim.Filblks) (xfsprim.Filblks, xfsprim.Filblks) {
	res1 := worstIndLen(geo, len1)
	res2 := worstIndLen(geo, len2)
	nres := res1 + res2
	if nres <= ores {
		return res1, res2
	}

	res1 = ores * res1 / nres
	res2 = ores * res2 / nres
	for rem := ores - res1 - res2; rem > 0; rem-- {
		switch {
		case res1 == 0 && len1 > 0:
			res1++
		case res2 == 0 && len2 > 0:
			res2++
		case res1 <= res2:
			res1++
		default:
			res2++
		}
	}
	if (res1 == 0 && len1 > 0) || (res2 == 0 && len2 > 0) {
		dlog.Infof(ctx, "delayed extent split left a side with no indirect reservation: ores=%v -> %v+%v for lengths %v/%v",
			ores, res1, res2, len1, len2)
	}
	return res1, res2
}
