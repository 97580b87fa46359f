// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsprim

import (
	"errors"
	"fmt"
)

// CorruptError is a failed metadata invariant check: out-of-order
// records, a record count that disagrees with the btree, a field out
// of range.  It is never recoverable in place; the operation that
// detected it must stop before persisting anything, and the caller is
// expected to shut the filesystem down.
type CorruptError struct {
	Ino  Ino
	Desc string
}

func Corruptf(ino Ino, format string, args ...any) *CorruptError {
	return &CorruptError{
		Ino:  ino,
		Desc: fmt.Sprintf(format, args...),
	}
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt metadata: inode %v: %s", e.Ino, e.Desc)
}

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
