// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"git.lukeshu.com/go/typedsync"
)

type SlicePool[T any] struct {
	inner typedsync.Pool[[]T]
}

func (p *SlicePool[T]) Get(size int) []T {
	if size == 0 {
		return nil
	}
	ret, ok := p.inner.Get()
	if ok && cap(ret) >= size {
		ret = ret[:size]
	} else {
		ret = make([]T, size)
	}
	return ret
}

func (p *SlicePool[T]) Put(slice []T) {
	if slice == nil {
		return
	}
	p.inner.Put(slice)
}
