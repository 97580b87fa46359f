// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// LiveMemUse is a logger field value that formats as the process's
// current Go-heap footprint.
type LiveMemUse struct {
	mu    sync.Mutex
	stats runtime.MemStats
	last  time.Time
}

var _ fmt.Stringer = (*LiveMemUse)(nil)

var LiveMemUseUpdateInterval = Tunable(1 * time.Second)

func (o *LiveMemUse) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	// runtime.ReadMemStats() calls stopTheWorld(), so rate-limit
	// how often we call it.
	if now := time.Now(); now.Sub(o.last) > LiveMemUseUpdateInterval {
		runtime.ReadMemStats(&o.stats)
		o.last = now
	}

	inuse := o.stats.HeapInuse + o.stats.StackInuse +
		o.stats.MSpanInuse + o.stats.MCacheInuse +
		o.stats.BuckHashSys + o.stats.GCSys + o.stats.OtherSys
	sys := o.stats.Sys - o.stats.HeapReleased

	const mib = 1 << 20
	return Sprintf("%.1fMiB/%.1fMiB",
		float64(inuse)/mib, float64(sys)/mib)
}
