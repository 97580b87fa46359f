// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package xfsalloc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfs",
			Subsystem: "alloc",
			Name:      "ag_attempts_total",
			Help:      "Per-strategy allocation-group attempts, by outcome (hit, miss, busy).",
		},
		[]string{"strategy", "outcome"})

	metricLowSpace = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xfs",
			Subsystem: "alloc",
			Name:      "low_space_entries_total",
			Help:      "Transactions that fell into low-space allocation mode.",
		})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(metricAttempts, metricLowSpace)
	})
}
