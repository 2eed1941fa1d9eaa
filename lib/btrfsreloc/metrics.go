// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	Extents     *prometheus.CounterVec // kind=tree|data
	BytesMoved  prometheus.Counter
	Passes      prometheus.Counter
	RsvRetries  prometheus.Counter
	Swaps       *prometheus.CounterVec // phase=relocate|merge|fixup
	ShadowRoots *prometheus.GaugeVec   // state=live|dead
}

var (
	metricsMu    sync.Mutex
	metricsByReg = make(map[prometheus.Registerer]*metrics)
)

// newMetrics returns the job metrics registered with reg.  Jobs that
// share a Registerer share their metrics.  A nil reg gets a private
// registry.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return registerMetrics(prometheus.NewRegistry())
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metricsByReg[reg]; ok {
		return m
	}
	m := registerMetrics(reg)
	metricsByReg[reg] = m
	return m
}

func registerMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		Extents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "btrfs_reloc_extents_total",
			Help: "Extents relocated out of a block group, by kind.",
		}, []string{"kind"}),
		BytesMoved: f.NewCounter(prometheus.CounterOpts{
			Name: "btrfs_reloc_bytes_moved_total",
			Help: "Bytes of data and metadata relocated.",
		}),
		Passes: f.NewCounter(prometheus.CounterOpts{
			Name: "btrfs_reloc_passes_total",
			Help: "Scans of a block group.",
		}),
		RsvRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "btrfs_reloc_rsv_retries_total",
			Help: "Extents that were retried because a space reservation ran short.",
		}),
		Swaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "btrfs_reloc_pointer_swaps_total",
			Help: "Block and data pointers redirected, by phase.",
		}, []string{"phase"}),
		ShadowRoots: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "btrfs_reloc_shadow_roots",
			Help: "Shadow trees currently in existence, by state.",
		}, []string{"state"}),
	}
}
