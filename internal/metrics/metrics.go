// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus collectors wired into the Flash
// Adapter's on_flash_io_begin/end hook and into the Block Manager's
// reclaim path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var (
	// FlashIOLatency observes the wall time of a single Read/Write/Erase
	// call made by the Flash Adapter, labeled by operation.
	FlashIOLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "erst",
		Subsystem: "flash",
		Name:      "io_latency_seconds",
		Help:      "Latency of a single flash Read/Write/Erase call.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
	}, []string{"op"})

	// FlashIOErrors counts failed flash operations, labeled by operation.
	FlashIOErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erst",
		Subsystem: "flash",
		Name:      "io_errors_total",
		Help:      "Flash Read/Write/Erase calls that returned an error.",
	}, []string{"op"})

	// BlocksReclaimed counts blocks the Block Manager has erased via
	// reclaim, as opposed to EraseBlock calls made directly by a caller.
	BlocksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "erst",
		Subsystem: "block",
		Name:      "reclaimed_total",
		Help:      "Virtual blocks reclaimed by the Block Manager.",
	})

	// RecordsRelocated counts records moved by reclaim or recovery,
	// distinct from records written fresh by the Write Engine.
	RecordsRelocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "erst",
		Subsystem: "write",
		Name:      "records_relocated_total",
		Help:      "Records relocated during reclaim or recovery.",
	})
)

// Register installs the collectors into the default registry. Safe to call
// more than once (e.g. from multiple Store instances in the same process).
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(FlashIOLatency, FlashIOErrors, BlocksReclaimed, RecordsRelocated)
	})
}
