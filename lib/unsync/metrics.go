// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "pool",
		Name:      "sessions_created_total",
		Help:      "Total number of sessions connected",
	}, []string{"endpoint"})
	metricSessionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "pool",
		Name:      "sessions_failed_total",
		Help:      "Total number of failed connection attempts",
	}, []string{"endpoint"})
	metricSessionsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "pool",
		Name:      "sessions_discarded_total",
		Help:      "Total number of invalid sessions dropped by the pool",
	}, []string{"endpoint"})
	metricIdleSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "unsync",
		Subsystem: "pool",
		Name:      "idle_sessions",
		Help:      "Number of connected sessions waiting in the pool",
	}, []string{"endpoint"})

	metricDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "session",
		Name:      "downloads_total",
		Help:      "Total number of download calls, by result",
	}, []string{"endpoint", "result"})
	metricBlocksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "session",
		Name:      "blocks_received_total",
		Help:      "Total number of blocks received",
	}, []string{"endpoint"})
	metricBlockBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "session",
		Name:      "block_bytes_received_total",
		Help:      "Total size of received blocks, before decompression",
	}, []string{"endpoint"})

	metricServerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unsync",
		Subsystem: "server",
		Name:      "connections",
		Help:      "Number of connected clients",
	})
	metricServerBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "server",
		Name:      "blocks_total",
		Help:      "Total number of requested blocks, by result",
	}, []string{"result"})
	metricServerBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "server",
		Name:      "block_bytes_sent_total",
		Help:      "Total size of sent blocks, after compression",
	})
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	blockSent     = "sent"
	blockNoFile   = "no_file"
	blockReadErr  = "read_error"
	blockMismatch = "hash_mismatch"
)
