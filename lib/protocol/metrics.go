// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "protocol",
		Name:      "sent_bytes_total",
		Help:      "Total amount of data sent",
	}, []string{"endpoint"})
	metricRecvBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsync",
		Subsystem: "protocol",
		Name:      "recv_bytes_total",
		Help:      "Total amount of data received",
	}, []string{"endpoint"})
)

// RegisterEndpointMetrics makes the counters for an endpoint present even
// while they are zero.
func RegisterEndpointMetrics(endpoint string) {
	metricSentBytes.WithLabelValues(endpoint)
	metricRecvBytes.WithLabelValues(endpoint)
}
