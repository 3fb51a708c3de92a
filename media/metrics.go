// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts audio traffic. Nil Metrics is valid and counts nothing.
type Metrics struct {
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "audio",
			Name:      "datagrams_sent_total",
			Help:      "Audio datagrams sent to remote endpoint",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "audio",
			Name:      "datagrams_received_total",
			Help:      "Audio datagrams received from remote endpoint",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "audio",
			Name:      "bytes_sent_total",
			Help:      "Audio payload bytes sent",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "audio",
			Name:      "bytes_received_total",
			Help:      "Audio payload bytes received",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.DatagramsSent, m.DatagramsReceived, m.BytesSent, m.BytesReceived)
	}
	return m
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}
