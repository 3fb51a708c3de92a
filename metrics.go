// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"github.com/gophone/softphone/media"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are signaling counters. Nil Metrics is valid and counts nothing.
type Metrics struct {
	Registrations    *prometheus.CounterVec
	RequestsSent     *prometheus.CounterVec
	RequestsReceived *prometheus.CounterVec
	Calls            *prometheus.CounterVec

	Audio *media.Metrics
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "sip",
			Name:      "registrations_total",
			Help:      "Final REGISTER outcomes",
		}, []string{"result"}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "sip",
			Name:      "requests_sent_total",
			Help:      "Requests sent by method",
		}, []string{"method"}),
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "sip",
			Name:      "requests_received_total",
			Help:      "Inbound requests by method",
		}, []string{"method"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "sip",
			Name:      "calls_total",
			Help:      "Call outcomes by direction",
		}, []string{"direction", "outcome"}),
		Audio: media.NewMetrics(reg),
	}
	if reg != nil {
		reg.MustRegister(m.Registrations, m.RequestsSent, m.RequestsReceived, m.Calls)
	}
	return m
}

func (m *Metrics) registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) requestSent(method string) {
	if m == nil {
		return
	}
	m.RequestsSent.WithLabelValues(method).Inc()
}

func (m *Metrics) requestReceived(method string) {
	if m == nil {
		return
	}
	m.RequestsReceived.WithLabelValues(method).Inc()
}

func (m *Metrics) call(direction string, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(direction, outcome).Inc()
}
