// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package confsdk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "confkit_session"

// Metrics are the session client collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionState    *prometheus.GaugeVec
	reconnectAttempts  prometheus.Counter
	reconnects         *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	negotiationLatency *prometheus.HistogramVec
	publishedTracks    prometheus.Gauge
	messagesSent       prometheus.Counter
	rtt                *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. Use a fresh registry per session when running
// several sessions in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "1 for the current transport connection state, 0 otherwise",
		}, []string{"state"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Rejoin attempts made while reconnecting",
		}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Finished reconnect cycles by outcome",
		}, []string{"outcome"}),

		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Server notifications processed by method",
		}, []string{"method"}),

		negotiationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Duration of offer/answer exchanges",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"kind"}),

		publishedTracks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "published_tracks",
			Help:      "Local tracks currently published",
		}),

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Chat messages sent",
		}),

		rtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rtt_milliseconds",
			Help:      "Last round trip time estimate per peer connection",
		}, []string{"transport"}),
	}
}

func (m *Metrics) setConnectionState(state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) reconnectFinished(ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) notificationReceived(method string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method).Inc()
}

func (m *Metrics) observeNegotiation(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.negotiationLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) trackPublished() {
	if m == nil {
		return
	}
	m.publishedTracks.Inc()
}

func (m *Metrics) trackUnpublished() {
	if m == nil {
		return
	}
	m.publishedTracks.Dec()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) observeRTT(transport string, rtt uint32) {
	if m == nil {
		return
	}
	m.rtt.WithLabelValues(transport).Set(float64(rtt))
}
