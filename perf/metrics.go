// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemRTC      = "rtc"
	metricsSubSystemSignal   = "signaling"
	metricsSubSystemRecovery = "recovery"
)

type Metrics struct {
	registry *prometheus.Registry

	SignalingMessageCounters *prometheus.CounterVec
	SignalingDropCounters    *prometheus.CounterVec
	RTCPeers                 *prometheus.GaugeVec
	RTCConnStateCounters     *prometheus.CounterVec
	RTCQualityScores         *prometheus.GaugeVec
	RTCRTPPacketCounters     *prometheus.CounterVec
	RecoveryAttemptCounters  *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.SignalingMessageCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemSignal,
			Name:      "messages_total",
			Help:      "Total number of sent/received signaling messages",
		},
		[]string{"type", "direction"},
	)
	m.registry.MustRegister(m.SignalingMessageCounters)

	m.SignalingDropCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemSignal,
			Name:      "drops_total",
			Help:      "Total number of dropped signaling messages",
		},
		[]string{"reason"},
	)
	m.registry.MustRegister(m.SignalingDropCounters)

	m.RTCPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "peers_total",
			Help:      "Total number of active peer connections",
		},
		[]string{"sessionID"},
	)
	m.registry.MustRegister(m.RTCPeers)

	m.RTCConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "conn_states_total",
			Help:      "Total number of RTC connection state changes",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCConnStateCounters)

	m.RTCQualityScores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "quality_score",
			Help:      "Latest connection quality score per peer",
		},
		[]string{"peerID"},
	)
	m.registry.MustRegister(m.RTCQualityScores)

	m.RTCRTPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_packets_received_total",
			Help:      "Total number of RTP packets pumped off remote tracks",
		},
		[]string{"kind"},
	)
	m.registry.MustRegister(m.RTCRTPPacketCounters)

	m.RecoveryAttemptCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRecovery,
			Name:      "attempts_total",
			Help:      "Total number of connection recovery attempts",
		},
		[]string{"result"},
	)
	m.registry.MustRegister(m.RecoveryAttemptCounters)

	return &m
}

func (m *Metrics) IncSignalingMessages(msgType, direction string) {
	m.SignalingMessageCounters.With(prometheus.Labels{"type": msgType, "direction": direction}).Inc()
}

func (m *Metrics) IncSignalingDrops(reason string) {
	m.SignalingDropCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) IncRTCPeers(sessionID string) {
	m.RTCPeers.With(prometheus.Labels{"sessionID": sessionID}).Inc()
}

func (m *Metrics) DecRTCPeers(sessionID string) {
	m.RTCPeers.With(prometheus.Labels{"sessionID": sessionID}).Dec()
}

func (m *Metrics) IncRTCConnState(state string) {
	m.RTCConnStateCounters.With(prometheus.Labels{"type": state}).Inc()
}

func (m *Metrics) SetQualityScore(peerID string, score float64) {
	m.RTCQualityScores.With(prometheus.Labels{"peerID": peerID}).Set(score)
}

func (m *Metrics) RemoveQualityScore(peerID string) {
	m.RTCQualityScores.Delete(prometheus.Labels{"peerID": peerID})
}

func (m *Metrics) IncRTPPackets(kind string) {
	m.RTCRTPPacketCounters.With(prometheus.Labels{"kind": kind}).Inc()
}

func (m *Metrics) IncRecoveryAttempts(result string) {
	m.RecoveryAttemptCounters.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
