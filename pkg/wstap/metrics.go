package wstap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_frames_decoded_total",
			Help: "Total number of WebSocket frames decoded",
		},
		[]string{"direction"},
	)

	messagesReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wstap_messages_reassembled_total",
			Help: "Total number of fragmented messages reassembled",
		},
	)

	bytesInflated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wstap_inflated_bytes_total",
			Help: "Total bytes produced by permessage-deflate decompression",
		},
	)

	structuralViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_structural_violations_total",
			Help: "Total number of structural protocol violations",
		},
		[]string{"reason"},
	)

	handshakesObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wstap_handshakes_total",
			Help: "Total number of HTTP/1 upgrade handshakes observed",
		},
		[]string{"outcome"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wstap_logical_streams_active",
			Help: "Current number of logical streams with live decoder state",
		},
	)
)
