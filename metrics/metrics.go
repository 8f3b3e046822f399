// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SIPTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telebridge_sip_transactions_total",
		Help: "SIP transactions started, by role and method.",
	}, []string{"role", "method"})

	RTPPacketsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telebridge_rtp_packets_relayed_total",
		Help: "RTP/RTCP packets forwarded between the call legs.",
	})

	RTPDecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telebridge_rtp_decrypt_failures_total",
		Help: "AEAD open failures on inbound voice packets.",
	})

	GatewayReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telebridge_gateway_reconnects_total",
		Help: "Discord gateway reconnect attempts, by gateway kind.",
	}, []string{"gateway"})

	CallsRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telebridge_calls_refused_total",
		Help: "Calls refused by admission policy, by reason.",
	}, []string{"reason"})
)
