// Package metrics defines the Prometheus counters exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery results.
const (
	DeliveryStored      = "stored"
	DeliveryDecodeError = "decodeerror"
	DeliveryStoreError  = "storeerror"
	DeliveryRejected    = "rejected"
)

var (
	metricSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostmail_smtp_sessions_total",
			Help: "Incoming SMTP connections.",
		},
	)
	metricAuth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostmail_smtp_auth_total",
			Help: "SMTP AUTH attempts. Result values: ok, badcreds, aborted, badmech.",
		},
		[]string{
			"mechanism",
			"result",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostmail_smtp_delivery_total",
			Help: "Messages received in the DATA phase. Result values: stored, decodeerror, storeerror, rejected.",
		},
		[]string{
			"result",
		},
	)
	metricClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostmail_store_clears_total",
			Help: "Clear-all requests applied to the store.",
		},
	)
	metricSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostmail_submit_total",
			Help: "Test messages submitted through the send endpoint. Result values: ok, invalid, error.",
		},
		[]string{
			"result",
		},
	)
)

// SessionInc counts an accepted SMTP connection.
func SessionInc() {
	metricSessions.Inc()
}

// AuthInc counts an AUTH attempt.
func AuthInc(mechanism, result string) {
	metricAuth.WithLabelValues(mechanism, result).Inc()
}

func DeliveryInc(result string) {
	metricDelivery.WithLabelValues(result).Inc()
}

func ClearInc() {
	metricClears.Inc()
}

func SubmitInc(result string) {
	metricSubmissions.WithLabelValues(result).Inc()
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
