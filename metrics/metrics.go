// Package metrics holds the Prometheus collectors shared by the timehand
// daemons and serves the exposition endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NTPQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntp_queries_total",
		Help: "Total number of NTP queries received.",
	})

	NTSQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntp_nts_queries_total",
		Help: "Total number of NTP queries carrying NTS extensions.",
	})

	DroppedPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ntp_dropped_packets_total",
		Help: "Total number of silently dropped NTP packets.",
	}, []string{"reason"})

	KissOfDeathTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ntp_kod_total",
		Help: "Total number of crypto-NAK kiss-of-death packets sent.",
	})

	KEQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nts_ke_queries_total",
		Help: "Total number of NTS-KE requests.",
	})

	KEErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nts_ke_errors_total",
		Help: "Total number of failed NTS-KE requests.",
	})

	KeyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nts_key_rotations_total",
		Help: "Total number of master key rotation attempts.",
	})

	KeyRotationsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nts_key_rotations_failed_total",
		Help: "Total number of failed master key rotations.",
	})
)

// MustRegister registers all timehand collectors with the default registry.
// Daemon commands call this once at startup.
func MustRegister() {
	prometheus.MustRegister(
		NTPQueriesTotal,
		NTSQueriesTotal,
		DroppedPacketsTotal,
		KissOfDeathTotal,
		KEQueriesTotal,
		KEErrorsTotal,
		KeyRotationsTotal,
		KeyRotationsFailedTotal,
	)
}

// Handler returns the HTTP handler exposing /health and /metrics.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve exposes the metrics endpoint on addr. It blocks until the listener
// fails.
func Serve(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
