package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the custom prometheus registry for perpsim metrics
	Registry = prometheus.NewRegistry()

	// ============================================
	// Run Metrics
	// ============================================

	// RunsTotal counts finished runs by terminal stop
	RunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsim",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of finished runs",
		},
		[]string{"symbol", "terminal_stop"},
	)

	// BarsProcessed counts execution bars stepped across all runs
	BarsProcessed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "perpsim",
			Subsystem: "engine",
			Name:      "bars_processed_total",
			Help:      "Execution bars stepped",
		},
	)

	// TradesTotal counts closed trades by exit reason
	TradesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsim",
			Subsystem: "exchange",
			Name:      "trades_total",
			Help:      "Closed trades",
		},
		[]string{"symbol", "exit_reason"},
	)

	// FinalEquity tracks the last run's final equity per symbol
	FinalEquity = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpsim",
			Subsystem: "engine",
			Name:      "final_equity_usdt",
			Help:      "Final equity of the most recent run",
		},
		[]string{"symbol"},
	)

	// RunDurationSeconds tracks wall-clock run duration per symbol
	RunDurationSeconds = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpsim",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the most recent run",
		},
		[]string{"symbol"},
	)
)

// Serve exposes the registry on addr in the background. Errors are returned
// through the channel so callers can log without blocking a run.
func Serve(addr string) <-chan error {
	errc := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
		errc <- http.ListenAndServe(addr, mux)
	}()
	return errc
}
