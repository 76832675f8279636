// Package metrics contains the Prometheus collectors exposed by the services with the "-m" flag.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Prometheus metrics for the monitor and api services
var (
	BlocksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cargo_blocks_processed_total",
			Help: "Total number of blocks processed by the monitor",
		},
		[]string{"net"},
	)

	Checkpoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cargo_checkpoint_block",
			Help: "Last block number saved as checkpoint",
		},
		[]string{"net"},
	)

	EventsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cargo_events_decoded_total",
			Help: "Total number of contract events decoded",
		},
		[]string{"event"},
	)

	WorkCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cargo_work_created_total",
			Help: "Total number of work items recorded",
		},
	)

	CorrelationMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cargo_correlation_misses_total",
			Help: "Total number of hand-offs whose previous hand-off was not found",
		},
	)

	Reorgs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cargo_reorg_warnings_total",
			Help: "Total number of blocks not chained to the previous one",
		},
		[]string{"net"},
	)

	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cargo_commands_total",
			Help: "Total number of commands by name and outcome",
		},
		[]string{"command", "outcome"},
	)

	Transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cargo_transactions_total",
			Help: "Total number of submitted transactions by outcome",
		},
		[]string{"net", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cargo_command_duration_seconds",
			Help:    "Duration of dispatched command batches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

var once sync.Once

// Register registers all Prometheus metrics. It is safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			BlocksProcessed,
			Checkpoint,
			EventsDecoded,
			WorkCreated,
			CorrelationMisses,
			Reorgs,
			Commands,
			Transactions,
			CommandDuration,
		)
	})
}

// Serve registers the metrics and serves them on addr (ie. ":9100") until the listener fails.
func Serve(addr string) {
	Register()

	log.Println("Serving metrics API")

	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	if err := http.ListenAndServe(addr, h); err != nil { //nolint:gosec // metrics endpoint
		log.Printf("Metrics server stopped: %v", err)
	}
}
