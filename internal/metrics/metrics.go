// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runledger/runledger/internal/domain"
)

var (
	initOnce sync.Once

	eventsProcessedCounter    *prometheus.CounterVec
	runTransitionsCounter     *prometheus.CounterVec
	settlementsCounter        *prometheus.CounterVec
	forcedClosuresCounter     prometheus.Counter
	seatCheckoutsCounter      *prometheus.CounterVec
	notificationsCounter      *prometheus.CounterVec
	eventHandleDurationMetric prometheus.Histogram
	sweepDurationMetric       prometheus.Histogram
)

const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeFailed  = "failed"

	CheckoutAccepted = "accepted"
	CheckoutRejected = "rejected"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsProcessedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifecycle_events_total",
				Help: "Total number of processed lifecycle events by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		runTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "service_run_transitions_total",
				Help: "Total number of service run status transitions by status.",
			},
			[]string{"status"},
		)

		settlementsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_settlements_total",
				Help: "Total number of settled credit transactions by terminal status.",
			},
			[]string{"status"},
		)

		forcedClosuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forced_run_closures_total",
				Help: "Total number of runs force-closed by the heartbeat monitor.",
			},
		)

		seatCheckoutsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_seat_checkouts_total",
				Help: "Total number of seat checkout attempts by result.",
			},
			[]string{"result"},
		)

		notificationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_notifications_total",
				Help: "Total number of wallet notifications written by kind.",
			},
			[]string{"kind"},
		)

		eventHandleDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lifecycle_event_handle_duration_seconds",
				Help:    "Duration of lifecycle event handling in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		sweepDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heartbeat_sweep_duration_seconds",
				Help:    "Duration of heartbeat monitor sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			eventsProcessedCounter,
			runTransitionsCounter,
			settlementsCounter,
			forcedClosuresCounter,
			seatCheckoutsCounter,
			notificationsCounter,
			eventHandleDurationMetric,
			sweepDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, kind := range []domain.EventKind{
			domain.EventStarted,
			domain.EventHeartbeat,
			domain.EventStopped,
		} {
			for _, outcome := range []string{OutcomeApplied, OutcomeIgnored, OutcomeFailed} {
				eventsProcessedCounter.WithLabelValues(string(kind), outcome)
			}
		}

		for _, status := range []domain.RunStatus{
			domain.RunRunning,
			domain.RunSuccess,
			domain.RunError,
		} {
			runTransitionsCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.TransactionStatus{
			domain.TxBilled,
			domain.TxInDebt,
			domain.TxNotBilled,
		} {
			settlementsCounter.WithLabelValues(string(status))
		}
	})
}

func IncEventProcessed(kind domain.EventKind, outcome string) {
	Init()
	eventsProcessedCounter.WithLabelValues(string(kind), outcome).Inc()
}

func IncRunTransition(status domain.RunStatus) {
	Init()
	runTransitionsCounter.WithLabelValues(string(status)).Inc()
}

func IncSettlement(status domain.TransactionStatus) {
	Init()
	settlementsCounter.WithLabelValues(string(status)).Inc()
}

func IncForcedClosure() {
	Init()
	forcedClosuresCounter.Inc()
}

func IncSeatCheckout(result string) {
	Init()
	seatCheckoutsCounter.WithLabelValues(result).Inc()
}

func IncNotification(kind string) {
	Init()
	notificationsCounter.WithLabelValues(kind).Inc()
}

func ObserveEventHandleDuration(d time.Duration) {
	Init()
	eventHandleDurationMetric.Observe(d.Seconds())
}

func ObserveSweepDuration(d time.Duration) {
	Init()
	sweepDurationMetric.Observe(d.Seconds())
}
