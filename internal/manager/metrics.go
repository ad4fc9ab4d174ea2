package manager

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"liquidityManager/internal/ledger"
	"liquidityManager/internal/model"
)

type metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rollbacks   *prometheus.CounterVec
	positions   prometheus.Gauge
	pending     prometheus.Gauge
	eventsTotal *prometheus.CounterVec

	// eventsDeferred counts events of committed operations awaiting publish.
	eventsDeferred prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidity_manager",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "liquidity_manager",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidity_manager",
			Name:      "rollbacks_total",
			Help:      "Operations undone after a failure.",
		}, []string{"op"}),
		positions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidity_manager",
			Name:      "positions",
			Help:      "Deposits recorded in the ledger.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidity_manager",
			Name:      "pending_collections",
			Help:      "Positions with removed liquidity awaiting collection.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidity_manager",
			Name:      "events_total",
			Help:      "Lifecycle events published.",
		}, []string{"name"}),
		eventsDeferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidity_manager",
			Name:      "events_deferred",
			Help:      "Events of committed operations not yet accepted by the sink.",
		}),
	}
	for _, c := range []prometheus.Collector{m.operations, m.duration, m.rollbacks, m.positions, m.pending, m.eventsTotal, m.eventsDeferred} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(op string, started time.Time, err error) {
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *metrics) setPositions(l *ledger.Ledger) {
	m.positions.Set(float64(len(l.Positions())))
	m.pending.Set(float64(len(l.PendingAll())))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrUnknownPosition):
		return "unknown_position"
	case errors.Is(err, model.ErrCollectionPending):
		return "collection_pending"
	case model.IsRetryable(err):
		return "retryable"
	case model.IsInternalFault(err):
		return "internal_fault"
	default:
		return "error"
	}
}
