package eventsocket

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level, label-parameterized collectors. Shared vectors labeled per
// connection mode avoid the double-registration panic that one fresh
// collector set per Connection would cause against the default registry.
var (
	framesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsocket",
		Name:      "frames_sent_total",
		Help:      "Number of ESL command frames written to the wire.",
	}, []string{"mode"})

	responsesFulfilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsocket",
		Name:      "responses_fulfilled_total",
		Help:      "Number of command/reply or api/response messages matched to a waiter.",
	}, []string{"mode"})

	eventsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsocket",
		Name:      "events_dispatched_total",
		Help:      "Number of events matched to a registered handler.",
	}, []string{"mode"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsocket",
		Name:      "events_dropped_total",
		Help:      "Number of events dropped because the per-connection event queue was full.",
	}, []string{"mode"})

	eventsUnhandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsocket",
		Name:      "events_unhandled_total",
		Help:      "Number of dispatched events with no matching handler.",
	}, []string{"mode"})

	handlerDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventsocket",
		Name:      "handler_duration_seconds",
		Help:      "Time spent inside a user event handler.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	pendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eventsocket",
		Name:      "pending_requests",
		Help:      "Outstanding request/response slots awaiting a reply.",
	}, []string{"mode"})
)

// metricsSet binds the shared vectors above to one connection's mode label.
type metricsSet struct {
	mode string
}

func newMetricsSet(mode string) *metricsSet {
	return &metricsSet{mode: mode}
}

func (m *metricsSet) frameSent()         { framesSentTotal.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) responseFulfilled() { responsesFulfilledTotal.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) eventDispatched()   { eventsDispatchedTotal.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) eventDropped()      { eventsDroppedTotal.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) eventUnhandled()    { eventsUnhandledTotal.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) pendingInc()        { pendingRequests.WithLabelValues(m.mode).Inc() }
func (m *metricsSet) pendingDec()        { pendingRequests.WithLabelValues(m.mode).Dec() }

func (m *metricsSet) observeHandler(d time.Duration) {
	handlerDurationSeconds.WithLabelValues(m.mode).Observe(d.Seconds())
}
