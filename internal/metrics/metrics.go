// Package metrics provides Prometheus metrics instrumentation for the
// reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveSessions tracks live wrapper objects per entity kind.
	LiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcsd_live_sessions",
			Help: "Live sessions currently held in the entity registry",
		},
		[]string{"kind"},
	)

	// AdmissionReserved tracks reserved admission slots.
	AdmissionReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcsd_admission_reserved",
			Help: "Admission slots currently reserved",
		},
		[]string{"kind"},
	)

	// AdmissionRejected counts decisions deferred because a cap was reached.
	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsd_admission_rejected_total",
			Help: "Send/dequeue decisions deferred by admission limits",
		},
		[]string{"kind"},
	)

	// QueuedEntities counts entities entering the QUEUED state.
	QueuedEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsd_queued_total",
			Help: "Messages and transfers persisted as queued",
		},
		[]string{"kind"},
	)

	// DequeueSweeps counts dequeue scheduler sweeps by trigger.
	DequeueSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsd_dequeue_sweeps_total",
			Help: "Dequeue scheduler sweeps",
		},
		[]string{"trigger"},
	)

	// ExpiryFired counts delivery-expiration timers that fired.
	ExpiryFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcsd_delivery_expirations_total",
			Help: "Delivery-expiration timers fired",
		},
	)

	// WorkerPanics counts recovered panics in background command tasks.
	WorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcsd_worker_panics_total",
			Help: "Panics recovered by the background worker supervisor",
		},
	)
)
