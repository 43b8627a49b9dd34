package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_mailer_items_total",
			Help: "Work items by pipeline stage",
		},
		[]string{"stage"}, // queued|sent|failed|malformed|dead_lettered|duplicate
	)

	CampaignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_mailer_campaign_transitions_total",
			Help: "Campaign status transitions",
		},
		[]string{"transition"}, // dispatched|completed|stopped
	)

	LeaseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_mailer_lease_errors_total",
			Help: "Failed queue lease calls",
		},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_mailer_send_duration_seconds",
			Help:    "Latency of one mail send through the provider pool",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"}, // ok|error
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_mailer_events_dropped_total",
			Help: "Pipeline events that could not be delivered to a sink",
		},
		[]string{"sink"},
	)
)

var once sync.Once

// MustRegister registers the collectors once; serve with an embedded worker calls it from both sides.
func MustRegister(r prometheus.Registerer) {
	once.Do(func() {
		r.MustRegister(
			ItemsTotal,
			CampaignsTotal,
			LeaseErrorsTotal,
			SendDuration,
			EventsDroppedTotal,
		)
	})
}
