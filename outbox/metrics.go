package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "approvy_outbox_failed_events",
		Help: "Unpublished outbox events past their maximum retries.",
	})
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvy_outbox_published_total",
		Help: "Outbox events handed to the broker.",
	}, []string{"event_type"})
	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvy_outbox_publish_failures_total",
		Help: "Failed attempts to hand an outbox event to the broker.",
	}, []string{"event_type"})
	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvy_outbox_purged_total",
		Help: "Published outbox events deleted after the retention period.",
	})
)
