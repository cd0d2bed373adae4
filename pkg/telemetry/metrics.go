// Package telemetry exposes the engine's prometheus metrics. Everything is
// registered on the default registry and served by promhttp from the API.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_appended_total",
		Help: "Durable message appends.",
	})

	AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_append_failures_total",
		Help: "Durable writes that returned an error.",
	})

	FeedEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_feed_events_delivered_total",
		Help: "Change-feed events handed to subscriber callbacks.",
	})

	FeedEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_feed_events_dropped_total",
		Help: "Change-feed events dropped on a full subscriber buffer.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_subscriptions",
		Help: "Currently active feed subscriptions.",
	})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_reconciliations_total",
		Help: "Confirmed events merged into a view, by outcome.",
	}, []string{"outcome"}) // retired, duplicate, appended

	PendingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_pending_timeouts_total",
		Help: "Local echoes flipped to unconfirmed after the pending window.",
	})

	FallbackEngaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_storage_fallback_engaged_total",
		Help: "Room operations retried against the legacy channel.",
	})

	Resubscribes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_feed_resubscribes_total",
		Help: "Feed subscriptions re-established after a drop.",
	})
)
