package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// eventsTotal counts delivered domain events by type.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaible_events_total",
			Help: "Domain events delivered, by type.",
		},
		[]string{"type"},
	)

	// creditsDeducted sums credits taken by chapter charges.
	creditsDeducted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plaible_credits_deducted_total",
			Help: "Credits deducted by chapter charges.",
		},
	)

	// creditsCredited sums credits added by top-ups and refunds.
	creditsCredited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaible_credits_credited_total",
			Help: "Credits added to wallets, by event type.",
		},
		[]string{"type"},
	)

	// busDropped counts events discarded because the bus buffer was full.
	busDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plaible_events_dropped_total",
			Help: "Domain events dropped because the bus buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, creditsDeducted, creditsCredited, busDropped)
}

// Metrics returns a subscriber that mirrors events into Prometheus counters.
func Metrics() Subscriber {
	return SubscriberFunc(func(_ context.Context, e Event) error {
		eventsTotal.WithLabelValues(string(e.Type)).Inc()
		switch e.Type {
		case ChapterCharged:
			creditsDeducted.Add(float64(e.Amount))
		case WalletToppedUp, WalletRefunded:
			creditsCredited.WithLabelValues(string(e.Type)).Add(float64(e.Amount))
		}
		return nil
	})
}
