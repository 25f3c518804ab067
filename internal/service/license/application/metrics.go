// internal/service/license/application/metrics.go
package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_status_transitions_total",
		Help: "Number of status transitions, labelled by source and destination status.",
	}, []string{"from", "to"})

	retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_notification_retries_total",
		Help: "Number of manual notification retries, labelled by outcome.",
	}, []string{"outcome"})

	dlqIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_dlq_messages_total",
		Help: "Number of dead-letter messages processed, labelled by outcome.",
	}, []string{"outcome"})

	escalationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sankey_escalations_total",
		Help: "Number of applications escalated after exhausting automatic retries.",
	})
)
