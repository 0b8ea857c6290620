package cloudsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_outbox_delivered_total",
		Help: "Outbox rows accepted by the cloud and removed.",
	})
	outboxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_outbox_drain_failures_total",
		Help: "Drain attempts that left rows pending because the cloud was unreachable.",
	})
	outboxSetAside = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_outbox_set_aside_total",
		Help: "Outbox rows the cloud rejected outright, moved out of the pending queue.",
	})
	bulkSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_bulk_sync_total",
		Help: "Bulk sync pushes by entity and result.",
	}, []string{"entity", "result"})
)
