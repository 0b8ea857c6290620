package cloud

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloud_sync_batches_total",
		Help: "Sync batches received, by entity and result.",
	}, []string{"entity", "result"})

	recordsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloud_sync_records_total",
		Help: "Records upserted from accepted batches, by entity.",
	}, []string{"entity"})

	placeholdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloud_placeholder_variants_created_total",
		Help: "Placeholder variants created for sale lines referencing unknown variants.",
	})

	placeholdersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloud_placeholder_products_removed_total",
		Help: "Placeholder products deleted after losing all their variants.",
	})

	variantsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloud_variants_pruned_total",
		Help: "Variants deactivated because a full inventory push omitted them.",
	})
)
