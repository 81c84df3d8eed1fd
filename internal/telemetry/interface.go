package telemetry

import (
	"context"

	"codeberg.org/mutker/gasmeterd/internal/metrics"
)

// Collector receives counters from every stage of the pipeline.
type Collector interface {
	LineDiscarded(reason string)
	PublishResult(topic string, err error)
	ReadingPublished()
	HealthEmitted()
	SetPipelineUp(up bool)
}

// HistorySource serves recent health records over HTTP.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]metrics.HealthRecord, error)
}
