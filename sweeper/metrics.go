package sweeper

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OpenTelemetry instruments the sweeper records against.
type Metrics struct {
	sweepsTotal        metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	candidatesSeen     metric.Int64Counter
	tombstonedTotal    metric.Int64Counter
	blobsUnlinkedTotal metric.Int64Counter
	errorsTotal        metric.Int64Counter
}

// NewMetrics builds a Metrics from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sweepsTotal, err := meter.Int64Counter(
		"carol_sweeper_runs_total",
		metric.WithDescription("Total number of eviction sweeps run"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"carol_sweeper_run_duration_seconds",
		metric.WithDescription("Eviction sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	candidatesSeen, err := meter.Int64Counter(
		"carol_sweeper_candidates_total",
		metric.WithDescription("Total number of evictable entries observed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	tombstonedTotal, err := meter.Int64Counter(
		"carol_sweeper_tombstoned_total",
		metric.WithDescription("Total number of entries tombstoned"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	blobsUnlinkedTotal, err := meter.Int64Counter(
		"carol_sweeper_blobs_unlinked_total",
		metric.WithDescription("Total number of blobs unlinked from disk"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"carol_sweeper_errors_total",
		metric.WithDescription("Total number of errors encountered during sweeps"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sweepsTotal:        sweepsTotal,
		sweepDuration:      sweepDuration,
		candidatesSeen:     candidatesSeen,
		tombstonedTotal:    tombstonedTotal,
		blobsUnlinkedTotal: blobsUnlinkedTotal,
		errorsTotal:        errorsTotal,
	}, nil
}
