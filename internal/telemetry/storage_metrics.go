package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds the metric instruments for the buffer pool manager.
type BufferPoolMetrics struct {
	PageHitsCounter   metric.Int64Counter
	PageMissesCounter metric.Int64Counter
	EvictionsCounter  metric.Int64Counter
	FlushesCounter    metric.Int64Counter
	DiskReadsCounter  metric.Int64Counter
	DiskWritesCounter metric.Int64Counter
	PoolFullCounter   metric.Int64Counter
	PinnedPagesUpDown metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	m := &BufferPoolMetrics{}
	counters := []struct {
		name, desc string
		dst        *metric.Int64Counter
	}{
		{"gojostore.bufferpool.hits_total", "Page requests served from a resident frame.", &m.PageHitsCounter},
		{"gojostore.bufferpool.misses_total", "Page requests that had to read from disk.", &m.PageMissesCounter},
		{"gojostore.bufferpool.evictions_total", "Frames reclaimed from the replacer.", &m.EvictionsCounter},
		{"gojostore.bufferpool.flushes_total", "Dirty pages written back to disk.", &m.FlushesCounter},
		{"gojostore.bufferpool.disk_reads_total", "Pages read from the disk manager.", &m.DiskReadsCounter},
		{"gojostore.bufferpool.disk_writes_total", "Pages written to the disk manager.", &m.DiskWritesCounter},
		{"gojostore.bufferpool.full_total", "Requests rejected because no frame could be freed.", &m.PoolFullCounter},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(
			c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	pinned, err := meter.Int64UpDownCounter(
		"gojostore.bufferpool.pinned_pages",
		metric.WithDescription("Number of pages currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.PinnedPagesUpDown = pinned
	return m, nil
}

// IndexMetrics holds the metric instruments for index operations.
type IndexMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewIndexMetrics creates and registers all the metrics for an index manager.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"gojostore.index.started_total",
		metric.WithDescription("Total number of index operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"gojostore.index.handled_total",
		metric.WithDescription("Total number of index operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"gojostore.index.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	activeOpsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojostore.index.active_ops",
		metric.WithDescription("Number of in-flight index operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OpsStartedCounter:      opsStartedCounter,
		OpsHandledCounter:      opsHandledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		ActiveOpsUpDownCounter: activeOpsUpDownCounter,
	}, nil
}
