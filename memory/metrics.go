package memory

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/becomeliminal/aletheia/telemetry"
)

const instrumentationName = "github.com/becomeliminal/aletheia/memory"

var tracer = telemetry.Tracer(instrumentationName)

var (
	refreshRuns       metric.Int64Counter
	refreshPruned     metric.Int64Counter
	refreshSummaries  metric.Int64Counter
	refreshPushed     metric.Int64Counter
	queryTotal        metric.Int64Counter
	queryArchiveFalls metric.Int64Counter
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := telemetry.Meter(instrumentationName)
	var err error
	if refreshRuns, err = meter.Int64Counter("memory.refresh.runs",
		metric.WithDescription("Refresh runs by terminal state")); err != nil {
		return
	}
	if refreshPruned, err = meter.Int64Counter("memory.refresh.entries_pruned",
		metric.WithDescription("Short-term entries removed by pruning or eviction")); err != nil {
		return
	}
	if refreshSummaries, err = meter.Int64Counter("memory.refresh.summaries_created",
		metric.WithDescription("Summaries created from pruned entries")); err != nil {
		return
	}
	if refreshPushed, err = meter.Int64Counter("memory.refresh.updates_pushed",
		metric.WithDescription("Context updates acknowledged by the archive")); err != nil {
		return
	}
	if queryTotal, err = meter.Int64Counter("memory.query.total",
		metric.WithDescription("Queries served")); err != nil {
		return
	}
	if queryArchiveFalls, err = meter.Int64Counter("memory.query.archive_fallbacks",
		metric.WithDescription("Queries that consulted the archive")); err != nil {
		return
	}
	metricsRegistered = true
}

func recordRefreshMetrics(ctx context.Context, st *RefreshStatus) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("state", string(st.State)),
		attribute.Bool("mnemosyne_available", st.MnemosyneAvailable),
	)
	refreshRuns.Add(ctx, 1, attrs)
	refreshPruned.Add(ctx, int64(st.EntriesPruned+st.EntriesEvicted))
	refreshSummaries.Add(ctx, int64(st.SummariesCreated))
	refreshPushed.Add(ctx, int64(st.UpdatesPushed))
}

func recordQueryMetrics(ctx context.Context, depth Depth, archiveConsulted bool) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(attribute.String("depth", string(depth)))
	queryTotal.Add(ctx, 1, attrs)
	if archiveConsulted {
		queryArchiveFalls.Add(ctx, 1, attrs)
	}
}
