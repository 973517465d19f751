package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					name := m.Name
					if v, ok := dp.Attributes.Value(attribute.Key("space")); ok {
						name += "{" + v.AsString() + "}"
					}
					if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok {
						name += "{" + v.AsString() + "}"
					}
					out[name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestTreeMetrics_RecordsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewTreeMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.BlockPromoted("nodes")
	metrics.BlockPromoted("nodes")
	metrics.BlockPromoted("records")
	metrics.BlockWrittenInPlace("records")
	metrics.CascadeFinished(3)
	metrics.TxnCommitted(ctx)
	metrics.TxnAborted(ctx, "poisoned")
	metrics.ReaderOpened(ctx)
	metrics.ReaderOpened(ctx)
	metrics.ReaderClosed(ctx)

	sums := collectSums(t, reader)
	require.Equal(t, int64(2), sums["cowtree.promotions_total{nodes}"])
	require.Equal(t, int64(1), sums["cowtree.promotions_total{records}"])
	require.Equal(t, int64(1), sums["cowtree.inplace_writes_total{records}"])
	require.Equal(t, int64(1), sums["cowtree.txn.commits_total"])
	require.Equal(t, int64(1), sums["cowtree.txn.aborts_total{poisoned}"])
	require.Equal(t, int64(1), sums["cowtree.txn.active_readers"])
}

func TestTreeMetrics_NilIsSilent(t *testing.T) {
	var metrics *TreeMetrics
	require.NotPanics(t, func() {
		metrics.BlockPromoted("nodes")
		metrics.BlockWrittenInPlace("nodes")
		metrics.CascadeFinished(1)
		metrics.TxnCommitted(context.Background())
		metrics.TxnAborted(context.Background(), "user")
		metrics.ReaderOpened(context.Background())
		metrics.ReaderClosed(context.Background())
	})
}
