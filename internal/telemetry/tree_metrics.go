package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TreeMetrics holds the metric instruments for the copy-on-write tree. A nil
// *TreeMetrics records nothing.
type TreeMetrics struct {
	PromotionsCounter        metric.Int64Counter
	InPlaceWritesCounter     metric.Int64Counter
	CascadeDepthHistogram    metric.Int64Histogram
	CommitsCounter           metric.Int64Counter
	AbortsCounter            metric.Int64Counter
	ActiveReadersUpDownCount metric.Int64UpDownCounter
}

// NewTreeMetrics creates and registers all the metrics for one tree.
func NewTreeMetrics(meter metric.Meter) (*TreeMetrics, error) {
	promotions, err := meter.Int64Counter(
		"cowtree.promotions_total",
		metric.WithDescription("Total number of blocks copied above the transaction boundary."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inPlace, err := meter.Int64Counter(
		"cowtree.inplace_writes_total",
		metric.WithDescription("Total number of blocks the gate allowed to be written in place."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cascadeDepth, err := meter.Int64Histogram(
		"cowtree.promotion.cascade_depth",
		metric.WithDescription("Number of blocks moved by one promotion cascade."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"cowtree.txn.commits_total",
		metric.WithDescription("Total number of committed write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborts, err := meter.Int64Counter(
		"cowtree.txn.aborts_total",
		metric.WithDescription("Total number of aborted write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	readers, err := meter.Int64UpDownCounter(
		"cowtree.txn.active_readers",
		metric.WithDescription("Number of open read transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TreeMetrics{
		PromotionsCounter:        promotions,
		InPlaceWritesCounter:     inPlace,
		CascadeDepthHistogram:    cascadeDepth,
		CommitsCounter:           commits,
		AbortsCounter:            aborts,
		ActiveReadersUpDownCount: readers,
	}, nil
}

func (m *TreeMetrics) BlockPromoted(space string) {
	if m == nil {
		return
	}
	m.PromotionsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("space", space)))
}

func (m *TreeMetrics) BlockWrittenInPlace(space string) {
	if m == nil {
		return
	}
	m.InPlaceWritesCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("space", space)))
}

func (m *TreeMetrics) CascadeFinished(depth int) {
	if m == nil {
		return
	}
	m.CascadeDepthHistogram.Record(context.Background(), int64(depth))
}

func (m *TreeMetrics) TxnCommitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.CommitsCounter.Add(ctx, 1)
}

// TxnAborted counts an abort. reason is a short label such as "user",
// "poisoned" or "commit_failed".
func (m *TreeMetrics) TxnAborted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AbortsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *TreeMetrics) ReaderOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveReadersUpDownCount.Add(ctx, 1)
}

func (m *TreeMetrics) ReaderClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveReadersUpDownCount.Add(ctx, -1)
}
