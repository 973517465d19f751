package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/cowtree/internal/telemetry"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.Nil(t, tel.Registry)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ServesPrometheusMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "cowtree-test", MetricsAddr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	metrics, err := internaltelemetry.NewTreeMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.BlockPromoted("nodes")

	resp, err := http.Get("http://" + tel.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "cowtree_promotions")
	require.Contains(t, string(body), `space="nodes"`)

	_, span := tel.Tracer.Start(context.Background(), "cowtree.test")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
