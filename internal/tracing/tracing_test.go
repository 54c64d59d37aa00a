package tracing

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/config"
)

func TestDisabledTracingHandsOutNoopSpans(t *testing.T) {
	shutdown, err := Initialize(config.TracingConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "research.iteration",
		attribute.Int("iteration", 1))
	defer span.End()
	assert.Empty(t, W3CTraceparent(ctx))
}

func TestTraceparentInjection(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("test")

	ctx, span := StartSpan(context.Background(), "research.task")
	defer span.End()

	header := W3CTraceparent(ctx)
	require.True(t, strings.HasPrefix(header, "00-"), "got %q", header)
	assert.Len(t, header, 55)

	req, err := http.NewRequest(http.MethodPost, "http://provider.test/search", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, header, req.Header.Get("traceparent"))
}

func TestInjectSkipsWithoutActiveSpan(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://provider.test", nil)
	require.NoError(t, err)
	InjectTraceparent(context.Background(), req)
	assert.Empty(t, req.Header.Get("traceparent"))
}
