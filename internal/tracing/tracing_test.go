package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, Traceparent(ctx))
}

func TestPhaseSpanAndTraceparent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	UseProvider(tp)
	t.Cleanup(func() { UseProvider(sdktrace.NewTracerProvider()) })

	ctx, span := StartPhaseSpan(context.Background(), "p1", "extraction")
	header := Traceparent(ctx)
	require.Len(t, header, 55)

	req, err := http.NewRequest(http.MethodPost, "http://llm.local/coreference/score", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, header, req.Header.Get("traceparent"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "analysis.extraction", ended[0].Name())
}
