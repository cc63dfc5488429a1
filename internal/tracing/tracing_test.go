package tracing_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"signoff/internal/tracing"
)

func TestSpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := tracing.InitWithExporter("signoff", "test", exp)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := tracing.Start(context.Background(), "engine.Approve", attribute.String("artifact", "achievement:a1"))
	tracing.End(span, errors.New("boom"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.Approve", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.String("artifact", "achievement:a1"))
}

func TestStdoutExporterWrites(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := tracing.Init("signoff", "test", &buf)
	require.NoError(t, err)
	_, span := tracing.Start(context.Background(), "engine.Submit")
	tracing.End(span, nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "engine.Submit")
}
