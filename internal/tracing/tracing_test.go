package tracing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"localhost:4317", "localhost:4317"},
		{"http://collector:4317", "collector:4317"},
		{"https://collector.example.com:443/", "collector.example.com:443"},
		{" otel:4317/ ", "otel:4317"},
	}
	for _, tt := range tests {
		if got := sanitizeEndpoint(tt.input); got != tt.expected {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSetupDisabled(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing must not replace the tracer provider")
	}
}

func TestSetupEnabled(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	log := logrus.New()
	log.SetOutput(io.Discard)

	shutdown, err := Setup(context.Background(), Config{
		Enabled:      true,
		OTLPEndpoint: "http://127.0.0.1:1",
		OTLPInsecure: true,
		SampleRatio:  0.5,
	}, log)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("expected sdk tracer provider, got %T", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Nothing listens on the endpoint; only check shutdown returns.
	_ = shutdown(ctx)
}
