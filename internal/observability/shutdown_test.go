package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestShutdown_RunsEveryStepInOrder(t *testing.T) {
	preserveOTelGlobals(t)
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	errDrain := errors.New("drain timed out")
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func(ctx context.Context) error {
			if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
				t.Errorf("step %s ran without a span", name)
			}
			order = append(order, name)
			return err
		}}
	}

	err := Shutdown(ctx, step("http", nil), step("events", errDrain), step("database", nil))
	if !errors.Is(err, errDrain) || !strings.Contains(err.Error(), "events: drain timed out") {
		t.Fatalf("expected the events failure, got %v", err)
	}
	if strings.Join(order, ",") != "http,events,database" {
		t.Fatalf("steps ran as %v", order)
	}

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	for i, name := range []string{"shutdown http", "shutdown events", "shutdown database"} {
		if spans[i].Name() != name {
			t.Fatalf("span %d = %q; want %q", i, spans[i].Name(), name)
		}
	}
	if spans[1].Status().Code != codes.Error || spans[0].Status().Code == codes.Error {
		t.Fatalf("only the failed step should carry an error status")
	}

	logs := buf.String()
	if !strings.Contains(logs, `"step":"events"`) || !strings.Contains(logs, "shutdown step failed") {
		t.Fatalf("failure not logged: %s", logs)
	}
	if strings.Count(logs, "shutdown step done") != 2 {
		t.Fatalf("expected two successful steps logged: %s", logs)
	}
}

func TestShutdown_NoStepsIsNil(t *testing.T) {
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v; want nil", err)
	}
}
