package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Step is one stage of the process shutdown.
type Step struct {
	Name string
	Fn   func(context.Context) error
}

// Shutdown runs steps in order, each inside its own span, and logs the
// outcome through the logger carried by ctx. A failing step does not stop the
// ones after it; all failures are returned joined.
//
// Put the tracer provider last so the spans of the earlier steps are flushed.
func Shutdown(ctx context.Context, steps ...Step) error {
	tr := otel.Tracer("observability/Shutdown")
	lg := zerolog.Ctx(ctx)

	var errs []error
	for i, st := range steps {
		sctx, span := tr.Start(ctx, "shutdown "+st.Name,
			trace.WithAttributes(attribute.Int("shutdown.step", i)),
		)
		began := time.Now()
		err := st.Fn(sctx)
		took := time.Since(began)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			lg.Error().Err(err).Str("step", st.Name).Dur("took", took).Msg("shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		} else {
			lg.Info().Str("step", st.Name).Dur("took", took).Msg("shutdown step done")
		}
		span.End()
	}
	return errors.Join(errs...)
}
