package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/instrumentation"
)

// Observer records a span and the storage.operations metrics for each backend call.
// The zero value and a nil *Observer record nothing.
type Observer struct {
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	backend string
}

// NewObserver returns an Observer for backend. inst may be nil.
func NewObserver(inst *instrumentation.Instrumentation, backend string) *Observer {
	o := &Observer{inst: inst, backend: backend}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Start opens a span for operation and returns a function that must be called
// with the operation's error to finish it.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil || o.inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := instrumentation.StartSpan(ctx, o.tracer, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.backend)

	return ctx, func(err error) {
		result := "success"
		switch {
		case err == nil:
			instrumentation.SetSpanSuccess(span)
		case errors.Is(err, ErrNotFound):
			// a miss is an expected outcome, not a failure
			result = "miss"
			instrumentation.SetSpanSuccess(span)
		default:
			result = "error"
			instrumentation.RecordError(span, err)
		}
		span.End()
		o.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
	}
}
