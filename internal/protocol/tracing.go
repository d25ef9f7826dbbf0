package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fentz26/attest/internal/protocol"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startAttemptSpan starts a span covering one audit attempt.
func startAttemptSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "audit.attempt")
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// endAttemptSpan ends the attempt span with its outcome.
func endAttemptSpan(span trace.Span, attempt int, outcome Outcome, err error) {
	span.SetAttributes(
		attribute.Int("audit.attempt", attempt),
		attribute.String("audit.outcome", string(outcome)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startRoundSpan starts a span for one auditor evaluation.
func startRoundSpan(ctx context.Context, p Packet) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "audit.round")
	span.SetAttributes(
		attribute.String("task.id", p.TaskID),
		attribute.Int("audit.attempt", p.Attempt),
		attribute.Int("audit.round", p.Round),
		attribute.Bool("audit.final", p.Final),
		attribute.Int("audit.evidence", len(p.Evidence)),
	)
	return ctx, span
}

// startClaimSpan starts a span for waiting on a worker claim.
func startClaimSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "worker.claim")
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
