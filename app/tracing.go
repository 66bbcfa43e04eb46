package app

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "rtm.manager"

	traceAttrTaskID    = "rtm.task_id"
	traceAttrSubtaskID = "rtm.subtask_id"
	traceAttrNodeID    = "rtm.node_id"
	traceAttrStatus    = "rtm.status"
)

// startSpan opens a span under the manager's tracing scope, tagging taskID and
// any extra attributes the caller supplies.
func startSpan(ctx context.Context, spanName, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if taskID != "" {
		spanAttrs = append(spanAttrs, attribute.String(traceAttrTaskID, taskID))
	}
	spanAttrs = append(spanAttrs, attrs...)
	return otel.Tracer(traceScope).Start(ctx, spanName, trace.WithAttributes(spanAttrs...))
}

// markSpanResult records err on span, if any, and sets the terminal status.
func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
