package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys. Participant identifiers are deliberately
// absent: telemetry leaves the BAA boundary.
var (
	AttrOperation = attribute.Key("acuity.operation")
	AttrOrgID     = attribute.Key("acuity.org_id")
	AttrCaseID    = attribute.Key("acuity.case_id")
	AttrFlag      = attribute.Key("acuity.flag")
	AttrState     = attribute.Key("acuity.state")
	AttrEventType = attribute.Key("acuity.audit.event_type")
	AttrBackend   = attribute.Key("acuity.backend")
)

// CaseOperation returns the attributes describing an escalation case.
func CaseOperation(orgID, caseID, flag, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOrgID.String(orgID),
		AttrCaseID.String(caseID),
		AttrFlag.String(flag),
		AttrState.String(state),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
