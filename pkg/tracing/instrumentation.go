package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Database span attributes
const (
	DBSystemKey    = attribute.Key("db.system")
	DBStatementKey = attribute.Key("db.statement")
	DBOperationKey = attribute.Key("db.operation")
)

// HTTP span attributes
const (
	HTTPMethodKey    = attribute.Key("http.method")
	HTTPURLKey       = attribute.Key("http.url")
	HTTPStatusKey    = attribute.Key("http.status_code")
	HTTPRouteKey     = attribute.Key("http.route")
	HTTPClientIPKey  = attribute.Key("http.client_ip")
	HTTPUserAgentKey = attribute.Key("http.user_agent")
	HTTPRequestIDKey = attribute.Key("http.request_id")
)

// Dispatch span attributes
const (
	RideIDKey     = attribute.Key("ride.id")
	RideStatusKey = attribute.Key("ride.status")
	ActionKey     = attribute.Key("ride.action")
	ActorKey      = attribute.Key("ride.actor")
	DriverIDKey   = attribute.Key("driver.id")
	TemplateIDKey = attribute.Key("recurrence.template_id")
	FareAmountKey = attribute.Key("fare.amount")
)

// TraceDBQuery wraps a database query with tracing
func TraceDBQuery(ctx context.Context, tracerName, operation, query string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		DBSystemKey.String("postgresql"),
		DBOperationKey.String(operation),
		DBStatementKey.String(query),
	)

	err := fn(ctx)
	EndWithError(span, err)
	return err
}

// EndWithError sets the span status from err. The caller still ends the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RideAttributes builds the common attribute set for a ride operation
func RideAttributes(rideID, driverID, action string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if rideID != "" {
		attrs = append(attrs, RideIDKey.String(rideID))
	}
	if driverID != "" {
		attrs = append(attrs, DriverIDKey.String(driverID))
	}
	if action != "" {
		attrs = append(attrs, ActionKey.String(action))
	}
	return attrs
}
