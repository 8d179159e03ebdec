package ledger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"

func startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger."+operation)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
	}
	span.End()
}

func userAttr(userID UserID) attribute.KeyValue {
	return attribute.String("ledger.user_id", userID.String())
}

func creditsAttr(credits Credits) attribute.KeyValue {
	return attribute.Int64("ledger.credits", credits.Int64())
}

func operationIDAttr(operationID OperationID) attribute.KeyValue {
	return attribute.String("ledger.operation_id", operationID.String())
}
