package ledger

import (
	"context"
	"time"
)

// ServiceOption configures the ledger services.
type ServiceOption func(*serviceDependencies)

type serviceDependencies struct {
	logger    OperationLogger
	publisher EventPublisher
}

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation after it finished.
type OperationLog struct {
	Operation      string
	UserID         UserID
	ReservationID  string
	OperationID    string
	IntentID       int64
	Credits        Credits
	IdempotencyKey IdempotencyKey
	Outcome        string
	Metadata       MetadataJSON
	Status         string
	Error          error
	Duration       time.Duration
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(dependencies *serviceDependencies) {
		dependencies.logger = logger
	}
}

// WithEventPublisher wires a publisher that receives events after commit.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(dependencies *serviceDependencies) {
		dependencies.publisher = publisher
	}
}

func newServiceDependencies(options []ServiceOption) serviceDependencies {
	var dependencies serviceDependencies
	for _, option := range options {
		if option != nil {
			option(&dependencies)
		}
	}
	return dependencies
}

func (dependencies serviceDependencies) logOperation(ctx context.Context, startedAt time.Time, entry OperationLog) {
	if dependencies.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	if !startedAt.IsZero() {
		entry.Duration = time.Since(startedAt)
	}
	dependencies.logger.LogOperation(ctx, entry)
}
