// Package telemetry wires structured logging, metrics and tracing for the ledger services.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"

	gormSlowThreshold = 500 * time.Millisecond
)

// NewLogger builds the process logger. Development mode switches to the console encoder.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: log level %q: %w", level, err)
	}
	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	return config.Build()
}

// ZapOperationLogger writes ledger operation records as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger. A nil logger discards records.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Duration("duration", entry.Duration),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.OperationID != "" {
		fields = append(fields, zap.String("operation_id", entry.OperationID))
	}
	if entry.IntentID != 0 {
		fields = append(fields, zap.Int64("intent_id", entry.IntentID))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits.Int64()))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	errorClass := ledger.Classify(entry.Error)
	fields = append(fields, zap.String("error_class", string(errorClass)), zap.Error(entry.Error))
	if errorClass == ledger.ErrorClassInternal || errorClass == ledger.ErrorClassCorruptData {
		operationLogger.logger.Error("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Warn("ledger operation rejected", fields...)
}

// MultiOperationLogger fans a record out to every non-nil logger.
type MultiOperationLogger []ledger.OperationLogger

func (loggers MultiOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// NewGormLogger routes gorm's SQL log through zap.
func NewGormLogger(logger *zap.Logger, level string) gormlogger.Interface {
	return gormlogger.New(&zapWriter{logger: logger}, gormlogger.Config{
		SlowThreshold:             gormSlowThreshold,
		LogLevel:                  gormLogLevel(level),
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case logLevelDebug:
		return gormlogger.Info
	case logLevelInfo, logLevelWarn:
		return gormlogger.Warn
	case logLevelError:
		return gormlogger.Error
	default:
		return gormlogger.Silent
	}
}

type zapWriter struct {
	logger *zap.Logger
}

func (writer *zapWriter) Printf(format string, args ...interface{}) {
	writer.logger.Info(fmt.Sprintf(format, args...))
}
