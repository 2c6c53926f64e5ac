package journal

import (
	"context"

	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"go.uber.org/zap"
)

// ZapLogger renders operation records as structured log lines.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger. A nil logger discards output.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes entry at Info, or Warn when it failed.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry crowdfund.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Duration("duration", entry.Duration),
	}
	if entry.Account != nil {
		fields = append(fields, zap.String("account", entry.Account.Hex()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount_wei", entry.Amount.String()))
	}
	if entry.TxHash != nil {
		fields = append(fields, zap.String("tx_hash", entry.TxHash.Hex()))
	}
	if entry.Message != "" {
		fields = append(fields, zap.String("message", entry.Message))
	}
	if entry.RevertKind != "" {
		fields = append(fields, zap.String("revert_kind", string(entry.RevertKind)), zap.String("revert_reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("crowdfund operation failed", fields...)
		return
	}
	zapLogger.logger.Info("crowdfund operation", fields...)
}

// Fanout forwards every record to each logger in order.
type Fanout []crowdfund.OperationLogger

// LogOperation forwards entry.
func (fanout Fanout) LogOperation(ctx context.Context, entry crowdfund.OperationLog) {
	for _, logger := range fanout {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
