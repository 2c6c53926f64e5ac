package crowdfund

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Option configures a Synchronizer or Orchestrator.
type Option func(*options)

const defaultSettleTimeout = 30 * time.Second

type options struct {
	logger        OperationLogger
	notifier      *Notifier
	classifier    *RevertClassifier
	nowFn         func() time.Time
	settleTimeout time.Duration
}

// OperationLogger records domain-level events emitted by client operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one connect, refresh, check or mutating operation.
type OperationLog struct {
	Operation  string
	Account    *common.Address
	Amount     BaseUnits
	TxHash     *common.Hash
	Status     string
	Message    string
	RevertKind RevertKind
	Reason     string
	Duration   time.Duration
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithNotifier shares one notifier between the synchronizer and the orchestrator.
func WithNotifier(notifier *Notifier) Option {
	return func(opts *options) {
		opts.notifier = notifier
	}
}

// WithRevertRules replaces the default revert classification table.
func WithRevertRules(rules []RevertRule) Option {
	return func(opts *options) {
		classifier := NewRevertClassifier(rules)
		opts.classifier = &classifier
	}
}

// WithClock overrides the wall clock used for durations and derived state.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		opts.nowFn = now
	}
}

// WithSettleTimeout bounds the refresh and journal write that follow a broadcast transaction.
// They run detached from the caller's cancellation so an expired request still settles.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.settleTimeout = timeout
	}
}

func collectOptions(optionList []Option) options {
	collected := options{}
	for _, option := range optionList {
		if option != nil {
			option(&collected)
		}
	}
	if collected.nowFn == nil {
		collected.nowFn = time.Now
	}
	if collected.settleTimeout <= 0 {
		collected.settleTimeout = defaultSettleTimeout
	}
	if collected.classifier == nil {
		classifier := NewRevertClassifier(DefaultRevertRules)
		collected.classifier = &classifier
	}
	return collected
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
