package crowdfund

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the crowdfund client.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrValidation           = errors.New("validation failed")
	ErrSubmissionRejected   = errors.New("submission rejected")
	ErrRevertedOnChain      = errors.New("reverted on chain")
	ErrRPC                  = errors.New("rpc error")
	ErrRefreshFailed        = errors.New("refresh failed")
	ErrOperationInProgress  = errors.New("operation in progress")
	ErrNotConnected         = errors.New("wallet not connected")
	ErrActionDeclined       = errors.New("action declined")
	ErrNoAccounts           = errors.New("no accounts available")
	ErrSessionChanged       = errors.New("session changed during refresh")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// ValidationError is a local pre-flight failure. It never touches the network.
type ValidationError struct {
	Reason string
}

// Error returns the validation reason.
func (validationError ValidationError) Error() string {
	return "validation: " + validationError.Reason
}

// Is reports whether target is ErrValidation.
func (validationError ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RevertError carries the diagnostic text returned by a rejecting contract.
type RevertError struct {
	Reason string
}

// Error returns the formatted revert message.
func (revertError *RevertError) Error() string {
	if revertError.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + revertError.Reason
}

// Is reports whether target is ErrRevertedOnChain.
func (revertError *RevertError) Is(target error) bool {
	return target == ErrRevertedOnChain
}

// RevertReason extracts the raw revert text from anywhere in err's chain.
func RevertReason(err error) (string, bool) {
	var revertError *RevertError
	if errors.As(err, &revertError) {
		return revertError.Reason, true
	}
	return "", false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
