package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/journal"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInvalidRequest       = "invalid_request"
	errorConfirmationRequired = "confirmation_required"
	errorOperationInProgress  = "operation_in_progress"
	errorRejected             = "rejected"
	errorUpstream             = "upstream_error"
	errorInvalidListLimit     = "invalid_list_limit"
	errorHistoryUnavailable   = "history_unavailable"

	fieldAmount  = "amount"
	fieldAddress = "address"
	fieldConfirm = "confirm"
	fieldLimit   = "limit"

	defaultListOperationsLimit = 20
	maxListOperationsLimit     = 500
)

// Client is the crowdfund client surface served over gRPC.
type Client interface {
	Snapshot() (crowdfund.ContractSnapshot, bool)
	Session() crowdfund.Session
	Pending() (crowdfund.PendingOperation, crowdfund.TxPhase)
	Refresh(ctx context.Context) (crowdfund.ContractSnapshot, error)
	Fund(ctx context.Context, amount string) (crowdfund.Outcome, error)
	WithdrawSome(ctx context.Context, amount string, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	WithdrawAll(ctx context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	EndFunding(ctx context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	CheckAddress(ctx context.Context, address string) (crowdfund.Outcome, error)
}

// History lists journaled operations.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// CrowdfundServiceServer exposes the crowdfund client over gRPC.
type CrowdfundServiceServer struct {
	client  Client
	history History
	nowFn   func() time.Time
}

var _ CrowdfundService = (*CrowdfundServiceServer)(nil)

// NewCrowdfundServiceServer constructs the gRPC service. history may be nil.
func NewCrowdfundServiceServer(client Client, history History) *CrowdfundServiceServer {
	return &CrowdfundServiceServer{client: client, history: history, nowFn: time.Now}
}

func (service *CrowdfundServiceServer) GetSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snapshot, loaded := service.client.Snapshot()
	if !loaded {
		refreshed, err := service.client.Refresh(ctx)
		if err != nil {
			return nil, mapToGRPCError(err, err.Error())
		}
		snapshot, loaded = refreshed, true
	}
	return service.statePayload(snapshot, loaded)
}

func (service *CrowdfundServiceServer) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snapshot, err := service.client.Refresh(ctx)
	if err != nil {
		return nil, mapToGRPCError(err, err.Error())
	}
	return service.statePayload(snapshot, true)
}

func (service *CrowdfundServiceServer) Fund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return outcomeResponse(service.client.Fund(ctx, stringField(request, fieldAmount)))
}

func (service *CrowdfundServiceServer) WithdrawSome(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return outcomeResponse(service.client.WithdrawSome(ctx, stringField(request, fieldAmount), nil))
}

func (service *CrowdfundServiceServer) WithdrawAll(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return outcomeResponse(service.client.WithdrawAll(ctx, confirmation(request)))
}

func (service *CrowdfundServiceServer) EndFunding(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return outcomeResponse(service.client.EndFunding(ctx, confirmation(request)))
}

func (service *CrowdfundServiceServer) CheckAddress(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return outcomeResponse(service.client.CheckAddress(ctx, stringField(request, fieldAddress)))
}

func (service *CrowdfundServiceServer) ListOperations(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if service.history == nil {
		return nil, status.Error(codes.Unimplemented, errorHistoryUnavailable)
	}
	limit, err := normalizeListLimit(request.GetFields()[fieldLimit].GetNumberValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	entries, err := service.history.Recent(ctx, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	operations := make([]any, 0, len(entries))
	for _, entry := range entries {
		operations = append(operations, map[string]any{
			"operation_id":     entry.OperationID,
			"operation":        entry.Operation,
			"account":          entry.Account,
			"amount_wei":       entry.AmountWei,
			"tx_hash":          entry.TxHash,
			"status":           entry.Status,
			"message":          entry.Message,
			"error":            entry.Error,
			"revert_kind":      entry.RevertKind,
			"revert_reason":    entry.Reason,
			"duration_ms":      entry.Duration.Milliseconds(),
			"created_unix_utc": entry.CreatedAt.Unix(),
		})
	}
	return newStruct(map[string]any{"operations": operations})
}

func (service *CrowdfundServiceServer) statePayload(snapshot crowdfund.ContractSnapshot, loaded bool) (*structpb.Struct, error) {
	pending, phase := service.client.Pending()
	session := service.client.Session()
	sessionPayload := map[string]any{
		"is_owner":       session.IsOwner,
		"caller_balance": crowdfund.ToDecimalString(session.CallerBalance),
	}
	if session.Account != nil {
		sessionPayload["account"] = session.Account.Hex()
	}
	snapshotPayload := map[string]any{"loaded": loaded}
	if loaded {
		derived := crowdfund.Derive(snapshot, service.nowFn())
		snapshotPayload = map[string]any{
			"loaded":            true,
			"goal_amount":       derived.GoalAmount,
			"total_funded":      derived.TotalFunded,
			"end_time":          snapshot.EndTime,
			"is_started":        snapshot.IsStarted,
			"owner":             snapshot.OwnerAddress.Hex(),
			"progress_percent":  derived.ProgressPercent,
			"progress_display":  crowdfund.FormatProgress(derived.ProgressPercent),
			"progress_band":     string(derived.ProgressBand),
			"bar_percent":       derived.BarPercent,
			"seconds_remaining": derived.SecondsRemaining,
			"time_remaining":    derived.TimeRemaining,
		}
	}
	return newStruct(map[string]any{
		"snapshot": snapshotPayload,
		"session":  sessionPayload,
		"pending":  map[string]any{"operation": string(pending), "phase": string(phase)},
	})
}

// outcomeResponse returns the outcome payload, or on failure attaches it as a status detail.
func outcomeResponse(outcome crowdfund.Outcome, err error) (*structpb.Struct, error) {
	payload, encodeErr := newStruct(outcomePayload(outcome))
	if err == nil {
		return payload, encodeErr
	}
	grpcErr := mapToGRPCError(err, outcome.Message)
	if encodeErr != nil {
		return nil, grpcErr
	}
	detailed, detailErr := status.Convert(grpcErr).WithDetails(payload)
	if detailErr != nil {
		return nil, grpcErr
	}
	return nil, detailed.Err()
}

func outcomePayload(outcome crowdfund.Outcome) map[string]any {
	payload := map[string]any{
		"kind":      string(outcome.Kind),
		"message":   outcome.Message,
		"operation": string(outcome.Operation),
	}
	if outcome.TxHash != nil {
		payload["tx_hash"] = outcome.TxHash.Hex()
	}
	if outcome.Receipt != nil {
		payload["block_number"] = outcome.Receipt.BlockNumber
	}
	if outcome.Classification != nil {
		payload["revert_kind"] = string(outcome.Classification.Kind)
		payload["revert_reason"] = outcome.Classification.Reason
	}
	if outcome.RefreshErr != nil {
		payload["refresh_error"] = outcome.RefreshErr.Error()
	}
	return payload
}

func newStruct(payload map[string]any) (*structpb.Struct, error) {
	result, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return result, nil
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func confirmation(request *structpb.Struct) crowdfund.Confirmation {
	confirmed := request.GetFields()[fieldConfirm].GetBoolValue()
	return func(string) bool { return confirmed }
}

func normalizeListLimit(limit float64) (int, error) {
	if limit <= 0 {
		return defaultListOperationsLimit, nil
	}
	if limit > maxListOperationsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %v > %d", limit, maxListOperationsLimit)
	}
	return int(limit), nil
}

// mapToGRPCError keeps the user-facing message as the status message.
func mapToGRPCError(source error, message string) error {
	if message == "" {
		message = source.Error()
	}
	switch {
	case errors.Is(source, crowdfund.ErrActionDeclined):
		return status.Errorf(codes.FailedPrecondition, "%s: %s", errorConfirmationRequired, message)
	case errors.Is(source, crowdfund.ErrValidation), errors.Is(source, crowdfund.ErrInvalidAmount),
		errors.Is(source, crowdfund.ErrInvalidAddress), errors.Is(source, crowdfund.ErrNotConnected):
		return status.Errorf(codes.InvalidArgument, "%s: %s", errorInvalidRequest, message)
	case errors.Is(source, crowdfund.ErrOperationInProgress):
		return status.Errorf(codes.Aborted, "%s: %s", errorOperationInProgress, message)
	case errors.Is(source, crowdfund.ErrRevertedOnChain), errors.Is(source, crowdfund.ErrSubmissionRejected):
		return status.Errorf(codes.FailedPrecondition, "%s: %s", errorRejected, message)
	case errors.Is(source, crowdfund.ErrRPC), errors.Is(source, crowdfund.ErrRefreshFailed):
		return status.Errorf(codes.Unavailable, "%s: %s", errorUpstream, message)
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, message)
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, message)
	}
	return status.Error(codes.Internal, message)
}

// LoggingInterceptor logs every unary call with its gRPC code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		logger.Info("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(started)),
		)
		return response, err
	}
}
