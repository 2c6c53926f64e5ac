package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/wallet"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidPayload       = "invalid_payload"
	errorCodeInvalidRequest       = "invalid_request"
	errorCodeConfirmationRequired = "confirmation_required"
	errorCodeBusy                 = "operation_in_progress"
	errorCodeRejected             = "rejected"
	errorCodeUpstream             = "upstream_error"
	errorCodeInternal             = "internal_error"
	errorCodeHistoryUnavailable   = "history_unavailable"
	errorCodeAccountsUnavailable  = "accounts_unavailable"
	errorCodeUnknownAccount       = "unknown_account"
	requestIDHeader               = "X-Request-ID"
)

type httpHandler struct {
	cfg      Config
	client   Client
	history  History
	accounts Accounts
	logger   *zap.Logger
	nowFn    func() time.Time
}

func newHandler(cfg Config, deps Dependencies, logger *zap.Logger) *httpHandler {
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &httpHandler{
		cfg:      cfg,
		client:   deps.Client,
		history:  deps.History,
		accounts: deps.Accounts,
		logger:   logger,
		nowFn:    nowFn,
	}
}

type amountRequest struct {
	Amount  string `json:"amount"`
	Confirm bool   `json:"confirm"`
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type snapshotPayload struct {
	Loaded           bool    `json:"loaded"`
	GoalAmount       string  `json:"goal_amount"`
	GoalAmountWei    string  `json:"goal_amount_wei"`
	TotalFunded      string  `json:"total_funded"`
	TotalFundedWei   string  `json:"total_funded_wei"`
	EndTime          int64   `json:"end_time"`
	IsStarted        bool    `json:"is_started"`
	Owner            string  `json:"owner"`
	ProgressPercent  float64 `json:"progress_percent"`
	ProgressDisplay  string  `json:"progress_display"`
	ProgressBand     string  `json:"progress_band"`
	BarPercent       float64 `json:"bar_percent"`
	SecondsRemaining int64   `json:"seconds_remaining"`
	TimeRemaining    string  `json:"time_remaining"`
}

type sessionPayload struct {
	Account        string `json:"account,omitempty"`
	IsOwner        bool   `json:"is_owner"`
	CallerBalance  string `json:"caller_balance"`
	BalanceAddress string `json:"balance_address,omitempty"`
}

type statusPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Operation string `json:"operation,omitempty"`
	Phase     string `json:"phase,omitempty"`
}

type outcomePayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Operation    string `json:"operation"`
	TxHash       string `json:"tx_hash,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	RevertKind   string `json:"revert_kind,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`
	RefreshError string `json:"refresh_error,omitempty"`
}

type operationPayload struct {
	OperationID  string `json:"operation_id"`
	Operation    string `json:"operation"`
	Account      string `json:"account,omitempty"`
	AmountWei    string `json:"amount_wei"`
	TxHash       string `json:"tx_hash,omitempty"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	RevertKind   string `json:"revert_kind,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	CreatedUnix  int64  `json:"created_unix_utc"`
}

func (handler *httpHandler) handleSnapshot(ctx *gin.Context) {
	snapshot, loaded := handler.client.Snapshot()
	if !loaded {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.ReadTimeout)
		defer cancel()
		refreshed, err := handler.client.Refresh(requestCtx)
		if err != nil {
			handler.logger.Warn("snapshot refresh failed", zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse(errorCodeUpstream, err.Error()))
			return
		}
		snapshot, loaded = refreshed, true
	}
	handler.respondState(ctx, snapshot, loaded)
}

func (handler *httpHandler) handleRefresh(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.ReadTimeout)
	defer cancel()
	snapshot, err := handler.client.Refresh(requestCtx)
	if err != nil {
		handler.logger.Warn("refresh failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse(errorCodeUpstream, err.Error()))
		return
	}
	handler.respondState(ctx, snapshot, true)
}

func (handler *httpHandler) handleFund(ctx *gin.Context) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	handler.runAction(ctx, "fund", func(requestCtx context.Context) (crowdfund.Outcome, error) {
		return handler.client.Fund(requestCtx, request.Amount)
	})
}

func (handler *httpHandler) handleWithdraw(ctx *gin.Context) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	handler.runAction(ctx, "withdraw", func(requestCtx context.Context) (crowdfund.Outcome, error) {
		return handler.client.WithdrawSome(requestCtx, request.Amount, nil)
	})
}

func (handler *httpHandler) handleWithdrawAll(ctx *gin.Context) {
	request, ok := bindConfirm(ctx)
	if !ok {
		return
	}
	handler.runAction(ctx, "withdraw_all", func(requestCtx context.Context) (crowdfund.Outcome, error) {
		return handler.client.WithdrawAll(requestCtx, confirmation(request.Confirm))
	})
}

func (handler *httpHandler) handleEndFunding(ctx *gin.Context) {
	request, ok := bindConfirm(ctx)
	if !ok {
		return
	}
	handler.runAction(ctx, "end_funding", func(requestCtx context.Context) (crowdfund.Outcome, error) {
		return handler.client.EndFunding(requestCtx, confirmation(request.Confirm))
	})
}

func (handler *httpHandler) handleCheckAddress(ctx *gin.Context) {
	var request addressRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	handler.runAction(ctx, "check_address", func(requestCtx context.Context) (crowdfund.Outcome, error) {
		return handler.client.CheckAddress(requestCtx, request.Address)
	})
}

func (handler *httpHandler) handleOperations(ctx *gin.Context) {
	if handler.history == nil {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeHistoryUnavailable, "operation journal is not configured"))
		return
	}
	limit := handler.cfg.HistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := handler.history.Recent(ctx.Request.Context(), limit)
	if err != nil {
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "history unavailable"))
		return
	}
	operations := make([]operationPayload, 0, len(entries))
	for _, entry := range entries {
		operations = append(operations, operationPayload{
			OperationID:  entry.OperationID,
			Operation:    entry.Operation,
			Account:      entry.Account,
			AmountWei:    entry.AmountWei,
			TxHash:       entry.TxHash,
			Status:       entry.Status,
			Message:      entry.Message,
			Error:        entry.Error,
			RevertKind:   entry.RevertKind,
			RevertReason: entry.Reason,
			DurationMS:   entry.Duration.Milliseconds(),
			CreatedUnix:  entry.CreatedAt.Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"operations": operations})
}

// handleSelectAccount makes address the wallet's selected account.
// The session follows asynchronously through the wallet's accountsChanged event.
func (handler *httpHandler) handleSelectAccount(ctx *gin.Context) {
	if handler.accounts == nil {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeAccountsUnavailable, "account switching is not configured"))
		return
	}
	var request addressRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	account, err := crowdfund.ParseAddress(request.Address)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "Invalid address"))
		return
	}
	if err := handler.accounts.SelectAccount(account); err != nil {
		if errors.Is(err, wallet.ErrUnknownAccount) {
			ctx.JSON(http.StatusNotFound, errorResponse(errorCodeUnknownAccount, "no signer is loaded for this account"))
			return
		}
		handler.logger.Error("account switch failed", zap.String("account", account.Hex()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "account switch failed"))
		return
	}
	handler.logger.Info("account selected", zap.String("account", account.Hex()))
	ctx.JSON(http.StatusAccepted, gin.H{"account": account.Hex()})
}

func (handler *httpHandler) handleDisconnect(ctx *gin.Context) {
	if handler.accounts == nil {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeAccountsUnavailable, "account switching is not configured"))
		return
	}
	handler.accounts.Disconnect()
	handler.logger.Info("wallet disconnected")
	ctx.JSON(http.StatusAccepted, gin.H{"status": "disconnected"})
}

func (handler *httpHandler) runAction(ctx *gin.Context, action string, run func(context.Context) (crowdfund.Outcome, error)) {
	requestID := ctx.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Header(requestIDHeader, requestID)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.ActionTimeout)
	defer cancel()

	outcome, err := run(requestCtx)
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("request_id", requestID),
		zap.String("kind", string(outcome.Kind)),
	}
	if claims := getClaims(ctx); claims != nil {
		fields = append(fields, zap.String("user_id", claims.GetUserID()))
	}
	if err != nil {
		handler.logger.Info("crowdfund action failed", append(fields, zap.Error(err))...)
		code, httpStatus := classifyError(err)
		ctx.JSON(httpStatus, gin.H{
			"outcome": toOutcomePayload(outcome),
			"error":   gin.H{"code": code, "message": outcome.Message},
		})
		return
	}
	handler.logger.Info("crowdfund action completed", fields...)
	ctx.JSON(http.StatusOK, gin.H{"outcome": toOutcomePayload(outcome)})
}

func (handler *httpHandler) respondState(ctx *gin.Context, snapshot crowdfund.ContractSnapshot, loaded bool) {
	pending, phase := handler.client.Pending()
	status := handler.client.LastStatus()
	ctx.JSON(http.StatusOK, gin.H{
		"snapshot": toSnapshotPayload(snapshot, loaded, handler.nowFn()),
		"session":  toSessionPayload(handler.client.Session()),
		"pending":  gin.H{"operation": string(pending), "phase": string(phase)},
		"status": statusPayload{
			Kind:      string(status.Kind),
			Message:   status.Message,
			Operation: string(status.Operation),
			Phase:     string(status.Phase),
		},
	})
}

// classifyError maps a domain error onto an API error code and HTTP status.
func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, crowdfund.ErrActionDeclined):
		return errorCodeConfirmationRequired, http.StatusBadRequest
	case errors.Is(err, crowdfund.ErrValidation), errors.Is(err, crowdfund.ErrInvalidAmount), errors.Is(err, crowdfund.ErrInvalidAddress), errors.Is(err, crowdfund.ErrNotConnected):
		return errorCodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, crowdfund.ErrOperationInProgress):
		return errorCodeBusy, http.StatusConflict
	case errors.Is(err, crowdfund.ErrRevertedOnChain), errors.Is(err, crowdfund.ErrSubmissionRejected):
		return errorCodeRejected, http.StatusUnprocessableEntity
	case errors.Is(err, crowdfund.ErrRPC), errors.Is(err, crowdfund.ErrRefreshFailed), errors.Is(err, context.DeadlineExceeded):
		return errorCodeUpstream, http.StatusBadGateway
	default:
		return errorCodeInternal, http.StatusInternalServerError
	}
}

func bindConfirm(ctx *gin.Context) (confirmRequest, bool) {
	var request confirmRequest
	if ctx.Request.ContentLength == 0 {
		return request, true
	}
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return confirmRequest{}, false
	}
	return request, true
}

// confirmation answers the irreversible-action prompt with the caller's explicit flag.
func confirmation(confirmed bool) crowdfund.Confirmation {
	return func(string) bool { return confirmed }
}

func toSnapshotPayload(snapshot crowdfund.ContractSnapshot, loaded bool, now time.Time) snapshotPayload {
	if !loaded {
		return snapshotPayload{}
	}
	derived := crowdfund.Derive(snapshot, now)
	return snapshotPayload{
		Loaded:           true,
		GoalAmount:       derived.GoalAmount,
		GoalAmountWei:    snapshot.GoalAmount.String(),
		TotalFunded:      derived.TotalFunded,
		TotalFundedWei:   snapshot.TotalFunded.String(),
		EndTime:          snapshot.EndTime,
		IsStarted:        snapshot.IsStarted,
		Owner:            snapshot.OwnerAddress.Hex(),
		ProgressPercent:  derived.ProgressPercent,
		ProgressDisplay:  crowdfund.FormatProgress(derived.ProgressPercent),
		ProgressBand:     string(derived.ProgressBand),
		BarPercent:       derived.BarPercent,
		SecondsRemaining: derived.SecondsRemaining,
		TimeRemaining:    derived.TimeRemaining,
	}
}

func toSessionPayload(session crowdfund.Session) sessionPayload {
	payload := sessionPayload{
		IsOwner:       session.IsOwner,
		CallerBalance: crowdfund.ToDecimalString(session.CallerBalance),
	}
	if session.Account != nil {
		payload.Account = session.Account.Hex()
	}
	if session.BalanceAddress != nil {
		payload.BalanceAddress = session.BalanceAddress.Hex()
	}
	return payload
}

func toOutcomePayload(outcome crowdfund.Outcome) outcomePayload {
	payload := outcomePayload{
		Kind:      string(outcome.Kind),
		Message:   outcome.Message,
		Operation: string(outcome.Operation),
	}
	if outcome.TxHash != nil {
		payload.TxHash = outcome.TxHash.Hex()
	}
	if outcome.Receipt != nil {
		payload.BlockNumber = outcome.Receipt.BlockNumber
	}
	if outcome.Classification != nil {
		payload.RevertKind = string(outcome.Classification.Kind)
		payload.RevertReason = outcome.Classification.Reason
	}
	if outcome.RefreshErr != nil {
		payload.RefreshError = outcome.RefreshErr.Error()
	}
	return payload
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
