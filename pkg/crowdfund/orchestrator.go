package crowdfund

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is the structured result of one orchestrated operation.
// Err is the operation's own failure; RefreshErr is the settling refresh failure, reported separately.
type Outcome struct {
	Kind           StatusKind
	Message        string
	Operation      PendingOperation
	Receipt        *Receipt
	TxHash         *common.Hash
	Classification *Classification
	Err            error
	RefreshErr     error
}

// Succeeded reports whether the operation itself succeeded.
func (outcome Outcome) Succeeded() bool {
	return outcome.Kind == StatusSuccess
}

// Orchestrator runs connect, balance checks and mutating contract calls one at a time.
type Orchestrator struct {
	proxy        ContractProxy
	synchronizer *Synchronizer
	notifier     *Notifier
	logger       OperationLogger
	classifier   RevertClassifier
	opts         options

	mu         sync.Mutex
	pending    PendingOperation
	phase      TxPhase
	lastStatus OperationStatus
	wallet     Wallet
	signer     Signer
}

type mutatingAction struct {
	operation      string
	pending        PendingOperation
	amount         BaseUnits
	submit         func(ctx context.Context, signer Signer) (TxHandle, error)
	successMessage string
	failureMessage string
}

// NewOrchestrator wires an Orchestrator over a proxy and the synchronizer that owns published state.
func NewOrchestrator(proxy ContractProxy, synchronizer *Synchronizer, optionList ...Option) (*Orchestrator, error) {
	if proxy == nil {
		return nil, fmt.Errorf("%w: proxy dependency is nil", ErrInvalidServiceConfig)
	}
	if synchronizer == nil {
		return nil, fmt.Errorf("%w: synchronizer dependency is nil", ErrInvalidServiceConfig)
	}
	opts := collectOptions(optionList)
	return &Orchestrator{
		proxy:        proxy,
		synchronizer: synchronizer,
		notifier:     synchronizer.Notifier(),
		logger:       opts.logger,
		classifier:   *opts.classifier,
		opts:         opts,
		pending:      PendingNone,
		phase:        PhaseIdle,
	}, nil
}

// Pending returns the operation in flight and its phase.
func (orchestrator *Orchestrator) Pending() (PendingOperation, TxPhase) {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return orchestrator.pending, orchestrator.phase
}

// LastStatus returns the most recent status message.
func (orchestrator *Orchestrator) LastStatus() OperationStatus {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return orchestrator.lastStatus
}

// Snapshot returns the latest committed snapshot.
func (orchestrator *Orchestrator) Snapshot() (ContractSnapshot, bool) {
	return orchestrator.synchronizer.Snapshot()
}

// Session returns the current session.
func (orchestrator *Orchestrator) Session() Session {
	return orchestrator.synchronizer.Session()
}

// Refresh rebuilds the snapshot on demand.
func (orchestrator *Orchestrator) Refresh(ctx context.Context) (ContractSnapshot, error) {
	snapshot, err := orchestrator.synchronizer.Refresh(ctx)
	if err != nil {
		orchestrator.publish(OperationStatus{Kind: StatusFailure, Message: messageRefreshFailed})
		return ContractSnapshot{}, err
	}
	orchestrator.publish(OperationStatus{Kind: StatusInfo, Message: messageRefreshed})
	return snapshot, nil
}

// Connect requests accounts from the wallet, binds the first account's signer and loads the snapshot.
func (orchestrator *Orchestrator) Connect(ctx context.Context, wallet Wallet) (Outcome, error) {
	if wallet == nil {
		return Outcome{}, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidServiceConfig)
	}
	if err := orchestrator.begin(PendingConnecting); err != nil {
		return orchestrator.busyOutcome(PendingConnecting, err), err
	}
	defer orchestrator.finish()

	started := orchestrator.opts.nowFn()
	account, signer, err := orchestrator.resolveSigner(ctx, wallet, nil)
	if err != nil {
		outcome := orchestrator.settleFailure(PendingConnecting, messageConnectFailed, err)
		logOperation(ctx, orchestrator.logger, OperationLog{
			Operation: operationConnect,
			Message:   outcome.Message,
			Duration:  orchestrator.opts.nowFn().Sub(started),
			Error:     err,
		})
		return outcome, err
	}

	orchestrator.mu.Lock()
	orchestrator.wallet = wallet
	orchestrator.signer = signer
	orchestrator.mu.Unlock()
	orchestrator.synchronizer.SetAccount(&account)

	outcome := Outcome{Kind: StatusSuccess, Message: messageConnected, Operation: PendingConnecting}
	if _, refreshErr := orchestrator.synchronizer.Refresh(ctx); refreshErr != nil {
		outcome.RefreshErr = refreshErr
	}
	orchestrator.publish(OperationStatus{Kind: outcome.Kind, Message: outcome.Message, Operation: PendingConnecting})
	logOperation(ctx, orchestrator.logger, OperationLog{
		Operation: operationConnect,
		Account:   &account,
		Message:   outcome.Message,
		Duration:  orchestrator.opts.nowFn().Sub(started),
	})
	return outcome, nil
}

// Fund sends amount (a display decimal) to the contract.
func (orchestrator *Orchestrator) Fund(ctx context.Context, amountText string) (Outcome, error) {
	if err := orchestrator.begin(PendingFunding); err != nil {
		return orchestrator.busyOutcome(PendingFunding, err), err
	}
	defer orchestrator.finish()

	orchestrator.setPhase(PhaseValidating)
	amount, err := ToBaseUnits(amountText)
	if err != nil {
		return orchestrator.rejectValidation(ctx, operationFund, PendingFunding, ValidationReasonInvalidAmount, messageInvalidFundAmount)
	}
	snapshot, loaded := orchestrator.synchronizer.Snapshot()
	if !loaded || !snapshot.IsStarted {
		return orchestrator.rejectValidation(ctx, operationFund, PendingFunding, ValidationReasonFundingInactive, messageFundingInactive)
	}
	return orchestrator.execute(ctx, mutatingAction{
		operation: operationFund,
		pending:   PendingFunding,
		amount:    amount,
		submit: func(ctx context.Context, signer Signer) (TxHandle, error) {
			return orchestrator.proxy.Fund(ctx, signer, amount)
		},
		successMessage: fmt.Sprintf("Funded %s %s successfully!", ToDecimalString(amount), TokenSymbol),
		failureMessage: messageFundFailed,
	})
}

// WithdrawSome withdraws amount. Sufficiency is left to the contract.
// A nil confirm skips the prompt.
func (orchestrator *Orchestrator) WithdrawSome(ctx context.Context, amountText string, confirm Confirmation) (Outcome, error) {
	if err := orchestrator.begin(PendingWithdrawingSome); err != nil {
		return orchestrator.busyOutcome(PendingWithdrawingSome, err), err
	}
	defer orchestrator.finish()

	orchestrator.setPhase(PhaseValidating)
	amount, err := ToBaseUnits(amountText)
	if err != nil {
		return orchestrator.rejectValidation(ctx, operationWithdrawSome, PendingWithdrawingSome, ValidationReasonInvalidAmount, messageInvalidWithdrawal)
	}
	display := ToDecimalString(amount)
	if confirm != nil && !confirm(fmt.Sprintf("Withdraw %s %s?", display, TokenSymbol)) {
		return orchestrator.decline(ctx, operationWithdrawSome, PendingWithdrawingSome)
	}
	return orchestrator.execute(ctx, mutatingAction{
		operation: operationWithdrawSome,
		pending:   PendingWithdrawingSome,
		amount:    amount,
		submit: func(ctx context.Context, signer Signer) (TxHandle, error) {
			return orchestrator.proxy.WithdrawSome(ctx, signer, amount)
		},
		successMessage: fmt.Sprintf("Withdrew %s %s", display, TokenSymbol),
		failureMessage: messageWithdrawFailed,
	})
}

// EndFunding stops the campaign. It requires an explicit confirmation.
func (orchestrator *Orchestrator) EndFunding(ctx context.Context, confirm Confirmation) (Outcome, error) {
	if err := orchestrator.begin(PendingEndingFunding); err != nil {
		return orchestrator.busyOutcome(PendingEndingFunding, err), err
	}
	defer orchestrator.finish()

	orchestrator.setPhase(PhaseValidating)
	if confirm == nil || !confirm(promptEndFunding) {
		return orchestrator.decline(ctx, operationEndFunding, PendingEndingFunding)
	}
	return orchestrator.execute(ctx, mutatingAction{
		operation:      operationEndFunding,
		pending:        PendingEndingFunding,
		submit:         orchestrator.proxy.EndFunding,
		successMessage: messageFundingEnded,
		failureMessage: messageEndFailed,
	})
}

// WithdrawAll withdraws every funded unit. It requires an explicit confirmation.
func (orchestrator *Orchestrator) WithdrawAll(ctx context.Context, confirm Confirmation) (Outcome, error) {
	if err := orchestrator.begin(PendingWithdrawingAll); err != nil {
		return orchestrator.busyOutcome(PendingWithdrawingAll, err), err
	}
	defer orchestrator.finish()

	orchestrator.setPhase(PhaseValidating)
	if confirm == nil || !confirm(promptWithdrawAll) {
		return orchestrator.decline(ctx, operationWithdrawAll, PendingWithdrawingAll)
	}
	return orchestrator.execute(ctx, mutatingAction{
		operation:      operationWithdrawAll,
		pending:        PendingWithdrawingAll,
		submit:         orchestrator.proxy.WithdrawAll,
		successMessage: messageWithdrewAll,
		failureMessage: messageWithdrawAllFailed,
	})
}

// CheckAddress reads the contribution recorded for an arbitrary address and shows it as the caller balance.
func (orchestrator *Orchestrator) CheckAddress(ctx context.Context, rawAddress string) (Outcome, error) {
	if err := orchestrator.begin(PendingCheckingAddress); err != nil {
		return orchestrator.busyOutcome(PendingCheckingAddress, err), err
	}
	defer orchestrator.finish()

	orchestrator.setPhase(PhaseValidating)
	address, err := ParseAddress(rawAddress)
	if err != nil {
		return orchestrator.rejectValidation(ctx, operationCheckAddress, PendingCheckingAddress, ValidationReasonInvalidAddress, messageInvalidAddress)
	}
	balance, err := orchestrator.proxy.BalanceOf(ctx, address)
	if err != nil {
		outcome := orchestrator.settleFailure(PendingCheckingAddress, messageCheckAddressFailed, err)
		logOperation(ctx, orchestrator.logger, OperationLog{
			Operation: operationCheckAddress,
			Account:   &address,
			Message:   outcome.Message,
			Error:     err,
		})
		return outcome, err
	}
	orchestrator.synchronizer.SetQueriedBalance(address, balance)
	message := fmt.Sprintf("Address %s: %s %s", ShortenAddress(address), ToDecimalString(balance), TokenSymbol)
	orchestrator.publish(OperationStatus{Kind: StatusSuccess, Message: message, Operation: PendingCheckingAddress})
	logOperation(ctx, orchestrator.logger, OperationLog{
		Operation: operationCheckAddress,
		Account:   &address,
		Amount:    balance,
		Message:   message,
	})
	return Outcome{Kind: StatusSuccess, Message: message, Operation: PendingCheckingAddress}, nil
}

// HandleWalletEvent reacts to account and chain changes reported by the wallet.
func (orchestrator *Orchestrator) HandleWalletEvent(ctx context.Context, event WalletEvent) error {
	switch event.Type {
	case WalletChainChanged:
		orchestrator.synchronizer.Invalidate()
		orchestrator.publish(OperationStatus{Kind: StatusInfo, Message: messageChainChanged})
		_, err := orchestrator.Refresh(ctx)
		return err
	case WalletAccountsChanged:
		if len(event.Accounts) == 0 {
			orchestrator.disconnect()
			return nil
		}
		orchestrator.mu.Lock()
		wallet := orchestrator.wallet
		orchestrator.mu.Unlock()
		if wallet == nil {
			return ErrNotConnected
		}
		selected := event.Accounts[0]
		account, signer, err := orchestrator.resolveSigner(ctx, wallet, &selected)
		if err != nil {
			orchestrator.disconnect()
			return err
		}
		orchestrator.mu.Lock()
		orchestrator.signer = signer
		orchestrator.mu.Unlock()
		orchestrator.synchronizer.SetAccount(&account)
		_, err = orchestrator.Refresh(ctx)
		return err
	default:
		return fmt.Errorf("unknown wallet event %q", event.Type)
	}
}

// Watch applies wallet events until the channel closes or ctx ends.
func (orchestrator *Orchestrator) Watch(ctx context.Context, events <-chan WalletEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := orchestrator.HandleWalletEvent(ctx, event); err != nil {
				logOperation(ctx, orchestrator.logger, OperationLog{
					Operation: operationRefresh,
					Message:   string(event.Type),
					Error:     err,
				})
			}
		}
	}
}

func (orchestrator *Orchestrator) execute(ctx context.Context, action mutatingAction) (Outcome, error) {
	started := orchestrator.opts.nowFn()
	orchestrator.mu.Lock()
	signer := orchestrator.signer
	orchestrator.mu.Unlock()
	if signer == nil {
		return orchestrator.rejectValidation(ctx, action.operation, action.pending, ValidationReasonNotConnected, messageNotConnected)
	}
	account := signer.Address()
	entry := OperationLog{Operation: action.operation, Account: &account, Amount: action.amount}

	orchestrator.setPhase(PhaseSubmitting)
	handle, err := action.submit(ctx, signer)
	if err != nil {
		submitErr := err
		if !errors.Is(submitErr, ErrSubmissionRejected) {
			submitErr = fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
		outcome := orchestrator.settleFailure(action.pending, action.failureMessage, submitErr)
		entry.Message = outcome.Message
		entry.Error = submitErr
		orchestrator.annotateRevert(&entry, outcome.Classification)
		entry.Duration = orchestrator.opts.nowFn().Sub(started)
		logCtx, cancelLog := orchestrator.settleContext(ctx)
		defer cancelLog()
		logOperation(logCtx, orchestrator.logger, entry)
		return outcome, submitErr
	}
	txHash := handle.Hash
	entry.TxHash = &txHash

	orchestrator.setPhase(PhaseConfirming)
	orchestrator.publish(OperationStatus{Kind: StatusInfo, Message: messageTransactionPending, Operation: action.pending, Phase: PhaseConfirming})
	receipt, confirmErr := orchestrator.proxy.AwaitConfirmation(ctx, handle)

	var outcome Outcome
	if confirmErr != nil {
		outcome = orchestrator.classifyFailure(action.pending, action.failureMessage, confirmErr)
	} else {
		confirmed := receipt
		outcome = Outcome{Kind: StatusSuccess, Message: action.successMessage, Operation: action.pending, Receipt: &confirmed}
	}
	outcome.TxHash = &txHash

	orchestrator.setPhase(PhaseSettling)
	settleCtx, cancelSettle := orchestrator.settleContext(ctx)
	defer cancelSettle()
	if _, refreshErr := orchestrator.synchronizer.Refresh(settleCtx); refreshErr != nil {
		outcome.RefreshErr = refreshErr
	}
	orchestrator.publish(OperationStatus{Kind: outcome.Kind, Message: outcome.Message, Operation: action.pending, Phase: PhaseSettling})

	entry.Message = outcome.Message
	entry.Error = outcome.Err
	orchestrator.annotateRevert(&entry, outcome.Classification)
	entry.Duration = orchestrator.opts.nowFn().Sub(started)
	logOperation(settleCtx, orchestrator.logger, entry)
	return outcome, outcome.Err
}

// settleContext keeps ctx values but drops its cancellation, bounded by the settle timeout.
func (orchestrator *Orchestrator) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), orchestrator.opts.settleTimeout)
}

func (orchestrator *Orchestrator) classifyFailure(pending PendingOperation, fallback string, err error) Outcome {
	outcome := Outcome{Kind: StatusFailure, Message: fallback, Operation: pending, Err: err}
	if reason, ok := RevertReason(err); ok {
		classification := orchestrator.classifier.Classify(reason)
		outcome.Classification = &classification
		if classification.Message != "" {
			outcome.Message = classification.Message
		}
	}
	return outcome
}

// settleFailure reports a failure that changed nothing on chain. No refresh follows.
func (orchestrator *Orchestrator) settleFailure(pending PendingOperation, fallback string, err error) Outcome {
	outcome := orchestrator.classifyFailure(pending, fallback, err)
	orchestrator.publish(OperationStatus{Kind: StatusFailure, Message: outcome.Message, Operation: pending})
	return outcome
}

func (orchestrator *Orchestrator) rejectValidation(ctx context.Context, operation string, pending PendingOperation, reason string, message string) (Outcome, error) {
	validationErr := ValidationError{Reason: reason}
	orchestrator.publish(OperationStatus{Kind: StatusFailure, Message: message, Operation: pending, Phase: PhaseValidating})
	logOperation(ctx, orchestrator.logger, OperationLog{Operation: operation, Message: message, Error: validationErr})
	return Outcome{Kind: StatusFailure, Message: message, Operation: pending, Err: validationErr}, validationErr
}

func (orchestrator *Orchestrator) decline(ctx context.Context, operation string, pending PendingOperation) (Outcome, error) {
	orchestrator.publish(OperationStatus{Kind: StatusInfo, Message: messageActionCancelled, Operation: pending, Phase: PhaseValidating})
	logOperation(ctx, orchestrator.logger, OperationLog{Operation: operation, Message: messageActionCancelled, Error: ErrActionDeclined})
	return Outcome{Kind: StatusFailure, Message: messageActionCancelled, Operation: pending, Err: ErrActionDeclined}, ErrActionDeclined
}

func (orchestrator *Orchestrator) busyOutcome(requested PendingOperation, err error) Outcome {
	return Outcome{Kind: StatusFailure, Message: messageOperationBusy, Operation: requested, Err: err}
}

func (orchestrator *Orchestrator) annotateRevert(entry *OperationLog, classification *Classification) {
	if classification == nil {
		return
	}
	entry.RevertKind = classification.Kind
	entry.Reason = classification.Reason
}

func (orchestrator *Orchestrator) resolveSigner(ctx context.Context, wallet Wallet, preferred *common.Address) (common.Address, Signer, error) {
	account := common.Address{}
	if preferred != nil {
		account = *preferred
	} else {
		accounts, err := wallet.RequestAccounts(ctx)
		if err != nil {
			return common.Address{}, nil, err
		}
		if len(accounts) == 0 {
			return common.Address{}, nil, ErrNoAccounts
		}
		account = accounts[0]
	}
	signer, err := wallet.Signer(ctx, account)
	if err != nil {
		return common.Address{}, nil, err
	}
	return account, signer, nil
}

func (orchestrator *Orchestrator) disconnect() {
	orchestrator.mu.Lock()
	orchestrator.signer = nil
	orchestrator.mu.Unlock()
	orchestrator.synchronizer.SetAccount(nil)
	orchestrator.publish(OperationStatus{Kind: StatusInfo, Message: messageDisconnected})
}

func (orchestrator *Orchestrator) begin(operation PendingOperation) error {
	orchestrator.mu.Lock()
	if orchestrator.pending != PendingNone {
		current := orchestrator.pending
		orchestrator.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOperationInProgress, current)
	}
	orchestrator.pending = operation
	orchestrator.phase = PhaseValidating
	orchestrator.mu.Unlock()
	return nil
}

func (orchestrator *Orchestrator) finish() {
	orchestrator.mu.Lock()
	orchestrator.pending = PendingNone
	orchestrator.phase = PhaseIdle
	orchestrator.mu.Unlock()
}

func (orchestrator *Orchestrator) setPhase(phase TxPhase) {
	orchestrator.mu.Lock()
	orchestrator.phase = phase
	orchestrator.mu.Unlock()
}

func (orchestrator *Orchestrator) publish(status OperationStatus) {
	if status.Phase == "" {
		status.Phase = PhaseIdle
	}
	orchestrator.mu.Lock()
	orchestrator.lastStatus = status
	orchestrator.mu.Unlock()
	orchestrator.notifier.publishStatus(status)
}
