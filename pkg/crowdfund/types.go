package crowdfund

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ContractSnapshot is one consistent read of the contract. It is replaced wholesale, never patched.
type ContractSnapshot struct {
	GoalAmount   BaseUnits
	TotalFunded  BaseUnits
	EndTime      int64
	IsStarted    bool
	OwnerAddress common.Address
}

// Session tracks the connected account and the balance shown for it.
type Session struct {
	Account        *common.Address
	IsOwner        bool
	CallerBalance  BaseUnits
	BalanceAddress *common.Address
}

// Connected reports whether an account is present.
func (session Session) Connected() bool {
	return session.Account != nil
}

// PendingOperation names the single operation currently allowed to run.
type PendingOperation string

const (
	PendingNone            PendingOperation = "none"
	PendingConnecting      PendingOperation = "connecting"
	PendingFunding         PendingOperation = "funding"
	PendingEndingFunding   PendingOperation = "ending_funding"
	PendingWithdrawingSome PendingOperation = "withdrawing_some"
	PendingWithdrawingAll  PendingOperation = "withdrawing_all"
	PendingCheckingAddress PendingOperation = "checking_address"
)

// String returns the operation name.
func (operation PendingOperation) String() string {
	return string(operation)
}

// TxPhase is the orchestrator state of a mutating action.
type TxPhase string

const (
	PhaseIdle       TxPhase = "idle"
	PhaseValidating TxPhase = "validating"
	PhaseSubmitting TxPhase = "submitting"
	PhaseConfirming TxPhase = "confirming"
	PhaseSettling   TxPhase = "settling"
)

// StatusKind separates success from failure without inspecting message text.
type StatusKind string

const (
	StatusInfo    StatusKind = "info"
	StatusSuccess StatusKind = "success"
	StatusFailure StatusKind = "failure"
)

// OperationStatus is the user-visible status delivered to presentation code.
type OperationStatus struct {
	Kind      StatusKind
	Message   string
	Operation PendingOperation
	Phase     TxPhase
}

// TxHandle identifies a broadcast transaction awaiting confirmation.
type TxHandle struct {
	Hash        common.Hash
	From        common.Address
	Transaction *types.Transaction
}

// Receipt describes a confirmed transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Signer authorizes mutating calls for one account.
type Signer interface {
	Address() common.Address
	SignTx(transaction *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ContractProxy is the typed facade over the remote crowdfunding contract.
type ContractProxy interface {
	GoalAmount(ctx context.Context) (BaseUnits, error)
	TotalFunded(ctx context.Context) (BaseUnits, error)
	EndTime(ctx context.Context) (int64, error)
	IsStarted(ctx context.Context) (bool, error)
	BalanceOf(ctx context.Context, address common.Address) (BaseUnits, error)
	Owner(ctx context.Context) (common.Address, error)

	Fund(ctx context.Context, signer Signer, amount BaseUnits) (TxHandle, error)
	EndFunding(ctx context.Context, signer Signer) (TxHandle, error)
	WithdrawSome(ctx context.Context, signer Signer, amount BaseUnits) (TxHandle, error)
	WithdrawAll(ctx context.Context, signer Signer) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, handle TxHandle) (Receipt, error)
}

// WalletEventType enumerates wallet notifications.
type WalletEventType string

const (
	WalletAccountsChanged WalletEventType = "accountsChanged"
	WalletChainChanged    WalletEventType = "chainChanged"
)

// WalletEvent is a change notification from the wallet provider.
type WalletEvent struct {
	Type     WalletEventType
	Accounts []common.Address
}

// Wallet is the connected-signer capability supplied by the host environment.
type Wallet interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	Signer(ctx context.Context, account common.Address) (Signer, error)
}

// Confirmation is a synchronous yes/no gate for irreversible actions.
type Confirmation func(prompt string) bool

// ParseAddress validates a hex account address. Comparison is case-insensitive.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ShortenAddress renders an address as 0x1234...abcd.
func ShortenAddress(address common.Address) string {
	hex := address.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
