package crowdfund

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ownerAccount    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	funderAccount   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	observedAccount = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type roundKey struct{}

// stubProxy is an in-memory contract. Reads may be keyed by a round label on the context.
type stubProxy struct {
	mu sync.Mutex

	goal     BaseUnits
	total    BaseUnits
	endTime  int64
	started  bool
	owner    common.Address
	balances map[common.Address]BaseUnits

	roundTotals  map[string]BaseUnits
	roundGates   map[string]chan struct{}
	roundEntered map[string]chan struct{}

	readErr    error
	submitErr  error
	confirmErr error
	submitGate chan struct{}

	readCalls     int
	goalCalls     int
	mutatingCalls int
	lastAmount    BaseUnits
	lastSigner    common.Address
}

func newStubProxy(test *testing.T) *stubProxy {
	test.Helper()
	return &stubProxy{
		goal:         BaseUnitsFromUint64(1000),
		total:        BaseUnitsFromUint64(0),
		endTime:      4_000_000_000,
		started:      true,
		owner:        ownerAccount,
		balances:     map[common.Address]BaseUnits{},
		roundTotals:  map[string]BaseUnits{},
		roundGates:   map[string]chan struct{}{},
		roundEntered: map[string]chan struct{}{},
	}
}

func (proxy *stubProxy) read(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	proxy.mu.Lock()
	proxy.readCalls++
	readErr := proxy.readErr
	proxy.mu.Unlock()
	return readErr
}

func (proxy *stubProxy) GoalAmount(ctx context.Context) (BaseUnits, error) {
	if err := proxy.read(ctx); err != nil {
		return BaseUnits{}, err
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	proxy.goalCalls++
	return proxy.goal, nil
}

func (proxy *stubProxy) TotalFunded(ctx context.Context) (BaseUnits, error) {
	if err := proxy.read(ctx); err != nil {
		return BaseUnits{}, err
	}
	round, _ := ctx.Value(roundKey{}).(string)
	proxy.mu.Lock()
	entered := proxy.roundEntered[round]
	gate := proxy.roundGates[round]
	proxy.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	if total, ok := proxy.roundTotals[round]; ok {
		return total, nil
	}
	return proxy.total, nil
}

func (proxy *stubProxy) EndTime(ctx context.Context) (int64, error) {
	if err := proxy.read(ctx); err != nil {
		return 0, err
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.endTime, nil
}

func (proxy *stubProxy) IsStarted(ctx context.Context) (bool, error) {
	if err := proxy.read(ctx); err != nil {
		return false, err
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.started, nil
}

func (proxy *stubProxy) BalanceOf(ctx context.Context, address common.Address) (BaseUnits, error) {
	if err := proxy.read(ctx); err != nil {
		return BaseUnits{}, err
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.balances[address], nil
}

func (proxy *stubProxy) Owner(ctx context.Context) (common.Address, error) {
	if err := proxy.read(ctx); err != nil {
		return common.Address{}, err
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.owner, nil
}

func (proxy *stubProxy) submit(signer Signer, amount BaseUnits) (TxHandle, error) {
	proxy.mu.Lock()
	proxy.mutatingCalls++
	proxy.lastAmount = amount
	proxy.lastSigner = signer.Address()
	gate := proxy.submitGate
	submitErr := proxy.submitErr
	proxy.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if submitErr != nil {
		return TxHandle{}, submitErr
	}
	return TxHandle{Hash: common.HexToHash("0x01"), From: signer.Address()}, nil
}

func (proxy *stubProxy) Fund(ctx context.Context, signer Signer, amount BaseUnits) (TxHandle, error) {
	return proxy.submit(signer, amount)
}

func (proxy *stubProxy) EndFunding(ctx context.Context, signer Signer) (TxHandle, error) {
	return proxy.submit(signer, BaseUnits{})
}

func (proxy *stubProxy) WithdrawSome(ctx context.Context, signer Signer, amount BaseUnits) (TxHandle, error) {
	return proxy.submit(signer, amount)
}

func (proxy *stubProxy) WithdrawAll(ctx context.Context, signer Signer) (TxHandle, error) {
	return proxy.submit(signer, BaseUnits{})
}

// AwaitConfirmation credits a confirmed fund to the total and the signer's balance.
func (proxy *stubProxy) AwaitConfirmation(ctx context.Context, handle TxHandle) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrRPC, err)
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	if proxy.confirmErr != nil {
		return Receipt{}, proxy.confirmErr
	}
	if !proxy.lastAmount.IsZero() {
		total := new(big.Int).Add(proxy.total.BigInt(), proxy.lastAmount.BigInt())
		proxy.total, _ = NewBaseUnits(total)
		balance := new(big.Int).Add(proxy.balances[handle.From].BigInt(), proxy.lastAmount.BigInt())
		proxy.balances[handle.From], _ = NewBaseUnits(balance)
	}
	return Receipt{TxHash: handle.Hash, BlockNumber: 7, GasUsed: 21000}, nil
}

func (proxy *stubProxy) counts() (reads int, goals int, mutating int) {
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.readCalls, proxy.goalCalls, proxy.mutatingCalls
}

type stubSigner struct {
	address common.Address
}

func (signer stubSigner) Address() common.Address {
	return signer.address
}

func (signer stubSigner) SignTx(transaction *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	return transaction, nil
}

type stubWallet struct {
	accounts   []common.Address
	requestErr error
}

func (wallet stubWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	if wallet.requestErr != nil {
		return nil, wallet.requestErr
	}
	return wallet.accounts, nil
}

func (wallet stubWallet) Signer(_ context.Context, account common.Address) (Signer, error) {
	return stubSigner{address: account}, nil
}

type recorderLogger struct {
	mu          sync.Mutex
	entries     []OperationLog
	contextErrs []error
}

func (logger *recorderLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
	logger.contextErrs = append(logger.contextErrs, ctx.Err())
}

func (logger *recorderLogger) contextErrFor(operation string) []error {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []error
	for index, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, logger.contextErrs[index])
		}
	}
	return matched
}

func (logger *recorderLogger) byOperation(operation string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []OperationStatus
}

func (recorder *statusRecorder) record(status OperationStatus) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.statuses = append(recorder.statuses, status)
}

func (recorder *statusRecorder) messages() []string {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	messages := make([]string, 0, len(recorder.statuses))
	for _, status := range recorder.statuses {
		messages = append(messages, status.Message)
	}
	return messages
}

func newTestOrchestrator(test *testing.T, proxy *stubProxy, optionList ...Option) *Orchestrator {
	test.Helper()
	synchronizer, err := NewSynchronizer(proxy, optionList...)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}
	orchestrator, err := NewOrchestrator(proxy, synchronizer, optionList...)
	if err != nil {
		test.Fatalf("orchestrator init failed: %v", err)
	}
	return orchestrator
}

func connectAs(test *testing.T, orchestrator *Orchestrator, account common.Address) {
	test.Helper()
	if _, err := orchestrator.Connect(context.Background(), stubWallet{accounts: []common.Address{account}}); err != nil {
		test.Fatalf("connect failed: %v", err)
	}
}

func mustBaseUnits(test *testing.T, decimal string) BaseUnits {
	test.Helper()
	amount, err := ToBaseUnits(decimal)
	if err != nil {
		test.Fatalf("invalid amount %q: %v", decimal, err)
	}
	return amount
}
