package ethproxy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const (
	errorOperation     = "proxy"
	codeCallFailed     = "call_failed"
	codeDecodeFailed   = "decode_failed"
	codeReceiptFailed  = "receipt_failed"
	revertMessageToken = "execution reverted"

	defaultConfirmations = 1
	defaultPollInterval  = 2 * time.Second
)

// Backend is the subset of ethclient.Client the proxy needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithConfirmations sets how many blocks, counting the inclusion block, must exist before a receipt is final.
func WithConfirmations(confirmations uint64) Option {
	return func(proxy *Proxy) {
		if confirmations > 0 {
			proxy.confirmations = confirmations
		}
	}
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(proxy *Proxy) {
		if interval > 0 {
			proxy.pollInterval = interval
		}
	}
}

// WithLogger attaches a zap logger for transport diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(proxy *Proxy) {
		if logger != nil {
			proxy.logger = logger
		}
	}
}

// WithContractAddress targets a different deployment.
func WithContractAddress(address common.Address) Option {
	return func(proxy *Proxy) {
		proxy.address = address
	}
}

// Proxy implements crowdfund.ContractProxy against an Ethereum JSON-RPC node.
type Proxy struct {
	backend       Backend
	address       common.Address
	confirmations uint64
	pollInterval  time.Duration
	logger        *zap.Logger
}

var _ crowdfund.ContractProxy = (*Proxy)(nil)

// New constructs a Proxy over backend.
func New(backend Backend, optionList ...Option) (*Proxy, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend dependency is nil", crowdfund.ErrInvalidServiceConfig)
	}
	proxy := &Proxy{
		backend:       backend,
		address:       ContractAddress,
		confirmations: defaultConfirmations,
		pollInterval:  defaultPollInterval,
		logger:        zap.NewNop(),
	}
	for _, option := range optionList {
		if option != nil {
			option(proxy)
		}
	}
	return proxy, nil
}

// GoalAmount reads goalAmount().
func (proxy *Proxy) GoalAmount(ctx context.Context) (crowdfund.BaseUnits, error) {
	return proxy.callUint(ctx, methodGoalAmount)
}

// TotalFunded reads checkAllFunds().
func (proxy *Proxy) TotalFunded(ctx context.Context) (crowdfund.BaseUnits, error) {
	return proxy.callUint(ctx, methodTotalFunded)
}

// EndTime reads endTime() as unix seconds.
func (proxy *Proxy) EndTime(ctx context.Context) (int64, error) {
	value, err := proxy.callUint(ctx, methodEndTime)
	if err != nil {
		return 0, err
	}
	endTime := value.BigInt()
	if !endTime.IsInt64() {
		return 0, crowdfund.WrapError(errorOperation, methodEndTime, codeDecodeFailed, fmt.Errorf("%w: end time %s overflows", crowdfund.ErrRPC, endTime))
	}
	return endTime.Int64(), nil
}

// IsStarted reads isStarted().
func (proxy *Proxy) IsStarted(ctx context.Context) (bool, error) {
	values, err := proxy.call(ctx, methodIsStarted)
	if err != nil {
		return false, err
	}
	started, ok := values[0].(bool)
	if !ok {
		return false, proxy.decodeError(methodIsStarted, values[0])
	}
	return started, nil
}

// BalanceOf reads checkYourFunds(address).
func (proxy *Proxy) BalanceOf(ctx context.Context, address common.Address) (crowdfund.BaseUnits, error) {
	return proxy.callUint(ctx, methodBalanceOf, address)
}

// Owner reads owner().
func (proxy *Proxy) Owner(ctx context.Context) (common.Address, error) {
	values, err := proxy.call(ctx, methodOwner)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, proxy.decodeError(methodOwner, values[0])
	}
	return owner, nil
}

// Fund sends amount with setFund().
func (proxy *Proxy) Fund(ctx context.Context, signer crowdfund.Signer, amount crowdfund.BaseUnits) (crowdfund.TxHandle, error) {
	return proxy.transact(ctx, signer, amount.BigInt(), methodFund)
}

// EndFunding calls endFunding().
func (proxy *Proxy) EndFunding(ctx context.Context, signer crowdfund.Signer) (crowdfund.TxHandle, error) {
	return proxy.transact(ctx, signer, nil, methodEndFunding)
}

// WithdrawSome calls withdrawalSomeFunds(amount).
func (proxy *Proxy) WithdrawSome(ctx context.Context, signer crowdfund.Signer, amount crowdfund.BaseUnits) (crowdfund.TxHandle, error) {
	return proxy.transact(ctx, signer, nil, methodWithdrawSome, amount.BigInt())
}

// WithdrawAll calls withdrawlAll().
func (proxy *Proxy) WithdrawAll(ctx context.Context, signer crowdfund.Signer) (crowdfund.TxHandle, error) {
	return proxy.transact(ctx, signer, nil, methodWithdrawAll)
}

// AwaitConfirmation polls for the receipt until the configured depth is reached.
// A failed receipt is replayed with eth_call to recover the revert reason.
// Cancellation and timeouts surface as crowdfund.ErrRPC.
func (proxy *Proxy) AwaitConfirmation(ctx context.Context, handle crowdfund.TxHandle) (crowdfund.Receipt, error) {
	ticker := time.NewTicker(proxy.pollInterval)
	defer ticker.Stop()
	for {
		receipt, done, err := proxy.checkReceipt(ctx, handle)
		if err != nil || done {
			return receipt, err
		}
		select {
		case <-ctx.Done():
			return crowdfund.Receipt{}, crowdfund.WrapError(errorOperation, handle.Hash.Hex(), codeReceiptFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (proxy *Proxy) checkReceipt(ctx context.Context, handle crowdfund.TxHandle) (crowdfund.Receipt, bool, error) {
	receipt, err := proxy.backend.TransactionReceipt(ctx, handle.Hash)
	if errors.Is(err, ethereum.NotFound) {
		proxy.logger.Debug("transaction pending", zap.String("tx_hash", handle.Hash.Hex()))
		return crowdfund.Receipt{}, false, nil
	}
	if err != nil {
		return crowdfund.Receipt{}, false, crowdfund.WrapError(errorOperation, handle.Hash.Hex(), codeReceiptFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, err))
	}
	result := crowdfund.Receipt{TxHash: receipt.TxHash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		reason := proxy.replayRevert(ctx, handle, result.BlockNumber)
		proxy.logger.Info("transaction reverted", zap.String("tx_hash", handle.Hash.Hex()), zap.String("reason", reason))
		return result, true, &crowdfund.RevertError{Reason: reason}
	}
	head, err := proxy.backend.BlockNumber(ctx)
	if err != nil {
		return crowdfund.Receipt{}, false, crowdfund.WrapError(errorOperation, handle.Hash.Hex(), codeReceiptFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, err))
	}
	if head+1 < result.BlockNumber+proxy.confirmations {
		proxy.logger.Debug("awaiting confirmations",
			zap.String("tx_hash", handle.Hash.Hex()),
			zap.Uint64("block_number", result.BlockNumber),
			zap.Uint64("head", head),
		)
		return crowdfund.Receipt{}, false, nil
	}
	return result, true, nil
}

// replayRevert re-executes a failed transaction on the parent block state and extracts the reason.
func (proxy *Proxy) replayRevert(ctx context.Context, handle crowdfund.TxHandle, blockNumber uint64) string {
	if handle.Transaction == nil {
		return ""
	}
	transaction := handle.Transaction
	msg := ethereum.CallMsg{
		From:     handle.From,
		To:       transaction.To(),
		Gas:      transaction.Gas(),
		GasPrice: transaction.GasPrice(),
		Value:    transaction.Value(),
		Data:     transaction.Data(),
	}
	var replayBlock *big.Int
	if blockNumber > 0 {
		replayBlock = new(big.Int).SetUint64(blockNumber - 1)
	}
	_, err := proxy.backend.CallContract(ctx, msg, replayBlock)
	if err == nil {
		return ""
	}
	reason, _ := revertReasonFrom(err)
	return reason
}

func (proxy *Proxy) transact(ctx context.Context, signer crowdfund.Signer, value *big.Int, method string, args ...interface{}) (crowdfund.TxHandle, error) {
	if signer == nil {
		return crowdfund.TxHandle{}, fmt.Errorf("%w: %w", crowdfund.ErrSubmissionRejected, crowdfund.ErrNotConnected)
	}
	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return crowdfund.TxHandle{}, fmt.Errorf("%w: pack %s: %w", crowdfund.ErrSubmissionRejected, method, err)
	}
	from := signer.Address()
	chainID, err := proxy.backend.ChainID(ctx)
	if err != nil {
		return crowdfund.TxHandle{}, proxy.rejected(method, err)
	}
	nonce, err := proxy.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return crowdfund.TxHandle{}, proxy.rejected(method, err)
	}
	gasPrice, err := proxy.backend.SuggestGasPrice(ctx)
	if err != nil {
		return crowdfund.TxHandle{}, proxy.rejected(method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	contract := proxy.address
	gasLimit, err := proxy.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &contract,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		if reason, ok := revertReasonFrom(err); ok {
			return crowdfund.TxHandle{}, fmt.Errorf("%w: %w", crowdfund.ErrSubmissionRejected, &crowdfund.RevertError{Reason: reason})
		}
		return crowdfund.TxHandle{}, proxy.rejected(method, err)
	}
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := signer.SignTx(unsigned, chainID)
	if err != nil {
		return crowdfund.TxHandle{}, fmt.Errorf("%w: sign %s: %w", crowdfund.ErrSubmissionRejected, method, err)
	}
	if err := proxy.backend.SendTransaction(ctx, signed); err != nil {
		return crowdfund.TxHandle{}, proxy.rejected(method, err)
	}
	proxy.logger.Info("transaction broadcast",
		zap.String("method", method),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("from", from.Hex()),
		zap.Uint64("nonce", nonce),
	)
	return crowdfund.TxHandle{Hash: signed.Hash(), From: from, Transaction: signed}, nil
}

func (proxy *Proxy) rejected(method string, err error) error {
	return fmt.Errorf("%w: %w", crowdfund.ErrSubmissionRejected, crowdfund.WrapError(errorOperation, method, codeCallFailed, err))
}

func (proxy *Proxy) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return nil, crowdfund.WrapError(errorOperation, method, codeCallFailed, err)
	}
	contract := proxy.address
	output, err := proxy.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, crowdfund.WrapError(errorOperation, method, codeCallFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, err))
	}
	values, err := ContractABI.Unpack(method, output)
	if err != nil {
		return nil, crowdfund.WrapError(errorOperation, method, codeDecodeFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, err))
	}
	if len(values) == 0 {
		return nil, crowdfund.WrapError(errorOperation, method, codeDecodeFailed, fmt.Errorf("%w: empty result", crowdfund.ErrRPC))
	}
	return values, nil
}

func (proxy *Proxy) callUint(ctx context.Context, method string, args ...interface{}) (crowdfund.BaseUnits, error) {
	values, err := proxy.call(ctx, method, args...)
	if err != nil {
		return crowdfund.BaseUnits{}, err
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return crowdfund.BaseUnits{}, proxy.decodeError(method, values[0])
	}
	amount, err := crowdfund.NewBaseUnits(raw)
	if err != nil {
		return crowdfund.BaseUnits{}, crowdfund.WrapError(errorOperation, method, codeDecodeFailed, fmt.Errorf("%w: %w", crowdfund.ErrRPC, err))
	}
	return amount, nil
}

func (proxy *Proxy) decodeError(method string, value interface{}) error {
	return crowdfund.WrapError(errorOperation, method, codeDecodeFailed, fmt.Errorf("%w: unexpected result type %T", crowdfund.ErrRPC, value))
}

// revertReasonFrom recovers the contract's revert text from a node error.
// Nodes report it either as ABI-encoded error data or inline in the message.
func revertReasonFrom(err error) (string, bool) {
	var dataError rpc.DataError
	if errors.As(err, &dataError) {
		if encoded, ok := dataError.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	message := err.Error()
	index := strings.Index(message, revertMessageToken)
	if index < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(message[index+len(revertMessageToken):], ":")
	return strings.TrimSpace(reason), true
}
