package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const eventBufferSize = 16

// ErrUnknownAccount indicates a signer was requested for an account the provider does not hold.
var ErrUnknownAccount = errors.New("unknown account")

// ChainIDSource reports the chain the node is serving.
type ChainIDSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Provider exposes local keys through the crowdfund.Wallet capability and reports account and chain changes.
type Provider struct {
	logger *zap.Logger

	mu      sync.Mutex
	signers map[common.Address]*KeySigner
	order   []common.Address
	events  chan crowdfund.WalletEvent
}

var _ crowdfund.Wallet = (*Provider)(nil)

// NewProvider builds a provider over signers. The first signer is the selected account.
func NewProvider(logger *zap.Logger, signers ...*KeySigner) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := &Provider{
		logger:  logger,
		signers: make(map[common.Address]*KeySigner, len(signers)),
		events:  make(chan crowdfund.WalletEvent, eventBufferSize),
	}
	for _, signer := range signers {
		if signer == nil {
			return nil, fmt.Errorf("%w: nil signer", ErrInvalidKey)
		}
		if _, exists := provider.signers[signer.Address()]; exists {
			continue
		}
		provider.signers[signer.Address()] = signer
		provider.order = append(provider.order, signer.Address())
	}
	return provider, nil
}

// RequestAccounts lists available accounts, selected account first.
func (provider *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.order) == 0 {
		return nil, crowdfund.ErrNoAccounts
	}
	accounts := make([]common.Address, len(provider.order))
	copy(accounts, provider.order)
	return accounts, nil
}

// Signer returns the signer for account.
func (provider *Provider) Signer(ctx context.Context, account common.Address) (crowdfund.Signer, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	signer, ok := provider.signers[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	return signer, nil
}

// Events delivers accountsChanged and chainChanged notifications.
func (provider *Provider) Events() <-chan crowdfund.WalletEvent {
	return provider.events
}

// SelectAccount moves account to the front and announces the change.
func (provider *Provider) SelectAccount(account common.Address) error {
	provider.mu.Lock()
	if _, ok := provider.signers[account]; !ok {
		provider.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	reordered := []common.Address{account}
	for _, existing := range provider.order {
		if existing != account {
			reordered = append(reordered, existing)
		}
	}
	provider.order = reordered
	accounts := make([]common.Address, len(reordered))
	copy(accounts, reordered)
	provider.mu.Unlock()

	provider.emit(crowdfund.WalletEvent{Type: crowdfund.WalletAccountsChanged, Accounts: accounts})
	return nil
}

// Disconnect drops every account and announces an empty account list.
func (provider *Provider) Disconnect() {
	provider.mu.Lock()
	provider.signers = map[common.Address]*KeySigner{}
	provider.order = nil
	provider.mu.Unlock()

	provider.emit(crowdfund.WalletEvent{Type: crowdfund.WalletAccountsChanged, Accounts: []common.Address{}})
}

// WatchChain polls source and emits chainChanged whenever the chain id differs from the last one seen.
func (provider *Provider) WatchChain(ctx context.Context, source ChainIDSource, interval time.Duration) error {
	if source == nil {
		return fmt.Errorf("%w: chain id source is nil", crowdfund.ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		return fmt.Errorf("%w: watch interval must be positive", crowdfund.ErrInvalidServiceConfig)
	}
	current, err := source.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", crowdfund.ErrRPC, err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		observed, err := source.ChainID(ctx)
		if err != nil {
			provider.logger.Warn("chain id poll failed", zap.Error(err))
			continue
		}
		if observed.Cmp(current) == 0 {
			continue
		}
		provider.logger.Info("chain changed",
			zap.String("previous_chain_id", current.String()),
			zap.String("chain_id", observed.String()),
		)
		current = observed
		provider.emit(crowdfund.WalletEvent{Type: crowdfund.WalletChainChanged})
	}
}

func (provider *Provider) emit(event crowdfund.WalletEvent) {
	select {
	case provider.events <- event:
	default:
		provider.logger.Warn("wallet event dropped", zap.String("event", string(event.Type)))
	}
}
