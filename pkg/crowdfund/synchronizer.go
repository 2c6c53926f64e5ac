package crowdfund

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Synchronizer owns the published snapshot and session and rebuilds them from the contract.
type Synchronizer struct {
	proxy    ContractProxy
	notifier *Notifier
	logger   OperationLogger
	opts     options

	// commitMu orders commit-and-publish so observers see rounds in completion order.
	commitMu sync.Mutex

	stateMu  sync.RWMutex
	snapshot *ContractSnapshot
	session  Session
	epoch    uint64
}

type readRound struct {
	goal        BaseUnits
	total       BaseUnits
	endTime     int64
	started     bool
	owner       common.Address
	balance     BaseUnits
	hasBalance  bool
	balanceFrom *common.Address
}

// NewSynchronizer wires a Synchronizer.
func NewSynchronizer(proxy ContractProxy, optionList ...Option) (*Synchronizer, error) {
	if proxy == nil {
		return nil, fmt.Errorf("%w: proxy dependency is nil", ErrInvalidServiceConfig)
	}
	opts := collectOptions(optionList)
	notifier := opts.notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Synchronizer{
		proxy:    proxy,
		notifier: notifier,
		logger:   opts.logger,
		opts:     opts,
	}, nil
}

// Notifier returns the notifier used for publication.
func (synchronizer *Synchronizer) Notifier() *Notifier {
	return synchronizer.notifier
}

// Snapshot returns the latest committed snapshot, if any.
func (synchronizer *Synchronizer) Snapshot() (ContractSnapshot, bool) {
	synchronizer.stateMu.RLock()
	defer synchronizer.stateMu.RUnlock()
	if synchronizer.snapshot == nil {
		return ContractSnapshot{}, false
	}
	return *synchronizer.snapshot, true
}

// Session returns a copy of the current session.
func (synchronizer *Synchronizer) Session() Session {
	synchronizer.stateMu.RLock()
	defer synchronizer.stateMu.RUnlock()
	return copySession(synchronizer.session)
}

// Refresh reads the whole snapshot and commits it only if every read succeeds.
// Overlapping calls commit in completion order; a failed round leaves the previous state untouched.
func (synchronizer *Synchronizer) Refresh(ctx context.Context) (ContractSnapshot, error) {
	started := synchronizer.opts.nowFn()
	synchronizer.stateMu.RLock()
	epoch := synchronizer.epoch
	balanceAddress := balanceTarget(synchronizer.session)
	account := copyAddress(synchronizer.session.Account)
	synchronizer.stateMu.RUnlock()

	round, err := synchronizer.readAll(ctx, balanceAddress)
	if err != nil {
		refreshErr := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		synchronizer.logRefresh(ctx, account, started, refreshErr)
		return ContractSnapshot{}, refreshErr
	}

	snapshot := ContractSnapshot{
		GoalAmount:   round.goal,
		TotalFunded:  round.total,
		EndTime:      round.endTime,
		IsStarted:    round.started,
		OwnerAddress: round.owner,
	}

	synchronizer.commitMu.Lock()
	defer synchronizer.commitMu.Unlock()

	synchronizer.stateMu.Lock()
	if synchronizer.epoch != epoch {
		synchronizer.stateMu.Unlock()
		refreshErr := fmt.Errorf("%w: %w", ErrRefreshFailed, ErrSessionChanged)
		synchronizer.logRefresh(ctx, account, started, refreshErr)
		return ContractSnapshot{}, refreshErr
	}
	committed := snapshot
	synchronizer.snapshot = &committed
	session := synchronizer.session
	if session.Account != nil {
		session.IsOwner = *session.Account == round.owner
	} else {
		session.IsOwner = false
	}
	currentTarget := balanceTarget(session)
	switch {
	case currentTarget == nil:
		session.CallerBalance = BaseUnits{}
	case round.hasBalance && sameAddress(currentTarget, round.balanceFrom):
		session.CallerBalance = round.balance
	}
	synchronizer.session = session
	published := copySession(session)
	synchronizer.stateMu.Unlock()

	synchronizer.notifier.publishSnapshot(&snapshot)
	synchronizer.notifier.publishSession(published)
	synchronizer.logRefresh(ctx, account, started, nil)
	return snapshot, nil
}

func (synchronizer *Synchronizer) readAll(ctx context.Context, balanceAddress *common.Address) (readRound, error) {
	var round readRound
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		value, err := synchronizer.proxy.GoalAmount(groupCtx)
		round.goal = value
		return err
	})
	group.Go(func() error {
		value, err := synchronizer.proxy.TotalFunded(groupCtx)
		round.total = value
		return err
	})
	group.Go(func() error {
		value, err := synchronizer.proxy.EndTime(groupCtx)
		round.endTime = value
		return err
	})
	group.Go(func() error {
		value, err := synchronizer.proxy.IsStarted(groupCtx)
		round.started = value
		return err
	})
	group.Go(func() error {
		value, err := synchronizer.proxy.Owner(groupCtx)
		round.owner = value
		return err
	})
	if balanceAddress != nil {
		round.hasBalance = true
		round.balanceFrom = balanceAddress
		group.Go(func() error {
			value, err := synchronizer.proxy.BalanceOf(groupCtx, *balanceAddress)
			round.balance = value
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return readRound{}, err
	}
	return round, nil
}

// Invalidate drops all cached contract state. Refreshes already in flight are discarded on commit.
func (synchronizer *Synchronizer) Invalidate() {
	synchronizer.commitMu.Lock()
	defer synchronizer.commitMu.Unlock()

	synchronizer.stateMu.Lock()
	synchronizer.epoch++
	synchronizer.snapshot = nil
	synchronizer.session.IsOwner = false
	synchronizer.session.CallerBalance = BaseUnits{}
	published := copySession(synchronizer.session)
	synchronizer.stateMu.Unlock()

	synchronizer.notifier.publishSnapshot(nil)
	synchronizer.notifier.publishSession(published)
}

// SetAccount replaces the connected account. A nil account clears the session.
func (synchronizer *Synchronizer) SetAccount(account *common.Address) {
	synchronizer.commitMu.Lock()
	defer synchronizer.commitMu.Unlock()

	synchronizer.stateMu.Lock()
	synchronizer.epoch++
	session := Session{Account: copyAddress(account)}
	if account != nil && synchronizer.snapshot != nil {
		session.IsOwner = *account == synchronizer.snapshot.OwnerAddress
	}
	synchronizer.session = session
	published := copySession(session)
	synchronizer.stateMu.Unlock()

	synchronizer.notifier.publishSession(published)
}

// SetQueriedBalance records a balance looked up for an arbitrary address.
// Later refreshes keep reading that address until the account changes.
func (synchronizer *Synchronizer) SetQueriedBalance(address common.Address, balance BaseUnits) {
	synchronizer.commitMu.Lock()
	defer synchronizer.commitMu.Unlock()

	synchronizer.stateMu.Lock()
	queried := address
	synchronizer.session.BalanceAddress = &queried
	synchronizer.session.CallerBalance = balance
	published := copySession(synchronizer.session)
	synchronizer.stateMu.Unlock()

	synchronizer.notifier.publishSession(published)
}

func (synchronizer *Synchronizer) logRefresh(ctx context.Context, account *common.Address, started time.Time, err error) {
	logOperation(ctx, synchronizer.logger, OperationLog{
		Operation: operationRefresh,
		Account:   account,
		Duration:  synchronizer.opts.nowFn().Sub(started),
		Error:     err,
	})
}

func balanceTarget(session Session) *common.Address {
	if session.BalanceAddress != nil {
		return copyAddress(session.BalanceAddress)
	}
	return copyAddress(session.Account)
}

func sameAddress(left *common.Address, right *common.Address) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

func copyAddress(address *common.Address) *common.Address {
	if address == nil {
		return nil
	}
	copied := *address
	return &copied
}

func copySession(session Session) Session {
	return Session{
		Account:        copyAddress(session.Account),
		IsOwner:        session.IsOwner,
		CallerBalance:  session.CallerBalance,
		BalanceAddress: copyAddress(session.BalanceAddress),
	}
}
