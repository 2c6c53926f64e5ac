package crowdfund

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSynchronizerRefreshPublishesSnapshotAndSession(test *testing.T) {
	test.Parallel()
	proxy := newStubProxy(test)
	proxy.balances[ownerAccount] = BaseUnitsFromUint64(40)
	synchronizer, err := NewSynchronizer(proxy)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}
	var published []*ContractSnapshot
	var sessions []Session
	if err := synchronizer.Notifier().OnSnapshotChanged(func(snapshot *ContractSnapshot) {
		published = append(published, snapshot)
	}); err != nil {
		test.Fatalf("subscribe failed: %v", err)
	}
	if err := synchronizer.Notifier().OnSessionChanged(func(session Session) {
		sessions = append(sessions, session)
	}); err != nil {
		test.Fatalf("subscribe failed: %v", err)
	}
	account := ownerAccount
	synchronizer.SetAccount(&account)

	snapshot, err := synchronizer.Refresh(context.Background())
	if err != nil {
		test.Fatalf("refresh failed: %v", err)
	}
	if snapshot.GoalAmount.String() != "1000" || snapshot.OwnerAddress != ownerAccount || !snapshot.IsStarted {
		test.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if len(published) != 1 || published[0] == nil || published[0].GoalAmount.String() != "1000" {
		test.Fatalf("expected one published snapshot, got %+v", published)
	}
	session := synchronizer.Session()
	if !session.IsOwner || session.CallerBalance.String() != "40" {
		test.Fatalf("unexpected session %+v", session)
	}
	if len(sessions) != 2 || !sessions[1].IsOwner {
		test.Fatalf("expected account and refresh session updates, got %+v", sessions)
	}
}

func TestSynchronizerRefreshFailureKeepsPreviousSnapshot(test *testing.T) {
	test.Parallel()
	proxy := newStubProxy(test)
	synchronizer, err := NewSynchronizer(proxy)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}
	if _, err := synchronizer.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh failed: %v", err)
	}
	proxy.mu.Lock()
	proxy.total = BaseUnitsFromUint64(999)
	proxy.readErr = errors.New("node unavailable")
	proxy.mu.Unlock()

	_, err = synchronizer.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		test.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	snapshot, loaded := synchronizer.Snapshot()
	if !loaded || snapshot.TotalFunded.String() != "0" {
		test.Fatalf("expected previous snapshot retained, got %+v", snapshot)
	}
}

func TestSynchronizerOverlappingRefreshesCommitInCompletionOrder(test *testing.T) {
	test.Parallel()
	proxy := newStubProxy(test)
	gate := make(chan struct{})
	entered := make(chan struct{})
	proxy.roundTotals["slow"] = BaseUnitsFromUint64(700)
	proxy.roundTotals["fast"] = BaseUnitsFromUint64(300)
	proxy.roundGates["slow"] = gate
	proxy.roundEntered["slow"] = entered

	synchronizer, err := NewSynchronizer(proxy)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}
	var publishedMu sync.Mutex
	var publishedTotals []string
	if err := synchronizer.Notifier().OnSnapshotChanged(func(snapshot *ContractSnapshot) {
		publishedMu.Lock()
		defer publishedMu.Unlock()
		publishedTotals = append(publishedTotals, snapshot.TotalFunded.String())
	}); err != nil {
		test.Fatalf("subscribe failed: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, refreshErr := synchronizer.Refresh(context.WithValue(context.Background(), roundKey{}, "slow"))
		slowDone <- refreshErr
	}()
	<-entered

	fast, err := synchronizer.Refresh(context.WithValue(context.Background(), roundKey{}, "fast"))
	if err != nil {
		test.Fatalf("fast refresh failed: %v", err)
	}
	if fast.TotalFunded.String() != "300" {
		test.Fatalf("expected fast round total 300, got %s", fast.TotalFunded.String())
	}
	close(gate)
	if err := <-slowDone; err != nil {
		test.Fatalf("slow refresh failed: %v", err)
	}

	snapshot, _ := synchronizer.Snapshot()
	if snapshot.TotalFunded.String() != "700" {
		test.Fatalf("expected last completed round to win, got %s", snapshot.TotalFunded.String())
	}
	publishedMu.Lock()
	defer publishedMu.Unlock()
	if len(publishedTotals) != 2 || publishedTotals[0] != "300" || publishedTotals[1] != "700" {
		test.Fatalf("expected publication in completion order, got %v", publishedTotals)
	}
}

func TestSynchronizerInvalidateDiscardsInFlightRefresh(test *testing.T) {
	test.Parallel()
	proxy := newStubProxy(test)
	gate := make(chan struct{})
	entered := make(chan struct{})
	proxy.roundGates["stale"] = gate
	proxy.roundEntered["stale"] = entered
	synchronizer, err := NewSynchronizer(proxy)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, refreshErr := synchronizer.Refresh(context.WithValue(context.Background(), roundKey{}, "stale"))
		done <- refreshErr
	}()
	<-entered
	synchronizer.Invalidate()
	close(gate)

	if err := <-done; !errors.Is(err, ErrSessionChanged) {
		test.Fatalf("expected ErrSessionChanged, got %v", err)
	}
	if _, loaded := synchronizer.Snapshot(); loaded {
		test.Fatalf("expected snapshot to stay invalidated")
	}
}

func TestSynchronizerKeepsQueriedBalanceAddress(test *testing.T) {
	test.Parallel()
	proxy := newStubProxy(test)
	proxy.balances[observedAccount] = BaseUnitsFromUint64(12)
	synchronizer, err := NewSynchronizer(proxy)
	if err != nil {
		test.Fatalf("synchronizer init failed: %v", err)
	}
	account := funderAccount
	synchronizer.SetAccount(&account)
	synchronizer.SetQueriedBalance(observedAccount, BaseUnitsFromUint64(5))

	if _, err := synchronizer.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh failed: %v", err)
	}
	session := synchronizer.Session()
	if session.BalanceAddress == nil || *session.BalanceAddress != observedAccount {
		test.Fatalf("expected queried address retained, got %+v", session)
	}
	if session.CallerBalance.String() != "12" {
		test.Fatalf("expected refreshed queried balance 12, got %s", session.CallerBalance.String())
	}
	if session.IsOwner {
		test.Fatalf("expected non-owner session")
	}
}

func TestNewSynchronizerRequiresProxy(test *testing.T) {
	test.Parallel()
	if _, err := NewSynchronizer(nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
