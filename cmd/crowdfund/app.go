package main

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/ethproxy"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/journal"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/metrics"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/wallet"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// application holds the wired client for one command invocation.
type application struct {
	cfg          *runtimeConfig
	logger       *zap.Logger
	rpcClient    *ethclient.Client
	provider     *wallet.Provider
	synchronizer *crowdfund.Synchronizer
	orchestrator *crowdfund.Orchestrator
	journal      *journal.Store
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	closers      []func()
}

func newApplication(ctx context.Context, cfg *runtimeConfig) (*application, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &application{cfg: cfg, logger: logger}
	app.closers = append(app.closers, func() { _ = logger.Sync() })

	if err := app.wire(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context) error {
	rpcClient, err := ethclient.DialContext(ctx, app.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("rpc dial: %w", err)
	}
	app.rpcClient = rpcClient
	app.closers = append(app.closers, rpcClient.Close)

	proxyOptions := []ethproxy.Option{
		ethproxy.WithConfirmations(app.cfg.Confirmations),
		ethproxy.WithPollInterval(app.cfg.PollInterval),
		ethproxy.WithLogger(app.logger),
	}
	if app.cfg.ContractAddress != nil {
		proxyOptions = append(proxyOptions, ethproxy.WithContractAddress(*app.cfg.ContractAddress))
	}
	proxy, err := ethproxy.New(rpcClient, proxyOptions...)
	if err != nil {
		return fmt.Errorf("contract proxy init: %w", err)
	}

	signers, err := app.loadSigners()
	if err != nil {
		return err
	}
	provider, err := wallet.NewProvider(app.logger, signers...)
	if err != nil {
		return fmt.Errorf("wallet init: %w", err)
	}
	app.provider = provider

	app.registry = prometheus.NewRegistry()
	app.metrics = metrics.New(app.registry)
	loggers := journal.Fanout{journal.NewZapLogger(app.logger), app.metrics}
	if app.cfg.JournalURL != "" {
		db, cleanup, err := journal.Open(ctx, app.cfg.JournalURL)
		if err != nil {
			return fmt.Errorf("journal open: %w", err)
		}
		app.closers = append(app.closers, func() { _ = cleanup() })
		store := journal.New(db, journal.WithLogger(app.logger))
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		app.journal = store
		loggers = append(loggers, store)
	}

	notifier := crowdfund.NewNotifier()
	if err := notifier.OnSnapshotChanged(app.metrics.ObserveSnapshot); err != nil {
		return fmt.Errorf("subscribe snapshot gauges: %w", err)
	}
	synchronizer, err := crowdfund.NewSynchronizer(proxy,
		crowdfund.WithNotifier(notifier),
		crowdfund.WithOperationLogger(loggers),
	)
	if err != nil {
		return err
	}
	orchestrator, err := crowdfund.NewOrchestrator(proxy, synchronizer, crowdfund.WithOperationLogger(loggers))
	if err != nil {
		return err
	}
	app.synchronizer = synchronizer
	app.orchestrator = orchestrator
	return nil
}

func (app *application) loadSigners() ([]*wallet.KeySigner, error) {
	if app.cfg.KeystoreFile != "" {
		signer, err := wallet.NewKeySignerFromKeystore(app.cfg.KeystoreFile, app.cfg.KeystorePassword)
		if err != nil {
			return nil, err
		}
		return []*wallet.KeySigner{signer}, nil
	}
	signers := make([]*wallet.KeySigner, 0, len(app.cfg.PrivateKeys))
	for index, rawKey := range app.cfg.PrivateKeys {
		signer, err := wallet.NewKeySignerFromHex(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%s #%d: %w", flagPrivateKey, index+1, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// connect binds the configured signer, or only loads the snapshot when none is configured.
func (app *application) connect(ctx context.Context, requireSigner bool) error {
	if !app.cfg.hasSigner() {
		if requireSigner {
			return fmt.Errorf("%w: set --%s or --%s", crowdfund.ErrNotConnected, flagPrivateKey, flagKeystoreFile)
		}
		_, err := app.orchestrator.Refresh(ctx)
		return err
	}
	outcome, err := app.orchestrator.Connect(ctx, app.provider)
	if err != nil {
		return fmt.Errorf("%s: %w", outcome.Message, err)
	}
	if outcome.RefreshErr != nil {
		app.logger.Warn("initial refresh failed", zap.Error(outcome.RefreshErr))
	}
	return nil
}

func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		app.closers[index]()
	}
}
