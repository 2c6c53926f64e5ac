package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/httpapi"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type commandAction func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error

// runWithApplication wires the client under a signal-aware context.
func runWithApplication(cfg *runtimeConfig, action commandAction) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		app, err := newApplication(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()
		return action(ctx, cmd, app, args)
	}
}

func newStatusCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show campaign progress, time left and your contribution",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			if err := app.connect(ctx, false); err != nil {
				return err
			}
			snapshot, loaded := app.orchestrator.Snapshot()
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(snapshot, loaded, app.orchestrator.Session(), time.Now()))
			return nil
		}),
	}
}

func newFundCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "fund AMOUNT",
		Short: "Contribute AMOUNT ETH to the campaign",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			if err := app.connect(ctx, true); err != nil {
				return err
			}
			outcome, err := app.orchestrator.Fund(ctx, args[0])
			return reportOutcome(cmd, outcome, err)
		}),
	}
}

func newWithdrawCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Withdraw AMOUNT ETH (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			if err := app.connect(ctx, true); err != nil {
				return err
			}
			outcome, err := app.orchestrator.WithdrawSome(ctx, args[0], confirmer(cmd, cfg.AssumeYes))
			return reportOutcome(cmd, outcome, err)
		}),
	}
}

func newWithdrawAllCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw-all",
		Short: "Withdraw every contributed ETH (owner only)",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			if err := app.connect(ctx, true); err != nil {
				return err
			}
			outcome, err := app.orchestrator.WithdrawAll(ctx, confirmer(cmd, cfg.AssumeYes))
			return reportOutcome(cmd, outcome, err)
		}),
	}
}

func newEndCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "Stop accepting contributions (owner only)",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			if err := app.connect(ctx, true); err != nil {
				return err
			}
			outcome, err := app.orchestrator.EndFunding(ctx, confirmer(cmd, cfg.AssumeYes))
			return reportOutcome(cmd, outcome, err)
		}),
	}
}

func newBalanceCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "balance ADDRESS",
		Short: "Show the contribution recorded for ADDRESS",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, args []string) error {
			outcome, err := app.orchestrator.CheckAddress(ctx, args[0])
			return reportOutcome(cmd, outcome, err)
		}),
	}
}

func newHistoryCommand(cfg *runtimeConfig) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled operations, newest first",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(cfg, func(ctx context.Context, cmd *cobra.Command, app *application, _ []string) error {
			if app.journal == nil {
				return fmt.Errorf("%s is required for history", flagJournalURL)
			}
			entries, err := app.journal.Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderHistory(entries))
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, flagHistoryLimit, defaultHistoryLimit, "maximum number of operations to list")
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC facades and follow wallet and chain changes",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(cfg, func(ctx context.Context, _ *cobra.Command, app *application, _ []string) error {
			if err := app.connect(ctx, true); err != nil {
				return err
			}
			return serve(ctx, app)
		}),
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	return cmd
}

func serve(ctx context.Context, app *application) error {
	var history httpapi.History
	var grpcHistory grpcserver.History
	if app.journal != nil {
		history = app.journal
		grpcHistory = app.journal
	}

	listener, err := net.Listen("tcp", app.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(app.logger)))
	grpcserver.Register(grpcServer, grpcserver.NewCrowdfundServiceServer(app.orchestrator, grpcHistory))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, app.cfg.HTTP, httpapi.Dependencies{
			Client:   app.orchestrator,
			History:  history,
			Accounts: app.provider,
			Metrics:  app.metrics,
			Gatherer: app.registry,
			Logger:   app.logger,
		})
	})
	group.Go(func() error {
		app.logger.Info("gRPC server starting", zap.String("listen_addr", app.cfg.GRPCListenAddr))
		serveErr := grpcServer.Serve(listener)
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	})
	group.Go(func() error {
		<-groupCtx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		return ignoreCancel(app.orchestrator.Watch(groupCtx, app.provider.Events()))
	})
	group.Go(func() error {
		return ignoreCancel(app.provider.WatchChain(groupCtx, app.rpcClient, app.cfg.WatchChainInterval))
	})
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportOutcome prints the user-visible status line and returns the failure, if any.
func reportOutcome(cmd *cobra.Command, outcome crowdfund.Outcome, err error) error {
	fmt.Fprintln(cmd.OutOrStdout(), renderOutcome(outcome))
	if outcome.RefreshErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: state refresh failed: %v\n", outcome.RefreshErr)
	}
	if err != nil && errors.Is(err, crowdfund.ErrActionDeclined) {
		return nil
	}
	return err
}

func confirmer(cmd *cobra.Command, assumeYes bool) crowdfund.Confirmation {
	if assumeYes {
		return func(string) bool { return true }
	}
	return func(prompt string) bool {
		return promptConfirmation(cmd.InOrStdin(), cmd.ErrOrStderr(), prompt)
	}
}
