package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/journal"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/metrics"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Client is the crowdfund client surface exposed over HTTP. *crowdfund.Orchestrator satisfies it.
type Client interface {
	Snapshot() (crowdfund.ContractSnapshot, bool)
	Session() crowdfund.Session
	Pending() (crowdfund.PendingOperation, crowdfund.TxPhase)
	LastStatus() crowdfund.OperationStatus
	Refresh(ctx context.Context) (crowdfund.ContractSnapshot, error)
	Fund(ctx context.Context, amount string) (crowdfund.Outcome, error)
	WithdrawSome(ctx context.Context, amount string, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	WithdrawAll(ctx context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	EndFunding(ctx context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error)
	CheckAddress(ctx context.Context, address string) (crowdfund.Outcome, error)
}

// History lists journaled operations.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Accounts switches or drops the wallet's selected account. *wallet.Provider satisfies it.
type Accounts interface {
	SelectAccount(account common.Address) error
	Disconnect()
}

// Dependencies are the collaborators the HTTP facade serves.
type Dependencies struct {
	Client   Client
	History  History
	Accounts Accounts
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Run serves the HTTP facade until ctx ends.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Client == nil {
		return fmt.Errorf("%w: client dependency is nil", crowdfund.ErrInvalidServiceConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	handler := newHandler(cfg, deps, logger)
	router := setupRouter(cfg, handler, sessionValidator, deps.Metrics, deps.Gatherer)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crowdfund http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, collector *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if collector != nil {
		router.Use(collector.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           corsPreflightCacheAge,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	router.GET("/api/snapshot", handler.handleSnapshot)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsContextKey))
	api.POST("/refresh", handler.handleRefresh)
	api.POST("/fund", handler.handleFund)
	api.POST("/withdraw", handler.handleWithdraw)
	api.POST("/withdraw-all", handler.handleWithdrawAll)
	api.POST("/end", handler.handleEndFunding)
	api.POST("/balance", handler.handleCheckAddress)
	api.GET("/operations", handler.handleOperations)
	api.POST("/account", handler.handleSelectAccount)
	api.POST("/disconnect", handler.handleDisconnect)

	return router
}
