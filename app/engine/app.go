// Package engine wires the settlement engine together: store, ledger
// client, outgoing executor, incoming watcher, the HTTP surface, and the
// cron scheduler that drives both polling loops.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/meridian-pay/settlex/app/engine/controller"
	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/logging"
	"github.com/meridian-pay/settlex/pkg/retry"
	"github.com/meridian-pay/settlex/pkg/settlement"
	"github.com/meridian-pay/settlex/pkg/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// simFunding is the sim ledger's starting balance (one million units at
// scale 18), enough for any local scenario.
var simFunding, _ = new(big.Int).SetString("1000000000000000000000000", 10)

// App is the running settlement engine.
type App struct {
	Config Config

	Store  store.Store
	Ledger ledger.Client

	Executor *settlement.Executor
	Watcher  *settlement.Watcher

	// Cron drives the two polling loops: confirmation checks for outgoing
	// settlements and block scans for incoming ones.
	Cron *cron.Cron

	Logger *zap.Logger
	Server *http.Server
}

// Initialize builds the App from the environment. Unrecoverable problems
// (store unreachable, invalid key material) exit non-zero via logger.Fatal.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg := ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	var st store.Store
	switch cfg.StoreMode {
	case "memory":
		st = store.NewMemory()
		logger.Warn("using in-memory store; state will not survive a restart")
	default:
		st, err = store.NewRedis(ctx, logger)
		if err != nil {
			logger.Fatal("unable to initialize store", zap.Error(err))
		}
	}

	var lc ledger.Client
	switch cfg.LedgerMode {
	case "sim":
		lc = ledger.NewSim("0x00000000000000000000000000000000DeaDBeef", simFunding)
		logger.Warn("using simulated ledger; no real value moves")
	default:
		lc, err = ledger.NewEthClient(ctx, cfg.EthEndpoint, cfg.EthKey, cfg.EthChainID, logger)
		if err != nil {
			logger.Fatal("unable to initialize ledger client", zap.Error(err))
		}
	}

	notifier := settlement.NewNotifier(cfg.ConnectorURL, cfg.ConnectorToken, logger)

	submitRetry := retry.DefaultConfig()
	if cfg.SubmitMaxAttempts > 0 {
		submitRetry.MaxAttempts = cfg.SubmitMaxAttempts
	}

	app := &App{
		Config:   cfg,
		Store:    st,
		Ledger:   lc,
		Executor: settlement.NewExecutor(st, lc, logger, cfg.AssetScale, cfg.Confirmations, submitRetry),
		Watcher:  settlement.NewWatcher(st, lc, notifier, logger, cfg.AssetScale, cfg.NotifyScale, cfg.Confirmations, cfg.WatchBatch),
		Logger:   logger,
	}

	if err := app.SetupScheduler(ctx); err != nil {
		return nil, err
	}

	return app, nil
}

// SetupServer builds the HTTP server around the controller's router.
func (a *App) SetupServer() {
	ctler := controller.NewController(a.Store, a.Ledger, a.Executor, a.Logger, a.Config.EngineToken)

	a.Server = &http.Server{Addr: a.Config.Addr, Handler: ctler.NewRouter()}
}

// SetupScheduler registers the two polling entries. SkipIfStillRunning
// keeps a slow ledger node from stacking overlapping cycles.
func (a *App) SetupScheduler(ctx context.Context) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	spec := fmt.Sprintf("@every %s", a.Config.PollInterval)

	if _, err := a.Cron.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, a.Config.PollInterval*4)
		defer cancel()
		if err := a.Executor.CheckConfirmations(rctx); err != nil {
			a.Logger.Warn("confirmation cycle failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := a.Cron.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, a.Config.PollInterval*4)
		defer cancel()
		if err := a.Watcher.Cycle(rctx); err != nil {
			a.Logger.Warn("watch cycle failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	return nil
}

// StartCron starts the scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("polling started",
		zap.Duration("interval", a.Config.PollInterval),
		zap.Uint64("confirmations", a.Config.Confirmations))
}

// StopCron stops the scheduler and waits for in-flight cycles.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Start(ctx context.Context) {
	a.Logger.Info("settlement engine listening", zap.String("addr", a.Config.Addr))
	go func() { _ = a.Server.ListenAndServe() }()

	<-ctx.Done()
	a.Logger.Info("shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	a.StopCron()
	a.Executor.Close()
	_ = a.Ledger.Close()
	_ = a.Store.Close()
	a.Logger.Info("goodbye")
}
