package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradepipeline/internal/backtest"
	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	cronrunner "tradepipeline/internal/cron"
	"tradepipeline/internal/db"
	"tradepipeline/internal/exchange"
	"tradepipeline/internal/execution"
	"tradepipeline/internal/handler"
	"tradepipeline/internal/logger"
	"tradepipeline/internal/marketdata"
	"tradepipeline/internal/memory"
	"tradepipeline/internal/models"
	"tradepipeline/internal/notify"
	"tradepipeline/internal/orchestrator"
	"tradepipeline/internal/repository"
	gormrepository "tradepipeline/internal/repository/gorm"
	"tradepipeline/internal/retry"
	"tradepipeline/internal/risk"
	"tradepipeline/internal/strategy"

	_ "tradepipeline/docs"
)

// venue is what the pipeline needs from an exchange: order placement plus candles.
type venue interface {
	exchange.Client
	exchange.CandleSource
}

func main() {
	cfgPath := os.Getenv("TP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(cfg.DB, log)
	defer closeStore()

	notifier := initNotifier(cfg.Notify, cfg.Exchange.Retry, log)

	breakers := breaker.NewRegistry(cfg.Pipeline.Breaker, logger.Named(log, "breaker"))
	breakers.Events = store
	alerters := breaker.MultiAlerter{breaker.LogAlerter{Logger: logger.Named(log, "alert")}}
	if notifier != nil {
		alerters = append(alerters, notifier)
	}
	breakers.Alerts = breaker.NewAlertDeduper(alerters, cfg.Pipeline.Breaker.AlertCooldown)

	client, err := buildVenue(cfg.Exchange)
	if err != nil {
		log.Fatal("exchange setup failed", zap.Error(err))
	}

	account := execution.NewAccount(models.Portfolio{})
	gateway := execution.NewGateway(cfg.Pipeline.Execution, client, breakers, account, logger.Named(log, "execution"))
	gateway.Ledger = store
	gateway.Alerts = breakers
	syncCtx, cancelSync := context.WithTimeout(ctx, cfg.Exchange.Timeout)
	if err := gateway.SyncAccount(syncCtx); err != nil {
		log.Warn("initial account sync failed (continuing)", zap.Error(err))
	}
	cancelSync()

	provider := marketdata.NewExchangeProvider(
		client,
		account,
		cfg.Exchange.CandleLimit,
		cfg.Pipeline.Backtest.MinCandles,
		retry.FromConfig(cfg.Exchange.Retry, exchange.IsRetryable),
		logger.Named(log, "marketdata"),
	)
	provider.Limiter = gateway.Limiter()
	provider.LimiterClass = execution.ClassInfo

	maxCandidates := cfg.Pipeline.Backtest.MaxCandidates
	var proposer strategy.Proposer
	if cfg.Proposer.Enabled {
		proposer = strategy.NewRemoteProposer(cfg.Proposer, strings.TrimSpace(os.Getenv(cfg.Proposer.APIKeyEnv)), logger.Named(log, "proposer"))
	}

	orch := orchestrator.New(cfg.Pipeline.Cycle, maxCandidates, orchestrator.Deps{
		Market:     provider,
		Proposer:   proposer,
		Memory:     memory.NewRecent(cfg.Pipeline.Cycle.PatternMemory),
		Backtester: backtest.NewEngine(cfg.Pipeline.Backtest, logger.Named(log, "backtest")),
		Scorer:     strategy.NewScorer(cfg.Pipeline.Scorer),
		Risk:       risk.NewGate(cfg.Pipeline.Risk, breakers, logger.Named(log, "risk")),
		Executor:   gateway,
		Account:    account,
		Breakers:   breakers,
		Traces:     store,
		Stream:     orchestrator.NewBroadcaster(32),
		Logger:     logger.Named(log, "orchestrator"),
	})

	runner := cronrunner.New(log, ctx)
	scheduleMaintenance(runner, cfg, store, gateway, log)
	if err := orch.Start(ctx, runner); err != nil {
		log.Fatal("orchestrator start failed", zap.Error(err))
	}
	defer orch.Stop()

	engine := handler.NewRouter(handler.RouterOptions{
		Debug:          strings.EqualFold(cfg.App.Env, "dev"),
		APIToken:       cfg.Server.APIToken,
		OriginPatterns: cfg.Server.OriginPatterns,
		Repo:           store,
		Breakers:       breakers,
		Stream:         orch.Stream,
		Halted:         orch.Halted,
		ResumeTrading:  orch.ResumeTrading,
		Audit:          notifier,
		Logger:         logger.Named(log, "http"),
	})

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := breakers.Flush(shutdownCtx); err != nil {
		log.Warn("pending alerts not delivered", zap.Error(err))
	}
}

// openStore uses postgres when a DSN is configured and the in-memory store otherwise.
func openStore(cfg config.DBConfig, log *zap.Logger) (repository.Repository, func()) {
	if strings.TrimSpace(cfg.DSN) == "" {
		log.Warn("db.dsn is empty, traces and orders are kept in memory")
		return repository.NewMemoryStore(), func() {}
	}
	dbConn, err := db.Open(cfg, log)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	if err := db.SetTimezone(dbConn, cfg.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		log.Fatal("auto-migrate failed", zap.Error(err))
	}
	return gormrepository.New(dbConn.Gorm), func() { _ = db.Close(dbConn) }
}

func buildVenue(cfg config.ExchangeConfig) (venue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "paper":
		return exchange.NewPaperExchange(cfg.PaperBalance, nil), nil
	case "rest", "live":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("exchange.base_url is required in rest mode")
		}
		return exchange.NewRESTClient(&http.Client{Timeout: cfg.Timeout}, cfg.BaseURL, exchange.Auth{
			APIKeyHeader: cfg.APIKeyHeader,
			APIKey:       strings.TrimSpace(os.Getenv(cfg.APIKeyEnv)),
			APISecret:    strings.TrimSpace(os.Getenv(cfg.APISecretEnv)),
			SignRequests: cfg.SignRequests,
		}), nil
	default:
		return nil, errors.New("exchange.mode must be paper, rest or live")
	}
}

func initNotifier(cfg config.NotifyConfig, retryCfg config.RetryConfig, log *zap.Logger) *notify.Notifier {
	if !cfg.Enabled {
		return nil
	}
	base := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	if base == "" || apiKey == "" {
		log.Warn("notify enabled without base url or api key (alerts stay local)")
		return nil
	}

	client := &notify.Client{BaseURL: base, APIKey: apiKey, HTTP: &http.Client{Timeout: cfg.Timeout}}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Login(ctx); err != nil {
		log.Warn("notify login failed (alerts stay local)", zap.Error(err))
		return nil
	}
	log.Info("notify login ok")
	return notify.NewNotifier(client, cfg.Agent, retry.FromConfig(retryCfg, notify.IsRetryable), log.Named("notify"))
}

// scheduleMaintenance registers the account refresh and the retention sweep.
func scheduleMaintenance(runner *cronrunner.Runner, cfg config.Config, store repository.Repository, gateway *execution.Gateway, log *zap.Logger) {
	if spec := strings.TrimSpace(cfg.Pipeline.Cycle.AccountSyncInterval); spec != "" {
		_, err := runner.Add(spec, func(ctx context.Context) {
			if err := gateway.SyncAccount(ctx); err != nil {
				log.Warn("account sync failed", zap.Error(err))
			}
		})
		if err != nil {
			log.Warn("cron register account sync failed", zap.Error(err))
		}
	}

	if cfg.DB.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(cfg.DB.RetentionDays) * 24 * time.Hour
	_, err := runner.Add("@every 1h", func(ctx context.Context) {
		before := time.Now().UTC().Add(-retention)
		traces, err := store.DeleteCycleTracesBefore(ctx, before)
		if err != nil {
			log.Warn("trace retention failed", zap.Error(err))
			return
		}
		events, err := store.DeleteBreakerEventsBefore(ctx, before)
		if err != nil {
			log.Warn("breaker event retention failed", zap.Error(err))
			return
		}
		if traces > 0 || events > 0 {
			log.Info("retention sweep",
				zap.Int64("traces", traces),
				zap.Int64("breaker_events", events),
			)
		}
	})
	if err != nil {
		log.Warn("cron register retention failed", zap.Error(err))
	}
}
