package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeledger/internal/broker"
	"tradeledger/internal/config"
	"tradeledger/internal/engine"
	"tradeledger/internal/httpapi"
	"tradeledger/internal/store"
	"tradeledger/internal/util"
)

func main() {
	cfgPath := "config/tradeledger.yaml"
	if p := os.Getenv("TRADELEDGER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer db.Close()

	var journal engine.TradeJournal
	if cfg.Storage.JournalDir != "" {
		journal = store.NewParquetJournal(cfg.Storage.JournalDir)
	}

	var bk broker.Broker
	if cfg.Trading.PaperMode {
		bk = broker.NewSimulatorBroker()
	} else {
		bk = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL)
	}
	logger.Info("broker configured", "broker", bk.Name(), "paper_mode", cfg.Trading.PaperMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	book := engine.NewPositionBook(db, db, journal, logger)
	if err := book.Load(ctx); err != nil {
		log.Fatalf("loading positions: %v", err)
	}

	t := cfg.Trading
	risk := engine.NewRiskMonitor(engine.RiskConfig{
		MaxDailyLossPct:  t.MaxDailyLossPct,
		MaxDrawdownPct:   t.MaxDrawdownPct,
		MaxOpenPositions: t.MaxOpenPositions,
		WarnThresholdPct: t.WarnThresholdPct,
		Interval:         t.RiskInterval,
		ConfirmPhrase:    t.KillSwitchPhrase,
	}, bk, book, logger)

	validator := engine.NewValidator(engine.ValidatorConfig{
		EstimatedFeePct:  t.EstimatedFeePct,
		MaxOpenPositions: t.MaxOpenPositions,
		MaxRiskPerTrade:  t.MaxRiskPerTrade,
		MaxDailyLossPct:  t.MaxDailyLossPct,
		RequireStopLoss:  t.RequireStopLoss,
		MinRewardRisk:    t.MinRewardRisk,
		PriceBandPct:     t.PriceBandPct,
		MinOrderQty:      t.MinOrderQty,
		MaxOrderQty:      t.MaxOrderQty,
	})

	limiter := util.NewRateLimiter(t.BrokerRateLimitPerMin)
	eng := engine.NewEngine(engine.EngineConfig{
		MonitorInterval: t.MonitorInterval,
	}, bk, db, book, validator, risk, limiter, logger)
	if err := eng.Restore(ctx); err != nil {
		log.Fatalf("restoring orders: %v", err)
	}

	recon := engine.NewReconciler(t.ReconcileInterval, bk, book, db, logger)

	go eng.Run(ctx)
	go risk.Run(ctx)
	go recon.Run(ctx)

	api := httpapi.NewServer(eng, book, risk, recon, db, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	go func() {
		logger.Info("http api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}
