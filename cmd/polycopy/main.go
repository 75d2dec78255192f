package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiiliketocode/polycopy/config"
	"github.com/hiiliketocode/polycopy/internal/adapters/polymarket"
	"github.com/hiiliketocode/polycopy/internal/adapters/storage"
	"github.com/hiiliketocode/polycopy/internal/application/executor"
	"github.com/hiiliketocode/polycopy/internal/application/ledger"
	"github.com/hiiliketocode/polycopy/internal/application/reconciler"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
	"github.com/hiiliketocode/polycopy/internal/application/settlement"
	"github.com/hiiliketocode/polycopy/internal/domain"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one execute+reconcile+settle cycle and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")

	report := flag.Bool("report", false, "print the operator report and exit")
	pauseID := flag.String("pause", "", "pause a strategy by id and exit")
	resumeID := flag.String("resume", "", "resume a paused strategy by id and exit")
	breakerID := flag.String("resume-breaker", "", "manually re-arm a tripped circuit breaker and exit")
	applyPreset := flag.String("apply-preset", "", "STRATEGY:PRESET — apply a named risk preset and exit")
	forceReconcile := flag.Bool("reconcile", false, "run one reconciliation pass and exit")
	importFile := flag.String("import-signals", "", "append signals from a JSON file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seedStrategies(ctx, cfg, store); err != nil {
		slog.Error("failed to seed strategies", "err", err)
		os.Exit(1)
	}

	led := ledger.New(store)
	rm := risk.New(store, store)

	// Operaciones de operador: corren contra el storage y salen.
	switch {
	case *report:
		runReport(ctx, cfg, store)
		return
	case *pauseID != "":
		exitOnErr("pause", rm.Pause(ctx, *pauseID))
		slog.Info("strategy paused", "strategy", *pauseID)
		return
	case *resumeID != "":
		exitOnErr("resume", rm.Resume(ctx, *resumeID))
		slog.Info("strategy resumed", "strategy", *resumeID)
		return
	case *breakerID != "":
		exitOnErr("resume-breaker", rm.ResumeBreaker(ctx, *breakerID))
		slog.Info("circuit breaker re-armed", "strategy", *breakerID)
		return
	case *applyPreset != "":
		runApplyPreset(ctx, cfg, rm, *applyPreset)
		return
	case *importFile != "":
		runImportSignals(ctx, store, *importFile)
		return
	}

	// Todo lo demás habla con el venue y necesita la clave de firma.
	if cfg.Venue.PrivateKey == "" {
		slog.Error("POLYGON_PRIVATE_KEY is required to trade — set it in the environment or .env")
		os.Exit(1)
	}

	auth, err := polymarket.NewAuthClient(cfg.Venue.CLOBBase, cfg.Venue.PrivateKey)
	if err != nil {
		slog.Error("failed to create auth client", "err", err)
		os.Exit(1)
	}
	gateway := polymarket.NewOrderGateway(auth)
	markets := polymarket.NewMarketCache(polymarket.NewClient(cfg.Venue.CLOBBase), cfg.MarketTTL())

	exec := executor.New(store, store, store, markets, gateway, led, rm, executor.Config{
		SignalWindow:   cfg.SignalWindow(),
		MaxParallel:    cfg.Executor.MaxParallel,
		ResolveRetries: cfg.Executor.ResolveRetries,
		ResolveBackoff: cfg.ResolveBackoff(),
		PriceStaleness: cfg.PriceStaleness(),
	})
	rec := reconciler.New(store, store, gateway, markets, led, rm, reconciler.Config{
		BatchLimit:    cfg.Reconciler.BatchLimit,
		CancelFeeRate: cfg.Settlement.CancelFeeRate,
	})
	settler := settlement.New(store, store, markets, led, rm)

	if *forceReconcile {
		sum, err := rec.RunOnce(ctx)
		exitOnErr("reconcile", err)
		slog.Info("reconcile complete",
			"polled", sum.Polled, "fills", sum.Fills, "cancelled", sum.Cancelled,
			"drift", sum.Drift, "matured", sum.Matured, "errors", sum.Errors)
		return
	}

	slog.Info("polycopy starting",
		"config", *configPath,
		"strategies", len(cfg.Strategies),
		"executor_interval", cfg.ExecutorInterval(),
		"reconciler_interval", cfg.ReconcilerInterval(),
		"settlement_interval", cfg.SettlementInterval(),
		"address", auth.Address(),
		"once", *once,
	)

	if *once {
		runCycle(ctx, exec, rec, settler)
		return
	}

	// Hot-reload de presets de riesgo al cambiar el archivo de config.
	go func() {
		err := config.Watch(ctx, *configPath, func(newCfg *config.Config) {
			applyReloadedPresets(ctx, newCfg, rm)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "err", err)
		}
	}()

	runLoop(ctx, cfg, exec, rec, settler)
	slog.Info("polycopy stopped cleanly")
}

// runLoop es el bucle principal: tres jobs en tickers independientes, más un
// chequeo periódico del archivo STOP para apagados sin señal.
func runLoop(ctx context.Context, cfg *config.Config, exec *executor.Executor, rec *reconciler.Reconciler, settler *settlement.Settler) {
	const stopFile = "STOP"

	execTick := time.NewTicker(cfg.ExecutorInterval())
	defer execTick.Stop()
	recTick := time.NewTicker(cfg.ReconcilerInterval())
	defer recTick.Stop()
	setTick := time.NewTicker(cfg.SettlementInterval())
	defer setTick.Stop()
	stopTick := time.NewTicker(10 * time.Second)
	defer stopTick.Stop()

	slog.Info("trading started — press Ctrl+C or create STOP file to exit")

	// Primer ciclo inmediato: no esperar un tick entero para empezar.
	runCycle(ctx, exec, rec, settler)

	for {
		select {
		case <-ctx.Done():
			slog.Info("trading stopped (signal)")
			return
		case <-stopTick.C:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info("STOP file detected — shutting down")
				os.Remove(stopFile)
				return
			}
		case <-execTick.C:
			runExecutor(ctx, exec)
		case <-recTick.C:
			runReconciler(ctx, rec)
		case <-setTick.C:
			runSettlement(ctx, settler)
		}
	}
}

func runCycle(ctx context.Context, exec *executor.Executor, rec *reconciler.Reconciler, settler *settlement.Settler) {
	runExecutor(ctx, exec)
	runReconciler(ctx, rec)
	runSettlement(ctx, settler)
}

func runExecutor(ctx context.Context, exec *executor.Executor) {
	res, err := exec.RunOnce(ctx)
	if err != nil {
		slog.Error("executor cycle failed", "err", err)
		return
	}
	slog.Info("executor: cycle complete", "strategies", len(res.Reports), "placed", res.Placed())
}

func runReconciler(ctx context.Context, rec *reconciler.Reconciler) {
	sum, err := rec.RunOnce(ctx)
	if err != nil {
		slog.Error("reconciler cycle failed", "err", err)
		return
	}
	slog.Info("reconciler: cycle complete",
		"polled", sum.Polled,
		"fills", sum.Fills,
		"cancelled", sum.Cancelled,
		"resolved", sum.Resolved,
		"drift", sum.Drift,
		"matured", sum.Matured,
		"errors", sum.Errors,
	)
}

func runSettlement(ctx context.Context, settler *settlement.Settler) {
	sum, err := settler.RunOnce(ctx)
	if err != nil {
		slog.Error("settlement cycle failed", "err", err)
		return
	}
	if sum.MarketsSettled > 0 || sum.Errors > 0 {
		slog.Info("settlement: cycle complete",
			"markets_checked", sum.MarketsChecked,
			"markets_settled", sum.MarketsSettled,
			"orders_settled", sum.OrdersSettled,
			"won", sum.Won,
			"lost", sum.Lost,
			"pnl", sum.RealizedPnL,
			"errors", sum.Errors,
		)
	}
}

// seedStrategies crea en el storage las estrategias declaradas en el YAML
// que aún no existen. Las existentes no se tocan: su ledger ya es la verdad.
func seedStrategies(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) error {
	for _, sc := range cfg.Strategies {
		_, err := store.GetStrategy(ctx, sc.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrStrategyNotFound) {
			return err
		}

		preset, err := cfg.PresetFor(sc)
		if err != nil {
			return err
		}
		policy := domain.PolicyIOC
		if sc.OrderPolicy == "REST" {
			policy = domain.PolicyRest
		}
		now := time.Now().UTC()
		s := domain.Strategy{
			ID:                sc.ID,
			Account:           sc.Account,
			Name:              sc.Name,
			InitialCapital:    sc.InitialCapital,
			AvailableCash:     sc.InitialCapital,
			PeakEquity:        sc.InitialCapital,
			Risk:              riskFromPreset(preset),
			Active:            true,
			Policy:            policy,
			SlippageTolerance: sc.SlippageTolerance,
			CreatedAt:         now,
		}
		if err := store.SaveStrategy(ctx, s); err != nil {
			return err
		}
		slog.Info("strategy seeded", "strategy", s.ID, "capital", s.InitialCapital, "policy", string(s.Policy))
	}
	return nil
}

func riskFromPreset(p config.RiskPreset) domain.RiskConfig {
	return domain.RiskConfig{
		MaxDrawdownPct:         p.MaxDrawdownPct,
		MaxDailyLoss:           p.MaxDailyLoss,
		MaxPositionSize:        p.MaxPositionSize,
		MaxExposure:            p.MaxExposure,
		MaxConcurrentPositions: p.MaxConcurrentPositions,
		Cooldown:               p.Cooldown(),
	}
}

// applyReloadedPresets empuja los límites recargados a cada estrategia
// declarada en el nuevo YAML. Solo cambia límites: nunca pausa, nunca
// re-arma breakers.
func applyReloadedPresets(ctx context.Context, cfg *config.Config, rm *risk.Manager) {
	for _, sc := range cfg.Strategies {
		preset, err := cfg.PresetFor(sc)
		if err != nil {
			slog.Warn("reload: skipping strategy", "strategy", sc.ID, "err", err)
			continue
		}
		if err := rm.ApplyRiskConfig(ctx, sc.ID, riskFromPreset(preset)); err != nil {
			slog.Warn("reload: failed to apply preset", "strategy", sc.ID, "err", err)
			continue
		}
		slog.Info("reload: risk preset applied", "strategy", sc.ID, "preset", sc.RiskPreset)
	}
}

func exitOnErr(op string, err error) {
	if err != nil {
		slog.Error(op+" failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
