package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hiiliketocode/polycopy/config"
	"github.com/hiiliketocode/polycopy/internal/adapters/notify"
	"github.com/hiiliketocode/polycopy/internal/adapters/onchain"
	"github.com/hiiliketocode/polycopy/internal/adapters/storage"
	"github.com/hiiliketocode/polycopy/internal/application/risk"
)

const recentOrderLimit = 10

// runReport imprime el snapshot de operador: ledger por estrategia, órdenes
// abiertas, historial reciente, dailies y, si hay RPC configurado, el balance
// USDC on-chain para contrastar contabilidad con custodia.
func runReport(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) {
	strategies, err := store.GetStrategies(ctx, false)
	if err != nil {
		slog.Error("report: failed to load strategies", "err", err)
		os.Exit(1)
	}

	r := notify.Report{
		GeneratedAt: time.Now().UTC(),
		WalletUSDC:  -1,
	}

	if cfg.Chain.RPCURL != "" && cfg.Chain.Account != "" {
		if br, err := onchain.NewBalanceReader(cfg.Chain.RPCURL, cfg.Chain.Account); err != nil {
			slog.Warn("report: on-chain balance unavailable", "err", err)
		} else {
			defer br.Close()
			if bal, err := br.USDCBalance(ctx); err != nil {
				slog.Warn("report: on-chain balance unavailable", "err", err)
			} else {
				r.WalletUSDC = bal
			}
		}
	}

	for _, s := range strategies {
		sr := notify.StrategyReport{Strategy: s}
		if sr.OpenOrders, err = store.GetOpenOrdersByStrategy(ctx, s.ID); err != nil {
			slog.Warn("report: open orders unavailable", "strategy", s.ID, "err", err)
		}
		if sr.Recent, err = store.GetOrdersByStrategy(ctx, s.ID, recentOrderLimit); err != nil {
			slog.Warn("report: order history unavailable", "strategy", s.ID, "err", err)
		}
		if sr.Dailies, err = store.GetDailySummaries(ctx, s.ID); err != nil {
			slog.Warn("report: dailies unavailable", "strategy", s.ID, "err", err)
		}
		r.Strategies = append(r.Strategies, sr)
	}

	notify.NewConsole().PrintReport(r)
}

// runApplyPreset aplica un preset de riesgo con nombre a una estrategia.
// Formato del argumento: STRATEGY:PRESET.
func runApplyPreset(ctx context.Context, cfg *config.Config, rm *risk.Manager, arg string) {
	strategyID, presetName, ok := strings.Cut(arg, ":")
	if !ok || strategyID == "" || presetName == "" {
		slog.Error("apply-preset: argument must be STRATEGY:PRESET", "got", arg)
		os.Exit(1)
	}

	preset, exists := cfg.Risk.Presets[presetName]
	if !exists {
		slog.Error("apply-preset: unknown preset", "preset", presetName)
		os.Exit(1)
	}

	exitOnErr("apply-preset", rm.ApplyRiskConfig(ctx, strategyID, riskFromPreset(preset)))
	slog.Info("risk preset applied", "strategy", strategyID, "preset", presetName)
}

// runImportSignals hace backfill del feed de señales desde un export JSON.
func runImportSignals(ctx context.Context, store *storage.SQLiteStorage, path string) {
	n, err := store.ImportSignals(ctx, path)
	exitOnErr("import-signals", err)
	slog.Info("signals imported", "file", path, "count", n)
}
