// grvt-transfer keeps a hedged GRVT account pair solvent and balanced.
//
// `grvt-transfer run` starts the rebalance loop and the Telegram bot and
// runs until SIGINT/SIGTERM. Configuration comes from config/<env>/ YAML
// files plus environment overrides; GRVT_ENV selects prod or test.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/bot"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
	"github.com/lumaoDoggie/grvt-transfer/internal/journal"
	"github.com/lumaoDoggie/grvt-transfer/internal/rebalance"
	"github.com/lumaoDoggie/grvt-transfer/internal/runner"
	"github.com/lumaoDoggie/grvt-transfer/internal/signer"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/unwind"
)

const version = "2.3.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(runLoop())
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: grvt-transfer run")
}

func runLoop() int {
	config.LoadEnvFiles()

	cfg, err := config.Load("")
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return 1
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("env", cfg.Env).
		Str("trigger", cfg.TriggerValue.String()).
		Bool("unwind_enabled", cfg.Unwind.Enabled).
		Msg("grvt-transfer starting")

	bus := snapshot.New()
	sink := alerts.New(cfg.StateDir, nil)

	jr, err := journal.Open(cfg.StateDir)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable, continuing without history")
		jr = nil
	}

	accountA, uwA, err := buildAccount(cfg.AccountA, cfg.Env, sink)
	if err != nil {
		log.Error().Err(err).Msg("account A setup failed")
		return 1
	}
	accountB, uwB, err := buildAccount(cfg.AccountB, cfg.Env, sink)
	if err != nil {
		log.Error().Err(err).Msg("account B setup failed")
		return 1
	}

	engine := rebalance.New(cfg, accountA, accountB, bus, sink, jr)
	unwinder := unwind.New(cfg.Unwind, bus, sink, jr)
	engine.SetUnwindFunc(func(ctx context.Context, obsA, obsB grvt.AccountSummary) {
		res := unwinder.CheckAndUnwind(ctx, uwA, uwB, obsA, obsB, cfg.Unwind.DryRun)
		if res.Action == "completed" {
			log.Info().
				Int("iterations", res.Iterations).
				Int("successful", res.Successful).
				Int("failed", res.Failed).
				Msg("unwind finished")
		}
	})

	var sup runner.BotSupervisor
	if cfg.TelegramToken != "" {
		s, err := bot.NewSupervisor(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, alerts are log-only")
		} else {
			sink.SetNotifier(s)
			sup = s
		}
	} else {
		log.Warn().Msg("no telegram token configured, alerts are log-only")
	}

	r := runner.New(cfg, engine, sup, sink)
	if err := r.Start(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	r.Stop(10 * time.Second)
	return 0
}

// buildAccount wires one account's clients and signers for both engines.
func buildAccount(creds config.AccountCreds, env string, sink *alerts.Sink) (*rebalance.Account, unwind.Account, error) {
	warn := func(op string, err error) {
		sink.Warning(map[string]any{
			"account":           creds.Label,
			op + "_error":       err.Error(),
			"retries_exhausted": true,
		})
	}

	tradingKey := creds.TradingKey
	if tradingKey == "" {
		tradingKey = creds.FundingKey
	}
	fundingAccountID := creds.AccountID
	if fundingAccountID == "" {
		fundingAccountID = creds.TradingSubID
	}

	trading := grvt.NewClient(grvt.Options{
		Env:                env,
		APIKey:             tradingKey,
		AccountID:          creds.TradingSubID,
		OnRetriesExhausted: warn,
	})
	funding := grvt.NewClient(grvt.Options{
		Env:                env,
		APIKey:             creds.FundingKey,
		AccountID:          fundingAccountID,
		OnRetriesExhausted: warn,
	})

	tradingSigner, err := signer.New(creds.TradingSecret, creds.ChainID)
	if err != nil {
		return nil, unwind.Account{}, fmt.Errorf("trading key: %w", err)
	}
	fundingSigner, err := signer.New(creds.FundingSecret, creds.ChainID)
	if err != nil {
		return nil, unwind.Account{}, fmt.Errorf("funding key: %w", err)
	}

	acct := &rebalance.Account{
		Creds:         creds,
		Trading:       trading,
		Funding:       funding,
		TradingSigner: tradingSigner,
		FundingSigner: fundingSigner,
	}
	uw := unwind.Account{
		Label:    creds.Label,
		SubID:    creds.TradingSubID,
		Exchange: trading,
		Signer:   tradingSigner,
	}
	return acct, uw, nil
}
