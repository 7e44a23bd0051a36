// Package runner drives the rebalance loop and owns the bot lifecycle.
//
// Start publishes runtime settings, brings up the Telegram supervisor and
// ticks the rebalance engine on the configured interval until a stop is
// requested. A tick that panics is logged and alerted, never fatal: the
// loop's job is to keep running unattended.
package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/rebalance"
)

// Rebalancer is one tick of the rebalance engine.
type Rebalancer interface {
	RebalanceOnce(ctx context.Context, trigger decimal.Decimal) rebalance.Result
}

// BotSupervisor is the bot lifecycle as the runner sees it.
type BotSupervisor interface {
	Start() error
	Stop()
}

// Runner is the long-lived control loop.
type Runner struct {
	cfg    *config.Config
	engine Rebalancer
	bot    BotSupervisor // may be nil when no token is configured
	sink   *alerts.Sink

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a runner. bot may be nil.
func New(cfg *config.Config, engine Rebalancer, bot BotSupervisor, sink *alerts.Sink) *Runner {
	return &Runner{cfg: cfg, engine: engine, bot: bot, sink: sink}
}

// Start publishes runtime settings, starts the bot and launches the loop.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runner already started")
	}

	r.writeRuntimeSettings(true)

	if r.bot != nil {
		if err := r.bot.Start(); err != nil {
			log.Warn().Err(err).Msg("bot supervisor failed to start, continuing without it")
		}
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.started = true
	go r.run(r.stop, r.done)

	log.Info().
		Int("pid", os.Getpid()).
		Str("trigger", r.cfg.TriggerValue.String()).
		Int("interval_sec", r.cfg.RebalanceIntervalSec).
		Msg("rebalance loop started")
	return nil
}

// RequestStop signals the loop to stop without waiting.
func (r *Runner) RequestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Stop requests a stop, waits up to timeout for the loop to drain, then
// stops the bot and marks the runtime settings stopped. A loop stuck in a
// long exchange call is abandoned; its HTTP timeouts bound it anyway.
func (r *Runner) Stop(timeout time.Duration) {
	r.RequestStop()

	r.mu.Lock()
	done := r.done
	r.started = false
	r.mu.Unlock()

	if done != nil {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			log.Warn().Msg("rebalance loop did not drain in time, abandoning")
		}
	}

	if r.bot != nil {
		r.bot.Stop()
	}
	r.writeRuntimeSettings(false)
	log.Info().Msg("rebalance loop stopped")
}

func (r *Runner) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	interval := time.Duration(r.cfg.RebalanceIntervalSec) * time.Second
	if interval < time.Second {
		interval = time.Second
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		r.tick(ctx)

		t := time.NewTimer(interval)
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// tick runs one cycle, containing any panic.
func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("rebalance tick panicked")
			r.sink.Warning(map[string]any{"rebalance_error": fmt.Sprint(rec)})
		}
	}()

	res := r.engine.RebalanceOnce(ctx, r.cfg.TriggerValue)
	log.Info().
		Str("action", res.Action).
		Str("transfer", res.Transfer.String()).
		Msg("rebalance tick")
}

func (r *Runner) writeRuntimeSettings(running bool) {
	rs := config.RuntimeSettings{
		Env:          r.cfg.Env,
		PID:          os.Getpid(),
		Running:      running,
		TriggerValue: r.cfg.TriggerValue.String(),
		Unwind: config.RuntimeUnwind{
			Enabled:     r.cfg.Unwind.Enabled,
			TriggerPct:  r.cfg.Unwind.TriggerPct.InexactFloat64(),
			RecoveryPct: r.cfg.Unwind.RecoveryPct.InexactFloat64(),
		},
	}
	if err := config.WriteRuntimeSettings(r.cfg.StateDir, rs); err != nil {
		log.Warn().Err(err).Msg("runtime settings write failed")
	}
}
