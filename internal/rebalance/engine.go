// Package rebalance keeps the two hedge accounts' equity symmetric.
//
// Each tick sweeps stray funding balances back into trading, refreshes both
// accounts' margin state, runs the unwind check, and — when equity drifts
// past the trigger — moves half the gap from the richer account to the
// poorer one through the three-hop transfer chain.
package rebalance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
	"github.com/lumaoDoggie/grvt-transfer/internal/journal"
	"github.com/lumaoDoggie/grvt-transfer/internal/signer"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/timeutil"
)

// Tick outcomes.
const (
	ActionNoop              = "noop"
	ActionExecuted          = "executed"
	ActionFailed            = "failed"
	ActionBlockedMM         = "blocked_mm"
	ActionBlockedAvail      = "blocked_avail"
	ActionBlockedZeroEquity = "blocked_zero_equity"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Exchange is the slice of the exchange client the rebalancer needs.
type Exchange interface {
	SubAccountSummary(ctx context.Context, subID string) (grvt.AccountSummary, error)
	FundingUSDTBalance(ctx context.Context, currency string) (decimal.Decimal, error)
	Transfer(ctx context.Context, req grvt.TransferRequest) (grvt.TransferResult, error)
}

// TransferSigner signs transfer requests for one key.
type TransferSigner interface {
	SignTransfer(p signer.TransferParams) (grvt.TransferRequest, error)
}

// Account bundles one account's credentials with its two authenticated
// clients and signers (trading key for the internal hop, funding key for the
// cross-account and deposit hops).
type Account struct {
	Creds         config.AccountCreds
	Trading       Exchange
	Funding       Exchange
	TradingSigner TransferSigner
	FundingSigner TransferSigner
}

// Result is the structured outcome of one tick.
type Result struct {
	Action   string
	Transfer decimal.Decimal
	EqA      decimal.Decimal
	EqB      decimal.Decimal
	MMA      decimal.Decimal
	MMB      decimal.Decimal
}

// UnwindFunc runs the unwind check with the observations the tick already
// holds. Wired to the unwind engine at startup; nil disables the check.
type UnwindFunc func(ctx context.Context, obsA, obsB grvt.AccountSummary)

// Engine drives one rebalance cycle at a time.
type Engine struct {
	cfg  *config.Config
	a, b *Account
	bus  *snapshot.Bus
	sink *alerts.Sink
	jr   *journal.Journal

	unwind UnwindFunc
	// wait is replaceable in tests
	wait func(ctx context.Context, d time.Duration)
}

// New creates a rebalance engine. The journal may be nil.
func New(cfg *config.Config, a, b *Account, bus *snapshot.Bus, sink *alerts.Sink, jr *journal.Journal) *Engine {
	return &Engine{
		cfg:  cfg,
		a:    a,
		b:    b,
		bus:  bus,
		sink: sink,
		jr:   jr,
		wait: sleepCtx,
	}
}

// SetUnwindFunc installs the unwind check callback.
func (e *Engine) SetUnwindFunc(fn UnwindFunc) {
	e.unwind = fn
}

// TransferAmount computes how much the source account can safely send:
// half the equity gap, bounded by the source's available balance and by the
// equity it must keep above twice its maintenance margin.
func TransferAmount(delta, srcAvail, srcEq, srcMM decimal.Decimal) (amount decimal.Decimal, blocked string) {
	maxByMM := srcEq.Sub(srcMM.Mul(two))
	if maxByMM.Sign() <= 0 {
		return decimal.Zero, ActionBlockedMM
	}
	needed := delta.Abs().Div(two)
	amount = decimal.Min(needed, srcAvail, maxByMM)
	if amount.Sign() <= 0 {
		return decimal.Zero, ActionBlockedAvail
	}
	return amount, ""
}

// RebalanceOnce runs a single decision-and-execution cycle.
func (e *Engine) RebalanceOnce(ctx context.Context, trigger decimal.Decimal) Result {
	e.sweep(ctx, e.a)
	e.sweep(ctx, e.b)

	obsA, _ := e.a.Trading.SubAccountSummary(ctx, e.a.Creds.TradingSubID)
	obsB, _ := e.b.Trading.SubAccountSummary(ctx, e.b.Creds.TradingSubID)
	checkTime := timeutil.EventTimeSH(obsA.EventTimeNS)
	e.bus.SetLastCheckTime(checkTime)

	e.maybeAvailabilityAlert("A", checkTime, obsA)
	e.maybeAvailabilityAlert("B", timeutil.EventTimeSH(obsB.EventTimeNS), obsB)

	if e.cfg.Unwind.Enabled && e.unwind != nil {
		e.unwind(ctx, obsA, obsB)
		// margin state may have changed under us
		obsA, _ = e.a.Trading.SubAccountSummary(ctx, e.a.Creds.TradingSubID)
		obsB, _ = e.b.Trading.SubAccountSummary(ctx, e.b.Creds.TradingSubID)
	}

	if obsA.TotalEquity.IsZero() || obsB.TotalEquity.IsZero() {
		// often a transient API hiccup: give it one more chance
		e.wait(ctx, 3*time.Second)
		obsA, _ = e.a.Trading.SubAccountSummary(ctx, e.a.Creds.TradingSubID)
		obsB, _ = e.b.Trading.SubAccountSummary(ctx, e.b.Creds.TradingSubID)
		if obsA.TotalEquity.IsZero() || obsB.TotalEquity.IsZero() {
			zeroA, zeroB := obsA.TotalEquity.IsZero(), obsB.TotalEquity.IsZero()
			log.Error().
				Str("eq_a", obsA.TotalEquity.String()).
				Str("eq_b", obsB.TotalEquity.String()).
				Msg("zero equity, skipping rebalance")
			if zeroA != zeroB {
				// one dead account is a real concern; both is an API outage
				e.sink.Warning(map[string]any{
					"rebalance_skipped": "zero_equity_detected",
					"eq_a":              obsA.TotalEquity.String(),
					"eq_b":              obsB.TotalEquity.String(),
				})
			}
			return e.finish(Result{Action: ActionBlockedZeroEquity}, obsA, obsB, checkTime, trigger)
		}
	}

	delta := obsA.TotalEquity.Sub(obsB.TotalEquity)
	if delta.Abs().LessThanOrEqual(trigger) {
		st := statusFrom(checkTime, ActionNoop, trigger, delta, obsA, obsB)
		e.bus.SetStatus(st)
		e.sink.RebalanceEvent(st)
		e.jr.RecordRebalance(st)
		log.Debug().
			Str("delta", delta.String()).
			Str("trigger", trigger.String()).
			Msg("within trigger, noop")
		return Result{
			Action: ActionNoop,
			EqA:    obsA.TotalEquity, EqB: obsB.TotalEquity,
			MMA: obsA.MaintenanceMargin, MMB: obsB.MaintenanceMargin,
		}
	}

	src, dst := e.a, e.b
	srcObs := obsA
	if delta.Sign() < 0 {
		src, dst = e.b, e.a
		srcObs = obsB
	}

	amount, blocked := TransferAmount(delta, srcObs.AvailableBalance, srcObs.TotalEquity, srcObs.MaintenanceMargin)
	if blocked != "" {
		log.Warn().
			Str("action", blocked).
			Str("src", src.Creds.Label).
			Msg("transfer blocked")
		return e.finish(Result{Action: blocked}, obsA, obsB, checkTime, trigger)
	}

	txIDs, ok, failInfo := e.executeFlow(ctx, src, dst, amount)
	if !ok {
		e.sink.Warning(failInfo)
	}

	postA, _ := e.a.Trading.SubAccountSummary(ctx, e.a.Creds.TradingSubID)
	postB, _ := e.b.Trading.SubAccountSummary(ctx, e.b.Creds.TradingSubID)

	action := ActionExecuted
	if !ok {
		action = ActionFailed
	}
	st := statusFrom(checkTime, action, trigger, postA.TotalEquity.Sub(postB.TotalEquity), postA, postB)
	st.TransferUSDT = amount
	st.Success = ok
	st.TxIDs = txIDs
	e.bus.SetStatus(st)
	e.sink.RebalanceEvent(st)
	e.jr.RecordRebalance(st)

	log.Info().
		Str("action", action).
		Str("transfer_usdt", amount.String()).
		Str("src", src.Creds.Label).
		Str("dst", dst.Creds.Label).
		Str("eq_a", postA.TotalEquity.String()).
		Str("eq_b", postB.TotalEquity.String()).
		Msg("rebalance cycle finished")

	return Result{
		Action:   action,
		Transfer: amount,
		EqA:      postA.TotalEquity, EqB: postB.TotalEquity,
		MMA: postA.MaintenanceMargin, MMB: postB.MaintenanceMargin,
	}
}

// finish publishes a blocked-tick status and returns r with observations filled.
func (e *Engine) finish(r Result, obsA, obsB grvt.AccountSummary, checkTime string, trigger decimal.Decimal) Result {
	st := statusFrom(checkTime, r.Action, trigger, obsA.TotalEquity.Sub(obsB.TotalEquity), obsA, obsB)
	e.bus.SetStatus(st)
	e.jr.RecordRebalance(st)
	r.EqA, r.EqB = obsA.TotalEquity, obsB.TotalEquity
	r.MMA, r.MMB = obsA.MaintenanceMargin, obsB.MaintenanceMargin
	return r
}

func (e *Engine) maybeAvailabilityAlert(label, eventTime string, obs grvt.AccountSummary) {
	if obs.TotalEquity.Sign() <= 0 {
		return
	}
	pct := obs.AvailableBalance.Div(obs.TotalEquity).Mul(hundred)
	if pct.GreaterThanOrEqual(e.cfg.MinAvailablePct) {
		return
	}
	e.sink.AvailabilityAlert(label, alerts.AvailabilityPayload{
		EventTimeSH: eventTime,
		Equity:      obs.TotalEquity,
		Available:   obs.AvailableBalance,
		AvailPct:    pct,
	})
}

func statusFrom(checkTime, action string, trigger, delta decimal.Decimal, obsA, obsB grvt.AccountSummary) snapshot.Status {
	return snapshot.Status{
		EventTimeSH: checkTime,
		Action:      action,
		Trigger:     trigger,
		Delta:       delta,
		EqA:         obsA.TotalEquity,
		EqB:         obsB.TotalEquity,
		MMA:         obsA.MaintenanceMargin,
		MMB:         obsB.MaintenanceMargin,
		AvailA:      obsA.AvailableBalance,
		AvailB:      obsB.AvailableBalance,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
