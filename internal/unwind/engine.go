// Package unwind de-risks both accounts when margin usage crosses the danger
// threshold.
//
// Positions are matched into hedged pairs by instrument and reduced
// symmetrically with reduce-only market IOC orders, a fraction per iteration,
// until margin usage on both accounts falls back under the recovery
// threshold. Sizing always respects the instrument's size step and minimum,
// and never exceeds the remaining position.
package unwind

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
	"github.com/lumaoDoggie/grvt-transfer/internal/journal"
	"github.com/lumaoDoggie/grvt-transfer/internal/signer"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Exchange is the slice of the exchange client the unwinder needs.
type Exchange interface {
	SubAccountSummary(ctx context.Context, subID string) (grvt.AccountSummary, error)
	Positions(ctx context.Context, subID string) ([]grvt.Position, error)
	GetInstrument(ctx context.Context, symbol string) (grvt.Instrument, error)
	CreateOrder(ctx context.Context, payload grvt.OrderPayload) (grvt.OrderAck, error)
}

// OrderSigner signs reduce-only orders for one trading key.
type OrderSigner interface {
	SignOrder(p signer.OrderParams) (grvt.OrderPayload, error)
}

// Account bundles what the unwinder needs for one side of the hedge.
type Account struct {
	Label    string
	SubID    string
	Exchange Exchange
	Signer   OrderSigner
}

// Result is the structured outcome of one CheckAndUnwind call.
type Result struct {
	Action     string // "disabled", "no_trigger" or "completed"
	Iterations int
	Successful int
	Failed     int
	FinalPctA  decimal.Decimal
	FinalPctB  decimal.Decimal
}

// Engine runs the unwind state machine.
type Engine struct {
	settings config.UnwindSettings
	bus      *snapshot.Bus
	sink     *alerts.Sink
	jr       *journal.Journal

	// wait is replaceable in tests
	wait func(ctx context.Context, d time.Duration)
}

// New creates an unwind engine. The journal may be nil.
func New(settings config.UnwindSettings, bus *snapshot.Bus, sink *alerts.Sink, jr *journal.Journal) *Engine {
	return &Engine{
		settings: settings,
		bus:      bus,
		sink:     sink,
		jr:       jr,
		wait:     sleepCtx,
	}
}

// MarginPct is maintenance margin as a percentage of equity; zero when the
// account has no equity.
func MarginPct(eq, mm decimal.Decimal) decimal.Decimal {
	if eq.Sign() <= 0 {
		return decimal.Zero
	}
	return mm.Div(eq).Mul(hundred)
}

// ShouldTrigger reports whether an account's margin usage warrants unwinding.
// Usage at or above 100% means the venue is already liquidating; that state
// is excluded so the loop does not fight the liquidation engine.
func ShouldTrigger(eq, mm, triggerPct decimal.Decimal) bool {
	if eq.Sign() <= 0 || mm.Sign() <= 0 {
		return false
	}
	pct := MarginPct(eq, mm)
	return pct.LessThan(hundred) && pct.GreaterThanOrEqual(triggerPct)
}

// IsRecovered reports whether an account is safely under the recovery
// threshold. No equity or no margin both count as recovered: there is
// nothing left to unwind.
func IsRecovered(eq, mm, recoveryPct decimal.Decimal) bool {
	if eq.Sign() <= 0 || mm.Sign() <= 0 {
		return true
	}
	return MarginPct(eq, mm).LessThan(recoveryPct)
}

// Ratio computes the fraction of each paired position to reduce this
// iteration, spreading the excess above the recovery threshold over the
// planned iteration count, capped by the operator's unwindPct.
func Ratio(pctA, pctB, recoveryPct, unwindPct decimal.Decimal, maxIterations int) decimal.Decimal {
	targetIters := maxIterations
	if targetIters > 5 || targetIters <= 0 {
		targetIters = 5
	}
	pctMax := decimal.Max(pctA, pctB)
	if pctMax.Sign() <= 0 {
		return decimal.Zero
	}
	excess := pctMax.Sub(recoveryPct)
	ratio := excess.Div(pctMax.Mul(decimal.NewFromInt(int64(targetIters))))
	if ratio.Sign() < 0 {
		ratio = decimal.Zero
	}
	if ratio.GreaterThan(one) {
		ratio = one
	}
	operatorCap := unwindPct.Div(hundred)
	if ratio.GreaterThan(operatorCap) {
		ratio = operatorCap
	}
	return ratio
}

// Pair is a hedged position pair present on both accounts.
type Pair struct {
	Instrument string
	A          grvt.Position
	B          grvt.Position
	Score      decimal.Decimal
}

// Unmatched flags an instrument held on only one side of the hedge.
type Unmatched struct {
	Instrument string
	HasA       bool
	HasB       bool
}

// MatchPairs pairs positions by instrument, scores each pair by
// (|pnlA|+|pnlB|)/(|notionalA|+|notionalB|) and orders descending, so the
// pairs bleeding the most relative to their size unwind first. Pairs whose
// smaller leg is under minNotional are skipped. One-sided instruments come
// back as unmatched.
func MatchPairs(posA, posB []grvt.Position, minNotional decimal.Decimal) ([]Pair, []Unmatched) {
	byInstA := map[string]grvt.Position{}
	for _, p := range posA {
		byInstA[p.Instrument] = p
	}
	byInstB := map[string]grvt.Position{}
	for _, p := range posB {
		byInstB[p.Instrument] = p
	}

	var pairs []Pair
	var unmatched []Unmatched
	seen := map[string]bool{}

	for inst, a := range byInstA {
		seen[inst] = true
		b, ok := byInstB[inst]
		if !ok {
			unmatched = append(unmatched, Unmatched{Instrument: inst, HasA: true})
			continue
		}
		na, nb := a.Notional.Abs(), b.Notional.Abs()
		if decimal.Min(na, nb).LessThan(minNotional) {
			continue
		}
		total := na.Add(nb)
		score := decimal.Zero
		if total.Sign() > 0 {
			score = a.UnrealizedPnl.Abs().Add(b.UnrealizedPnl.Abs()).Div(total)
		}
		pairs = append(pairs, Pair{Instrument: inst, A: a, B: b, Score: score})
	}
	for inst := range byInstB {
		if !seen[inst] {
			unmatched = append(unmatched, Unmatched{Instrument: inst, HasB: true})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if !pairs[i].Score.Equal(pairs[j].Score) {
			return pairs[i].Score.GreaterThan(pairs[j].Score)
		}
		return pairs[i].Instrument < pairs[j].Instrument
	})
	sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].Instrument < unmatched[j].Instrument })
	return pairs, unmatched
}

// OrderSize rounds raw down to the instrument's size step and caps it at
// currentAbs (itself rounded down to the step). A size below minSize is not
// raised to it: the result is zero, meaning "skip this instrument this
// iteration".
func OrderSize(raw, step, minSize, currentAbs decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return decimal.Zero
	}
	size := raw.Div(step).Floor().Mul(step)
	if size.GreaterThan(currentAbs) {
		size = currentAbs.Div(step).Floor().Mul(step)
	}
	if size.LessThan(minSize) || size.Sign() <= 0 {
		return decimal.Zero
	}
	return size
}

// ParseAssetID converts an instrument hash (hex or decimal string) to the
// uint256 asset id used in order legs.
func ParseAssetID(hash string) (*big.Int, error) {
	s := strings.TrimSpace(hash)
	id := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = id.SetString(s[2:], 16)
	} else {
		_, ok = id.SetString(s, 10)
	}
	if !ok {
		return nil, &grvt.ValidationError{Reason: "bad instrument hash: " + hash}
	}
	return id, nil
}

type fillTotals struct {
	size     decimal.Decimal
	notional decimal.Decimal
}

// CheckAndUnwind is the engine entry point, called from the rebalance tick
// with the observations it already holds. It returns after both accounts
// recover or the iteration budget is spent.
func (e *Engine) CheckAndUnwind(ctx context.Context, a, b Account, obsA, obsB grvt.AccountSummary, dryRun bool) Result {
	if !e.settings.Enabled {
		return Result{Action: "disabled"}
	}

	triggerA := ShouldTrigger(obsA.TotalEquity, obsA.MaintenanceMargin, e.settings.TriggerPct)
	triggerB := ShouldTrigger(obsB.TotalEquity, obsB.MaintenanceMargin, e.settings.TriggerPct)
	if !triggerA && !triggerB {
		return Result{Action: "no_trigger"}
	}

	pctA := MarginPct(obsA.TotalEquity, obsA.MaintenanceMargin)
	pctB := MarginPct(obsB.TotalEquity, obsB.MaintenanceMargin)
	log.Warn().
		Bool("trigger_a", triggerA).
		Bool("trigger_b", triggerB).
		Str("pct_a", pctA.StringFixed(1)).
		Str("pct_b", pctB.StringFixed(1)).
		Bool("dry_run", dryRun).
		Msg("unwind triggered")
	e.sink.UnwindTriggered(alerts.UnwindTrigger{
		DryRun:     dryRun,
		PctA:       pctA,
		PctB:       pctB,
		TriggerPct: e.settings.TriggerPct,
		TriggeredA: triggerA,
		TriggeredB: triggerB,
	})

	var (
		successful, failed int
		iterations         int
		warnedMismatch     = map[string]bool{}
		instCache          = map[string]grvt.Instrument{}
		fillsA             = map[string]*fillTotals{}
		fillsB             = map[string]*fillTotals{}
	)

	for it := 0; it < e.settings.MaxIterations; it++ {
		iterations = it + 1
		obsA, _ = a.Exchange.SubAccountSummary(ctx, a.SubID)
		obsB, _ = b.Exchange.SubAccountSummary(ctx, b.SubID)
		pctA = MarginPct(obsA.TotalEquity, obsA.MaintenanceMargin)
		pctB = MarginPct(obsB.TotalEquity, obsB.MaintenanceMargin)

		e.bus.SetUnwindProgress(snapshot.UnwindProgress{
			InProgress:  true,
			Iteration:   iterations,
			PctA:        pctA,
			PctB:        pctB,
			TriggerPct:  e.settings.TriggerPct,
			RecoveryPct: e.settings.RecoveryPct,
		})

		if IsRecovered(obsA.TotalEquity, obsA.MaintenanceMargin, e.settings.RecoveryPct) &&
			IsRecovered(obsB.TotalEquity, obsB.MaintenanceMargin, e.settings.RecoveryPct) {
			log.Info().Int("iteration", it).Msg("margin recovered, stopping unwind")
			e.sink.UnwindRecovery(alerts.Recovery{
				PctA:        pctA,
				PctB:        pctB,
				RecoveryPct: e.settings.RecoveryPct,
				Iteration:   it,
			})
			break
		}

		posA, _ := a.Exchange.Positions(ctx, a.SubID)
		posB, _ := b.Exchange.Positions(ctx, b.SubID)
		pairs, unmatched := MatchPairs(posA, posB, e.settings.MinPositionNotional)
		e.warnUnmatched(unmatched, warnedMismatch)

		ratio := Ratio(pctA, pctB, e.settings.RecoveryPct, e.settings.UnwindPct, e.settings.MaxIterations)

		for _, pair := range pairs {
			base := decimal.Min(pair.A.Size.Abs(), pair.B.Size.Abs())
			raw := base.Mul(ratio)
			if raw.Sign() <= 0 {
				continue
			}
			inst, err := e.instrument(ctx, a.Exchange, pair.Instrument, instCache)
			if err != nil {
				log.Error().Err(err).Str("instrument", pair.Instrument).Msg("skip pair: no instrument metadata")
				continue
			}
			for _, leg := range []struct {
				acct  Account
				pos   grvt.Position
				fills map[string]*fillTotals
			}{{a, pair.A, fillsA}, {b, pair.B, fillsB}} {
				ok, placed, notional := e.placeReduceOrder(ctx, leg.acct, leg.pos, inst, raw, it, dryRun)
				if placed.Sign() <= 0 {
					continue
				}
				if ok {
					successful++
					addFill(leg.fills, pair.Instrument, placed, notional)
				} else {
					failed++
				}
			}
		}

		if ctx.Err() != nil {
			break
		}
		if it < e.settings.MaxIterations-1 {
			e.wait(ctx, time.Duration(e.settings.WaitSecondsBetween)*time.Second)
		}
	}

	finalA, _ := a.Exchange.SubAccountSummary(ctx, a.SubID)
	finalB, _ := b.Exchange.SubAccountSummary(ctx, b.SubID)
	finalPctA := MarginPct(finalA.TotalEquity, finalA.MaintenanceMargin)
	finalPctB := MarginPct(finalB.TotalEquity, finalB.MaintenanceMargin)
	e.bus.ClearUnwindProgress()

	e.sink.UnwindCompleted(alerts.UnwindSummary{
		DryRun:     dryRun,
		Successful: successful,
		Failed:     failed,
		FinalPctA:  finalPctA,
		FinalPctB:  finalPctB,
		AccountA:   fillsToAlert(fillsA),
		AccountB:   fillsToAlert(fillsB),
	})

	return Result{
		Action:     "completed",
		Iterations: iterations,
		Successful: successful,
		Failed:     failed,
		FinalPctA:  finalPctA,
		FinalPctB:  finalPctB,
	}
}

// placeReduceOrder sizes and places one reduce order leg. Returns whether the
// order succeeded, the size actually placed (zero when skipped) and its
// approximate notional.
func (e *Engine) placeReduceOrder(ctx context.Context, acct Account, pos grvt.Position, inst grvt.Instrument, raw decimal.Decimal, iteration int, dryRun bool) (bool, decimal.Decimal, decimal.Decimal) {
	currentAbs := pos.Size.Abs()
	step := inst.TickSize
	if step.Sign() <= 0 {
		step = decimal.New(1, -int32(inst.BaseDecimals))
	}
	size := OrderSize(raw, step, inst.MinSize, currentAbs)
	if size.Sign() <= 0 {
		log.Debug().
			Str("instrument", pos.Instrument).
			Str("raw", raw.String()).
			Msg("reduce size below instrument minimum, skipping")
		return false, decimal.Zero, decimal.Zero
	}

	// Short positions buy back to reduce; longs sell.
	isBuying := pos.Size.Sign() < 0
	notional := decimal.Zero
	if currentAbs.Sign() > 0 {
		notional = pos.Notional.Abs().Mul(size).Div(currentAbs)
	}

	if dryRun {
		log.Info().
			Str("account", acct.Label).
			Str("instrument", pos.Instrument).
			Str("size", size.String()).
			Bool("is_buying", isBuying).
			Msg("dry-run unwind order")
		e.jr.RecordUnwindOrder(acct.Label, pos.Instrument, size, notional, iteration, true, true, "")
		return true, size, notional
	}

	assetID, err := ParseAssetID(inst.InstrumentHash)
	if err != nil {
		e.jr.RecordUnwindOrder(acct.Label, pos.Instrument, size, notional, iteration, false, false, err.Error())
		e.sink.UnwindOrder(alerts.UnwindOrderEvent{Account: acct.Label, Instrument: pos.Instrument, Err: err.Error()})
		return false, size, notional
	}
	payload, err := acct.Signer.SignOrder(signer.OrderParams{
		SubAccountID: acct.SubID,
		Instrument:   pos.Instrument,
		AssetID:      assetID,
		Size:         size,
		BaseDecimals: inst.BaseDecimals,
		IsBuying:     isBuying,
	})
	if err == nil {
		_, err = acct.Exchange.CreateOrder(ctx, payload)
	}
	if err != nil {
		log.Error().Err(err).
			Str("account", acct.Label).
			Str("instrument", pos.Instrument).
			Msg("unwind order failed")
		e.jr.RecordUnwindOrder(acct.Label, pos.Instrument, size, notional, iteration, false, false, err.Error())
		e.sink.UnwindOrder(alerts.UnwindOrderEvent{Account: acct.Label, Instrument: pos.Instrument, Err: err.Error()})
		return false, size, notional
	}

	log.Info().
		Str("account", acct.Label).
		Str("instrument", pos.Instrument).
		Str("size", size.String()).
		Msg("unwind order placed")
	e.jr.RecordUnwindOrder(acct.Label, pos.Instrument, size, notional, iteration, false, true, "")
	e.sink.UnwindOrder(alerts.UnwindOrderEvent{Success: true, Account: acct.Label, Instrument: pos.Instrument})
	return true, size, notional
}

func (e *Engine) warnUnmatched(unmatched []Unmatched, warned map[string]bool) {
	var fresh []map[string]any
	for _, u := range unmatched {
		if warned[u.Instrument] {
			continue
		}
		warned[u.Instrument] = true
		fresh = append(fresh, map[string]any{
			"instrument": u.Instrument,
			"has_a":      u.HasA,
			"has_b":      u.HasB,
		})
	}
	if len(fresh) > 0 {
		e.sink.Warning(map[string]any{
			"hedge_mismatch":      true,
			"unmatched_positions": fresh,
		})
	}
}

func (e *Engine) instrument(ctx context.Context, ex Exchange, symbol string, cache map[string]grvt.Instrument) (grvt.Instrument, error) {
	if inst, ok := cache[symbol]; ok {
		return inst, nil
	}
	inst, err := ex.GetInstrument(ctx, symbol)
	if err != nil {
		return grvt.Instrument{}, err
	}
	if inst.Symbol == "" {
		return grvt.Instrument{}, fmt.Errorf("empty instrument metadata for %s", symbol)
	}
	cache[symbol] = inst
	return inst, nil
}

func addFill(fills map[string]*fillTotals, instrument string, size, notional decimal.Decimal) {
	f, ok := fills[instrument]
	if !ok {
		f = &fillTotals{}
		fills[instrument] = f
	}
	f.size = f.size.Add(size)
	f.notional = f.notional.Add(notional)
}

func fillsToAlert(fills map[string]*fillTotals) []alerts.UnwindFill {
	out := make([]alerts.UnwindFill, 0, len(fills))
	for inst, f := range fills {
		out = append(out, alerts.UnwindFill{Instrument: inst, Size: f.size, Notional: f.notional})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
