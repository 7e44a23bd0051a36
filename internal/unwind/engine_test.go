package unwind

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
	"github.com/lumaoDoggie/grvt-transfer/internal/signer"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- predicates ---

func TestShouldTrigger(t *testing.T) {
	trigger := d("60")

	assert.True(t, ShouldTrigger(d("1000"), d("650"), trigger))  // 65%
	assert.True(t, ShouldTrigger(d("1000"), d("600"), trigger))  // boundary: >= trigger
	assert.False(t, ShouldTrigger(d("1000"), d("599"), trigger)) // 59.9%
	assert.False(t, ShouldTrigger(d("0"), d("650"), trigger))    // no equity
	assert.False(t, ShouldTrigger(d("1000"), d("0"), trigger))   // no margin
	assert.False(t, ShouldTrigger(d("1000"), d("1000"), trigger)) // 100%: already liquidating
	assert.False(t, ShouldTrigger(d("1000"), d("1500"), trigger)) // >100%
}

func TestIsRecovered(t *testing.T) {
	recovery := d("40")

	assert.True(t, IsRecovered(d("1000"), d("350"), recovery))  // 35%
	assert.False(t, IsRecovered(d("1000"), d("400"), recovery)) // boundary: not < recovery
	assert.False(t, IsRecovered(d("1000"), d("650"), recovery))
	assert.True(t, IsRecovered(d("0"), d("650"), recovery))  // no equity
	assert.True(t, IsRecovered(d("1000"), d("0"), recovery)) // no margin
}

func TestTriggerAndRecoveryMutuallyExclusive(t *testing.T) {
	// for recoveryPct <= triggerPct, no observation can be both
	cases := []struct{ eq, mm string }{
		{"1000", "650"}, {"1000", "400"}, {"1000", "350"},
		{"1000", "0"}, {"0", "100"}, {"500", "500"},
	}
	trigger, recovery := d("60"), d("40")
	for _, c := range cases {
		trig := ShouldTrigger(d(c.eq), d(c.mm), trigger)
		rec := IsRecovered(d(c.eq), d(c.mm), recovery)
		assert.False(t, trig && rec, "eq=%s mm=%s", c.eq, c.mm)
	}
}

// --- ratio ---

func TestRatio(t *testing.T) {
	// pctMax=65, excess=25, targetIters=5: 25/(65*5) ~= 0.0769
	r := Ratio(d("65"), d("20"), d("40"), d("10"), 999)
	assert.True(t, r.GreaterThan(d("0.076")) && r.LessThan(d("0.077")), r.String())

	// operator cap kicks in: excess huge
	r = Ratio(d("99"), d("20"), d("10"), d("10"), 1)
	assert.True(t, r.Equal(d("0.1")), r.String())

	// below recovery on both: non-positive excess clamps to zero
	r = Ratio(d("30"), d("20"), d("40"), d("10"), 999)
	assert.True(t, r.IsZero())

	// maxIterations < 5 narrows the spread
	r3 := Ratio(d("65"), d("20"), d("40"), d("100"), 3)
	r5 := Ratio(d("65"), d("20"), d("40"), d("100"), 5)
	assert.True(t, r3.GreaterThan(r5))
}

// --- pair matching ---

func pos(inst, size, notional, pnl string) grvt.Position {
	return grvt.Position{Instrument: inst, Size: d(size), Notional: d(notional), UnrealizedPnl: d(pnl)}
}

func TestMatchPairs(t *testing.T) {
	posA := []grvt.Position{
		pos("BTC_USDT_Perp", "0.5", "30000", "-900"),
		pos("ETH_USDT_Perp", "2", "6000", "-30"),
		pos("SOL_USDT_Perp", "10", "1500", "5"),
	}
	posB := []grvt.Position{
		pos("BTC_USDT_Perp", "-0.5", "-30000", "880"),
		pos("ETH_USDT_Perp", "-2", "-6000", "25"),
		pos("DOGE_USDT_Perp", "-1000", "-120", "3"),
	}

	pairs, unmatched := MatchPairs(posA, posB, d("100"))

	require.Len(t, pairs, 2)
	// BTC score (900+880)/60000 ~= 0.0297 > ETH (30+25)/12000 ~= 0.0046
	assert.Equal(t, "BTC_USDT_Perp", pairs[0].Instrument)
	assert.Equal(t, "ETH_USDT_Perp", pairs[1].Instrument)

	require.Len(t, unmatched, 2)
	assert.Equal(t, "DOGE_USDT_Perp", unmatched[0].Instrument)
	assert.False(t, unmatched[0].HasA)
	assert.True(t, unmatched[0].HasB)
	assert.Equal(t, "SOL_USDT_Perp", unmatched[1].Instrument)
	assert.True(t, unmatched[1].HasA)
}

func TestMatchPairsMinNotional(t *testing.T) {
	posA := []grvt.Position{pos("X_USDT_Perp", "1", "50", "1")}
	posB := []grvt.Position{pos("X_USDT_Perp", "-1", "-50", "1")}
	pairs, unmatched := MatchPairs(posA, posB, d("100"))
	assert.Empty(t, pairs)
	assert.Empty(t, unmatched) // dust pairs skip silently, not a mismatch
}

// --- sizing ---

func TestOrderSize(t *testing.T) {
	step, minSize := d("0.01"), d("0.01")

	assert.True(t, OrderSize(d("0.0384"), step, minSize, d("0.5")).Equal(d("0.03")))
	// clamp to remaining position
	assert.True(t, OrderSize(d("0.9"), step, minSize, d("0.05")).Equal(d("0.05")))
	// below min size yields zero
	assert.True(t, OrderSize(d("0.004"), step, minSize, d("0.5")).IsZero())
	// never exceeds the position even after rounding
	got := OrderSize(d("123"), step, minSize, d("0.07"))
	assert.True(t, got.LessThanOrEqual(d("0.07")))
}

func TestParseAssetID(t *testing.T) {
	id, err := ParseAssetID("0xff")
	require.NoError(t, err)
	assert.Equal(t, "255", id.String())

	id, err = ParseAssetID("12345")
	require.NoError(t, err)
	assert.Equal(t, "12345", id.String())

	_, err = ParseAssetID("not-a-number")
	assert.Error(t, err)
}

// --- state machine ---

type fakeExchange struct {
	summaries  []grvt.AccountSummary
	summaryIdx int
	positions  []grvt.Position
	instrument grvt.Instrument
	orders     []grvt.OrderPayload
	orderErr   error
}

func (f *fakeExchange) SubAccountSummary(_ context.Context, _ string) (grvt.AccountSummary, error) {
	if f.summaryIdx < len(f.summaries)-1 {
		f.summaryIdx++
		return f.summaries[f.summaryIdx-1], nil
	}
	return f.summaries[len(f.summaries)-1], nil
}

func (f *fakeExchange) Positions(_ context.Context, _ string) ([]grvt.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) GetInstrument(_ context.Context, _ string) (grvt.Instrument, error) {
	return f.instrument, nil
}

func (f *fakeExchange) CreateOrder(_ context.Context, p grvt.OrderPayload) (grvt.OrderAck, error) {
	f.orders = append(f.orders, p)
	if f.orderErr != nil {
		return grvt.OrderAck{}, f.orderErr
	}
	return grvt.OrderAck{OrderID: "ok"}, nil
}

type countingNotifier struct{ msgs []string }

func (c *countingNotifier) Send(t string) error               { c.msgs = append(c.msgs, t); return nil }
func (c *countingNotifier) SendWithViewButton(t string) error { c.msgs = append(c.msgs, t); return nil }

func testSettings() config.UnwindSettings {
	return config.UnwindSettings{
		Enabled:             true,
		TriggerPct:          d("60"),
		RecoveryPct:         d("40"),
		UnwindPct:           d("10"),
		MaxIterations:       999,
		WaitSecondsBetween:  1,
		MinPositionNotional: d("100"),
	}
}

func btcInstrument() grvt.Instrument {
	return grvt.Instrument{
		Symbol:         "BTC_USDT_Perp",
		InstrumentHash: "0x030501",
		BaseDecimals:   9,
		MinSize:        d("0.001"),
		TickSize:       d("0.001"),
	}
}

func newTestEngine(t *testing.T, n alerts.Notifier) (*Engine, *snapshot.Bus) {
	t.Helper()
	bus := snapshot.New()
	e := New(testSettings(), bus, alerts.New(t.TempDir(), n), nil)
	e.wait = func(context.Context, time.Duration) {}
	return e, bus
}

func stressed() grvt.AccountSummary {
	return grvt.AccountSummary{TotalEquity: d("1000"), MaintenanceMargin: d("650")}
}

func healthy(mm string) grvt.AccountSummary {
	return grvt.AccountSummary{TotalEquity: d("1000"), MaintenanceMargin: d(mm)}
}

func newAccounts(t *testing.T, exA, exB *fakeExchange) (Account, Account) {
	t.Helper()
	sg, err := signer.New(testKey, config.ChainIDTest)
	require.NoError(t, err)
	return Account{Label: "A", SubID: "111", Exchange: exA, Signer: sg},
		Account{Label: "B", SubID: "222", Exchange: exB, Signer: sg}
}

func TestCheckAndUnwind_Disabled(t *testing.T) {
	e, _ := newTestEngine(t, &countingNotifier{})
	e.settings.Enabled = false
	res := e.CheckAndUnwind(context.Background(), Account{}, Account{}, stressed(), stressed(), true)
	assert.Equal(t, "disabled", res.Action)
}

func TestCheckAndUnwind_NoTrigger(t *testing.T) {
	e, _ := newTestEngine(t, &countingNotifier{})
	res := e.CheckAndUnwind(context.Background(), Account{}, Account{},
		healthy("200"), healthy("100"), true)
	assert.Equal(t, "no_trigger", res.Action)
}

func TestCheckAndUnwind_TriggeredThenRecovered(t *testing.T) {
	exA := &fakeExchange{
		summaries:  []grvt.AccountSummary{stressed(), healthy("350")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "0.5", "30000", "-900")},
		instrument: btcInstrument(),
	}
	exB := &fakeExchange{
		summaries:  []grvt.AccountSummary{healthy("200")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "-0.5", "-30000", "880")},
		instrument: btcInstrument(),
	}
	n := &countingNotifier{}
	e, bus := newTestEngine(t, n)
	a, b := newAccounts(t, exA, exB)

	res := e.CheckAndUnwind(context.Background(), a, b, stressed(), healthy("200"), false)

	assert.Equal(t, "completed", res.Action)
	assert.Equal(t, 2, res.Successful) // one order per side
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, res.Iterations) // iteration 2 observed the recovery

	// A is long: sells; B is short: buys back
	require.Len(t, exA.orders, 1)
	require.Len(t, exB.orders, 1)
	assert.False(t, exA.orders[0].Legs[0].IsBuyingAsset)
	assert.True(t, exB.orders[0].Legs[0].IsBuyingAsset)
	for _, o := range []grvt.OrderPayload{exA.orders[0], exB.orders[0]} {
		assert.True(t, o.IsMarket)
		assert.True(t, o.ReduceOnly)
		assert.Equal(t, "IMMEDIATE_OR_CANCEL", o.TimeInForce)
		assert.Nil(t, o.Legs[0].LimitPrice)
	}

	// order size respects the step and the ratio: 0.5 * 25/(65*5) = 0.038461 -> 0.038
	assert.Equal(t, "0.038", exA.orders[0].Legs[0].Size)

	// progress cleared at the end
	p := bus.UnwindProgress()
	assert.False(t, p.InProgress)
	assert.True(t, p.TriggerPct.Equal(d("60")))

	// trigger + recovery + completed alerts went out
	require.GreaterOrEqual(t, len(n.msgs), 3)
	assert.Contains(t, n.msgs[0], "UNWIND TRIGGERED")
	assert.Contains(t, n.msgs[len(n.msgs)-2], "MARGIN RECOVERED")
	assert.Contains(t, n.msgs[len(n.msgs)-1], "UNWIND COMPLETED")
}

func TestCheckAndUnwind_UnmatchedPositionsWarnOnce(t *testing.T) {
	exA := &fakeExchange{
		summaries:  []grvt.AccountSummary{stressed(), healthy("350")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "0.5", "30000", "-900")},
		instrument: btcInstrument(),
	}
	exB := &fakeExchange{
		summaries:  []grvt.AccountSummary{healthy("200")},
		positions:  []grvt.Position{pos("ETH_USDT_Perp", "-2", "-6000", "25")},
		instrument: btcInstrument(),
	}
	n := &countingNotifier{}
	e, _ := newTestEngine(t, n)
	a, b := newAccounts(t, exA, exB)

	res := e.CheckAndUnwind(context.Background(), a, b, stressed(), healthy("200"), false)

	assert.Equal(t, "completed", res.Action)
	assert.Empty(t, exA.orders)
	assert.Empty(t, exB.orders)

	var mismatches int
	for _, m := range n.msgs {
		if contains(m, "unmatched_positions") {
			mismatches++
			assert.Contains(t, m, "BTC_USDT_Perp")
			assert.Contains(t, m, "ETH_USDT_Perp")
		}
	}
	assert.Equal(t, 1, mismatches)
}

func TestCheckAndUnwind_OrderFailureAlerts(t *testing.T) {
	exA := &fakeExchange{
		summaries:  []grvt.AccountSummary{stressed(), healthy("350")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "0.5", "30000", "-900")},
		instrument: btcInstrument(),
		orderErr:   &grvt.BusinessError{Code: 3000, Message: "rejected"},
	}
	exB := &fakeExchange{
		summaries:  []grvt.AccountSummary{healthy("200")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "-0.5", "-30000", "880")},
		instrument: btcInstrument(),
	}
	n := &countingNotifier{}
	e, _ := newTestEngine(t, n)
	a, b := newAccounts(t, exA, exB)

	res := e.CheckAndUnwind(context.Background(), a, b, stressed(), healthy("200"), false)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Successful)

	var failAlerts int
	for _, m := range n.msgs {
		if contains(m, "UNWIND FAILED") {
			failAlerts++
		}
	}
	assert.Equal(t, 1, failAlerts)
}

func TestCheckAndUnwind_DryRunPlacesNoOrders(t *testing.T) {
	exA := &fakeExchange{
		summaries:  []grvt.AccountSummary{stressed(), healthy("350")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "0.5", "30000", "-900")},
		instrument: btcInstrument(),
	}
	exB := &fakeExchange{
		summaries:  []grvt.AccountSummary{healthy("200")},
		positions:  []grvt.Position{pos("BTC_USDT_Perp", "-0.5", "-30000", "880")},
		instrument: btcInstrument(),
	}
	e, _ := newTestEngine(t, &countingNotifier{})
	a, b := newAccounts(t, exA, exB)

	res := e.CheckAndUnwind(context.Background(), a, b, stressed(), healthy("200"), true)

	assert.Equal(t, "completed", res.Action)
	assert.Equal(t, 2, res.Successful)
	assert.Empty(t, exA.orders)
	assert.Empty(t, exB.orders)
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
