package alerts

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

type fakeNotifier struct {
	sent       []string
	withButton []string
}

func (f *fakeNotifier) Send(text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeNotifier) SendWithViewButton(text string) error {
	f.withButton = append(f.withButton, text)
	return nil
}

func executedEvent() snapshot.Status {
	return snapshot.Status{
		Action:       "executed",
		Success:      true,
		TransferUSDT: decimal.RequireFromString("2000"),
		EqA:          decimal.RequireFromString("10000"),
		EqB:          decimal.RequireFromString("10000"),
		EventTimeSH:  "2025-01-01 09:00:00",
	}
}

func TestRebalanceEventEveryFifth(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)

	for i := 0; i < 10; i++ {
		s.RebalanceEvent(executedEvent())
	}
	assert.Len(t, n.withButton, 2)
}

func TestRebalanceCounterPersists(t *testing.T) {
	dir := t.TempDir()
	n := &fakeNotifier{}

	s := New(dir, n)
	for i := 0; i < 4; i++ {
		s.RebalanceEvent(executedEvent())
	}
	assert.Empty(t, n.withButton)

	// restart: the 5th event across process lifetimes triggers the send
	s2 := New(dir, n)
	s2.RebalanceEvent(executedEvent())
	assert.Len(t, n.withButton, 1)
}

func TestNoopIsLogOnly(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)
	for i := 0; i < 10; i++ {
		s.RebalanceEvent(snapshot.Status{Action: "noop"})
	}
	assert.Empty(t, n.sent)
	assert.Empty(t, n.withButton)
}

func TestAvailabilityAlertSuppression(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)
	p := AvailabilityPayload{
		Equity:    decimal.RequireFromString("10000"),
		Available: decimal.RequireFromString("1000"),
		AvailPct:  decimal.RequireFromString("10"),
	}

	assert.True(t, s.AvailabilityAlert("A", p))
	assert.False(t, s.AvailabilityAlert("A", p)) // inside the window
	assert.True(t, s.AvailabilityAlert("B", p))  // per-account windows
	assert.Len(t, n.sent, 2)
}

func TestAvailabilitySuppressionPersists(t *testing.T) {
	dir := t.TempDir()
	n := &fakeNotifier{}
	p := AvailabilityPayload{AvailPct: decimal.RequireFromString("5")}

	s := New(dir, n)
	assert.True(t, s.AvailabilityAlert("A", p))

	s2 := New(dir, n)
	assert.False(t, s2.AvailabilityAlert("A", p))
}

func TestWarningAlwaysSends(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)
	s.Warning(map[string]any{"rebalance_error": "boom"})
	s.Warning(map[string]any{"rebalance_error": "boom"})
	assert.Len(t, n.sent, 2)
}

func TestUnwindOrderOnlyFailuresAlert(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)

	s.UnwindOrder(UnwindOrderEvent{Success: true, Account: "A", Instrument: "BTC_USDT_Perp"})
	assert.Empty(t, n.sent)

	s.UnwindOrder(UnwindOrderEvent{Success: false, Account: "B", Instrument: "ETH_USDT_Perp", Err: "rejected"})
	assert.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "UNWIND FAILED")
	assert.Contains(t, n.sent[0], "ETH_USDT_Perp")
}

func TestUnwindLifecycleAlwaysSends(t *testing.T) {
	n := &fakeNotifier{}
	s := New(t.TempDir(), n)

	s.UnwindTriggered(UnwindTrigger{
		PctA:       decimal.RequireFromString("65"),
		PctB:       decimal.RequireFromString("20"),
		TriggerPct: decimal.RequireFromString("60"),
		TriggeredA: true,
	})
	s.UnwindCompleted(UnwindSummary{
		Successful: 2,
		AccountA: []UnwindFill{{
			Instrument: "BTC_USDT_Perp",
			Size:       decimal.RequireFromString("0.5"),
			Notional:   decimal.RequireFromString("30000"),
		}},
		FinalPctA: decimal.RequireFromString("35"),
		FinalPctB: decimal.RequireFromString("20"),
	})
	s.UnwindRecovery(Recovery{
		PctA:        decimal.RequireFromString("35"),
		PctB:        decimal.RequireFromString("20"),
		RecoveryPct: decimal.RequireFromString("40"),
		Iteration:   1,
	})

	assert.Len(t, n.sent, 3)
	assert.Contains(t, n.sent[0], "UNWIND TRIGGERED")
	assert.Contains(t, n.sent[1], "BTC 0.50")
	assert.Contains(t, n.sent[2], "MARGIN RECOVERED")
}

func TestNilNotifierIsLogOnly(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Warning(map[string]any{"x": 1})
	s.RebalanceEvent(executedEvent())
	// nothing to assert beyond "does not panic"
}
