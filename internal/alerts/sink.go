// Package alerts turns engine events into operator-facing messages.
//
// Delivery policy lives here, not in the engines: rebalance transfer events
// batch (every 5th is sent), availability alerts are suppressed per account
// for two minutes, unwind lifecycle events always go out, and individual
// unwind orders only alert on failure. Suppression state survives restarts
// as JSON under <state>/alerts/state.json.
package alerts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

const availabilitySuppressWindow = 120 * time.Second
const rebalanceSendEvery = 5

// Notifier delivers a formatted message to the operator. The Telegram bot
// implements it; a nil Notifier makes every alert log-only.
type Notifier interface {
	Send(text string) error
	// SendWithViewButton attaches the inline "查看状态" button.
	SendWithViewButton(text string) error
}

type sinkState struct {
	RebalanceCounter int              `json:"rebalance_alert_counter"`
	AvailLastTS      map[string]int64 `json:"avail_alert_last_ts"`
}

// Sink dispatches alerts according to the per-kind delivery policy.
type Sink struct {
	notifier Notifier
	path     string

	mu    sync.Mutex
	state sinkState
}

// New creates a sink persisting suppression state under stateDir.
func New(stateDir string, notifier Notifier) *Sink {
	s := &Sink{
		notifier: notifier,
		path:     filepath.Join(stateDir, "alerts", "state.json"),
		state:    sinkState{AvailLastTS: map[string]int64{}},
	}
	s.loadState()
	return s
}

// SetNotifier swaps the delivery target; used once the bot is up.
func (s *Sink) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// RebalanceEvent handles a loop tick result. Noops are log-only; transfer
// events bump a persisted counter and every 5th one is delivered.
func (s *Sink) RebalanceEvent(ev snapshot.Status) {
	log.Info().
		Str("action", ev.Action).
		Str("transfer_usdt", ev.TransferUSDT.String()).
		Str("eq_a", ev.EqA.String()).
		Str("eq_b", ev.EqB.String()).
		Msg("rebalance event")

	if ev.Action == "noop" {
		return
	}

	s.mu.Lock()
	s.state.RebalanceCounter++
	send := s.state.RebalanceCounter%rebalanceSendEvery == 0
	s.saveStateLocked()
	s.mu.Unlock()
	if !send {
		return
	}

	status := "成功"
	if !ev.Success {
		status = "失败"
	}
	text := fmt.Sprintf(
		"💰 再平衡已触发\n时间: %s\n状态: %s\n转账金额: $%s\n总余额: $%s\n账户A余额: $%s\n账户B余额: $%s",
		ev.EventTimeSH, status, ev.TransferUSDT.String(),
		ev.EqA.Add(ev.EqB).String(), ev.EqA.String(), ev.EqB.String(),
	)
	s.sendWithButton(text)
}

// Warning is always delivered.
func (s *Sink) Warning(fields map[string]any) {
	detail, _ := json.Marshal(fields)
	log.Warn().RawJSON("detail", detail).Msg("warning alert")
	s.send(fmt.Sprintf("⚠️ 警告: API调用失败\n错误: %s", string(detail)))
}

// AvailabilityPayload is the low-collateral alert body.
type AvailabilityPayload struct {
	EventTimeSH string
	Equity      decimal.Decimal
	Available   decimal.Decimal
	AvailPct    decimal.Decimal
}

// AvailabilityAlert delivers a low-collateral warning for one account unless
// one was sent for that account within the suppression window.
func (s *Sink) AvailabilityAlert(label string, p AvailabilityPayload) bool {
	now := time.Now()
	s.mu.Lock()
	last := time.Unix(s.state.AvailLastTS[label], 0)
	if now.Sub(last) < availabilitySuppressWindow {
		s.mu.Unlock()
		return false
	}
	s.state.AvailLastTS[label] = now.Unix()
	s.saveStateLocked()
	s.mu.Unlock()

	text := fmt.Sprintf(
		"⚠️ Low Collateral [%s]\nTime: %s\nEquity: %s\nAvailable: %s (%s%%)",
		label, p.EventTimeSH, p.Equity.String(), p.Available.String(), p.AvailPct.StringFixed(4),
	)
	s.send(text)
	log.Info().Str("account", label).Str("avail_pct", p.AvailPct.StringFixed(4)).Msg("availability alert")
	return true
}

// UnwindTrigger announces that the unwinder engaged.
type UnwindTrigger struct {
	DryRun      bool
	PctA        decimal.Decimal
	PctB        decimal.Decimal
	TriggerPct  decimal.Decimal
	TriggeredA  bool
	TriggeredB  bool
}

// UnwindTriggered is always delivered immediately.
func (s *Sink) UnwindTriggered(ev UnwindTrigger) {
	markA, markB := "✅", "✅"
	if ev.TriggeredA {
		markA = "⚠️"
	}
	if ev.TriggeredB {
		markB = "⚠️"
	}
	text := fmt.Sprintf(
		"🚨 %sUNWIND TRIGGERED\n━━━━━━━━━━━━━━━━━━\n%s Account A: %s%% margin used\n%s Account B: %s%% margin used\n━━━━━━━━━━━━━━━━━━\nTrigger at: ≥%s%%",
		dryRunTag(ev.DryRun), markA, ev.PctA.StringFixed(1), markB, ev.PctB.StringFixed(1), ev.TriggerPct.StringFixed(0),
	)
	log.Warn().
		Bool("dry_run", ev.DryRun).
		Str("pct_a", ev.PctA.StringFixed(1)).
		Str("pct_b", ev.PctB.StringFixed(1)).
		Msg("unwind triggered")
	s.send(text)
}

// UnwindFill aggregates closed size for one instrument on one account.
type UnwindFill struct {
	Instrument string
	Size       decimal.Decimal
	Notional   decimal.Decimal
}

// UnwindSummary is the completion report.
type UnwindSummary struct {
	DryRun     bool
	Successful int
	Failed     int
	FinalPctA  decimal.Decimal
	FinalPctB  decimal.Decimal
	AccountA   []UnwindFill
	AccountB   []UnwindFill
}

// UnwindCompleted is always delivered immediately.
func (s *Sink) UnwindCompleted(ev UnwindSummary) {
	status := "✅"
	if ev.Failed > 0 {
		status = "⚠️"
	}
	text := fmt.Sprintf(
		"%s %sUNWIND COMPLETED\n━━━━━━━━━━━━━━━━━━\nOrders: %d✓ %d✗\n%s\n%s\n━━━━━━━━━━━━━━━━━━\nA: %s%% | B: %s%%",
		status, dryRunTag(ev.DryRun), ev.Successful, ev.Failed,
		formatFills("A", ev.AccountA), formatFills("B", ev.AccountB),
		ev.FinalPctA.StringFixed(1), ev.FinalPctB.StringFixed(1),
	)
	log.Info().
		Int("successful", ev.Successful).
		Int("failed", ev.Failed).
		Bool("dry_run", ev.DryRun).
		Msg("unwind completed")
	s.send(text)
}

// Recovery reports that both accounts are back under the recovery threshold.
type Recovery struct {
	PctA        decimal.Decimal
	PctB        decimal.Decimal
	RecoveryPct decimal.Decimal
	Iteration   int
}

// UnwindRecovery is sent once per recovery.
func (s *Sink) UnwindRecovery(ev Recovery) {
	text := fmt.Sprintf(
		"✅ MARGIN RECOVERED\n━━━━━━━━━━━━━━━━━━\nAccount A: %s%% margin used\nAccount B: %s%% margin used\n━━━━━━━━━━━━━━━━━━\nRecovery: <%s%% after %d iter",
		ev.PctA.StringFixed(1), ev.PctB.StringFixed(1), ev.RecoveryPct.StringFixed(0), ev.Iteration,
	)
	log.Info().Int("iteration", ev.Iteration).Msg("unwind recovered")
	s.send(text)
}

// UnwindOrderEvent reports one reduce order attempt.
type UnwindOrderEvent struct {
	Success    bool
	Account    string
	Instrument string
	Err        string
}

// UnwindOrder alerts only on failure; successes are log-only.
func (s *Sink) UnwindOrder(ev UnwindOrderEvent) {
	log.Info().
		Bool("success", ev.Success).
		Str("account", ev.Account).
		Str("instrument", ev.Instrument).
		Str("error", ev.Err).
		Msg("unwind order")
	if ev.Success {
		return
	}
	errText := ev.Err
	if len(errText) > 80 {
		errText = errText[:80]
	}
	s.send(fmt.Sprintf("❌ UNWIND FAILED: %s %s\n%s", ev.Account, ev.Instrument, errText))
}

func (s *Sink) send(text string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n == nil {
		return
	}
	if err := n.Send(text); err != nil {
		log.Error().Err(err).Msg("alert delivery failed")
	}
}

func (s *Sink) sendWithButton(text string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n == nil {
		return
	}
	if err := n.SendWithViewButton(text); err != nil {
		log.Error().Err(err).Msg("alert delivery failed")
	}
}

func (s *Sink) loadState() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var st sinkState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	if st.AvailLastTS == nil {
		st.AvailLastTS = map[string]int64{}
	}
	s.state = st
}

func (s *Sink) saveStateLocked() {
	data, err := json.Marshal(s.state)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}

func formatFills(label string, fills []UnwindFill) string {
	if len(fills) == 0 {
		return label + ": none"
	}
	parts := make([]string, 0, len(fills))
	for _, f := range fills {
		token := strings.TrimSuffix(f.Instrument, "_USDT_Perp")
		parts = append(parts, fmt.Sprintf("%s %s ($%s)", token, f.Size.StringFixed(2), f.Notional.StringFixed(0)))
	}
	return label + ": " + strings.Join(parts, ", ")
}

func dryRunTag(dry bool) string {
	if dry {
		return "[DRY RUN] "
	}
	return ""
}
