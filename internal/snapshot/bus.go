// Package snapshot is the in-process bus between the control loop and the
// Telegram bot.
//
// The loop (and the unwind engine while it runs) writes; the bot only reads.
// One mutex guards the whole record; writers copy values in and readers get
// copies out, so a reader can never observe a half-written update.
package snapshot

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TxIDs are the transaction ids of the three transfer hops.
type TxIDs struct {
	Internal         string
	FundingToFunding string
	Deposit          string
}

// Status is the most recent rebalance observation, either a full transfer
// event or a synthesized noop tick.
type Status struct {
	EventTimeSH  string
	Action       string
	Trigger      decimal.Decimal
	Delta        decimal.Decimal
	EqA          decimal.Decimal
	EqB          decimal.Decimal
	MMA          decimal.Decimal
	MMB          decimal.Decimal
	AvailA       decimal.Decimal
	AvailB       decimal.Decimal
	TransferUSDT decimal.Decimal
	Success      bool
	TxIDs        TxIDs
}

// UnwindProgress is the live state of an in-flight unwind.
type UnwindProgress struct {
	InProgress  bool
	Iteration   int
	PctA        decimal.Decimal
	PctB        decimal.Decimal
	TriggerPct  decimal.Decimal
	RecoveryPct decimal.Decimal
	UpdatedAt   time.Time
}

// Bus holds the shared snapshots.
type Bus struct {
	mu            sync.RWMutex
	lastCheckTime string
	status        Status
	hasStatus     bool
	progress      UnwindProgress
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// SetLastCheckTime records when the loop last refreshed observations.
func (b *Bus) SetLastCheckTime(t string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCheckTime = t
}

// LastCheckTime returns the last refresh time, or "" before the first tick.
func (b *Bus) LastCheckTime() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCheckTime
}

// SetStatus overwrites the last observation.
func (b *Bus) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	b.hasStatus = true
}

// Status returns a copy of the last observation; ok is false before the
// first tick.
func (b *Bus) Status() (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status, b.hasStatus
}

// SetUnwindProgress publishes the current unwind iteration.
func (b *Bus) SetUnwindProgress(p UnwindProgress) {
	p.UpdatedAt = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = p
}

// ClearUnwindProgress marks the unwind finished while keeping the thresholds
// visible for the status view.
func (b *Bus) ClearUnwindProgress() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress.InProgress = false
	b.progress.UpdatedAt = time.Now()
}

// UnwindProgress returns a copy of the unwind progress record.
func (b *Bus) UnwindProgress() UnwindProgress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.progress
}
