// Package journal keeps a local history of rebalance events and unwind
// orders in a sqlite file under the state directory.
//
// Everything here is best-effort: the journal exists for post-incident
// review and must never block or fail the control loop.
package journal

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

// RebalanceRecord is one loop tick outcome.
type RebalanceRecord struct {
	ID           string `gorm:"primaryKey"`
	Action       string `gorm:"index"`
	EventTimeSH  string
	TransferUSDT decimal.Decimal `gorm:"type:decimal(20,6)"`
	EquityA      decimal.Decimal `gorm:"type:decimal(20,6)"`
	EquityB      decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaintMarginA decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaintMarginB decimal.Decimal `gorm:"type:decimal(20,6)"`
	Success      bool
	InternalTx   string
	FundingTx    string
	DepositTx    string
	CreatedAt    time.Time
}

// UnwindOrderRecord is one reduce-order attempt.
type UnwindOrderRecord struct {
	ID         string `gorm:"primaryKey"`
	Account    string `gorm:"index"`
	Instrument string `gorm:"index"`
	Size       decimal.Decimal `gorm:"type:decimal(20,9)"`
	Notional   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Iteration  int
	DryRun     bool
	Success    bool
	Error      string
	CreatedAt  time.Time
}

// Journal is the sqlite-backed event history.
type Journal struct {
	db *gorm.DB
}

// Open opens (or creates) <stateDir>/journal.db and migrates the schema.
func Open(stateDir string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(stateDir, "journal.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RebalanceRecord{}, &UnwindOrderRecord{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// RecordRebalance stores one tick outcome.
func (j *Journal) RecordRebalance(ev snapshot.Status) {
	if j == nil {
		return
	}
	rec := RebalanceRecord{
		ID:           uuid.NewString(),
		Action:       ev.Action,
		EventTimeSH:  ev.EventTimeSH,
		TransferUSDT: ev.TransferUSDT,
		EquityA:      ev.EqA,
		EquityB:      ev.EqB,
		MaintMarginA: ev.MMA,
		MaintMarginB: ev.MMB,
		Success:      ev.Success,
		InternalTx:   ev.TxIDs.Internal,
		FundingTx:    ev.TxIDs.FundingToFunding,
		DepositTx:    ev.TxIDs.Deposit,
	}
	if err := j.db.Create(&rec).Error; err != nil {
		log.Debug().Err(err).Msg("journal write failed")
	}
}

// RecordUnwindOrder stores one reduce-order attempt.
func (j *Journal) RecordUnwindOrder(account, instrument string, size, notional decimal.Decimal, iteration int, dryRun, success bool, errText string) {
	if j == nil {
		return
	}
	rec := UnwindOrderRecord{
		ID:         uuid.NewString(),
		Account:    account,
		Instrument: instrument,
		Size:       size,
		Notional:   notional,
		Iteration:  iteration,
		DryRun:     dryRun,
		Success:    success,
		Error:      errText,
	}
	if err := j.db.Create(&rec).Error; err != nil {
		log.Debug().Err(err).Msg("journal write failed")
	}
}

// RecentRebalances returns the latest n tick records, newest first.
func (j *Journal) RecentRebalances(n int) ([]RebalanceRecord, error) {
	var out []RebalanceRecord
	err := j.db.Order("created_at desc").Limit(n).Find(&out).Error
	return out, err
}
