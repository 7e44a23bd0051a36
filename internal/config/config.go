// Package config loads the rebalancer configuration from YAML files and
// environment variables.
//
// Layout mirrors the deployment convention: config/<env>/config.yaml plus
// account_1_config.yaml / account_2_config.yaml, with per-field environment
// overrides (ACC1_*, ACC2_*, TELEGRAM_*). GRVT_ENV selects prod or test.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Chain ids per environment.
const (
	ChainIDProd = 325
	ChainIDTest = 326
)

// UnwindSettings controls the emergency position unwinder.
type UnwindSettings struct {
	Enabled             bool
	DryRun              bool
	TriggerPct          decimal.Decimal
	RecoveryPct         decimal.Decimal
	UnwindPct           decimal.Decimal
	MaxIterations       int
	WaitSecondsBetween  int
	MinPositionNotional decimal.Decimal
}

// AccountCreds holds one account's identity and signing material.
// Immutable after load.
type AccountCreds struct {
	Label          string // "A" or "B"
	AccountID      string
	FundingAddress string
	TradingSubID   string
	FundingKey     string
	FundingSecret  string
	TradingKey     string
	TradingSecret  string
	ChainID        int64
	Currency       string
}

// Config is the merged runtime configuration.
type Config struct {
	Env   string
	Debug bool

	TriggerValue          decimal.Decimal
	RebalanceIntervalSec  int
	RebalanceThrottleMs   int
	FundingSweepThreshold decimal.Decimal
	MinAvailablePct       decimal.Decimal
	Unwind                UnwindSettings

	StateDir string

	TelegramToken  string
	TelegramChatID int64

	AccountA AccountCreds
	AccountB AccountCreds
}

// yaml shapes; numbers arrive as floats and convert to decimals after merge.

type baseYAML struct {
	TriggerValue          float64    `yaml:"triggerValue"`
	RebalanceIntervalSec  int        `yaml:"rebalanceIntervalSec"`
	RebalanceThrottleMs   int        `yaml:"rebalanceThrottleMs"`
	FundingSweepThreshold float64    `yaml:"fundingSweepThreshold"`
	MinAvailablePct       float64    `yaml:"minAvailableBalanceAlertPercentage"`
	TelegramBotToken      string     `yaml:"telegramBotToken"`
	Unwind                unwindYAML `yaml:"unwind"`
}

type unwindYAML struct {
	Enabled             bool    `yaml:"enabled"`
	DryRun              bool    `yaml:"dryRun"`
	TriggerPct          float64 `yaml:"triggerPct"`
	RecoveryPct         float64 `yaml:"recoveryPct"`
	UnwindPct           float64 `yaml:"unwindPct"`
	MaxIterations       int     `yaml:"maxIterations"`
	WaitSeconds         int     `yaml:"waitSecondsBetweenIterations"`
	MinPositionNotional float64 `yaml:"minPositionNotional"`
}

type accountYAML struct {
	AccountID      string `yaml:"account_id"`
	FundingAddress string `yaml:"funding_account_address"`
	TradingSubID   string `yaml:"trading_account_id"`
	FundingKey     string `yaml:"fundingAccountKey"`
	FundingSecret  string `yaml:"fundingAccountSecret"`
	TradingKey     string `yaml:"tradingAccountKey"`
	TradingSecret  string `yaml:"tradingAccountSecret"`
	ChainID        int64  `yaml:"chain_id"`
	Currency       string `yaml:"currency"`
}

// Env returns the active environment ("prod" or "test") from GRVT_ENV.
func Env() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("GRVT_ENV")))
	if env == "" {
		return "prod"
	}
	return env
}

// ChainID returns the chain id for the active environment.
func ChainID() int64 {
	if Env() == "test" {
		return ChainIDTest
	}
	return ChainIDProd
}

// StateDir returns the persistent state directory (GRVT_STATE_DIR, default "bot").
func StateDir() string {
	if d := strings.TrimSpace(os.Getenv("GRVT_STATE_DIR")); d != "" {
		return d
	}
	return "bot"
}

// LoadEnvFiles loads .env first, then .env.<GRVT_ENV> with override, so the
// base file can select the environment and the env file can refine it.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env." + Env())
}

// Load reads and merges the YAML config and environment overrides from dir.
// Pass "" to use the default config directory for the active environment.
func Load(dir string) (*Config, error) {
	env := Env()
	if dir == "" {
		dir = configDir(env)
	}

	var base baseYAML
	if err := loadYAML(findFile(dir, "config.yaml"), &base); err != nil {
		return nil, fmt.Errorf("load config.yaml: %w", err)
	}

	var acc1, acc2 accountYAML
	if err := loadYAML(findFile(dir, "account_1_config.yaml"), &acc1); err != nil {
		return nil, fmt.Errorf("load account_1_config.yaml: %w", err)
	}
	if err := loadYAML(findFile(dir, "account_2_config.yaml"), &acc2); err != nil {
		return nil, fmt.Errorf("load account_2_config.yaml: %w", err)
	}

	cfg := &Config{
		Env:                   env,
		Debug:                 getEnvBool("DEBUG", false),
		TriggerValue:          decFromFloat(base.TriggerValue, "2000"),
		RebalanceIntervalSec:  intOr(base.RebalanceIntervalSec, 15),
		RebalanceThrottleMs:   base.RebalanceThrottleMs,
		FundingSweepThreshold: decFromFloat(base.FundingSweepThreshold, "0.1"),
		MinAvailablePct:       decFromFloat(base.MinAvailablePct, "20"),
		Unwind: UnwindSettings{
			Enabled:             base.Unwind.Enabled,
			DryRun:              base.Unwind.DryRun,
			TriggerPct:          decFromFloat(base.Unwind.TriggerPct, "60"),
			RecoveryPct:         decFromFloat(base.Unwind.RecoveryPct, "40"),
			UnwindPct:           decFromFloat(base.Unwind.UnwindPct, "10"),
			MaxIterations:       intOr(base.Unwind.MaxIterations, 999),
			WaitSecondsBetween:  intOr(base.Unwind.WaitSeconds, 5),
			MinPositionNotional: decFromFloat(base.Unwind.MinPositionNotional, "100"),
		},
		StateDir:      StateDir(),
		TelegramToken: firstNonEmpty(os.Getenv("TELEGRAM_BOT_TOKEN"), base.TelegramBotToken),
		AccountA:      acc1.creds("A"),
		AccountB:      acc2.creds("B"),
	}

	applyAccountEnv(&cfg.AccountA, "ACC1")
	applyAccountEnv(&cfg.AccountB, "ACC2")

	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a accountYAML) creds(label string) AccountCreds {
	c := AccountCreds{
		Label:          label,
		AccountID:      a.AccountID,
		FundingAddress: a.FundingAddress,
		TradingSubID:   a.TradingSubID,
		FundingKey:     a.FundingKey,
		FundingSecret:  a.FundingSecret,
		TradingKey:     a.TradingKey,
		TradingSecret:  a.TradingSecret,
		ChainID:        a.ChainID,
		Currency:       a.Currency,
	}
	if c.ChainID == 0 {
		c.ChainID = ChainID()
	}
	if c.Currency == "" {
		c.Currency = "USDT"
	}
	return c
}

func applyAccountEnv(c *AccountCreds, prefix string) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(prefix + "_" + name)); v != "" {
			*dst = v
		}
	}
	set(&c.AccountID, "ACCOUNT_ID")
	set(&c.FundingAddress, "FUNDING_ACCOUNT_ADDRESS")
	set(&c.TradingSubID, "TRADING_ACCOUNT_ID")
	set(&c.FundingKey, "FUNDING_ACCOUNT_KEY")
	set(&c.FundingSecret, "FUNDING_ACCOUNT_SECRET")
	set(&c.TradingKey, "TRADING_ACCOUNT_KEY")
	set(&c.TradingSecret, "TRADING_ACCOUNT_SECRET")
	set(&c.Currency, "CURRENCY")
	if v := strings.TrimSpace(os.Getenv(prefix + "_CHAIN_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ChainID = id
		}
	}
}

func (c *Config) validate() error {
	for _, a := range []*AccountCreds{&c.AccountA, &c.AccountB} {
		if a.FundingAddress == "" {
			return fmt.Errorf("account %s: funding_account_address is required", a.Label)
		}
		if a.TradingSubID == "" {
			return fmt.Errorf("account %s: trading_account_id is required", a.Label)
		}
		if a.FundingSecret == "" || a.TradingSecret == "" {
			return fmt.Errorf("account %s: funding and trading secrets are required", a.Label)
		}
	}
	return nil
}

func configDir(env string) string {
	dir := filepath.Join("config", env)
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return dir
	}
	return "."
}

// findFile prefers the env directory, falling back to the repo root so that
// flat single-env layouts keep working.
func findFile(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return name
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func decFromFloat(v float64, def string) decimal.Decimal {
	if v == 0 {
		d, _ := decimal.NewFromString(def)
		return d
	}
	return decimal.NewFromFloat(v)
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}
