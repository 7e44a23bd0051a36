package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dir string) {
	t.Helper()
	base := `
triggerValue: 2000
rebalanceIntervalSec: 30
fundingSweepThreshold: 0.5
minAvailableBalanceAlertPercentage: 25
unwind:
  enabled: true
  dryRun: true
  triggerPct: 60
  recoveryPct: 40
  unwindPct: 10
  minPositionNotional: 100
`
	acct := `
account_id: "12345"
funding_account_address: "0xabc"
trading_account_id: "67890"
fundingAccountKey: fk
fundingAccountSecret: fs
tradingAccountKey: tk
tradingAccountSecret: ts
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(base), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account_1_config.yaml"), []byte(acct), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account_2_config.yaml"), []byte(acct), 0o644))
}

func TestLoad(t *testing.T) {
	t.Setenv("GRVT_ENV", "prod")
	dir := t.TempDir()
	writeTestConfig(t, dir)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "2000", cfg.TriggerValue.String())
	assert.Equal(t, 30, cfg.RebalanceIntervalSec)
	assert.Equal(t, "0.5", cfg.FundingSweepThreshold.String())
	assert.True(t, cfg.Unwind.Enabled)
	assert.Equal(t, "60", cfg.Unwind.TriggerPct.String())
	assert.Equal(t, 999, cfg.Unwind.MaxIterations)
	assert.Equal(t, "A", cfg.AccountA.Label)
	assert.Equal(t, "67890", cfg.AccountA.TradingSubID)
	assert.Equal(t, int64(ChainIDProd), cfg.AccountA.ChainID)
	assert.Equal(t, "USDT", cfg.AccountA.Currency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir)

	t.Setenv("ACC1_TRADING_ACCOUNT_ID", "99999")
	t.Setenv("ACC1_TRADING_ACCOUNT_SECRET", "env-secret")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "99999", cfg.AccountA.TradingSubID)
	assert.Equal(t, "env-secret", cfg.AccountA.TradingSecret)
	assert.Equal(t, int64(-100123), cfg.TelegramChatID)
	// B untouched
	assert.Equal(t, "67890", cfg.AccountB.TradingSubID)
}

func TestLoad_MissingCredsFails(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account_2_config.yaml"), []byte("account_id: \"1\"\n"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestChainIDFollowsEnv(t *testing.T) {
	t.Setenv("GRVT_ENV", "test")
	assert.Equal(t, int64(ChainIDTest), ChainID())
	t.Setenv("GRVT_ENV", "prod")
	assert.Equal(t, int64(ChainIDProd), ChainID())
}

func TestRuntimeSettingsRoundTrip(t *testing.T) {
	t.Setenv("GRVT_ENV", "prod")
	dir := t.TempDir()
	rs := RuntimeSettings{
		Env:          "prod",
		PID:          4242,
		Running:      true,
		TriggerValue: "2000",
		Unwind:       RuntimeUnwind{Enabled: true, TriggerPct: 60, RecoveryPct: 40},
	}
	require.NoError(t, WriteRuntimeSettings(dir, rs))

	got, ok := ReadRuntimeSettings(dir)
	require.True(t, ok)
	assert.Equal(t, 4242, got.PID)
	assert.True(t, got.Running)
	assert.Equal(t, 60.0, got.Unwind.TriggerPct)
	assert.NotZero(t, got.TS)
}

func TestRuntimeSettingsEnvMismatchIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteRuntimeSettings(dir, RuntimeSettings{Env: "test"}))
	t.Setenv("GRVT_ENV", "prod")

	_, ok := ReadRuntimeSettings(dir)
	assert.False(t, ok)
}
