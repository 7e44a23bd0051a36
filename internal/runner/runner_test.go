package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumaoDoggie/grvt-transfer/internal/alerts"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/rebalance"
)

type fakeEngine struct {
	ticks   atomic.Int64
	panics  bool
}

func (f *fakeEngine) RebalanceOnce(_ context.Context, _ decimal.Decimal) rebalance.Result {
	n := f.ticks.Add(1)
	if f.panics && n == 1 {
		panic("boom")
	}
	return rebalance.Result{Action: rebalance.ActionNoop}
}

type fakeBot struct {
	started atomic.Int64
	stopped atomic.Int64
}

func (f *fakeBot) Start() error { f.started.Add(1); return nil }
func (f *fakeBot) Stop()        { f.stopped.Add(1) }

type silentNotifier struct{ warnings atomic.Int64 }

func (s *silentNotifier) Send(string) error               { s.warnings.Add(1); return nil }
func (s *silentNotifier) SendWithViewButton(string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// runtime settings are only read back for the active GRVT_ENV
	t.Setenv("GRVT_ENV", "test")
	return &config.Config{
		Env:                  "test",
		StateDir:             t.TempDir(),
		TriggerValue:         decimal.RequireFromString("2000"),
		RebalanceIntervalSec: 1,
		Unwind: config.UnwindSettings{
			Enabled:     true,
			TriggerPct:  decimal.RequireFromString("60"),
			RecoveryPct: decimal.RequireFromString("40"),
		},
	}
}

func TestStartTicksAndStop(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{}
	bot := &fakeBot{}
	r := New(cfg, engine, bot, alerts.New(cfg.StateDir, nil))

	require.NoError(t, r.Start())
	assert.Error(t, r.Start()) // second start refused

	require.Eventually(t, func() bool { return engine.ticks.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// runtime settings published as running
	rs, ok := config.ReadRuntimeSettings(cfg.StateDir)
	require.True(t, ok)
	assert.True(t, rs.Running)
	assert.Equal(t, "2000", rs.TriggerValue)
	assert.Equal(t, 60.0, rs.Unwind.TriggerPct)

	r.Stop(2 * time.Second)

	assert.Equal(t, int64(1), bot.started.Load())
	assert.Equal(t, int64(1), bot.stopped.Load())
	rs, ok = config.ReadRuntimeSettings(cfg.StateDir)
	require.True(t, ok)
	assert.False(t, rs.Running)

	// loop is gone: tick count stops moving
	n := engine.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, engine.ticks.Load())
}

func TestPanicInTickIsContained(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{panics: true}
	n := &silentNotifier{}
	r := New(cfg, engine, nil, alerts.New(cfg.StateDir, n))

	require.NoError(t, r.Start())
	defer r.Stop(time.Second)

	// the first tick panics; the loop survives into the second tick
	require.Eventually(t, func() bool { return engine.ticks.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, n.warnings.Load(), int64(1))
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, &fakeEngine{}, nil, alerts.New(cfg.StateDir, nil))
	r.Stop(time.Second)
	r.RequestStop()
}
