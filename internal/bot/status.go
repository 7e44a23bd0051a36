package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/timeutil"
)

// renderStatus composes the /view reply from the latest snapshot bus values
// and the runtime settings the loop published.
func renderStatus(cfg *config.Config, bus *snapshot.Bus) string {
	st, ok := bus.Status()
	if !ok {
		return "暂无状态数据，请等待下一次检查"
	}

	checkTime := bus.LastCheckTime()
	if strings.TrimSpace(checkTime) == "" {
		checkTime = st.EventTimeSH
	}
	if strings.TrimSpace(checkTime) == "" {
		checkTime = timeutil.NowSH()
	}

	trigger := st.Trigger
	if trigger.IsZero() {
		trigger = cfg.TriggerValue
	}

	prog := bus.UnwindProgress()
	triggerPct, recoveryPct, showThresholds := unwindThresholds(cfg, prog)

	delta := st.EqA.Sub(st.EqB)
	total := st.EqA.Add(st.EqB)

	var b strings.Builder
	fmt.Fprintf(&b, "📊 上次检查时间 @ %s\n", checkTime)
	if prog.InProgress {
		fmt.Fprintf(&b, "🛠 正在紧急减仓中（第 %d 轮） A保证金使用率=%s | B保证金使用率=%s\n",
			prog.Iteration, pctLabel(prog.PctA), pctLabel(prog.PctB))
	}
	b.WriteString("━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "触发转账阈值: $%s | 账户差额: $%s\n", usd(trigger), usd(delta))
	fmt.Fprintf(&b, "总余额: $%s\n", usd(total))
	b.WriteString("━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "账户A: %s 保证金使用率\n", marginLabel(st.EqA, st.MMA))
	fmt.Fprintf(&b, "  余额=$%s | 可用金额=%s\n", usd(st.EqA), availLabel(st.EqA, st.AvailA))
	fmt.Fprintf(&b, "账户B: %s 保证金使用率\n", marginLabel(st.EqB, st.MMB))
	fmt.Fprintf(&b, "  余额=$%s | 可用金额=%s", usd(st.EqB), availLabel(st.EqB, st.AvailB))
	if showThresholds {
		fmt.Fprintf(&b, "\n━━━━━━━━━━━━━━━━━━\n紧急减仓触发: %s%% | 紧急减仓停止: <%s%%",
			triggerPct.StringFixed(0), recoveryPct.StringFixed(0))
	}
	return b.String()
}

// unwindThresholds prefers live progress values, then the runtime settings
// written by the loop, then the static config.
func unwindThresholds(cfg *config.Config, prog snapshot.UnwindProgress) (trigger, recovery decimal.Decimal, show bool) {
	if !prog.TriggerPct.IsZero() || !prog.RecoveryPct.IsZero() {
		return prog.TriggerPct, prog.RecoveryPct, true
	}
	if rs, ok := config.ReadRuntimeSettings(cfg.StateDir); ok && rs.Unwind.Enabled {
		return decimal.NewFromFloat(rs.Unwind.TriggerPct), decimal.NewFromFloat(rs.Unwind.RecoveryPct), true
	}
	if cfg.Unwind.Enabled {
		return cfg.Unwind.TriggerPct, cfg.Unwind.RecoveryPct, true
	}
	return decimal.Zero, decimal.Zero, false
}

func marginLabel(eq, mm decimal.Decimal) string {
	if eq.Sign() <= 0 {
		return "N/A"
	}
	if mm.Sign() <= 0 {
		return "0.0%"
	}
	return mm.Div(eq).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

func availLabel(eq, avail decimal.Decimal) string {
	if eq.Sign() <= 0 {
		return "N/A"
	}
	return avail.Div(eq).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

func pctLabel(pct decimal.Decimal) string {
	return pct.StringFixed(1) + "%"
}

// usd renders a dollar amount rounded to whole units with thousands
// separators, e.g. 2000 -> "2,000" and -12345.6 -> "-12,346".
func usd(d decimal.Decimal) string {
	s := d.Round(0).StringFixed(0)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		return "-" + out
	}
	return out
}
