package play

import (
	"fmt"

	"perpsim/feed"
)

// ConfigError marks an invalid Play. It is raised at load; a run carrying a
// ConfigError never starts.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Msg
	}
	return fmt.Sprintf("config error at %s: %s", e.Field, e.Msg)
}

func cfgErrf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

var markSources = map[string]bool{"close": true, "hlc3": true, "ohlc4": true}

// Validate checks the structural half of the Play: instruments, timeframes,
// warmups, risk and sizing. Operator-level validation of conditions happens
// in the rules compiler, which also returns ConfigError.
func (p *Play) Validate() error {
	if p.Symbol == "" {
		return cfgErrf("symbol", "symbol is required")
	}
	if p.Instrument.TickSize <= 0 {
		return cfgErrf("instrument.tick_size", "must be > 0, got %.10g", p.Instrument.TickSize)
	}
	if p.Instrument.MinNotional < 0 {
		return cfgErrf("instrument.min_notional", "must be >= 0")
	}
	if p.Instrument.MMR <= 0 || p.Instrument.MMR >= 1 {
		return cfgErrf("instrument.mmr", "must be in (0, 1), got %.10g", p.Instrument.MMR)
	}

	if p.Timeframes.Exec == "" {
		return cfgErrf("timeframes.exec", "execution timeframe is required")
	}
	prev := int64(0)
	for _, role := range []feed.Role{feed.RoleExec, feed.RoleMed, feed.RoleHigh} {
		raw, ok := p.Timeframes.ByRole(role)
		if !ok {
			continue
		}
		tf, err := feed.ParseTimeframe(string(raw))
		if err != nil {
			return cfgErrf("timeframes."+string(role), "%v", err)
		}
		if tf.Minutes() <= prev {
			return cfgErrf("timeframes."+string(role), "%s must be slower than the faster roles", tf)
		}
		prev = tf.Minutes()
	}
	declared := map[string]bool{}
	for _, role := range p.Timeframes.Roles() {
		declared[string(role)] = true
	}
	for roleName, n := range p.WarmupBars {
		if !declared[roleName] {
			return cfgErrf("warmup_bars."+roleName, "role not declared in timeframes")
		}
		if n < 0 {
			return cfgErrf("warmup_bars."+roleName, "must be >= 0, got %d", n)
		}
	}

	seen := map[string]bool{}
	for i, f := range p.Features {
		field := fmt.Sprintf("features[%d]", i)
		if f.ID == "" {
			return cfgErrf(field, "feature id is required")
		}
		if seen[f.ID] {
			return cfgErrf(field, "duplicate feature id %q", f.ID)
		}
		seen[f.ID] = true
		switch f.Kind {
		case FeatureIndicator:
			if !declared[f.TF] {
				return cfgErrf(field+".tf", "role %q not declared in timeframes", f.TF)
			}
			if f.Key == "" {
				return cfgErrf(field+".key", "indicator key is required")
			}
		case FeatureStructure:
			if f.Key == "" {
				return cfgErrf(field+".key", "structure block id is required")
			}
		default:
			return cfgErrf(field+".kind", "unknown feature kind %q (use indicator or structure)", f.Kind)
		}
	}

	groupIDs := map[string]bool{}
	for i, g := range p.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if g.ID == "" {
			return cfgErrf(field, "action group id is required")
		}
		if groupIDs[g.ID] {
			return cfgErrf(field, "duplicate action group id %q", g.ID)
		}
		groupIDs[g.ID] = true
		if len(g.Cases) == 0 {
			return cfgErrf(field, "action group has no cases")
		}
	}

	if err := p.Risk.validate(); err != nil {
		return err
	}
	if err := p.Sizing.validate("sizing"); err != nil {
		return err
	}
	for _, w := range p.RollingWindows {
		if w <= 0 {
			return cfgErrf("rolling_windows", "window sizes must be > 0, got %d", w)
		}
	}
	return nil
}

func (r Risk) validate() error {
	if r.StartingEquityUSDT <= 0 {
		return cfgErrf("risk.starting_equity_usdt", "must be > 0, got %.10g", r.StartingEquityUSDT)
	}
	if r.MaxLeverage < 1 {
		return cfgErrf("risk.max_leverage", "must be >= 1, got %.10g", r.MaxLeverage)
	}
	if r.FeeModel.TakerBps < 0 || r.FeeModel.MakerBps < 0 {
		return cfgErrf("risk.fee_model", "fee rates must be >= 0")
	}
	if r.SlippageBps < 0 {
		return cfgErrf("risk.slippage_bps", "must be >= 0, got %.10g", r.SlippageBps)
	}
	if !markSources[r.MarkPriceSource] {
		return cfgErrf("risk.mark_price_source",
			"unknown source %q (allowed: close, hlc3, ohlc4)", r.MarkPriceSource)
	}
	if r.MaxDrawdownPct != nil && (*r.MaxDrawdownPct <= 0 || *r.MaxDrawdownPct > 100) {
		return cfgErrf("risk.max_drawdown_pct", "must be in (0, 100], got %.10g", *r.MaxDrawdownPct)
	}
	if r.EquityFloorUSDT != nil && *r.EquityFloorUSDT < 0 {
		return cfgErrf("risk.equity_floor_usdt", "must be >= 0, got %.10g", *r.EquityFloorUSDT)
	}
	return nil
}

func (s Sizing) validate(field string) error {
	switch s.Mode {
	case SizingFixedUSDT:
		if s.ValueUSDT <= 0 {
			return cfgErrf(field+".value_usdt", "must be > 0 for fixed_usdt, got %.10g", s.ValueUSDT)
		}
	case SizingPercentEquity:
		if s.Percent <= 0 || s.Percent > 100 {
			return cfgErrf(field+".percent", "must be in (0, 100] for percent_equity, got %.10g", s.Percent)
		}
	case SizingRiskPct:
		if s.RiskPct <= 0 || s.RiskPct > 100 {
			return cfgErrf(field+".risk_pct", "must be in (0, 100] for risk_pct, got %.10g", s.RiskPct)
		}
	default:
		return cfgErrf(field+".mode",
			"unknown sizing mode %q (allowed: fixed_usdt, percent_equity, risk_pct)", s.Mode)
	}
	return nil
}

// WarmupFor returns the declared warmup bar count for role, defaulting to 0.
func (p *Play) WarmupFor(role feed.Role) int {
	return p.WarmupBars[string(role)]
}
