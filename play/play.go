package play

import (
	"perpsim/feed"
)

// Play is the validated, resolved strategy definition for one run. The same
// structure drives replay and live execution; only the data source differs.
type Play struct {
	Name       string     `yaml:"name" json:"name"`
	Symbol     string     `yaml:"symbol" json:"symbol"`
	Instrument Instrument `yaml:"instrument" json:"instrument"`
	Timeframes Timeframes `yaml:"timeframes" json:"timeframes"`

	// WarmupBars maps role name ("exec", "med", "high") to the number of
	// closed bars that must elapse before trading is enabled.
	WarmupBars map[string]int `yaml:"warmup_bars" json:"warmup_bars"`

	Features []Feature     `yaml:"features" json:"features"`
	Actions  []ActionGroup `yaml:"actions" json:"actions"`
	Risk     Risk          `yaml:"risk" json:"risk"`

	// Sizing is the default order sizing; emits may override per intent.
	Sizing Sizing `yaml:"sizing" json:"sizing"`

	// RollingWindows lists the bars_high/bars_low window sizes the rules
	// reference, so the feed can precompute their extremes at load.
	RollingWindows []int `yaml:"rolling_windows,omitempty" json:"rolling_windows,omitempty"`
}

// Instrument carries the contract metadata the simulator needs.
type Instrument struct {
	TickSize    float64 `yaml:"tick_size" json:"tick_size"`
	MinNotional float64 `yaml:"min_notional" json:"min_notional"`
	// MMR is the maintenance margin rate for the (single) risk tier the
	// simulator models.
	MMR float64 `yaml:"mmr" json:"mmr"`
}

// Timeframes declares the execution timeframe and the optional slower roles.
type Timeframes struct {
	Exec string `yaml:"exec" json:"exec"`
	Med  string `yaml:"med,omitempty" json:"med,omitempty"`
	High string `yaml:"high,omitempty" json:"high,omitempty"`
}

// ByRole returns the declared timeframe for role, if any.
func (t Timeframes) ByRole(role feed.Role) (feed.Timeframe, bool) {
	switch role {
	case feed.RoleExec:
		if t.Exec != "" {
			return feed.Timeframe(t.Exec), true
		}
	case feed.RoleMed:
		if t.Med != "" {
			return feed.Timeframe(t.Med), true
		}
	case feed.RoleHigh:
		if t.High != "" {
			return feed.Timeframe(t.High), true
		}
	}
	return "", false
}

// Roles returns the declared roles in tie-break order (high, med, exec).
func (t Timeframes) Roles() []feed.Role {
	var out []feed.Role
	for _, role := range feed.RolesByTieBreak {
		if _, ok := t.ByRole(role); ok {
			out = append(out, role)
		}
	}
	return out
}

// FeatureKind distinguishes indicator-column features from structure blocks.
type FeatureKind string

const (
	FeatureIndicator FeatureKind = "indicator"
	FeatureStructure FeatureKind = "structure"
)

// Feature binds a strategy-visible name to an indicator column on a role, or
// to a registered structure block.
type Feature struct {
	ID   string      `yaml:"id" json:"id"`
	Kind FeatureKind `yaml:"kind" json:"kind"`
	// TF is the role name for indicator features ("exec", "med", "high").
	TF string `yaml:"tf,omitempty" json:"tf,omitempty"`
	// Key is the indicator column name, or the structure block id.
	Key string `yaml:"key" json:"key"`
	// Params are indicator parameters, recorded for the run fingerprint;
	// the columns themselves arrive precomputed.
	Params map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

// Operand is one side of a comparison: a literal, a feature reference with
// optional field and history offset, a raw snapshot path, or arithmetic over
// two operands.
type Operand struct {
	Value   *float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Feature string   `yaml:"feature,omitempty" json:"feature,omitempty"`
	Field   string   `yaml:"field,omitempty" json:"field,omitempty"`
	Offset  int      `yaml:"offset,omitempty" json:"offset,omitempty"`
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`
	Expr    *Arith   `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Arith is an arithmetic expression node.
type Arith struct {
	Op    string  `yaml:"op" json:"op"`
	Left  Operand `yaml:"left" json:"left"`
	Right Operand `yaml:"right" json:"right"`
}

// Condition is the declarative boolean expression evaluated per bar. Exactly
// one branch must be set; the compiler rejects ambiguous nodes.
type Condition struct {
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty" json:"not,omitempty"`

	HoldsFor       *Window      `yaml:"holds_for_duration,omitempty" json:"holds_for_duration,omitempty"`
	OccurredWithin *Window      `yaml:"occurred_within_duration,omitempty" json:"occurred_within_duration,omitempty"`
	CountTrue      *CountWindow `yaml:"count_true_duration,omitempty" json:"count_true_duration,omitempty"`

	// Comparison leaf.
	Left  *Operand `yaml:"left,omitempty" json:"left,omitempty"`
	Op    string   `yaml:"op,omitempty" json:"op,omitempty"`
	Right *Operand `yaml:"right,omitempty" json:"right,omitempty"`
	// Tolerance parameterizes near_pct (percent) and near_abs (absolute).
	Tolerance float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	// Low/High bound the between operator.
	Low  *Operand `yaml:"low,omitempty" json:"low,omitempty"`
	High *Operand `yaml:"high,omitempty" json:"high,omitempty"`
	// Set enumerates the in operator's members.
	Set []float64 `yaml:"set,omitempty" json:"set,omitempty"`
}

// Window wraps an inner condition with a bar-count lookback.
type Window struct {
	Expr Condition `yaml:"expr" json:"expr"`
	Bars int       `yaml:"bars" json:"bars"`
}

// CountWindow compares the number of true evaluations within the window
// against a threshold.
type CountWindow struct {
	Expr  Condition `yaml:"expr" json:"expr"`
	Bars  int       `yaml:"bars" json:"bars"`
	Op    string    `yaml:"op" json:"op"`
	Count int       `yaml:"count" json:"count"`
}

// ActionGroup is an ordered list of cases with first-match semantics: per
// bar, the first case whose condition holds emits and the rest are skipped.
type ActionGroup struct {
	ID    string `yaml:"id" json:"id"`
	Cases []Case `yaml:"cases" json:"cases"`
}

// Case pairs a condition with the intents it emits.
type Case struct {
	ID   string    `yaml:"id" json:"id"`
	When Condition `yaml:"when" json:"when"`
	Emit []Emit    `yaml:"emit" json:"emit"`
}

// Emit describes one intent template. Price operands are evaluated against
// the snapshot at emit time, so the exchange only ever sees concrete levels.
type Emit struct {
	Action string `yaml:"action" json:"action"`

	OrderType        string   `yaml:"order_type,omitempty" json:"order_type,omitempty"`
	LimitPrice       *Operand `yaml:"limit_price,omitempty" json:"limit_price,omitempty"`
	TriggerPrice     *Operand `yaml:"trigger_price,omitempty" json:"trigger_price,omitempty"`
	TriggerDirection string   `yaml:"trigger_direction,omitempty" json:"trigger_direction,omitempty"`
	TimeInForce      string   `yaml:"time_in_force,omitempty" json:"time_in_force,omitempty"`

	Sizing     *Sizing  `yaml:"sizing,omitempty" json:"sizing,omitempty"`
	StopLoss   *Operand `yaml:"sl,omitempty" json:"sl,omitempty"`
	TakeProfit *Operand `yaml:"tp,omitempty" json:"tp,omitempty"`

	// Percent applies to PARTIAL_TP (share of position) and percent-of-
	// equity sizing overrides; (0, 100].
	Percent float64 `yaml:"percent,omitempty" json:"percent,omitempty"`

	// Trail marks a MOVE_STOP as a trailing adjustment; a stop tightened by
	// a trailing move reports exit reason trailing_stop when it fills.
	Trail bool `yaml:"trail,omitempty" json:"trail,omitempty"`

	// Message annotates ALERT intents in the event log.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// SizingMode selects how an entry's notional is computed.
type SizingMode string

const (
	SizingFixedUSDT     SizingMode = "fixed_usdt"
	SizingPercentEquity SizingMode = "percent_equity"
	SizingRiskPct       SizingMode = "risk_pct"
)

// Sizing configures order notional computation.
type Sizing struct {
	Mode SizingMode `yaml:"mode" json:"mode"`
	// ValueUSDT is the notional for fixed_usdt.
	ValueUSDT float64 `yaml:"value_usdt,omitempty" json:"value_usdt,omitempty"`
	// Percent is the equity share for percent_equity; (0, 100].
	Percent float64 `yaml:"percent,omitempty" json:"percent,omitempty"`
	// RiskPct sizes so the stop distance loses this share of equity.
	RiskPct float64 `yaml:"risk_pct,omitempty" json:"risk_pct,omitempty"`
}

// FeeModel carries the maker/taker rates in basis points.
type FeeModel struct {
	TakerBps float64 `yaml:"taker_bps" json:"taker_bps"`
	MakerBps float64 `yaml:"maker_bps" json:"maker_bps"`
}

// Risk is the account and execution-cost configuration.
type Risk struct {
	StartingEquityUSDT float64  `yaml:"starting_equity_usdt" json:"starting_equity_usdt"`
	MaxLeverage        float64  `yaml:"max_leverage" json:"max_leverage"`
	FeeModel           FeeModel `yaml:"fee_model" json:"fee_model"`
	SlippageBps        float64  `yaml:"slippage_bps" json:"slippage_bps"`
	// MarkPriceSource is one of close, hlc3, ohlc4.
	MarkPriceSource string `yaml:"mark_price_source" json:"mark_price_source"`
	FundingEnabled  bool   `yaml:"funding_enabled" json:"funding_enabled"`

	MaxDrawdownPct  *float64 `yaml:"max_drawdown_pct,omitempty" json:"max_drawdown_pct,omitempty"`
	EquityFloorUSDT *float64 `yaml:"equity_floor_usdt,omitempty" json:"equity_floor_usdt,omitempty"`
}
