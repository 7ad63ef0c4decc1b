// Package engine owns the per-bar replay loop: multi-timeframe index
// advancement, the warmup/readiness gate, closed-candle evaluation and the
// fixed step order between evaluator and exchange.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"perpsim/exchange"
	"perpsim/feed"
	"perpsim/play"
	"perpsim/rules"
	"perpsim/snapshot"
	"perpsim/state"
)

// TerminalStop names the structured early-exit outcomes. They are results,
// not errors.
type TerminalStop string

const (
	StopNone               TerminalStop = ""
	StopMaxDrawdown        TerminalStop = "max_drawdown_breach"
	StopEquityFloor        TerminalStop = "equity_floor"
	StopInsufficientMargin TerminalStop = "insufficient_margin"
	StopEndOfData          TerminalStop = "end_of_data"
)

// Inputs bundles everything a run consumes. Frames and the minute stream
// arrive preloaded and preflighted by the data provider.
type Inputs struct {
	Play    *play.Play
	Frames  map[feed.Role]feed.Frame
	Funding *feed.FundingSeries
	Minutes *feed.MinuteStream
	// Structures is the incremental-state registry; nil means no detectors.
	Structures *state.Registry
}

// Result is the engine's in-memory run outcome, handed to the artifact
// writer.
type Result struct {
	Play   *play.Play
	Trades []exchange.Trade
	Equity []exchange.EquityPoint
	Events []exchange.Event

	TerminalStop  TerminalStop
	BarsProcessed int
	WarmupBars    int

	FinalEquityUSDT     float64
	FeesUSDT            float64
	FundingPaidUSDT     float64
	FundingReceivedUSDT float64
	LiquidationLossUSDT float64
}

// Engine drives one deterministic run. It owns its feed, registry, compiled
// rules and exchange exclusively; nothing here is shared across runs.
type Engine struct {
	play  *play.Play
	feed  *feed.BarFeed
	reg   *state.Registry
	rules *rules.Rules
	exch  *exchange.Exchange
	log   zerolog.Logger

	medIdx  int
	highIdx int

	peakEquity float64
	events     []exchange.Event
}

// New validates the Play, freezes the feed and compiles the rules. All
// configuration failures surface here, before the first bar.
func New(in Inputs, logger zerolog.Logger) (*Engine, error) {
	if err := in.Play.Validate(); err != nil {
		return nil, err
	}
	bf, err := feed.NewBarFeed(in.Frames, in.Play.RollingWindows)
	if err != nil {
		return nil, err
	}
	for _, role := range in.Play.Timeframes.Roles() {
		if !bf.HasRole(role) {
			return nil, fmt.Errorf("declared role %s has no loaded frame", role)
		}
		want, _ := in.Play.Timeframes.ByRole(role)
		if got := bf.TF(role); got != want {
			return nil, fmt.Errorf("role %s: frame timeframe %s does not match declared %s", role, got, want)
		}
		if need := in.Play.WarmupFor(role); bf.Len(role) <= need {
			return nil, fmt.Errorf("role %s: %d bars cannot satisfy warmup of %d", role, bf.Len(role), need)
		}
	}

	reg := in.Structures
	if reg == nil {
		reg = state.NewRegistry()
	}
	catalog := snapshot.NewCatalog(bf, reg, in.Play.RollingWindows)
	compiled, err := rules.Compile(in.Play, catalog)
	if err != nil {
		return nil, err
	}

	log := logger.With().Str("comp", "engine").Str("play", in.Play.Name).Logger()
	ex := exchange.New(exchange.ConfigFromPlay(in.Play), in.Funding, in.Minutes, logger)

	return &Engine{
		play:       in.Play,
		feed:       bf,
		reg:        reg,
		rules:      compiled,
		exch:       ex,
		log:        log,
		medIdx:     -1,
		highIdx:    -1,
		peakEquity: in.Play.Risk.StartingEquityUSDT,
	}, nil
}

// Run executes the full replay. The loop is strictly sequential; ctx is
// only consulted between bars.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	n := e.feed.Len(feed.RoleExec)
	stop := StopNone
	warmupBars := 0

	e.log.Info().Int("bars", n).Str("symbol", e.play.Symbol).
		Str("exec_tf", string(e.feed.TF(feed.RoleExec))).Msg("run starting")

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := e.feed.Get(feed.RoleExec, i)

		// Stops detected on the previous bar fire at this bar's open.
		if s := e.pendingStop(); s != StopNone {
			stop = s
			res := &exchange.StepResult{}
			e.exch.ForceClose(bar.TsOpen, bar.Open, exchange.ReasonForceClose, res)
			e.collect(res.Events)
			e.exch.RecordIdleEquity(bar)
			e.log.Warn().Str("stop", string(s)).Int("bar", i).Msg("terminal stop")
			break
		}

		e.advanceIndices(i, bar)

		if !e.ready(i) {
			warmupBars++
			e.exch.RecordIdleEquity(bar)
			continue
		}

		// Exchange first half: funding, pending fills, intra-bar subloop.
		res := e.exch.ProcessBarPre(i, bar)

		view := e.buildView(i, bar, res)
		e.assertNoLookahead(i, bar, view)

		intents, notes := e.rules.Evaluate(view)
		for _, note := range notes {
			e.events = append(e.events, exchange.Event{Ts: bar.TsClose, Kind: "intent_skipped",
				Detail: fmt.Sprintf("%s/%s: %s", note.Group, note.Case, note.Reason)})
		}

		// Exchange second half: mark-to-market, intent admission, equity.
		e.exch.ProcessBarPost(bar, res.Mark, intents, res)

		// History advances only after evaluation, so prev(1) always means
		// the previous bar. This ordering is a hard contract.
		e.rules.EndBar(view)

		e.collect(res.Events)
	}

	last := e.feed.Get(feed.RoleExec, n-1)
	if stop == StopNone {
		stop = StopEndOfData
		if e.exch.Position() != nil {
			res := &exchange.StepResult{}
			e.exch.ForceClose(last.TsClose, last.Close, exchange.ReasonEndOfData, res)
			e.collect(res.Events)
			e.exch.RewriteLastEquity(last)
		}
	}

	fees, fp, fr, liqLoss := e.exch.Totals()
	eq := e.exch.EquityCurve()
	final := e.play.Risk.StartingEquityUSDT
	if len(eq) > 0 {
		final = eq[len(eq)-1].EquityUSDT
	}
	e.log.Info().Str("stop", string(stop)).Int("trades", len(e.exch.Trades())).
		Float64("final_equity", final).Msg("run finished")

	return &Result{
		Play:                e.play,
		Trades:              e.exch.Trades(),
		Equity:              eq,
		Events:              e.events,
		TerminalStop:        stop,
		BarsProcessed:       len(eq),
		WarmupBars:          warmupBars,
		FinalEquityUSDT:     final,
		FeesUSDT:            fees,
		FundingPaidUSDT:     fp,
		FundingReceivedUSDT: fr,
		LiquidationLossUSDT: liqLoss,
	}, nil
}

// advanceIndices updates the slower-role indices for the new execution close
// and feeds newly closed bars to the structure registry, highest timeframe
// first.
func (e *Engine) advanceIndices(i int, bar feed.Bar) {
	if e.feed.HasRole(feed.RoleHigh) {
		if next := e.feed.LatestClosedIdx(feed.RoleHigh, bar.TsClose, e.highIdx); next != e.highIdx {
			e.highIdx = next
			e.reg.UpdateRole(feed.RoleHigh, e.feed.Get(feed.RoleHigh, next))
		}
	}
	if e.feed.HasRole(feed.RoleMed) {
		if next := e.feed.LatestClosedIdx(feed.RoleMed, bar.TsClose, e.medIdx); next != e.medIdx {
			e.medIdx = next
			e.reg.UpdateRole(feed.RoleMed, e.feed.Get(feed.RoleMed, next))
		}
	}
	e.reg.UpdateRole(feed.RoleExec, bar)
}

// ready applies the readiness gate: every declared role has at least one
// closed bar and its warmup has elapsed.
func (e *Engine) ready(execIdx int) bool {
	closed := func(role feed.Role) int {
		switch role {
		case feed.RoleExec:
			return execIdx + 1
		case feed.RoleMed:
			return e.medIdx + 1
		default:
			return e.highIdx + 1
		}
	}
	for _, role := range e.play.Timeframes.Roles() {
		need := e.play.WarmupFor(role)
		if need < 1 {
			need = 1
		}
		if closed(role) < need {
			return false
		}
	}
	return true
}

func (e *Engine) buildView(i int, bar feed.Bar, res *exchange.StepResult) *snapshot.View {
	return &snapshot.View{
		Feed:    e.feed,
		ExecIdx: i,
		MedIdx:  e.medIdx,
		HighIdx: e.highIdx,
		Mark:    res.Mark, MarkHigh: res.MarkHigh, MarkLow: res.MarkLow,
		Last:       res.Last,
		Structures: e.reg,
		Account:    e.exch.AccountState(res.Mark),
	}
}

// assertNoLookahead panics when the snapshot could observe the future: its
// effective close must equal the bar's close, and every forward-filled role
// must have closed at or before it.
func (e *Engine) assertNoLookahead(i int, bar feed.Bar, v *snapshot.View) {
	if v.TsClose() != bar.TsClose {
		panic(&exchange.InvariantViolation{BarIdx: i, Ts: bar.TsClose,
			Identity: "no lookahead",
			Detail:   fmt.Sprintf("snapshot ts_close %d != bar ts_close %d", v.TsClose(), bar.TsClose)})
	}
	for _, rc := range []struct {
		role feed.Role
		idx  int
	}{{feed.RoleHigh, e.highIdx}, {feed.RoleMed, e.medIdx}} {
		role, idx := rc.role, rc.idx
		if idx < 0 || !e.feed.HasRole(role) {
			continue
		}
		if ts := e.feed.TsClose(role, idx); ts > bar.TsClose {
			panic(&exchange.InvariantViolation{BarIdx: i, Ts: bar.TsClose,
				Identity: "no lookahead",
				Detail:   fmt.Sprintf("%s index %d closed at %d, after exec close %d", role, idx, ts, bar.TsClose)})
		}
	}
}

// pendingStop inspects the account after the previous bar and reports a
// terminal condition, if any.
func (e *Engine) pendingStop() TerminalStop {
	eq := e.exch.EquityCurve()
	if len(eq) == 0 {
		return StopNone
	}
	cur := eq[len(eq)-1]
	if cur.EquityUSDT > e.peakEquity {
		e.peakEquity = cur.EquityUSDT
	}

	floor := 0.0
	if e.play.Risk.EquityFloorUSDT != nil {
		floor = *e.play.Risk.EquityFloorUSDT
	}
	if cur.EquityUSDT <= floor {
		return StopEquityFloor
	}
	if e.play.Risk.MaxDrawdownPct != nil && e.peakEquity > 0 {
		dd := (e.peakEquity - cur.EquityUSDT) / e.peakEquity * 100
		if dd > *e.play.Risk.MaxDrawdownPct {
			return StopMaxDrawdown
		}
	}
	// Margin no longer covering the open position means the account cannot
	// sustain it; stop before the hole deepens.
	if e.exch.Position() != nil && cur.EquityUSDT < e.exch.UsedMargin() {
		return StopInsufficientMargin
	}
	return StopNone
}

func (e *Engine) collect(evs []exchange.Event) {
	e.events = append(e.events, evs...)
}
