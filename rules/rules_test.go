package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/feed"
	"perpsim/play"
	"perpsim/snapshot"
	"perpsim/state"
)

func f(v float64) *float64 { return &v }

// harness compiles a play against a synthetic exec frame and steps the
// evaluator bar by bar with the documented history ordering.
type harness struct {
	t     *testing.T
	bf    *feed.BarFeed
	rules *Rules
}

func newHarness(t *testing.T, p *play.Play, closes []float64, indicators map[string][]float64) *harness {
	t.Helper()
	step := feed.TF1h.Millis()
	bars := make([]feed.Bar, len(closes))
	for i, c := range closes {
		bars[i] = feed.Bar{
			TsOpen: int64(i) * step, TsClose: int64(i+1) * step,
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	bf, err := feed.NewBarFeed(map[feed.Role]feed.Frame{
		feed.RoleExec: {Symbol: "BTCUSDT", TF: feed.TF1h, Bars: bars, Indicators: indicators},
	}, p.RollingWindows)
	require.NoError(t, err)

	cat := snapshot.NewCatalog(bf, state.NewRegistry(), p.RollingWindows)
	compiled, err := Compile(p, cat)
	require.NoError(t, err)
	return &harness{t: t, bf: bf, rules: compiled}
}

func (h *harness) step(i int) ([]Intent, []Note) {
	bar := h.bf.Get(feed.RoleExec, i)
	v := &snapshot.View{
		Feed: h.bf, ExecIdx: i, MedIdx: -1, HighIdx: -1,
		Mark: bar.Close, MarkHigh: bar.High, MarkLow: bar.Low, Last: bar.Close,
		Structures: state.NewRegistry(),
	}
	intents, notes := h.rules.Evaluate(v)
	h.rules.EndBar(v)
	return intents, notes
}

func basePlay(when play.Condition, emits ...play.Emit) *play.Play {
	if len(emits) == 0 {
		emits = []play.Emit{{Action: "enter_long"}}
	}
	return &play.Play{
		Name: "test", Symbol: "BTCUSDT",
		Instrument: play.Instrument{TickSize: 0.1, MMR: 0.005},
		Timeframes: play.Timeframes{Exec: "1h"},
		Risk: play.Risk{StartingEquityUSDT: 10000, MaxLeverage: 10,
			FeeModel: play.FeeModel{TakerBps: 6}, MarkPriceSource: "close"},
		Sizing: play.Sizing{Mode: play.SizingFixedUSDT, ValueUSDT: 1000},
		Actions: []play.ActionGroup{{
			ID:    "g",
			Cases: []play.Case{{ID: "c", When: when, Emit: emits}},
		}},
	}
}

func TestRejectFloatEquality(t *testing.T) {
	p := basePlay(play.Condition{
		Op: "==", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(100)},
	})
	_, err := Compile(p, snapshot.NewCatalog(mustFeed(t), state.NewRegistry(), nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "operator == not supported")
	assert.ErrorContains(t, err, "near_pct")
}

func TestUnknownOperatorListsAllowed(t *testing.T) {
	p := basePlay(play.Condition{
		Op: "~>", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(1)},
	})
	_, err := Compile(p, snapshot.NewCatalog(mustFeed(t), state.NewRegistry(), nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "cross_above")
}

func mustFeed(t *testing.T) *feed.BarFeed {
	t.Helper()
	step := feed.TF1h.Millis()
	bf, err := feed.NewBarFeed(map[feed.Role]feed.Frame{
		feed.RoleExec: {Symbol: "BTCUSDT", TF: feed.TF1h, Bars: []feed.Bar{
			{TsOpen: 0, TsClose: step, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1},
		}},
	}, nil)
	require.NoError(t, err)
	return bf
}

func TestCrossAboveSemantics(t *testing.T) {
	p := basePlay(play.Condition{
		Op:    "cross_above",
		Left:  &play.Operand{Feature: "fast"},
		Right: &play.Operand{Feature: "slow"},
	})
	p.Features = []play.Feature{
		{ID: "fast", Kind: play.FeatureIndicator, TF: "exec", Key: "ema_9"},
		{ID: "slow", Kind: play.FeatureIndicator, TF: "exec", Key: "ema_21"},
	}
	h := newHarness(t, p, []float64{100, 100, 100}, map[string][]float64{
		"ema_9":  {10, 10.6, 10.7},
		"ema_21": {10.5, 10.4, 10.3},
	})

	// Bar 0: no previous values, a cross cannot be observed.
	intents, _ := h.step(0)
	assert.Empty(t, intents)

	// Bar 1: prev fast 10 <= prev slow 10.5, now 10.6 > 10.4: cross.
	intents, _ = h.step(1)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionEnterLong, intents[0].Action)

	// Bar 2: fast already above slow, no new cross.
	intents, _ = h.step(2)
	assert.Empty(t, intents)
}

func TestMissingInputForcesFalse(t *testing.T) {
	p := basePlay(play.Condition{
		All: []play.Condition{
			{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(0)}},
			{Op: ">", Left: &play.Operand{Feature: "x"}, Right: &play.Operand{Value: f(0)}},
		},
	})
	p.Features = []play.Feature{{ID: "x", Kind: play.FeatureIndicator, TF: "exec", Key: "rsi_14"}}
	h := newHarness(t, p, []float64{100, 100}, map[string][]float64{
		"rsi_14": {feed.Missing, 55},
	})

	intents, _ := h.step(0)
	assert.Empty(t, intents, "missing operand must not emit")

	intents, _ = h.step(1)
	assert.Len(t, intents, 1)
}

func TestNotOfMissingStaysFalse(t *testing.T) {
	p := basePlay(play.Condition{
		Not: &play.Condition{Op: ">", Left: &play.Operand{Feature: "x"}, Right: &play.Operand{Value: f(0)}},
	})
	p.Features = []play.Feature{{ID: "x", Kind: play.FeatureIndicator, TF: "exec", Key: "rsi_14"}}
	h := newHarness(t, p, []float64{100}, map[string][]float64{"rsi_14": {feed.Missing}})

	intents, _ := h.step(0)
	assert.Empty(t, intents, "not(missing) propagates missing, never true")
}

func TestFirstMatchWithinGroup(t *testing.T) {
	p := basePlay(play.Condition{})
	p.Actions = []play.ActionGroup{{
		ID: "g",
		Cases: []play.Case{
			{ID: "a",
				When: play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(50)}},
				Emit: []play.Emit{{Action: "enter_long"}}},
			{ID: "b",
				When: play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(10)}},
				Emit: []play.Emit{{Action: "enter_short"}}},
		},
	}}
	h := newHarness(t, p, []float64{100}, nil)

	intents, _ := h.step(0)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionEnterLong, intents[0].Action)
	assert.Equal(t, "a", intents[0].Case)
}

func TestHoldsForDuration(t *testing.T) {
	p := basePlay(play.Condition{
		HoldsFor: &play.Window{
			Expr: play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(100)}},
			Bars: 3,
		},
	})
	h := newHarness(t, p, []float64{99, 101, 102, 103, 99, 104}, nil)

	var fired []int
	for i := 0; i < 6; i++ {
		if intents, _ := h.step(i); len(intents) > 0 {
			fired = append(fired, i)
		}
	}
	// True since bar 1; three consecutive trues complete at bar 3. Bar 4
	// breaks the streak; bar 5 restarts it.
	assert.Equal(t, []int{3}, fired)
}

func TestOccurredWithinDuration(t *testing.T) {
	p := basePlay(play.Condition{
		OccurredWithin: &play.Window{
			Expr: play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(100)}},
			Bars: 3,
		},
	})
	h := newHarness(t, p, []float64{101, 99, 99, 99, 99}, nil)

	var fired []int
	for i := 0; i < 5; i++ {
		if intents, _ := h.step(i); len(intents) > 0 {
			fired = append(fired, i)
		}
	}
	// The spike at bar 0 stays visible through bar 2's 3-bar window.
	assert.Equal(t, []int{0, 1, 2}, fired)
}

func TestCountTrueDuration(t *testing.T) {
	p := basePlay(play.Condition{
		CountTrue: &play.CountWindow{
			Expr:  play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(100)}},
			Bars:  3,
			Op:    ">=",
			Count: 2,
		},
	})
	h := newHarness(t, p, []float64{101, 99, 102, 99, 99}, nil)

	var fired []int
	for i := 0; i < 5; i++ {
		if intents, _ := h.step(i); len(intents) > 0 {
			fired = append(fired, i)
		}
	}
	// Only the window ending at bar 2 ({0,1,2}) holds two trues (bars 0 and
	// 2); bar 3's window {1,2,3} holds one. Only bar 2.
	assert.Equal(t, []int{2}, fired)
}

func TestNearOperators(t *testing.T) {
	p := basePlay(play.Condition{
		Op: "near_pct", Tolerance: 1,
		Left:  &play.Operand{Path: "price.close"},
		Right: &play.Operand{Value: f(100)},
	})
	h := newHarness(t, p, []float64{100.5, 102}, nil)

	intents, _ := h.step(0)
	assert.Len(t, intents, 1, "100.5 is within 1%% of 100")
	intents, _ = h.step(1)
	assert.Empty(t, intents, "102 is not")
}

func TestArithmeticOperands(t *testing.T) {
	p := basePlay(play.Condition{
		Op:   ">",
		Left: &play.Operand{Path: "price.close"},
		Right: &play.Operand{Expr: &play.Arith{
			Op:    "*",
			Left:  play.Operand{Path: "bar.exec.close[1]"},
			Right: play.Operand{Value: f(1.01)},
		}},
	})
	h := newHarness(t, p, []float64{100, 102, 102.5}, nil)

	intents, _ := h.step(0)
	assert.Empty(t, intents, "offset 1 has no history on the first bar")
	intents, _ = h.step(1)
	assert.Len(t, intents, 1, "102 > 100*1.01")
	intents, _ = h.step(2)
	assert.Empty(t, intents, "102.5 < 102*1.01")
}

func TestEmitLowersPrices(t *testing.T) {
	p := basePlay(
		play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(0)}},
		play.Emit{
			Action: "enter_long",
			StopLoss: &play.Operand{Expr: &play.Arith{
				Op: "*", Left: play.Operand{Path: "price.close"}, Right: play.Operand{Value: f(0.95)},
			}},
			TakeProfit: &play.Operand{Value: f(110)},
		},
	)
	h := newHarness(t, p, []float64{100}, nil)

	intents, notes := h.step(0)
	require.Empty(t, notes)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.InDelta(t, 95, in.StopLoss, 1e-9)
	assert.Equal(t, 110.0, in.TakeProfit)
	assert.Equal(t, KindMarket, in.Order)
	assert.Equal(t, play.SizingFixedUSDT, in.Sizing.Mode)
}

func TestEmitWithMissingPriceIsSkipped(t *testing.T) {
	p := basePlay(
		play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(0)}},
		play.Emit{
			Action:     "enter_long",
			OrderType:  "limit",
			LimitPrice: &play.Operand{Feature: "lvl"},
		},
	)
	p.Features = []play.Feature{{ID: "lvl", Kind: play.FeatureIndicator, TF: "exec", Key: "support"}}
	h := newHarness(t, p, []float64{100}, map[string][]float64{"support": {feed.Missing}})

	intents, notes := h.step(0)
	assert.Empty(t, intents)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Reason, "limit_price")
}

func TestStopOrdersRequireTriggerMetadata(t *testing.T) {
	p := basePlay(
		play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(0)}},
		play.Emit{Action: "enter_long", OrderType: "stop_market", TriggerPrice: &play.Operand{Value: f(105)}},
	)
	_, err := Compile(p, snapshot.NewCatalog(mustFeed(t), state.NewRegistry(), nil))
	assert.ErrorContains(t, err, "trigger_direction")
}

func TestRiskPctSizingRequiresStop(t *testing.T) {
	p := basePlay(
		play.Condition{Op: ">", Left: &play.Operand{Path: "price.close"}, Right: &play.Operand{Value: f(0)}},
		play.Emit{Action: "enter_long", Sizing: &play.Sizing{Mode: play.SizingRiskPct, RiskPct: 1}},
	)
	_, err := Compile(p, snapshot.NewCatalog(mustFeed(t), state.NewRegistry(), nil))
	assert.ErrorContains(t, err, "risk_pct sizing requires an sl")
}
