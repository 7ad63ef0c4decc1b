package exchange

import (
	"fmt"

	"perpsim/feed"
	"perpsim/play"
	"perpsim/rules"
)

// admitIntent converts one evaluator intent into exchange state: an order in
// next bar's queue, a stop adjustment, or an event. Market intents never
// fill on their submission bar.
func (x *Exchange) admitIntent(bar feed.Bar, mark float64, in *rules.Intent, res *StepResult) {
	switch in.Action {
	case rules.ActionAlert:
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvAlert,
			Detail: fmt.Sprintf("%s/%s: %s", in.Group, in.Case, in.Message)})

	case rules.ActionMoveStop:
		x.moveStop(bar, in, res)

	case rules.ActionPartialTP:
		x.admitPartialTP(bar, in, res)

	case rules.ActionExitLong, rules.ActionExitShort:
		x.admitExit(bar, in, res)

	case rules.ActionEnterLong, rules.ActionEnterShort:
		x.admitEntry(bar, mark, in, res)
	}
}

func (x *Exchange) moveStop(bar feed.Bar, in *rules.Intent, res *StepResult) {
	p := x.pos
	if p == nil {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: "move_stop with no open position"})
		return
	}
	newSL := in.StopLoss
	if in.Trail {
		// A trailing move only ever tightens the stop.
		tightens := feed.IsMissing(p.SL) ||
			(p.Side == Long && newSL > p.SL) || (p.Side == Short && newSL < p.SL)
		if !tightens {
			return
		}
		p.SL = newSL
		p.TrailingSL = true
	} else {
		p.SL = newSL
		p.TrailingSL = false
	}
	res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvStopMoved,
		Price: newSL, Detail: fmt.Sprintf("%s trail=%t", p.ID, in.Trail)})
}

func (x *Exchange) admitPartialTP(bar feed.Bar, in *rules.Intent, res *StepResult) {
	p := x.pos
	if p == nil {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: "partial_tp with no open position"})
		return
	}
	if !x.hasBookCapacity(bar, res) {
		return
	}
	o := &Order{
		ID:         x.nextOrderID(),
		Side:       exitSideOf(p.Side),
		Kind:       rules.KindMarket,
		SizeUSDT:   p.SizeUSDT * in.Percent / 100,
		LimitPrice: feed.Missing, TriggerPrice: feed.Missing,
		AttachedSL: feed.Missing, AttachedTP: feed.Missing,
		ReduceOnly: true,
		TsSubmit:   bar.TsClose,
		Group:      in.Group, Case: in.Case,
	}
	x.queue = append(x.queue, o)
}

func (x *Exchange) admitExit(bar feed.Bar, in *rules.Intent, res *StepResult) {
	p := x.pos
	want := Long
	if in.Action == rules.ActionExitShort {
		want = Short
	}
	if p == nil || p.Side != want {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: fmt.Sprintf("%s with no matching position", in.Action)})
		return
	}
	if !x.hasBookCapacity(bar, res) {
		return
	}
	o := &Order{
		ID:         x.nextOrderID(),
		Side:       exitSideOf(p.Side),
		Kind:       rules.KindMarket,
		SizeUSDT:   p.SizeUSDT,
		LimitPrice: feed.Missing, TriggerPrice: feed.Missing,
		AttachedSL: feed.Missing, AttachedTP: feed.Missing,
		ReduceOnly: true,
		TsSubmit:   bar.TsClose,
		Group:      in.Group, Case: in.Case,
	}
	x.queue = append(x.queue, o)
}

func (x *Exchange) admitEntry(bar feed.Bar, mark float64, in *rules.Intent, res *StepResult) {
	if x.pos != nil {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: "entry while position open (one-way mode)"})
		return
	}

	// Reference price for sizing: the declared level when there is one,
	// else the current close.
	refPx := bar.Close
	if in.HasLimit() {
		refPx = in.LimitPrice
	} else if in.HasTrigger() {
		refPx = in.TriggerPrice
	}

	size, err := x.sizeFor(in, mark, refPx)
	if err != nil {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject, Detail: err.Error()})
		return
	}
	if size < x.cfg.MinNotional {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: fmt.Sprintf("size %.4f below min notional %.4f", size, x.cfg.MinNotional)})
		return
	}

	margin := size / x.cfg.Leverage
	feeBuffer := size * x.cfg.TakerRate
	if avail := x.Available(mark); margin+feeBuffer > avail {
		rej := &MarginReject{RequiredUSDT: margin + feeBuffer, AvailableUSDT: avail}
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvMarginReject,
			Amount: rej.RequiredUSDT, Detail: rej.Error()})
		x.log.Debug().Float64("required", rej.RequiredUSDT).Float64("available", avail).
			Msg("entry rejected for margin")
		return
	}
	if !x.hasBookCapacity(bar, res) {
		return
	}

	side := Buy
	if in.Action == rules.ActionEnterShort {
		side = Sell
	}
	o := &Order{
		ID:           x.nextOrderID(),
		Side:         side,
		Kind:         in.Order,
		SizeUSDT:     size,
		LimitPrice:   in.LimitPrice,
		TriggerPrice: in.TriggerPrice,
		TriggerDir:   in.TriggerDirection,
		TIF:          in.TIF,
		AttachedSL:   in.StopLoss,
		AttachedTP:   in.TakeProfit,
		TsSubmit:     bar.TsClose,
		Group:        in.Group, Case: in.Case,
	}
	if err := o.validate(); err != nil {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject, Detail: err.Error()})
		return
	}
	x.queue = append(x.queue, o)
	x.log.Debug().Str("order", o.ID).Str("side", side.String()).
		Float64("size", size).Msg("entry queued")
}

// sizeFor computes the order notional from the intent's sizing mode.
func (x *Exchange) sizeFor(in *rules.Intent, mark, refPx float64) (float64, error) {
	equity := x.Equity(mark)
	switch in.Sizing.Mode {
	case play.SizingFixedUSDT:
		return in.Sizing.ValueUSDT, nil
	case play.SizingPercentEquity:
		return equity * in.Sizing.Percent / 100, nil
	case play.SizingRiskPct:
		if !in.HasSL() {
			return 0, fmt.Errorf("risk_pct sizing without a stop level")
		}
		dist := refPx - in.StopLoss
		if dist < 0 {
			dist = -dist
		}
		if dist <= 0 {
			return 0, fmt.Errorf("risk_pct sizing with zero stop distance")
		}
		riskUSDT := equity * in.Sizing.RiskPct / 100
		return riskUSDT / dist * refPx, nil
	default:
		return 0, fmt.Errorf("unknown sizing mode %q", in.Sizing.Mode)
	}
}

func (x *Exchange) hasBookCapacity(bar feed.Bar, res *StepResult) bool {
	if x.book.len()+len(x.queue) >= x.cfg.MaxPendingOrders {
		res.Events = append(res.Events, Event{Ts: bar.TsClose, Kind: EvReject,
			Detail: fmt.Sprintf("order book full (%d pending)", x.cfg.MaxPendingOrders)})
		return false
	}
	return true
}
