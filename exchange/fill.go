package exchange

import (
	"fmt"
	"math"

	"perpsim/feed"
	"perpsim/rules"
)

// ============================================================================
// Pending order fills (bar open)
// ============================================================================

// fillPending evaluates every resting order against the new bar, in strict
// submission order. Orders were admitted on a previous bar; market orders
// never fill on their submission bar.
func (x *Exchange) fillPending(bar feed.Bar, res *StepResult) {
	for _, id := range x.book.snapshotIDs() {
		o, ok := x.book.byID[id]
		if !ok {
			continue // removed by an earlier fill this bar
		}
		x.evalOrder(o, bar, res)
	}
}

func (x *Exchange) evalOrder(o *Order, bar feed.Bar, res *StepResult) {
	// Stop orders promote on a gap through the trigger at the open;
	// intra-bar triggering belongs to the subloop.
	if o.Kind == rules.KindStopMarket || o.Kind == rules.KindStopLimit {
		gapped := (o.TriggerDir == rules.TriggerRise && bar.Open >= o.TriggerPrice) ||
			(o.TriggerDir == rules.TriggerFall && bar.Open <= o.TriggerPrice)
		if !gapped {
			return
		}
		res.Events = append(res.Events, Event{Ts: bar.TsOpen, Kind: EvStopTriggered,
			Order: o.ID, Price: bar.Open})
		if o.Kind == rules.KindStopMarket {
			x.fillAsMarket(o, bar.Open, bar.TsOpen, res)
			return
		}
		o.Kind = rules.KindLimit // stop-limit enters the book as a plain limit
	}

	switch o.Kind {
	case rules.KindMarket:
		x.fillAsMarket(o, bar.Open, bar.TsOpen, res)

	case rules.KindLimit:
		x.evalLimit(o, bar, res)
	}
}

func (x *Exchange) evalLimit(o *Order, bar feed.Bar, res *StepResult) {
	crossesAtOpen := (o.Side == Buy && bar.Open <= o.LimitPrice) ||
		(o.Side == Sell && bar.Open >= o.LimitPrice)

	if o.TIF == rules.TIFPostOnly && crossesAtOpen {
		x.cancel(o.ID, bar.TsOpen, "post_only would fill immediately", res)
		return
	}
	if o.TIF == rules.TIFFOK && !crossesAtOpen {
		x.cancel(o.ID, bar.TsOpen, "fok cannot fill at open", res)
		return
	}

	touched := (o.Side == Buy && bar.Low <= o.LimitPrice) ||
		(o.Side == Sell && bar.High >= o.LimitPrice)
	if !touched {
		if o.TIF == rules.TIFIOC {
			x.cancel(o.ID, bar.TsOpen, "ioc unfilled", res)
		}
		return
	}

	// A limit that the bar opens through fills at the better open price.
	px := o.LimitPrice
	if o.Side == Buy && bar.Open < px {
		px = bar.Open
	}
	if o.Side == Sell && bar.Open > px {
		px = bar.Open
	}
	feeRate := x.cfg.TakerRate
	if o.TIF == rules.TIFPostOnly {
		feeRate = x.cfg.MakerRate
	}
	x.executeFill(o, px, feeRate, bar.TsOpen, res)
}

// fillAsMarket fills an order at the reference price with adverse slippage
// and taker fee.
func (x *Exchange) fillAsMarket(o *Order, refPx float64, ts int64, res *StepResult) {
	px := x.adversePrice(refPx, o.Side)
	x.executeFill(o, px, x.cfg.TakerRate, ts, res)
}

// executeFill applies one order fill to the ledger: reduce-only orders close
// or shrink the position, everything else opens one.
func (x *Exchange) executeFill(o *Order, px float64, feeRate float64, ts int64, res *StepResult) {
	x.book.remove(o.ID)

	if o.ReduceOnly {
		if x.pos == nil {
			x.cancelEvent(o.ID, ts, "no position to reduce", res)
			return
		}
		frac := o.SizeUSDT / x.pos.SizeUSDT
		if frac >= 1-1e-12 {
			x.closePosition(px, ts, ReasonSignal, feeRate, res)
		} else {
			x.partialClose(frac, px, ts, ReasonSignal, feeRate, res)
		}
		return
	}

	if x.pos != nil {
		x.cancelEvent(o.ID, ts, "position already open (one-way mode)", res)
		return
	}

	margin := o.SizeUSDT / x.cfg.Leverage
	fee := o.SizeUSDT * feeRate
	if margin+fee > x.cash {
		res.Events = append(res.Events, Event{Ts: ts, Kind: EvMarginReject, Order: o.ID,
			Amount: margin + fee, Detail: (&MarginReject{RequiredUSDT: margin + fee, AvailableUSDT: x.cash}).Error()})
		return
	}

	side := Long
	if o.Side == Sell {
		side = Short
	}
	x.cash -= fee
	x.feesPaid += fee
	x.pos = &Position{
		ID:         x.nextPositionID(),
		Side:       side,
		EntryPrice: px,
		SizeUSDT:   o.SizeUSDT,
		Qty:        o.SizeUSDT / px,
		EntryTs:    ts,
		SL:         o.AttachedSL,
		TP:         o.AttachedTP,
		Leverage:   x.cfg.Leverage,
		MMR:        x.cfg.MMR,
		EntryFee:   fee,
		HighWater:  px,
		LowWater:   px,
	}
	res.Fills = append(res.Fills, Fill{OrderID: o.ID, PositionID: x.pos.ID,
		Side: o.Side.String(), Price: px, NotionalUSDT: o.SizeUSDT, FeeUSDT: fee, Ts: ts, Kind: "entry"})
	res.Events = append(res.Events, Event{Ts: ts, Kind: EvPositionOpen, Order: o.ID,
		Price: px, Amount: o.SizeUSDT, Detail: x.pos.ID + " " + side.String()})
	x.log.Debug().Str("order", o.ID).Str("pos", x.pos.ID).Float64("px", px).
		Float64("size", o.SizeUSDT).Msg("position opened")
}

func (x *Exchange) cancel(id string, ts int64, why string, res *StepResult) {
	x.book.remove(id)
	x.cancelEvent(id, ts, why, res)
}

func (x *Exchange) cancelEvent(id string, ts int64, why string, res *StepResult) {
	res.Events = append(res.Events, Event{Ts: ts, Kind: EvCancel, Order: id, Detail: why})
}

// ============================================================================
// Position closes
// ============================================================================

func (x *Exchange) closePosition(px float64, ts int64, reason string, feeRate float64, res *StepResult) {
	p := x.pos
	pricePnL := p.Qty * (px - p.EntryPrice)
	if p.Side == Short {
		pricePnL = -pricePnL
	}
	exitFee := p.Qty * px * feeRate
	x.cash += pricePnL - exitFee
	x.feesPaid += exitFee

	realized := pricePnL - p.EntryFee - exitFee
	x.realized += realized

	t := Trade{
		ID:                  x.nextTradeID(),
		PositionID:          p.ID,
		Side:                p.Side.String(),
		EntryTs:             p.EntryTs,
		ExitTs:              ts,
		SizeUSDT:            p.SizeUSDT,
		EntryPrice:          p.EntryPrice,
		ExitPrice:           px,
		RealizedPnLUSDT:     realized,
		FeesUSDT:            p.EntryFee + exitFee,
		FundingPaidUSDT:     p.FundingPaid,
		FundingReceivedUSDT: p.FundingReceived,
		ExitReason:          reason,
		MAEPct:              p.maePct(),
		MFEPct:              p.mfePct(),
	}
	x.trades = append(x.trades, t)
	x.pos = nil
	// Isolated margin bounds the loss at the bankruptcy price; any
	// overshoot from gapped fills is absorbed, never a negative account.
	if x.cash < 0 {
		x.liquidationLoss += -x.cash
		x.cash = 0
	}
	res.PositionClosed = true
	res.Fills = append(res.Fills, Fill{PositionID: p.ID, Side: exitSideOf(p.Side).String(),
		Price: px, NotionalUSDT: t.SizeUSDT, FeeUSDT: exitFee, Ts: ts, Kind: reason})
	res.Events = append(res.Events, Event{Ts: ts, Kind: EvPositionClose, Price: px,
		Amount: realized, Detail: fmt.Sprintf("%s %s", p.ID, reason)})
	x.log.Debug().Str("pos", p.ID).Str("reason", reason).Float64("px", px).
		Float64("pnl", realized).Msg("position closed")
}

// partialClose realizes a fraction of the position. Entry price and the
// remaining accumulators stay untouched except for their pro rata shares.
func (x *Exchange) partialClose(frac, px float64, ts int64, reason string, feeRate float64, res *StepResult) {
	p := x.pos
	qtyClosed := p.Qty * frac
	notionalClosed := p.SizeUSDT * frac
	entryFeeShare := p.EntryFee * frac
	fundPaidShare := p.FundingPaid * frac
	fundRecvShare := p.FundingReceived * frac

	pricePnL := qtyClosed * (px - p.EntryPrice)
	if p.Side == Short {
		pricePnL = -pricePnL
	}
	exitFee := qtyClosed * px * feeRate
	x.cash += pricePnL - exitFee
	x.feesPaid += exitFee

	realized := pricePnL - entryFeeShare - exitFee
	x.realized += realized

	t := Trade{
		ID:                  x.nextTradeID(),
		PositionID:          p.ID,
		Side:                p.Side.String(),
		EntryTs:             p.EntryTs,
		ExitTs:              ts,
		SizeUSDT:            notionalClosed,
		EntryPrice:          p.EntryPrice,
		ExitPrice:           px,
		RealizedPnLUSDT:     realized,
		FeesUSDT:            entryFeeShare + exitFee,
		FundingPaidUSDT:     fundPaidShare,
		FundingReceivedUSDT: fundRecvShare,
		ExitReason:          reason,
		MAEPct:              p.maePct(),
		MFEPct:              p.mfePct(),
	}
	x.trades = append(x.trades, t)

	p.Qty -= qtyClosed
	p.SizeUSDT -= notionalClosed
	p.EntryFee -= entryFeeShare
	p.FundingPaid -= fundPaidShare
	p.FundingReceived -= fundRecvShare

	res.Fills = append(res.Fills, Fill{PositionID: p.ID, Side: exitSideOf(p.Side).String(),
		Price: px, NotionalUSDT: notionalClosed, FeeUSDT: exitFee, Ts: ts, Kind: reason})
	x.log.Debug().Str("pos", p.ID).Float64("frac", frac).Float64("px", px).Msg("partial close")
}

// ============================================================================
// 1-minute subloop
// ============================================================================

// runSubloop orders intra-bar triggers at 1m resolution: liquidation first,
// then stop-loss (conservative tie-break), then take-profit, then pending
// stop-order triggers. The first position close ends the loop for this bar.
func (x *Exchange) runSubloop(bar feed.Bar, subBars []feed.Bar, res *StepResult) {
	if len(subBars) == 0 {
		subBars = []feed.Bar{bar}
	}
	for _, sb := range subBars {
		if x.pos != nil {
			x.pos.observe(sb.High, sb.Low)
			if x.checkLiquidation(sb, res) {
				return
			}
			if x.checkStopLoss(sb, res) {
				return
			}
			if x.checkTakeProfit(sb, res) {
				return
			}
		}
		x.checkStopTriggers(sb, res)
	}
}

func (x *Exchange) checkLiquidation(sb feed.Bar, res *StepResult) bool {
	p := x.pos
	liq := p.LiquidationPrice(x.cfg.TakerRate)
	hit := (p.Side == Long && sb.Low <= liq) || (p.Side == Short && sb.High >= liq)
	if !hit {
		return false
	}
	bp := p.BankruptcyPrice()
	res.Events = append(res.Events, Event{Ts: sb.TsClose, Kind: EvLiquidation, Price: bp,
		Detail: fmt.Sprintf("%s liq=%.8g bankruptcy=%.8g", p.ID, liq, bp)})
	// The close fee is baked into the bankruptcy price; no separate charge.
	x.closePosition(bp, sb.TsClose, ReasonLiquidation, 0, res)
	res.Liquidated = true
	x.log.Warn().Float64("bankruptcy_px", bp).Msg("position liquidated")
	return true
}

func (x *Exchange) checkStopLoss(sb feed.Bar, res *StepResult) bool {
	p := x.pos
	if feed.IsMissing(p.SL) {
		return false
	}
	hit := (p.Side == Long && sb.Low <= p.SL) || (p.Side == Short && sb.High >= p.SL)
	if !hit {
		return false
	}
	// A gap through the stop fills at the worse open.
	px := p.SL
	if p.Side == Long && sb.Open < px {
		px = sb.Open
	}
	if p.Side == Short && sb.Open > px {
		px = sb.Open
	}
	reason := ReasonSL
	if p.TrailingSL {
		reason = ReasonTrailingStop
	}
	x.closePosition(px, sb.TsClose, reason, x.cfg.TakerRate, res)
	return true
}

func (x *Exchange) checkTakeProfit(sb feed.Bar, res *StepResult) bool {
	p := x.pos
	if feed.IsMissing(p.TP) {
		return false
	}
	hit := (p.Side == Long && sb.High >= p.TP) || (p.Side == Short && sb.Low <= p.TP)
	if !hit {
		return false
	}
	// A gap through the target fills at the better open.
	px := p.TP
	if p.Side == Long && sb.Open > px {
		px = sb.Open
	}
	if p.Side == Short && sb.Open < px {
		px = sb.Open
	}
	x.closePosition(px, sb.TsClose, ReasonTP, x.cfg.TakerRate, res)
	return true
}

func (x *Exchange) checkStopTriggers(sb feed.Bar, res *StepResult) {
	for _, id := range x.book.snapshotIDs() {
		o, ok := x.book.byID[id]
		if !ok || (o.Kind != rules.KindStopMarket && o.Kind != rules.KindStopLimit) {
			continue
		}
		triggered := (o.TriggerDir == rules.TriggerRise && sb.High >= o.TriggerPrice) ||
			(o.TriggerDir == rules.TriggerFall && sb.Low <= o.TriggerPrice)
		if !triggered {
			continue
		}
		res.Events = append(res.Events, Event{Ts: sb.TsClose, Kind: EvStopTriggered,
			Order: o.ID, Price: o.TriggerPrice})
		if o.Kind == rules.KindStopLimit {
			o.Kind = rules.KindLimit // rests as an ordinary limit from here
			continue
		}
		// Stop-market: fill at the trigger, or the sub-bar open when the
		// move gapped through it, with adverse slippage.
		base := o.TriggerPrice
		if o.TriggerDir == rules.TriggerRise {
			base = math.Max(base, sb.Open)
		} else {
			base = math.Min(base, sb.Open)
		}
		x.fillAsMarket(o, base, sb.TsClose, res)
	}
}
