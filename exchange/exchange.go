// Package exchange simulates a single-instrument USDT-margined perpetual
// venue: order book, deterministic fill model with a 1-minute intra-bar
// subloop, isolated-margin ledger, funding accrual and liquidation.
package exchange

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"perpsim/feed"
	"perpsim/play"
	"perpsim/rules"
	"perpsim/snapshot"
)

// Config freezes the risk and cost parameters for one run.
type Config struct {
	Symbol             string
	StartingEquityUSDT float64
	Leverage           float64
	MMR                float64
	TakerRate          float64 // fraction, not bps
	MakerRate          float64
	SlippageRate       float64
	MarkSource         string // close, hlc3, ohlc4
	FundingEnabled     bool
	MinNotional        float64
	MaxPendingOrders   int
}

// DefaultMaxPendingOrders caps the resting order book.
const DefaultMaxPendingOrders = 100

// ConfigFromPlay derives the exchange configuration from a validated Play.
func ConfigFromPlay(p *play.Play) Config {
	return Config{
		Symbol:             p.Symbol,
		StartingEquityUSDT: p.Risk.StartingEquityUSDT,
		Leverage:           p.Risk.MaxLeverage,
		MMR:                p.Instrument.MMR,
		TakerRate:          p.Risk.FeeModel.TakerBps / 10000,
		MakerRate:          p.Risk.FeeModel.MakerBps / 10000,
		SlippageRate:       p.Risk.SlippageBps / 10000,
		MarkSource:         p.Risk.MarkPriceSource,
		FundingEnabled:     p.Risk.FundingEnabled,
		MinNotional:        p.Instrument.MinNotional,
		MaxPendingOrders:   DefaultMaxPendingOrders,
	}
}

// MarginReject reports an intent discarded for insufficient margin. It is
// recoverable: logged, skipped, never fatal.
type MarginReject struct {
	RequiredUSDT  float64
	AvailableUSDT float64
}

func (e *MarginReject) Error() string {
	return fmt.Sprintf("insufficient margin: need %.4f USDT, available %.4f USDT",
		e.RequiredUSDT, e.AvailableUSDT)
}

// InvariantViolation is panicked when an accounting identity breaks. It is a
// programming error; the run must die loudly with the bar context attached.
type InvariantViolation struct {
	BarIdx   int
	Ts       int64
	Identity string
	Detail   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation at bar %d (ts %d): %s: %s",
		e.BarIdx, e.Ts, e.Identity, e.Detail)
}

// Exchange owns the ledger, the position and the order book for one run.
type Exchange struct {
	cfg Config
	log zerolog.Logger

	funding *feed.FundingSeries
	minutes *feed.MinuteStream

	cash float64
	pos  *Position

	book  *orderBook
	queue []*Order // submitted this bar, activates next bar

	orderSeq int
	posSeq   int
	tradeSeq int

	trades []Trade
	equity []EquityPoint

	realized        float64
	feesPaid        float64
	fundingPaid     float64
	fundingReceived float64
	liquidationLoss float64

	barIdx int
}

// New builds an exchange with the starting cash balance.
func New(cfg Config, funding *feed.FundingSeries, minutes *feed.MinuteStream, log zerolog.Logger) *Exchange {
	if cfg.MaxPendingOrders <= 0 {
		cfg.MaxPendingOrders = DefaultMaxPendingOrders
	}
	return &Exchange{
		cfg:     cfg,
		log:     log.With().Str("comp", "exchange").Logger(),
		funding: funding,
		minutes: minutes,
		cash:    cfg.StartingEquityUSDT,
		book:    newOrderBook(),
	}
}

// ============================================================================
// Ledger
// ============================================================================

// Cash returns the settled balance.
func (x *Exchange) Cash() float64 { return x.cash }

// UsedMargin is the sum of open positions' initial margin.
func (x *Exchange) UsedMargin() float64 {
	if x.pos == nil {
		return 0
	}
	return x.pos.InitialMargin()
}

// Unrealized returns the open PnL at mark.
func (x *Exchange) Unrealized(mark float64) float64 {
	if x.pos == nil {
		return 0
	}
	return x.pos.UnrealizedPnL(mark)
}

// Equity at mark.
func (x *Exchange) Equity(mark float64) float64 { return x.cash + x.Unrealized(mark) }

// FreeMargin at mark.
func (x *Exchange) FreeMargin(mark float64) float64 { return x.Equity(mark) - x.UsedMargin() }

// Available is the balance usable for new orders.
func (x *Exchange) Available(mark float64) float64 { return math.Max(0, x.FreeMargin(mark)) }

// Position returns the open position, or nil.
func (x *Exchange) Position() *Position { return x.pos }

// Trades returns the closed trade records in close order.
func (x *Exchange) Trades() []Trade { return x.trades }

// EquityCurve returns the per-bar equity points.
func (x *Exchange) EquityCurve() []EquityPoint { return x.equity }

// Totals reports the cumulative cost accumulators.
func (x *Exchange) Totals() (fees, fundingPaid, fundingReceived, liqLoss float64) {
	return x.feesPaid, x.fundingPaid, x.fundingReceived, x.liquidationLoss
}

// PendingOrders returns the resting order count (book only, not this bar's
// queue).
func (x *Exchange) PendingOrders() int { return x.book.len() }

// AccountState projects the ledger into the snapshot's read model.
func (x *Exchange) AccountState(mark float64) snapshot.AccountState {
	s := snapshot.AccountState{
		EquityUSDT:     x.Equity(mark),
		CashUSDT:       x.cash,
		AvailableUSDT:  x.Available(mark),
		UsedMarginUSDT: x.UsedMargin(),
		UnrealizedUSDT: x.Unrealized(mark),
		EntryPrice:     feed.Missing,
	}
	if x.pos != nil {
		if x.pos.Side == Long {
			s.PositionSide = 1
		} else {
			s.PositionSide = -1
		}
		s.EntryPrice = x.pos.EntryPrice
		s.PositionSizeUSDT = x.pos.SizeUSDT
	}
	return s
}

const identityTol = 1e-6

// verifyIdentities panics with InvariantViolation when the accounting
// identities drift. Runs every step.
func (x *Exchange) verifyIdentities(mark float64, ts int64) {
	equity := x.Equity(mark)
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		panic(&InvariantViolation{BarIdx: x.barIdx, Ts: ts, Identity: "equity finite",
			Detail: fmt.Sprintf("equity=%v cash=%v", equity, x.cash)})
	}
	if diff := equity - (x.cash + x.Unrealized(mark)); math.Abs(diff) > identityTol {
		panic(&InvariantViolation{BarIdx: x.barIdx, Ts: ts, Identity: "equity = cash + unrealized",
			Detail: fmt.Sprintf("diff=%.12g", diff)})
	}
	free := x.FreeMargin(mark)
	if diff := free - (equity - x.UsedMargin()); math.Abs(diff) > identityTol {
		panic(&InvariantViolation{BarIdx: x.barIdx, Ts: ts, Identity: "free = equity - used_margin",
			Detail: fmt.Sprintf("diff=%.12g", diff)})
	}
	if x.cash < -identityTol && x.pos == nil {
		panic(&InvariantViolation{BarIdx: x.barIdx, Ts: ts, Identity: "cash >= 0 while flat",
			Detail: fmt.Sprintf("cash=%.12g", x.cash)})
	}
}

// ============================================================================
// Mark price
// ============================================================================

// markFor computes the bar's canonical mark from the configured source. It
// is computed exactly once per bar, here, and consumed everywhere else.
func (x *Exchange) markFor(bar feed.Bar) float64 {
	switch x.cfg.MarkSource {
	case "hlc3":
		return (bar.High + bar.Low + bar.Close) / 3
	case "ohlc4":
		return (bar.Open + bar.High + bar.Low + bar.Close) / 4
	default:
		return bar.Close
	}
}

// ============================================================================
// Per-bar steps
// ============================================================================

// ProcessBarPre runs the first half of the bar step: funding accrual,
// pending fills from last bar's orders, and the intra-bar 1m subloop for
// liquidation, stop-loss, take-profit and stop triggers.
func (x *Exchange) ProcessBarPre(barIdx int, bar feed.Bar) *StepResult {
	x.barIdx = barIdx
	res := &StepResult{
		Mark:     x.markFor(bar),
		MarkHigh: bar.High,
		MarkLow:  bar.Low,
		Last:     bar.Close,
	}
	// Orders admitted on the previous bar become fillable now.
	for _, o := range x.queue {
		x.book.add(o)
	}
	x.queue = x.queue[:0]

	subBars := x.minutes.Slice(bar.TsOpen, bar.TsClose)
	if n := len(subBars); n > 0 {
		res.Last = subBars[n-1].Close
	}

	x.accrueFunding(bar, res)
	x.fillPending(bar, res)
	x.runSubloop(bar, subBars, res)

	if x.pos != nil {
		x.pos.observe(bar.High, bar.Low)
	}
	return res
}

// ProcessBarPost runs the second half: mark-to-market verification, new
// intent admission, and the bar's equity point.
func (x *Exchange) ProcessBarPost(bar feed.Bar, mark float64, intents []rules.Intent, res *StepResult) {
	for i := range intents {
		x.admitIntent(bar, mark, &intents[i], res)
	}

	x.verifyIdentities(mark, bar.TsClose)
	x.equity = append(x.equity, EquityPoint{
		Ts:             bar.TsClose,
		EquityUSDT:     x.Equity(mark),
		CashUSDT:       x.cash,
		UnrealizedUSDT: x.Unrealized(mark),
		RealizedUSDT:   x.realized,
	})
}

// RecordIdleEquity emits an equity point for a bar the strategy skipped
// (warmup): state does not move, the curve stays gapless.
func (x *Exchange) RecordIdleEquity(bar feed.Bar) {
	mark := x.markFor(bar)
	x.verifyIdentities(mark, bar.TsClose)
	x.equity = append(x.equity, EquityPoint{
		Ts:             bar.TsClose,
		EquityUSDT:     x.Equity(mark),
		CashUSDT:       x.cash,
		UnrealizedUSDT: x.Unrealized(mark),
		RealizedUSDT:   x.realized,
	})
}

// ForceClose cancels the whole book and closes any open position at refPx
// (with adverse slippage and taker fee). Used for terminal stops and end of
// data.
func (x *Exchange) ForceClose(ts int64, refPx float64, reason string, res *StepResult) {
	for _, id := range x.book.snapshotIDs() {
		x.cancel(id, ts, "force close", res)
	}
	x.queue = x.queue[:0]
	if x.pos == nil {
		return
	}
	px := x.adversePrice(refPx, exitSideOf(x.pos.Side))
	x.closePosition(px, ts, reason, x.cfg.TakerRate, res)
}

// RewriteLastEquity recomputes the most recent equity point after an
// end-of-run force close, keeping exactly one point per bar.
func (x *Exchange) RewriteLastEquity(bar feed.Bar) {
	if len(x.equity) == 0 || x.equity[len(x.equity)-1].Ts != bar.TsClose {
		return
	}
	mark := x.markFor(bar)
	x.equity[len(x.equity)-1] = EquityPoint{
		Ts:             bar.TsClose,
		EquityUSDT:     x.Equity(mark),
		CashUSDT:       x.cash,
		UnrealizedUSDT: x.Unrealized(mark),
		RealizedUSDT:   x.realized,
	}
}

// nextOrderID mints the next sequential order id.
func (x *Exchange) nextOrderID() string {
	x.orderSeq++
	return fmt.Sprintf("order_%04d", x.orderSeq)
}

func (x *Exchange) nextPositionID() string {
	x.posSeq++
	return fmt.Sprintf("pos_%04d", x.posSeq)
}

func (x *Exchange) nextTradeID() string {
	x.tradeSeq++
	return fmt.Sprintf("trade_%04d", x.tradeSeq)
}

// adversePrice applies slippage against the taker.
func (x *Exchange) adversePrice(px float64, side Side) float64 {
	if side == Buy {
		return px * (1 + x.cfg.SlippageRate)
	}
	return px * (1 - x.cfg.SlippageRate)
}

func exitSideOf(ps PositionSide) Side {
	if ps == Long {
		return Sell
	}
	return Buy
}
