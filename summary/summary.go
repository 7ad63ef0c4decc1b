// Package summary computes the run-level performance metrics from the
// closed trades and the equity curve. Everything here is deterministic:
// slices in, scalars out, fixed iteration order.
package summary

import (
	"math"
	"sort"

	"perpsim/exchange"
)

const msPerYear = 365.0 * 24 * 60 * 60 * 1000

// Summary is the result.json payload.
type Summary struct {
	StartingEquityUSDT float64 `json:"starting_equity_usdt"`
	FinalEquityUSDT    float64 `json:"final_equity_usdt"`
	NetPnLUSDT         float64 `json:"net_pnl_usdt"`
	NetPnLPct          float64 `json:"net_pnl_pct"`

	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Calmar         float64 `json:"calmar"`

	TotalTrades     int     `json:"total_trades"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"`
	ExpectancyUSDT  float64 `json:"expectancy_usdt"`
	TimeInMarketPct float64 `json:"time_in_market_pct"`

	FeesUSDT            float64 `json:"fees_usdt"`
	FundingPaidUSDT     float64 `json:"funding_paid_usdt"`
	FundingReceivedUSDT float64 `json:"funding_received_usdt"`
	NetFundingUSDT      float64 `json:"net_funding_usdt"`
	LiquidationLossUSDT float64 `json:"liquidation_loss_usdt"`

	TerminalStop string `json:"terminal_stop"`
}

// Costs carries the run's cumulative cost accumulators into the summary.
type Costs struct {
	FeesUSDT            float64
	FundingPaidUSDT     float64
	FundingReceivedUSDT float64
	LiquidationLossUSDT float64
}

// Compute derives the summary. barMillis is the execution timeframe length,
// used to annualize the per-bar return series.
func Compute(trades []exchange.Trade, equity []exchange.EquityPoint,
	startingEquity float64, barMillis int64, costs Costs, terminalStop string) Summary {

	s := Summary{
		StartingEquityUSDT:  startingEquity,
		FinalEquityUSDT:     startingEquity,
		TotalTrades:         len(trades),
		FeesUSDT:            costs.FeesUSDT,
		FundingPaidUSDT:     costs.FundingPaidUSDT,
		FundingReceivedUSDT: costs.FundingReceivedUSDT,
		NetFundingUSDT:      costs.FundingPaidUSDT - costs.FundingReceivedUSDT,
		LiquidationLossUSDT: costs.LiquidationLossUSDT,
		TerminalStop:        terminalStop,
	}
	if len(equity) > 0 {
		s.FinalEquityUSDT = equity[len(equity)-1].EquityUSDT
	}
	s.NetPnLUSDT = s.FinalEquityUSDT - startingEquity
	if startingEquity > 0 {
		s.NetPnLPct = s.NetPnLUSDT / startingEquity * 100
	}

	s.MaxDrawdownPct = maxDrawdownPct(equity, startingEquity)
	s.Sharpe, s.Sortino = ratios(equity, barMillis)

	if s.MaxDrawdownPct > 0 && len(equity) > 1 {
		spanYears := float64(equity[len(equity)-1].Ts-equity[0].Ts) / msPerYear
		if spanYears > 0 && startingEquity > 0 {
			annRet := s.NetPnLPct / spanYears
			s.Calmar = annRet / s.MaxDrawdownPct
		}
	}

	wins, grossWin, grossLoss := 0, 0.0, 0.0
	for _, t := range trades {
		if t.RealizedPnLUSDT > 0 {
			wins++
			grossWin += t.RealizedPnLUSDT
		} else {
			grossLoss += -t.RealizedPnLUSDT
		}
	}
	if len(trades) > 0 {
		s.WinRate = float64(wins) / float64(len(trades)) * 100
		s.ExpectancyUSDT = (grossWin - grossLoss) / float64(len(trades))
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		// No losing trades; clamp so the summary stays JSON-representable.
		s.ProfitFactor = 9999
	}

	s.TimeInMarketPct = timeInMarketPct(trades, equity)
	return s
}

func maxDrawdownPct(equity []exchange.EquityPoint, startingEquity float64) float64 {
	peak := startingEquity
	maxDD := 0.0
	for _, p := range equity {
		if p.EquityUSDT > peak {
			peak = p.EquityUSDT
		}
		if peak > 0 {
			dd := (peak - p.EquityUSDT) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// ratios computes annualized Sharpe and Sortino over the per-bar return
// series, with zero risk-free rate.
func ratios(equity []exchange.EquityPoint, barMillis int64) (sharpe, sortino float64) {
	if len(equity) < 3 || barMillis <= 0 {
		return 0, 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].EquityUSDT
		if prev <= 0 {
			continue
		}
		returns = append(returns, equity[i].EquityUSDT/prev-1)
	}
	if len(returns) < 2 {
		return 0, 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance, downVar := 0.0, 0.0
	downN := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVar += r * r
			downN++
		}
	}
	variance /= float64(len(returns) - 1)
	annFactor := math.Sqrt(msPerYear / float64(barMillis))

	if sd := math.Sqrt(variance); sd > 0 {
		sharpe = mean / sd * annFactor
	}
	if downN > 0 {
		if dd := math.Sqrt(downVar / float64(downN)); dd > 0 {
			sortino = mean / dd * annFactor
		}
	}
	return sharpe, sortino
}

// timeInMarketPct merges the distinct position hold intervals (partial
// closes share a position id) against the run span.
func timeInMarketPct(trades []exchange.Trade, equity []exchange.EquityPoint) float64 {
	if len(trades) == 0 || len(equity) < 2 {
		return 0
	}
	type span struct{ from, to int64 }
	byPos := make(map[string]*span)
	ids := make([]string, 0)
	for _, t := range trades {
		sp, ok := byPos[t.PositionID]
		if !ok {
			byPos[t.PositionID] = &span{from: t.EntryTs, to: t.ExitTs}
			ids = append(ids, t.PositionID)
			continue
		}
		if t.EntryTs < sp.from {
			sp.from = t.EntryTs
		}
		if t.ExitTs > sp.to {
			sp.to = t.ExitTs
		}
	}
	sort.Strings(ids)

	spans := make([]span, 0, len(ids))
	for _, id := range ids {
		spans = append(spans, *byPos[id])
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].from < spans[j].from })

	var held int64
	var curFrom, curTo int64 = -1, -1
	for _, sp := range spans {
		if curFrom < 0 || sp.from > curTo {
			if curFrom >= 0 {
				held += curTo - curFrom
			}
			curFrom, curTo = sp.from, sp.to
			continue
		}
		if sp.to > curTo {
			curTo = sp.to
		}
	}
	if curFrom >= 0 {
		held += curTo - curFrom
	}

	total := equity[len(equity)-1].Ts - equity[0].Ts
	if total <= 0 {
		return 0
	}
	return float64(held) / float64(total) * 100
}
