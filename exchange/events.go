package exchange

// Event is one structured occurrence inside the exchange, surfaced to the
// engine's event log for auditability.
type Event struct {
	Ts     int64   `json:"ts_ms"`
	Kind   string  `json:"kind"`
	Order  string  `json:"order_id,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Amount float64 `json:"amount,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// Event kinds.
const (
	EvFill          = "fill"
	EvCancel        = "cancel"
	EvReject        = "reject"
	EvMarginReject  = "margin_reject"
	EvFunding       = "funding"
	EvLiquidation   = "liquidation"
	EvStopTriggered = "stop_triggered"
	EvStopMoved     = "stop_moved"
	EvAlert         = "alert"
	EvPositionOpen  = "position_open"
	EvPositionClose = "position_close"
)

// Fill reports one executed order or position close.
type Fill struct {
	OrderID      string  `json:"order_id,omitempty"`
	PositionID   string  `json:"position_id,omitempty"`
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	NotionalUSDT float64 `json:"notional_usdt"`
	FeeUSDT      float64 `json:"fee_usdt"`
	Ts           int64   `json:"ts_ms"`
	Kind         string  `json:"kind"` // entry, exit, sl, tp, liquidation, ...
}

// StepResult is what one ProcessBarPre hands back to the engine: the
// canonical mark for the bar plus everything that happened inside it.
type StepResult struct {
	Mark     float64
	MarkHigh float64
	MarkLow  float64
	// Last is the close of the bar's final 1m sub-bar (the bar close when
	// no minute coverage exists).
	Last float64

	Fills  []Fill
	Events []Event

	PositionClosed bool
	Liquidated     bool
}
