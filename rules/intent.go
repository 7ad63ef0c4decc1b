package rules

import (
	"perpsim/feed"
	"perpsim/play"
)

// IntentAction is the typed strategy request the evaluator emits.
type IntentAction uint8

const (
	ActionEnterLong IntentAction = iota
	ActionEnterShort
	ActionExitLong
	ActionExitShort
	ActionMoveStop
	ActionPartialTP
	ActionAlert
)

var actionNames = map[IntentAction]string{
	ActionEnterLong:  "enter_long",
	ActionEnterShort: "enter_short",
	ActionExitLong:   "exit_long",
	ActionExitShort:  "exit_short",
	ActionMoveStop:   "move_stop",
	ActionPartialTP:  "partial_tp",
	ActionAlert:      "alert",
}

func (a IntentAction) String() string { return actionNames[a] }

// OrderKind mirrors the exchange's order types at the intent layer.
type OrderKind uint8

const (
	KindMarket OrderKind = iota
	KindLimit
	KindStopMarket
	KindStopLimit
)

var orderKindNames = map[OrderKind]string{
	KindMarket: "market", KindLimit: "limit",
	KindStopMarket: "stop_market", KindStopLimit: "stop_limit",
}

func (k OrderKind) String() string { return orderKindNames[k] }

// TIF is the time-in-force of an intent's order.
type TIF uint8

const (
	TIFGTC TIF = iota
	TIFIOC
	TIFFOK
	TIFPostOnly
)

var tifNames = map[TIF]string{TIFGTC: "gtc", TIFIOC: "ioc", TIFFOK: "fok", TIFPostOnly: "post_only"}

func (t TIF) String() string { return tifNames[t] }

// TriggerDirection declares which way price must cross a stop trigger.
type TriggerDirection uint8

const (
	TriggerRise TriggerDirection = iota
	TriggerFall
)

func (d TriggerDirection) String() string {
	if d == TriggerRise {
		return "rise"
	}
	return "fall"
}

// Intent is one concrete, fully resolved strategy request. Every price
// expression has already been evaluated against the snapshot; unset levels
// are feed.Missing.
type Intent struct {
	Action IntentAction
	Group  string
	Case   string

	Order            OrderKind
	TIF              TIF
	LimitPrice       float64
	TriggerPrice     float64
	TriggerDirection TriggerDirection

	StopLoss   float64
	TakeProfit float64

	Sizing  play.Sizing
	Percent float64
	Trail   bool
	Message string
}

// HasLimit reports whether a limit price was resolved.
func (in Intent) HasLimit() bool { return !feed.IsMissing(in.LimitPrice) }

// HasTrigger reports whether a trigger price was resolved.
func (in Intent) HasTrigger() bool { return !feed.IsMissing(in.TriggerPrice) }

// HasSL reports whether a stop-loss level was resolved.
func (in Intent) HasSL() bool { return !feed.IsMissing(in.StopLoss) }

// HasTP reports whether a take-profit level was resolved.
func (in Intent) HasTP() bool { return !feed.IsMissing(in.TakeProfit) }
