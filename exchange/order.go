package exchange

import (
	"fmt"

	"perpsim/feed"
	"perpsim/rules"
)

// Side is the order direction.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Order is one resting or queued order. IDs are sequential and zero padded;
// reproducibility requires strict ordering, so never UUIDs.
type Order struct {
	ID       string
	Side     Side
	Kind     rules.OrderKind
	SizeUSDT float64

	LimitPrice   float64 // feed.Missing unless limit/stop-limit
	TriggerPrice float64 // feed.Missing unless stop
	TriggerDir   rules.TriggerDirection

	TIF rules.TIF

	AttachedSL float64
	AttachedTP float64
	ReduceOnly bool

	TsSubmit int64
	Group    string
	Case     string
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s %s %.2f USDT", o.ID, o.Side, o.Kind, o.SizeUSDT)
}

// validate enforces the structural order invariants before an order may
// enter the book.
func (o *Order) validate() error {
	if o.SizeUSDT <= 0 {
		return fmt.Errorf("order %s: size must be > 0, got %.10g", o.ID, o.SizeUSDT)
	}
	switch o.Kind {
	case rules.KindLimit, rules.KindStopLimit:
		if feed.IsMissing(o.LimitPrice) || o.LimitPrice <= 0 {
			return fmt.Errorf("order %s: %s requires a limit price", o.ID, o.Kind)
		}
	}
	switch o.Kind {
	case rules.KindStopMarket, rules.KindStopLimit:
		if feed.IsMissing(o.TriggerPrice) || o.TriggerPrice <= 0 {
			return fmt.Errorf("order %s: %s requires a trigger price", o.ID, o.Kind)
		}
	}
	return nil
}

// orderBook holds the resting orders in strict submission order. n stays
// small (capped), so a slice plus id map beats anything fancier.
type orderBook struct {
	orders []*Order
	byID   map[string]*Order
}

func newOrderBook() *orderBook {
	return &orderBook{byID: make(map[string]*Order)}
}

func (b *orderBook) add(o *Order) {
	b.orders = append(b.orders, o)
	b.byID[o.ID] = o
}

func (b *orderBook) remove(id string) {
	delete(b.byID, id)
	for i, o := range b.orders {
		if o.ID == id {
			b.orders = append(b.orders[:i], b.orders[i+1:]...)
			return
		}
	}
}

func (b *orderBook) len() int { return len(b.orders) }

// snapshotIDs returns the resting order ids in submission order.
func (b *orderBook) snapshotIDs() []string {
	ids := make([]string, len(b.orders))
	for i, o := range b.orders {
		ids[i] = o.ID
	}
	return ids
}
