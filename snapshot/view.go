package snapshot

import (
	"fmt"

	"perpsim/feed"
	"perpsim/state"
)

// AccountState is the slice of exchange state the rules may read. The
// exchange fills it once per bar; the view never reaches back into the
// exchange.
type AccountState struct {
	EquityUSDT       float64
	CashUSDT         float64
	AvailableUSDT    float64
	UsedMarginUSDT   float64
	UnrealizedUSDT   float64
	PositionSide     float64 // +1 long, -1 short, 0 flat
	EntryPrice       float64 // feed.Missing when flat
	PositionSizeUSDT float64
}

// View is the ephemeral per-bar read facade. Construction is a struct fill;
// all lookups are O(1) against the frozen feed, the structure registry and
// the exchange-supplied mark.
type View struct {
	Feed    *feed.BarFeed
	ExecIdx int
	MedIdx  int // -1 before the first medium close
	HighIdx int // -1 before the first high close

	// Mark prices are computed once by the exchange and consumed here;
	// the view never recomputes them.
	Mark     float64
	MarkHigh float64
	MarkLow  float64
	// Last is the close of the final 1m sub-bar of this execution bar.
	Last float64

	Structures *state.Registry
	Account    AccountState
}

// Index returns the current bar index for role, with ok=false when the role
// is undeclared or has not closed yet.
func (v *View) Index(role feed.Role) (int, bool) {
	switch role {
	case feed.RoleExec:
		return v.ExecIdx, true
	case feed.RoleMed:
		return v.MedIdx, v.MedIdx >= 0
	case feed.RoleHigh:
		return v.HighIdx, v.HighIdx >= 0
	}
	return -1, false
}

// TsClose is the decision timestamp of this view: the execution bar's close.
func (v *View) TsClose() int64 {
	return v.Feed.TsClose(feed.RoleExec, v.ExecIdx)
}

// Resolve reads the value a compiled path points at. Out-of-range history
// offsets and not-yet-closed slower roles yield feed.Missing, never an
// error; errors here mean the path was not validated at load, which is a
// programming bug.
func (v *View) Resolve(p Path) (float64, error) {
	switch p.NS {
	case NSBar:
		idx, ok := v.Index(p.Role)
		if !ok {
			return feed.Missing, nil
		}
		idx -= p.Offset
		if idx < 0 {
			return feed.Missing, nil
		}
		switch p.bar {
		case fieldOpen:
			return v.Feed.Get(p.Role, idx).Open, nil
		case fieldHigh:
			return v.Feed.Get(p.Role, idx).High, nil
		case fieldLow:
			return v.Feed.Get(p.Role, idx).Low, nil
		case fieldClose:
			return v.Feed.Get(p.Role, idx).Close, nil
		case fieldVolume:
			return v.Feed.Get(p.Role, idx).Volume, nil
		case fieldBarsHigh:
			return v.Feed.HighestHigh(p.Role, p.Window, idx)
		case fieldBarsLow:
			return v.Feed.LowestLow(p.Role, p.Window, idx)
		}
		return feed.Missing, fmt.Errorf("bar field %d not handled", p.bar)

	case NSIndicator:
		idx, ok := v.Index(p.Role)
		if !ok {
			return feed.Missing, nil
		}
		idx -= p.Offset
		val, known := v.Feed.Indicator(p.Role, p.Key, idx)
		if !known {
			return feed.Missing, unresolved(p.Raw, "indicator %q not loaded for %s", p.Key, p.Role)
		}
		return val, nil

	case NSStructure:
		val, known := v.Structures.Field(p.Key, p.Field)
		if !known {
			return feed.Missing, unresolved(p.Raw, "structure field %s.%s not registered", p.Key, p.Field)
		}
		return val, nil

	case NSPrice:
		switch p.price {
		case priceClose:
			return v.Feed.Get(feed.RoleExec, v.ExecIdx).Close, nil
		case priceLast:
			return v.Last, nil
		case priceMarkClose:
			return v.Mark, nil
		case priceMarkHigh:
			return v.MarkHigh, nil
		case priceMarkLow:
			return v.MarkLow, nil
		}
		return feed.Missing, fmt.Errorf("price field %d not handled", p.price)

	case NSAccount:
		switch p.account {
		case accountEquity:
			return v.Account.EquityUSDT, nil
		case accountCash:
			return v.Account.CashUSDT, nil
		case accountAvailable:
			return v.Account.AvailableUSDT, nil
		case accountUsedMargin:
			return v.Account.UsedMarginUSDT, nil
		case accountUnrealized:
			return v.Account.UnrealizedUSDT, nil
		case accountPositionSide:
			return v.Account.PositionSide, nil
		case accountEntryPrice:
			return v.Account.EntryPrice, nil
		case accountSizeUSDT:
			return v.Account.PositionSizeUSDT, nil
		}
		return feed.Missing, fmt.Errorf("account field %d not handled", p.account)
	}
	return feed.Missing, fmt.Errorf("namespace %d not handled", p.NS)
}

// Catalog validates compiled paths against what a run actually loaded. It is
// used once at load time; the hot path never consults it.
type Catalog struct {
	Feed       *feed.BarFeed
	Structures *state.Registry
	Windows    map[int]bool
}

// NewCatalog builds a catalog over the run's feed and registry. windows are
// the declared rolling window sizes.
func NewCatalog(bf *feed.BarFeed, reg *state.Registry, windows []int) *Catalog {
	w := make(map[int]bool, len(windows))
	for _, n := range windows {
		w[n] = true
	}
	return &Catalog{Feed: bf, Structures: reg, Windows: w}
}

// Check verifies that a compiled path can resolve at run time: roles are
// loaded, indicator columns exist, structure blocks and fields are
// registered, rolling windows were declared.
func (c *Catalog) Check(p Path) error {
	switch p.NS {
	case NSBar:
		if !c.Feed.HasRole(p.Role) {
			return unresolved(p.Raw, "role %s has no loaded frame", p.Role)
		}
		if (p.bar == fieldBarsHigh || p.bar == fieldBarsLow) && !c.Windows[p.Window] {
			return unresolved(p.Raw, "rolling window %d not declared in rolling_windows", p.Window)
		}
	case NSIndicator:
		if !c.Feed.HasRole(p.Role) {
			return unresolved(p.Raw, "role %s has no loaded frame", p.Role)
		}
		if _, ok := c.Feed.Indicator(p.Role, p.Key, 0); !ok {
			return &UnresolvedPathError{
				Path: p.Raw, Msg: fmt.Sprintf("indicator %q not loaded for %s", p.Key, p.Role),
				Alternatives: c.Feed.IndicatorKeys(p.Role),
			}
		}
	case NSStructure:
		if !c.Structures.Has(p.Key) {
			return &UnresolvedPathError{
				Path: p.Raw, Msg: fmt.Sprintf("structure block %q not registered", p.Key),
				Alternatives: c.Structures.BlockIDs(),
			}
		}
		if _, ok := c.Structures.Field(p.Key, p.Field); !ok {
			return &UnresolvedPathError{
				Path: p.Raw, Msg: fmt.Sprintf("field %q not exposed by block %q", p.Field, p.Key),
				Alternatives: c.Structures.FieldNames(p.Key),
			}
		}
	}
	return nil
}
