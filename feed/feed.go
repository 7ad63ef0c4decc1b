package feed

import (
	"fmt"
	"sort"
)

// series holds one timeframe's aligned arrays. Everything is frozen at
// construction; lookups are index math plus one map probe.
type series struct {
	tf      Timeframe
	tsOpen  []int64
	tsClose []int64
	open    []float64
	high    []float64
	low     []float64
	close_  []float64
	volume  []float64

	indicators map[string][]float64

	// closeIdx maps ts_close to bar index. Membership of an execution
	// close in this map is the close-detection mechanism for slower roles.
	closeIdx map[int64]int

	// rollHigh/rollLow hold precomputed rolling extremes per declared
	// window size, aligned with the bar arrays.
	rollHigh map[int][]float64
	rollLow  map[int][]float64
}

func newSeries(f Frame, windows []int) *series {
	n := len(f.Bars)
	s := &series{
		tf:         f.TF,
		tsOpen:     make([]int64, n),
		tsClose:    make([]int64, n),
		open:       make([]float64, n),
		high:       make([]float64, n),
		low:        make([]float64, n),
		close_:     make([]float64, n),
		volume:     make([]float64, n),
		indicators: make(map[string][]float64, len(f.Indicators)),
		closeIdx:   make(map[int64]int, n),
		rollHigh:   make(map[int][]float64, len(windows)),
		rollLow:    make(map[int][]float64, len(windows)),
	}
	for i, b := range f.Bars {
		s.tsOpen[i] = b.TsOpen
		s.tsClose[i] = b.TsClose
		s.open[i] = b.Open
		s.high[i] = b.High
		s.low[i] = b.Low
		s.close_[i] = b.Close
		s.volume[i] = b.Volume
		s.closeIdx[b.TsClose] = i
	}
	for key, col := range f.Indicators {
		c := make([]float64, n)
		copy(c, col)
		s.indicators[key] = c
	}
	for _, w := range windows {
		s.rollHigh[w] = rollingMax(s.high, w)
		s.rollLow[w] = rollingMin(s.low, w)
	}
	return s
}

func (s *series) bar(idx int) Bar {
	return Bar{
		TsOpen:  s.tsOpen[idx],
		TsClose: s.tsClose[idx],
		Open:    s.open[idx],
		High:    s.high[idx],
		Low:     s.low[idx],
		Close:   s.close_[idx],
		Volume:  s.volume[idx],
	}
}

// BarFeed exposes the immutable per-role bar and indicator arrays for one
// run. It is safe for concurrent readers once built.
type BarFeed struct {
	symbol string
	roles  map[Role]*series
	order  []Role
}

// NewBarFeed freezes the given frames into a feed. windows lists the rolling
// high/low window sizes the strategy declared; their extremes are precomputed
// here so the hot path never scans.
func NewBarFeed(frames map[Role]Frame, windows []int) (*BarFeed, error) {
	if _, ok := frames[RoleExec]; !ok {
		return nil, fmt.Errorf("bar feed requires an exec frame")
	}
	bf := &BarFeed{roles: make(map[Role]*series, len(frames))}
	for role, f := range frames {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if bf.symbol == "" {
			bf.symbol = f.Symbol
		} else if bf.symbol != f.Symbol {
			return nil, fmt.Errorf("mixed symbols in feed: %s vs %s", bf.symbol, f.Symbol)
		}
		bf.roles[role] = newSeries(f, windows)
	}
	for _, role := range RolesByTieBreak {
		if _, ok := bf.roles[role]; ok {
			bf.order = append(bf.order, role)
		}
	}
	return bf, nil
}

// Symbol returns the instrument symbol shared by all frames.
func (bf *BarFeed) Symbol() string { return bf.symbol }

// HasRole reports whether the feed carries a series for role.
func (bf *BarFeed) HasRole(role Role) bool {
	_, ok := bf.roles[role]
	return ok
}

// Roles returns the declared roles in tie-break order (high, med, exec).
func (bf *BarFeed) Roles() []Role { return bf.order }

// TF returns the timeframe bound to role.
func (bf *BarFeed) TF(role Role) Timeframe { return bf.roles[role].tf }

// Len returns the bar count for role.
func (bf *BarFeed) Len(role Role) int { return len(bf.roles[role].tsOpen) }

// Get returns the bar at idx on role. Callers pass indices the feed handed
// out; an out-of-range idx is a bug, and the slice bounds check reports it.
func (bf *BarFeed) Get(role Role, idx int) Bar { return bf.roles[role].bar(idx) }

// TsClose returns the close timestamp of bar idx on role.
func (bf *BarFeed) TsClose(role Role, idx int) int64 { return bf.roles[role].tsClose[idx] }

// TsOpen returns the open timestamp of bar idx on role.
func (bf *BarFeed) TsOpen(role Role, idx int) int64 { return bf.roles[role].tsOpen[idx] }

// Indicator returns the precomputed indicator value for key at idx on role,
// or Missing when the column exists but holds no value there. A key that was
// never declared returns (Missing, false).
func (bf *BarFeed) Indicator(role Role, key string, idx int) (float64, bool) {
	col, ok := bf.roles[role].indicators[key]
	if !ok {
		return Missing, false
	}
	if idx < 0 || idx >= len(col) {
		return Missing, true
	}
	return col[idx], true
}

// IndicatorKeys returns the sorted indicator column names for role.
func (bf *BarFeed) IndicatorKeys(role Role) []string {
	s := bf.roles[role]
	keys := make([]string, 0, len(s.indicators))
	for k := range s.indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LatestClosedIdx advances the carried index for role given the current
// execution close. If execTsClose is a close boundary for this role the
// returned index points at the newly closed bar; otherwise prev carries
// forward. This is the forward-fill primitive.
func (bf *BarFeed) LatestClosedIdx(role Role, execTsClose int64, prev int) int {
	if idx, ok := bf.roles[role].closeIdx[execTsClose]; ok {
		return idx
	}
	return prev
}

// HighestHigh returns the highest high over the window bars ending at idx.
// The window must have been declared at construction.
func (bf *BarFeed) HighestHigh(role Role, window, idx int) (float64, error) {
	col, ok := bf.roles[role].rollHigh[window]
	if !ok {
		return Missing, fmt.Errorf("rolling window %d not declared for %s", window, role)
	}
	if idx < 0 || idx >= len(col) {
		return Missing, nil
	}
	return col[idx], nil
}

// LowestLow returns the lowest low over the window bars ending at idx.
func (bf *BarFeed) LowestLow(role Role, window, idx int) (float64, error) {
	col, ok := bf.roles[role].rollLow[window]
	if !ok {
		return Missing, fmt.Errorf("rolling window %d not declared for %s", window, role)
	}
	if idx < 0 || idx >= len(col) {
		return Missing, nil
	}
	return col[idx], nil
}
