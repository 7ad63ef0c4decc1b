package feed

import (
	"fmt"
	"sort"
)

// FundingIntervalMs is the spacing of perpetual funding boundaries:
// every 8 hours at 00:00, 08:00 and 16:00 UTC.
const FundingIntervalMs int64 = 8 * 60 * 60 * 1000

// FundingRate is one boundary-aligned funding observation.
type FundingRate struct {
	Ts   int64   `json:"ts"`
	Rate float64 `json:"rate"`
}

// FundingSeries is a time-indexed funding rate series aligned to 8h
// boundaries. Lookup is one map probe.
type FundingSeries struct {
	rates []FundingRate
	byTs  map[int64]float64
}

// NewFundingSeries validates boundary alignment and freezes the series.
func NewFundingSeries(rates []FundingRate) (*FundingSeries, error) {
	sorted := append([]FundingRate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts < sorted[j].Ts })
	fs := &FundingSeries{rates: sorted, byTs: make(map[int64]float64, len(sorted))}
	for i, r := range sorted {
		if r.Ts%FundingIntervalMs != 0 {
			return nil, fmt.Errorf("funding rate at %d is not 8h-boundary aligned", r.Ts)
		}
		if i > 0 && r.Ts == sorted[i-1].Ts {
			return nil, fmt.Errorf("duplicate funding rate at %d", r.Ts)
		}
		fs.byTs[r.Ts] = r.Rate
	}
	return fs, nil
}

// RateAt returns the funding rate for the boundary at ts.
func (fs *FundingSeries) RateAt(ts int64) (float64, bool) {
	if fs == nil {
		return 0, false
	}
	r, ok := fs.byTs[ts]
	return r, ok
}

// Len returns the number of observations.
func (fs *FundingSeries) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.rates)
}

// Each visits the observations in ascending timestamp order.
func (fs *FundingSeries) Each(fn func(FundingRate)) {
	if fs == nil {
		return
	}
	for _, r := range fs.rates {
		fn(r)
	}
}

// BoundariesIn returns the funding boundaries inside [from, to), ascending.
// A bar whose open interval contains a boundary accrues at that boundary.
func BoundariesIn(from, to int64) []int64 {
	if to <= from {
		return nil
	}
	first := from
	if rem := first % FundingIntervalMs; rem != 0 {
		first += FundingIntervalMs - rem
	}
	var out []int64
	for ts := first; ts < to; ts += FundingIntervalMs {
		out = append(out, ts)
	}
	return out
}
