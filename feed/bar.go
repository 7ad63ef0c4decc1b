package feed

import (
	"fmt"
	"math"
)

// Missing is the sentinel for an unavailable numeric input: pre-warmup
// indicator values, out-of-range history offsets, absent detector fields.
// It is NaN so that arithmetic propagates it without branching.
var Missing = math.NaN()

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Bar is one closed candle. TsOpen is the canonical stored timestamp;
// TsClose is the strategy's decision time.
type Bar struct {
	TsOpen  int64   `json:"ts_open"`
	TsClose int64   `json:"ts_close"`
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
}

// Validate checks the OHLCV and timestamp invariants for a bar on tf.
func (b Bar) Validate(tf Timeframe) error {
	if b.TsClose <= b.TsOpen {
		return fmt.Errorf("bar at %d: ts_close %d not after ts_open", b.TsOpen, b.TsClose)
	}
	if got, want := b.TsClose-b.TsOpen, tf.Millis(); got != want {
		return fmt.Errorf("bar at %d: span %dms does not match %s (%dms)", b.TsOpen, got, tf, want)
	}
	if b.High < math.Max(b.Open, b.Close) {
		return fmt.Errorf("bar at %d: high %.10g below body", b.TsOpen, b.High)
	}
	if b.Low > math.Min(b.Open, b.Close) {
		return fmt.Errorf("bar at %d: low %.10g above body", b.TsOpen, b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %d: negative volume %.10g", b.TsOpen, b.Volume)
	}
	return nil
}

// Frame is one preloaded series for a single symbol and timeframe, with
// indicator columns aligned index-for-index with Bars.
type Frame struct {
	Symbol     string
	TF         Timeframe
	Bars       []Bar
	Indicators map[string][]float64
}

// Validate checks ordering, gaplessness and column alignment. The heavy
// completeness preflight belongs to the provider; this is the last line of
// defense before the arrays are frozen into a feed.
func (f Frame) Validate() error {
	if !f.TF.Valid() {
		return fmt.Errorf("frame %s: invalid timeframe %q", f.Symbol, f.TF)
	}
	if len(f.Bars) == 0 {
		return fmt.Errorf("frame %s %s: no bars", f.Symbol, f.TF)
	}
	step := f.TF.Millis()
	for i, b := range f.Bars {
		if err := b.Validate(f.TF); err != nil {
			return fmt.Errorf("frame %s %s: %w", f.Symbol, f.TF, err)
		}
		if i > 0 && b.TsOpen != f.Bars[i-1].TsOpen+step {
			return fmt.Errorf("frame %s %s: gap between bar %d and %d (%d -> %d)",
				f.Symbol, f.TF, i-1, i, f.Bars[i-1].TsOpen, b.TsOpen)
		}
	}
	for key, col := range f.Indicators {
		if len(col) != len(f.Bars) {
			return fmt.Errorf("frame %s %s: indicator %q has %d values for %d bars",
				f.Symbol, f.TF, key, len(col), len(f.Bars))
		}
	}
	return nil
}
