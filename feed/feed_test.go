package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mkBars builds a gapless series from (open, high, low, close) tuples.
func mkBars(tf Timeframe, startMs int64, ohlc [][4]float64) []Bar {
	step := tf.Millis()
	out := make([]Bar, len(ohlc))
	for i, b := range ohlc {
		tsOpen := startMs + int64(i)*step
		out[i] = Bar{
			TsOpen: tsOpen, TsClose: tsOpen + step,
			Open: b[0], High: b[1], Low: b[2], Close: b[3], Volume: 100,
		}
	}
	return out
}

func TestBarValidate(t *testing.T) {
	tf := TF1h
	good := Bar{TsOpen: 0, TsClose: tf.Millis(), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1}
	require.NoError(t, good.Validate(tf))

	bad := good
	bad.High = 100 // below the close
	assert.Error(t, bad.Validate(tf))

	bad = good
	bad.Low = 100.2
	assert.Error(t, bad.Validate(tf))

	bad = good
	bad.Volume = -1
	assert.Error(t, bad.Validate(tf))

	bad = good
	bad.TsClose = bad.TsOpen + tf.Millis() + 1
	assert.Error(t, bad.Validate(tf))
}

func TestFrameValidateRejectsGaps(t *testing.T) {
	bars := mkBars(TF1h, 0, [][4]float64{{1, 2, 0.5, 1.5}, {1.5, 2, 1, 1.8}, {1.8, 2.2, 1.6, 2}})
	f := Frame{Symbol: "BTCUSDT", TF: TF1h, Bars: bars}
	require.NoError(t, f.Validate())

	// Remove the middle bar and shift nothing: a gap.
	f.Bars = []Bar{bars[0], bars[2]}
	assert.ErrorContains(t, f.Validate(), "gap")
}

func TestFrameValidateRejectsMisalignedIndicator(t *testing.T) {
	bars := mkBars(TF1h, 0, [][4]float64{{1, 2, 0.5, 1.5}, {1.5, 2, 1, 1.8}})
	f := Frame{Symbol: "BTCUSDT", TF: TF1h, Bars: bars,
		Indicators: map[string][]float64{"ema_21": {1.0}}}
	assert.ErrorContains(t, f.Validate(), "ema_21")
}

func TestLatestClosedIdxForwardFill(t *testing.T) {
	// 15m exec against 1h high role: the 1h index only advances on the
	// execution closes that coincide with a 1h close.
	execBars := mkBars(TF15m, 0, [][4]float64{
		{1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1},
		{1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1},
	})
	highBars := mkBars(TF1h, 0, [][4]float64{{1, 1, 1, 1}, {1, 1, 1, 1}})

	bf, err := NewBarFeed(map[Role]Frame{
		RoleExec: {Symbol: "BTCUSDT", TF: TF15m, Bars: execBars},
		RoleHigh: {Symbol: "BTCUSDT", TF: TF1h, Bars: highBars},
	}, nil)
	require.NoError(t, err)

	idx := -1
	var got []int
	for i := 0; i < bf.Len(RoleExec); i++ {
		idx = bf.LatestClosedIdx(RoleHigh, bf.TsClose(RoleExec, i), idx)
		got = append(got, idx)
	}
	// First 1h close lands on the 4th 15m close, the second on the 8th.
	assert.Equal(t, []int{-1, -1, -1, 0, 0, 0, 0, 1}, got)
}

func TestRollingExtremes(t *testing.T) {
	highs := []float64{3, 1, 4, 1, 5, 9, 2, 6}
	maxs := rollingMax(highs, 3)
	assert.True(t, IsMissing(maxs[0]))
	assert.True(t, IsMissing(maxs[1]))
	assert.Equal(t, []float64{4, 4, 5, 9, 9, 9}, maxs[2:])

	mins := rollingMin(highs, 3)
	assert.Equal(t, []float64{1, 1, 1, 1, 2, 2}, mins[2:])
}

func TestFeedRollingWindowsPrecomputed(t *testing.T) {
	bars := mkBars(TF1h, 0, [][4]float64{
		{10, 12, 9, 11}, {11, 15, 10, 14}, {14, 14.5, 13, 13.5}, {13.5, 16, 13, 15},
	})
	bf, err := NewBarFeed(map[Role]Frame{
		RoleExec: {Symbol: "BTCUSDT", TF: TF1h, Bars: bars},
	}, []int{2})
	require.NoError(t, err)

	hh, err := bf.HighestHigh(RoleExec, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 16.0, hh)

	ll, err := bf.LowestLow(RoleExec, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 9.0, ll)

	_, err = bf.HighestHigh(RoleExec, 7, 3)
	assert.ErrorContains(t, err, "not declared")
}

func TestFundingBoundaries(t *testing.T) {
	const h = int64(60 * 60 * 1000)

	// A bar fully inside one funding interval crosses nothing.
	assert.Empty(t, BoundariesIn(h, 2*h))

	// A bar spanning 08:00 UTC crosses exactly that boundary.
	got := BoundariesIn(7*h+30*60_000, 8*h+30*60_000)
	assert.Equal(t, []int64{8 * h}, got)

	// A daily bar crosses all three boundaries.
	got = BoundariesIn(0, 24*h)
	assert.Equal(t, []int64{0, 8 * h, 16 * h}, got)
}

func TestFundingSeriesAlignment(t *testing.T) {
	_, err := NewFundingSeries([]FundingRate{{Ts: 123, Rate: 0.0001}})
	assert.ErrorContains(t, err, "aligned")

	fs, err := NewFundingSeries([]FundingRate{
		{Ts: 0, Rate: 0.0001},
		{Ts: FundingIntervalMs, Rate: -0.0002},
	})
	require.NoError(t, err)
	r, ok := fs.RateAt(FundingIntervalMs)
	require.True(t, ok)
	assert.Equal(t, -0.0002, r)
	_, ok = fs.RateAt(42)
	assert.False(t, ok)
}

func TestMinuteStreamSlice(t *testing.T) {
	bars := mkBars(TF1m, 0, [][4]float64{
		{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3}, {4, 4, 4, 4}, {5, 5, 5, 5},
	})
	ms, err := NewMinuteStream(Frame{Symbol: "BTCUSDT", TF: TF1m, Bars: bars})
	require.NoError(t, err)

	sub := ms.Slice(0, 3*TF1m.Millis())
	require.Len(t, sub, 3)
	assert.Equal(t, 1.0, sub[0].Open)
	assert.Equal(t, 3.0, sub[2].Open)

	// Uncovered window falls back to nil so callers degrade to bar level.
	assert.Nil(t, ms.Slice(10*TF1m.Millis(), 12*TF1m.Millis()))

	var nilStream *MinuteStream
	assert.Nil(t, nilStream.Slice(0, TF1m.Millis()))
}
