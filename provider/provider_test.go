package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/feed"
	"perpsim/play"
)

func openTestStore(t *testing.T) *SQLiteProvider {
	t.Helper()
	p, err := OpenSQLite(filepath.Join(t.TempDir(), "bars.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func mkFrame(symbol string, tf feed.Timeframe, n int) feed.Frame {
	step := tf.Millis()
	bars := make([]feed.Bar, n)
	ema := make([]float64, n)
	for i := range bars {
		px := 100 + float64(i)
		bars[i] = feed.Bar{
			TsOpen: int64(i) * step, TsClose: int64(i+1) * step,
			Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: 10,
		}
		ema[i] = px + 0.25
	}
	ema[0] = feed.Missing // pre-warmup hole survives the roundtrip as Missing
	return feed.Frame{Symbol: symbol, TF: tf, Bars: bars,
		Indicators: map[string][]float64{"ema_21": ema}}
}

func TestFrameRoundtrip(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()

	in := mkFrame("BTCUSDT", feed.TF1h, 5)
	require.NoError(t, p.StoreFrame(ctx, in))

	out, err := p.LoadFrame(ctx, "BTCUSDT", feed.TF1h, 0, 5*feed.TF1h.Millis())
	require.NoError(t, err)
	require.Len(t, out.Bars, 5)
	assert.Equal(t, in.Bars, out.Bars)

	col, ok := out.Indicators["ema_21"]
	require.True(t, ok)
	assert.True(t, feed.IsMissing(col[0]))
	assert.Equal(t, 101.25, col[1])
}

func TestLoadFrameWindowsAndMissing(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, p.StoreFrame(ctx, mkFrame("BTCUSDT", feed.TF1h, 6)))

	out, err := p.LoadFrame(ctx, "BTCUSDT", feed.TF1h, feed.TF1h.Millis(), 4*feed.TF1h.Millis())
	require.NoError(t, err)
	assert.Len(t, out.Bars, 3)
	assert.Equal(t, feed.TF1h.Millis(), out.Bars[0].TsOpen)

	_, err = p.LoadFrame(ctx, "ETHUSDT", feed.TF1h, 0, 4*feed.TF1h.Millis())
	var de *DataError
	require.ErrorAs(t, err, &de)
}

func TestFundingRoundtrip(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()
	rates := []feed.FundingRate{
		{Ts: 0, Rate: 0.0001},
		{Ts: feed.FundingIntervalMs, Rate: -0.0003},
	}
	require.NoError(t, p.StoreFunding(ctx, "BTCUSDT", rates))

	fs, err := p.LoadFunding(ctx, "BTCUSDT", 0, 2*feed.FundingIntervalMs)
	require.NoError(t, err)
	r, ok := fs.RateAt(feed.FundingIntervalMs)
	require.True(t, ok)
	assert.Equal(t, -0.0003, r)
}

func preflightPlay() *play.Play {
	return &play.Play{
		Name:       "t",
		Symbol:     "BTCUSDT",
		Instrument: play.Instrument{TickSize: 0.1, MMR: 0.005},
		Timeframes: play.Timeframes{Exec: "1h"},
		WarmupBars: map[string]int{"exec": 2},
		Risk: play.Risk{StartingEquityUSDT: 10000, MaxLeverage: 10,
			FeeModel: play.FeeModel{TakerBps: 6}, MarkPriceSource: "close",
			FundingEnabled: true},
		Sizing: play.Sizing{Mode: play.SizingFixedUSDT, ValueUSDT: 100},
	}
}

func TestPreflightWarmupUnsatisfiable(t *testing.T) {
	p := preflightPlay()
	frames := map[feed.Role]feed.Frame{feed.RoleExec: mkFrame("BTCUSDT", feed.TF1h, 2)}
	err := Preflight(p, frames, nil, nil)
	var de *DataError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "warmup")
}

func TestPreflightFundingGap(t *testing.T) {
	p := preflightPlay()
	// Nine hourly bars cross the 08:00 boundary; an empty series is a gap.
	frames := map[feed.Role]feed.Frame{feed.RoleExec: mkFrame("BTCUSDT", feed.TF1h, 9)}
	fs, err := feed.NewFundingSeries(nil)
	require.NoError(t, err)

	err = Preflight(p, frames, fs, nil)
	var de *DataError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "funding")
}

func TestPreflightPasses(t *testing.T) {
	p := preflightPlay()
	frames := map[feed.Role]feed.Frame{feed.RoleExec: mkFrame("BTCUSDT", feed.TF1h, 6)}
	fs, err := feed.NewFundingSeries([]feed.FundingRate{{Ts: 0, Rate: 0.0001}})
	require.NoError(t, err)
	require.NoError(t, Preflight(p, frames, fs, nil))
}
