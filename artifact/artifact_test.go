package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/engine"
	"perpsim/exchange"
	"perpsim/feed"
	"perpsim/play"
	"perpsim/summary"
)

func TestCanonicalJSONSortsKeysAndFixesFloats(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"b":     1.0,
		"a":     []any{1, 2.5},
		"c":     "x",
		"float": 1.0 / 3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2.5],"b":1,"c":"x","float":0.3333333333}`, string(got))
}

func TestCanonicalJSONIsStable(t *testing.T) {
	v := map[string]any{"z": 1.23456789012345, "a": map[string]any{"k": 2, "b": true}}
	first, err := CanonicalJSON(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTradesHashChangesWithContent(t *testing.T) {
	a := []exchange.Trade{{ID: "trade_0001", PositionID: "pos_0001", RealizedPnLUSDT: 10}}
	b := []exchange.Trade{{ID: "trade_0001", PositionID: "pos_0001", RealizedPnLUSDT: 10.0000001}}

	ha, err := TradesHash(a)
	require.NoError(t, err)
	hb, err := TradesHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	ha2, err := TradesHash(a)
	require.NoError(t, err)
	assert.Equal(t, ha, ha2)
}

func scenarioInputs() (*play.Play, map[feed.Role]feed.Frame) {
	f := func(v float64) *float64 { return &v }
	p := &play.Play{
		Name:       "trivial_long",
		Symbol:     "BTCUSDT",
		Instrument: play.Instrument{TickSize: 0.01, MinNotional: 5, MMR: 0.005},
		Timeframes: play.Timeframes{Exec: "1h"},
		WarmupBars: map[string]int{"exec": 1},
		Risk: play.Risk{
			StartingEquityUSDT: 10000,
			MaxLeverage:        10,
			FeeModel:           play.FeeModel{TakerBps: 6, MakerBps: 1},
			MarkPriceSource:    "close",
		},
		Sizing: play.Sizing{Mode: play.SizingFixedUSDT, ValueUSDT: 1000},
		Actions: []play.ActionGroup{{
			ID: "entries",
			Cases: []play.Case{{
				ID: "long",
				When: play.Condition{Op: ">",
					Left:  &play.Operand{Path: "price.close"},
					Right: &play.Operand{Value: f(99.5)}},
				Emit: []play.Emit{{
					Action:     "enter_long",
					StopLoss:   &play.Operand{Value: f(95)},
					TakeProfit: &play.Operand{Value: f(110)},
				}},
			}},
		}},
	}

	step := feed.TF1h.Millis()
	ohlc := [][4]float64{
		{99, 101, 98, 100}, {100, 102, 99, 101}, {101, 112, 100, 111}, {111, 112, 108, 109},
	}
	bars := make([]feed.Bar, len(ohlc))
	for i, b := range ohlc {
		bars[i] = feed.Bar{TsOpen: int64(i) * step, TsClose: int64(i+1) * step,
			Open: b[0], High: b[1], Low: b[2], Close: b[3], Volume: 100}
	}
	frames := map[feed.Role]feed.Frame{
		feed.RoleExec: {Symbol: "BTCUSDT", TF: feed.TF1h, Bars: bars},
	}
	return p, frames
}

func writeScenarioRun(t *testing.T, dir string) *Manifest {
	t.Helper()
	p, frames := scenarioInputs()
	eng, err := engine.New(engine.Inputs{Play: p, Frames: frames}, zerolog.Nop())
	require.NoError(t, err)
	res, err := eng.Run(context.Background())
	require.NoError(t, err)

	sum := summary.Compute(res.Trades, res.Equity, p.Risk.StartingEquityUSDT,
		feed.TF1h.Millis(), summary.Costs{FeesUSDT: res.FeesUSDT}, string(res.TerminalStop))
	fp := FingerprintInputs(frames, nil, nil)
	m, err := WriteRun(dir, res, sum, fp)
	require.NoError(t, err)
	return m
}

func TestWriteRunProducesAllArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_a")
	m := writeScenarioRun(t, dir)

	for _, name := range []string{ResultFile, TradesFile, EquityFile, ManifestFile, SignatureFile, EventsFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.NotEmpty(t, m.RunHash)
	assert.Equal(t, engine.Version, m.EngineVersion)
	assert.Equal(t, 4, m.EquityPoints)

	sig, err := ReadSignature(dir)
	require.NoError(t, err)
	assert.Equal(t, PipelineName, sig.Pipeline)
	assert.Equal(t, m.RunHash, sig.RunHash)
}

func TestDeterminismAcrossReruns(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	ma := writeScenarioRun(t, dirA)
	mb := writeScenarioRun(t, dirB)

	assert.Equal(t, ma.FullHash, mb.FullHash)
	assert.Equal(t, ma.TradesHash, mb.TradesHash)
	assert.Equal(t, ma.EquityHash, mb.EquityHash)
	assert.Equal(t, ma.RunHash, mb.RunHash)

	require.NoError(t, Verify(dirA, dirB))
}

func TestVerifyNamesTheBrokenLink(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	writeScenarioRun(t, dirA)
	writeScenarioRun(t, dirB)

	// Corrupt one link in B's manifest.
	mb, err := ReadManifest(dirB)
	require.NoError(t, err)
	mb.TradesHash = "deadbeef"
	require.NoError(t, writeCanonicalFile(filepath.Join(dirB, ManifestFile), mb))

	err = Verify(dirA, dirB)
	var mismatch *HashMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "trades_hash", mismatch.Which)
}

func TestVerifyRejectsForeignPipeline(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	writeScenarioRun(t, dirA)
	writeScenarioRun(t, dirB)

	sb, err := ReadSignature(dirB)
	require.NoError(t, err)
	sb.Pipeline = "notebook.shortcut"
	require.NoError(t, writeCanonicalFile(filepath.Join(dirB, SignatureFile), sb))

	err = Verify(dirA, dirB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notebook.shortcut")
}

func TestFingerprintSensitivity(t *testing.T) {
	_, frames := scenarioInputs()
	fp1 := FingerprintInputs(frames, nil, nil)
	fp2 := FingerprintInputs(frames, nil, nil)
	assert.Equal(t, fp1, fp2)

	mutated := map[feed.Role]feed.Frame{}
	for role, f := range frames {
		bars := append([]feed.Bar(nil), f.Bars...)
		bars[0].Close += 0.0001
		mutated[role] = feed.Frame{Symbol: f.Symbol, TF: f.TF, Bars: bars}
	}
	assert.NotEqual(t, fp1, FingerprintInputs(mutated, nil, nil))
}
