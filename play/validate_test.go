package play

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlay() *Play {
	return &Play{
		Name:       "ema_cross",
		Symbol:     "BTCUSDT",
		Instrument: Instrument{TickSize: 0.1, MinNotional: 5, MMR: 0.005},
		Timeframes: Timeframes{Exec: "15m", Med: "1h", High: "4h"},
		WarmupBars: map[string]int{"exec": 50, "med": 30, "high": 20},
		Actions: []ActionGroup{{
			ID: "entries",
			Cases: []Case{{
				ID:   "long",
				When: Condition{Op: ">", Left: &Operand{Path: "price.close"}, Right: &Operand{Value: f(100)}},
				Emit: []Emit{{Action: "enter_long"}},
			}},
		}},
		Risk: Risk{
			StartingEquityUSDT: 10000,
			MaxLeverage:        10,
			FeeModel:           FeeModel{TakerBps: 6, MakerBps: 1},
			SlippageBps:        2,
			MarkPriceSource:    "close",
			FundingEnabled:     true,
		},
		Sizing: Sizing{Mode: SizingFixedUSDT, ValueUSDT: 1000},
	}
}

func f(v float64) *float64 { return &v }

func TestValidPlayPasses(t *testing.T) {
	require.NoError(t, validPlay().Validate())
}

func TestValidateRejections(t *testing.T) {
	t.Run("missing exec timeframe", func(t *testing.T) {
		p := validPlay()
		p.Timeframes.Exec = ""
		assert.ErrorContains(t, p.Validate(), "execution timeframe")
	})

	t.Run("roles must get slower", func(t *testing.T) {
		p := validPlay()
		p.Timeframes.Med = "5m" // faster than the 15m exec
		assert.ErrorContains(t, p.Validate(), "slower")
	})

	t.Run("unknown timeframe", func(t *testing.T) {
		p := validPlay()
		p.Timeframes.High = "7h"
		assert.ErrorContains(t, p.Validate(), "7h")
	})

	t.Run("warmup for undeclared role", func(t *testing.T) {
		p := validPlay()
		p.Timeframes.Med = ""
		p.Timeframes.High = ""
		assert.ErrorContains(t, p.Validate(), "not declared")
	})

	t.Run("mark source outside allowed set", func(t *testing.T) {
		p := validPlay()
		p.Risk.MarkPriceSource = "vwap"
		err := p.Validate()
		assert.ErrorContains(t, err, "close, hlc3, ohlc4")
	})

	t.Run("negative sizing", func(t *testing.T) {
		p := validPlay()
		p.Sizing = Sizing{Mode: SizingFixedUSDT, ValueUSDT: -5}
		assert.ErrorContains(t, p.Validate(), "fixed_usdt")
	})

	t.Run("percent out of range", func(t *testing.T) {
		p := validPlay()
		p.Sizing = Sizing{Mode: SizingPercentEquity, Percent: 120}
		assert.ErrorContains(t, p.Validate(), "(0, 100]")
	})

	t.Run("duplicate feature ids", func(t *testing.T) {
		p := validPlay()
		p.Features = []Feature{
			{ID: "fast", Kind: FeatureIndicator, TF: "exec", Key: "ema_9"},
			{ID: "fast", Kind: FeatureIndicator, TF: "exec", Key: "ema_21"},
		}
		assert.ErrorContains(t, p.Validate(), "duplicate feature id")
	})

	t.Run("feature on undeclared role", func(t *testing.T) {
		p := validPlay()
		p.Timeframes.High = ""
		delete(p.WarmupBars, "high")
		p.Features = []Feature{{ID: "slow", Kind: FeatureIndicator, TF: "high", Key: "ema_50"}}
		assert.ErrorContains(t, p.Validate(), `role "high"`)
	})

	t.Run("mmr bounds", func(t *testing.T) {
		p := validPlay()
		p.Instrument.MMR = 1.5
		assert.ErrorContains(t, p.Validate(), "mmr")
	})
}

func TestConfigErrorCarriesField(t *testing.T) {
	p := validPlay()
	p.Risk.MaxLeverage = 0
	err := p.Validate()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "risk.max_leverage", ce.Field)
}

func TestHighWithoutMedIsAllowed(t *testing.T) {
	p := validPlay()
	p.Timeframes.Med = ""
	delete(p.WarmupBars, "med")
	require.NoError(t, p.Validate())
}
