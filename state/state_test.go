package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/feed"
)

type countingDetector struct {
	updates int
	fields  map[string]float64
	ver     uint64
}

func (d *countingDetector) Update(feed.Bar) {
	d.updates++
	d.ver++
}
func (d *countingDetector) Fields() map[string]float64 { return d.fields }
func (d *countingDetector) Version() uint64            { return d.ver }

func TestRegistryDispatchByRole(t *testing.T) {
	reg := NewRegistry()
	execDet := &countingDetector{fields: map[string]float64{"level": 1}}
	highDet := &countingDetector{fields: map[string]float64{"level": 2}}
	require.NoError(t, reg.Register("swing_exec", feed.RoleExec, execDet))
	require.NoError(t, reg.Register("swing_high", feed.RoleHigh, highDet))

	bar := feed.Bar{TsOpen: 0, TsClose: feed.TF1h.Millis(), Open: 1, High: 2, Low: 0.5, Close: 1.5}
	reg.UpdateRole(feed.RoleExec, bar)
	reg.UpdateRole(feed.RoleExec, bar)
	reg.UpdateRole(feed.RoleHigh, bar)

	assert.Equal(t, 2, execDet.updates)
	assert.Equal(t, 1, highDet.updates)
	assert.Equal(t, uint64(1), highDet.Version())
}

func TestRegistryFieldLookup(t *testing.T) {
	reg := NewRegistry()
	det := &countingDetector{fields: map[string]float64{
		"high_level": 105.5,
		"pending":    feed.Missing,
	}}
	require.NoError(t, reg.Register("swing_main", feed.RoleExec, det))

	v, ok := reg.Field("swing_main", "high_level")
	require.True(t, ok)
	assert.Equal(t, 105.5, v)

	v, ok = reg.Field("swing_main", "pending")
	require.True(t, ok, "a known field holding Missing is still known")
	assert.True(t, feed.IsMissing(v))

	_, ok = reg.Field("swing_main", "nope")
	assert.False(t, ok)
	_, ok = reg.Field("ghost", "high_level")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	det := &countingDetector{fields: map[string]float64{}}
	require.NoError(t, reg.Register("b", feed.RoleExec, det))
	assert.Error(t, reg.Register("b", feed.RoleExec, det))
	assert.Error(t, reg.Register("", feed.RoleExec, det))
	assert.Equal(t, []string{"b"}, reg.BlockIDs())
}
