// Package provider loads preflighted market data for a run: bar frames with
// precomputed indicator columns, the funding series and the 1-minute stream.
// The engine assumes completeness; everything that can be wrong with data is
// caught here, before the loop starts.
package provider

import (
	"context"
	"fmt"

	"perpsim/feed"
)

// DataError marks bad or incomplete market data. Raised before the loop
// starts; the loop itself never sees a gap.
type DataError struct {
	Msg string
}

func (e *DataError) Error() string { return "data error: " + e.Msg }

func dataErrf(format string, args ...any) error {
	return &DataError{Msg: fmt.Sprintf(format, args...)}
}

// DataProvider is the contract a run loads through. Implementations must
// return gapless, ascending frames; LoadFrame includes the declared
// indicator columns.
type DataProvider interface {
	LoadFrame(ctx context.Context, symbol string, tf feed.Timeframe, startMs, endMs int64) (feed.Frame, error)
	LoadFunding(ctx context.Context, symbol string, startMs, endMs int64) (*feed.FundingSeries, error)
	LoadMinuteStream(ctx context.Context, symbol string, startMs, endMs int64) (*feed.MinuteStream, error)
}
