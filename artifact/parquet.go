package artifact

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"

	"perpsim/exchange"
)

func writerProps() *parquet.WriterProperties {
	return parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))
}

func float64Node(name string) pqschema.Node {
	return pqschema.NewFloat64Node(name, parquet.Repetitions.Required, -1)
}

func int64Node(name string) pqschema.Node {
	return pqschema.NewInt64Node(name, parquet.Repetitions.Required, -1)
}

func stringNode(name string) pqschema.Node {
	return pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted(
		name, parquet.Repetitions.Required, parquet.Types.ByteArray,
		pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1))
}

// tradesGroupNode is the trades.parquet schema, one row per closed trade.
func tradesGroupNode() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		stringNode("trade_id"),
		stringNode("position_id"),
		stringNode("side"),
		int64Node("entry_ts_ms"),
		int64Node("exit_ts_ms"),
		float64Node("size_usdt"),
		float64Node("entry_price"),
		float64Node("exit_price"),
		float64Node("realized_pnl_usdt"),
		float64Node("fees_usdt"),
		float64Node("funding_paid_usdt"),
		float64Node("funding_received_usdt"),
		stringNode("exit_reason"),
		float64Node("mae_pct"),
		float64Node("mfe_pct"),
	}, -1))
}

// equityGroupNode is the equity.parquet schema, one row per execution bar.
func equityGroupNode() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		int64Node("ts_ms"),
		float64Node("equity_usdt"),
		float64Node("cash_balance_usdt"),
		float64Node("unrealized_pnl_usdt"),
		float64Node("realized_pnl_usdt"),
	}, -1))
}

func writeStringColumn(rgw pqfile.BufferedRowGroupWriter, col int, vals []parquet.ByteArray) error {
	cw, err := rgw.Column(col)
	if err != nil {
		return err
	}
	_, err = cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch(vals, nil, nil)
	return err
}

func writeInt64Column(rgw pqfile.BufferedRowGroupWriter, col int, vals []int64) error {
	cw, err := rgw.Column(col)
	if err != nil {
		return err
	}
	_, err = cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch(vals, nil, nil)
	return err
}

func writeFloat64Column(rgw pqfile.BufferedRowGroupWriter, col int, vals []float64) error {
	cw, err := rgw.Column(col)
	if err != nil {
		return err
	}
	_, err = cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch(vals, nil, nil)
	return err
}

func toByteArrays(vals []string) []parquet.ByteArray {
	out := make([]parquet.ByteArray, len(vals))
	for i, s := range vals {
		out[i] = parquet.ByteArray(s)
	}
	return out
}

// WriteTradesParquet writes the columnar trade file.
func WriteTradesParquet(path string, trades []exchange.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	pw := pqfile.NewParquetWriter(f, tradesGroupNode(), pqfile.WithWriterProps(writerProps()))
	rgw := pw.AppendBufferedRowGroup()

	n := len(trades)
	ids := make([]string, n)
	posIDs := make([]string, n)
	sides := make([]string, n)
	entryTs := make([]int64, n)
	exitTs := make([]int64, n)
	size := make([]float64, n)
	entryPx := make([]float64, n)
	exitPx := make([]float64, n)
	pnl := make([]float64, n)
	fees := make([]float64, n)
	fundPaid := make([]float64, n)
	fundRecv := make([]float64, n)
	reasons := make([]string, n)
	mae := make([]float64, n)
	mfe := make([]float64, n)
	for i, t := range trades {
		ids[i], posIDs[i], sides[i] = t.ID, t.PositionID, t.Side
		entryTs[i], exitTs[i] = t.EntryTs, t.ExitTs
		size[i], entryPx[i], exitPx[i] = t.SizeUSDT, t.EntryPrice, t.ExitPrice
		pnl[i], fees[i] = t.RealizedPnLUSDT, t.FeesUSDT
		fundPaid[i], fundRecv[i] = t.FundingPaidUSDT, t.FundingReceivedUSDT
		reasons[i], mae[i], mfe[i] = t.ExitReason, t.MAEPct, t.MFEPct
	}

	steps := []func() error{
		func() error { return writeStringColumn(rgw, 0, toByteArrays(ids)) },
		func() error { return writeStringColumn(rgw, 1, toByteArrays(posIDs)) },
		func() error { return writeStringColumn(rgw, 2, toByteArrays(sides)) },
		func() error { return writeInt64Column(rgw, 3, entryTs) },
		func() error { return writeInt64Column(rgw, 4, exitTs) },
		func() error { return writeFloat64Column(rgw, 5, size) },
		func() error { return writeFloat64Column(rgw, 6, entryPx) },
		func() error { return writeFloat64Column(rgw, 7, exitPx) },
		func() error { return writeFloat64Column(rgw, 8, pnl) },
		func() error { return writeFloat64Column(rgw, 9, fees) },
		func() error { return writeFloat64Column(rgw, 10, fundPaid) },
		func() error { return writeFloat64Column(rgw, 11, fundRecv) },
		func() error { return writeStringColumn(rgw, 12, toByteArrays(reasons)) },
		func() error { return writeFloat64Column(rgw, 13, mae) },
		func() error { return writeFloat64Column(rgw, 14, mfe) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := rgw.Close(); err != nil {
		return fmt.Errorf("close row group %s: %w", path, err)
	}
	if err := pw.FlushWithFooter(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return pw.Close()
}

// WriteEquityParquet writes the columnar equity curve.
func WriteEquityParquet(path string, points []exchange.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	pw := pqfile.NewParquetWriter(f, equityGroupNode(), pqfile.WithWriterProps(writerProps()))
	rgw := pw.AppendBufferedRowGroup()

	n := len(points)
	ts := make([]int64, n)
	equity := make([]float64, n)
	cash := make([]float64, n)
	unreal := make([]float64, n)
	realized := make([]float64, n)
	for i, p := range points {
		ts[i] = p.Ts
		equity[i], cash[i] = p.EquityUSDT, p.CashUSDT
		unreal[i], realized[i] = p.UnrealizedUSDT, p.RealizedUSDT
	}

	steps := []func() error{
		func() error { return writeInt64Column(rgw, 0, ts) },
		func() error { return writeFloat64Column(rgw, 1, equity) },
		func() error { return writeFloat64Column(rgw, 2, cash) },
		func() error { return writeFloat64Column(rgw, 3, unreal) },
		func() error { return writeFloat64Column(rgw, 4, realized) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := rgw.Close(); err != nil {
		return fmt.Errorf("close row group %s: %w", path, err)
	}
	if err := pw.FlushWithFooter(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return pw.Close()
}
