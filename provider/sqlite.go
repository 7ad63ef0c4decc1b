package provider

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"perpsim/feed"
)

// SQLiteProvider serves frames from a local sqlite bar store. It also has a
// write side (StoreFrame, StoreFunding) used by ingestion tooling and test
// fixtures.
type SQLiteProvider struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (or creates) a bar store at path.
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open bar store: %w", err)
	}
	p := &SQLiteProvider{db: db, log: log.With().Str("comp", "provider").Logger()}
	if err := p.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the underlying database.
func (p *SQLiteProvider) Close() error { return p.db.Close() }

func (p *SQLiteProvider) initTables() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			tf TEXT NOT NULL,
			ts_open INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			PRIMARY KEY (symbol, tf, ts_open)
		)
	`)
	if err != nil {
		return fmt.Errorf("init bars table: %w", err)
	}
	_, err = p.db.Exec(`
		CREATE TABLE IF NOT EXISTS indicator_values (
			symbol TEXT NOT NULL,
			tf TEXT NOT NULL,
			key TEXT NOT NULL,
			ts_open INTEGER NOT NULL,
			value REAL,
			PRIMARY KEY (symbol, tf, key, ts_open)
		)
	`)
	if err != nil {
		return fmt.Errorf("init indicator table: %w", err)
	}
	_, err = p.db.Exec(`
		CREATE TABLE IF NOT EXISTS funding_rates (
			symbol TEXT NOT NULL,
			ts INTEGER NOT NULL,
			rate REAL NOT NULL,
			PRIMARY KEY (symbol, ts)
		)
	`)
	if err != nil {
		return fmt.Errorf("init funding table: %w", err)
	}
	return nil
}

// LoadFrame reads one timeframe's bars plus every indicator column stored
// for it, sorted ascending. Gaps surface as DataError via frame validation.
func (p *SQLiteProvider) LoadFrame(ctx context.Context, symbol string, tf feed.Timeframe, startMs, endMs int64) (feed.Frame, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ts_open, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND ts_open >= ? AND ts_open < ?
		ORDER BY ts_open ASC
	`, symbol, string(tf), startMs, endMs)
	if err != nil {
		return feed.Frame{}, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	f := feed.Frame{Symbol: symbol, TF: tf, Indicators: map[string][]float64{}}
	step := tf.Millis()
	for rows.Next() {
		var b feed.Bar
		if err := rows.Scan(&b.TsOpen, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return feed.Frame{}, fmt.Errorf("scan bar: %w", err)
		}
		b.TsClose = b.TsOpen + step
		f.Bars = append(f.Bars, b)
	}
	if err := rows.Err(); err != nil {
		return feed.Frame{}, fmt.Errorf("iterate bars: %w", err)
	}
	if len(f.Bars) == 0 {
		return feed.Frame{}, dataErrf("no %s bars for %s in [%d, %d)", tf, symbol, startMs, endMs)
	}

	if err := p.loadIndicators(ctx, &f, startMs, endMs); err != nil {
		return feed.Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return feed.Frame{}, &DataError{Msg: err.Error()}
	}
	p.log.Debug().Str("symbol", symbol).Str("tf", string(tf)).
		Int("bars", len(f.Bars)).Int("indicators", len(f.Indicators)).Msg("frame loaded")
	return f, nil
}

// loadIndicators aligns stored indicator values with the frame's bars by
// ts_open. Bars without a stored value hold Missing.
func (p *SQLiteProvider) loadIndicators(ctx context.Context, f *feed.Frame, startMs, endMs int64) error {
	idxByOpen := make(map[int64]int, len(f.Bars))
	for i, b := range f.Bars {
		idxByOpen[b.TsOpen] = i
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT key, ts_open, value
		FROM indicator_values
		WHERE symbol = ? AND tf = ? AND ts_open >= ? AND ts_open < ?
		ORDER BY key ASC, ts_open ASC
	`, f.Symbol, string(f.TF), startMs, endMs)
	if err != nil {
		return fmt.Errorf("query indicators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tsOpen int64
		var val sql.NullFloat64
		if err := rows.Scan(&key, &tsOpen, &val); err != nil {
			return fmt.Errorf("scan indicator: %w", err)
		}
		col, ok := f.Indicators[key]
		if !ok {
			col = make([]float64, len(f.Bars))
			for i := range col {
				col[i] = feed.Missing
			}
			f.Indicators[key] = col
		}
		if i, ok := idxByOpen[tsOpen]; ok {
			if val.Valid {
				col[i] = val.Float64
			}
		}
	}
	return rows.Err()
}

// LoadFunding reads the boundary-aligned funding series.
func (p *SQLiteProvider) LoadFunding(ctx context.Context, symbol string, startMs, endMs int64) (*feed.FundingSeries, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ts, rate FROM funding_rates
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query funding: %w", err)
	}
	defer rows.Close()

	var rates []feed.FundingRate
	for rows.Next() {
		var r feed.FundingRate
		if err := rows.Scan(&r.Ts, &r.Rate); err != nil {
			return nil, fmt.Errorf("scan funding: %w", err)
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funding: %w", err)
	}
	fs, err := feed.NewFundingSeries(rates)
	if err != nil {
		return nil, &DataError{Msg: err.Error()}
	}
	return fs, nil
}

// LoadMinuteStream reads the 1m sub-bar stream for the whole window.
func (p *SQLiteProvider) LoadMinuteStream(ctx context.Context, symbol string, startMs, endMs int64) (*feed.MinuteStream, error) {
	f, err := p.LoadFrame(ctx, symbol, feed.TF1m, startMs, endMs)
	if err != nil {
		return nil, err
	}
	ms, err := feed.NewMinuteStream(f)
	if err != nil {
		return nil, &DataError{Msg: err.Error()}
	}
	return ms, nil
}

// ============================================================================
// Write side, used by ingestion tooling and test fixtures
// ============================================================================

// StoreFrame inserts a frame's bars and indicator columns.
func (p *SQLiteProvider) StoreFrame(ctx context.Context, f feed.Frame) error {
	if err := f.Validate(); err != nil {
		return &DataError{Msg: err.Error()}
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, b := range f.Bars {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO bars (symbol, tf, ts_open, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, f.Symbol, string(f.TF), b.TsOpen, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("insert bar: %w", err)
		}
	}
	for key, col := range f.Indicators {
		for i, v := range col {
			if feed.IsMissing(v) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO indicator_values (symbol, tf, key, ts_open, value)
				VALUES (?, ?, ?, ?, ?)
			`, f.Symbol, string(f.TF), key, f.Bars[i].TsOpen, v); err != nil {
				return fmt.Errorf("insert indicator: %w", err)
			}
		}
	}
	return tx.Commit()
}

// StoreFunding inserts funding observations.
func (p *SQLiteProvider) StoreFunding(ctx context.Context, symbol string, rates []feed.FundingRate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, r := range rates {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO funding_rates (symbol, ts, rate) VALUES (?, ?, ?)
		`, symbol, r.Ts, r.Rate); err != nil {
			return fmt.Errorf("insert funding: %w", err)
		}
	}
	return tx.Commit()
}
