package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"

	"marketdash/internal/model"
	"marketdash/internal/snapshot"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the kline archive.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// Fetch returns the newest limit archived bars for symbol and interval,
// oldest first, in the REST row shape. An empty archive yields no rows.
func (r *Reader) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume FROM (
			SELECT * FROM klines
			WHERE symbol = ? AND interval = ?
			ORDER BY open_time DESC
			LIMIT ?
		) ORDER BY open_time ASC
	`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query klines: %w", err)
	}
	defer rows.Close()

	var out []model.RawKline
	for rows.Next() {
		var (
			k                         model.RawKline
			open, high, low, cls, vol float64
		)
		if err := rows.Scan(&k.OpenTime, &k.CloseTime, &open, &high, &low, &cls, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan klines: %w", err)
		}
		k.Open, k.High, k.Low, k.Close, k.Volume = ftoa(open), ftoa(high), ftoa(low), ftoa(cls), ftoa(vol)
		out = append(out, k)
	}
	return out, rows.Err()
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// FallbackFetcher serves snapshots from the archive when the primary
// fetcher fails for reasons other than ErrDataUnavailable. Contexts marked
// with snapshot.WithoutFallback get the primary error.
type FallbackFetcher struct {
	Primary snapshot.Fetcher
	Archive snapshot.Fetcher

	// OnFallback is called when archived rows are served (optional).
	OnFallback func(symbol, interval string, rows int, cause error)
}

// Fetch implements snapshot.Fetcher.
func (f *FallbackFetcher) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error) {
	rows, err := f.Primary.Fetch(ctx, symbol, interval, limit)
	if err == nil || errors.Is(err, snapshot.ErrDataUnavailable) || ctx.Err() != nil || !snapshot.FallbackAllowed(ctx) {
		return rows, err
	}

	archived, aerr := f.Archive.Fetch(ctx, symbol, interval, limit)
	if aerr != nil || len(archived) == 0 {
		if aerr != nil {
			log.Printf("[sqlite] archive fallback %s %s: %v", symbol, interval, aerr)
		}
		return nil, err
	}

	log.Printf("[sqlite] serving %d archived klines for %s %s: %v", len(archived), symbol, interval, err)
	if f.OnFallback != nil {
		f.OnFallback(symbol, interval, len(archived), err)
	}
	return archived, nil
}
