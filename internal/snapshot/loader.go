// Package snapshot seeds a series from the historical klines endpoint.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"marketdash/internal/model"
)

// ErrDataUnavailable is returned when the upstream rejects the symbol or
// interval, or returns no rows. It is terminal for the current selection.
var ErrDataUnavailable = errors.New("data unavailable")

// Fetcher returns the most recent klines for a symbol and interval, oldest
// first. Implementations map an invalid symbol/interval to ErrDataUnavailable.
type Fetcher interface {
	Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error)

func (f FetcherFunc) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error) {
	return f(ctx, symbol, interval, limit)
}

type ctxKey struct{}

// WithoutFallback marks ctx so fetchers that can serve stale local data
// return the upstream error instead. Used for reseeds over a live series.
func WithoutFallback(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

// FallbackAllowed reports whether ctx permits serving stale local data.
func FallbackAllowed(ctx context.Context) bool {
	off, _ := ctx.Value(ctxKey{}).(bool)
	return !off
}

// Loader turns raw klines into a seed series. It holds no state besides its
// configuration and is safe to call from any goroutine.
type Loader struct {
	fetcher Fetcher
	limit   int
}

// NewLoader creates a loader that fetches limit bars per selection.
// limit <= 0 means model.DefaultSeriesLimit.
func NewLoader(f Fetcher, limit int) *Loader {
	if limit <= 0 {
		limit = model.DefaultSeriesLimit
	}
	return &Loader{fetcher: f, limit: limit}
}

// Limit returns the number of bars requested per load.
func (l *Loader) Limit() int { return l.limit }

// Load fetches and converts the snapshot for key. Every returned bar is final.
func (l *Loader) Load(ctx context.Context, key model.SelectionKey) (model.Series, error) {
	rows, err := l.fetcher.Fetch(ctx, key.Symbol, key.Interval, l.limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("snapshot %s: empty result: %w", key, ErrDataUnavailable)
	}

	series, err := Convert(rows)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	}
	if len(series) > l.limit {
		series = series[len(series)-l.limit:]
	}
	return series, nil
}

// Convert parses raw klines into an ascending series of final bars.
// Rows sharing an open time collapse to the later row.
func Convert(rows []model.RawKline) (model.Series, error) {
	out := make(model.Series, 0, len(rows))
	for i, r := range rows {
		b, err := parseRow(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })

	dedup := out[:0]
	for _, b := range out {
		if n := len(dedup); n > 0 && dedup[n-1].OpenTime == b.OpenTime {
			dedup[n-1] = b
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup, nil
}

func parseRow(r model.RawKline) (model.Bar, error) {
	var (
		b   = model.Bar{OpenTime: r.OpenTime, CloseTime: r.CloseTime, IsFinal: true}
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", r.Open, &b.Open},
		{"high", r.High, &b.High},
		{"low", r.Low, &b.Low},
		{"close", r.Close, &b.Close},
		{"volume", r.Volume, &b.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			return model.Bar{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
	}
	return b, nil
}
