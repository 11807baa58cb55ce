// Package binance fetches historical klines from the Binance REST API.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"marketdash/internal/breaker"
	"marketdash/internal/model"
	"marketdash/internal/snapshot"
)

// DefaultBaseURL is the public spot REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// Binance error codes that describe the request rather than the exchange.
const (
	codeInvalidInterval = -1120
	codeInvalidSymbol   = -1121
)

const defaultTimeout = 10 * time.Second

// Fetcher implements snapshot.Fetcher over GET /api/v3/klines.
type Fetcher struct {
	client  *binance.Client
	breaker *breaker.Breaker
	timeout time.Duration
}

// NewFetcher creates a fetcher for baseURL (empty means DefaultBaseURL).
// br may be nil. When br has no failure filter, rejected symbols and
// intervals are excluded from its failure count.
func NewFetcher(baseURL string, br *breaker.Breaker) *Fetcher {
	client := binance.NewClient("", "")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client.BaseURL = strings.TrimSuffix(baseURL, "/")

	if br != nil && br.IsFailure == nil {
		br.IsFailure = func(err error) bool {
			return !errors.Is(err, snapshot.ErrDataUnavailable)
		}
	}
	return &Fetcher{client: client, breaker: br, timeout: defaultTimeout}
}

// BaseURL returns the REST endpoint in use.
func (f *Fetcher) BaseURL() string { return f.client.BaseURL }

// Fetch returns up to limit klines for symbol and interval, oldest first.
func (f *Fetcher) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error) {
	var rows []model.RawKline
	call := func() error {
		var err error
		rows, err = f.fetch(ctx, symbol, interval, limit)
		return err
	}

	var err error
	if f.breaker != nil {
		err = f.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *Fetcher) fetch(ctx context.Context, symbol, interval string, limit int) ([]model.RawKline, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	klines, err := f.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(symbol, interval, err)
	}

	out := make([]model.RawKline, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, model.RawKline{
			OpenTime:  k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: k.CloseTime,
		})
	}
	log.Printf("[binance] fetched %d klines %s %s", len(out), symbol, interval)
	return out, nil
}

func classify(symbol, interval string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol, codeInvalidInterval:
			return fmt.Errorf("klines %s %s: %s (code %d): %w",
				symbol, interval, apiErr.Message, apiErr.Code, snapshot.ErrDataUnavailable)
		}
		return fmt.Errorf("klines %s %s: %w", symbol, interval, apiErr)
	}
	return fmt.Errorf("klines %s %s: %w", symbol, interval, err)
}
