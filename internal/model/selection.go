package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSelection is returned for an empty symbol or an unknown interval.
var ErrInvalidSelection = errors.New("invalid selection")

// Intervals lists the kline intervals the upstream exchange accepts.
var Intervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

// SelectionKey identifies the active (symbol, interval) pair.
type SelectionKey struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// NewSelectionKey normalizes the symbol to upper case and validates the interval.
func NewSelectionKey(symbol, interval string) (SelectionKey, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	iv := strings.TrimSpace(interval)
	if sym == "" {
		return SelectionKey{}, fmt.Errorf("%w: empty symbol", ErrInvalidSelection)
	}
	if !ValidInterval(iv) {
		return SelectionKey{}, fmt.Errorf("%w: interval %q", ErrInvalidSelection, interval)
	}
	return SelectionKey{Symbol: sym, Interval: iv}, nil
}

// String returns the cache key "{symbol}_{interval}".
func (k SelectionKey) String() string {
	return k.Symbol + "_" + k.Interval
}

// IsZero reports whether no selection has been made.
func (k SelectionKey) IsZero() bool {
	return k.Symbol == "" && k.Interval == ""
}

// ValidInterval reports whether iv is one of Intervals.
func ValidInterval(iv string) bool {
	for _, v := range Intervals {
		if v == iv {
			return true
		}
	}
	return false
}
