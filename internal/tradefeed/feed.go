// Package tradefeed projects the ticker stream onto a single live price.
package tradefeed

import (
	"fmt"
	"math"

	"marketdash/internal/model"
)

// Feed keeps the most recent traded price. It keeps no history and is not
// goroutine-safe; the session loop is its only writer.
type Feed struct {
	price *float64
}

// New returns a feed with no price.
func New() *Feed {
	return &Feed{}
}

// Apply republishes the trade price. Non-finite or non-positive prices are
// rejected with model.ErrMalformedEvent and leave the feed unchanged.
func (f *Feed) Apply(t model.Trade) error {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return fmt.Errorf("%w: trade price %v", model.ErrMalformedEvent, t.Price)
	}
	p := t.Price
	f.price = &p
	return nil
}

// Price returns a copy of the latest price, or nil before the first trade.
func (f *Feed) Price() *float64 {
	if f.price == nil {
		return nil
	}
	p := *f.price
	return &p
}

// Reset clears the price, e.g. on selection change.
func (f *Feed) Reset() {
	f.price = nil
}
