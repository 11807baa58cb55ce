package tradefeed

import (
	"errors"
	"math"
	"testing"

	"marketdash/internal/model"
)

func TestFeed_LatestWins(t *testing.T) {
	f := New()
	if f.Price() != nil {
		t.Fatal("new feed should have no price")
	}

	for _, p := range []float64{100, 101.5, 99.25} {
		if err := f.Apply(model.Trade{Symbol: "BTCUSDT", Price: p}); err != nil {
			t.Fatalf("Apply(%v): %v", p, err)
		}
	}
	if got := f.Price(); got == nil || *got != 99.25 {
		t.Fatalf("price = %v, want 99.25", got)
	}
}

func TestFeed_RejectsBadPrice(t *testing.T) {
	f := New()
	_ = f.Apply(model.Trade{Price: 10})

	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := f.Apply(model.Trade{Price: p}); !errors.Is(err, model.ErrMalformedEvent) {
			t.Errorf("Apply(%v): expected ErrMalformedEvent, got %v", p, err)
		}
	}
	if got := f.Price(); got == nil || *got != 10 {
		t.Fatalf("bad trades must not change the price, got %v", got)
	}
}

func TestFeed_Reset(t *testing.T) {
	f := New()
	_ = f.Apply(model.Trade{Price: 10})
	f.Reset()
	if f.Price() != nil {
		t.Fatal("reset should clear the feed")
	}
}

func TestFeed_PriceIsCopy(t *testing.T) {
	f := New()
	_ = f.Apply(model.Trade{Price: 10})
	p := f.Price()
	*p = 20
	if got := f.Price(); *got != 10 {
		t.Fatal("Price() exposed internal state")
	}
}
