package indicator

import (
	"errors"
	"math"
	"testing"

	"marketdash/internal/model"
)

func values(t *testing.T, got []*float64) []any {
	t.Helper()
	out := make([]any, len(got))
	for i, v := range got {
		if v == nil {
			out[i] = nil
		} else {
			out[i] = *v
		}
	}
	return out
}

func TestComputeSMA_Window3(t *testing.T) {
	got, err := ComputeSMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{nil, nil, 2.0, 3.0, 4.0}
	g := values(t, got)
	if len(g) != len(want) {
		t.Fatalf("len = %d, want %d", len(g), len(want))
	}
	for i := range want {
		if g[i] != want[i] {
			t.Errorf("sma[%d] = %v, want %v", i, g[i], want[i])
		}
	}
}

func TestComputeSMA_InsufficientData(t *testing.T) {
	got, err := ComputeSMA([]float64{1, 2}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, v := range got {
		if v != nil {
			t.Errorf("sma[%d] = %v, want absent", i, *v)
		}
	}
}

func TestComputeSMA_WindowOne(t *testing.T) {
	closes := []float64{7.5, 8.25, 9}
	got, _ := ComputeSMA(closes, 1)
	for i, v := range got {
		if v == nil || *v != closes[i] {
			t.Errorf("sma1[%d] = %v, want %v", i, v, closes[i])
		}
	}
}

func TestComputeSMA_Empty(t *testing.T) {
	got, err := ComputeSMA(nil, 3)
	if err != nil || len(got) != 0 {
		t.Fatalf("ComputeSMA(nil) = %v, %v", got, err)
	}
}

func TestComputeSMA_InvalidWindow(t *testing.T) {
	for _, w := range []int{0, -1} {
		if _, err := ComputeSMA([]float64{1, 2, 3}, w); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("window %d: expected ErrInvalidArgument, got %v", w, err)
		}
	}
}

func TestCompute_AlignedWithSeries(t *testing.T) {
	var series model.Series
	for i := 0; i < 25; i++ {
		series = append(series, model.Bar{OpenTime: int64(i) * 60_000, Close: 100, IsFinal: true})
	}

	set := Compute(series, DefaultSpecs())
	for _, name := range []string{"sma5", "sma20"} {
		vals, ok := set[name]
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if len(vals) != len(series) {
			t.Fatalf("%s: len = %d, want %d", name, len(vals), len(series))
		}
	}
	if set["sma20"][18] != nil {
		t.Error("sma20[18] should be absent")
	}
	v, ok := Latest(set["sma20"])
	if !ok || math.Abs(v-100) > 1e-9 {
		t.Errorf("latest sma20 = %v (%v), want 100", v, ok)
	}
}

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs("sma5, SMA20,sma5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 || specs[0].Window != 5 || specs[1].Name != "sma20" {
		t.Errorf("unexpected specs: %+v", specs)
	}

	for _, bad := range []string{"sma0", "ema9", "smax"} {
		if _, err := ParseSpecs(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseSpecs(%q): expected ErrInvalidArgument, got %v", bad, err)
		}
	}
}

func TestHeadline(t *testing.T) {
	set := Set{
		"sma2": {nil, ptr(1.5), ptr(2.5)},
		"sma9": {nil, nil, nil},
	}
	h := Headline(set)
	if p := h["sma2"]; p == nil || *p != 2.5 {
		t.Errorf("sma2 = %v, want 2.5", p)
	}
	if p, ok := h["sma9"]; !ok || p != nil {
		t.Errorf("sma9 = %v (listed %v), want listed and absent", p, ok)
	}
	if len(Headline(nil)) != 0 {
		t.Error("empty set should give an empty headline")
	}
}

func ptr(v float64) *float64 { return &v }
