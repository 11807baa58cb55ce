// Package reconciler folds live kline events onto a bounded, ordered series.
//
// Apply is a pure function: it never mutates the series it is given, so the
// caller can keep publishing the previous series while the next one is built.
// The caller must own a single point of mutation per series; the
// replace-vs-append decision depends on the trailing element.
package reconciler

import (
	"fmt"

	"marketdash/internal/model"
)

// Outcome is the branch Apply took for an event.
type Outcome int

const (
	OutcomeSeed    Outcome = iota // series was empty, event appended as-is
	OutcomeReplace                // same OpenTime as the last bar, last bar replaced
	OutcomeAppend                 // newer OpenTime, appended (oldest evicted past the limit)
	OutcomeDiscard                // older OpenTime, series unchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSeed:
		return "seed"
	case OutcomeReplace:
		return "replace"
	case OutcomeAppend:
		return "append"
	case OutcomeDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome produced a different series.
func (o Outcome) Changed() bool {
	return o != OutcomeDiscard
}

// Apply reconciles one bar event against series and returns the new series.
// limit <= 0 means model.DefaultSeriesLimit.
//
// The same OpenTime always replaces, whatever the finality of either bar:
// the latest delivered event wins. Appending seals the previous last bar.
func Apply(series model.Series, bar model.Bar, limit int) (model.Series, Outcome) {
	if limit <= 0 {
		limit = model.DefaultSeriesLimit
	}

	last, ok := series.Last()
	switch {
	case !ok:
		return model.Series{bar}, OutcomeSeed

	case bar.OpenTime == last.OpenTime:
		out := series.Clone()
		out[len(out)-1] = bar
		return out, OutcomeReplace

	case bar.OpenTime > last.OpenTime:
		start := 0
		if len(series)+1 > limit {
			start = len(series) + 1 - limit
		}
		out := make(model.Series, 0, len(series)-start+1)
		out = append(out, series[start:]...)
		// A new period means the previous one has closed, even if its
		// final event was never delivered.
		if len(out) > 0 {
			out[len(out)-1].IsFinal = true
		}
		out = append(out, bar)
		return out, OutcomeAppend

	default:
		// Replayed or reordered delivery after a reconnect.
		return series, OutcomeDiscard
	}
}

// ApplyAll folds bars in order and returns the final series and the number
// of events that changed it.
func ApplyAll(series model.Series, bars []model.Bar, limit int) (model.Series, int) {
	changed := 0
	for _, b := range bars {
		var o Outcome
		series, o = Apply(series, b, limit)
		if o.Changed() {
			changed++
		}
	}
	return series, changed
}

// Validate checks the series invariant: bounded length, strictly increasing
// OpenTime, and no non-final bar before the last position.
func Validate(series model.Series, limit int) error {
	if limit <= 0 {
		limit = model.DefaultSeriesLimit
	}
	if len(series) > limit {
		return fmt.Errorf("series length %d exceeds limit %d", len(series), limit)
	}
	for i := range series {
		if i > 0 && series[i].OpenTime <= series[i-1].OpenTime {
			return fmt.Errorf("open_time not increasing at %d: %d after %d", i, series[i].OpenTime, series[i-1].OpenTime)
		}
		if !series[i].IsFinal && i != len(series)-1 {
			return fmt.Errorf("non-final bar at %d is not the last element", i)
		}
	}
	return nil
}
