package reconciler

import (
	"math/rand"
	"testing"

	"marketdash/internal/model"
)

func bar(openTime int64, close float64, final bool) model.Bar {
	return model.Bar{
		OpenTime: openTime,
		Open:     close,
		High:     close + 1,
		Low:      close - 1,
		Close:    close,
		Volume:   10,
		IsFinal:  final,
	}
}

func TestApply_EmptySeeds(t *testing.T) {
	got, o := Apply(nil, bar(100, 10, false), 100)
	if o != OutcomeSeed {
		t.Fatalf("outcome = %v, want seed", o)
	}
	if len(got) != 1 || got[0].OpenTime != 100 {
		t.Fatalf("unexpected series: %+v", got)
	}
}

func TestApply_OutOfOrderDiscarded(t *testing.T) {
	series := model.Series{bar(100, 10, true)}
	got, o := Apply(series, bar(50, 99, true), 100)
	if o != OutcomeDiscard {
		t.Fatalf("outcome = %v, want discard", o)
	}
	if len(got) != 1 || got[0].OpenTime != 100 || got[0].Close != 10 {
		t.Fatalf("series changed: %+v", got)
	}
}

func TestApply_ReplaceThenAppend(t *testing.T) {
	series := model.Series{bar(50, 9, true), bar(100, 10, false)}

	replaced, o := Apply(series, bar(100, 12, true), 100)
	if o != OutcomeReplace {
		t.Fatalf("outcome = %v, want replace", o)
	}
	if len(replaced) != 2 {
		t.Fatalf("len = %d, want 2", len(replaced))
	}
	if replaced[1].Close != 12 || !replaced[1].IsFinal {
		t.Errorf("last bar = %+v, want close 12 final", replaced[1])
	}
	if series[1].Close != 10 {
		t.Error("Apply mutated its input")
	}

	appended, o := Apply(replaced, bar(200, 13, true), 100)
	if o != OutcomeAppend {
		t.Fatalf("outcome = %v, want append", o)
	}
	if len(appended) != 3 || appended[2].Close != 13 {
		t.Errorf("unexpected series after append: %+v", appended)
	}
}

func TestApply_NonFinalAfterFinalReplaces(t *testing.T) {
	series := model.Series{bar(100, 12, true)}
	got, o := Apply(series, bar(100, 11, false), 100)
	if o != OutcomeReplace {
		t.Fatalf("outcome = %v, want replace", o)
	}
	if got[0].IsFinal || got[0].Close != 11 {
		t.Errorf("latest event should win, got %+v", got[0])
	}
}

func TestApply_IdempotentFinal(t *testing.T) {
	series := model.Series{bar(100, 10, true)}
	ev := bar(200, 11, true)

	once, _ := Apply(series, ev, 100)
	twice, o := Apply(once, ev, 100)
	if o != OutcomeReplace {
		t.Fatalf("outcome = %v, want replace", o)
	}
	if len(twice) != len(once) {
		t.Fatalf("len changed: %d -> %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("bar %d changed: %+v -> %+v", i, once[i], twice[i])
		}
	}
}

func TestApply_EvictsOldest(t *testing.T) {
	const limit = 5
	var series model.Series
	for i := int64(0); i < limit; i++ {
		series = append(series, bar(1000+i*60, float64(i), true))
	}
	t0 := series[0].OpenTime

	got, o := Apply(series, bar(1000+limit*60, 99, true), limit)
	if o != OutcomeAppend {
		t.Fatalf("outcome = %v, want append", o)
	}
	if len(got) != limit {
		t.Fatalf("len = %d, want %d", len(got), limit)
	}
	for _, b := range got {
		if b.OpenTime == t0 {
			t.Fatalf("oldest bar %d should have been evicted", t0)
		}
	}
	if got[limit-1].Close != 99 {
		t.Errorf("newest bar = %+v", got[limit-1])
	}
}

func TestApply_DefaultLimit(t *testing.T) {
	var series model.Series
	for i := int64(0); i < 150; i++ {
		series, _ = Apply(series, bar(i, 1, true), 0)
	}
	if len(series) != model.DefaultSeriesLimit {
		t.Fatalf("len = %d, want %d", len(series), model.DefaultSeriesLimit)
	}
}

// Random event streams must never break the series invariant.
func TestApply_InvariantHoldsForRandomStreams(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const limit = 20

	for run := 0; run < 200; run++ {
		var series model.Series
		open := int64(0)
		for i := 0; i < 300; i++ {
			var ev model.Bar
			switch rng.Intn(4) {
			case 0: // stale replay
				ev = bar(open-int64(rng.Intn(5)+1)*60, rng.Float64(), true)
			case 1: // new period
				open += 60
				ev = bar(open, rng.Float64(), rng.Intn(2) == 0)
			default: // update of the current period
				ev = bar(open, rng.Float64(), rng.Intn(3) == 0)
			}
			series, _ = Apply(series, ev, limit)
			if err := Validate(series, limit); err != nil {
				t.Fatalf("run %d event %d: %v", run, i, err)
			}
		}
	}
}

func TestApply_AppendSealsOpenBar(t *testing.T) {
	series := model.Series{bar(100, 10, false)}
	got, o := Apply(series, bar(200, 11, false), 100)
	if o != OutcomeAppend {
		t.Fatalf("outcome = %v, want append", o)
	}
	if !got[0].IsFinal {
		t.Error("previous open bar should be sealed on append")
	}
	if got[1].IsFinal {
		t.Error("appended bar should keep its finality")
	}
	if series[0].IsFinal {
		t.Error("Apply mutated its input")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]model.Series{
		"not increasing":  {bar(100, 1, true), bar(100, 1, true)},
		"non-final early": {bar(100, 1, false), bar(200, 1, true)},
		"too long":        {bar(1, 1, true), bar(2, 1, true), bar(3, 1, true)},
	}
	for name, s := range cases {
		if err := Validate(s, 2); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApplyAll(t *testing.T) {
	got, changed := ApplyAll(nil, []model.Bar{bar(1, 1, true), bar(0, 1, true), bar(2, 1, false), bar(2, 2, true)}, 10)
	if changed != 3 {
		t.Errorf("changed = %d, want 3", changed)
	}
	if len(got) != 2 || got[1].Close != 2 {
		t.Errorf("unexpected series: %+v", got)
	}
}
