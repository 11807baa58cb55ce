package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"marketdash/internal/model"
	"marketdash/internal/snapshot"
)

var btc = model.SelectionKey{Symbol: "BTCUSDT", Interval: "1m"}

func bar(openTime int64, close float64, final bool) model.Bar {
	return model.Bar{
		OpenTime: openTime, CloseTime: openTime + 59999,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 2.5,
		IsFinal: final,
	}
}

func openArchive(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klines.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestWriter_ClosedSkipsNewestAndArchived(t *testing.T) {
	w, _ := openArchive(t)
	v := &model.View{Symbol: "BTCUSDT", Interval: "1m", Bars: model.Series{
		bar(0, 100, true), bar(60000, 101, true), bar(120000, 102, false),
	}}

	got := w.Closed(v)
	if len(got) != 2 || got[1].Bar.OpenTime != 60000 {
		t.Fatalf("Closed = %+v, want the two sealed bars", got)
	}

	v.Bars = append(v.Bars[:2:2], bar(120000, 102, true), bar(180000, 103, false))
	got = w.Closed(v)
	if len(got) != 1 || got[0].Bar.OpenTime != 120000 {
		t.Fatalf("second Closed = %+v, want only the newly sealed bar", got)
	}
}

func TestWriter_RunArchivesAndReaderFetches(t *testing.T) {
	w, r := openArchive(t)
	ch := make(chan *model.View, 2)
	ch <- &model.View{Symbol: "BTCUSDT", Interval: "1m", Bars: model.Series{
		bar(0, 100, true), bar(60000, 101, true), bar(120000, 102, true), bar(180000, 103, false),
	}}
	close(ch)
	w.Run(context.Background(), ch)

	last, err := w.LastOpenTime(btc)
	if err != nil || last != 120000 {
		t.Fatalf("LastOpenTime = %d, %v", last, err)
	}

	rows, err := r.Fetch(context.Background(), "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].OpenTime != 60000 || rows[1].OpenTime != 120000 {
		t.Errorf("rows not newest-ascending: %d, %d", rows[0].OpenTime, rows[1].OpenTime)
	}
	if rows[1].Close != "102" || rows[1].High != "103" || rows[1].Volume != "2.5" {
		t.Errorf("row = %+v", rows[1])
	}

	series, err := snapshot.Convert(rows)
	if err != nil || len(series) != 2 || !series[0].IsFinal {
		t.Errorf("archived rows should convert cleanly: %v %v", series, err)
	}
}

func TestReader_EmptyArchive(t *testing.T) {
	_, r := openArchive(t)
	rows, err := r.Fetch(context.Background(), "ETHUSDT", "5m", 100)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no rows, got %d, %v", len(rows), err)
	}
}

func TestFallbackFetcher(t *testing.T) {
	errDown := errors.New("connection refused")
	archived := []model.RawKline{{OpenTime: 0, Open: "1", High: "1", Low: "1", Close: "1", Volume: "1"}}

	archive := snapshot.FetcherFunc(func(_ context.Context, symbol, _ string, _ int) ([]model.RawKline, error) {
		if symbol == "BTCUSDT" {
			return archived, nil
		}
		return nil, nil
	})
	primaryErr := func(err error) snapshot.Fetcher {
		return snapshot.FetcherFunc(func(context.Context, string, string, int) ([]model.RawKline, error) {
			return nil, err
		})
	}

	t.Run("serves archive on transport failure", func(t *testing.T) {
		fallbacks := 0
		f := &FallbackFetcher{Primary: primaryErr(errDown), Archive: archive,
			OnFallback: func(string, string, int, error) { fallbacks++ }}
		rows, err := f.Fetch(context.Background(), "BTCUSDT", "1m", 100)
		if err != nil || len(rows) != 1 {
			t.Fatalf("got %d rows, %v", len(rows), err)
		}
		if fallbacks != 1 {
			t.Errorf("fallbacks = %d, want 1", fallbacks)
		}
	})

	t.Run("empty archive keeps primary error", func(t *testing.T) {
		f := &FallbackFetcher{Primary: primaryErr(errDown), Archive: archive}
		if _, err := f.Fetch(context.Background(), "ETHUSDT", "1m", 100); !errors.Is(err, errDown) {
			t.Fatalf("expected primary error, got %v", err)
		}
	})

	t.Run("reseed over a live series skips the archive", func(t *testing.T) {
		fallbacks := 0
		f := &FallbackFetcher{Primary: primaryErr(errDown), Archive: archive,
			OnFallback: func(string, string, int, error) { fallbacks++ }}
		ctx := snapshot.WithoutFallback(context.Background())
		if _, err := f.Fetch(ctx, "BTCUSDT", "1m", 100); !errors.Is(err, errDown) {
			t.Fatalf("expected primary error, got %v", err)
		}
		if fallbacks != 0 {
			t.Errorf("fallbacks = %d, want 0", fallbacks)
		}
	})

	t.Run("data unavailable is not masked", func(t *testing.T) {
		f := &FallbackFetcher{Primary: primaryErr(snapshot.ErrDataUnavailable), Archive: archive}
		if _, err := f.Fetch(context.Background(), "BTCUSDT", "1m", 100); !errors.Is(err, snapshot.ErrDataUnavailable) {
			t.Fatalf("expected ErrDataUnavailable, got %v", err)
		}
	})
}
