package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"marketdash/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 500 * time.Millisecond
)

// WriterConfig configures the SQLite archive writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/klines.db"
}

// ArchivedBar is one closed bar tagged with its selection.
type ArchivedBar struct {
	Key model.SelectionKey
	Bar model.Bar
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It archives closed bars from published views.
type Writer struct {
	db   *sql.DB
	last map[model.SelectionKey]int64 // newest archived open time

	// OnCommit is called after each committed batch (optional).
	OnCommit func(n int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, last: make(map[model.SelectionKey]int64)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		);
	`)
	return err
}

// Closed returns the bars of v that can be archived: final bars other than
// the newest, which may still be in progress, newer than anything already
// archived for the selection.
func (w *Writer) Closed(v *model.View) []ArchivedBar {
	if v == nil || len(v.Bars) < 2 {
		return nil
	}
	key := v.Key()
	after := w.last[key]

	var out []ArchivedBar
	for _, b := range v.Bars[:len(v.Bars)-1] {
		if !b.IsFinal || b.OpenTime <= after {
			continue
		}
		out = append(out, ArchivedBar{Key: key, Bar: b})
	}
	if n := len(out); n > 0 {
		w.last[key] = out[n-1].Bar.OpenTime
	}
	return out
}

// Run archives closed bars from views in batched transactions.
// Flushes every batchSize bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or viewCh is closed.
func (w *Writer) Run(ctx context.Context, viewCh <-chan *model.View) {
	batch := make([]ArchivedBar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.InsertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else if w.OnCommit != nil {
			w.OnCommit(len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case v, ok := <-viewCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, w.Closed(v)...)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertBatch upserts bars in a single transaction.
func (w *Writer) InsertBatch(bars []ArchivedBar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, a := range bars {
		b := a.Bar
		_, err := stmt.Exec(a.Key.Symbol, a.Key.Interval, b.OpenTime, b.CloseTime, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LastOpenTime returns the newest archived open time for key, or 0.
func (w *Writer) LastOpenTime(key model.SelectionKey) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(open_time) FROM klines WHERE symbol = ? AND interval = ?`,
		key.Symbol, key.Interval,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
