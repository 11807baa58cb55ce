package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxHistory = 1000

// intervalDur maps the simulated intervals to their length. Calendar
// intervals (1M) are not simulated.
var intervalDur = map[string]time.Duration{
	"1s": time.Second, "1m": time.Minute, "3m": 3 * time.Minute,
	"5m": 5 * time.Minute, "15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour, "1w": 7 * 24 * time.Hour,
}

type bar struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int64
}

func (b *bar) apply(px, qty float64) {
	if px > b.High {
		b.High = px
	}
	if px < b.Low {
		b.Low = px
	}
	b.Close = px
	b.Volume += qty
	b.Trades++
}

// series is the bar history of one (symbol, interval) pair. cur is the
// open bar; bars holds the closed ones.
type series struct {
	interval string
	dur      time.Duration
	bars     []bar
	cur      bar
}

func openBar(now time.Time, dur time.Duration, px float64) bar {
	start := now.Truncate(dur)
	return bar{
		OpenTime:  start.UnixMilli(),
		CloseTime: start.Add(dur).UnixMilli() - 1,
		Open:      px, High: px, Low: px, Close: px,
	}
}

// klineUpdate is one bar change to push to kline subscribers.
type klineUpdate struct {
	symbol   string
	interval string
	bar      bar
	final    bool
}

// market simulates a random-walk price per symbol and derives klines.
type market struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	series map[string]map[string]*series // symbol -> interval -> series
}

func newMarket(prices map[string]float64, seed int64) *market {
	m := &market{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64, len(prices)),
		series: make(map[string]map[string]*series),
	}
	for sym, px := range prices {
		m.prices[strings.ToUpper(sym)] = px
	}
	return m
}

func (m *market) walk(px float64) float64 {
	pct := (m.rng.Float64()*0.2 - 0.1) / 100.0
	next := px * (1 + pct)
	if next < 0.0001 {
		next = 0.0001
	}
	return next
}

func (m *market) known(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.prices[symbol]
	return ok
}

func (m *market) symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.prices))
	for s := range m.prices {
		out = append(out, s)
	}
	return out
}

// seriesFor returns the series for (symbol, interval), backfilling a
// history that ends at the current price on first use. Caller holds mu.
func (m *market) seriesFor(symbol, interval string, now time.Time) *series {
	byIv := m.series[symbol]
	if byIv == nil {
		byIv = make(map[string]*series)
		m.series[symbol] = byIv
	}
	if s := byIv[interval]; s != nil {
		return s
	}

	dur := intervalDur[interval]
	px := m.prices[symbol]
	s := &series{interval: interval, dur: dur, cur: openBar(now, dur, px)}

	// Walk backwards from the open bar so history joins the live price.
	back := make([]bar, maxHistory)
	closePx := px
	for i := maxHistory - 1; i >= 0; i-- {
		start := time.UnixMilli(s.cur.OpenTime).Add(-time.Duration(maxHistory-i) * dur)
		b := openBar(start, dur, closePx)
		open := m.walk(closePx)
		b.Open = open
		b.High = max(open, closePx) * (1 + m.rng.Float64()*0.001)
		b.Low = min(open, closePx) * (1 - m.rng.Float64()*0.001)
		b.Volume = 1 + m.rng.Float64()*50
		b.Trades = int64(m.rng.Intn(500) + 1)
		back[i] = b
		closePx = open
	}
	s.bars = back
	byIv[interval] = s
	return s
}

// klines returns up to limit bars, oldest first, with the open bar last.
func (m *market) klines(symbol, interval string, limit int, now time.Time) []bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.seriesFor(symbol, interval, now)
	all := append(append([]bar(nil), s.bars...), s.cur)
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

// track makes sure a series exists so step advances it.
func (m *market) track(symbol, interval string, now time.Time) {
	m.mu.Lock()
	m.seriesFor(symbol, interval, now)
	m.mu.Unlock()
}

// step advances every price once and returns the resulting kline updates
// and last prices. A bar that crossed its close time is emitted final
// before the next one opens.
func (m *market) step(now time.Time) ([]klineUpdate, map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updates []klineUpdate
	last := make(map[string]float64, len(m.prices))
	for sym, px := range m.prices {
		px = m.walk(px)
		m.prices[sym] = px
		last[sym] = px
		qty := float64(m.rng.Intn(100)+1) / 100

		for _, s := range m.series[sym] {
			if now.UnixMilli() > s.cur.CloseTime {
				updates = append(updates, klineUpdate{symbol: sym, interval: s.interval, bar: s.cur, final: true})
				s.bars = append(s.bars, s.cur)
				if len(s.bars) > maxHistory {
					s.bars = s.bars[len(s.bars)-maxHistory:]
				}
				s.cur = openBar(now, s.dur, s.cur.Close)
			}
			s.cur.apply(px, qty)
			updates = append(updates, klineUpdate{symbol: sym, interval: s.interval, bar: s.cur})
		}
	}
	return updates, last
}

func fmtPx(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

// restRow encodes a bar the way GET /api/v3/klines does.
func restRow(b bar) []interface{} {
	return []interface{}{
		b.OpenTime, fmtPx(b.Open), fmtPx(b.High), fmtPx(b.Low), fmtPx(b.Close),
		fmtPx(b.Volume), b.CloseTime, fmtPx(b.Volume * b.Close), b.Trades,
		fmtPx(b.Volume / 2), fmtPx(b.Volume * b.Close / 2), "0",
	}
}

// klineEvent builds a kline stream payload.
func klineEvent(u klineUpdate, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"e": "kline",
		"E": now.UnixMilli(),
		"s": u.symbol,
		"k": map[string]interface{}{
			"t": u.bar.OpenTime,
			"T": u.bar.CloseTime,
			"s": u.symbol,
			"i": u.interval,
			"o": fmtPx(u.bar.Open),
			"c": fmtPx(u.bar.Close),
			"h": fmtPx(u.bar.High),
			"l": fmtPx(u.bar.Low),
			"v": fmtPx(u.bar.Volume),
			"n": u.bar.Trades,
			"x": u.final,
		},
	}
}

// tickerEvent builds a 24hrTicker stream payload.
func tickerEvent(symbol string, px float64, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"e": "24hrTicker",
		"E": now.UnixMilli(),
		"s": symbol,
		"c": fmtPx(px),
		"C": now.UnixMilli(),
	}
}

// streamName returns the stream a (symbol, kind) pair is served on, e.g.
// "btcusdt@kline_1m" or "btcusdt@ticker".
func streamName(symbol, suffix string) string {
	return fmt.Sprintf("%s@%s", strings.ToLower(symbol), suffix)
}
