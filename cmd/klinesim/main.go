// cmd/klinesim serves simulated klines in the upstream exchange's wire
// shapes so dashengine can run in staging without network access.
//
//	GET /api/v3/klines?symbol=BTCUSDT&interval=1m&limit=500
//	WS  /ws/btcusdt@kline_1m
//	WS  /ws/btcusdt@ticker
//
// Config (env vars):
//
//	SIM_ADDR         listen address (default ":8090")
//	SIM_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "BTCUSDT:65000,ETHUSDT:3200,SOLUSDT:150")
//	SIM_INTERVAL_MS  step interval in milliseconds (default 250)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"marketdash/internal/logger"
)

type simConfig struct {
	Addr       string `envconfig:"SIM_ADDR" default:":8090"`
	Symbols    string `envconfig:"SIM_SYMBOLS" default:"BTCUSDT:65000,ETHUSDT:3200,SOLUSDT:150"`
	IntervalMs int    `envconfig:"SIM_INTERVAL_MS" default:"250"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

// hub tracks subscribers per stream name.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[string]map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(stream string, conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	if h.clients[stream] == nil {
		h.clients[stream] = make(map[*websocket.Conn]chan []byte)
	}
	h.clients[stream][conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(stream string, conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[stream][conn]; ok {
		close(ch)
		delete(h.clients[stream], conn)
		if len(h.clients[stream]) == 0 {
			delete(h.clients, stream)
		}
	}
	h.mu.Unlock()
}

func (h *hub) subscribed(stream string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[stream]) > 0
}

func (h *hub) broadcast(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients[stream] {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": msg})
}

func klinesHandler(m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := strings.ToUpper(q.Get("symbol"))
		interval := q.Get("interval")
		if !m.known(symbol) {
			writeError(w, http.StatusBadRequest, -1121, "Invalid symbol.")
			return
		}
		if _, ok := intervalDur[interval]; !ok {
			writeError(w, http.StatusBadRequest, -1120, "Invalid interval.")
			return
		}
		limit := 500
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, -1100, "Illegal characters found in parameter 'limit'.")
				return
			}
			limit = min(n, maxHistory)
		}

		bars := m.klines(symbol, interval, limit, time.Now().UTC())
		rows := make([][]interface{}, len(bars))
		for i, b := range bars {
			rows[i] = restRow(b)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

// parseStream splits "btcusdt@kline_1m" into symbol and interval; the
// interval is empty for "@ticker".
func parseStream(name string) (symbol, interval string, err error) {
	sym, kind, ok := strings.Cut(name, "@")
	if !ok || sym == "" {
		return "", "", fmt.Errorf("bad stream %q", name)
	}
	symbol = strings.ToUpper(sym)
	switch {
	case kind == "ticker":
		return symbol, "", nil
	case strings.HasPrefix(kind, "kline_"):
		interval = strings.TrimPrefix(kind, "kline_")
		if _, ok := intervalDur[interval]; !ok {
			return "", "", fmt.Errorf("bad interval %q", interval)
		}
		return symbol, interval, nil
	}
	return "", "", fmt.Errorf("bad stream %q", name)
}

func wsHandler(h *hub, m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/ws/")
		symbol, interval, err := parseStream(name)
		if err != nil || !m.known(symbol) {
			http.Error(w, "unknown stream", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[klinesim] upgrade error: %v", err)
			return
		}
		if interval != "" {
			m.track(symbol, interval, time.Now().UTC())
		}
		log.Printf("[klinesim] %s subscribed to %s", r.RemoteAddr, name)

		ch := h.register(name, conn)
		defer func() {
			h.unregister(name, conn)
			conn.Close()
			log.Printf("[klinesim] %s left %s", r.RemoteAddr, name)
		}()

		// Drain reads so control frames (ping/close) are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(name, conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func runGenerator(ctx context.Context, h *hub, m *market, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		updates, prices := m.step(now)
		for _, u := range updates {
			name := streamName(u.symbol, "kline_"+u.interval)
			if !h.subscribed(name) {
				continue
			}
			if b, err := json.Marshal(klineEvent(u, now)); err == nil {
				h.broadcast(name, b)
			}
		}
		for sym, px := range prices {
			name := streamName(sym, "ticker")
			if !h.subscribed(name) {
				continue
			}
			if b, err := json.Marshal(tickerEvent(sym, px, now)); err == nil {
				h.broadcast(name, b)
			}
		}
	}
}

func parseSymbols(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		sym, raw, ok := strings.Cut(part, ":")
		if !ok {
			log.Printf("[klinesim] skipping invalid symbol spec: %q", part)
			continue
		}
		px, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || px <= 0 {
			log.Printf("[klinesim] skipping invalid price in %q", part)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = px
	}
	return out
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[klinesim] .env: %v", err)
	}
	var cfg simConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("[klinesim] config: %v", err)
	}
	logger.Init("klinesim", logger.ParseLevel(cfg.LogLevel))

	prices := parseSymbols(cfg.Symbols)
	if len(prices) == 0 {
		log.Fatalf("[klinesim] no symbols configured via SIM_SYMBOLS")
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 250
	}

	m := newMarket(prices, time.Now().UnixNano())
	h := newHub()
	log.Printf("[klinesim] symbols: %v, step %dms", m.symbols(), cfg.IntervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go runGenerator(ctx, h, m, time.Duration(cfg.IntervalMs)*time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", klinesHandler(m))
	mux.HandleFunc("/ws/", wsHandler(h, m))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"klinesim"}`)
	})
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[klinesim] listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[klinesim] server error: %v", err)
	}
	log.Println("[klinesim] stopped")
}
