// Package stream connects to the exchange's kline and ticker websockets.
//
// A Source call blocks for the lifetime of one transport: it returns when the
// connection closes or errors (the error describes why) or when ctx is
// cancelled. Reconnecting is the caller's decision.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketdash/internal/model"
)

// DefaultBaseURL is the public Binance stream endpoint.
const DefaultBaseURL = "wss://stream.binance.com:9443"

const (
	defaultPingInterval = 15 * time.Second
	defaultReadTimeout  = 30 * time.Second
	readLimit           = 1 << 20
)

// ErrClosed is returned when the remote side closes a stream normally.
var ErrClosed = errors.New("stream closed")

// Handlers receives transport callbacks. Callbacks run on the transport's
// goroutine, in arrival order; nil callbacks are skipped.
type Handlers struct {
	OnOpen      func()
	OnKline     func(KlineEvent)
	OnTrade     func(model.Trade)
	OnMalformed func(err error)
}

// Source opens kline and ticker transports.
type Source interface {
	Bars(ctx context.Context, key model.SelectionKey, h Handlers) error
	Trades(ctx context.Context, symbol string, h Handlers) error
}

// Binance streams from the Binance websocket API.
type Binance struct {
	baseURL      string
	dialer       websocket.Dialer
	pingInterval time.Duration
	readTimeout  time.Duration
}

// Option configures a Binance source.
type Option func(*Binance)

// WithPingInterval overrides the keepalive ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(b *Binance) {
		if d > 0 {
			b.pingInterval = d
		}
	}
}

// WithReadTimeout overrides how long a silent connection is kept.
func WithReadTimeout(d time.Duration) Option {
	return func(b *Binance) {
		if d > 0 {
			b.readTimeout = d
		}
	}
}

// NewBinance creates a source for baseURL, e.g. "wss://stream.binance.com:9443".
func NewBinance(baseURL string, opts ...Option) *Binance {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	b := &Binance{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: defaultPingInterval,
		readTimeout:  defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// KlineURL returns the kline stream URL for key.
func (b *Binance) KlineURL(key model.SelectionKey) string {
	return b.baseURL + "/ws/" + strings.ToLower(key.Symbol) + "@kline_" + key.Interval
}

// TickerURL returns the 24h ticker stream URL for symbol.
func (b *Binance) TickerURL(symbol string) string {
	return b.baseURL + "/ws/" + strings.ToLower(symbol) + "@ticker"
}

// Bars streams kline updates for key until the transport ends.
func (b *Binance) Bars(ctx context.Context, key model.SelectionKey, h Handlers) error {
	return b.consume(ctx, b.KlineURL(key), h, func(msg []byte) {
		ev, err := ParseKline(msg)
		if err != nil {
			if h.OnMalformed != nil {
				h.OnMalformed(err)
			}
			return
		}
		if h.OnKline != nil {
			h.OnKline(ev)
		}
	})
}

// Trades streams ticker prices for symbol until the transport ends.
func (b *Binance) Trades(ctx context.Context, symbol string, h Handlers) error {
	return b.consume(ctx, b.TickerURL(symbol), h, func(msg []byte) {
		tr, err := ParseTicker(msg)
		if err != nil {
			if h.OnMalformed != nil {
				h.OnMalformed(err)
			}
			return
		}
		if tr.Symbol == "" {
			tr.Symbol = strings.ToUpper(symbol)
		}
		if h.OnTrade != nil {
			h.OnTrade(tr)
		}
	})
}

func (b *Binance) consume(ctx context.Context, url string, h Handlers, onMessage func([]byte)) error {
	conn, resp, err := b.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	log.Printf("[stream] connected %s", url)
	if h.OnOpen != nil {
		h.OnOpen()
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(b.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		return nil
	})
	// Binance pings every few minutes; answering also extends the deadline.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(b.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					log.Printf("[stream] ping %s failed: %v", url, err)
					return
				}
			case <-ctx.Done():
				// Unblock ReadMessage.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%s: %w", url, ErrClosed)
			}
			return fmt.Errorf("read %s: %w", url, err)
		}
		conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		onMessage(msg)
	}
}
