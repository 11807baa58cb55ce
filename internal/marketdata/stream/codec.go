package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"marketdash/internal/model"
)

// KlineEvent is a decoded kline update tagged with the selection it belongs to.
type KlineEvent struct {
	Key model.SelectionKey
	Bar model.Bar
}

// envelope wraps payloads on combined streams: {"stream":"...","data":{...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineMessage struct {
	Event     string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     *klineFields `json:"k"`
}

// Both cases of colliding keys are declared so encoding/json's
// case-insensitive matching cannot route "V" into "v" or "L" into "l".
type klineFields struct {
	OpenTime       int64  `json:"t"`
	CloseTime      int64  `json:"T"`
	Symbol         string `json:"s"`
	Interval       string `json:"i"`
	Open           string `json:"o"`
	High           string `json:"h"`
	Low            string `json:"l"`
	LastTradeID    int64  `json:"L"`
	Close          string `json:"c"`
	Volume         string `json:"v"`
	TakerBuyVolume string `json:"V"`
	IsFinal        bool   `json:"x"`
}

type tickerMessage struct {
	Event          string `json:"e"`
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	LastPrice      string `json:"c"`
	CloseTime      int64  `json:"C"`
	Price          string `json:"p"`
	PriceChangePct string `json:"P"`
}

func unwrap(payload []byte) []byte {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Data) > 0 && env.Stream != "" {
		return env.Data
	}
	return payload
}

// ParseKline decodes a kline stream payload.
func ParseKline(payload []byte) (KlineEvent, error) {
	var msg klineMessage
	if err := json.Unmarshal(unwrap(payload), &msg); err != nil {
		return KlineEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	if msg.Kline == nil {
		return KlineEvent{}, fmt.Errorf("%w: missing kline body", model.ErrMalformedEvent)
	}
	k := msg.Kline
	if k.OpenTime <= 0 {
		return KlineEvent{}, fmt.Errorf("%w: missing open time", model.ErrMalformedEvent)
	}

	bar := model.Bar{OpenTime: k.OpenTime, CloseTime: k.CloseTime, IsFinal: k.IsFinal}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &bar.Open},
		{"high", k.High, &bar.High},
		{"low", k.Low, &bar.Low},
		{"close", k.Close, &bar.Close},
		{"volume", k.Volume, &bar.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return KlineEvent{}, fmt.Errorf("%w: %s %q", model.ErrMalformedEvent, f.name, f.raw)
		}
		*f.dst = v
	}

	symbol := k.Symbol
	if symbol == "" {
		symbol = msg.Symbol
	}
	return KlineEvent{
		Key: model.SelectionKey{Symbol: strings.ToUpper(symbol), Interval: k.Interval},
		Bar: bar,
	}, nil
}

// ParseTicker decodes a 24h ticker, mini ticker, or trade payload into a
// trade price. Tickers carry the last price in "c", trades in "p".
func ParseTicker(payload []byte) (model.Trade, error) {
	var msg tickerMessage
	if err := json.Unmarshal(unwrap(payload), &msg); err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}

	raw := msg.LastPrice
	switch msg.Event {
	case "trade", "aggTrade":
		raw = msg.Price
	case "":
		if raw == "" {
			raw = msg.Price
		}
	}
	if raw == "" {
		return model.Trade{}, fmt.Errorf("%w: no price field", model.ErrMalformedEvent)
	}
	px, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: price %q", model.ErrMalformedEvent, raw)
	}
	return model.Trade{Symbol: strings.ToUpper(msg.Symbol), Price: px}, nil
}
