package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// View is the read-only model exposed to the rendering layer. A published
// View is never mutated; every change produces a new one.
type View struct {
	Symbol          string                `json:"symbol"`
	Interval        string                `json:"interval"`
	Bars            Series                `json:"bars"`
	Indicators      map[string][]*float64 `json:"indicators"`
	LatestClose     *float64              `json:"latest_close"` // close of the newest bar
	Headline        map[string]*float64   `json:"headline"`     // newest value per indicator
	LivePrice       *float64              `json:"live_price"`
	ConnectionState ConnState             `json:"connection_state"`
	TradeState      ConnState             `json:"trade_state"`
	IsLoading       bool                  `json:"is_loading"`
	Error           string                `json:"error,omitempty"` // set when the snapshot is unavailable
	Seq             int64                 `json:"seq"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Key returns the selection the view belongs to.
func (v *View) Key() SelectionKey {
	return SelectionKey{Symbol: v.Symbol, Interval: v.Interval}
}

// StreamKey returns the Redis key holding the latest view: "view:{symbol}_{interval}".
func (v *View) StreamKey() string {
	return "view:" + v.Key().String()
}

// PubSubChannel returns the Redis channel views are published on.
func (v *View) PubSubChannel() string {
	return "pub:view:" + v.Key().String()
}

// JSON returns the JSON-encoded view.
func (v *View) JSON() []byte {
	b, _ := json.Marshal(v)
	return b
}

// ParseView decodes a JSON-encoded view.
func ParseView(data []byte) (*View, error) {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	return &v, nil
}
