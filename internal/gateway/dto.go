package gateway

import (
	"marketdash/internal/indicator"
	"marketdash/internal/model"
)

// SelectRequest is the body of POST /api/select and the websocket
// {"action":"select",...} message.
type SelectRequest struct {
	Action   string `json:"action,omitempty"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Ping     int64  `json:"ping,omitempty"`
}

// SelectResponse acknowledges a selection request. The switch itself is
// observed through subsequent views.
type SelectResponse struct {
	Status    string             `json:"status"`
	Selection model.SelectionKey `json:"selection"`
}

// Options is the REST response type for /api/options.
type Options struct {
	Symbols    []string           `json:"symbols"`
	Intervals  []string           `json:"intervals"`
	Indicators []indicator.Spec   `json:"indicators"`
	Default    model.SelectionKey `json:"default"`
}

// Stats is the REST response type for /api/stats.
type Stats struct {
	Clients    int     `json:"clients"`
	Broadcasts int64   `json:"broadcasts"`
	Seq        int64   `json:"seq"`
	AgeP50Ms   float64 `json:"age_p50_ms"`
	AgeP95Ms   float64 `json:"age_p95_ms"`
	AgeP99Ms   float64 `json:"age_p99_ms"`
}

type errorBody struct {
	Error string `json:"error"`
}
