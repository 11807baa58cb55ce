package model

// DefaultSeriesLimit is the number of bars kept per selection.
const DefaultSeriesLimit = 100

// Bar is one OHLCV kline. OpenTime and CloseTime are epoch milliseconds.
// A bar is immutable until a newer event for the same OpenTime supersedes it.
type Bar struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time,omitempty"`
	IsFinal   bool    `json:"is_final"` // false while the interval is still open
}

// Series is an ascending sequence of bars for a single selection.
// Final bars have strictly increasing OpenTime and at most one non-final bar
// may exist, always as the last element.
type Series []Bar

// Last returns the newest bar, if any.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// LatestClose returns the close of the newest bar, or nil when empty.
func (s Series) LatestClose() *float64 {
	last, ok := s.Last()
	if !ok {
		return nil
	}
	c := last.Close
	return &c
}

// Closes returns the close prices in series order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i := range s {
		out[i] = s[i].Close
	}
	return out
}

// Clone returns a copy that shares no backing array with s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}
