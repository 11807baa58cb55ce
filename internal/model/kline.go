package model

// RawKline is one row of the historical klines REST response, by position:
// open time (ms), open, high, low, close, volume, close time (ms).
// Prices and volume arrive as decimal strings.
type RawKline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

// Trade is a single last-traded-price update from the ticker stream.
type Trade struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}
