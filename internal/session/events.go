package session

import (
	"time"

	"marketdash/internal/model"
	"marketdash/internal/supervisor"
)

type eventKind int

const (
	evOpen eventKind = iota
	evData
	evMalformed
	evClosed
)

// barEvent is posted by a kline transport. key and gen are the selection
// the transport was opened for, not the payload's.
type barEvent struct {
	key  model.SelectionKey
	gen  uint64
	kind eventKind
	bar  model.Bar
	// payload is the selection named inside the kline message, if any.
	payload model.SelectionKey
	err     error
}

type tradeEvent struct {
	key   model.SelectionKey
	gen   uint64
	kind  eventKind
	trade model.Trade
	err   error
}

type controlKind int

const (
	ctlSelect controlKind = iota
	ctlSnapshot
	ctlTicket
)

type controlEvent struct {
	kind controlKind

	// ctlSelect
	key model.SelectionKey

	// ctlSnapshot
	gen     uint64
	load    uint64
	series  model.Series
	err     error
	elapsed time.Duration

	// ctlTicket
	ticket supervisor.Ticket
}
