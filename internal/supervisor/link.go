// Package supervisor tracks per-stream connection state and schedules
// reconnect attempts.
//
// The state machine per stream is:
//
//	connecting -> open       handshake succeeded
//	open       -> lost       transport closed or errored
//	connecting -> lost       dial failed
//	lost       -> connecting reconnect timer fired
//
// There is no terminal state; a link is discarded when its selection is.
package supervisor

import "marketdash/internal/model"

// Stream names a logical stream of a selection.
type Stream string

const (
	StreamBars   Stream = "bars"
	StreamTrades Stream = "trades"

	// StreamSnapshot tags retries of a failed snapshot fetch. It has no Link.
	StreamSnapshot Stream = "snapshot"
)

// Link is the connection state of one logical stream. Not goroutine-safe.
type Link struct {
	stream   Stream
	state    model.ConnState
	attempts int

	// OnChange is called on every transition (optional).
	OnChange func(stream Stream, from, to model.ConnState)
}

// NewLink returns a link in the connecting state.
func NewLink(stream Stream) *Link {
	return &Link{stream: stream, state: model.ConnConnecting}
}

// Stream returns the stream this link tracks.
func (l *Link) Stream() Stream { return l.stream }

// State returns the current state.
func (l *Link) State() model.ConnState { return l.state }

// Attempts returns reconnect attempts since the link was last open.
func (l *Link) Attempts() int { return l.attempts }

// Opened records a successful handshake. Returns false unless the link was connecting.
func (l *Link) Opened() bool {
	if l.state != model.ConnConnecting {
		return false
	}
	l.attempts = 0
	l.transition(model.ConnOpen)
	return true
}

// Lost records a transport close or error. Returns false if already lost.
func (l *Link) Lost() bool {
	if l.state == model.ConnLost {
		return false
	}
	l.transition(model.ConnLost)
	return true
}

// Reconnecting records that a reconnect attempt begins. Returns false unless the link was lost.
func (l *Link) Reconnecting() bool {
	if l.state != model.ConnLost {
		return false
	}
	l.attempts++
	l.transition(model.ConnConnecting)
	return true
}

// Reset puts the link back to connecting for a new selection.
func (l *Link) Reset() {
	l.attempts = 0
	if l.state != model.ConnConnecting {
		l.transition(model.ConnConnecting)
	}
}

func (l *Link) transition(to model.ConnState) {
	from := l.state
	l.state = to
	if l.OnChange != nil {
		l.OnChange(l.stream, from, to)
	}
}
