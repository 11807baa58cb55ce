package model

import "fmt"

// ConnState is the transport state of one logical stream.
type ConnState int

const (
	ConnConnecting ConnState = 0 // initial, or a reconnect attempt is in flight
	ConnOpen       ConnState = 1 // handshake succeeded
	ConnLost       ConnState = 2 // transport closed or errored
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnLost:
		return "lost"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ConnState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = ConnConnecting
	case "open":
		*s = ConnOpen
	case "lost":
		*s = ConnLost
	default:
		return fmt.Errorf("unknown connection state %q", string(b))
	}
	return nil
}
