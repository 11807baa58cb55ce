package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"marketdash/internal/model"
)

// Broadcaster builds view envelopes and sends them to every client.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast sends v to all clients. A client whose queue is full misses
// this view; the next one supersedes it.
func (b *Broadcaster) Broadcast(v *model.View) {
	now := time.Now().UTC()
	if b.hub.Ages != nil && !v.UpdatedAt.IsZero() {
		b.hub.Ages.Record(now.Sub(v.UpdatedAt))
	}

	b.hub.mu.Lock()
	b.hub.seq++
	seq := b.hub.seq
	b.hub.mu.Unlock()

	buf := buildEnvelope(v.JSON(), now, seq, false)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		select {
		case client.send <- buf:
		default:
		}
	}
}

// buildEnvelope hand-crafts {"type":"view","data":...,"ts":"...","seq":N}
// to avoid re-marshalling the view.
func buildEnvelope(data []byte, now time.Time, seq int64, initial bool) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"view","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	buf = append(buf, '}')
	return buf
}

func errorEnvelope(msg string) []byte {
	out, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	return out
}
