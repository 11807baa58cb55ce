// Package bus fans published views out to in-process consumers (gateway
// hub, Redis publisher, archive).
package bus

import (
	"context"
	"log"
	"sync"

	"marketdash/internal/model"
)

// FanOut broadcasts views from a single input channel to N output channels.
// Views are snapshots, so a full output channel has its oldest pending view
// replaced by the new one instead of blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan *model.View
	bufSize int
	closed  bool

	// OnDrop is called when a stale view is discarded for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	if outputBufferSize <= 0 {
		outputBufferSize = 1
	}
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. Subscribing after Run
// has returned yields a closed channel.
func (f *FanOut) Subscribe() <-chan *model.View {
	ch := make(chan *model.View, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.outputs = append(f.outputs, ch)
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every output.
func (f *FanOut) Run(ctx context.Context, input <-chan *model.View) {
	defer func() {
		f.mu.Lock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.closed = true
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				if !Offer(ch, v) {
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Printf("[bus] output %d full, replaced stale view for %s", i, v.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// Offer sends v on ch without blocking. When ch is full the oldest pending
// view is discarded to make room and Offer reports false.
func Offer(ch chan *model.View, v *model.View) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return false
}

// ChannelStat is the (length, capacity) of one subscriber channel.
// Used for reporting channel saturation.
type ChannelStat struct {
	Len int
	Cap int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
