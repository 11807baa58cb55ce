package supervisor

import (
	"sync"
	"time"

	"marketdash/internal/model"
)

// DefaultReconnectDelay is the wait between losing a stream and redialing it.
const DefaultReconnectDelay = 5 * time.Second

// Ticket identifies what a reconnect timer was armed for. The owner compares
// it against its active selection when the timer fires and ignores it on
// mismatch.
type Ticket struct {
	Stream     Stream
	Key        model.SelectionKey
	Generation uint64
}

// Matches reports whether the ticket still belongs to the active selection.
func (t Ticket) Matches(key model.SelectionKey, generation uint64) bool {
	return t.Key == key && t.Generation == generation
}

// Scheduler arms reconnect timers. Fired tickets are handed to the fire
// callback on the timer goroutine; the callback should only enqueue them.
type Scheduler struct {
	mu     sync.Mutex
	delay  time.Duration
	fire   func(Ticket)
	timers map[*time.Timer]Ticket
}

// NewScheduler creates a scheduler. delay <= 0 means DefaultReconnectDelay.
func NewScheduler(delay time.Duration, fire func(Ticket)) *Scheduler {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Scheduler{
		delay:  delay,
		fire:   fire,
		timers: make(map[*time.Timer]Ticket),
	}
}

// Delay returns the configured reconnect delay.
func (s *Scheduler) Delay() time.Duration { return s.delay }

// Schedule arms a timer for t after the configured delay.
func (s *Scheduler) Schedule(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		_, pending := s.timers[timer]
		delete(s.timers, timer)
		s.mu.Unlock()
		if pending {
			s.fire(t)
		}
	})
	s.timers[timer] = t
}

// CancelAll stops every pending timer and returns how many were stopped.
// A timer that already fired but has not yet taken the lock is dropped too.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for timer := range s.timers {
		timer.Stop()
		delete(s.timers, timer)
	}
	return n
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
