package timectrl

import (
	"sync"
	"time"
)

// Kind names an independent timer slot. Each kind has at most one pending
// timer; arming it again replaces the previous one.
type Kind int

const (
	// Poll is the live-update cadence.
	Poll Kind = iota
	// Playback is the timeline auto-play cadence.
	Playback
)

func (k Kind) String() string {
	switch k {
	case Poll:
		return "poll"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// Event is delivered when a timer fires.
type Event struct {
	Kind Kind
	Gen  uint64
	At   time.Time
}

// Scheduler delivers timer events onto a single channel so that one loop can
// consume them alongside its other inputs. Cancelling a kind stops its timer
// and bumps its generation, which invalidates any event of the old
// generation still sitting in the channel.
type Scheduler struct {
	mu sync.Mutex

	gen     map[Kind]uint64
	pending map[Kind]*time.Timer

	events chan Event
	done   chan struct{}
	closed bool
}

// NewScheduler constructs a scheduler whose event channel holds buffer
// undelivered events.
func NewScheduler(buffer int) *Scheduler {
	if buffer < 1 {
		buffer = 1
	}
	return &Scheduler{
		gen:     make(map[Kind]uint64),
		pending: make(map[Kind]*time.Timer),
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

// Events returns the channel timer events are delivered on.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Schedule arms kind to fire after d, replacing any pending timer of the same
// kind. It returns the generation the event will carry.
func (s *Scheduler) Schedule(kind Kind, d time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	s.cancelLocked(kind)
	gen := s.gen[kind]
	s.pending[kind] = time.AfterFunc(d, func() { s.fire(kind, gen) })
	return gen
}

// Cancel stops kind's pending timer and invalidates its in-flight events.
func (s *Scheduler) Cancel(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(kind)
}

// Pending reports whether kind has an armed timer.
func (s *Scheduler) Pending(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[kind]
	return ok
}

// Valid reports whether ev still belongs to the current generation of its
// kind. Consumers must drop invalid events.
func (s *Scheduler) Valid(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && ev.Gen == s.gen[ev.Kind]
}

// Close stops every timer. Events already queued are invalidated.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for kind := range s.pending {
		s.cancelLocked(kind)
	}
	s.closed = true
	close(s.done)
}

func (s *Scheduler) cancelLocked(kind Kind) {
	if t, ok := s.pending[kind]; ok {
		t.Stop()
		delete(s.pending, kind)
	}
	s.gen[kind]++
}

func (s *Scheduler) fire(kind Kind, gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen[kind] != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, kind)
	s.mu.Unlock()

	select {
	case s.events <- Event{Kind: kind, Gen: gen, At: time.Now()}:
	case <-s.done:
	}
}
