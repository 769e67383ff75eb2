package coordination

import (
	"sync"
	"time"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerSnapshot is the externally visible state of one source's breaker.
// It is also the payload broadcast between instances by the NATS backend.
type BreakerSnapshot struct {
	Source   string    `json:"source"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

type breaker struct {
	state         string
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// breakerSet holds per-source breaker state machines behind one mutex. Both
// backends embed it; the NATS backend additionally mirrors remote
// transitions into it via applyRemote.
type breakerSet struct {
	mu         sync.Mutex
	threshold  int
	openWindow time.Duration
	now        func() time.Time
	breakers   map[string]*breaker

	// onTransition fires after a state change, outside callers' control
	// flow but under the set mutex. Used by the NATS backend to broadcast.
	onTransition func(snap BreakerSnapshot)
}

func newBreakerSet(threshold int, openWindow time.Duration) *breakerSet {
	return &breakerSet{
		threshold:  threshold,
		openWindow: openWindow,
		now:        time.Now,
		breakers:   make(map[string]*breaker),
	}
}

func (s *breakerSet) get(source string) *breaker {
	b, ok := s.breakers[source]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[source] = b
	}
	return b
}

// acquire reserves permission to call the source. probe is true when the
// caller won the single half-open probe slot.
func (s *breakerSet) acquire(source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(source)
	switch b.state {
	case BreakerClosed:
		return false, nil

	case BreakerOpen:
		if s.now().Sub(b.openedAt) < s.openWindow {
			return false, ErrCircuitOpen
		}
		// Open window elapsed: transition to half-open with the failure
		// count one below threshold, so a failed probe reopens immediately.
		b.state = BreakerHalfOpen
		b.failures = s.threshold - 1
		b.probeInFlight = true
		s.notify(source, b)
		return true, nil

	case BreakerHalfOpen:
		if b.probeInFlight {
			return false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil
	}
	return false, nil
}

func (s *breakerSet) reportSuccess(source string, probe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(source)
	switch b.state {
	case BreakerHalfOpen:
		if probe {
			b.state = BreakerClosed
			b.failures = 0
			b.probeInFlight = false
			s.notify(source, b)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (s *breakerSet) reportFailure(source string, probe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(source)
	switch b.state {
	case BreakerHalfOpen:
		if probe {
			b.state = BreakerOpen
			b.openedAt = s.now()
			b.probeInFlight = false
			s.notify(source, b)
		}
	case BreakerClosed:
		b.failures++
		if b.failures >= s.threshold {
			b.state = BreakerOpen
			b.openedAt = s.now()
			s.notify(source, b)
		}
	}
}

func (s *breakerSet) snapshot(source string) BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(source, s.get(source))
}

// applyRemote overwrites local state with a snapshot broadcast by another
// instance. The probe slot stays local: each instance races for its own
// probe after the open window, which keeps probes bounded per instance.
func (s *breakerSet) applyRemote(snap BreakerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(snap.Source)
	b.state = snap.State
	b.failures = snap.Failures
	b.openedAt = snap.OpenedAt
	b.probeInFlight = false
}

func (s *breakerSet) notify(source string, b *breaker) {
	if s.onTransition != nil {
		s.onTransition(snapshotOf(source, b))
	}
}

func snapshotOf(source string, b *breaker) BreakerSnapshot {
	return BreakerSnapshot{
		Source:   source,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}
