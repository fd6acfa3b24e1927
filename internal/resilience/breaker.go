// Package resilience guards calls to the slow verifier with a circuit
// breaker, bounded retries and an optional rate limit.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// State is the state of a Breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cool-off elapses.
	Open
	// HalfOpen lets probe calls through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls a Breaker.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// Probes is the number of successful probes that close it again.
	Probes int
	// OnChange observes state transitions. Called with the lock held, so it
	// must not call back into the breaker.
	OnChange func(from, to State)
}

// DefaultBreakerConfig returns the stock breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 5, CoolOff: 30 * time.Second, Probes: 1}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state    State
	failures int
	probes   int
	openedAt time.Time

	nowFunc func() time.Time
}

// NewBreaker creates a Breaker, filling zero settings with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Failures <= 0 {
		cfg.Failures = def.Failures
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = def.CoolOff
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// State reports the current state. An open breaker whose cool-off has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.nowFunc().Sub(b.openedAt) >= b.cfg.CoolOff {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.nowFunc().Sub(b.openedAt) < b.cfg.CoolOff {
		return ErrOpen
	}
	b.move(HalfOpen)
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.probes++
			if b.probes >= b.cfg.Probes {
				b.probes = 0
				b.move(Closed)
			}
		}
		return
	}

	b.failures++
	switch {
	case b.state == HalfOpen:
		b.probes = 0
		b.openedAt = b.nowFunc()
		b.move(Open)
	case b.state == Closed && b.failures >= b.cfg.Failures:
		b.openedAt = b.nowFunc()
		b.move(Open)
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.move(Closed)
}

func (b *Breaker) move(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
