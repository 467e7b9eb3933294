// Package reliability is the fabric every dispatch passes through: a
// per-target circuit breaker, per-(target, tier) token buckets, per-channel
// timeouts, and bounded retry with backoff. State is per-process; nothing
// here is shared across switchboard instances.
package reliability

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, fast-reject
	StateHalfOpen              // probing whether the target recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker errors.
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// BreakerConfig holds the N/W/D/P knobs of one circuit breaker.
type BreakerConfig struct {
	Name string

	// FailureThreshold (N): consecutive failures within Window that trip
	// the breaker.
	FailureThreshold int
	// Window (W): the observation window for consecutive failures. Counts
	// clear when a window expires without tripping.
	Window time.Duration
	// Cooldown (D): how long the open state fast-rejects before probing.
	Cooldown time.Duration
	// Probes (P): probes admitted in half-open; the same number of
	// consecutive successes closes the breaker again.
	Probes int

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the stock N=5/W=60s/D=30s/P=2 breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		Probes:           2,
	}
}

// Breaker is a per-target circuit breaker. The zero value is not usable;
// construct with NewBreaker.
type Breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          State
	generation     uint64
	consecutive    int // consecutive failures (closed) or successes (half-open)
	probesInUse    int
	expiry         time.Time
	lastTransition time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		expiry:         time.Now().Add(cfg.Window),
		lastTransition: time.Now(),
	}
}

// State returns the current state, applying any due open->half_open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Allow admits or rejects a request and returns the generation token to
// hand back to Record. Open circuits fast-reject with ErrCircuitOpen;
// half-open circuits admit at most P in-flight probes.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	switch state {
	case StateOpen:
		return gen, ErrCircuitOpen
	case StateHalfOpen:
		if b.probesInUse >= b.cfg.Probes {
			return gen, ErrTooManyProbes
		}
		b.probesInUse++
	}
	return gen, nil
}

// Record reports the result of an admitted request. Results from a stale
// generation (the breaker transitioned while the call was in flight) are
// ignored.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if generation != gen {
		return
	}

	switch state {
	case StateClosed:
		if success {
			b.consecutive = 0
			return
		}
		b.consecutive++
		if b.consecutive >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if b.probesInUse > 0 {
			b.probesInUse--
		}
		if !success {
			b.setState(StateOpen, now)
			return
		}
		b.consecutive++
		if b.consecutive >= b.cfg.Probes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			// Window elapsed without tripping: clear the streak.
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastTransition = now
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.consecutive = 0
	b.probesInUse = 0

	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Window)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// ============================================================================
// BREAKER MANAGER
// ============================================================================

// BreakerManager hands out one breaker per target name.
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
	logger   *log.Logger
}

// NewBreakerManager creates a manager; new targets inherit defaults.
func NewBreakerManager(defaults BreakerConfig) *BreakerManager {
	m := &BreakerManager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	if m.defaults.OnStateChange == nil {
		m.defaults.OnStateChange = func(name string, from, to State) {
			m.logger.Printf("%s: %s -> %s", name, from, to)
		}
	}
	return m
}

// Get returns the breaker for a target, creating it on first use.
func (m *BreakerManager) Get(target string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[target]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[target]; ok {
		return b
	}
	cfg := m.defaults
	cfg.Name = target
	b = NewBreaker(cfg)
	m.breakers[target] = b
	return b
}

// OpenCount returns how many breakers are currently open, for the gauge.
func (m *BreakerManager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open := 0
	for _, b := range m.breakers {
		if b.State() == StateOpen {
			open++
		}
	}
	return open
}
