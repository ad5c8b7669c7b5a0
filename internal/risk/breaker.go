package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/neontrader/backend/internal/metrics"
)

// Breaker states as exposed to callers, the admin API, and metrics
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Well-known breaker names. Any other key (for example "source:coingecko"
// or "ai:provider") is created lazily on first reference with the registry
// defaults.
const (
	BreakerExchangeAPI    = "exchange_api"
	BreakerTradeExecution = "trade_execution"
	BreakerRiskThreshold  = "risk_threshold"
)

// Trip reasons reported to metrics
const (
	TripReasonThreshold   = "failure_threshold_exceeded"
	TripReasonProbeFailed = "probe_failed"
)

// ErrBreakerOpen is returned by Execute when the named breaker rejects the
// call, either because it is open or because the half-open probe slot is
// already taken. The protected function is not invoked in that case.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ErrBreakerUnknown is returned by Reset for a name that was never referenced.
var ErrBreakerUnknown = errors.New("unknown circuit breaker")

// BreakerSettings holds the trip thresholds for a single breaker.
type BreakerSettings struct {
	FailureThreshold uint32        // failures within FailureWindow that open the breaker
	FailureWindow    time.Duration // counting window while closed
	Cooldown         time.Duration // how long the breaker stays open before probing
	ProbeLimit       uint32        // calls allowed through while half-open
}

// DefaultBreakerSettings returns the baseline thresholds: 5 failures in 60s
// open the breaker for 30s, then a single probe decides between closing and
// another cooldown.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
		ProbeLimit:       1,
	}
}

// normalize fills zero fields from the package defaults so a partially
// configured BreakerSettings is still safe to run.
func (s BreakerSettings) normalize() BreakerSettings {
	def := DefaultBreakerSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = def.FailureWindow
	}
	if s.Cooldown <= 0 {
		s.Cooldown = def.Cooldown
	}
	if s.ProbeLimit == 0 {
		s.ProbeLimit = def.ProbeLimit
	}
	return s
}

// StateChange describes a breaker transition delivered to registered hooks.
// Actor is empty for automatic transitions and carries the admin identity
// for manual resets.
type StateChange struct {
	Name  string
	From  string
	To    string
	Actor string
	At    time.Time
}

// StateHook receives breaker transitions, synchronously on the goroutine
// that caused them. Hooks must not call back into the breaker that fired
// them; the audit and notification wiring lives here.
type StateHook func(change StateChange)

// BreakerRegistry maps resource keys to circuit breakers. Breakers are
// created lazily on first reference, so callers can key them by exchange,
// data source, or provider without pre-registration.
type BreakerRegistry struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	settings    map[string]BreakerSettings
	defaults    BreakerSettings
	hooks       []StateHook
	passthrough bool
}

// NewBreakerRegistry creates a registry with the three platform breakers
// pre-created. trade_execution and risk_threshold trip on fewer failures
// than the defaults: a failing execution path or repeated risk-limit hits
// should halt trading sooner than a flaky data source.
func NewBreakerRegistry(defaults BreakerSettings, hooks ...StateHook) *BreakerRegistry {
	defaults = defaults.normalize()
	r := &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: map[string]BreakerSettings{
			BreakerTradeExecution: {
				FailureThreshold: 3,
				FailureWindow:    120 * time.Second,
				Cooldown:         defaults.Cooldown,
				ProbeLimit:       defaults.ProbeLimit,
			},
			BreakerRiskThreshold: {
				FailureThreshold: 2,
				FailureWindow:    300 * time.Second,
				Cooldown:         defaults.Cooldown,
				ProbeLimit:       defaults.ProbeLimit,
			},
		},
		defaults: defaults,
		hooks:    hooks,
	}
	for _, name := range []string{BreakerExchangeAPI, BreakerTradeExecution, BreakerRiskThreshold} {
		r.breakers[name] = r.build(name)
	}
	return r
}

// NewPassthroughBreakerRegistry returns a registry whose breakers never
// trip, for tests that exercise components behind a breaker without the
// breaker interfering.
func NewPassthroughBreakerRegistry() *BreakerRegistry {
	r := &BreakerRegistry{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		settings:    make(map[string]BreakerSettings),
		defaults:    DefaultBreakerSettings(),
		passthrough: true,
	}
	return r
}

// Configure sets the thresholds used when name is next created or reset.
// A breaker already running keeps its current settings until Reset.
func (r *BreakerRegistry) Configure(name string, s BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[name] = s.normalize()
}

// AddHook registers a state-change hook after construction, for
// components built later in the bootstrap than the registry. The same
// reentrancy rule applies: hooks must not call back into the breaker
// that fired them.
func (r *BreakerRegistry) AddHook(hook StateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// build constructs the gobreaker instance for name. Callers hold r.mu or
// have exclusive access to the registry.
func (r *BreakerRegistry) build(name string) *gobreaker.CircuitBreaker {
	s, ok := r.settings[name]
	if !ok {
		s = r.defaults
	}

	readyToTrip := func(counts gobreaker.Counts) bool {
		return counts.TotalFailures >= s.FailureThreshold
	}
	if r.passthrough {
		readyToTrip = func(gobreaker.Counts) bool { return false }
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.ProbeLimit,
		Interval:    s.FailureWindow,
		Timeout:     s.Cooldown,
		ReadyToTrip: readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(name, stateString(from), stateString(to))
		},
	})
	metrics.UpdateBreakerState(name, stateGauge(StateClosed))
	return cb
}

// get returns the breaker for name, creating it on first reference. The
// instance is intentionally not exported: Reset swaps instances, so callers
// must go through Execute and State every time.
func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = r.build(name)
		r.breakers[name] = cb
	}
	return cb
}

// Execute runs fn through the named breaker. While the breaker is open, fn
// is never invoked and ErrBreakerOpen is returned immediately. Errors from
// fn are returned unchanged and count toward the failure threshold.
func (r *BreakerRegistry) Execute(name string, fn func() error) error {
	_, err := r.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", name, ErrBreakerOpen)
	}
	return err
}

// State reports the current state of the named breaker, creating it on
// first reference.
func (r *BreakerRegistry) State(name string) string {
	return stateString(r.get(name).State())
}

// States snapshots every breaker referenced so far, for the admin view.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = stateString(cb.State())
	}
	return states
}

// Reset forces the named breaker back to closed by swapping in a fresh
// instance; failure counters and the cooldown clock start over. The actor
// is the admin identity recorded in the state-change hook.
func (r *BreakerRegistry) Reset(name, actor string) error {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrBreakerUnknown)
	}
	from := stateString(cb.State())
	r.breakers[name] = r.build(name)
	r.mu.Unlock()

	metrics.RecordBreakerReset(name, "admin")
	log.Info().
		Str("breaker", name).
		Str("from", from).
		Str("actor", actor).
		Msg("Circuit breaker manually reset")

	r.notify(StateChange{Name: name, From: from, To: StateClosed, Actor: actor, At: time.Now().UTC()})
	return nil
}

// onStateChange handles automatic transitions reported by gobreaker. It
// runs while the breaker's own lock is held, so it must not touch the
// breaker that fired it.
func (r *BreakerRegistry) onStateChange(name, from, to string) {
	metrics.UpdateBreakerState(name, stateGauge(to))

	switch {
	case to == StateOpen:
		reason := TripReasonThreshold
		if from == StateHalfOpen {
			reason = TripReasonProbeFailed
		}
		metrics.RecordBreakerTrip(name, reason)
		log.Warn().
			Str("breaker", name).
			Str("from", from).
			Str("reason", reason).
			Msg("Circuit breaker tripped")
	case from == StateHalfOpen && to == StateClosed:
		metrics.RecordBreakerReset(name, "cooldown")
		log.Info().Str("breaker", name).Msg("Circuit breaker recovered")
	default:
		log.Debug().
			Str("breaker", name).
			Str("from", from).
			Str("to", to).
			Msg("Circuit breaker state change")
	}

	r.notify(StateChange{Name: name, From: from, To: to, At: time.Now().UTC()})
}

func (r *BreakerRegistry) notify(change StateChange) {
	r.mu.Lock()
	hooks := make([]StateHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(change)
	}
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// stateGauge maps a state onto the metric encoding (0 closed, 1 open,
// 2 half_open).
func stateGauge(state string) float64 {
	switch state {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
