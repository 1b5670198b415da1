// Package circuit implements the cost/budget admission oracle: a process-wide
// circuit breaker generalized from failure-count tripping to also trip on
// daily-budget-exceeded and operator command, with per-provider/per-agent
// suspension and a signed emergency override.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State is one of the three admission states from spec.md §4.3.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by ShouldAdmit's reason string, not as a Go
// error — ShouldAdmit never errors, it only denies. Exported so callers that
// turn a denial into a failed-turn error can use a consistent sentinel.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Reason codes ShouldAdmit / the state machine attach to a denial or trip.
const (
	ReasonFailureThreshold = "failure_threshold"
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonOperatorCommand  = "operator_command"
	ReasonProviderSuspended = "provider_suspended"
	ReasonAgentSuspended    = "agent_suspended"
	ReasonHalfOpenExhausted = "half_open_probes_exhausted"
)

// Config configures a Breaker's thresholds. Zero values fall back to the
// documented defaults.
type Config struct {
	FailureThreshold int
	HalfOpenMaxCalls int
	RecoveryTimeout  time.Duration
	CheckInterval    time.Duration
	DailyBudgetUSD   decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	return c
}

type suspension struct {
	until time.Time // zero means indefinite, until an explicit Resume
	forever bool
}

func (s suspension) active(now time.Time) bool {
	if s.forever {
		return true
	}
	return now.Before(s.until)
}

// Breaker is the CircuitBreaker component: one process-wide state machine,
// plus independent per-provider/per-agent suspensions, plus a stack of
// time-bounded emergency overrides. All state is read by Orchestrator on
// every admission and mutated only by Breaker's own methods.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state           State
	failureCount    int
	halfOpenCalls   int
	lastFailureAt   time.Time
	lastStateChange time.Time

	suspendedProviders map[string]suspension
	suspendedAgents    map[string]suspension

	overrides []*EmergencyOverride

	onStateChange func(from, to State, reason string)
}

// New builds a Breaker in the closed state.
func New(cfg Config, onStateChange func(from, to State, reason string)) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:                cfg,
		state:              StateClosed,
		lastStateChange:    time.Now(),
		suspendedProviders: make(map[string]suspension),
		suspendedAgents:    make(map[string]suspension),
		onStateChange:      onStateChange,
	}
}

// State returns the current process-wide state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ShouldAdmit is the single admission oracle from spec.md §4.3. It never
// mutates failure/success counters — those are updated exclusively via
// RecordSuccess/RecordFailure/TripOnBudgetExceeded/Suspend so that a dry
// admission check (e.g. a UI status probe) has no side effects.
func (b *Breaker) ShouldAdmit(provider, agent string, estCost decimal.Decimal) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	if ov := b.activeOverrideLocked(now); ov != nil {
		return true, ""
	}

	if s, ok := b.suspendedProviders[provider]; ok && s.active(now) {
		return false, ReasonProviderSuspended
	}
	if s, ok := b.suspendedAgents[agent]; ok && s.active(now) {
		return false, ReasonAgentSuspended
	}

	switch b.state {
	case StateClosed:
		return true, ""
	case StateOpen:
		if now.Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen, "recovery_timeout_elapsed")
			b.halfOpenCalls++
			return true, ""
		}
		return false, ReasonFailureThreshold
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false, ReasonHalfOpenExhausted
		}
		b.halfOpenCalls++
		return true, ""
	default:
		return true, ""
	}
}

// RecordSuccess reports a successful turn/call against the circuit. In
// half_open, a single success closes the circuit (spec.md: "A successful
// probe → closed"); in closed it decays the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.transitionLocked(StateClosed, "half_open_probe_succeeded")
	}
}

// RecordFailure reports a failed turn/call. From closed, it opens once
// failureCount reaches the threshold; from half_open, any failure reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureAt = time.Now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, ReasonFailureThreshold)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, ReasonFailureThreshold)
	}
}

// TripOnBudgetExceeded forces the circuit open even from half_open, per the
// spec's tie-break: "a budget-exceeded event opens the circuit even from
// half_open." An active emergency override still masks admission, but the
// state machine itself records open so the override's expiry re-evaluates
// correctly.
func (b *Breaker) TripOnBudgetExceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.transitionLocked(StateOpen, ReasonBudgetExceeded)
	}
}

// TripOnOperatorCommand forces the circuit open by explicit operator action.
func (b *Breaker) TripOnOperatorCommand() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen, ReasonOperatorCommand)
}

// Close forces the circuit closed by explicit operator action (e.g. after
// manually confirming a false alarm).
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed, ReasonOperatorCommand)
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = time.Now()
	b.failureCount = 0
	b.halfOpenCalls = 0
	if b.onStateChange != nil {
		go b.onStateChange(from, to, reason)
	}
}

// SuspendProvider suspends a provider independently of the process-wide
// state. duration <= 0 suspends indefinitely (until ResumeProvider).
func (b *Breaker) SuspendProvider(provider string, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspendedProviders[provider] = suspensionFor(duration)
}

// ResumeProvider clears a provider suspension.
func (b *Breaker) ResumeProvider(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.suspendedProviders, provider)
}

// SuspendAgent suspends an agent independently of the process-wide state.
func (b *Breaker) SuspendAgent(agent string, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspendedAgents[agent] = suspensionFor(duration)
}

// ResumeAgent clears an agent suspension.
func (b *Breaker) ResumeAgent(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.suspendedAgents, agent)
}

func suspensionFor(duration time.Duration) suspension {
	if duration <= 0 {
		return suspension{forever: true}
	}
	return suspension{until: time.Now().Add(duration)}
}

// Tick runs the periodic checkInterval re-evaluation: open→half_open when
// the recovery timeout has elapsed, and expiry of auto-resuming
// suspensions. Intended to be driven by Scheduler.
func (b *Breaker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if b.state == StateOpen && now.Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen, "recovery_timeout_elapsed")
	}
	for provider, s := range b.suspendedProviders {
		if !s.forever && now.After(s.until) {
			delete(b.suspendedProviders, provider)
		}
	}
	for agent, s := range b.suspendedAgents {
		if !s.forever && now.After(s.until) {
			delete(b.suspendedAgents, agent)
		}
	}
	b.pruneExpiredOverridesLocked(now)
}

// Snapshot describes the current circuit state for status endpoints / CLI.
type Snapshot struct {
	State              State
	FailureCount       int
	SuspendedProviders []string
	SuspendedAgents    []string
	ActiveOverride     bool
}

// Snapshot returns a read-only view of the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	snap := Snapshot{State: b.state, FailureCount: b.failureCount}
	for provider, s := range b.suspendedProviders {
		if s.active(now) {
			snap.SuspendedProviders = append(snap.SuspendedProviders, provider)
		}
	}
	for agent, s := range b.suspendedAgents {
		if s.active(now) {
			snap.SuspendedAgents = append(snap.SuspendedAgents, agent)
		}
	}
	snap.ActiveOverride = b.activeOverrideLocked(now) != nil
	return snap
}
