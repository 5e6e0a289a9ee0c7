// Package core owns the process health state machine, the circuit breaker
// and the safe-execution envelope every domain call runs through.
package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultVersion = "3.7.1-stable"

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Observer receives runtime telemetry.
type Observer interface {
	ObserveExecution(operation, code string, d time.Duration)
	ObserveBreaker(open bool)
	ObserveState(state string)
}

type nopObserver struct{}

func (nopObserver) ObserveExecution(string, string, time.Duration) {}
func (nopObserver) ObserveBreaker(bool)                             {}
func (nopObserver) ObserveState(string)                             {}

// Config for a Runtime. Zero values take the documented defaults.
type Config struct {
	Version          string
	FailureThreshold int
	Cooldown         time.Duration
	ProbeTimeout     time.Duration
	Clock            Clock
	Logger           logrus.FieldLogger
	Tracer           trace.Tracer
	Observer         Observer
}

type Runtime struct {
	mu            sync.RWMutex
	state         State
	startedAt     time.Time
	lastHealthyAt time.Time
	deps          map[string]Checker
	lastDeps      map[string]bool
	// tripped is the state the breaker degraded from; empty when the
	// stored state was not set by the breaker.
	tripped State

	version      string
	probeTimeout time.Duration
	clock        Clock
	log          logrus.FieldLogger
	tracer       trace.Tracer
	observer     Observer
	breaker      *breaker
}

func New(cfg Config) *Runtime {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("lyncmos/internal/core")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	r := &Runtime{
		state:        StateBooting,
		startedAt:    cfg.Clock.Now(),
		deps:         map[string]Checker{},
		lastDeps:     map[string]bool{},
		version:      cfg.Version,
		probeTimeout: cfg.ProbeTimeout,
		clock:        cfg.Clock,
		log:          cfg.Logger,
		tracer:       cfg.Tracer,
		observer:     cfg.Observer,
	}
	r.breaker = newBreaker(cfg.FailureThreshold, cfg.Cooldown, cfg.Clock, r.breakerChanged)
	r.observer.ObserveState(string(StateBooting))
	return r
}

// Register adds a dependency probed by CheckDependencies.
func (r *Runtime) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[name] = c
}

func (r *Runtime) Version() string { return r.version }

// State returns CIRCUIT_OPEN while the breaker is open, the stored state otherwise.
func (r *Runtime) State() State {
	if r.breaker.isOpen() {
		return StateCircuitOpen
	}
	return r.StoredState()
}

// StoredState ignores the breaker overlay.
func (r *Runtime) StoredState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) Healthy() bool { return r.State().Healthy() }

func (r *Runtime) setState(next State) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.tripped = ""
	r.mu.Unlock()
	if prev != next {
		r.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("core: state transition")
		r.observer.ObserveState(string(next))
	}
}

// transition moves to next only when the stored state is one of from.
func (r *Runtime) transition(next State, from ...State) bool {
	r.mu.Lock()
	prev := r.state
	ok := false
	for _, s := range from {
		if prev == s {
			ok = true
			break
		}
	}
	if ok {
		r.state = next
		r.tripped = ""
	}
	r.mu.Unlock()
	if ok && prev != next {
		r.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("core: state transition")
		r.observer.ObserveState(string(next))
	}
	return ok
}

// Initialize runs the boot sequence: WARMING, a dependency check, then
// READY or DEGRADED.
func (r *Runtime) Initialize(ctx context.Context) State {
	r.setState(StateWarming)
	deps := r.CheckDependencies(ctx)
	if !allHealthy(deps) {
		r.transition(StateDegraded, StateWarming)
	}
	return r.State()
}

// CheckDependencies probes every registered dependency concurrently.
func (r *Runtime) CheckDependencies(ctx context.Context) map[string]bool {
	r.mu.RLock()
	checks := make(map[string]Checker, len(r.deps))
	for name, c := range r.deps {
		checks[name] = c
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for name, c := range checks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			err := c.Check(pctx)
			if err != nil {
				r.log.WithFields(logrus.Fields{"dependency": name, "error": err}).Warn("core: dependency unhealthy")
			}
			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.lastDeps = results
	healthy := allHealthy(results)
	if healthy {
		r.lastHealthyAt = r.clock.Now()
	}
	r.mu.Unlock()

	if healthy {
		r.transition(StateReady, StateDegraded, StateWarming)
		r.breaker.reset()
	} else {
		r.breaker.failure()
	}
	return copyDeps(results)
}

// SetReadOnly forces READ_ONLY, or releases it and re-checks dependencies.
func (r *Runtime) SetReadOnly(ctx context.Context, enabled bool) State {
	if enabled {
		r.setState(StateReadOnly)
		return r.State()
	}
	if r.transition(StateWarming, StateReadOnly) {
		if !allHealthy(r.CheckDependencies(ctx)) {
			r.transition(StateDegraded, StateWarming)
		}
	}
	return r.State()
}

// ResetCircuit closes the breaker and clears its failure count.
func (r *Runtime) ResetCircuit() { r.breaker.reset() }

// BreakerStatus reports the failure count and whether the breaker is open.
func (r *Runtime) BreakerStatus() (failures int, open bool) { return r.breaker.status() }

// Run re-checks dependencies every interval until ctx ends.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckDependencies(ctx)
		}
	}
}

// Snapshot is the introspection view of the runtime.
type Snapshot struct {
	State         State           `json:"state"`
	StoredState   State           `json:"storedState"`
	Version       string          `json:"version"`
	Uptime        time.Duration   `json:"uptime"`
	StartedAt     time.Time       `json:"startedAt"`
	LastHealthyAt *time.Time      `json:"lastHealthyAt,omitempty"`
	Dependencies  map[string]bool `json:"dependencies"`
	Failures      int             `json:"failures"`
	CircuitOpen   bool            `json:"circuitOpen"`
}

func (r *Runtime) Snapshot() Snapshot {
	failures, open := r.breaker.status()
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		State:        r.state,
		StoredState:  r.state,
		Version:      r.version,
		Uptime:       r.clock.Now().Sub(r.startedAt),
		StartedAt:    r.startedAt,
		Dependencies: copyDeps(r.lastDeps),
		Failures:     failures,
		CircuitOpen:  open,
	}
	if open {
		s.State = StateCircuitOpen
	}
	if !r.lastHealthyAt.IsZero() {
		t := r.lastHealthyAt
		s.LastHealthyAt = &t
	}
	return s
}

func (r *Runtime) breakerChanged(open bool) {
	r.observer.ObserveBreaker(open)
	if open {
		failures, _ := r.breaker.status()
		r.log.WithFields(logrus.Fields{"failures": failures}).Warn("core: circuit opened")
		r.degradeForBreaker()
		return
	}
	r.log.Info("core: circuit closed")
	r.restoreFromBreaker()
}

// degradeForBreaker moves READY or WARMING to DEGRADED and remembers the
// state it left.
func (r *Runtime) degradeForBreaker() {
	r.mu.Lock()
	prev := r.state
	changed := prev == StateReady || prev == StateWarming
	if changed {
		r.state = StateDegraded
		r.tripped = prev
	}
	r.mu.Unlock()
	if changed {
		r.log.WithFields(logrus.Fields{"from": prev, "to": StateDegraded}).Info("core: state transition")
		r.observer.ObserveState(string(StateDegraded))
	}
}

// restoreFromBreaker undoes degradeForBreaker once the breaker closes,
// unless a dependency check or an operator has set the state since.
func (r *Runtime) restoreFromBreaker() {
	r.mu.Lock()
	next := r.tripped
	changed := next != "" && r.state == StateDegraded
	if changed {
		r.state = next
	}
	r.tripped = ""
	r.mu.Unlock()
	if changed {
		r.log.WithFields(logrus.Fields{"from": StateDegraded, "to": next}).Info("core: state transition")
		r.observer.ObserveState(string(next))
	}
}

func (r *Runtime) reportSuccess() { r.breaker.success() }

func (r *Runtime) reportFailure() { r.breaker.failure() }

func allHealthy(deps map[string]bool) bool {
	for _, ok := range deps {
		if !ok {
			return false
		}
	}
	return true
}

func copyDeps(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DependencyNames lists registered dependencies in order.
func (r *Runtime) DependencyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.deps))
	for name := range r.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health is the public health surface. Healthy is true only in READY and
// READ_ONLY.
type Health struct {
	Status    State     `json:"status"`
	Healthy   bool      `json:"healthy"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Runtime) Health() Health {
	s := r.State()
	return Health{Status: s, Healthy: s.Healthy(), Version: r.version, Timestamp: r.clock.Now().UTC()}
}
