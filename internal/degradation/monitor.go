package degradation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortexcore/internal/metrics"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Dependency is a monitored dependency. Passive dependencies have no Probe
// and only change through Report.
type Dependency struct {
	Name  string
	Role  Role
	Probe Probe
}

// Config tunes probing and hysteresis.
type Config struct {
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int           // consecutive failures before healthy -> unhealthy
	RecoveryThreshold int           // consecutive passes before unhealthy -> healthy
	Cooldown          time.Duration // minimum time between flips of one dependency
	HistorySize       int
}

// DefaultConfig returns the standard monitor tuning.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:     10 * time.Second,
		ProbeTimeout:      3 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		Cooldown:          30 * time.Second,
		HistorySize:       100,
	}
}

// ProvidersDependency is the passive generation dependency fed by the
// provider router.
const ProvidersDependency = "providers"

// DependencyStatus is a point-in-time view of one dependency.
type DependencyStatus struct {
	Name                 string    `json:"name"`
	Role                 Role      `json:"role"`
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChange           time.Time `json:"last_change,omitempty"`
	LastProbe            time.Time `json:"last_probe,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
}

type depState struct {
	dep        Dependency
	healthy    bool
	fails      int
	passes     int
	lastChange time.Time
	lastProbe  time.Time
	lastErr    string
}

// Monitor tracks dependency health and derives the mode.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics

	mode atomic.Int32

	mu      sync.Mutex
	deps    map[string]*depState
	order   []string
	history []Transition
	subs    map[chan Transition]struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics records transitions and dependency health.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// NewMonitor creates a monitor in ModeFull with every dependency healthy.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	m := &Monitor{
		cfg:  cfg,
		now:  time.Now,
		deps: make(map[string]*depState),
		subs: make(map[chan Transition]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mode.Store(int32(ModeFull))
	return m
}

// Register adds a dependency. Re-registering a name replaces its probe and
// keeps its health.
func (m *Monitor) Register(dep Dependency) error {
	if dep.Name == "" {
		return errors.New("dependency name is required")
	}
	switch dep.Role {
	case RoleMemory, RoleGeneration, RoleStorage:
	default:
		return fmt.Errorf("dependency %s: unknown role %q", dep.Name, dep.Role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.deps[dep.Name]; ok {
		st.dep = dep
		return nil
	}
	m.deps[dep.Name] = &depState{dep: dep, healthy: true}
	m.order = append(m.order, dep.Name)
	m.metrics.SetDependencyHealthy(dep.Name, string(dep.Role), true)
	return nil
}

// Mode returns the current mode without locking.
func (m *Monitor) Mode() Mode {
	return Mode(m.mode.Load())
}

// Report feeds one health result for a dependency through the hysteresis
// filter. Unknown names are ignored.
func (m *Monitor) Report(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportLocked(name, err)
}

func (m *Monitor) reportLocked(name string, err error) {
	st, ok := m.deps[name]
	if !ok {
		return
	}
	now := m.now()
	st.lastProbe = now

	if err != nil {
		st.fails++
		st.passes = 0
		st.lastErr = err.Error()
	} else {
		st.passes++
		st.fails = 0
		st.lastErr = ""
	}

	coolingDown := !st.lastChange.IsZero() && now.Sub(st.lastChange) < m.cfg.Cooldown
	switch {
	case st.healthy && st.fails >= m.cfg.FailureThreshold && !coolingDown:
		st.healthy = false
		st.lastChange = now
		log.Warn().Str("dependency", name).Str("role", string(st.dep.Role)).
			Int("failures", st.fails).Str("error", st.lastErr).Msg("dependency marked unhealthy")
	case !st.healthy && st.passes >= m.cfg.RecoveryThreshold && !coolingDown:
		st.healthy = true
		st.lastChange = now
		log.Info().Str("dependency", name).Str("role", string(st.dep.Role)).Msg("dependency recovered")
	default:
		return
	}

	m.metrics.SetDependencyHealthy(name, string(st.dep.Role), st.healthy)
	m.recomputeLocked(fmt.Sprintf("%s %s", name, healthWord(st.healthy)))
}

func healthWord(ok bool) string {
	if ok {
		return "recovered"
	}
	return "unhealthy"
}

func (m *Monitor) recomputeLocked(reason string) {
	memoryOK, generationOK := true, true
	for _, st := range m.deps {
		if st.healthy {
			continue
		}
		switch st.dep.Role {
		case RoleMemory:
			memoryOK = false
		case RoleGeneration:
			generationOK = false
		}
	}

	next := ModeFor(memoryOK, generationOK)
	prev := Mode(m.mode.Load())
	if next == prev {
		return
	}
	m.mode.Store(int32(next))

	tr := Transition{From: prev, To: next, At: m.now(), Reason: reason}
	m.history = append(m.history, tr)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.metrics.ObserveModeTransition(prev.String(), next.String(), int(next))

	log.Warn().Str("from", prev.String()).Str("to", next.String()).Str("reason", reason).Msg("degradation mode changed")

	for ch := range m.subs {
		select {
		case ch <- tr:
		default:
			log.Debug().Msg("dropping mode transition for slow subscriber")
		}
	}
}

// ProbeOnce runs every active probe in parallel, each bounded by
// ProbeTimeout, then applies the results in registration order.
func (m *Monitor) ProbeOnce(ctx context.Context) error {
	m.mu.Lock()
	var deps []Dependency
	for _, name := range m.order {
		if d := m.deps[name].dep; d.Probe != nil {
			deps = append(deps, d)
		}
	}
	m.mu.Unlock()

	results := make([]error, len(deps))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range deps {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			defer cancel()
			results[i] = d.Probe(pctx)
			return nil
		})
	}
	_ = g.Wait()

	// A probe cut short by our own shutdown says nothing about the dependency.
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range deps {
		m.reportLocked(d.Name, results[i])
	}
	return nil
}

// Run probes on ProbeInterval until ctx is done. The first round runs
// immediately.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.cfg.ProbeInterval).Msg("degradation monitor started")
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if err := m.ProbeOnce(ctx); err != nil {
			log.Debug().Msg("degradation monitor stopped")
			return
		}
		select {
		case <-ctx.Done():
			log.Debug().Msg("degradation monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// History returns retained mode transitions, oldest first.
func (m *Monitor) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Status reports every dependency, sorted by name.
func (m *Monitor) Status() []DependencyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DependencyStatus, 0, len(m.deps))
	for _, st := range m.deps {
		out = append(out, DependencyStatus{
			Name:                 st.dep.Name,
			Role:                 st.dep.Role,
			Healthy:              st.healthy,
			ConsecutiveFailures:  st.fails,
			ConsecutiveSuccesses: st.passes,
			LastChange:           st.lastChange,
			LastProbe:            st.lastProbe,
			LastError:            st.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe returns a channel of future transitions. Slow subscribers miss
// transitions rather than block the monitor. Call cancel to unsubscribe.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// ProvidersExhausted records that every provider failed one request.
func (m *Monitor) ProvidersExhausted() {
	m.Report(ProvidersDependency, errors.New("all providers exhausted"))
}

// ProviderSucceeded records a successful generation.
func (m *Monitor) ProviderSucceeded() {
	m.Report(ProvidersDependency, nil)
}
