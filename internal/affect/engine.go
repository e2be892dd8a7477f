package affect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config tunes the engine.
type Config struct {
	UpdateRates   Levels        // per-scalar approach rate toward a stimulus, in (0,1]
	DecayRates    Levels        // per-scalar approach rate toward Baseline per tick
	Baseline      Levels        // resting state decay converges to
	Initial       Levels        // state of a never-seen actor
	DecayInterval time.Duration // tick period for Run
	HistorySize   int           // retained updates per actor
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		UpdateRates:   Levels{Trust: 0.15, Warmth: 0.25, Arousal: 0.4, Valence: 0.3},
		DecayRates:    Levels{Trust: 0.01, Warmth: 0.03, Arousal: 0.1, Valence: 0.05},
		Baseline:      Levels{Trust: 0.5, Warmth: 0.5, Arousal: 0.3, Valence: 0.5},
		Initial:       Levels{Trust: 0.5, Warmth: 0.5, Arousal: 0.3, Valence: 0.5},
		DecayInterval: time.Minute,
		HistorySize:   100,
	}
}

// HistoryEntry records one non-decay change to an actor's state.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"` // "update" or "penalty"
	Weight float64   `json:"weight"`
	Before Levels    `json:"before"`
	After  Levels    `json:"after"`
}

// Hook observes every state change, including decay.
type Hook func(actorID string, s State)

// Engine owns the per-actor affective state. Each actor has its own lock, so
// updates for different actors never contend.
type Engine struct {
	cfg   Config
	rules []PostureRule
	hooks []Hook
	now   func() time.Time

	mu     sync.RWMutex
	actors map[string]*actorState
}

type actorState struct {
	mu      sync.Mutex
	state   State
	history []HistoryEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithPostureRules replaces the posture threshold table.
func WithPostureRules(rules []PostureRule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithHook registers an observer for state changes.
func WithHook(h Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = DefaultConfig().DecayInterval
	}
	cfg.Initial = cfg.Initial.Clamped()
	cfg.Baseline = cfg.Baseline.Clamped()

	e := &Engine{
		cfg:    cfg,
		rules:  DefaultPostureRules(),
		now:    time.Now,
		actors: make(map[string]*actorState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) actor(actorID string) *actorState {
	e.mu.RLock()
	a, ok := e.actors[actorID]
	e.mu.RUnlock()
	if ok {
		return a
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok = e.actors[actorID]; ok {
		return a
	}
	a = &actorState{
		state: State{
			Levels:    e.cfg.Initial,
			Posture:   DerivePosture(e.cfg.Initial, e.rules),
			UpdatedAt: e.now(),
		},
		history: make([]HistoryEntry, 0, e.cfg.HistorySize),
	}
	e.actors[actorID] = a
	return a
}

// State returns the current state of an actor. Unknown actors report the
// initial state.
func (e *Engine) State(actorID string) State {
	a := e.actor(actorID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Update moves each scalar named in the stimulus toward it:
//
//	new = cur + (stim - cur) * clamp(rate*weight)
//
// Stimuli outside [0,1] are clamped, never rejected.
func (e *Engine) Update(actorID string, stimulus PartialState, weight float64) State {
	return e.apply(actorID, "update", stimulus, e.cfg.UpdateRates, weight)
}

// Penalize pulls trust toward zero by the given fraction. Rollbacks use it.
func (e *Engine) Penalize(actorID string, amount float64) State {
	rates := Levels{Trust: 1}
	return e.apply(actorID, "penalty", PartialState{Trust: Value(0)}, rates, amount)
}

func (e *Engine) apply(actorID, source string, stim PartialState, rates Levels, weight float64) State {
	a := e.actor(actorID)

	a.mu.Lock()
	before := a.state
	next := before.Levels
	next.Trust = approach(next.Trust, stim.Trust, rates.Trust*weight)
	next.Warmth = approach(next.Warmth, stim.Warmth, rates.Warmth*weight)
	next.Arousal = approach(next.Arousal, stim.Arousal, rates.Arousal*weight)
	next.Valence = approach(next.Valence, stim.Valence, rates.Valence*weight)

	now := e.now()
	a.state = State{Levels: next, Posture: DerivePosture(next, e.rules), UpdatedAt: now}
	a.history = append(a.history, HistoryEntry{
		At: now, Source: source, Weight: weight, Before: before.Levels, After: next,
	})
	if len(a.history) > e.cfg.HistorySize {
		a.history = a.history[len(a.history)-e.cfg.HistorySize:]
	}
	after := a.state
	a.mu.Unlock()

	if after.Posture != before.Posture {
		log.Debug().
			Str("actor", actorID).
			Str("from", before.Posture.String()).
			Str("to", after.Posture.String()).
			Msg("posture changed")
	}
	e.notify(actorID, after)
	return after
}

func approach(cur float64, target *float64, rate float64) float64 {
	if target == nil {
		return cur
	}
	rate = clamp01(rate)
	return clamp01(cur + (clamp01(*target)-cur)*rate)
}

// Tick applies one decay step to every known actor.
func (e *Engine) Tick() {
	ids := e.Actors()

	base := e.cfg.Baseline
	target := PartialState{
		Trust: &base.Trust, Warmth: &base.Warmth, Arousal: &base.Arousal, Valence: &base.Valence,
	}
	rates := e.cfg.DecayRates

	for _, id := range ids {
		a := e.actor(id)
		a.mu.Lock()
		l := a.state.Levels
		l.Trust = approach(l.Trust, target.Trust, rates.Trust)
		l.Warmth = approach(l.Warmth, target.Warmth, rates.Warmth)
		l.Arousal = approach(l.Arousal, target.Arousal, rates.Arousal)
		l.Valence = approach(l.Valence, target.Valence, rates.Valence)
		a.state.Levels = l
		a.state.Posture = DerivePosture(l, e.rules)
		a.state.UpdatedAt = e.now()
		s := a.state
		a.mu.Unlock()
		e.notify(id, s)
	}
}

// Run decays all actors every DecayInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DecayInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.cfg.DecayInterval).Msg("affect decay loop started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("affect decay loop stopped")
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// History returns the retained updates for an actor, oldest first.
func (e *Engine) History(actorID string) []HistoryEntry {
	a := e.actor(actorID)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HistoryEntry, len(a.history))
	copy(out, a.history)
	return out
}

// Actors lists the IDs of every actor with state.
func (e *Engine) Actors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drift summarizes movement across the retained history window.
type Drift struct {
	Updates  int    `json:"updates"`
	Net      Levels `json:"net"`       // signed, last.After - first.Before
	MeanStep Levels `json:"mean_step"` // mean absolute change per update
}

// Drift computes the drift of an actor over its retained history.
func (e *Engine) Drift(actorID string) Drift {
	h := e.History(actorID)
	if len(h) == 0 {
		return Drift{}
	}
	first, last := h[0].Before, h[len(h)-1].After
	d := Drift{
		Updates: len(h),
		Net: Levels{
			Trust:   last.Trust - first.Trust,
			Warmth:  last.Warmth - first.Warmth,
			Arousal: last.Arousal - first.Arousal,
			Valence: last.Valence - first.Valence,
		},
	}
	for _, entry := range h {
		d.MeanStep.Trust += abs(entry.After.Trust - entry.Before.Trust)
		d.MeanStep.Warmth += abs(entry.After.Warmth - entry.Before.Warmth)
		d.MeanStep.Arousal += abs(entry.After.Arousal - entry.Before.Arousal)
		d.MeanStep.Valence += abs(entry.After.Valence - entry.Before.Valence)
	}
	n := float64(len(h))
	d.MeanStep.Trust /= n
	d.MeanStep.Warmth /= n
	d.MeanStep.Arousal /= n
	d.MeanStep.Valence /= n
	return d
}

func (e *Engine) notify(actorID string, s State) {
	for _, h := range e.hooks {
		h(actorID, s)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
