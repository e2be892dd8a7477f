package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/logging"
	"github.com/normanking/cortexcore/internal/metrics"
	"github.com/normanking/cortexcore/internal/resource"
)

// RollbackTool is the tool name recorded on rollback log entries.
const RollbackTool = "rollback"

// ActionRequest asks the safety net to run one tool call.
type ActionRequest struct {
	ActorID string
	Tool    string
	Args    Args
	Tier    TrustTier
	// NegativeSignal marks that the caller already saw a negative reaction
	// to this action (for example the user objected).
	NegativeSignal bool
}

// RollbackOffer suggests undoing an action. It is never applied
// automatically.
type RollbackOffer struct {
	ActionID   string `json:"action_id"`
	SnapshotID string `json:"snapshot_id"`
	Reason     string `json:"reason"`
}

// ActionResult describes an executed action. A tool that ran and failed is
// still a result, with Error set.
type ActionResult struct {
	ActionID   string         `json:"action_id"`
	Tool       string         `json:"tool"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Overridden bool           `json:"overridden"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	Offer      *RollbackOffer `json:"rollback_offer,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Succeeded reports whether the tool ran without error.
func (r *ActionResult) Succeeded() bool { return r.Error == "" }

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	RollbackID string    `json:"rollback_id"`
	ActionID   string    `json:"action_id"`
	SnapshotID string    `json:"snapshot_id"`
	Restored   []string  `json:"restored"`
	Trust      float64   `json:"trust"` // actor trust after the penalty
	At         time.Time `json:"at"`
}

// HarmPredicate decides whether an executed action deserves a rollback offer.
type HarmPredicate func(req ActionRequest, res *ActionResult) (harmful bool, reason string)

// DefaultHarmPredicate flags execution failures and negative signals.
func DefaultHarmPredicate(req ActionRequest, res *ActionResult) (bool, string) {
	if res.Error != "" {
		return true, "execution failed: " + res.Error
	}
	if req.NegativeSignal {
		return true, "negative signal from caller"
	}
	return false, ""
}

// TrustPenalizer lowers an actor's trust after a rollback.
type TrustPenalizer interface {
	Penalize(actorID string, amount float64) affect.State
}

// ModeSource reports the current degradation mode.
type ModeSource interface {
	Mode() degradation.Mode
}

// Config tunes the safety net.
type Config struct {
	LockTimeout     time.Duration // how long an action waits for busy resources
	RollbackPenalty float64       // fraction of trust removed per rollback
	LogTimeout      time.Duration // bound on log writes after execution
}

// DefaultConfig returns the standard safety net tuning.
func DefaultConfig() Config {
	return Config{
		LockTimeout:     5 * time.Second,
		RollbackPenalty: 0.2,
		LogTimeout:      5 * time.Second,
	}
}

// Net is the action safety net.
type Net struct {
	cfg       Config
	caps      *Capabilities
	store     resource.Store
	actions   ActionLog
	locker    resource.Locker
	harm      HarmPredicate
	penalizer TrustPenalizer
	modes     ModeSource
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.RWMutex
	tools map[string]Tool
}

// Option configures a Net.
type Option func(*Net)

// WithHarmPredicate replaces DefaultHarmPredicate.
func WithHarmPredicate(p HarmPredicate) Option {
	return func(n *Net) { n.harm = p }
}

// WithPenalizer applies rollback trust penalties.
func WithPenalizer(p TrustPenalizer) Option {
	return func(n *Net) { n.penalizer = p }
}

// WithModeSource denies all mutating requests while the system is Dead.
func WithModeSource(m ModeSource) Option {
	return func(n *Net) { n.modes = m }
}

// WithMetrics records action outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Net) { n.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Net) { n.now = now }
}

// New creates a safety net.
func New(cfg Config, caps *Capabilities, store resource.Store, actions ActionLog, locker resource.Locker, opts ...Option) *Net {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = def.LogTimeout
	}
	n := &Net{
		cfg:     cfg,
		caps:    caps,
		store:   store,
		actions: actions,
		locker:  locker,
		harm:    DefaultHarmPredicate,
		now:     time.Now,
		tools:   make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register adds a tool.
func (n *Net) Register(t Tool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	n.tools[t.Name()] = t
	return nil
}

// Tool looks up a registered tool.
func (n *Net) Tool(name string) (Tool, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tools[name]
	return t, ok
}

// Tools lists registered tools sorted by name.
func (n *Net) Tools() []Tool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Tool, 0, len(n.tools))
	for _, t := range n.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ToolsFor lists the tools tier may run, advisory overrides included.
func (n *Net) ToolsFor(tier TrustTier) []Tool {
	var out []Tool
	for _, t := range n.Tools() {
		if n.caps.Check(tier, t).Allowed {
			out = append(out, t)
		}
	}
	return out
}

func (n *Net) dead() bool {
	return n.modes != nil && n.modes.Mode() == degradation.ModeDead
}

// Execute checks permissions, snapshots the tool's resources, runs the tool
// and appends a log entry. Resource locks are held from snapshot until the
// log entry is written.
func (n *Net) Execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	const op = "safety.execute"

	if n.dead() {
		n.metrics.ObserveAction(req.Tool, "denied")
		return nil, faults.New(faults.KindSystemDegraded, op, "actions are disabled while the system is dead")
	}

	tool, ok := n.Tool(req.Tool)
	if !ok {
		return nil, faults.Errorf(faults.KindInvalidInput, op, "unknown tool %q", req.Tool)
	}

	decision := n.caps.Check(req.Tier, tool)
	if !decision.Allowed {
		n.metrics.ObserveAction(tool.Name(), "denied")
		log.Info().Str("actor", req.ActorID).Str("tool", tool.Name()).Str("tier", req.Tier.String()).
			Msg("action denied")
		return nil, faults.New(faults.KindPermissionDenied, op, decision.Reason)
	}
	if decision.Overridden {
		n.metrics.IncOverride(req.Tier.String())
		log.Warn().Str("actor", req.ActorID).Str("tool", tool.Name()).Str("tier", req.Tier.String()).
			Str("reason", decision.Reason).Msg("advisory tier override")
	}

	resources, err := tool.Resources(req.Args)
	if err != nil {
		return nil, err
	}

	var snapshotID string
	if tool.Mutating() {
		unlock, err := n.lock(ctx, op, resources)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if err := ctx.Err(); err != nil {
			return nil, faults.Cancelled(op, err)
		}
		snapshotID, err = n.store.Snapshot(ctx, resources)
		if err != nil {
			if ctx.Err() != nil {
				return nil, faults.Cancelled(op, ctx.Err())
			}
			return nil, faults.Wrap(faults.KindStepFailed, op, fmt.Errorf("snapshot: %w", err))
		}
	} else if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}

	start := n.now()
	output, execErr := tool.Execute(ctx, req.Args)
	res := &ActionResult{
		ActionID:   uuid.NewString(),
		Tool:       tool.Name(),
		Output:     output,
		Overridden: decision.Overridden,
		SnapshotID: snapshotID,
		Duration:   n.now().Sub(start),
	}
	if execErr != nil {
		res.Error = execErr.Error()
	}

	// The tool has run; its record must land even if the caller gave up.
	logCtx, cancel := logging.DetachContextWithTimeout(ctx, n.cfg.LogTimeout)
	defer cancel()

	entry := LogEntry{
		ID:         res.ActionID,
		Timestamp:  start,
		ActorID:    req.ActorID,
		Tool:       tool.Name(),
		Args:       req.Args,
		TrustTier:  req.Tier,
		SnapshotID: snapshotID,
		Overridden: decision.Overridden,
		Result:     output,
		Error:      res.Error,
		Resources:  resources,
	}
	if tool.Mutating() {
		entry.PostVersions, err = n.store.Versions(logCtx, resources)
		if err != nil {
			return nil, faults.Wrap(faults.KindStepFailed, op, fmt.Errorf("read post-action versions: %w", err))
		}
	}
	if err := n.actions.Append(logCtx, entry); err != nil {
		log.Error().Err(err).Str("action", res.ActionID).Msg("failed to append action log")
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	}

	if snapshotID != "" {
		if harmful, reason := n.harm(req, res); harmful {
			res.Offer = &RollbackOffer{ActionID: res.ActionID, SnapshotID: snapshotID, Reason: reason}
		}
	}

	result := "ok"
	if execErr != nil {
		result = "failed"
	}
	n.metrics.ObserveAction(tool.Name(), result)
	log.Info().Str("action", res.ActionID).Str("actor", req.ActorID).Str("tool", tool.Name()).
		Bool("overridden", res.Overridden).Str("snapshot", snapshotID).Str("result", result).
		Msg("action executed")
	return res, nil
}

// lock acquires resource locks, waiting at most LockTimeout.
func (n *Net) lock(ctx context.Context, op string, resources []string) (resource.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, n.cfg.LockTimeout)
	defer cancel()

	unlock, err := resource.LockAll(lockCtx, n.locker, resources)
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() != nil {
		return nil, faults.Cancelled(op, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		n.metrics.IncSnapshotConflict()
		return nil, faults.Errorf(faults.KindSnapshotConflict, op,
			"resources %v busy for more than %s", resources, n.cfg.LockTimeout)
	}
	return nil, faults.Wrap(faults.KindStepFailed, op, fmt.Errorf("lock resources: %w", err))
}

// Rollback restores the snapshot taken before actionID, appends a rollback
// entry and penalizes the actor's trust. It fails with RollbackFailed if the
// action has no snapshot, was already rolled back, is itself a rollback, or
// its resources changed after it ran. Rollbacks are never retried.
func (n *Net) Rollback(ctx context.Context, actionID, reason string) (*RollbackResult, error) {
	const op = "safety.rollback"

	if n.dead() {
		n.metrics.ObserveRollback("denied")
		return nil, faults.New(faults.KindSystemDegraded, op, "rollback is disabled while the system is dead")
	}

	res, err := n.rollback(ctx, op, actionID, reason)
	if err != nil {
		n.metrics.ObserveRollback("failed")
		log.Warn().Err(err).Str("action", actionID).Msg("rollback failed")
		return nil, err
	}
	n.metrics.ObserveRollback("ok")
	return res, nil
}

func (n *Net) rollback(ctx context.Context, op, actionID, reason string) (*RollbackResult, error) {
	entry, err := n.actions.Get(ctx, actionID)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			return nil, faults.Wrap(faults.KindRollbackFailed, op, err)
		}
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	}
	if entry.IsRollback() {
		return nil, faults.New(faults.KindRollbackFailed, op, "cannot roll back a rollback")
	}
	if entry.SnapshotID == "" {
		return nil, faults.Errorf(faults.KindRollbackFailed, op, "action %s has no snapshot", actionID)
	}
	ok, err := n.store.HasSnapshot(ctx, entry.SnapshotID)
	if err != nil {
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	}
	if !ok {
		return nil, faults.Errorf(faults.KindRollbackFailed, op, "snapshot %s is missing", entry.SnapshotID)
	}

	unlock, err := n.lock(ctx, op, entry.Resources)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if prior, err := n.actions.RollbackOf(ctx, actionID); err != nil {
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	} else if prior != nil {
		return nil, faults.Errorf(faults.KindRollbackFailed, op, "action %s already rolled back by %s", actionID, prior.ID)
	}

	current, err := n.store.Versions(ctx, entry.Resources)
	if err != nil {
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	}
	for _, id := range entry.Resources {
		if current[id] != entry.PostVersions[id] {
			return nil, faults.Errorf(faults.KindRollbackFailed, op,
				"resource %s was modified after action %s (version %d, expected %d)",
				id, actionID, current[id], entry.PostVersions[id])
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}
	restored, err := n.store.Restore(ctx, entry.SnapshotID)
	if err != nil {
		return nil, faults.Wrap(faults.KindRollbackFailed, op, err)
	}

	logCtx, cancel := logging.DetachContextWithTimeout(ctx, n.cfg.LogTimeout)
	defer cancel()

	now := n.now()
	rb := LogEntry{
		ID:           uuid.NewString(),
		Timestamp:    now,
		ActorID:      entry.ActorID,
		Tool:         RollbackTool,
		Args:         Args{"reason": reason},
		TrustTier:    entry.TrustTier,
		SnapshotID:   entry.SnapshotID,
		Result:       reason,
		RollbackOf:   entry.ID,
		Resources:    entry.Resources,
		PostVersions: restored,
	}
	if err := n.actions.Append(logCtx, rb); err != nil {
		log.Error().Err(err).Str("action", actionID).Msg("rollback applied but log append failed")
		return nil, faults.Wrap(faults.KindStepFailed, op, err)
	}

	out := &RollbackResult{
		RollbackID: rb.ID,
		ActionID:   entry.ID,
		SnapshotID: entry.SnapshotID,
		Restored:   append([]string(nil), entry.Resources...),
		At:         now,
	}
	if n.penalizer != nil {
		out.Trust = n.penalizer.Penalize(entry.ActorID, n.cfg.RollbackPenalty).Trust
	}

	log.Info().Str("action", actionID).Str("rollback", rb.ID).Str("actor", entry.ActorID).
		Str("reason", reason).Msg("action rolled back")
	return out, nil
}

// LatestOffer returns a rollback offer for actorID's most recent action
// that has a snapshot and has not been rolled back, or nil.
func (n *Net) LatestOffer(ctx context.Context, actorID, reason string) (*RollbackOffer, error) {
	entries, err := n.actions.Recent(ctx, actorID, 20)
	if err != nil {
		return nil, err
	}
	undone := make(map[string]bool)
	for _, e := range entries {
		if e.IsRollback() {
			undone[e.RollbackOf] = true
			continue
		}
		if e.SnapshotID == "" || undone[e.ID] {
			continue
		}
		return &RollbackOffer{ActionID: e.ID, SnapshotID: e.SnapshotID, Reason: reason}, nil
	}
	return nil, nil
}

// Recent exposes the action log for operators.
func (n *Net) Recent(ctx context.Context, actorID string, limit int) ([]LogEntry, error) {
	return n.actions.Recent(ctx, actorID, limit)
}
