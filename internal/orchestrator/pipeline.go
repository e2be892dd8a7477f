// Package orchestrator sequences a conversational turn through perception,
// retrieval, generation, filtering, synthesis, action and state update.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/llm"
	"github.com/normanking/cortexcore/internal/logging"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/metrics"
	"github.com/normanking/cortexcore/internal/perception"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

// Generator produces model output. *router.Router implements it.
type Generator interface {
	Generate(ctx context.Context, req *llm.ChatRequest, opts router.GenerateOptions) (*router.Response, error)
}

// ModeReader reports the current degradation mode.
type ModeReader interface {
	Mode() degradation.Mode
}

// Config tunes the pipeline.
type Config struct {
	SystemPrompt     string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	SafeResponse     string        `mapstructure:"safe_response" yaml:"safe_response"`
	DegradedResponse string        `mapstructure:"degraded_response" yaml:"degraded_response"`
	MemoryLimit      int           `mapstructure:"memory_limit" yaml:"memory_limit"`
	RetrieveTimeout  time.Duration `mapstructure:"retrieve_timeout" yaml:"retrieve_timeout"`
	MaxResponseChars int           `mapstructure:"max_response_chars" yaml:"max_response_chars"`
	LogTimeout       time.Duration `mapstructure:"log_timeout" yaml:"log_timeout"`
	RememberTurns    bool          `mapstructure:"remember_turns" yaml:"remember_turns"`

	// ActionSignalWeight scales the affective signal of an action outcome.
	ActionSignalWeight float64 `mapstructure:"action_signal_weight" yaml:"action_signal_weight"`

	DefaultTier safety.TrustTier            `mapstructure:"default_tier" yaml:"default_tier"`
	ActorTiers  map[string]safety.TrustTier `mapstructure:"actor_tiers" yaml:"actor_tiers,omitempty"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       "You are Cortex, a personal assistant that can read and change the user's notes and files through tools.",
		SafeResponse:       "I can't reach my memory or any language model right now, so I can't help with this yet. Please try again shortly.",
		DegradedResponse:   "I couldn't reach a language model to answer that. Nothing was changed; please try again in a moment.",
		MemoryLimit:        5,
		RetrieveTimeout:    2 * time.Second,
		MaxResponseChars:   8000,
		LogTimeout:         5 * time.Second,
		RememberTurns:      true,
		ActionSignalWeight: 0.5,
		DefaultTier:        safety.TierAssistant,
	}
}

// TierFor resolves an actor's trust tier.
func (c Config) TierFor(actorID string) safety.TrustTier {
	if t, ok := c.ActorTiers[actorID]; ok {
		return t
	}
	return c.DefaultTier
}

// TurnRequest is one user input.
type TurnRequest struct {
	ActorID string `json:"actor_id"`
	Input   string `json:"input"`
	// NegativeSignal is the caller's explicit report that the user reacted
	// badly. It feeds the harm check of any action this turn takes.
	NegativeSignal bool `json:"negative_signal,omitempty"`
}

// Response is the outcome of a turn.
type Response struct {
	TurnID         string                `json:"turn_id"`
	ActorID        string                `json:"actor_id"`
	Text           string                `json:"text"`
	Mode           degradation.Mode      `json:"mode"`
	State          affect.State          `json:"state"`
	Provider       string                `json:"provider,omitempty"`
	Cached         bool                  `json:"cached,omitempty"`
	Degraded       bool                  `json:"degraded"`
	DegradedReason string                `json:"degraded_reason,omitempty"`
	Memories       int                   `json:"memories"`
	Action         *safety.ActionResult  `json:"action,omitempty"`
	Offer          *safety.RollbackOffer `json:"rollback_offer,omitempty"`
	Trace          []TraceEntry          `json:"trace"`
	Duration       time.Duration         `json:"duration"`
}

// Deps are the collaborators of a pipeline. Engine, Generator and Modes
// are required.
type Deps struct {
	Engine    *affect.Engine
	Perceiver *perception.Perceiver
	Retriever memory.Retriever
	Generator Generator
	Modes     ModeReader
	Net       *safety.Net
	Turns     TurnLog
}

// Pipeline runs turns. It is safe for concurrent use; turns for the same
// actor serialize only at the affect engine.
type Pipeline struct {
	cfg     Config
	deps    Deps
	filters []Filter
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFilters replaces the default output filters.
func WithFilters(f ...Filter) Option {
	return func(p *Pipeline) { p.filters = f }
}

// WithMetrics records turn and step timings.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = mx }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline validates deps and applies defaults.
func NewPipeline(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Engine == nil || deps.Generator == nil || deps.Modes == nil {
		return nil, faults.New(faults.KindInvalidInput, "pipeline.new", "engine, generator and mode source are required")
	}
	if !cfg.DefaultTier.Valid() {
		return nil, faults.Errorf(faults.KindInvalidInput, "pipeline.new", "invalid default tier %d", cfg.DefaultTier)
	}
	for actor, tier := range cfg.ActorTiers {
		if !tier.Valid() {
			return nil, faults.Errorf(faults.KindInvalidInput, "pipeline.new", "invalid tier %d for actor %q", tier, actor)
		}
	}
	def := DefaultConfig()
	if cfg.SafeResponse == "" {
		cfg.SafeResponse = def.SafeResponse
	}
	if cfg.DegradedResponse == "" {
		cfg.DegradedResponse = def.DegradedResponse
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = def.MemoryLimit
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = def.RetrieveTimeout
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = def.LogTimeout
	}
	if cfg.ActionSignalWeight <= 0 {
		cfg.ActionSignalWeight = def.ActionSignalWeight
	}
	if deps.Perceiver == nil {
		deps.Perceiver = perception.New()
	}

	p := &Pipeline{cfg: cfg, deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.filters == nil {
		p.filters = DefaultFilters(cfg.MaxResponseChars)
	}
	return p, nil
}

// turn carries one request through the steps.
type turn struct {
	req     TurnRequest
	out     *Response
	tr      *tracer
	start   time.Time
	tier    safety.TrustTier
	percept perception.Perception
}

// Execute runs one turn. Failures before the act step leave no snapshot,
// no action log entry and no state change.
func (p *Pipeline) Execute(ctx context.Context, req TurnRequest) (resp *Response, err error) {
	const op = "pipeline.execute"

	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ActorID == "" || strings.TrimSpace(req.Input) == "" {
		return nil, faults.New(faults.KindInvalidInput, op, "actor and input are required")
	}

	t := &turn{
		req:   req,
		out:   &Response{TurnID: uuid.NewString(), ActorID: req.ActorID},
		tr:    newTracer(p.now, p.metrics.ObserveStep),
		start: p.now(),
		tier:  p.cfg.TierFor(req.ActorID),
	}
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, faults.Errorf(faults.KindStepFailed, op, "panic: %v", r)
			log.Error().Str("turn", t.out.TurnID).Interface("panic", r).Msg("Turn aborted")
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = faults.KindOf(err).String()
		case resp != nil && resp.Degraded:
			outcome = "degraded"
		}
		p.metrics.ObserveTurn(t.out.Mode.String(), outcome, p.now().Sub(t.start))
	}()

	t.tr.mark(StepReceived, "")
	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}

	// Perceive
	t.percept = p.deps.Perceiver.Perceive(req.Input)
	t.tr.mark(StepPerceived, strings.Join(t.percept.Cues, ","))
	state := p.deps.Engine.State(req.ActorID)
	ctx = affect.WithState(ctx, state)

	// Retrieve
	t.out.Mode = p.deps.Modes.Mode()
	if t.out.Mode == degradation.ModeDead {
		t.tr.mark(StepRetrievalSkipped, "mode dead")
		return p.shortCircuit(ctx, t, "dead"), nil
	}
	memories, skipped := p.retrieve(ctx, t)
	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}
	if skipped != "" {
		t.tr.mark(StepRetrievalSkipped, skipped)
	} else {
		t.out.Memories = len(memories)
		t.tr.mark(StepRetrieved, fmt.Sprintf("%d items", len(memories)))
	}

	// Generate
	t.out.Mode = p.deps.Modes.Mode()
	if t.out.Mode == degradation.ModeDead {
		return p.shortCircuit(ctx, t, "dead"), nil
	}
	var tools []safety.Tool
	if p.deps.Net != nil {
		tools = p.deps.Net.ToolsFor(t.tier)
	}
	chat := &llm.ChatRequest{
		SystemPrompt: buildSystemPrompt(ctx, p.cfg.SystemPrompt, memories, tools),
		Messages:     []llm.Message{{Role: "user", Content: req.Input}},
		Temperature:  affect.StyleFor(state.Posture).Temperature,
	}
	gen, err := p.deps.Generator.Generate(ctx, chat, router.GenerateOptions{
		LocalOnly: t.out.Mode == degradation.ModeOffline,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Cancelled(op, ctx.Err())
		}
		if faults.KindOf(err) == faults.KindAllProvidersExhausted {
			return p.shortCircuit(ctx, t, "providers exhausted"), nil
		}
		return nil, stepError(op, err)
	}
	t.out.Provider = gen.Provider
	t.out.Cached = gen.Cached
	t.tr.mark(StepGenerated, gen.Provider)

	// Filter
	calls, prose := ParseToolCalls(gen.Content)
	text, changed := applyFilters(p.filters, prose)
	t.tr.mark(StepFiltered, strings.Join(changed, ","))

	// Synthesize
	call, note := p.selectCall(calls)
	t.out.Text = text
	t.tr.mark(StepSynthesized, note)

	// Act
	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}
	switch {
	case call == nil:
		t.tr.mark(StepActSkipped, "no tool call")
	case p.deps.Modes.Mode() == degradation.ModeDead:
		t.tr.mark(StepActSkipped, "mode dead")
	default:
		res, err := p.deps.Net.Execute(ctx, safety.ActionRequest{
			ActorID:        req.ActorID,
			Tool:           call.Tool,
			Args:           call.Args,
			Tier:           t.tier,
			NegativeSignal: req.NegativeSignal,
		})
		if err != nil {
			return nil, err
		}
		t.out.Action = res
		t.out.Offer = res.Offer
		outcome := "ok"
		if !res.Succeeded() {
			outcome = "failed: " + res.Error
		}
		t.tr.mark(StepActed, call.Tool+" "+outcome)
	}

	// Update state
	p.updateState(ctx, t)

	return p.finish(ctx, t), nil
}

// retrieve returns memories, or a reason retrieval was skipped.
func (p *Pipeline) retrieve(ctx context.Context, t *turn) ([]memory.Item, string) {
	switch {
	case p.deps.Retriever == nil:
		return nil, "no retriever"
	case t.out.Mode == degradation.ModeAmnesia:
		return nil, "mode amnesia"
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RetrieveTimeout)
	defer cancel()
	items, err := p.deps.Retriever.Retrieve(rctx, t.req.ActorID, t.req.Input, p.cfg.MemoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("turn", t.out.TurnID).Msg("Retrieval failed, continuing without memories")
		return nil, "retriever error: " + err.Error()
	}
	return items, ""
}

// selectCall picks the first proposed call to a registered tool.
func (p *Pipeline) selectCall(calls []ToolCall) (*ToolCall, string) {
	if len(calls) == 0 {
		return nil, ""
	}
	if p.deps.Net == nil {
		return nil, "tool calls ignored: no safety net"
	}
	for i, c := range calls {
		if _, ok := p.deps.Net.Tool(c.Tool); !ok {
			log.Debug().Str("tool", c.Tool).Msg("Model proposed unknown tool")
			continue
		}
		note := "tool " + c.Tool
		if extra := len(calls) - i - 1; extra > 0 {
			note += fmt.Sprintf(" (%d more ignored)", extra)
		}
		return &calls[i], note
	}
	return nil, "no known tool proposed"
}

// outcomeSignal is the affective stimulus of an executed action.
func outcomeSignal(res *safety.ActionResult) affect.PartialState {
	if res.Succeeded() {
		return affect.PartialState{Trust: affect.Value(0.7), Valence: affect.Value(0.7)}
	}
	return affect.PartialState{Valence: affect.Value(0.3), Arousal: affect.Value(0.6)}
}

func (p *Pipeline) updateState(ctx context.Context, t *turn) {
	engine := p.deps.Engine
	var applied []string
	if !t.percept.Stimulus.Empty() {
		engine.Update(t.req.ActorID, t.percept.Stimulus, t.percept.Weight)
		applied = append(applied, "perception")
	}
	if t.out.Action != nil {
		engine.Update(t.req.ActorID, outcomeSignal(t.out.Action), p.cfg.ActionSignalWeight)
		applied = append(applied, "action")
	}
	if t.percept.Negative && t.out.Offer == nil && p.deps.Net != nil {
		offer, err := p.deps.Net.LatestOffer(ctx, t.req.ActorID, "user objected: "+strings.Join(t.percept.Cues, ","))
		if err != nil {
			log.Warn().Err(err).Str("actor", t.req.ActorID).Msg("Could not look up rollback offer")
		}
		t.out.Offer = offer
	}
	state := engine.State(t.req.ActorID)
	p.metrics.ObserveAffectUpdate(state.Posture.String())
	t.tr.mark(StepStateUpdated, strings.Join(applied, ","))
}

// shortCircuit answers with a fixed message. The act and state update
// steps do not run.
func (p *Pipeline) shortCircuit(ctx context.Context, t *turn, reason string) *Response {
	t.out.Degraded = true
	t.out.DegradedReason = reason
	if t.out.Mode == degradation.ModeDead {
		t.out.Text = p.cfg.SafeResponse
	} else {
		t.out.Text = p.cfg.DegradedResponse
	}
	t.tr.mark(StepGenerated, reason)
	t.tr.mark(StepActSkipped, reason)
	log.Warn().Str("turn", t.out.TurnID).Str("actor", t.req.ActorID).Str("mode", t.out.Mode.String()).
		Str("reason", reason).Msg("Returning degraded response")
	return p.finish(ctx, t)
}

// finish remembers the exchange, writes the turn record and stamps the
// response. Persistence here outlives caller cancellation.
func (p *Pipeline) finish(ctx context.Context, t *turn) *Response {
	wctx, cancel := logging.DetachContextWithTimeout(ctx, p.cfg.LogTimeout)
	defer cancel()

	var notes []string
	if w, ok := p.deps.Retriever.(memory.Writer); ok && p.cfg.RememberTurns && !t.out.Degraded &&
		t.out.Mode != degradation.ModeAmnesia {
		if err := w.Remember(wctx, t.req.ActorID, t.req.Input); err != nil {
			log.Warn().Err(err).Str("turn", t.out.TurnID).Msg("Could not store memory")
			notes = append(notes, "memory write failed")
		}
	}

	t.out.State = p.deps.Engine.State(t.req.ActorID)

	if p.deps.Turns != nil {
		rec := TurnRecord{
			ID:        t.out.TurnID,
			CreatedAt: t.start,
			ActorID:   t.req.ActorID,
			Input:     t.req.Input,
			Response:  t.out.Text,
			Mode:      t.out.Mode.String(),
			Posture:   t.out.State.Posture.String(),
			Provider:  t.out.Provider,
			Degraded:  t.out.Degraded,
			Trace:     append([]TraceEntry(nil), t.tr.entries...),
		}
		if t.out.Action != nil {
			rec.ActionID = t.out.Action.ActionID
		}
		if err := p.deps.Turns.Append(wctx, rec); err != nil {
			log.Error().Err(err).Str("turn", t.out.TurnID).Msg("Could not write turn log")
			notes = append(notes, "turn log failed")
		}
	} else {
		notes = append(notes, "no turn log")
	}
	t.tr.mark(StepLogged, strings.Join(notes, ","))
	t.tr.mark(StepReturned, "")

	t.out.Trace = t.tr.entries
	t.out.Duration = p.now().Sub(t.start)
	log.Info().
		Str("turn", t.out.TurnID).
		Str("actor", t.req.ActorID).
		Str("mode", t.out.Mode.String()).
		Str("posture", t.out.State.Posture.String()).
		Bool("degraded", t.out.Degraded).
		Dur("duration", t.out.Duration).
		Msg("Turn complete")
	return t.out
}

// stepError keeps classified errors and marks the rest as step failures.
func stepError(op string, err error) error {
	if faults.KindOf(err) != faults.KindUnknown {
		return err
	}
	return faults.Wrap(faults.KindStepFailed, op, err)
}
