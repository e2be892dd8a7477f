package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/llm"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/resource"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

type fakeGen struct {
	mu       sync.Mutex
	content  string
	err      error
	calls    int
	lastReq  *llm.ChatRequest
	lastOpts router.GenerateOptions
}

func (g *fakeGen) Generate(ctx context.Context, req *llm.ChatRequest, opts router.GenerateOptions) (*router.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastReq = req
	g.lastOpts = opts
	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled("fake.generate", err)
	}
	if g.err != nil {
		return nil, g.err
	}
	return &router.Response{ChatResponse: llm.ChatResponse{Content: g.content, Provider: "fake"}, Attempts: 1}, nil
}

func (g *fakeGen) set(content string, err error) {
	g.mu.Lock()
	g.content, g.err = content, err
	g.mu.Unlock()
}

func (g *fakeGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixedMode struct{ mode atomic.Int32 }

func (f *fixedMode) Mode() degradation.Mode { return degradation.Mode(f.mode.Load()) }
func (f *fixedMode) set(m degradation.Mode) { f.mode.Store(int32(m)) }

// spyRetriever counts lookups and can be made to fail.
type spyRetriever struct {
	*memory.KeywordRetriever
	calls atomic.Int32
	err   error
}

func (s *spyRetriever) Retrieve(ctx context.Context, actorID, query string, limit int) ([]memory.Item, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.KeywordRetriever.Retrieve(ctx, actorID, query, limit)
}

type rig struct {
	core   *Core
	pipe   *Pipeline
	engine *affect.Engine
	gen    *fakeGen
	mode   *fixedMode
	store  *resource.SQLiteStore
	net    *safety.Net
	turns  *SQLiteTurnLog
	mem    *spyRetriever
}

func newRig(t *testing.T, modes ModeReader, tune ...func(*Config)) *rig {
	t.Helper()
	db, err := data.Open(data.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := &rig{
		engine: affect.NewEngine(affect.DefaultConfig()),
		gen:    &fakeGen{content: "Sure."},
		mode:   &fixedMode{},
		store:  resource.NewSQLiteStore(db),
		turns:  NewSQLiteTurnLog(db),
		mem:    &spyRetriever{KeywordRetriever: memory.NewKeywordRetriever(memory.DefaultKeywordConfig())},
	}
	if modes == nil {
		modes = r.mode
	}

	caps, err := safety.NewCapabilities(safety.DefaultCapabilities())
	require.NoError(t, err)
	scfg := safety.DefaultConfig()
	scfg.LockTimeout = 50 * time.Millisecond
	r.net = safety.New(scfg, caps, r.store, safety.NewSQLiteLog(db), resource.NewMemLocker(),
		safety.WithPenalizer(r.engine), safety.WithModeSource(modes))
	for _, tool := range safety.ResourceTools(r.store) {
		require.NoError(t, r.net.Register(tool))
	}

	cfg := DefaultConfig()
	cfg.ActorTiers = map[string]safety.TrustTier{"alice": safety.TierDelegate, "eve": safety.TierObserver}
	for _, f := range tune {
		f(&cfg)
	}
	r.pipe, err = NewPipeline(cfg, Deps{
		Engine:    r.engine,
		Retriever: r.mem,
		Generator: r.gen,
		Modes:     modes,
		Net:       r.net,
		Turns:     r.turns,
	})
	require.NoError(t, err)
	r.core = NewCore(r.pipe, NewPool(4), nil, nil)
	return r
}

func steps(resp *Response) []Step {
	out := make([]Step, len(resp.Trace))
	for i, e := range resp.Trace {
		out[i] = e.Step
	}
	return out
}

func TestExecuteTurn_FullMode(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	require.NoError(t, r.mem.Remember(ctx, "bob", "Bob's sister is called Ana"))
	r.gen.set("Your sister is Ana.\n\n\n\nAnything else?", nil)

	resp, err := r.core.ExecuteTurn(ctx, "bob", "what is my sister called?")
	require.NoError(t, err)

	assert.Equal(t, "Your sister is Ana.\n\nAnything else?", resp.Text)
	assert.Equal(t, degradation.ModeFull, resp.Mode)
	assert.Equal(t, "fake", resp.Provider)
	assert.Equal(t, 1, resp.Memories)
	assert.False(t, resp.Degraded)
	assert.Nil(t, resp.Action)
	assert.Equal(t, []Step{
		StepReceived, StepPerceived, StepRetrieved, StepGenerated, StepFiltered,
		StepSynthesized, StepActSkipped, StepStateUpdated, StepLogged, StepReturned,
	}, steps(resp))
	assert.Contains(t, r.gen.lastReq.SystemPrompt, "Ana")
	assert.Contains(t, r.gen.lastReq.SystemPrompt, "Posture: peer")
	assert.False(t, r.gen.lastOpts.LocalOnly)

	turns, err := r.turns.Recent(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, resp.TurnID, turns[0].ID)
	assert.Equal(t, "full", turns[0].Mode)
	assert.Equal(t, StepReceived, turns[0].Trace[0].Step)

	assert.Equal(t, 2, r.mem.Len("bob"), "input is remembered")
}

func TestExecuteTurn_AmnesiaSkipsRetrieval(t *testing.T) {
	mcfg := degradation.DefaultConfig()
	mcfg.FailureThreshold = 3
	monitor := degradation.NewMonitor(mcfg)
	var probes atomic.Int32
	require.NoError(t, monitor.Register(degradation.Dependency{
		Name: "vectors", Role: degradation.RoleMemory,
		Probe: func(context.Context) error {
			probes.Add(1)
			return errors.New("vector store unreachable")
		},
	}))
	require.NoError(t, monitor.Register(degradation.Dependency{Name: degradation.ProvidersDependency, Role: degradation.RoleGeneration}))

	r := newRig(t, monitor)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, monitor.ProbeOnce(ctx))
	}
	assert.Equal(t, degradation.ModeFull, monitor.Mode())
	require.NoError(t, monitor.ProbeOnce(ctx))
	require.Equal(t, degradation.ModeAmnesia, monitor.Mode())
	assert.EqualValues(t, 3, probes.Load())

	resp, err := r.core.ExecuteTurn(ctx, "bob", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "Sure.", resp.Text)
	assert.Equal(t, degradation.ModeAmnesia, resp.Mode)
	assert.Contains(t, steps(resp), StepRetrievalSkipped)
	assert.NotContains(t, steps(resp), StepRetrieved)
	assert.EqualValues(t, 0, r.mem.calls.Load())
	assert.Equal(t, 0, r.mem.Len("bob"), "nothing is remembered in amnesia")
}

func TestExecuteTurn_RetrieverErrorIsSkipped(t *testing.T) {
	r := newRig(t, nil)
	r.mem.err = errors.New("timeout")

	resp, err := r.core.ExecuteTurn(context.Background(), "bob", "hello there")
	require.NoError(t, err)
	require.Contains(t, steps(resp), StepRetrievalSkipped)
	for _, e := range resp.Trace {
		if e.Step == StepRetrievalSkipped {
			assert.Contains(t, e.Note, "timeout")
		}
	}
}

func TestExecuteTurn_ActsAndRollsBack(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.gen.set(`Saved. <tool>write_resource</tool><params>{"id":"notes/todo","content":"buy milk"}</params>`, nil)

	resp, err := r.core.ExecuteTurn(ctx, "alice", "please save buy milk to my todo note")
	require.NoError(t, err)
	require.NotNil(t, resp.Action)
	assert.True(t, resp.Action.Succeeded())
	assert.NotEmpty(t, resp.Action.SnapshotID)
	assert.Equal(t, "Saved.", resp.Text)
	assert.Contains(t, steps(resp), StepActed)

	res, err := r.store.Read(ctx, "notes/todo")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", string(res.Content))

	trustBefore := r.core.AffectiveState("alice").Trust
	rb, err := r.core.RollbackAction(ctx, resp.Action.ActionID, "wrong note")
	require.NoError(t, err)
	assert.Less(t, rb.Trust, trustBefore)

	_, err = r.store.Read(ctx, "notes/todo")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	turns, err := r.turns.Recent(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, resp.Action.ActionID, turns[0].ActionID)
}

func TestExecuteTurn_PermissionDeniedAbortsCleanly(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.gen.set(`<tool>write_resource</tool><params>{"id":"x","content":"y"}</params>`, nil)
	before := r.core.AffectiveState("eve")

	_, err := r.core.ExecuteTurn(ctx, "eve", "thanks, write it please")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrPermissionDenied)

	assert.Equal(t, before, r.core.AffectiveState("eve"))
	assert.Empty(t, r.engine.History("eve"))
	turns, err := r.turns.Recent(ctx, "eve", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
	actions, err := r.core.RecentActions(ctx, "eve", 10)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestExecuteTurn_ExhaustionIsDegradedResponse(t *testing.T) {
	r := newRig(t, nil)
	r.gen.set("", faults.New(faults.KindAllProvidersExhausted, "router.generate", "3 of 3 providers tried"))

	resp, err := r.core.ExecuteTurn(context.Background(), "bob", "thanks a lot")
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, DefaultConfig().DegradedResponse, resp.Text)
	assert.Nil(t, resp.Action)
	assert.NotContains(t, steps(resp), StepStateUpdated)
	assert.Empty(t, r.engine.History("bob"))

	turns, err := r.turns.Recent(context.Background(), "bob", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Degraded)
}

func TestExecuteTurn_DeadModeShortCircuits(t *testing.T) {
	r := newRig(t, nil)
	r.mode.set(degradation.ModeDead)

	resp, err := r.core.ExecuteTurn(context.Background(), "alice", "write my note")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SafeResponse, resp.Text)
	assert.True(t, resp.Degraded)
	assert.Equal(t, 0, r.gen.Calls())
	assert.Equal(t, []Step{
		StepReceived, StepPerceived, StepRetrievalSkipped, StepGenerated,
		StepActSkipped, StepLogged, StepReturned,
	}, steps(resp))

	_, err = r.core.RollbackAction(context.Background(), "any", "x")
	assert.ErrorIs(t, err, faults.ErrSystemDegraded)
}

func TestExecuteTurn_OfflineUsesLocalOnly(t *testing.T) {
	r := newRig(t, nil)
	r.mode.set(degradation.ModeOffline)

	_, err := r.core.ExecuteTurn(context.Background(), "bob", "hi")
	require.NoError(t, err)
	assert.True(t, r.gen.lastOpts.LocalOnly)
}

func TestExecuteTurn_CancelledPersistsNothing(t *testing.T) {
	r := newRig(t, nil)
	r.gen.set(`<tool>write_resource</tool><params>{"id":"x","content":"y"}</params>`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.pipe.Execute(ctx, TurnRequest{ActorID: "alice", Input: "write it"})
	assert.ErrorIs(t, err, faults.ErrCancelled)

	_, err = r.store.Read(context.Background(), "x")
	assert.ErrorIs(t, err, faults.ErrNotFound)
	turns, err := r.turns.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Empty(t, r.engine.History("alice"))
}

func TestExecuteTurn_ObjectionOffersRollback(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.gen.set(`<tool>write_resource</tool><params>{"id":"notes/a","content":"v1"}</params>`, nil)
	first, err := r.core.ExecuteTurn(ctx, "alice", "save v1")
	require.NoError(t, err)
	require.NotNil(t, first.Action)

	r.gen.set("Sorry about that.", nil)
	resp, err := r.core.ExecuteTurn(ctx, "alice", "no, that's wrong, undo it")
	require.NoError(t, err)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, first.Action.ActionID, resp.Offer.ActionID)
	assert.Less(t, resp.State.Trust, first.State.Trust)
}

func TestExecuteTurn_UnknownToolIgnored(t *testing.T) {
	r := newRig(t, nil)
	r.gen.set(`Done <tool>launch_rockets</tool><params>{}</params>`, nil)

	resp, err := r.core.ExecuteTurn(context.Background(), "alice", "go")
	require.NoError(t, err)
	assert.Nil(t, resp.Action)
	assert.Equal(t, "Done", resp.Text)
	assert.Contains(t, steps(resp), StepActSkipped)
}

func TestExecuteTurn_InvalidInput(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.core.ExecuteTurn(context.Background(), " ", "hi")
	assert.ErrorIs(t, err, faults.ErrInvalidInput)
	_, err = r.core.ExecuteTurn(context.Background(), "bob", "")
	assert.ErrorIs(t, err, faults.ErrInvalidInput)
}

func TestExecuteTurn_PerceptionUpdatesState(t *testing.T) {
	r := newRig(t, nil)
	before := r.core.AffectiveState("bob")

	resp, err := r.core.ExecuteTurn(context.Background(), "bob", "thank you, that's perfect")
	require.NoError(t, err)
	assert.Greater(t, resp.State.Warmth, before.Warmth)
	assert.Len(t, r.engine.History("bob"), 1)
}

func TestExecuteBatch(t *testing.T) {
	r := newRig(t, nil)
	reqs := []TurnRequest{
		{ActorID: "a", Input: "one"},
		{ActorID: "b", Input: "two"},
		{ActorID: "", Input: "bad"},
		{ActorID: "c", Input: "three"},
	}
	results := r.core.ExecuteBatch(context.Background(), reqs)
	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, reqs[i], res.Request)
		if i == 2 {
			assert.ErrorIs(t, res.Err, faults.ErrInvalidInput)
			continue
		}
		require.NoError(t, res.Err)
		assert.Equal(t, reqs[i].ActorID, res.Response.ActorID)
	}
}

// gatedGen holds its first call until release is closed.
type gatedGen struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGen) Generate(ctx context.Context, req *llm.ChatRequest, opts router.GenerateOptions) (*router.Response, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, faults.Cancelled("gated.generate", ctx.Err())
		}
	}
	return &router.Response{ChatResponse: llm.ChatResponse{Content: "ok", Provider: "gated"}, Attempts: 1}, nil
}

func TestExecuteBatch_IndependentBatches(t *testing.T) {
	gen := &gatedGen{entered: make(chan struct{}), release: make(chan struct{})}
	pipe, err := NewPipeline(DefaultConfig(), Deps{
		Engine:    affect.NewEngine(affect.DefaultConfig()),
		Generator: gen,
		Modes:     &fixedMode{},
	})
	require.NoError(t, err)
	core := NewCore(pipe, NewPool(4), nil, nil)
	ctx := context.Background()

	slow := make(chan []BatchResult, 1)
	go func() { slow <- core.ExecuteBatch(ctx, []TurnRequest{{ActorID: "a", Input: "first"}}) }()
	<-gen.entered

	fast := make(chan []BatchResult, 1)
	go func() { fast <- core.ExecuteBatch(ctx, []TurnRequest{{ActorID: "b", Input: "second"}}) }()

	select {
	case res := <-fast:
		require.Len(t, res, 1)
		require.NoError(t, res[0].Err)
		assert.Equal(t, "b", res[0].Response.ActorID)
	case <-time.After(2 * time.Second):
		t.Fatal("second batch waited on the first batch's turns")
	}

	close(gen.release)
	res := <-slow
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, faults.ErrInvalidInput)

	cfg := DefaultConfig()
	cfg.ActorTiers = map[string]safety.TrustTier{"x": 9}
	_, err = NewPipeline(cfg, Deps{Engine: affect.NewEngine(affect.DefaultConfig()), Generator: &fakeGen{}, Modes: &fixedMode{}})
	assert.ErrorIs(t, err, faults.ErrInvalidInput)
}
