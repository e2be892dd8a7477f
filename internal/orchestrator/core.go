package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/router"
	"github.com/normanking/cortexcore/internal/safety"
)

// Core is the surface offered to API, CLI and UI layers.
type Core struct {
	pipeline *Pipeline
	pool     *Pool
	monitor  *degradation.Monitor
	router   *router.Router
}

// NewCore wires a pipeline behind a worker pool. monitor and rt may be nil;
// Health then reports less detail.
func NewCore(p *Pipeline, pool *Pool, monitor *degradation.Monitor, rt *router.Router) *Core {
	if pool == nil {
		pool = NewPool(1)
	}
	return &Core{pipeline: p, pool: pool, monitor: monitor, router: rt}
}

// ExecuteTurn runs one turn for actorID.
func (c *Core) ExecuteTurn(ctx context.Context, actorID, input string) (*Response, error) {
	return c.Execute(ctx, TurnRequest{ActorID: actorID, Input: input})
}

// Execute runs a turn with the full request.
func (c *Core) Execute(ctx context.Context, req TurnRequest) (*Response, error) {
	var resp *Response
	err := c.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.pipeline.Execute(ctx, req)
		return err
	})
	return resp, err
}

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request  TurnRequest `json:"request"`
	Response *Response   `json:"response,omitempty"`
	Err      error       `json:"-"`
}

// ExecuteBatch runs independent requests in parallel through the pool and
// returns results in request order.
func (c *Core) ExecuteBatch(ctx context.Context, reqs []TurnRequest) []BatchResult {
	out := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		out[i].Request = req
		wg.Add(1)
		err := c.pool.Go(ctx, func(ctx context.Context) {
			defer wg.Done()
			out[i].Response, out[i].Err = c.pipeline.Execute(ctx, req)
		})
		if err != nil {
			wg.Done()
			out[i].Err = err
		}
	}
	wg.Wait()
	return out
}

// AffectiveState returns actorID's current state.
func (c *Core) AffectiveState(actorID string) affect.State {
	return c.pipeline.deps.Engine.State(actorID)
}

// AffectiveDrift summarizes how actorID's state moved over its retained
// update history.
func (c *Core) AffectiveDrift(actorID string) affect.Drift {
	return c.pipeline.deps.Engine.Drift(actorID)
}

// RollbackAction undoes a logged action.
func (c *Core) RollbackAction(ctx context.Context, actionID, reason string) (*safety.RollbackResult, error) {
	if c.pipeline.deps.Net == nil {
		return nil, faults.New(faults.KindRollbackFailed, "core.rollback", "no safety net configured")
	}
	if actionID == "" {
		return nil, faults.New(faults.KindInvalidInput, "core.rollback", "action id is required")
	}
	return c.pipeline.deps.Net.Rollback(ctx, actionID, reason)
}

// HealthReport is the health surface.
type HealthReport struct {
	Mode         degradation.Mode               `json:"mode"`
	Dependencies []degradation.DependencyStatus `json:"dependencies,omitempty"`
	Transitions  []degradation.Transition       `json:"transitions,omitempty"`
	Providers    []router.ProviderHealth        `json:"providers,omitempty"`
	Workers      int                            `json:"workers"`
	CheckedAt    time.Time                      `json:"checked_at"`
}

// Mode returns the current degradation mode.
func (c *Core) Mode() degradation.Mode {
	return c.pipeline.deps.Modes.Mode()
}

// Health reports the mode plus dependency and provider detail.
func (c *Core) Health() HealthReport {
	r := HealthReport{Mode: c.Mode(), Workers: c.pool.Size(), CheckedAt: time.Now()}
	if c.monitor != nil {
		r.Dependencies = c.monitor.Status()
		r.Transitions = c.monitor.History()
	}
	if c.router != nil {
		r.Providers = c.router.Health()
	}
	return r
}

// RecentTurns lists logged turns, newest first.
func (c *Core) RecentTurns(ctx context.Context, actorID string, limit int) ([]TurnRecord, error) {
	if c.pipeline.deps.Turns == nil {
		return nil, nil
	}
	return c.pipeline.deps.Turns.Recent(ctx, actorID, limit)
}

// RecentActions lists logged actions, newest first.
func (c *Core) RecentActions(ctx context.Context, actorID string, limit int) ([]safety.LogEntry, error) {
	if c.pipeline.deps.Net == nil {
		return nil, nil
	}
	return c.pipeline.deps.Net.Recent(ctx, actorID, limit)
}

// Subscribe streams mode transitions. It returns a closed channel when no
// monitor is configured.
func (c *Core) Subscribe(buffer int) (<-chan degradation.Transition, func()) {
	if c.monitor == nil {
		ch := make(chan degradation.Transition)
		close(ch)
		return ch, func() {}
	}
	return c.monitor.Subscribe(buffer)
}
