package safety

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/degradation"
	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/resource"
)

type fixedMode struct{ mode degradation.Mode }

func (f *fixedMode) Mode() degradation.Mode { return f.mode }

type harness struct {
	net    *Net
	store  *resource.SQLiteStore
	log    *SQLiteLog
	locker *resource.MemLocker
	affect *affect.Engine
	mode   *fixedMode
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := data.Open(data.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	caps, err := NewCapabilities(DefaultCapabilities())
	require.NoError(t, err)

	h := &harness{
		store:  resource.NewSQLiteStore(db),
		log:    NewSQLiteLog(db),
		locker: resource.NewMemLocker(),
		affect: affect.NewEngine(affect.DefaultConfig()),
		mode:   &fixedMode{mode: degradation.ModeFull},
	}
	cfg := DefaultConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	opts = append([]Option{WithPenalizer(h.affect), WithModeSource(h.mode)}, opts...)
	h.net = New(cfg, caps, h.store, h.log, h.locker, opts...)
	for _, tool := range ResourceTools(h.store) {
		require.NoError(t, h.net.Register(tool))
	}
	return h
}

func (h *harness) content(t *testing.T, id string) string {
	t.Helper()
	r, err := h.store.Read(context.Background(), id)
	if faults.KindOf(err) == faults.KindNotFound {
		return "<absent>"
	}
	require.NoError(t, err)
	return string(r.Content)
}

func write(id, content string) ActionRequest {
	return ActionRequest{
		ActorID: "alice",
		Tool:    "write_resource",
		Args:    Args{"id": id, "content": content},
		Tier:    TierDelegate,
	}
}

func TestExecute_HardGateDenies(t *testing.T) {
	h := newHarness(t)
	req := write("doc", "x")
	req.Tier = TierAssistant

	_, err := h.net.Execute(context.Background(), req)
	assert.ErrorIs(t, err, faults.ErrPermissionDenied)
	assert.Equal(t, "<absent>", h.content(t, "doc"))

	entries, err := h.log.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_AdvisoryOverride(t *testing.T) {
	h := newHarness(t)
	req := write("doc", "hello")
	req.Tier = TierAdvisor

	res, err := h.net.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Overridden)
	assert.Equal(t, "hello", h.content(t, "doc"))

	entry, err := h.log.Get(context.Background(), res.ActionID)
	require.NoError(t, err)
	assert.True(t, entry.Overridden)
	assert.Equal(t, TierAdvisor, entry.TrustTier)
}

func TestExecute_ReadOnlyHasNoSnapshot(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Write(context.Background(), "doc", []byte("body"))
	require.NoError(t, err)

	res, err := h.net.Execute(context.Background(), ActionRequest{
		ActorID: "alice", Tool: "read_resource", Args: Args{"id": "doc"}, Tier: TierObserver,
	})
	require.NoError(t, err)
	assert.Equal(t, "body", res.Output)
	assert.Empty(t, res.SnapshotID)

	_, err = h.net.Rollback(context.Background(), res.ActionID, "nope")
	assert.ErrorIs(t, err, faults.ErrRollbackFailed)
}

func TestExecute_InvalidRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.net.Execute(context.Background(), ActionRequest{Tool: "format_disk", Tier: TierAutonomous})
	assert.ErrorIs(t, err, faults.ErrInvalidInput)

	_, err = h.net.Execute(context.Background(), ActionRequest{Tool: "write_resource", Args: Args{"id": "x"}, Tier: TierAutonomous})
	assert.ErrorIs(t, err, faults.ErrInvalidInput)

	assert.Error(t, h.net.Register(&readTool{}), "duplicate registration")
	assert.Len(t, h.net.Tools(), 5)
}

func TestExecuteRollback_RestoresSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Write(ctx, "doc", []byte("before"))
	require.NoError(t, err)
	trustBefore := h.affect.State("alice").Trust

	res, err := h.net.Execute(ctx, write("doc", "after"))
	require.NoError(t, err)
	require.NotEmpty(t, res.SnapshotID)
	assert.Nil(t, res.Offer)
	assert.Equal(t, "after", h.content(t, "doc"))

	rb, err := h.net.Rollback(ctx, res.ActionID, "user asked")
	require.NoError(t, err)
	assert.Equal(t, "before", h.content(t, "doc"))
	assert.Equal(t, res.ActionID, rb.ActionID)
	assert.Equal(t, []string{"doc"}, rb.Restored)
	assert.Less(t, rb.Trust, trustBefore)
	assert.InDelta(t, h.affect.State("alice").Trust, rb.Trust, 1e-9)

	entry, err := h.log.Get(ctx, rb.RollbackID)
	require.NoError(t, err)
	assert.Equal(t, res.ActionID, entry.RollbackOf)
	assert.Equal(t, res.SnapshotID, entry.SnapshotID)

	// the original entry is unchanged
	orig, err := h.log.Get(ctx, res.ActionID)
	require.NoError(t, err)
	assert.Empty(t, orig.RollbackOf)
	assert.Equal(t, "after", orig.Args["content"])
}

func TestRollback_Failures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.net.Execute(ctx, write("doc", "v1"))
	require.NoError(t, err)
	rb, err := h.net.Rollback(ctx, res.ActionID, "first")
	require.NoError(t, err)

	_, err = h.net.Rollback(ctx, res.ActionID, "again")
	assert.ErrorIs(t, err, faults.ErrRollbackFailed)

	_, err = h.net.Rollback(ctx, rb.RollbackID, "undo the undo")
	assert.ErrorIs(t, err, faults.ErrRollbackFailed)

	_, err = h.net.Rollback(ctx, "no-such-action", "x")
	assert.ErrorIs(t, err, faults.ErrRollbackFailed)
}

func TestRollback_ExternalModification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.net.Execute(ctx, write("doc", "agent"))
	require.NoError(t, err)

	_, err = h.store.Write(ctx, "doc", []byte("human edit"))
	require.NoError(t, err)

	_, err = h.net.Rollback(ctx, res.ActionID, "oops")
	assert.ErrorIs(t, err, faults.ErrRollbackFailed)
	assert.Equal(t, "human edit", h.content(t, "doc"), "nothing restored over the external change")
}

func TestExecute_SnapshotConflictOnBusyResource(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.locker.Lock(context.Background(), "doc")
	require.NoError(t, err)
	defer unlock()

	_, err = h.net.Execute(context.Background(), write("doc", "x"))
	assert.ErrorIs(t, err, faults.ErrSnapshotConflict)
	assert.Equal(t, "<absent>", h.content(t, "doc"))
}

func TestExecute_CancelledBeforeSnapshotPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.net.Execute(ctx, write("doc", "x"))
	assert.ErrorIs(t, err, faults.ErrCancelled)
	assert.Equal(t, "<absent>", h.content(t, "doc"))

	entries, err := h.log.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_DeadModeDeniesMutation(t *testing.T) {
	h := newHarness(t)
	res, err := h.net.Execute(context.Background(), write("doc", "x"))
	require.NoError(t, err)

	h.mode.mode = degradation.ModeDead
	_, err = h.net.Execute(context.Background(), write("doc", "y"))
	assert.ErrorIs(t, err, faults.ErrSystemDegraded)
	_, err = h.net.Rollback(context.Background(), res.ActionID, "x")
	assert.ErrorIs(t, err, faults.ErrSystemDegraded)
}

func TestExecute_HarmOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// deleting a missing resource fails inside the tool
	res, err := h.net.Execute(ctx, ActionRequest{
		ActorID: "alice", Tool: "delete_resource", Args: Args{"id": "ghost"}, Tier: TierDelegate,
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	require.NotNil(t, res.Offer)
	assert.Contains(t, res.Offer.Reason, "execution failed")

	req := write("doc", "x")
	req.NegativeSignal = true
	res, err = h.net.Execute(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Offer)
	assert.Equal(t, res.ActionID, res.Offer.ActionID)
	assert.Equal(t, res.SnapshotID, res.Offer.SnapshotID)
}

func TestExecute_CustomHarmPredicate(t *testing.T) {
	h := newHarness(t, WithHarmPredicate(func(req ActionRequest, res *ActionResult) (bool, string) {
		return req.Tool == "delete_resource", "deletes are always suspicious"
	}))
	ctx := context.Background()

	res, err := h.net.Execute(ctx, write("doc", "x"))
	require.NoError(t, err)
	assert.Nil(t, res.Offer)

	res, err = h.net.Execute(ctx, ActionRequest{
		ActorID: "alice", Tool: "delete_resource", Args: Args{"id": "doc"}, Tier: TierDelegate,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Offer)
	assert.Equal(t, "deletes are always suspicious", res.Offer.Reason)
}

func TestExecute_ConcurrentSameResourceSerialized(t *testing.T) {
	h := newHarness(t)
	h.net.cfg.LockTimeout = 5 * time.Second
	ctx := context.Background()

	const n = 8
	results := make([]*ActionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.net.Execute(ctx, ActionRequest{
				ActorID: "alice", Tool: "append_resource",
				Args: Args{"id": "journal", "content": fmt.Sprintf("[%d]", i)}, Tier: TierDelegate,
			})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	final := h.content(t, "journal")
	for i := 0; i < n; i++ {
		assert.Contains(t, final, fmt.Sprintf("[%d]", i), "no append was lost")
	}

	// each action snapshotted a distinct prior state
	seen := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		assert.False(t, seen[r.SnapshotID], "snapshot reused across serialized actions")
		seen[r.SnapshotID] = true
	}

	// the last action rolls back to exactly the state after the others
	entries, err := h.log.Recent(ctx, "alice", 1)
	require.NoError(t, err)
	last := entries[0]
	_, err = h.net.Rollback(ctx, last.ID, "undo last")
	require.NoError(t, err)
	assert.Len(t, h.content(t, "journal"), len(final)-len(last.Args["content"].(string)))
}

func TestExecuteRollback_RestoresExactStateProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		ctx := context.Background()
		ids := []string{"a", "b", "c"}

		// random prior state
		for _, id := range ids {
			if rng.Intn(3) > 0 {
				_, err := h.store.Write(ctx, id, []byte(fmt.Sprintf("%s-%d", id, rng.Int())))
				require.NoError(t, err)
			}
		}
		before := map[string]string{}
		for _, id := range ids {
			before[id] = h.content(t, id)
		}

		target := ids[rng.Intn(len(ids))]
		var req ActionRequest
		switch rng.Intn(3) {
		case 0:
			req = write(target, "overwritten")
		case 1:
			req = ActionRequest{ActorID: "alice", Tool: "append_resource", Args: Args{"id": target, "content": "+tail"}, Tier: TierDelegate}
		default:
			req = ActionRequest{ActorID: "alice", Tool: "delete_resource", Args: Args{"id": target}, Tier: TierDelegate}
		}

		res, err := h.net.Execute(ctx, req)
		require.NoError(t, err)
		_, err = h.net.Rollback(ctx, res.ActionID, "property")
		require.NoError(t, err, "round %d tool %s", round, req.Tool)

		for _, id := range ids {
			assert.Equal(t, before[id], h.content(t, id), "round %d resource %s", round, id)
		}
	}
}

type failingLog struct{ ActionLog }

func (failingLog) Append(context.Context, LogEntry) error { return errors.New("disk full") }

func TestExecute_LogFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.net.actions = failingLog{h.log}

	_, err := h.net.Execute(context.Background(), write("doc", "x"))
	assert.ErrorIs(t, err, faults.ErrStepFailed)
}

func TestToolsFor(t *testing.T) {
	h := newHarness(t)
	names := func(tools []Tool) []string {
		var out []string
		for _, tool := range tools {
			out = append(out, tool.Name())
		}
		return out
	}
	assert.Equal(t, []string{"list_resources", "read_resource"}, names(h.net.ToolsFor(TierObserver)))
	assert.Len(t, h.net.ToolsFor(TierAdvisor), 5, "advisory tiers may override")
	assert.Len(t, h.net.ToolsFor(TierAutonomous), 5)
}

func TestLatestOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	offer, err := h.net.LatestOffer(ctx, "alice", "objection")
	require.NoError(t, err)
	assert.Nil(t, offer)

	first, err := h.net.Execute(ctx, write("notes/a", "one"))
	require.NoError(t, err)
	second, err := h.net.Execute(ctx, write("notes/b", "two"))
	require.NoError(t, err)
	_, err = h.net.Execute(ctx, ActionRequest{ActorID: "alice", Tool: "read_resource", Args: Args{"id": "notes/a"}, Tier: TierDelegate})
	require.NoError(t, err)

	offer, err = h.net.LatestOffer(ctx, "alice", "objection")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, second.ActionID, offer.ActionID, "read-only actions are skipped")
	assert.Equal(t, "objection", offer.Reason)

	_, err = h.net.Rollback(ctx, second.ActionID, "undo")
	require.NoError(t, err)
	offer, err = h.net.LatestOffer(ctx, "alice", "objection")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, first.ActionID, offer.ActionID)

	offer, err = h.net.LatestOffer(ctx, "bob", "objection")
	require.NoError(t, err)
	assert.Nil(t, offer)
}
