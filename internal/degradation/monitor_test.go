package degradation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDown = errors.New("connection refused")

func newMonitor(t *testing.T, clock *fakeClock) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.RecoveryThreshold = 2
	cfg.Cooldown = time.Minute
	m := NewMonitor(cfg, WithClock(clock.Now))
	require.NoError(t, m.Register(Dependency{Name: "vectors", Role: RoleMemory}))
	require.NoError(t, m.Register(Dependency{Name: ProvidersDependency, Role: RoleGeneration}))
	return m
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeFull, ModeFor(true, true))
	assert.Equal(t, ModeAmnesia, ModeFor(false, true))
	assert.Equal(t, ModeOffline, ModeFor(true, false))
	assert.Equal(t, ModeDead, ModeFor(false, false))
}

func TestHysteresis_RequiresConsecutiveFailures(t *testing.T) {
	clock := newClock()
	m := newMonitor(t, clock)

	m.Report("vectors", errDown)
	m.Report("vectors", errDown)
	m.Report("vectors", nil) // streak broken
	m.Report("vectors", errDown)
	m.Report("vectors", errDown)
	assert.Equal(t, ModeFull, m.Mode())

	m.Report("vectors", errDown)
	assert.Equal(t, ModeAmnesia, m.Mode())

	h := m.History()
	require.Len(t, h, 1)
	assert.Equal(t, ModeFull, h[0].From)
	assert.Equal(t, ModeAmnesia, h[0].To)
	assert.Contains(t, h[0].Reason, "vectors")
}

func TestHysteresis_FlappingDoesNotThrash(t *testing.T) {
	clock := newClock()
	m := newMonitor(t, clock)

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			m.Report("vectors", errDown)
		} else {
			m.Report("vectors", nil)
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, ModeFull, m.Mode())
	assert.Empty(t, m.History())
}

func TestCooldown_LimitsFlipsPerWindow(t *testing.T) {
	clock := newClock()
	m := newMonitor(t, clock)

	for i := 0; i < 3; i++ {
		m.Report("vectors", errDown)
	}
	require.Equal(t, ModeAmnesia, m.Mode())

	// recovery streak inside the cooldown window is not enough
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		m.Report("vectors", nil)
	}
	assert.Equal(t, ModeAmnesia, m.Mode())

	clock.Advance(time.Minute)
	m.Report("vectors", nil)
	assert.Equal(t, ModeFull, m.Mode())

	assert.Len(t, m.History(), 2)
}

func TestModes_DeadAndOffline(t *testing.T) {
	clock := newClock()
	m := newMonitor(t, clock)

	for i := 0; i < 3; i++ {
		m.ProvidersExhausted()
	}
	assert.Equal(t, ModeOffline, m.Mode())

	for i := 0; i < 3; i++ {
		m.Report("vectors", errDown)
	}
	assert.Equal(t, ModeDead, m.Mode())

	clock.Advance(2 * time.Minute)
	m.ProviderSucceeded()
	m.ProviderSucceeded()
	assert.Equal(t, ModeAmnesia, m.Mode())

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, ProvidersDependency, status[0].Name)
	assert.True(t, status[0].Healthy)
	assert.Equal(t, "vectors", status[1].Name)
	assert.False(t, status[1].Healthy)
	assert.Equal(t, errDown.Error(), status[1].LastError)
}

func TestReport_UnknownDependencyIgnored(t *testing.T) {
	m := newMonitor(t, newClock())
	for i := 0; i < 10; i++ {
		m.Report("nope", errDown)
	}
	assert.Equal(t, ModeFull, m.Mode())
}

func TestRegister_Validation(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	assert.Error(t, m.Register(Dependency{Role: RoleMemory}))
	assert.Error(t, m.Register(Dependency{Name: "x", Role: "bogus"}))
	assert.NoError(t, m.Register(Dependency{Name: "database", Role: RoleStorage}))
}

func TestProbeOnce_ParallelWithTimeout(t *testing.T) {
	clock := newClock()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.ProbeTimeout = 30 * time.Millisecond
	m := NewMonitor(cfg, WithClock(clock.Now))

	var calls atomic.Int32
	require.NoError(t, m.Register(Dependency{Name: "db", Role: RoleMemory, Probe: func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}}))
	require.NoError(t, m.Register(Dependency{Name: "llm", Role: RoleGeneration, Probe: func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done() // hangs until the probe timeout
		return ctx.Err()
	}}))

	start := time.Now()
	require.NoError(t, m.ProbeOnce(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, ModeOffline, m.Mode())
}

func TestProbeOnce_CancelledAppliesNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	m := NewMonitor(cfg)
	require.NoError(t, m.Register(Dependency{Name: "db", Role: RoleMemory, Probe: func(ctx context.Context) error {
		return errDown
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.ProbeOnce(ctx), context.Canceled)
	assert.Equal(t, ModeFull, m.Mode())
}

func TestRun_ProbesUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.FailureThreshold = 2
	m := NewMonitor(cfg)

	var healthy atomic.Bool
	require.NoError(t, m.Register(Dependency{Name: "db", Role: RoleMemory, Probe: func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errDown
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Mode() == ModeAmnesia }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSubscribe(t *testing.T) {
	m := newMonitor(t, newClock())
	ch, cancel := m.Subscribe(4)

	for i := 0; i < 3; i++ {
		m.Report("vectors", errDown)
	}

	select {
	case tr := <-ch:
		assert.Equal(t, ModeAmnesia, tr.To)
	case <-time.After(time.Second):
		t.Fatal("no transition delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMode_ConcurrentReads(t *testing.T) {
	m := newMonitor(t, newClock())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = m.Mode()
			}
		}()
	}
	for i := 0; i < 30; i++ {
		m.Report("vectors", errDown)
	}
	wg.Wait()
	assert.Equal(t, ModeAmnesia, m.Mode())
}

func TestModeJSON(t *testing.T) {
	for m := ModeFull; m <= ModeDead; m++ {
		raw, err := m.MarshalJSON()
		require.NoError(t, err)
		var back Mode
		require.NoError(t, back.UnmarshalJSON(raw))
		assert.Equal(t, m, back)
	}
	_, err := ParseMode("sleepy")
	assert.Error(t, err)
}

func TestStorageRoleDoesNotChangeMode(t *testing.T) {
	clock := newClock()
	m := newMonitor(t, clock)
	require.NoError(t, m.Register(Dependency{Name: "database", Role: RoleStorage}))

	for i := 0; i < 3; i++ {
		m.Report("database", errDown)
	}
	assert.Equal(t, ModeFull, m.Mode())
	assert.Empty(t, m.History())

	for _, st := range m.Status() {
		if st.Name == "database" {
			assert.False(t, st.Healthy)
		}
	}
}
