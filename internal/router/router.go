// Package router walks an ordered list of language model providers with
// per-provider circuit breakers, bounded retries and a response cache for
// offline operation.
package router

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/normanking/cortexcore/internal/faults"
	"github.com/normanking/cortexcore/internal/llm"
	"github.com/normanking/cortexcore/internal/metrics"
)

// Outcome is the result of one attempt against one provider.
type Outcome int

const (
	// OutcomeOK means the provider answered.
	OutcomeOK Outcome = iota
	// OutcomeRetry means the failure was transient and the same provider may
	// be tried again.
	OutcomeRetry
	// OutcomeExhausted means this provider is done for the request.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Config controls retries and circuit breaking.
type Config struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CacheSize        int           `mapstructure:"cache_size" yaml:"cache_size"`
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		BaseBackoff:      200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		CallTimeout:      60 * time.Second,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		CacheSize:        256,
	}
}

// Observer is told about request-level provider outcomes.
type Observer interface {
	ProvidersExhausted()
	ProviderSucceeded()
}

// Entry is one provider in the fallback order.
type Entry struct {
	Provider llm.Provider
	Local    bool
}

// GenerateOptions narrows a single request.
type GenerateOptions struct {
	// LocalOnly restricts the walk to local providers and consults the
	// response cache first.
	LocalOnly bool
}

// Response is a generated answer plus routing details.
type Response struct {
	llm.ChatResponse
	Attempts int  `json:"attempts"`
	Cached   bool `json:"cached"`
}

type slot struct {
	provider llm.Provider
	local    bool
	breaker  *breaker
}

// Router falls back across providers in a fixed order.
type Router struct {
	cfg       Config
	slots     []*slot
	byName    map[string]*slot
	cache     *lru.Cache[string, llm.ChatResponse]
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	observers []Observer // fixed after New
}

// Option configures a Router.
type Option func(*Router)

// WithObserver registers an observer for exhaustion and success.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observers = append(r.observers, o) }
}

// WithMetrics records provider calls and circuit states.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = mx }
}

// WithClock overrides time.Now for circuit cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router over entries in the given order.
func New(cfg Config, entries []Entry, opts ...Option) (*Router, error) {
	if len(entries) == 0 {
		return nil, faults.New(faults.KindInvalidInput, "router.new", "no providers configured")
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	r := &Router{
		cfg:    cfg,
		byName: make(map[string]*slot, len(entries)),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}

	cache, err := lru.New[string, llm.ChatResponse](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	r.cache = cache

	for _, e := range entries {
		if e.Provider == nil {
			return nil, faults.New(faults.KindInvalidInput, "router.new", "nil provider")
		}
		name := e.Provider.Name()
		if _, dup := r.byName[name]; dup {
			return nil, faults.Errorf(faults.KindInvalidInput, "router.new", "duplicate provider %q", name)
		}
		s := &slot{
			provider: e.Provider,
			local:    e.Local,
			breaker: &breaker{
				name:      name,
				threshold: cfg.FailureThreshold,
				cooldown:  cfg.Cooldown,
				now:       r.now,
				onChange:  r.circuitChanged,
			},
		}
		r.slots = append(r.slots, s)
		r.byName[name] = s
		r.metrics.SetCircuitState(name, int(CircuitClosed))
	}
	return r, nil
}

// FromConfigs builds providers with llm.New and wraps them in a router.
func FromConfigs(cfg Config, pcs []llm.ProviderConfig, opts ...Option) (*Router, error) {
	entries := make([]Entry, 0, len(pcs))
	for _, pc := range pcs {
		p, err := llm.New(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		entries = append(entries, Entry{Provider: p, Local: pc.Local})
	}
	return New(cfg, entries, opts...)
}

// Generate walks the provider order until one answers.
func (r *Router) Generate(ctx context.Context, req *llm.ChatRequest, opts GenerateOptions) (*Response, error) {
	const op = "router.generate"
	if req == nil || len(req.Messages) == 0 {
		return nil, faults.New(faults.KindInvalidInput, op, "request has no messages")
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.Cancelled(op, err)
	}

	key := cacheKey(req)
	if opts.LocalOnly {
		if cached, ok := r.cache.Get(key); ok {
			r.metrics.IncCacheHit()
			log.Debug().Str("provider", cached.Provider).Msg("Serving cached response in local-only mode")
			return &Response{ChatResponse: cached, Cached: true}, nil
		}
	}

	attempts := 0
	tried := 0
	for _, s := range r.slots {
		if opts.LocalOnly && !s.local {
			continue
		}
		allowed, trial := s.breaker.allow()
		if !allowed {
			log.Debug().Str("provider", s.provider.Name()).Msg("Circuit open, skipping provider")
			continue
		}
		tried++

		resp, n, err := r.tryProvider(ctx, s, req, trial)
		attempts += n
		if err != nil {
			s.breaker.release(trial)
			return nil, err
		}
		if resp == nil {
			continue
		}

		s.breaker.recordSuccess()
		r.cache.Add(key, *resp)
		if !opts.LocalOnly {
			r.notify(Observer.ProviderSucceeded)
		}
		return &Response{ChatResponse: *resp, Attempts: attempts}, nil
	}

	r.metrics.IncExhausted()
	r.notify(Observer.ProvidersExhausted)
	log.Warn().
		Int("tried", tried).
		Int("attempts", attempts).
		Bool("local_only", opts.LocalOnly).
		Msg("All providers exhausted")
	return nil, faults.Errorf(faults.KindAllProvidersExhausted, op,
		"%d of %d providers tried, %d attempts", tried, len(r.slots), attempts)
}

// tryProvider runs the retry loop against one provider. It returns a nil
// response with a nil error when the provider is exhausted, and an error
// only for caller cancellation.
func (r *Router) tryProvider(ctx context.Context, s *slot, req *llm.ChatRequest, trial bool) (*llm.ChatResponse, int, error) {
	name := s.provider.Name()
	limit := 1 + r.cfg.MaxRetries
	if trial {
		limit = 1
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		if i > 0 {
			if err := r.sleep(ctx, r.backoff(i)); err != nil {
				return nil, i, faults.Cancelled("router.generate", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		start := time.Now()
		resp, err := s.provider.Chat(callCtx, req)
		cancel()

		if ctx.Err() != nil {
			return nil, i + 1, faults.Cancelled("router.generate", ctx.Err())
		}

		outcome := classify(err)
		r.metrics.ObserveProviderCall(name, outcome.String(), time.Since(start))

		switch outcome {
		case OutcomeOK:
			if resp.Provider == "" {
				resp.Provider = name
			}
			return resp, i + 1, nil
		case OutcomeRetry:
			lastErr = err
			log.Debug().Err(err).Str("provider", name).Int("attempt", i+1).Msg("Transient provider error")
		case OutcomeExhausted:
			s.breaker.recordFailure(err)
			log.Warn().Err(err).Str("provider", name).Msg("Permanent provider error")
			return nil, i + 1, nil
		}
	}

	s.breaker.recordFailure(lastErr)
	log.Warn().Err(lastErr).Str("provider", name).Int("attempts", limit).Msg("Provider retries exhausted")
	return nil, limit, nil
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case llm.IsTransient(err):
		return OutcomeRetry
	default:
		return OutcomeExhausted
	}
}

// backoff returns the delay before retry n (n >= 1).
func (r *Router) backoff(n int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Router) notify(fn func(Observer)) {
	for _, o := range r.observers {
		fn(o)
	}
}

func (r *Router) circuitChanged(name string, from, to CircuitState) {
	r.metrics.SetCircuitState(name, int(to))
	ev := log.Info()
	if to == CircuitOpen {
		ev = log.Warn()
	}
	ev.Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit state changed")
}

// Health reports every provider in configured order.
func (r *Router) Health() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.breaker.health(s.local))
	}
	return out
}

// Reset closes a provider's circuit and clears its failure count.
func (r *Router) Reset(name string) error {
	s, ok := r.byName[name]
	if !ok {
		return faults.Errorf(faults.KindNotFound, "router.reset", "unknown provider %q", name)
	}
	s.breaker.reset()
	log.Info().Str("provider", name).Msg("Provider circuit reset")
	return nil
}

// Probe reports whether any provider could take a request right now.
// It reads circuit state only and never calls a provider.
func (r *Router) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range r.slots {
		if s.breaker.usable() {
			return nil
		}
	}
	return faults.New(faults.KindAllProvidersExhausted, "router.probe", "every circuit is open")
}

// cacheKey hashes the prompt-bearing parts of a request.
func cacheKey(req *llm.ChatRequest) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(req.SystemPrompt)
	for _, m := range req.Messages {
		write(m.Role)
		write(m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
