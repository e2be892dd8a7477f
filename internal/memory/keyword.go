package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/normanking/cortexcore/internal/faults"
)

// KeywordConfig tunes the in-process retriever.
type KeywordConfig struct {
	// MaxPerActor caps stored memories per actor; the oldest are evicted.
	MaxPerActor int `mapstructure:"max_per_actor" yaml:"max_per_actor"`
	// MinScore drops weak matches (fraction of query terms present).
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
}

// DefaultKeywordConfig returns defaults sized for a single-node deployment.
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{MaxPerActor: 500, MinScore: 0.2}
}

type entry struct {
	item  Item
	terms map[string]struct{}
}

// KeywordRetriever scores memories by query term overlap.
type KeywordRetriever struct {
	cfg KeywordConfig
	now func() time.Time

	mu     sync.RWMutex
	byActor map[string][]entry
}

// NewKeywordRetriever creates an empty index.
func NewKeywordRetriever(cfg KeywordConfig) *KeywordRetriever {
	def := DefaultKeywordConfig()
	if cfg.MaxPerActor <= 0 {
		cfg.MaxPerActor = def.MaxPerActor
	}
	if cfg.MinScore < 0 {
		cfg.MinScore = 0
	}
	return &KeywordRetriever{cfg: cfg, now: time.Now, byActor: make(map[string][]entry)}
}

// Remember indexes content for actorID.
func (k *KeywordRetriever) Remember(ctx context.Context, actorID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if actorID == "" || content == "" {
		return faults.New(faults.KindInvalidInput, "memory.remember", "actor and content are required")
	}
	e := entry{
		item: Item{
			ID:        uuid.NewString(),
			ActorID:   actorID,
			Content:   content,
			CreatedAt: k.now(),
		},
		terms: termSet(content),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	list := append(k.byActor[actorID], e)
	if over := len(list) - k.cfg.MaxPerActor; over > 0 {
		list = append([]entry(nil), list[over:]...)
	}
	k.byActor[actorID] = list
	return nil
}

// Retrieve returns the best matches for query. Ties go to newer memories.
func (k *KeywordRetriever) Retrieve(ctx context.Context, actorID, query string, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termSet(query)
	if len(q) == 0 || limit <= 0 {
		return nil, nil
	}

	k.mu.RLock()
	list := k.byActor[actorID]
	var hits []Item
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		matched := 0
		for t := range q {
			if _, ok := e.terms[t]; ok {
				matched++
			}
		}
		score := float64(matched) / float64(len(q))
		if matched == 0 || score < k.cfg.MinScore {
			continue
		}
		it := e.item
		it.Score = score
		hits = append(hits, it)
	}
	k.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Health always succeeds for the in-process index.
func (k *KeywordRetriever) Health(ctx context.Context) error {
	return ctx.Err()
}

// Len returns how many memories actorID has.
func (k *KeywordRetriever) Len(actorID string) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byActor[actorID])
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "is": {}, "are": {}, "to": {},
	"of": {}, "in": {}, "on": {}, "for": {}, "it": {}, "i": {}, "you": {}, "me": {},
	"my": {}, "we": {}, "be": {}, "do": {}, "with": {}, "this": {}, "that": {},
}

func termSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
