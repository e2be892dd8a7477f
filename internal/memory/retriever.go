// Package memory defines the long-term memory contract the pipeline reads
// from, plus two implementations: an in-process keyword index and a client
// for a remote retrieval service.
package memory

import (
	"context"
	"time"
)

// Item is one retrieved memory.
type Item struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Retriever looks up memories relevant to a query.
type Retriever interface {
	// Retrieve returns at most limit items for actorID, best first.
	Retrieve(ctx context.Context, actorID, query string, limit int) ([]Item, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error
}

// Writer stores new memories. Retrievers that also learn from turns
// implement it.
type Writer interface {
	Remember(ctx context.Context, actorID, content string) error
}
