// Package resource provides the versioned resource store mutating actions
// operate on, together with content-addressed snapshots and the per-resource
// locks that serialize snapshot, execution and logging.
package resource

import (
	"context"
	"time"
)

// Resource is one stored item.
type Resource struct {
	ID        string    `json:"id"`
	Content   []byte    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a versioned resource store. Every Write or Delete increments the
// resource's version, including deletes of resources that never existed
// before a snapshot restore recreated them.
type Store interface {
	// Read returns a live resource or a faults.ErrNotFound error.
	Read(ctx context.Context, id string) (*Resource, error)
	// Write creates or replaces a resource and returns its new version.
	Write(ctx context.Context, id string, content []byte) (int64, error)
	// Delete removes a live resource and returns its new version.
	Delete(ctx context.Context, id string) (int64, error)
	// List returns live resources whose ID starts with prefix.
	List(ctx context.Context, prefix string) ([]Resource, error)
	// Versions reports the current version of each id; unknown ids report 0.
	Versions(ctx context.Context, ids []string) (map[string]int64, error)
	// Snapshot captures the current content of ids and returns a
	// content-derived snapshot ID.
	Snapshot(ctx context.Context, ids []string) (string, error)
	// Restore returns every captured resource to its snapshot content and
	// reports the resulting versions.
	Restore(ctx context.Context, snapshotID string) (map[string]int64, error)
	// HasSnapshot reports whether a snapshot exists.
	HasSnapshot(ctx context.Context, snapshotID string) (bool, error)
}
