package resource

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/faults"
)

// SQLiteStore is a Store backed by the shared SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store on an open database.
func NewSQLiteStore(db *data.DB) *SQLiteStore {
	log.Debug().Msg("resource store initialized")
	return &SQLiteStore{db: db.SQL(), now: time.Now}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type row struct {
	content []byte
	version int64
	deleted bool
	updated int64
}

func getRow(ctx context.Context, q queryer, id string) (*row, error) {
	var r row
	var deleted int
	err := q.QueryRowContext(ctx,
		`SELECT content, version, deleted, updated_at FROM resources WHERE id = ?`, id,
	).Scan(&r.content, &r.version, &deleted, &r.updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query resource %s: %w", id, err)
	}
	r.deleted = deleted != 0
	return &r, nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) (*Resource, error) {
	r, err := getRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if r == nil || r.deleted {
		return nil, faults.Errorf(faults.KindNotFound, "resource.read", "resource %q not found", id)
	}
	return &Resource{ID: id, Content: r.content, Version: r.version, UpdatedAt: time.UnixMilli(r.updated)}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, id string, content []byte) (int64, error) {
	if id == "" {
		return 0, faults.New(faults.KindInvalidInput, "resource.write", "empty resource id")
	}
	return write(ctx, s.db, id, content, s.now())
}

func write(ctx context.Context, q queryer, id string, content []byte, now time.Time) (int64, error) {
	if content == nil {
		content = []byte{}
	}
	var version int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO resources (id, content, version, deleted, updated_at)
		VALUES (?, ?, 1, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			version = resources.version + 1,
			deleted = 0,
			updated_at = excluded.updated_at
		RETURNING version`,
		id, content, now.UnixMilli(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("write resource %s: %w", id, err)
	}
	return version, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (int64, error) {
	r, err := getRow(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	if r == nil || r.deleted {
		return 0, faults.Errorf(faults.KindNotFound, "resource.delete", "resource %q not found", id)
	}
	return tombstone(ctx, s.db, id, s.now())
}

func tombstone(ctx context.Context, q queryer, id string, now time.Time) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `
		UPDATE resources SET content = NULL, deleted = 1, version = version + 1, updated_at = ?
		WHERE id = ?
		RETURNING version`,
		now.UnixMilli(), id,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("delete resource %s: %w", id, err)
	}
	return version, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, version, updated_at FROM resources
		WHERE deleted = 0 AND substr(id, 1, ?) = ?
		ORDER BY id`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		var updated int64
		if err := rows.Scan(&r.ID, &r.Content, &r.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Versions(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for _, id := range normalizeIDs(ids) {
		r, err := getRow(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out[id] = r.version
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, ids []string) (string, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return "", faults.New(faults.KindInvalidInput, "resource.snapshot", "no resources to snapshot")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	items := make([]snapshotItem, 0, len(ids))
	for _, id := range ids {
		r, err := getRow(ctx, tx, id)
		if err != nil {
			return "", err
		}
		it := snapshotItem{ID: id}
		if r != nil && !r.deleted {
			it.Existed = true
			it.Content = r.content
			if it.Content == nil {
				it.Content = []byte{}
			}
		}
		items = append(items, it)
	}

	snapID := snapshotID(items)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshots (id, created_at) VALUES (?, ?)`,
		snapID, s.now().UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	for _, it := range items {
		existed := 0
		if it.Existed {
			existed = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO snapshot_items (snapshot_id, resource_id, existed, content) VALUES (?, ?, ?, ?)`,
			snapID, it.ID, existed, it.Content,
		); err != nil {
			return "", fmt.Errorf("insert snapshot item %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return snapID, nil
}

func (s *SQLiteStore) Restore(ctx context.Context, snapshotID string) (map[string]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT resource_id, existed, content FROM snapshot_items WHERE snapshot_id = ? ORDER BY resource_id`,
		snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var items []snapshotItem
	for rows.Next() {
		var it snapshotItem
		var existed int
		if err := rows.Scan(&it.ID, &existed, &it.Content); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan snapshot item: %w", err)
		}
		it.Existed = existed != 0
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, faults.Errorf(faults.KindNotFound, "resource.restore", "snapshot %q not found", snapshotID)
	}

	now := s.now()
	versions := make(map[string]int64, len(items))
	for _, it := range items {
		cur, err := getRow(ctx, tx, it.ID)
		if err != nil {
			return nil, err
		}
		live := cur != nil && !cur.deleted

		switch {
		case it.Existed && live && bytes.Equal(cur.content, it.Content):
			versions[it.ID] = cur.version
		case it.Existed:
			v, err := write(ctx, tx, it.ID, it.Content, now)
			if err != nil {
				return nil, err
			}
			versions[it.ID] = v
		case live:
			v, err := tombstone(ctx, tx, it.ID, now)
			if err != nil {
				return nil, err
			}
			versions[it.ID] = v
		case cur != nil:
			versions[it.ID] = cur.version
		default:
			versions[it.ID] = 0
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit restore: %w", err)
	}
	log.Debug().Str("snapshot", snapshotID).Int("resources", len(items)).Msg("snapshot restored")
	return versions, nil
}

func (s *SQLiteStore) HasSnapshot(ctx context.Context, snapshotID string) (bool, error) {
	if !strings.HasPrefix(snapshotID, SnapshotPrefix) {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE id = ?`, snapshotID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snapshot: %w", err)
	}
	return n > 0, nil
}
