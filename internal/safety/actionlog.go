package safety

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/cortexcore/internal/data"
	"github.com/normanking/cortexcore/internal/faults"
)

// LogEntry is one record of the append-only action log.
type LogEntry struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	ActorID      string           `json:"actor_id"`
	Tool         string           `json:"tool"`
	Args         Args             `json:"args,omitempty"`
	TrustTier    TrustTier        `json:"trust_tier"`
	SnapshotID   string           `json:"snapshot_id,omitempty"`
	Overridden   bool             `json:"overridden"`
	Result       string           `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	RollbackOf   string           `json:"rollback_of,omitempty"`
	Resources    []string         `json:"resources,omitempty"`
	PostVersions map[string]int64 `json:"post_versions,omitempty"`
}

// IsRollback reports whether the entry records a rollback.
func (e *LogEntry) IsRollback() bool { return e.RollbackOf != "" }

// ActionLog is an append-only store of log entries. There is no update or
// delete.
type ActionLog interface {
	Append(ctx context.Context, e LogEntry) error
	Get(ctx context.Context, id string) (*LogEntry, error)
	// RollbackOf returns the rollback entry for actionID, or nil.
	RollbackOf(ctx context.Context, actionID string) (*LogEntry, error)
	// Recent returns up to limit entries, newest first. An empty actorID
	// matches every actor.
	Recent(ctx context.Context, actorID string, limit int) ([]LogEntry, error)
}

// SQLiteLog is an ActionLog in the shared database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates an action log on an open database.
func NewSQLiteLog(db *data.DB) *SQLiteLog {
	return &SQLiteLog{db: db.SQL()}
}

func (l *SQLiteLog) Append(ctx context.Context, e LogEntry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	resources, err := json.Marshal(e.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	versions, err := json.Marshal(e.PostVersions)
	if err != nil {
		return fmt.Errorf("encode versions: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO action_log (
			id, created_at, actor_id, tool, args, trust_tier, snapshot_id,
			overridden, result, error, rollback_of, resources, post_versions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.ActorID, e.Tool, string(args), int(e.TrustTier), e.SnapshotID,
		boolInt(e.Overridden), e.Result, e.Error, e.RollbackOf, string(resources), string(versions),
	)
	if err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

const selectEntry = `
	SELECT id, created_at, actor_id, tool, args, trust_tier, snapshot_id,
	       overridden, result, error, rollback_of, resources, post_versions
	FROM action_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*LogEntry, error) {
	var (
		e                         LogEntry
		created                   int64
		tier, overridden          int
		args, resources, versions string
	)
	if err := s.Scan(&e.ID, &created, &e.ActorID, &e.Tool, &args, &tier, &e.SnapshotID,
		&overridden, &e.Result, &e.Error, &e.RollbackOf, &resources, &versions); err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(created)
	e.TrustTier = TrustTier(tier)
	e.Overridden = overridden != 0
	if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(resources), &e.Resources); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	if err := json.Unmarshal([]byte(versions), &e.PostVersions); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	return &e, nil
}

func (l *SQLiteLog) Get(ctx context.Context, id string) (*LogEntry, error) {
	e, err := scanEntry(l.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.Errorf(faults.KindNotFound, "safety.log", "action %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get action %s: %w", id, err)
	}
	return e, nil
}

func (l *SQLiteLog) RollbackOf(ctx context.Context, actionID string) (*LogEntry, error) {
	e, err := scanEntry(l.db.QueryRowContext(ctx,
		selectEntry+` WHERE rollback_of = ? ORDER BY seq LIMIT 1`, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rollback of %s: %w", actionID, err)
	}
	return e, nil
}

func (l *SQLiteLog) Recent(ctx context.Context, actorID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		selectEntry+` WHERE (? = '' OR actor_id = ?) ORDER BY seq DESC LIMIT ?`,
		actorID, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
