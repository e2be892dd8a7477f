package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normanking/cortexcore/internal/data"
)

// TurnRecord is the persisted summary of a turn.
type TurnRecord struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	ActorID   string       `json:"actor_id"`
	Input     string       `json:"input"`
	Response  string       `json:"response"`
	Mode      string       `json:"mode"`
	Posture   string       `json:"posture"`
	Provider  string       `json:"provider,omitempty"`
	Degraded  bool         `json:"degraded"`
	ActionID  string       `json:"action_id,omitempty"`
	Trace     []TraceEntry `json:"trace,omitempty"`
}

// TurnLog persists completed turns.
type TurnLog interface {
	Append(ctx context.Context, r TurnRecord) error
	Recent(ctx context.Context, actorID string, limit int) ([]TurnRecord, error)
}

// SQLiteTurnLog writes to the turn_log table.
type SQLiteTurnLog struct {
	db *sql.DB
}

// NewSQLiteTurnLog creates a turn log on an open database.
func NewSQLiteTurnLog(db *data.DB) *SQLiteTurnLog {
	return &SQLiteTurnLog{db: db.SQL()}
}

func (l *SQLiteTurnLog) Append(ctx context.Context, r TurnRecord) error {
	trace, err := json.Marshal(r.Trace)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	degraded := 0
	if r.Degraded {
		degraded = 1
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO turn_log (id, created_at, actor_id, input, response, mode, posture, provider, degraded, action_id, trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UnixMilli(), r.ActorID, r.Input, r.Response, r.Mode, r.Posture,
		r.Provider, degraded, r.ActionID, string(trace),
	)
	if err != nil {
		return fmt.Errorf("append turn log: %w", err)
	}
	return nil
}

// traceRow mirrors TraceEntry with the step stored by name.
type traceRow struct {
	Step     string        `json:"step"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Note     string        `json:"note,omitempty"`
}

func (l *SQLiteTurnLog) Recent(ctx context.Context, actorID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, created_at, actor_id, input, response, mode, posture, provider, degraded, action_id, trace
		FROM turn_log WHERE (? = '' OR actor_id = ?)
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, actorID, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var (
			r        TurnRecord
			created  int64
			degraded int
			trace    string
		)
		if err := rows.Scan(&r.ID, &created, &r.ActorID, &r.Input, &r.Response, &r.Mode, &r.Posture,
			&r.Provider, &degraded, &r.ActionID, &trace); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.Degraded = degraded != 0

		var steps []traceRow
		if err := json.Unmarshal([]byte(trace), &steps); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
		for _, s := range steps {
			r.Trace = append(r.Trace, TraceEntry{Step: parseStep(s.Step), At: s.At, Duration: s.Duration, Note: s.Note})
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseStep(name string) Step {
	for i, n := range stepNames {
		if n == name {
			return Step(i)
		}
	}
	return Step(len(stepNames))
}
