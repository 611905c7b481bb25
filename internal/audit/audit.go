// Package audit owns the append-only decision log. Committed
// transitions and autonomous policy actions append here; nothing in
// this package (or anywhere else) updates or deletes a row.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nmoreau/covenant/internal/contract"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS decision_log (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	from_state    TEXT NOT NULL,
	to_state      TEXT NOT NULL,
	blast_radius  TEXT NOT NULL,
	approver      TEXT NOT NULL,
	origin        TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_entity ON decision_log(entity_id);
`

// #endregion schema

// #region log
// Log reads the decision log. Appends happen through AppendTx inside
// the store's commit transaction so a state change and its log entry
// land atomically.
type Log struct {
	db *sql.DB
}

// NewLog creates the decision_log table if needed and returns a Log.
func NewLog(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("decision log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// #endregion log

// #region append
// AppendTx inserts one decision-log row inside the caller's
// transaction. The blast-radius snapshot is stored as JSON.
func AppendTx(tx *sql.Tx, e contract.LogEntry) error {
	radius, err := json.Marshal(e.BlastRadius)
	if err != nil {
		return fmt.Errorf("marshal blast radius: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO decision_log (id, entity_id, from_state, to_state, blast_radius, approver, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityID, string(e.FromState), string(e.ToState), string(radius),
		e.Approver, string(e.Origin), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// #endregion append

// #region queries
// ListByEntity returns the newest entries for one entity.
func (l *Log) ListByEntity(entityID string, limit int) ([]contract.LogEntry, error) {
	return l.query(
		`SELECT id, entity_id, from_state, to_state, blast_radius, approver, origin, created_at
		 FROM decision_log WHERE entity_id = ? ORDER BY created_at DESC LIMIT ?`,
		entityID, limit,
	)
}

// Recent returns the newest entries across all entities.
func (l *Log) Recent(limit int) ([]contract.LogEntry, error) {
	return l.query(
		`SELECT id, entity_id, from_state, to_state, blast_radius, approver, origin, created_at
		 FROM decision_log ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
}

// Count returns the total number of committed decisions.
func (l *Log) Count() (int, error) {
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM decision_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

func (l *Log) query(q string, args ...interface{}) ([]contract.LogEntry, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision log: %w", err)
	}
	defer rows.Close()

	var entries []contract.LogEntry
	for rows.Next() {
		var e contract.LogEntry
		var from, to, radius, origin, createdAt string
		if err := rows.Scan(&e.ID, &e.EntityID, &from, &to, &radius, &e.Approver, &origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.FromState = contract.State(from)
		e.ToState = contract.State(to)
		e.Origin = contract.Origin(origin)
		if err := json.Unmarshal([]byte(radius), &e.BlastRadius); err != nil {
			return nil, fmt.Errorf("unmarshal blast radius: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion queries
