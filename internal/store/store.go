// Package store persists entities, performance history, linkage edges,
// and raw metric events in SQLite, and implements the atomic
// state-transition commit the contract machine depends on.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	_ "modernc.org/sqlite"

	"github.com/nmoreau/covenant/internal/audit"
	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/valueindex"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	state               TEXT NOT NULL,
	shared_resource     TEXT,
	mint                REAL NOT NULL DEFAULT 0,
	tax                 REAL NOT NULL DEFAULT 0,
	periods_elapsed     INTEGER NOT NULL DEFAULT 0,
	nps_score           REAL,
	retention_rate      REAL,
	engagement_rate     REAL,
	payment_punctuality REAL,
	feedback_sentiment  REAL,
	satisfaction        REAL NOT NULL DEFAULT 0.5,
	v_index             REAL NOT NULL DEFAULT 0,
	risk_score          REAL NOT NULL DEFAULT 0,
	risk_level          TEXT NOT NULL DEFAULT 'LOW',
	metadata            TEXT,
	meta_version        INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_resource ON entities(shared_resource);

CREATE TABLE IF NOT EXISTS performance_deltas (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id  TEXT NOT NULL,
	ts         TEXT NOT NULL,
	category   TEXT NOT NULL,
	delta_m    REAL NOT NULL,
	FOREIGN KEY (entity_id) REFERENCES entities(id)
);
CREATE INDEX IF NOT EXISTS idx_deltas_entity ON performance_deltas(entity_id, ts);

CREATE TABLE IF NOT EXISTS linkage_edges (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	edge_type   TEXT NOT NULL,
	weight      REAL NOT NULL DEFAULT 0.1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE(source_id, target_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_linkage_source ON linkage_edges(source_id);

CREATE TABLE IF NOT EXISTS metric_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id    TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	value        REAL NOT NULL,
	ts           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_events_entity ON metric_events(entity_id, ts);
`

// #endregion schema

// #region store-struct
// Store manages the engine's durable records in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages
// (audit log, policy pipeline).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region create-entity
// CreateEntity inserts a new entity. Missing ID, state, satisfaction,
// and timestamps are filled with onboarding defaults.
func (s *Store) CreateEntity(e Entity) (Entity, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.State == "" {
		e.State = contract.StateIntake
	}
	if e.Satisfaction == 0 {
		e.Satisfaction = 0.5
	}
	if e.RiskLevel == "" {
		e.RiskLevel = risk.LevelLow
	}
	if e.MetaVersion == 0 {
		e.MetaVersion = 1
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return Entity{}, err
	}

	_, err = s.db.Exec(
		`INSERT INTO entities
		 (id, name, state, shared_resource, mint, tax, periods_elapsed,
		  nps_score, retention_rate, engagement_rate, payment_punctuality, feedback_sentiment,
		  satisfaction, v_index, risk_score, risk_level, metadata, meta_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, string(e.State), nullIfEmpty(e.SharedResource), e.Mint, e.Tax, e.PeriodsElapsed,
		e.Factors.NPSScore, e.Factors.RetentionRate, e.Factors.EngagementRate,
		e.Factors.PaymentPunctuality, e.Factors.FeedbackSentiment,
		e.Satisfaction, e.VIndex, e.RiskScore, string(e.RiskLevel), meta, e.MetaVersion,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

// #endregion create-entity

// #region get-entity
const entityColumns = `id, name, state, shared_resource, mint, tax, periods_elapsed,
	nps_score, retention_rate, engagement_rate, payment_punctuality, feedback_sentiment,
	satisfaction, v_index, risk_score, risk_level, metadata, meta_version, created_at, updated_at`

// GetEntity retrieves one entity by ID.
func (s *Store) GetEntity(id string) (Entity, error) {
	row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		return Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

// ListEntities returns all entities ordered by creation time.
func (s *Store) ListEntities() ([]Entity, error) {
	rows, err := s.db.Query(`SELECT ` + entityColumns + ` FROM entities ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion get-entity

// #region save
// SaveInputs persists the raw metric inputs and the satisfaction
// derived from them.
func (s *Store) SaveInputs(e Entity) error {
	_, err := s.db.Exec(
		`UPDATE entities SET mint = ?, tax = ?, periods_elapsed = ?,
		 nps_score = ?, retention_rate = ?, engagement_rate = ?,
		 payment_punctuality = ?, feedback_sentiment = ?,
		 satisfaction = ?, updated_at = ?
		 WHERE id = ?`,
		e.Mint, e.Tax, e.PeriodsElapsed,
		e.Factors.NPSScore, e.Factors.RetentionRate, e.Factors.EngagementRate,
		e.Factors.PaymentPunctuality, e.Factors.FeedbackSentiment,
		e.Satisfaction, time.Now().UTC().Format(time.RFC3339Nano), e.ID,
	)
	if err != nil {
		return fmt.Errorf("save inputs %s: %w", e.ID, err)
	}
	return nil
}

// SaveScores persists the derived value and risk scores.
func (s *Store) SaveScores(id string, vIndex float64, riskScore float64, level risk.Level) error {
	_, err := s.db.Exec(
		`UPDATE entities SET v_index = ?, risk_score = ?, risk_level = ?, updated_at = ? WHERE id = ?`,
		vIndex, riskScore, string(level), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save scores %s: %w", id, err)
	}
	return nil
}

// SaveMetadata replaces the entity's open metadata map and advances its
// schema version.
func (s *Store) SaveMetadata(id string, meta *structpb.Struct, version int) error {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE entities SET metadata = ?, meta_version = ?, updated_at = ? WHERE id = ?`,
		encoded, version, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", id, err)
	}
	return nil
}

// #endregion save

// #region contract-store
// Ref implements contract.EntityStore.
func (s *Store) Ref(id string) (contract.EntityRef, error) {
	var ref contract.EntityRef
	var state string
	var resource sql.NullString
	err := s.db.QueryRow(
		`SELECT id, state, v_index, shared_resource FROM entities WHERE id = ?`, id,
	).Scan(&ref.ID, &state, &ref.VIndex, &resource)
	if err != nil {
		return contract.EntityRef{}, fmt.Errorf("entity ref %s: %w", id, err)
	}
	ref.State = contract.State(state)
	if resource.Valid {
		ref.SharedResource = resource.String
	}
	return ref, nil
}

// LinkedRefs implements contract.EntityStore: entities sharing the
// resource plus linkage-graph neighbors, deduplicated.
func (s *Store) LinkedRefs(resource, excludeID string) ([]contract.EntityRef, error) {
	seen := make(map[string]contract.EntityRef)

	if resource != "" {
		rows, err := s.db.Query(
			`SELECT id, state, v_index, shared_resource FROM entities
			 WHERE shared_resource = ? AND id != ?`, resource, excludeID,
		)
		if err != nil {
			return nil, fmt.Errorf("linked by resource: %w", err)
		}
		if err := collectRefs(rows, seen); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.Query(
		`SELECT e.id, e.state, e.v_index, e.shared_resource
		 FROM linkage_edges l JOIN entities e ON e.id = l.target_id
		 WHERE l.source_id = ?`, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("linked by edges: %w", err)
	}
	if err := collectRefs(rows, seen); err != nil {
		return nil, err
	}

	out := make([]contract.EntityRef, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	return out, nil
}

// CommitTransition implements contract.EntityStore. The state change
// and its decision-log entry land in one transaction; a concurrent
// move is detected by the conditional update and returns ErrStateMoved
// with no mutation.
func (s *Store) CommitTransition(entityID string, from, to contract.State, entry contract.LogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE entities SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), entityID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return contract.ErrStateMoved
	}

	if err := audit.AppendTx(tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

// #endregion contract-store

// #region deltas
// AppendDelta records one performance delta for an entity.
func (s *Store) AppendDelta(entityID string, d risk.PerformanceDelta) error {
	_, err := s.db.Exec(
		`INSERT INTO performance_deltas (entity_id, ts, category, delta_m) VALUES (?, ?, ?, ?)`,
		entityID, d.Timestamp.Format(time.RFC3339Nano), string(d.Category), d.DeltaM,
	)
	if err != nil {
		return fmt.Errorf("append delta %s: %w", entityID, err)
	}
	return nil
}

// ListDeltas returns an entity's performance history in time order.
func (s *Store) ListDeltas(entityID string) ([]risk.PerformanceDelta, error) {
	rows, err := s.db.Query(
		`SELECT ts, category, delta_m FROM performance_deltas WHERE entity_id = ? ORDER BY ts`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deltas %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []risk.PerformanceDelta
	for rows.Next() {
		var d risk.PerformanceDelta
		var ts, category string
		if err := rows.Scan(&ts, &category, &d.DeltaM); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		d.Category = risk.Category(category)
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion deltas

// #region linkage
// AddLinkage inserts an edge between two entities. Existing edges
// (same source, target, type) are left untouched.
func (s *Store) AddLinkage(sourceID, targetID, edgeType string, weight float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO linkage_edges (source_id, target_id, edge_type, weight, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sourceID, targetID, edgeType, weight, now, now,
	)
	if err != nil {
		return fmt.Errorf("add linkage: %w", err)
	}
	return nil
}

// IncrementLinkage strengthens an edge by delta, capped at 1.0,
// creating it when absent.
func (s *Store) IncrementLinkage(sourceID, targetID, edgeType string, delta float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT INTO linkage_edges (source_id, target_id, edge_type, weight, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
		   weight = MIN(1.0, linkage_edges.weight + ?),
		   updated_at = ?`,
		sourceID, targetID, edgeType, delta, now, now,
		delta, now,
	)
	if err != nil {
		return fmt.Errorf("increment linkage: %w", err)
	}
	return nil
}

// Neighbors returns edges from sourceID with weight >= minWeight,
// strongest first.
func (s *Store) Neighbors(sourceID string, minWeight float64) ([]LinkageEdge, error) {
	rows, err := s.db.Query(
		`SELECT id, source_id, target_id, edge_type, weight, created_at, updated_at
		 FROM linkage_edges WHERE source_id = ? AND weight >= ? ORDER BY weight DESC`,
		sourceID, minWeight,
	)
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}
	defer rows.Close()

	var edges []LinkageEdge
	for rows.Next() {
		var e LinkageEdge
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// #endregion linkage

// #region metric-events
// AppendMetricEvent retains one raw feed record for replay.
func (s *Store) AppendMetricEvent(ev MetricEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO metric_events (entity_id, metric_name, value, ts) VALUES (?, ?, ?, ?)`,
		ev.EntityID, ev.MetricName, ev.Value, ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append metric event: %w", err)
	}
	return nil
}

// ListMetricEvents returns all retained feed records in arrival order.
func (s *Store) ListMetricEvents() ([]MetricEvent, error) {
	rows, err := s.db.Query(`SELECT id, entity_id, metric_name, value, ts FROM metric_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list metric events: %w", err)
	}
	defer rows.Close()

	var out []MetricEvent
	for rows.Next() {
		var ev MetricEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.MetricName, &ev.Value, &ts); err != nil {
			return nil, fmt.Errorf("scan metric event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// #endregion metric-events

// #region helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var state, riskLevel, createdAt, updatedAt string
	var resource, meta sql.NullString
	var nps, retention, engagement, punctuality, sentiment sql.NullFloat64

	err := row.Scan(
		&e.ID, &e.Name, &state, &resource, &e.Mint, &e.Tax, &e.PeriodsElapsed,
		&nps, &retention, &engagement, &punctuality, &sentiment,
		&e.Satisfaction, &e.VIndex, &e.RiskScore, &riskLevel, &meta, &e.MetaVersion,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Entity{}, err
	}

	e.State = contract.State(state)
	e.RiskLevel = risk.Level(riskLevel)
	if resource.Valid {
		e.SharedResource = resource.String
	}
	e.Factors = valueindex.Factors{
		NPSScore:           nullFloat(nps),
		RetentionRate:      nullFloat(retention),
		EngagementRate:     nullFloat(engagement),
		PaymentPunctuality: nullFloat(punctuality),
		FeedbackSentiment:  nullFloat(sentiment),
	}
	if meta.Valid {
		m := &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(meta.String), m); err != nil {
			return Entity{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		e.Metadata = m
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return e, nil
}

func collectRefs(rows *sql.Rows, seen map[string]contract.EntityRef) error {
	defer rows.Close()
	for rows.Next() {
		var ref contract.EntityRef
		var state string
		var resource sql.NullString
		if err := rows.Scan(&ref.ID, &state, &ref.VIndex, &resource); err != nil {
			return fmt.Errorf("scan ref: %w", err)
		}
		ref.State = contract.State(state)
		if resource.Valid {
			ref.SharedResource = resource.String
		}
		seen[ref.ID] = ref
	}
	return rows.Err()
}

func encodeMetadata(meta *structpb.Struct) (interface{}, error) {
	if meta == nil {
		return nil, nil
	}
	encoded, err := protojson.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(encoded), nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
