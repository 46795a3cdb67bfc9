// Package store provides persistence backends for the engine package's
// JournalStore, SnapshotStore, LeaseStore and IdempotencyStore interfaces:
// an in-memory implementation for tests, a relational implementation usable
// with either SQLite or MySQL, and a Redis-backed lease store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distflow/corewf/engine"
)

// ErrNotFound is returned by Get-style lookups that find nothing, matching
// the teacher's store.ErrNotFound sentinel.
var ErrNotFound = errors.New("not found")

// SQLStore implements engine.JournalStore, engine.SnapshotStore,
// engine.LeaseStore and engine.IdempotencyStore over database/sql, per the
// canonical relational schema of spec §6. It works unmodified against
// either SQLite (modernc.org/sqlite) or MySQL (go-sql-driver/mysql); the two
// constructors in sqlite.go and mysql.go differ only in connection setup.
type SQLStore struct {
	db *sql.DB
	// insertIgnore is the dialect-specific prefix for an insert that should
	// silently no-op on a primary-key conflict: "INSERT OR IGNORE" for
	// SQLite, "INSERT IGNORE" for MySQL.
	insertIgnore string
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	workflow_id TEXT NOT NULL,
	event_seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	org_id TEXT,
	event_type TEXT NOT NULL,
	payload BLOB,
	timestamp TIMESTAMP,
	schema_version INTEGER,
	producer_version TEXT,
	checksum TEXT NOT NULL,
	PRIMARY KEY (workflow_id, event_seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS events_event_id_uq ON events (event_id);

CREATE TABLE IF NOT EXISTS workflow_leases (
	workflow_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	org_id TEXT,
	acquired_at TIMESTAMP,
	lease_expires_at TIMESTAMP,
	heartbeat_at TIMESTAMP,
	fencing_token INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS step_attempts (
	workflow_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	attempt_id INTEGER NOT NULL,
	fencing_token INTEGER NOT NULL,
	allocated_at TIMESTAMP,
	PRIMARY KEY (workflow_id, step_id, attempt_id)
);

CREATE TABLE IF NOT EXISTS completed_steps (
	workflow_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	attempt_id INTEGER NOT NULL,
	new_state_checksum TEXT,
	completed_at TIMESTAMP,
	PRIMARY KEY (workflow_id, step_id)
);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	org_id TEXT,
	step_number INTEGER,
	last_event_seq INTEGER,
	state_inline BLOB,
	state_external_ref TEXT,
	state_checksum TEXT,
	created_at TIMESTAMP,
	savepoint_ref TEXT
);
CREATE INDEX IF NOT EXISTS snapshots_workflow_seq_idx ON snapshots (workflow_id, last_event_seq DESC);
`

// newSQLStore runs the schema DDL and wraps db. Callers (NewSQLiteStore,
// NewMySQLStore) perform driver-specific connection setup first.
func newSQLStore(ctx context.Context, db *sql.DB, insertIgnore string) (*SQLStore, error) {
	for _, stmt := range splitStatements(schemaDDL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateSchemaObject(err) {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLStore{db: db, insertIgnore: insertIgnore}, nil
}

// isDuplicateSchemaObject reports whether err is a driver error for an
// index/table that already exists. MySQL, unlike SQLite, rejects
// "CREATE INDEX IF NOT EXISTS" outright (error 1061, Duplicate key name) on
// a second run against an existing database; treating it as success keeps
// the same DDL script usable against both engines.
func isDuplicateSchemaObject(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}

func splitStatements(ddl string) []string {
	var stmts []string
	start := 0
	for i := 0; i < len(ddl); i++ {
		if ddl[i] == ';' {
			stmt := ddl[start:i]
			if len(stmt) > 0 {
				stmts = append(stmts, stmt)
			}
			start = i + 1
		}
	}
	return stmts
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Append implements engine.JournalStore.
func (s *SQLStore) Append(ctx context.Context, e engine.Event, fencingToken int64) (engine.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Event{}, engine.ErrJournalWriteError
	}
	defer func() { _ = tx.Rollback() }()

	var storedToken sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT fencing_token FROM workflow_leases WHERE workflow_id = ?`, e.WorkflowID)
	if err := row.Scan(&storedToken); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return engine.Event{}, engine.ErrJournalWriteError
	}
	if storedToken.Valid && storedToken.Int64 != fencingToken {
		return engine.Event{}, engine.ErrFenced
	}

	var maxSeq sql.NullInt64
	row = tx.QueryRowContext(ctx, `SELECT MAX(event_seq) FROM events WHERE workflow_id = ?`, e.WorkflowID)
	if err := row.Scan(&maxSeq); err != nil {
		return engine.Event{}, engine.ErrJournalWriteError
	}
	e.EventSeq = maxSeq.Int64 + 1

	checksum, err := e.ComputeChecksum()
	if err != nil {
		return engine.Event{}, err
	}
	e.Checksum = checksum

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, event_seq, event_id, org_id, event_type, payload, timestamp, schema_version, producer_version, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.EventSeq, e.EventID, e.OrgID, string(e.EventType), []byte(e.Payload), e.Timestamp, e.SchemaVersion, e.ProducerVersion, e.Checksum,
	)
	if err != nil {
		return engine.Event{}, engine.ErrJournalWriteError
	}

	if err := tx.Commit(); err != nil {
		return engine.Event{}, engine.ErrJournalWriteError
	}
	return e, nil
}

// ReadRange implements engine.JournalStore.
func (s *SQLStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]engine.Event, error) {
	query := `SELECT workflow_id, event_seq, event_id, org_id, event_type, payload, timestamp, schema_version, producer_version, checksum
		FROM events WHERE workflow_id = ? AND event_seq >= ?`
	args := []any{workflowID, fromSeq}
	if toSeq > 0 {
		query += ` AND event_seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY event_seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var (
			ev      engine.Event
			payload []byte
			etype   string
		)
		if err := rows.Scan(&ev.WorkflowID, &ev.EventSeq, &ev.EventID, &ev.OrgID, &etype, &payload, &ev.Timestamp, &ev.SchemaVersion, &ev.ProducerVersion, &ev.Checksum); err != nil {
			return nil, err
		}
		ev.EventType = engine.EventType(etype)
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Tail implements engine.JournalStore.
func (s *SQLStore) Tail(ctx context.Context, workflowID string) (int64, error) {
	var maxSeq sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(event_seq) FROM events WHERE workflow_id = ?`, workflowID)
	if err := row.Scan(&maxSeq); err != nil {
		return 0, err
	}
	return maxSeq.Int64, nil
}

// Put implements engine.SnapshotStore.
func (s *SQLStore) Put(ctx context.Context, snap engine.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		s.insertIgnore+` INTO snapshots (snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at, savepoint_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, snap.OrgID, snap.StepNumber, snap.LastEventSeq, snap.StateInline, snap.StateExternalRef, snap.StateChecksum, snap.CreatedAt, snap.SavepointRef,
	)
	if err != nil {
		return engine.ErrSnapshotStorageError
	}
	return nil
}

func scanSnapshot(row interface{ Scan(...any) error }) (engine.Snapshot, error) {
	var snap engine.Snapshot
	var inline []byte
	err := row.Scan(&snap.SnapshotID, &snap.WorkflowID, &snap.OrgID, &snap.StepNumber, &snap.LastEventSeq, &inline, &snap.StateExternalRef, &snap.StateChecksum, &snap.CreatedAt, &snap.SavepointRef)
	snap.StateInline = inline
	return snap, err
}

// Get implements engine.SnapshotStore.
func (s *SQLStore) Get(ctx context.Context, snapshotID string) (engine.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at, savepoint_ref
		 FROM snapshots WHERE snapshot_id = ?`, snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

// GetLatest implements engine.SnapshotStore.
func (s *SQLStore) GetLatest(ctx context.Context, workflowID string, maxSeq int64) (engine.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at, savepoint_ref
		 FROM snapshots WHERE workflow_id = ? AND last_event_seq <= ? ORDER BY last_event_seq DESC LIMIT 1`, workflowID, maxSeq)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

// List implements engine.SnapshotStore.
func (s *SQLStore) List(ctx context.Context, workflowID string) ([]engine.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at, savepoint_ref
		 FROM snapshots WHERE workflow_id = ? ORDER BY last_event_seq DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []engine.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Acquire implements engine.LeaseStore.
func (s *SQLStore) Acquire(ctx context.Context, workflowID, ownerID string, ttl time.Duration) (engine.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var existing engine.Lease
	var expiresAt time.Time
	row := tx.QueryRowContext(ctx, `SELECT owner_id, lease_expires_at, fencing_token FROM workflow_leases WHERE workflow_id = ?`, workflowID)
	err = row.Scan(&existing.OwnerID, &expiresAt, &existing.FencingToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lease := engine.Lease{WorkflowID: workflowID, OwnerID: ownerID, AcquiredAt: now, LeaseExpiresAt: now.Add(ttl), HeartbeatAt: now, FencingToken: 1}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_leases (workflow_id, owner_id, acquired_at, lease_expires_at, heartbeat_at, fencing_token) VALUES (?, ?, ?, ?, ?, ?)`,
			lease.WorkflowID, lease.OwnerID, lease.AcquiredAt, lease.LeaseExpiresAt, lease.HeartbeatAt, lease.FencingToken); err != nil {
			return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
		}
		if err := tx.Commit(); err != nil {
			return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
		}
		return lease, nil
	case err != nil:
		return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
	}

	if now.Before(expiresAt) && existing.OwnerID != ownerID {
		return engine.Lease{}, engine.ErrWorkflowLocked
	}

	newToken := existing.FencingToken + 1
	lease := engine.Lease{WorkflowID: workflowID, OwnerID: ownerID, AcquiredAt: now, LeaseExpiresAt: now.Add(ttl), HeartbeatAt: now, FencingToken: newToken}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_leases SET owner_id = ?, acquired_at = ?, lease_expires_at = ?, heartbeat_at = ?, fencing_token = ? WHERE workflow_id = ?`,
		lease.OwnerID, lease.AcquiredAt, lease.LeaseExpiresAt, lease.HeartbeatAt, lease.FencingToken, workflowID); err != nil {
		return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
	}
	if err := tx.Commit(); err != nil {
		return engine.Lease{}, engine.ErrLeaseAcquisitionFailed
	}
	return lease, nil
}

// Heartbeat implements engine.LeaseStore.
func (s *SQLStore) Heartbeat(ctx context.Context, lease engine.Lease, ttl time.Duration) (engine.Lease, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_leases SET lease_expires_at = ?, heartbeat_at = ? WHERE workflow_id = ? AND owner_id = ? AND fencing_token = ?`,
		now.Add(ttl), now, lease.WorkflowID, lease.OwnerID, lease.FencingToken)
	if err != nil {
		return engine.Lease{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return engine.Lease{}, err
	}
	if n == 0 {
		return engine.Lease{}, engine.ErrFenced
	}
	lease.LeaseExpiresAt = now.Add(ttl)
	lease.HeartbeatAt = now
	return lease, nil
}

// Release implements engine.LeaseStore. It expires the row rather than
// deleting it, so the next Acquire still issues fencing_token + 1.
func (s *SQLStore) Release(ctx context.Context, lease engine.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_leases SET lease_expires_at = ? WHERE workflow_id = ? AND owner_id = ? AND fencing_token = ?`,
		time.Now().UTC(), lease.WorkflowID, lease.OwnerID, lease.FencingToken)
	return err
}

// Get implements engine.LeaseStore.
func (s *SQLStore) Get(ctx context.Context, workflowID string) (engine.Lease, bool, error) {
	lease := engine.Lease{WorkflowID: workflowID}
	row := s.db.QueryRowContext(ctx, `SELECT owner_id, acquired_at, lease_expires_at, heartbeat_at, fencing_token FROM workflow_leases WHERE workflow_id = ?`, workflowID)
	err := row.Scan(&lease.OwnerID, &lease.AcquiredAt, &lease.LeaseExpiresAt, &lease.HeartbeatAt, &lease.FencingToken)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Lease{}, false, nil
	}
	if err != nil {
		return engine.Lease{}, false, err
	}
	return lease, true, nil
}

// CheckCompleted implements engine.IdempotencyStore.
func (s *SQLStore) CheckCompleted(ctx context.Context, workflowID, stepID string) (engine.CompletedStep, bool, error) {
	var cs engine.CompletedStep
	cs.WorkflowID, cs.StepID = workflowID, stepID
	row := s.db.QueryRowContext(ctx, `SELECT attempt_id, new_state_checksum, completed_at FROM completed_steps WHERE workflow_id = ? AND step_id = ?`, workflowID, stepID)
	err := row.Scan(&cs.AttemptID, &cs.NewStateChecksum, &cs.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.CompletedStep{}, false, nil
	}
	if err != nil {
		return engine.CompletedStep{}, false, err
	}
	return cs, true, nil
}

// AllocateAttempt implements engine.IdempotencyStore.
func (s *SQLStore) AllocateAttempt(ctx context.Context, workflowID, stepID string, fencingToken int64) (engine.StepAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.StepAttempt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var storedToken sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT fencing_token FROM workflow_leases WHERE workflow_id = ?`, workflowID)
	if err := row.Scan(&storedToken); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return engine.StepAttempt{}, err
	}
	if storedToken.Valid && storedToken.Int64 != fencingToken {
		return engine.StepAttempt{}, engine.ErrFenced
	}

	var maxAttempt sql.NullInt64
	row = tx.QueryRowContext(ctx, `SELECT MAX(attempt_id) FROM step_attempts WHERE workflow_id = ? AND step_id = ?`, workflowID, stepID)
	if err := row.Scan(&maxAttempt); err != nil {
		return engine.StepAttempt{}, err
	}

	attempt := engine.StepAttempt{
		WorkflowID:   workflowID,
		StepID:       stepID,
		AttemptID:    int(maxAttempt.Int64) + 1,
		FencingToken: fencingToken,
		AllocatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO step_attempts (workflow_id, step_id, attempt_id, fencing_token, allocated_at) VALUES (?, ?, ?, ?, ?)`,
		attempt.WorkflowID, attempt.StepID, attempt.AttemptID, attempt.FencingToken, attempt.AllocatedAt); err != nil {
		return engine.StepAttempt{}, err
	}
	if err := tx.Commit(); err != nil {
		return engine.StepAttempt{}, err
	}
	return attempt, nil
}

// MarkCompleted implements engine.IdempotencyStore. It does not share a
// transaction with the step_completed journal append above it (journal and
// idempotency table are the same *sql.DB here, but two separate statements);
// a crash between them is repaired by Reconcile, per spec §9 "Alternatives
// to shared transactions".
func (s *SQLStore) MarkCompleted(ctx context.Context, attempt engine.StepAttempt, newStateChecksum string) (engine.CompletedStep, error) {
	cs := engine.CompletedStep{
		WorkflowID:       attempt.WorkflowID,
		StepID:           attempt.StepID,
		AttemptID:        attempt.AttemptID,
		NewStateChecksum: newStateChecksum,
		CompletedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.insertIgnore+` INTO completed_steps (workflow_id, step_id, attempt_id, new_state_checksum, completed_at) VALUES (?, ?, ?, ?, ?)`,
		cs.WorkflowID, cs.StepID, cs.AttemptID, cs.NewStateChecksum, cs.CompletedAt)
	if err != nil {
		return engine.CompletedStep{}, err
	}
	return cs, nil
}

// AttemptCount implements engine.IdempotencyStore.
func (s *SQLStore) AttemptCount(ctx context.Context, workflowID, stepID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_attempts WHERE workflow_id = ? AND step_id = ?`, workflowID, stepID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Reconcile implements spec §9's reconciliation pass: for workflowID, find
// step_completed journal events with no matching completed_steps row and
// insert it, repairing a crash between the journal commit and the
// idempotency-table write.
func (s *SQLStore) Reconcile(ctx context.Context, workflowID string) (int, error) {
	events, err := s.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, ev := range events {
		if ev.EventType != engine.EventStepCompleted {
			continue
		}
		var payload engine.StepCompletedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return repaired, err
		}
		if _, found, err := s.CheckCompleted(ctx, workflowID, payload.StepID); err != nil {
			return repaired, err
		} else if found {
			continue
		}
		attempt := engine.StepAttempt{WorkflowID: workflowID, StepID: payload.StepID, AttemptID: payload.AttemptID}
		if _, err := s.MarkCompleted(ctx, attempt, payload.NewStateChecksum); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

var (
	_ engine.JournalStore     = (*SQLStore)(nil)
	_ engine.SnapshotStore    = (*SQLStore)(nil)
	_ engine.LeaseStore       = (*SQLStore)(nil)
	_ engine.IdempotencyStore = (*SQLStore)(nil)
)
