package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/hireloop/hireloop/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	ctxJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	stages, err := marshalStagesOrDefault(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, job_id, candidate_id, definition, status, current_stage, version, context, stages, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.JobID, inst.CandidateID, string(def), string(inst.Status),
		inst.CurrentStage, inst.Version, string(ctxJSON), string(stages), nullRaw(inst.Error),
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

const instanceColumns = `id, job_id, candidate_id, definition, status, current_stage, version, context, stages, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

// SaveInstance writes the full instance state guarded by the version check.
// The stored row must still carry expectedVersion; on success both the row
// and inst.Version advance to expectedVersion+1.
func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *Instance, expectedVersion int64) error {
	ctxJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	stages, err := marshalStagesOrDefault(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances
		 SET status = ?, current_stage = ?, version = ?, context = ?, stages = ?, error = ?,
		     started_at = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		string(inst.Status), inst.CurrentStage, expectedVersion+1, string(ctxJSON), string(stages),
		nullRaw(inst.Error), nullTime(inst.StartedAt), nullTime(inst.CompletedAt),
		inst.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a stale write.
		var current int64
		scanErr := s.db.QueryRowContext(ctx, `SELECT version FROM instances WHERE id = ?`, inst.ID).Scan(&current)
		if scanErr == sql.ErrNoRows {
			return storeNotFound("instance", inst.ID)
		}
		if scanErr != nil {
			return scanErr
		}
		return schema.NewErrorf(schema.ErrCodeVersionConflict,
			"instance %s: stale write (expected version %d, stored %d)", inst.ID, expectedVersion, current).
			WithDetails(map[string]any{"instance_id": inst.ID, "expected": expectedVersion, "stored": current})
	}
	inst.Version = expectedVersion + 1
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, filter.CandidateID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		defJSON, stagesJSON    string
		ctxJSON, errJSON       sql.NullString
		status                 string
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.JobID, &inst.CandidateID, &defJSON, &status,
		&inst.CurrentStage, &inst.Version, &ctxJSON, &stagesJSON, &errJSON,
		&inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &inst.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &inst.Context)
	}
	if err := json.Unmarshal([]byte(stagesJSON), &inst.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	inst.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// --- Progress log ---

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *ProgressEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, stage, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ProgressEvent
	for rows.Next() {
		e := &ProgressEvent{}
		var stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stage, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Decision requests ---

func (s *LibSQLStore) CreateDecision(ctx context.Context, dec *DecisionRequest) error {
	allowed, err := json.Marshal(dec.Allowed)
	if err != nil {
		return fmt.Errorf("marshal allowed responses: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, workflow_id, stage, prompt, allowed, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.WorkflowID, dec.Stage, dec.Prompt, string(allowed),
		defaultStr(dec.Status, "pending"), timeOrNow(dec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDecision(ctx context.Context, id string) (*DecisionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, stage, prompt, allowed, status, response, resolved_by, created_at, resolved_at
		 FROM decisions WHERE id = ?`, id)
	dec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("decision", id)
	}
	return dec, err
}

func (s *LibSQLStore) ResolveDecision(ctx context.Context, id, response, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = 'resolved', response = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		response, resolvedBy, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending decision", id)
}

func (s *LibSQLStore) CancelDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = 'cancelled', resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending decision", id)
}

func (s *LibSQLStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*DecisionRequest, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, workflow_id, stage, prompt, allowed, status, response, resolved_by, created_at, resolved_at FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*DecisionRequest
	for rows.Next() {
		dec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, dec)
	}
	return decisions, rows.Err()
}

func scanDecision(row rowScanner) (*DecisionRequest, error) {
	dec := &DecisionRequest{}
	var allowedJSON string
	var response, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&dec.ID, &dec.WorkflowID, &dec.Stage, &dec.Prompt, &allowedJSON,
		&dec.Status, &response, &resolvedBy, &dec.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(allowedJSON), &dec.Allowed); err != nil {
		return nil, fmt.Errorf("unmarshal allowed responses: %w", err)
	}
	dec.Response = response.String
	dec.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		dec.ResolvedAt = &resolvedAt.Time
	}
	return dec, nil
}

// --- Scheduled launches ---

func (s *LibSQLStore) CreateScheduledLaunch(ctx context.Context, launch *ScheduledLaunch) error {
	def, err := json.Marshal(launch.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_launches (id, job_id, cron_expression, definition, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		launch.ID, launch.JobID, launch.CronExpression, string(def),
		boolToInt(launch.Enabled), nullTime(launch.LastRunAt), nullTime(launch.NextRunAt),
		nullStr(launch.LastRunStatus), timeOrNow(launch.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledLaunch(ctx context.Context, id string, update ScheduledLaunchUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_launches SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled launch", id)
}

func (s *LibSQLStore) ListScheduledLaunches(ctx context.Context, filter ScheduledLaunchFilter) ([]*ScheduledLaunch, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}

	query := `SELECT id, job_id, cron_expression, definition, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_launches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var launches []*ScheduledLaunch
	for rows.Next() {
		l := &ScheduledLaunch{}
		var defJSON string
		var enabled int
		var lastRunAt, nextRunAt sql.NullTime
		var lastRunStatus sql.NullString
		if err := rows.Scan(&l.ID, &l.JobID, &l.CronExpression, &defJSON, &enabled,
			&lastRunAt, &nextRunAt, &lastRunStatus, &l.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &l.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		l.Enabled = enabled != 0
		if lastRunAt.Valid {
			l.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			l.NextRunAt = &nextRunAt.Time
		}
		l.LastRunStatus = lastRunStatus.String
		launches = append(launches, l)
	}
	return launches, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledLaunch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_launches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled launch", id)
}

// --- Helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalStagesOrDefault(stages []StageRecord) (json.RawMessage, error) {
	if stages == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(stages)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
