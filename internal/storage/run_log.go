package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/correlator-io/songplays/internal/pipeline"
)

// maxErrorMessage matches etl_runs.error_message varchar(1024).
const maxErrorMessage = 1024

var (
	// ErrRunNotFound is returned when a run id has no recorded stages.
	ErrRunNotFound = errors.New("run not found")

	// ErrNoConnection is returned when a run log is created without a connection.
	ErrNoConnection = errors.New("connection cannot be nil")
)

// Compile-time check.
var _ pipeline.Recorder = (*RunLog)(nil)

type (
	// RunLog records stage outcomes in etl_runs. The table is managed by the migrations
	// package.
	RunLog struct {
		conn       *Connection
		dialect    string
		userPolicy string
		logger     *slog.Logger
	}

	// RunSummary aggregates the recorded stages of one run.
	RunSummary struct {
		RunID      uuid.UUID
		StartedAt  time.Time
		Stages     int
		Rows       int64
		Failed     bool
		Dialect    string
		UserPolicy string
	}

	// StageRecord is one recorded stage outcome.
	StageRecord struct {
		RunID        uuid.UUID
		Seq          int
		Stage        string
		Phase        pipeline.Phase
		Relation     string
		Rows         int64
		Status       pipeline.Status
		ErrorMessage string
		StartedAt    time.Time
		Duration     time.Duration
	}
)

// NewRunLog creates a run log writing through conn. dialect and userPolicy label every
// recorded row. A nil logger discards output.
func NewRunLog(conn *Connection, dialect, userPolicy string, logger *slog.Logger) (*RunLog, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RunLog{
		conn:       conn,
		dialect:    dialect,
		userPolicy: userPolicy,
		logger:     logger,
	}, nil
}

// Record implements pipeline.Recorder.
func (r *RunLog) Record(ctx context.Context, result pipeline.StageResult) error {
	query := `
		INSERT INTO etl_runs (
			run_id, seq, stage, phase, relation_name, rows_affected, status,
			error_message, started_at, duration_ms, dialect, user_policy
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var errMessage sql.NullString
	if result.Err != nil {
		errMessage = sql.NullString{String: truncate(result.Err.Error(), maxErrorMessage), Valid: true}
	}

	_, err := r.conn.ExecContext(ctx, query,
		result.RunID.String(),
		result.Seq,
		result.Stage,
		string(result.Phase),
		nullString(result.Relation),
		result.Rows,
		string(result.Status),
		errMessage,
		result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
		nullString(r.dialect),
		nullString(r.userPolicy),
	)
	if err != nil {
		if IsConnectionError(err) {
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}

		return fmt.Errorf("failed to record stage %q: %w", result.Stage, err)
	}

	r.logger.Debug("Stage outcome recorded",
		slog.String("run_id", result.RunID.String()),
		slog.Int("seq", result.Seq),
		slog.String("status", string(result.Status)),
	)

	return nil
}

// Runs returns the most recent runs, newest first.
func (r *RunLog) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT run_id,
		       MIN(started_at) AS started_at,
		       COUNT(*) AS stages,
		       COALESCE(SUM(rows_affected), 0) AS rows_affected,
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failures,
		       MAX(dialect) AS dialect,
		       MAX(user_policy) AS user_policy
		FROM etl_runs
		GROUP BY run_id
		ORDER BY MIN(started_at) DESC
		LIMIT $1
	`

	rows, err := r.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []RunSummary

	for rows.Next() {
		var (
			run        RunSummary
			runID      string
			failures   int
			dialect    sql.NullString
			userPolicy sql.NullString
		)

		if err := rows.Scan(&runID, &run.StartedAt, &run.Stages, &run.Rows, &failures, &dialect, &userPolicy); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if run.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
		}

		run.Failed = failures > 0
		run.Dialect = dialect.String
		run.UserPolicy = userPolicy.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// Stages returns the recorded stages of one run in execution order.
func (r *RunLog) Stages(ctx context.Context, runID uuid.UUID) ([]StageRecord, error) {
	query := `
		SELECT seq, stage, phase, relation_name, rows_affected, status, error_message, started_at, duration_ms
		FROM etl_runs
		WHERE run_id = $1
		ORDER BY seq
	`

	rows, err := r.conn.QueryContext(ctx, query, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var stages []StageRecord

	for rows.Next() {
		var (
			rec        = StageRecord{RunID: runID}
			relation   sql.NullString
			errMessage sql.NullString
			durationMS int64
		)

		err := rows.Scan(
			&rec.Seq, &rec.Stage, &rec.Phase, &relation, &rec.Rows,
			&rec.Status, &errMessage, &rec.StartedAt, &durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}

		rec.Relation = relation.String
		rec.ErrorMessage = errMessage.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		stages = append(stages, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stages: %w", err)
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return stages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}

	return s
}
