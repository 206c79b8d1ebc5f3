package repository

import (
	"cdss-inference/internal/models"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const jobColumns = `id, prediction_id, model, input_reference, status, result_label, result_probability,
	error_info, used_fallback, attempts, lease_expires_at, created_at, started_at, finished_at, updated_at`

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	// _txlock=immediate takes the write lock at BEGIN so two leasing workers serialize
	// instead of both reading the same candidate row.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prediction_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_reference TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		result_label TEXT,
		result_probability REAL,
		error_info TEXT,
		used_fallback INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		lease_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// CreateJob creates a new job
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, prediction_id, model, input_reference, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.PredictionID,
		job.Model,
		job.InputReference,
		job.Status,
		job.Attempts,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves all jobs with a specific status
func (r *SQLiteRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// ClaimJob moves a specific job to RUNNING using a transaction
func (r *SQLiteRepository) ClaimJob(ctx context.Context, id string, leaseDuration time.Duration) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	now := time.Now()
	if err := claimable(job, now); err != nil {
		return nil, err
	}

	if err := r.markRunning(ctx, tx, job, now, leaseDuration); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// LeaseJob leases a job for processing using a transaction
func (r *SQLiteRepository) LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	// Find a job that can be leased:
	// - PENDING jobs
	// - RUNNING jobs whose lease has expired
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status = 'PENDING' OR (status = 'RUNNING' AND lease_expires_at < ?))
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	job, err := scanJob(tx.QueryRowContext(ctx, query, now.UnixMilli()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find leasable job: %w", err)
	}

	if err := r.markRunning(ctx, tx, job, now, leaseDuration); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return job, nil
}

// CompleteJob stores the result and moves the job to SUCCESS
func (r *SQLiteRepository) CompleteJob(ctx context.Context, id string, result models.Result, usedFallback bool) error {
	query := `
		UPDATE jobs
		SET status = 'SUCCESS',
		    result_label = ?,
		    result_probability = ?,
		    used_fallback = ?,
		    lease_expires_at = NULL,
		    finished_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
	`

	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, query, result.Label, result.Probability, usedFallback, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return r.checkFinished(ctx, res, id)
}

// FailJob stores the failure reason and moves the job to FAILURE
func (r *SQLiteRepository) FailJob(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE jobs
		SET status = 'FAILURE',
		    error_info = ?,
		    lease_expires_at = NULL,
		    finished_at = ?,
		    updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')
	`

	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, query, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return r.checkFinished(ctx, res, id)
}

// CountJobsByStatus returns the number of jobs in each state
func (r *SQLiteRepository) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}

// checkFinished distinguishes a missing job from one that was already terminal
// when a conditional UPDATE touched no rows.
func (r *SQLiteRepository) checkFinished(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	job, err := r.GetJobByID(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		return ErrJobTerminal
	}
	return fmt.Errorf("job %s in state %s cannot be finished", id, job.Status)
}

func (r *SQLiteRepository) markRunning(ctx context.Context, tx *sql.Tx, job *models.Job, now time.Time, leaseDuration time.Duration) error {
	expiresAt := now.Add(leaseDuration)

	updateQuery := `
		UPDATE jobs
		SET status = 'RUNNING',
		    attempts = attempts + 1,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = ?
	`

	_, err := tx.ExecContext(ctx, updateQuery, expiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job lease: %w", err)
	}

	job.Status = models.StatusRunning
	job.Attempts++
	job.LeaseExpiresAt = &expiresAt
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	job.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var label, errorInfo sql.NullString
	var probability sql.NullFloat64
	var leaseExpiresAt, startedAt, finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.PredictionID,
		&job.Model,
		&job.InputReference,
		&job.Status,
		&label,
		&probability,
		&errorInfo,
		&job.UsedFallback,
		&job.Attempts,
		&leaseExpiresAt,
		&createdAt,
		&startedAt,
		&finishedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if label.Valid {
		job.Result = &models.Result{Label: label.String, Probability: probability.Float64}
	}
	if errorInfo.Valid {
		job.Error = errorInfo.String
	}

	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	job.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	job.StartedAt = nullableTime(startedAt)
	job.FinishedAt = nullableTime(finishedAt)

	return &job, nil
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
