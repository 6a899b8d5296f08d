package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
)

const defaultListLimit = 100

const jobColumns = `id, url, source, video_id, title, variant, not_before, state, attempts,
	error, failure_kind, claim_token, lease_expires_at, handle_id, created_at, updated_at, completed_at`

// Store implements domain.JobRepository and domain.DownloadRepository on
// database/sql.
type Store struct {
	db *sql.DB
}

// New opens a SQLite store at dbPath, initializing the schema if needed.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to the given driver and initializes the schema.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	dsn, err := d.prepare(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := d.tune(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", driver, err)
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (url, source, video_id, title, variant, not_before, state, attempts,
		   error, failure_kind, claim_token, lease_expires_at, handle_id, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '', '', NULL, ?, ?, ?, NULL)`,
		job.URL, string(job.Source), job.VideoID, job.Title, job.Variant, nanos(job.NotBefore),
		string(domain.StatePending), job.HandleID, nanos(job.CreatedAt), nanos(job.UpdatedAt),
	)
	if err != nil {
		return nil, wrap("create", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, wrap("create", err)
	}

	created := *job
	created.ID = id
	created.State = domain.StatePending
	created.Attempts = 0
	created.Error = ""
	created.FailureKind = domain.FailureNone
	created.ClaimToken = ""
	created.LeaseExpiresAt = nil
	created.CompletedAt = nil
	return &created, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, wrap("get", err)
	}
	return job, err
}

// List returns jobs newest first, optionally restricted to one state.
func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, "list", query, args...)
}

// FindDue returns pending jobs whose not_before has passed, oldest first.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, "find due",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND not_before <= ?
		 ORDER BY not_before ASC, id ASC LIMIT ?`,
		string(domain.StatePending), nanos(now), limit,
	)
}

// Claim atomically moves a due pending job to claimed under claim.Token.
// Exactly one concurrent caller wins; the others get ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, id int64, claim domain.Claim) (*domain.Job, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, claim_token = ?, lease_expires_at = ?,
		   attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ? AND not_before <= ?`,
		string(domain.StateClaimed), claim.Token, nanos(claim.LeaseUntil), nanos(claim.Now),
		id, string(domain.StatePending), nanos(claim.Now),
	)
	if err != nil {
		return nil, wrap("claim", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, wrap("claim", err)
	}
	if affected == 0 {
		return nil, domain.ErrClaimConflict
	}
	return s.Get(ctx, id)
}

// Complete marks a claimed job as completed and binds its result handle.
func (s *Store) Complete(ctx context.Context, id int64, token, handleID string, now time.Time) error {
	return s.settle(ctx, "complete", id, token, now,
		`state = ?, handle_id = ?, error = '', failure_kind = '', completed_at = ?`,
		string(domain.StateCompleted), handleID, nanos(now),
	)
}

// Fail marks a claimed job as permanently failed.
func (s *Store) Fail(ctx context.Context, id int64, token string, kind domain.FailureKind, reason string, now time.Time) error {
	return s.settle(ctx, "fail", id, token, now,
		`state = ?, failure_kind = ?, error = ?, completed_at = ?`,
		string(domain.StateFailed), string(kind), reason, nanos(now),
	)
}

// Retry puts a claimed job back to pending, eligible again at notBefore.
func (s *Store) Retry(ctx context.Context, id int64, token string, kind domain.FailureKind, reason string, notBefore, now time.Time) error {
	return s.settle(ctx, "retry", id, token, now,
		`state = ?, failure_kind = ?, error = ?, not_before = ?`,
		string(domain.StatePending), string(kind), reason, nanos(notBefore),
	)
}

// settle applies an outcome to a job still claimed under token and releases
// the claim. A stale token yields ErrLeaseLost.
func (s *Store) settle(ctx context.Context, op string, id int64, token string, now time.Time, set string, args ...any) error {
	query := `UPDATE jobs SET ` + set + `, claim_token = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND claim_token = ?`
	args = append(args, nanos(now), id, string(domain.StateClaimed), token)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if affected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Cancel moves a pending job to cancelled.
func (s *Store) Cancel(ctx context.Context, id int64, now time.Time) (*domain.Job, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(domain.StateCancelled), nanos(now), id, string(domain.StatePending),
	)
	if err != nil {
		return nil, wrap("cancel", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, wrap("cancel", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrNotCancellable
	}
	return job, nil
}

// RecoverExpired releases claims whose lease ran out before now. Jobs with
// attempts left go back to pending; the rest fail with lease_expired.
func (s *Store) RecoverExpired(ctx context.Context, now time.Time, maxAttempts int) (requeued, failed int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, wrap("recover", err)
	}
	defer tx.Rollback()

	ts := nanos(now)
	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, failure_kind = ?, error = ?, claim_token = '',
		   lease_expires_at = NULL, completed_at = ?, updated_at = ?
		 WHERE state = ? AND lease_expires_at < ? AND attempts >= ?`,
		string(domain.StateFailed), string(domain.FailureLeaseExpired), "lease expired on final attempt", ts, ts,
		string(domain.StateClaimed), ts, maxAttempts,
	)
	if err != nil {
		return 0, 0, wrap("recover", err)
	}
	if failed, err = result.RowsAffected(); err != nil {
		return 0, 0, wrap("recover", err)
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, failure_kind = ?, error = ?, claim_token = '',
		   lease_expires_at = NULL, updated_at = ?
		 WHERE state = ? AND lease_expires_at < ?`,
		string(domain.StatePending), string(domain.FailureLeaseExpired), "lease expired", ts,
		string(domain.StateClaimed), ts,
	)
	if err != nil {
		return 0, 0, wrap("recover", err)
	}
	if requeued, err = result.RowsAffected(); err != nil {
		return 0, 0, wrap("recover", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, wrap("recover", err)
	}
	return requeued, failed, nil
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                             domain.Job
		source, state, kind             string
		notBefore, createdAt, updatedAt int64
		leaseExpiresAt, completedAt     sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.URL, &source, &job.VideoID, &job.Title, &job.Variant, &notBefore,
		&state, &job.Attempts, &job.Error, &kind, &job.ClaimToken, &leaseExpiresAt,
		&job.HandleID, &createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Source = domain.Source(source)
	job.State = domain.JobState(state)
	job.FailureKind = domain.FailureKind(kind)
	job.NotBefore = fromNanos(notBefore)
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	job.LeaseExpiresAt = nullTime(leaseExpiresAt)
	job.CompletedAt = nullTime(completedAt)
	return &job, nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StorageError{Op: op, Err: err}
}
