package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobengine/internal/models"
)

const jobColumns = `id, status, payload, attempt_count, max_attempts, idempotency_token,
	tenant, created_at, updated_at, claimed_at, completed_at, result, last_error`

// Postgres implements Store on a pgx connection pool. Single-row UPDATE
// statements give the per-record read-modify-write atomicity the
// contract asks for.
type Postgres struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, clock Clock) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Postgres{pool: pool, clock: clock}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *Postgres) List(ctx context.Context, f ListFilter) ([]models.Job, error) {
	args := []any{}
	where := ""
	if f.Status != nil {
		where = "WHERE status = $1"
		args = append(args, string(*f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) Create(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, job.ID, string(job.Status), []byte(job.Payload), job.AttemptCount, job.MaxAttempts,
		job.IdempotencyToken, job.Tenant, job.CreatedAt, job.UpdatedAt,
		job.ClaimedAt, job.CompletedAt, nullableBytes(job.Result), job.LastError)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "idempotency") {
				return ErrDuplicateToken
			}
			return ErrDuplicateID
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Update(ctx context.Context, id string, p Patch) (models.Job, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.AttemptCount != nil {
		add("attempt_count", *p.AttemptCount)
	}
	if p.ClearClaimedAt {
		sets = append(sets, "claimed_at = NULL")
	} else if p.ClaimedAt != nil {
		add("claimed_at", *p.ClaimedAt)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.Result != nil {
		add("result", []byte(p.Result))
	}
	if p.ClearLastError {
		sets = append(sets, "last_error = NULL")
	} else if p.LastError != nil {
		add("last_error", *p.LastError)
	}
	add("updated_at", s.clock.Now())

	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d RETURNING `+jobColumns,
		strings.Join(sets, ", "), len(args))

	row := s.pool.QueryRow(ctx, q, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func (s *Postgres) NextPending(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, string(models.StatusPending))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("next pending: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) StaleRunning(ctx context.Context, maxAge time.Duration) ([]models.Job, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND claimed_at IS NOT NULL AND claimed_at < $2
		ORDER BY created_at ASC, id ASC
	`, string(models.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale running: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) FindByIdempotencyToken(ctx context.Context, token string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_token = $1`, token)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find by token: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) AppendDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, payload, final_attempt_count, last_error, failed_at, tenant)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, dl.ID, dl.JobID, []byte(dl.Payload), dl.FinalAttemptCount, dl.LastError, dl.FailedAt, dl.Tenant)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *Postgres) ListDeadLetters(ctx context.Context, limit, offset int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, payload, final_attempt_count, last_error, failed_at, tenant
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.JobID, &payload, &dl.FinalAttemptCount, &dl.LastError, &dl.FailedAt, &dl.Tenant); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = payload
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Postgres) CountByStatus(ctx context.Context, status models.Status) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) DeadLetterCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var payload, result []byte
	var token, lastErr pgtype.Text
	var claimedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &status, &payload, &job.AttemptCount, &job.MaxAttempts,
		&token, &job.Tenant, &job.CreatedAt, &job.UpdatedAt,
		&claimedAt, &completedAt, &result, &lastErr)
	if err != nil {
		return models.Job{}, err
	}

	job.Status = models.Status(status)
	job.Payload = payload
	job.Result = result
	job.IdempotencyToken = textPtr(token)
	job.LastError = textPtr(lastErr)
	job.ClaimedAt = timePtr(claimedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
