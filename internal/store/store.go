package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"jobengine/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID is returned when Create sees an id that is already
	// present. Identifier generation should make this impossible; hitting
	// it indicates a broken id source, not a retryable condition.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrDuplicateToken is returned when Create sees an idempotency token
	// that is already bound to another record.
	ErrDuplicateToken = errors.New("duplicate idempotency token")
)

// Clock abstracts time so lease-expiry behavior is testable without
// sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ListFilter narrows and pages List results. Listing is ordered by
// created_at descending.
type ListFilter struct {
	Status *models.Status
	Limit  int
	Offset int
}

// Patch is a partial update applied to a single record. Nil fields are
// left untouched; ClearClaimedAt/ClearLastError null the column out.
// Every applied patch advances updated_at.
type Patch struct {
	Status         *models.Status
	AttemptCount   *int
	ClaimedAt      *time.Time
	ClearClaimedAt bool
	CompletedAt    *time.Time
	Result         json.RawMessage
	LastError      *string
	ClearLastError bool
}

// Store is the persistence contract for job and dead-letter records.
//
// Every operation is atomic with respect to a single record; nothing
// spans records transactionally. Mutations persist synchronously before
// returning, so correctness depends only on durable state. Concurrent
// Update calls on the same record must not interleave their read and
// write halves.
type Store interface {
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (models.Job, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]models.Job, error)

	// Create inserts a new record. It fails with ErrDuplicateID if the
	// id is already present and ErrDuplicateToken if the idempotency
	// token is already bound.
	Create(ctx context.Context, job models.Job) error

	// Update applies a partial patch to the record and returns the
	// record as stored afterwards.
	Update(ctx context.Context, id string, p Patch) (models.Job, error)

	// NextPending returns the pending record with the smallest
	// created_at, ties broken by id. The second return is false when no
	// pending record exists. This ordering defines FIFO delivery.
	NextPending(ctx context.Context) (models.Job, bool, error)

	// StaleRunning returns all running records whose claim is older than
	// maxAge.
	StaleRunning(ctx context.Context, maxAge time.Duration) ([]models.Job, error)

	// FindByIdempotencyToken returns the record bound to token, if any.
	FindByIdempotencyToken(ctx context.Context, token string) (models.Job, bool, error)

	// AppendDeadLetter writes an immutable dead-letter record.
	AppendDeadLetter(ctx context.Context, dl models.DeadLetter) error

	// ListDeadLetters returns dead-letter records, newest first.
	ListDeadLetters(ctx context.Context, limit, offset int) ([]models.DeadLetter, error)

	// CountByStatus returns the number of records in the given state.
	CountByStatus(ctx context.Context, status models.Status) (int64, error)

	// DeadLetterCount returns the number of dead-letter records.
	DeadLetterCount(ctx context.Context) (int64, error)
}
