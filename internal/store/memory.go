package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobengine/internal/models"
)

// Memory is an in-process Store. It backs tests and single-node
// deployments that do not need durability; the Postgres store is the
// production implementation.
//
// A single mutex serializes every read-modify-write, which satisfies the
// per-record atomicity the contract requires.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	tokens  map[string]string // idempotency token -> job id
	dead    []models.DeadLetter
	nowFunc func() time.Time
}

// NewMemory returns an empty in-memory store using clock for timestamps.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Memory{
		jobs:    make(map[string]models.Job),
		tokens:  make(map[string]string),
		nowFunc: clock.Now,
	}
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if f.Status != nil && job.Status != *f.Status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (m *Memory) Create(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	if job.IdempotencyToken != nil {
		if _, ok := m.tokens[*job.IdempotencyToken]; ok {
			return ErrDuplicateToken
		}
		m.tokens[*job.IdempotencyToken] = job.ID
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) Update(_ context.Context, id string, p Patch) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}

	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.AttemptCount != nil {
		job.AttemptCount = *p.AttemptCount
	}
	if p.ClearClaimedAt {
		job.ClaimedAt = nil
	} else if p.ClaimedAt != nil {
		t := *p.ClaimedAt
		job.ClaimedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	if p.Result != nil {
		job.Result = append([]byte(nil), p.Result...)
	}
	if p.ClearLastError {
		job.LastError = nil
	} else if p.LastError != nil {
		s := *p.LastError
		job.LastError = &s
	}
	job.UpdatedAt = m.nowFunc()

	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) NextPending(_ context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best models.Job
	found := false
	for _, job := range m.jobs {
		if job.Status != models.StatusPending {
			continue
		}
		if !found || olderThan(job, best) {
			best = job
			found = true
		}
	}
	if !found {
		return models.Job{}, false, nil
	}
	return cloneJob(best), true, nil
}

func (m *Memory) StaleRunning(_ context.Context, maxAge time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFunc().Add(-maxAge)
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusRunning || job.ClaimedAt == nil {
			continue
		}
		if job.ClaimedAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	return out, nil
}

func (m *Memory) FindByIdempotencyToken(_ context.Context, token string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tokens[token]
	if !ok {
		return models.Job{}, false, nil
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

func (m *Memory) AppendDeadLetter(_ context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Payload = append([]byte(nil), dl.Payload...)
	m.dead = append(m.dead, dl)
	return nil
}

func (m *Memory) ListDeadLetters(_ context.Context, limit, offset int) ([]models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DeadLetter, len(m.dead))
	copy(out, m.dead)
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return page(out, limit, offset), nil
}

func (m *Memory) CountByStatus(_ context.Context, status models.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, job := range m.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeadLetterCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dead)), nil
}

// olderThan orders by created_at ascending with id as tie-break, the
// claim order NextPending must follow.
func olderThan(a, b models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneJob(job models.Job) models.Job {
	job.Payload = append([]byte(nil), job.Payload...)
	if job.Result != nil {
		job.Result = append([]byte(nil), job.Result...)
	}
	if job.ClaimedAt != nil {
		t := *job.ClaimedAt
		job.ClaimedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	if job.LastError != nil {
		s := *job.LastError
		job.LastError = &s
	}
	if job.IdempotencyToken != nil {
		s := *job.IdempotencyToken
		job.IdempotencyToken = &s
	}
	return job
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
