package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"jobengine/internal/models"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newJob(id string, createdAt time.Time) models.Job {
	return models.Job{
		ID:          id,
		Status:      models.StatusPending,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
		Tenant:      "default",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestCreateDuplicateID(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	if err := m.Create(ctx, newJob("a", clock.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Create(ctx, newJob("a", clock.Now())); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestCreateDuplicateToken(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	token := "tok-1"
	a := newJob("a", clock.Now())
	a.IdempotencyToken = &token
	if err := m.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	b := newJob("b", clock.Now())
	b.IdempotencyToken = &token
	if err := m.Create(ctx, b); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	found, ok, err := m.FindByIdempotencyToken(ctx, token)
	if err != nil || !ok {
		t.Fatalf("find by token: ok=%v err=%v", ok, err)
	}
	if found.ID != "a" {
		t.Fatalf("token must stay bound to the original record, got %s", found.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	m := NewMemory(newManualClock())
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMergesAndBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	created := clock.Now()
	if err := m.Create(ctx, newJob("a", created)); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(time.Second)
	running := models.StatusRunning
	claimed := clock.Now()
	job, err := m.Update(ctx, "a", Patch{Status: &running, ClaimedAt: &claimed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.Status != models.StatusRunning || job.ClaimedAt == nil {
		t.Fatalf("patch not applied: %+v", job)
	}
	if !job.UpdatedAt.After(created) {
		t.Fatalf("updated_at not advanced: %v", job.UpdatedAt)
	}
	// Untouched fields survive the merge.
	if job.MaxAttempts != 3 || job.AttemptCount != 0 {
		t.Fatalf("merge clobbered fields: %+v", job)
	}

	pending := models.StatusPending
	job, err = m.Update(ctx, "a", Patch{Status: &pending, ClearClaimedAt: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.ClaimedAt != nil {
		t.Fatal("expected claimed_at cleared")
	}

	if _, err := m.Update(ctx, "missing", Patch{Status: &pending}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextPendingOrdering(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	base := clock.Now()
	_ = m.Create(ctx, newJob("late", base.Add(2*time.Second)))
	_ = m.Create(ctx, newJob("tie-b", base))
	_ = m.Create(ctx, newJob("tie-a", base))

	job, ok, err := m.NextPending(ctx)
	if err != nil || !ok {
		t.Fatalf("next pending: ok=%v err=%v", ok, err)
	}
	if job.ID != "tie-a" {
		t.Fatalf("expected oldest with id tie-break, got %s", job.ID)
	}

	// A done record is never offered.
	done := models.StatusDone
	now := clock.Now()
	_, _ = m.Update(ctx, "tie-a", Patch{Status: &done, CompletedAt: &now})
	job, _, _ = m.NextPending(ctx)
	if job.ID != "tie-b" {
		t.Fatalf("expected tie-b after tie-a completed, got %s", job.ID)
	}
}

func TestStaleRunning(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	_ = m.Create(ctx, newJob("old", clock.Now()))
	_ = m.Create(ctx, newJob("fresh", clock.Now()))

	running := models.StatusRunning
	oldClaim := clock.Now()
	_, _ = m.Update(ctx, "old", Patch{Status: &running, ClaimedAt: &oldClaim})

	clock.Advance(time.Minute)
	freshClaim := clock.Now()
	_, _ = m.Update(ctx, "fresh", Patch{Status: &running, ClaimedAt: &freshClaim})

	stale, err := m.StaleRunning(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("stale running: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the old claim, got %+v", stale)
	}
}

func TestListFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	base := clock.Now()
	for i, id := range []string{"a", "b", "c"} {
		_ = m.Create(ctx, newJob(id, base.Add(time.Duration(i)*time.Second)))
	}
	done := models.StatusDone
	now := clock.Now()
	_, _ = m.Update(ctx, "b", Patch{Status: &done, CompletedAt: &now})

	pending := models.StatusPending
	jobs, err := m.List(ctx, ListFilter{Status: &pending, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "a" {
		t.Fatalf("expected [c a] newest first, got %+v", jobs)
	}

	jobs, _ = m.List(ctx, ListFilter{Limit: 1, Offset: 1})
	if len(jobs) != 1 || jobs[0].ID != "b" {
		t.Fatalf("expected page [b], got %+v", jobs)
	}
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	first := models.DeadLetter{
		ID: "dl-1", JobID: "a", Payload: json.RawMessage(`{"n":1}`),
		FinalAttemptCount: 3, LastError: "boom", FailedAt: clock.Now(), Tenant: "default",
	}
	clock.Advance(time.Second)
	second := first
	second.ID, second.JobID, second.FailedAt = "dl-2", "b", clock.Now()

	if err := m.AppendDeadLetter(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = m.AppendDeadLetter(ctx, second)

	n, err := m.DeadLetterCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 dead letters, got %d err=%v", n, err)
	}

	dls, err := m.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if dls[0].ID != "dl-2" {
		t.Fatalf("expected newest first, got %+v", dls)
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := NewMemory(clock)

	_ = m.Create(ctx, newJob("a", clock.Now()))
	_ = m.Create(ctx, newJob("b", clock.Now()))

	n, err := m.CountByStatus(ctx, models.StatusPending)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pending, got %d err=%v", n, err)
	}
	n, _ = m.CountByStatus(ctx, models.StatusDone)
	if n != 0 {
		t.Fatalf("expected 0 done, got %d", n)
	}
}
