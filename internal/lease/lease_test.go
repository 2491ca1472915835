package lease

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"jobengine/internal/models"
	"jobengine/internal/store"
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

func seedJob(t *testing.T, st store.Store, id string, createdAt time.Time) models.Job {
	t.Helper()
	job := models.Job{
		ID:          id,
		Status:      models.StatusPending,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
		Tenant:      "default",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
	return job
}

func TestClaimNextFIFO(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	st := store.NewMemory(clock)
	mgr := NewManager(st, clock, nil)

	base := clock.Now()
	seedJob(t, st, "job-b", base.Add(time.Second))
	seedJob(t, st, "job-a", base)

	first, ok, err := mgr.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if first.ID != "job-a" {
		t.Fatalf("expected oldest job first, got %s", first.ID)
	}
	if first.Status != models.StatusRunning || first.ClaimedAt == nil {
		t.Fatalf("claimed job not running: status=%s claimed_at=%v", first.Status, first.ClaimedAt)
	}

	second, ok, err := mgr.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if second.ID != "job-b" {
		t.Fatalf("expected job-b second, got %s", second.ID)
	}

	if _, ok, _ := mgr.ClaimNext(ctx); ok {
		t.Fatal("expected no third claim")
	}
}

func TestClaimNextTieBreaksByID(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	st := store.NewMemory(clock)
	mgr := NewManager(st, clock, nil)

	at := clock.Now()
	seedJob(t, st, "zz", at)
	seedJob(t, st, "aa", at)

	job, ok, err := mgr.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.ID != "aa" {
		t.Fatalf("expected id tie-break to pick aa, got %s", job.ID)
	}
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	st := store.NewMemory(clock)
	mgr := NewManager(st, clock, nil)

	seedJob(t, st, "job-1", clock.Now())
	claimed, ok, err := mgr.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Not yet expired.
	reclaimed, err := mgr.ReclaimExpired(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected no reclaim before expiry, got %d", len(reclaimed))
	}

	clock.Advance(31 * time.Second)
	reclaimed, err = mgr.ReclaimExpired(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != claimed.ID {
		t.Fatalf("expected job-1 reclaimed, got %+v", reclaimed)
	}

	job, err := st.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", job.Status)
	}
	if job.ClaimedAt != nil {
		t.Fatal("expected claimed_at cleared after reclaim")
	}
	if job.AttemptCount != 0 {
		t.Fatalf("reclaim must not consume an attempt, got %d", job.AttemptCount)
	}

	// Reclaimed record is eligible for re-claim.
	again, ok, err := mgr.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("re-claim: ok=%v err=%v", ok, err)
	}
	if again.ID != claimed.ID {
		t.Fatalf("expected same record re-claimed, got %s", again.ID)
	}
}
