// Package lease hands pending records to processors and recovers claims
// whose holder died or hung mid-execution.
//
// A claim is recorded as status=running plus a claimed_at timestamp; there
// is no separate lock object. The claim sequence is read-modify-write
// followed by a verification read, which is safe only while a single
// scheduling authority issues claims against the store.
package lease

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobengine/internal/models"
	"jobengine/internal/store"
)

// Manager claims pending records and reclaims expired ones.
type Manager struct {
	store store.Store
	clock store.Clock
	log   *zap.SugaredLogger
}

// NewManager builds a Manager. A nil clock falls back to system time and
// a nil logger to a no-op logger.
func NewManager(st store.Store, clock store.Clock, log *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: st, clock: clock, log: log}
}

// ReclaimExpired returns every running record whose claim is older than
// maxAge to pending, clearing claimed_at. This is the only recovery path
// for a processor that never called back. The scan is unbounded; keeping
// the record count operable is on the operator.
//
// Reclaim does not consume an attempt: only a completed execution does.
func (m *Manager) ReclaimExpired(ctx context.Context, maxAge time.Duration) ([]models.Job, error) {
	stale, err := m.store.StaleRunning(ctx, maxAge)
	if err != nil {
		return nil, fmt.Errorf("scan stale claims: %w", err)
	}

	reclaimed := make([]models.Job, 0, len(stale))
	for _, job := range stale {
		pending := models.StatusPending
		updated, err := m.store.Update(ctx, job.ID, store.Patch{
			Status:         &pending,
			ClearClaimedAt: true,
		})
		if err != nil {
			m.log.Errorw("reclaim failed", "job_id", job.ID, "err", err)
			continue
		}
		m.log.Infow("reclaimed expired claim", "job_id", job.ID, "claimed_at", job.ClaimedAt)
		reclaimed = append(reclaimed, updated)
	}
	return reclaimed, nil
}

// ClaimNext claims the oldest pending record and returns it as running.
// The second return is false when nothing is pending or the claim did not
// stick.
//
// After the update the record is re-read and the transition verified;
// anything unexpected (a concurrent scheduler, store inconsistency) makes
// ClaimNext report no work rather than hand out a questionable claim.
func (m *Manager) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	job, ok, err := m.store.NextPending(ctx)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("next pending: %w", err)
	}
	if !ok {
		return models.Job{}, false, nil
	}

	now := m.clock.Now()
	running := models.StatusRunning
	if _, err := m.store.Update(ctx, job.ID, store.Patch{
		Status:    &running,
		ClaimedAt: &now,
	}); err != nil {
		return models.Job{}, false, fmt.Errorf("claim %s: %w", job.ID, err)
	}

	claimed, err := m.store.Get(ctx, job.ID)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("verify claim %s: %w", job.ID, err)
	}
	if claimed.Status != models.StatusRunning || claimed.ClaimedAt == nil {
		m.log.Warnw("claim did not stick", "job_id", job.ID, "status", claimed.Status)
		return models.Job{}, false, nil
	}
	return claimed, true, nil
}
