package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobengine/internal/engine"
	"jobengine/internal/models"
)

type simulatedPayload struct {
	ShouldFail bool `json:"should_fail"`
	FailTimes  int  `json:"fail_times"`
	DurationMS int  `json:"duration_ms"`
}

// Simulated is a deterministic handler for load and failure testing.
// should_fail fails every execution; fail_times fails only the first N
// executions, which exercises the retry ladder end to end.
func Simulated(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var p simulatedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrMalformedPayload, err)
	}

	if p.DurationMS > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
		}
	}

	if p.ShouldFail {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}
	// AttemptCount is the number of finished failed executions, so the
	// run in flight is attempt AttemptCount+1.
	if p.FailTimes > 0 && job.AttemptCount < p.FailTimes {
		return nil, fmt.Errorf("simulated failure %d of %d", job.AttemptCount+1, p.FailTimes)
	}

	return json.Marshal(map[string]any{
		"simulated": true,
		"attempt":   job.AttemptCount + 1,
	})
}
