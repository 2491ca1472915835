// Package notify fans job state transitions out to observers.
//
// The hook is synchronous from the engine's point of view but best
// effort: a slow or failing observer must never block or fail the
// transition that triggered it. The Redis implementation bounds every
// publish with its own timeout and only logs delivery problems.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobengine/internal/models"
)

// Event describes a single state transition.
type Event struct {
	JobID        string        `json:"job_id"`
	Status       models.Status `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	Tenant       string        `json:"tenant"`
	At           time.Time     `json:"at"`
}

// Notifier receives every state transition. Implementations must not
// block; delivery is not buffered or retried.
type Notifier interface {
	JobTransition(ctx context.Context, ev Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) JobTransition(context.Context, Event) {}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewRedis builds a Redis notifier publishing on channel.
func NewRedis(client *redis.Client, channel string, log *zap.SugaredLogger) *Redis {
	if channel == "" {
		channel = "jobs.events"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Redis{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		log:     log,
	}
}

// JobTransition publishes ev. Errors are logged and swallowed so the
// underlying transition is never affected.
func (n *Redis) JobTransition(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Warnw("drop notification", "job_id", ev.JobID, "err", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.client.Publish(pubCtx, n.channel, body).Err(); err != nil {
		n.log.Warnw("notification publish failed", "job_id", ev.JobID, "status", ev.Status, "err", err)
	}
}
