package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobengine/internal/models"
)

func TestRedisNotifierPublishes(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(ctx, "jobs.events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedis(client, "jobs.events", nil)
	sent := Event{
		JobID:        "job-1",
		Status:       models.StatusRunning,
		AttemptCount: 0,
		Tenant:       "default",
		At:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	n.JobTransition(ctx, sent)

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if got.JobID != sent.JobID || got.Status != sent.Status || !got.At.Equal(sent.At) {
		t.Fatalf("event mismatch: got %+v want %+v", got, sent)
	}
}

func TestRedisNotifierNeverFailsCaller(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close() // publish target is gone

	n := NewRedis(client, "jobs.events", nil)
	// Must return quietly even though the broker is unreachable.
	n.JobTransition(context.Background(), Event{JobID: "job-1", Status: models.StatusDone})
}
