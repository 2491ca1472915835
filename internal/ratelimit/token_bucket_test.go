package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "tenant-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = bucket.Allow(ctx, "tenant-a"); !allowed {
		t.Fatal("expected second token allowed")
	}
	if allowed, _, _ = bucket.Allow(ctx, "tenant-a"); allowed {
		t.Fatal("expected third request rejected")
	}

	// Budgets are per key: another tenant is unaffected.
	if allowed, _, _ = bucket.Allow(ctx, "tenant-b"); !allowed {
		t.Fatal("expected separate tenant to have its own budget")
	}

	// Refill cannot be exercised with miniredis.FastForward because the
	// script takes the timestamp from Go, not from Redis.
}

func TestParseBucketReply(t *testing.T) {
	allowed, remaining, err := parseBucketReply([]interface{}{int64(1), int64(4)})
	if err != nil || !allowed || remaining != 4 {
		t.Fatalf("unexpected decode: allowed=%v remaining=%v err=%v", allowed, remaining, err)
	}

	if _, _, err := parseBucketReply("OK"); err == nil {
		t.Fatal("expected error for non-array reply")
	}
	if _, _, err := parseBucketReply([]interface{}{int64(1)}); err == nil {
		t.Fatal("expected error for short reply")
	}
	if _, _, err := parseBucketReply([]interface{}{"yes", int64(4)}); err == nil {
		t.Fatal("expected error for mistyped allowed flag")
	}
}
