package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedis_SlidingWindow(t *testing.T) {
	addr := os.Getenv("AGENTGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTGATE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	r := NewRedis(client, "agentgate:test:"+uuid.NewString()+":")
	for i := 0; i < 2; i++ {
		res, err := r.Check(ctx, "k", 2)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	res, err := r.Check(ctx, "k", 2)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("third call should be denied")
	}
	if res.ResetMs <= 0 {
		t.Fatalf("expected positive reset, got %d", res.ResetMs)
	}
}

func TestRedis_Unlimited(t *testing.T) {
	r := NewRedis(nil, "")
	res, err := r.Check(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed || res.Remaining != -1 {
		t.Fatalf("unexpected unlimited result: %+v", res)
	}
}
