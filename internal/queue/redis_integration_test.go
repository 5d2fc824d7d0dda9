//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/cartograph/internal/types"
)

func getTestRedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CARTO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CARTO_TEST_REDIS_URL not set, skipping Redis integration tests")
	}
	return url
}

func newTestRedisQueue(t *testing.T, opts ...RedisOption) *Redis {
	t.Helper()
	url := getTestRedisURL(t)

	// Unique namespace per test to avoid interference.
	ns := fmt.Sprintf("carto-test-%d", time.Now().UnixNano())
	allOpts := append([]RedisOption{WithRedisNamespace(ns)}, opts...)

	q, err := NewRedis(url, nil, allOpts...)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisEnqueueConsume(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	err := q.Consume(types.QueueRelationshipResolution, func(_ context.Context, job *Job) error {
		var rj types.ResolutionJob
		if err := job.Decode(&rj); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, rj.RunID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, run := range []string{"r1", "r2"} {
		if err := q.Enqueue(ctx, types.QueueRelationshipResolution, "resolve-relationships", types.ResolutionJob{RunID: run}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("jobs never consumed")
}

func TestRedisLen(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, types.QueueValidation, "validate", types.ValidationJob{RunID: "r1"}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := q.Len(ctx, types.QueueValidation)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
}
