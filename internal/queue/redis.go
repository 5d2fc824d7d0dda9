package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisNamespace = "carto"
	popTimeout            = 2 * time.Second
)

// Redis is a Queue backed by Redis lists. Jobs are JSON envelopes on
// LPUSH/BRPOP lists, one list per queue name.
type Redis struct {
	client    *redis.Client
	namespace string
	log       *slog.Logger
	dead      Handler

	mu      sync.Mutex
	started map[string]bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

// RedisOption is a functional option for configuring the Redis queue.
type RedisOption func(*Redis)

// WithRedisNamespace sets the key prefix for queue lists.
func WithRedisNamespace(ns string) RedisOption {
	return func(r *Redis) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithRedisDeadHandler receives jobs that exhausted their redeliveries.
func WithRedisDeadHandler(h Handler) RedisOption {
	return func(r *Redis) { r.dead = h }
}

// NewRedis creates a Redis-backed queue. redisURL should be a valid
// Redis URL (e.g., "redis://localhost:6379/0"). Returns an error if the
// connection cannot be established.
func NewRedis(redisURL string, logger *slog.Logger, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:    client,
		namespace: defaultRedisNamespace,
		log:       logger,
		started:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Verify connectivity
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return r, nil
}

func (r *Redis) listKey(queueName string) string {
	return r.namespace + ":queue:" + queueName
}

// Enqueue serializes the job and LPUSHes it onto the queue list.
func (r *Redis) Enqueue(ctx context.Context, queueName, jobType string, payload any) error {
	if r.closed.Load() {
		return ErrClosed
	}
	job, err := newJob(queueName, jobType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}
	if err := r.client.LPush(ctx, r.listKey(queueName), raw).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", queueName, err)
	}
	return nil
}

// Consume starts a BRPOP loop for the named queue.
func (r *Redis) Consume(queueName string, h Handler) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	if r.started[queueName] {
		r.mu.Unlock()
		return fmt.Errorf("queue: consumer already registered for %q", queueName)
	}
	r.started[queueName] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consumeLoop(queueName, h)
	return nil
}

func (r *Redis) consumeLoop(queueName string, h Handler) {
	defer r.wg.Done()
	key := r.listKey(queueName)
	for {
		if r.ctx.Err() != nil {
			return
		}
		res, err := r.client.BRPop(r.ctx, popTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn("queue pop failed", "queue", queueName, "error", err)
			select {
			case <-time.After(time.Second):
			case <-r.ctx.Done():
				return
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			r.log.Warn("dropping malformed job envelope", "queue", queueName, "error", err)
			continue
		}
		job.Attempts++
		if err := h(r.ctx, &job); err != nil {
			r.requeue(queueName, &job, err)
		}
	}
}

func (r *Redis) requeue(queueName string, job *Job, cause error) {
	if job.Attempts > maxRedeliveries {
		if r.dead != nil {
			if err := r.dead(context.Background(), job); err == nil {
				return
			}
		}
		r.log.Warn("dropping job after redelivery limit",
			"queue", queueName, "job_id", job.ID, "type", job.Type,
			"attempts", job.Attempts, "error", cause)
		return
	}
	raw, err := json.Marshal(job)
	if err != nil {
		r.log.Warn("requeue marshal failed", "queue", queueName, "job_id", job.ID, "error", err)
		return
	}
	// Back of the list so one failing job does not starve the rest.
	if err := r.client.LPush(context.Background(), r.listKey(queueName), raw).Err(); err != nil {
		r.log.Warn("requeue failed", "queue", queueName, "job_id", job.ID, "error", err)
	}
}

// Len reports the length of the queue list.
func (r *Redis) Len(ctx context.Context, queueName string) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n, err := r.client.LLen(ctx, r.listKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queueName, err)
	}
	return int(n), nil
}

// Close stops consumers and closes the client connection.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
