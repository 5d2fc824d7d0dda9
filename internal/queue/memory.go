package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultBuffer = 1024

// maxRedeliveries caps requeues of a failing job before it is dropped
// to the dead channel. Handlers see at-least-once delivery up to this.
const maxRedeliveries = 3

// Memory is a channel-backed Queue for single-process deployments and
// tests. Jobs that exhaust their redeliveries are handed to the dead
// handler when one is set, otherwise logged and dropped.
type Memory struct {
	mu      sync.Mutex
	chans   map[string]chan *Job
	started map[string]bool
	dead    Handler
	log     *slog.Logger
	buffer  int
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithBuffer sets the per-queue channel capacity.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithDeadHandler receives jobs that exhausted their redeliveries.
func WithDeadHandler(h Handler) MemoryOption {
	return func(m *Memory) { m.dead = h }
}

// NewMemory creates an in-memory queue. logger may be nil.
func NewMemory(logger *slog.Logger, opts ...MemoryOption) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		chans:   make(map[string]chan *Job),
		started: make(map[string]bool),
		log:     logger,
		buffer:  defaultBuffer,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) channel(queueName string) (chan *Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.chans[queueName]
	if !ok {
		ch = make(chan *Job, m.buffer)
		m.chans[queueName] = ch
	}
	return ch, nil
}

// Enqueue appends a job, blocking if the queue buffer is full.
func (m *Memory) Enqueue(ctx context.Context, queueName, jobType string, payload any) error {
	job, err := newJob(queueName, jobType, payload)
	if err != nil {
		return err
	}
	ch, err := m.channel(queueName)
	if err != nil {
		return err
	}
	select {
	case ch <- job:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts a delivery goroutine for the named queue.
func (m *Memory) Consume(queueName string, h Handler) error {
	ch, err := m.channel(queueName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.started[queueName] {
		m.mu.Unlock()
		return fmt.Errorf("queue: consumer already registered for %q", queueName)
	}
	m.started[queueName] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliver(queueName, ch, h)
	return nil
}

func (m *Memory) deliver(queueName string, ch chan *Job, h Handler) {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case job := <-ch:
			job.Attempts++
			if err := h(ctx, job); err != nil {
				m.requeue(queueName, ch, job, err)
			}
		}
	}
}

func (m *Memory) requeue(queueName string, ch chan *Job, job *Job, cause error) {
	if job.Attempts > maxRedeliveries {
		if m.dead != nil {
			if err := m.dead(context.Background(), job); err == nil {
				return
			}
		}
		m.log.Warn("dropping job after redelivery limit",
			"queue", queueName, "job_id", job.ID, "type", job.Type,
			"attempts", job.Attempts, "error", cause)
		return
	}
	// Brief delay keeps a hot failing job from spinning the consumer.
	select {
	case <-time.After(50 * time.Millisecond):
	case <-m.done:
		return
	}
	select {
	case ch <- job:
	case <-m.done:
	}
}

// Len reports waiting jobs. Jobs in flight at a handler do not count.
func (m *Memory) Len(_ context.Context, queueName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.chans[queueName]), nil
}

// Close stops all delivery goroutines and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
