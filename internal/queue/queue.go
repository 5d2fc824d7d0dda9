// Package queue provides named job queues for the analysis pipeline.
//
// Producers enqueue typed JSON payloads; consumers register a handler
// per queue. Delivery is at-least-once: a handler error requeues the
// job, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned for operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Handler processes one dequeued job. A non-nil error requeues it.
type Handler func(ctx context.Context, job *Job) error

// Job is the wire envelope shared by both queue backends.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Queue is the transport between pipeline stages. Implementations must
// be safe for concurrent use.
type Queue interface {
	// Enqueue serializes payload and appends it to the named queue.
	Enqueue(ctx context.Context, queueName, jobType string, payload any) error
	// Consume registers a handler for the named queue and starts
	// delivering jobs to it until Close. One registration per queue.
	Consume(queueName string, h Handler) error
	// Len reports the number of jobs waiting in the named queue.
	Len(ctx context.Context, queueName string) (int, error)
	// Close stops delivery and releases resources.
	Close() error
}

func newJob(queueName, jobType string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	return &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
