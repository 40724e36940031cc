// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package queue is the durable email dispatch queue: a Redis list with JSON
// payloads, pushed at the tail and popped from the head. BRPOP gives each
// job to exactly one consumer, so several workers can drain one queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is the wire format of one delivery.
type Job struct {
	ToEmail string `json:"to_email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Retries int    `json:"retries"`
}

// Valid reports whether the job carries everything a delivery needs.
func (j Job) Valid() bool {
	return j.ToEmail != "" && j.Subject != "" && j.Body != ""
}

var (
	// ErrMalformedJob is returned for a payload that cannot be delivered;
	// such jobs are dropped, never retried.
	ErrMalformedJob = errors.New("malformed job payload")
	// ErrUnavailable is returned when the queue broker cannot be reached.
	ErrUnavailable = errors.New("queue broker unavailable")
)

// Queue produces to and consumes from one named Redis list.
type Queue struct {
	redis *redis.Client
	name  string
}

// New wraps the Redis list with the given name.
func New(client *redis.Client, name string) *Queue {
	return &Queue{redis: client, name: name}
}

// Enqueue appends a fresh job to the queue tail. The caller is not blocked
// on delivery; the handoff completes as soon as the push is durable.
func (q *Queue) Enqueue(ctx context.Context, to, subject, body string) error {
	return q.Push(ctx, Job{ToEmail: to, Subject: subject, Body: body})
}

// Push appends a job, preserving its retry counter. A re-pushed job joins
// the tail and loses its original position.
func (q *Queue) Push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := q.redis.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Pop blocks up to timeout for the next job. Returns (nil, nil) when the
// queue stayed empty, ErrMalformedJob for an undeliverable payload (already
// removed from the queue), and ErrUnavailable when the broker is gone.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	values, err := q.redis.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(values) != 2 {
		return nil, ErrMalformedJob
	}

	var job Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil || !job.Valid() {
		return nil, ErrMalformedJob
	}

	return &job, nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Ping verifies the broker connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
