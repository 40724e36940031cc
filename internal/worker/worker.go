// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package worker drains the email dispatch queue and performs the actual
// SMTP delivery with bounded retries.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/certmail-app/certmail/internal/config"
	"github.com/certmail-app/certmail/internal/mailer"
	"github.com/certmail-app/certmail/internal/queue"
)

// Options tunes the delivery loop.
type Options struct {
	PollTimeout      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	ReconnectBackoff time.Duration
	Concurrency      int
}

// OptionsFromConfig derives worker options from the runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollTimeout:      cfg.Queue.PollTimeout,
		MaxRetries:       cfg.Worker.MaxRetries,
		RetryBackoff:     cfg.Worker.RetryBackoff,
		ReconnectBackoff: cfg.Worker.ReconnectBackoff,
		Concurrency:      cfg.Worker.Concurrency,
	}
}

// Worker is a queue consumer. Several workers may share one queue; the pop
// is exclusive, so delivery is at-least-once across the fleet.
type Worker struct {
	queue  *queue.Queue
	mailer mailer.Mailer
	opts   Options
}

// New creates a Worker draining the given queue through the given mailer.
func New(q *queue.Queue, m mailer.Mailer, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	return &Worker{queue: q, mailer: m, opts: opts}
}

// Run consumes jobs until the context is canceled. A lost broker connection
// is retried forever with a fixed backoff; a cancellation waits for in-flight
// deliveries before returning.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("delivery worker starting",
		"poll_timeout", w.opts.PollTimeout,
		"max_retries", w.opts.MaxRetries,
		"concurrency", w.opts.Concurrency,
	)

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.opts.Concurrency)

	for ctx.Err() == nil {
		if err := w.queue.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("queue broker unreachable", "error", err, "retry_in", w.opts.ReconnectBackoff)
			sleep(ctx, w.opts.ReconnectBackoff)
			continue
		}

		slog.Info("connected to queue broker")
		w.drain(ctx, sem, &wg)
	}

	wg.Wait()
	slog.Info("delivery worker stopped")
	return nil
}

// drain pops jobs until the context ends or the broker drops. Deliveries run
// on a bounded pool so one job's retry backoff does not stall popping when
// concurrency is enabled.
func (w *Worker) drain(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		job, err := w.queue.Pop(ctx, w.opts.PollTimeout)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, queue.ErrMalformedJob):
			slog.Warn("dropping malformed job payload")
			continue
		case errors.Is(err, queue.ErrUnavailable):
			slog.Error("lost queue broker connection", "error", err, "retry_in", w.opts.ReconnectBackoff)
			sleep(ctx, w.opts.ReconnectBackoff)
			return
		case err != nil:
			slog.Error("queue pop failed", "error", err)
			return
		case job == nil:
			// Poll timeout, queue stayed empty.
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown with a popped job in hand: put it back untouched.
			w.requeue(*job)
			return
		}

		wg.Add(1)
		go func(job queue.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, job)
		}(*job)
	}
}

// deliver sends one job, re-queueing it with an incremented retry counter
// after a fixed backoff until the retry budget is spent.
func (w *Worker) deliver(ctx context.Context, job queue.Job) {
	err := w.mailer.Send(ctx, job.ToEmail, job.Subject, job.Body)
	if err == nil {
		slog.Info("email delivered", "to", job.ToEmail)
		return
	}

	if job.Retries >= w.opts.MaxRetries {
		slog.Error("retries exhausted, dropping job", "to", job.ToEmail, "retries", job.Retries, "error", err)
		return
	}

	job.Retries++
	slog.Warn("delivery failed, will retry",
		"to", job.ToEmail,
		"retry", job.Retries,
		"backoff", w.opts.RetryBackoff,
		"error", err,
	)

	// The backoff only sleeps this delivery slot. On shutdown the job is
	// re-queued immediately instead of being dropped mid-backoff.
	sleep(ctx, w.opts.RetryBackoff)
	w.requeue(job)
}

// requeue pushes a job back to the queue tail. Runs on its own context so a
// canceled run context cannot lose an in-flight job.
func (w *Worker) requeue(job queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.queue.Push(ctx, job); err != nil {
		slog.Error("failed to re-queue job", "to", job.ToEmail, "error", err)
	}
}

// sleep waits for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
