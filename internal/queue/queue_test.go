// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmail-app/certmail/internal/queue"
	"github.com/certmail-app/certmail/internal/testutil"
)

func TestEnqueuePopFIFO(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "first@example.com", "s1", "b1"))
	require.NoError(t, q.Enqueue(ctx, "second@example.com", "s2", "b2"))

	job, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "first@example.com", job.ToEmail)
	assert.Equal(t, "s1", job.Subject)
	assert.Equal(t, "b1", job.Body)
	assert.Equal(t, 0, job.Retries)

	job, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "second@example.com", job.ToEmail)
}

func TestPopTimeout(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")

	job, err := q.Pop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPushPreservesRetries(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, queue.Job{ToEmail: "a@example.com", Subject: "s", Body: "b", Retries: 3}))

	job, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Retries)
}

func TestRetriedJobLosesPosition(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "first@example.com", "s", "b"))
	require.NoError(t, q.Enqueue(ctx, "second@example.com", "s", "b"))

	job, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "first@example.com", job.ToEmail)

	// Re-pushing sends it behind the remaining jobs.
	job.Retries++
	require.NoError(t, q.Push(ctx, *job))

	job, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second@example.com", job.ToEmail)

	job, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first@example.com", job.ToEmail)
	assert.Equal(t, 1, job.Retries)
}

func TestPopMalformedPayload(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, "email_jobs", "not json").Err())

	_, err := q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, queue.ErrMalformedJob)

	// The bad payload left the queue.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPopMissingFields(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, "email_jobs", `{"to_email":"a@example.com"}`).Err())

	_, err := q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, queue.ErrMalformedJob)
}

func TestBrokerUnavailable(t *testing.T) {
	mr, client := testutil.NewTestRedis(t)
	q := queue.New(client, "email_jobs")
	ctx := context.Background()

	mr.Close()

	assert.ErrorIs(t, q.Ping(ctx), queue.ErrUnavailable)
	_, err := q.Pop(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrUnavailable)
}
