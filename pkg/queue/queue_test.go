package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, 200*time.Millisecond, logr.Discard())
}

func TestEnqueue_AcceptsFirstDelivery(t *testing.T) {
	q := newTestQueue(t)
	job := Job{Kind: "run", TenantID: "t1", Reference: "run-1", Fingerprint: Fingerprint("t1", "slack", "u1", "build a widget")}

	accepted, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestEnqueue_DropsDuplicateWithinWindow(t *testing.T) {
	q := newTestQueue(t)
	job := Job{Kind: "run", TenantID: "t1", Reference: "run-1", Fingerprint: Fingerprint("t1", "slack", "u1", "build a widget")}

	first, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, first)

	second, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestEnqueue_ReacceptsAfterWindowExpires(t *testing.T) {
	q := newTestQueue(t)
	job := Job{Kind: "run", TenantID: "t1", Reference: "run-1", Fingerprint: Fingerprint("t1", "slack", "u1", "build a widget")}

	first, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, first)

	time.Sleep(250 * time.Millisecond)

	second, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, second)
}

func TestEnqueue_RejectsMissingFingerprint(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), Job{Kind: "run", Reference: "run-1"})
	assert.Error(t, err)
}

func TestDequeue_ReturnsNilOnTimeout(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), "run", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestEnqueueThenDequeue_RoundTrips(t *testing.T) {
	q := newTestQueue(t)
	job := Job{
		Kind:        "run",
		TenantID:    "t1",
		Reference:   "run-1",
		Payload:     map[string]string{"requirement": "build a widget"},
		Fingerprint: Fingerprint("t1", "slack", "u1", "build a widget"),
	}
	accepted, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := q.Dequeue(context.Background(), "run", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.Reference)
	assert.Equal(t, "build a widget", got.Payload["requirement"])
}

func TestRun_InvokesHandlerForEachJob(t *testing.T) {
	q := newTestQueue(t)
	job := Job{Kind: "run", Reference: "run-1", Fingerprint: Fingerprint("t1", "slack", "u1", "x")}
	accepted, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	handled := make(chan string, 1)
	q.Run(ctx, "run", func(_ context.Context, j Job) error {
		handled <- j.Reference
		cancel()
		return nil
	})

	select {
	case ref := <-handled:
		assert.Equal(t, "run-1", ref)
	default:
		t.Fatal("handler was never invoked")
	}
}

func TestLen_ReportsPendingJobCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	n, err := q.Len(ctx, "run")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Enqueue(ctx, Job{Kind: "run", Reference: "run-1", Fingerprint: Fingerprint("t1", "slack", "u1", "x")})
	require.NoError(t, err)

	n, err = q.Len(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
