// Package queue provides a Redis-backed background run/task queue with
// fingerprint deduplication (spec.md §4.8, C9: "enqueues a background
// run"). Grounded on
// _examples/jordigilh-kubernaut/test/integration/gateway/redis_deduplication_test.go's
// usage pattern — the teacher pack's go.mod lists go-redis and miniredis as
// dependencies and exercises them only from integration tests (no
// internal/gateway/redis source ships in the pack), so this package is
// built from that test's observed behavior: a SHA-256 fingerprint of the
// triggering payload, stored with a TTL via an atomic "set if absent"
// operation, so a duplicate delivery within the window is dropped instead
// of re-enqueued. golang.org/x/sync/singleflight collapses concurrent
// duplicate Enqueue calls for the same fingerprint within one process
// before they ever reach Redis, the same on-demand-collapsing idiom
// pkg/refresher uses for token refresh.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// DefaultDedupWindow is how long a fingerprint suppresses duplicate
// enqueues (spec.md §4.8's webhook layer may receive retried deliveries
// from the sending channel within seconds of the original).
const DefaultDedupWindow = 5 * time.Minute

const keyPrefix = "aiagent:queue:dedup:"

// Job is one unit of background work handed to a Worker.
type Job struct {
	Kind       string            `json:"kind"` // "run" or "task"
	TenantID   string            `json:"tenant_id"`
	Reference  string            `json:"reference"` // run ID or task ID
	Payload    map[string]string `json:"payload"`
	Fingerprint string           `json:"-"`
}

// Handler processes one dequeued Job.
type Handler func(ctx context.Context, job Job) error

// Queue deduplicates and dispatches jobs through Redis.
type Queue struct {
	client      redis.Cmdable
	dedupWindow time.Duration
	inflight    singleflight.Group
	log         logr.Logger
}

// New builds a Queue against an existing Redis client (a *redis.Client in
// production, a miniredis-backed client in tests). window <= 0 falls back
// to DefaultDedupWindow.
func New(client redis.Cmdable, window time.Duration, log logr.Logger) *Queue {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Queue{client: client, dedupWindow: window, log: log}
}

// Fingerprint hashes the fields that identify a job as a duplicate of
// another: the channel-side identity of the event (spec.md §4.8 treats
// retried webhook deliveries for the same source event as one run).
func Fingerprint(tenantID, source, senderID, requirement string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + source + "|" + senderID + "|" + requirement))
	return hex.EncodeToString(sum[:])
}

// Enqueue publishes job if its fingerprint has not been seen within the
// dedup window. Returns (accepted=false, nil) for a duplicate — the caller
// should treat that as already-handled, not an error. Concurrent calls for
// the same fingerprint collapse onto one Redis round trip via singleflight.
func (q *Queue) Enqueue(ctx context.Context, job Job) (accepted bool, err error) {
	if job.Fingerprint == "" {
		return false, apperrors.New(apperrors.ErrorTypeValidation, "queue job missing fingerprint")
	}

	v, err, _ := q.inflight.Do(job.Fingerprint, func() (any, error) {
		ok, err := q.client.SetNX(ctx, keyPrefix+job.Fingerprint, job.Reference, q.dedupWindow).Result()
		if err != nil {
			return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "queue dedup check failed")
		}
		if !ok {
			return false, nil
		}
		body, marshalErr := json.Marshal(job)
		if marshalErr != nil {
			return false, apperrors.Wrap(marshalErr, apperrors.ErrorTypeInternal, "queue job marshal failed")
		}
		if pushErr := q.client.RPush(ctx, listKey(job.Kind), body).Err(); pushErr != nil {
			return false, apperrors.Wrap(pushErr, apperrors.ErrorTypeInternal, "queue publish failed")
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Dequeue blocks up to timeout for the next job of kind, returning
// (nil, nil) on timeout with nothing available.
func (q *Queue) Dequeue(ctx context.Context, kind string, timeout time.Duration) (*Job, error) {
	res, err := q.client.BLPop(ctx, timeout, listKey(kind)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "queue dequeue failed")
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, apperrors.New(apperrors.ErrorTypeInternal, "queue dequeue returned malformed result")
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "queue job unmarshal failed")
	}
	return &job, nil
}

// Len reports how many jobs of kind are waiting to be dequeued, for the
// queue-depth gauge pkg/metrics exposes.
func (q *Queue) Len(ctx context.Context, kind string) (int64, error) {
	n, err := q.client.LLen(ctx, listKey(kind)).Result()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "queue length check failed")
	}
	return n, nil
}

// Run drains kind's list, invoking handler for each job, until ctx is
// cancelled. Handler errors are logged, never fatal to the loop — one bad
// job should not stop the worker the way one failed stage should not stop
// the scheduler's other tasks.
func (q *Queue) Run(ctx context.Context, kind string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := q.Dequeue(ctx, kind, time.Second)
		if err != nil {
			q.log.Error(err, "queue dequeue failed", "kind", kind)
			continue
		}
		if job == nil {
			continue
		}
		if err := handler(ctx, *job); err != nil {
			q.log.Error(err, "queue job handler failed", "kind", kind, "reference", job.Reference)
		}
	}
}

func listKey(kind string) string {
	return "aiagent:queue:list:" + kind
}
