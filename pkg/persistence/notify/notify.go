// Package notify wraps Postgres LISTEN/NOTIFY so that an approval recorded
// by one replica wakes the run or task controller on whichever replica
// owns the corresponding in-memory wait (spec.md §4.5, "cross-replica
// approval wakeup"). Grounded on the lib/pq dependency already present in
// _examples/jordigilh-kubernaut/go.mod; kubernaut itself drives Postgres
// through database/sql rather than pq's listener, so the listener loop
// below is new code built in the teacher's structured-logging,
// context-cancellable-goroutine idiom.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/lib/pq"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// Execer is the subset of *sqlx.DB (or a transaction) Notify needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Channel is the single Postgres NOTIFY channel this package listens on;
// the payload carries the channel name and target id so one listener can
// wake waiters for every run and task.
const Channel = "agent_orchestrator_events"

// Event is the decoded payload of a NOTIFY on Channel.
type Event struct {
	Kind string `json:"kind"` // "run_approved", "task_approved", "rule_change_approved"
	ID   string `json:"id"`
}

// Listener maintains a single pq.Listener connection and fans decoded
// events out to subscribers.
type Listener struct {
	conninfo string
	log      logr.Logger
	pqListen *pq.Listener
}

// NewListener builds a Listener against conninfo. Call Listen to start the
// connection and begin receiving notifications.
func NewListener(conninfo string, log logr.Logger) *Listener {
	return &Listener{conninfo: conninfo, log: log}
}

// Listen opens the underlying pq.Listener and blocks, delivering decoded
// events to handle until ctx is cancelled. minReconnectInterval/
// maxReconnectInterval of zero fall back to pq's own defaults (1s/16s).
func (l *Listener) Listen(ctx context.Context, minReconnectInterval, maxReconnectInterval time.Duration, handle func(Event)) error {
	if minReconnectInterval <= 0 {
		minReconnectInterval = time.Second
	}
	if maxReconnectInterval <= 0 {
		maxReconnectInterval = 16 * time.Second
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Error(err, "postgres listener connection event", "event_type", int(ev))
		}
	}
	pqListen := pq.NewListener(l.conninfo, minReconnectInterval, maxReconnectInterval, reportProblem)
	l.pqListen = pqListen
	defer pqListen.Close()

	if err := pqListen.Listen(Channel); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "listen on notify channel failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-pqListen.Notify:
			if n == nil {
				continue // reconnected; pq re-issues LISTEN itself
			}
			ev, err := decode(n.Extra)
			if err != nil {
				l.log.Error(err, "discarding malformed notify payload", "payload", n.Extra)
				continue
			}
			handle(ev)
		case <-time.After(90 * time.Second):
			// pq recommends a periodic Ping to detect a dead connection the
			// driver hasn't already noticed.
			go func() { _ = pqListen.Ping() }()
		}
	}
}

// Notify publishes an event on Channel for every listening replica to
// receive, including the one that produced it.
func Notify(ctx context.Context, execer Execer, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "encode notify payload failed")
	}
	_, err = execer.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "pg_notify failed")
	}
	return nil
}

func encode(ev Event) (string, error) {
	b, err := json.Marshal(ev)
	return string(b), err
}

func decode(payload string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
