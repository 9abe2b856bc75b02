package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuhi-dope/ai-agent-all/pkg/metrics"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence/notify"
	"github.com/yuhi-dope/ai-agent-all/pkg/queue"
	"github.com/yuhi-dope/ai-agent-all/pkg/runcontroller"
	"github.com/yuhi-dope/ai-agent-all/pkg/scheduler"
	"github.com/yuhi-dope/ai-agent-all/pkg/taskcontroller"
	"github.com/yuhi-dope/ai-agent-all/pkg/tracing"
)

// queuedRunDispatcher satisfies both ingress.RunStarter and
// httpapi.RunController by enqueuing onto Redis instead of calling the
// run controller directly — the webhook/API layer only needs delivery to
// be deduplicated and accepted quickly, not the run's actual outcome.
type queuedRunDispatcher struct {
	queue *queue.Queue
}

func (d *queuedRunDispatcher) StartRun(ctx context.Context, runID, tenantID, requirement string) error {
	_, err := d.queue.Enqueue(ctx, queue.Job{
		Kind:      "run-start",
		TenantID:  tenantID,
		Reference: runID,
		Payload:   map[string]string{"run_id": runID, "tenant_id": tenantID, "requirement": requirement},
		Fingerprint: queue.Fingerprint(tenantID, "run-start", runID, requirement),
	})
	return err
}

func (d *queuedRunDispatcher) ResumeRun(ctx context.Context, runID, tenantID string) error {
	_, err := d.queue.Enqueue(ctx, queue.Job{
		Kind:      "run-resume",
		TenantID:  tenantID,
		Reference: runID,
		Payload:   map[string]string{"run_id": runID, "tenant_id": tenantID},
		Fingerprint: queue.Fingerprint(tenantID, "run-resume", runID, ""),
	})
	return err
}

// queuedTaskDispatcher is the task-track analogue.
type queuedTaskDispatcher struct {
	queue *queue.Queue
}

func (d *queuedTaskDispatcher) Plan(ctx context.Context, taskID, tenantID, saasName, description string) error {
	_, err := d.queue.Enqueue(ctx, queue.Job{
		Kind:      "task-plan",
		TenantID:  tenantID,
		Reference: taskID,
		Payload:   map[string]string{"task_id": taskID, "tenant_id": tenantID, "saas_name": saasName, "description": description},
		Fingerprint: queue.Fingerprint(tenantID, "task-plan", taskID, description),
	})
	return err
}

func (d *queuedTaskDispatcher) Execute(ctx context.Context, taskID, tenantID string) error {
	_, err := d.queue.Enqueue(ctx, queue.Job{
		Kind:      "task-execute",
		TenantID:  tenantID,
		Reference: taskID,
		Payload:   map[string]string{"task_id": taskID, "tenant_id": tenantID},
		Fingerprint: queue.Fingerprint(tenantID, "task-execute", taskID, ""),
	})
	return err
}

// dispatchHandler builds the queue.Handler that actually runs a drained job
// against the real controllers, one per job kind.
func dispatchHandler(kind string, runCtl *runcontroller.Controller, taskCtl *taskcontroller.Controller, log logr.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		switch kind {
		case "run-start":
			_, err := runCtl.StartRun(ctx, job.Payload["run_id"], job.Payload["tenant_id"], job.Payload["requirement"])
			return err
		case "run-resume":
			_, err := runCtl.ResumeRun(ctx, job.Payload["run_id"], job.Payload["tenant_id"])
			return err
		case "task-plan":
			return taskCtl.Plan(ctx, job.Payload["task_id"], job.Payload["tenant_id"], job.Payload["saas_name"], job.Payload["description"])
		case "task-execute":
			return taskCtl.Execute(ctx, job.Payload["task_id"], job.Payload["tenant_id"])
		default:
			log.Info("unknown queue job kind", "kind", kind)
			return nil
		}
	}
}

// fanoutObserver fans StageObserver calls out to both a metrics recorder
// and a tracer, so runcontroller.Controller.WithObserver only needs to
// accept one collaborator.
type fanoutObserver struct {
	metrics *metrics.StageRecorder
	tracer  *tracing.StageTracer
}

func newFanoutObserver(m *metrics.Metrics, pipeline string) *fanoutObserver {
	return &fanoutObserver{
		metrics: metrics.NewStageRecorder(m, pipeline),
		tracer:  tracing.New(pipeline),
	}
}

func (f *fanoutObserver) StageStarted(ctx context.Context, stage string) context.Context {
	ctx = f.tracer.StageStarted(ctx, stage)
	return f.metrics.StageStarted(ctx, stage)
}

func (f *fanoutObserver) StageFinished(ctx context.Context, stage string, dur time.Duration, timedOut bool, err error) {
	f.tracer.StageFinished(ctx, stage, dur, timedOut, err)
	f.metrics.StageFinished(ctx, stage, dur, timedOut, err)
}

var _ scheduler.StageObserver = (*fanoutObserver)(nil)

// approvalEventHandler enqueues a task-execute job for every task_approved
// event a replica other than the one that approved it sees over Postgres
// NOTIFY, so a task approved against one replica's HTTP connection still
// runs even if the in-process goroutine that issued the NOTIFY is the one
// that dies before its own local dispatch finishes. ID is "tenantID/taskID"
// (see internal/httpapi.approveTask) since notify.Event carries no separate
// tenant field.
func approvalEventHandler(q *queue.Queue, log logr.Logger) func(notify.Event) {
	return func(ev notify.Event) {
		if ev.Kind != "task_approved" {
			return
		}
		tenantID, taskID, ok := strings.Cut(ev.ID, "/")
		if !ok {
			log.Info("malformed approval notification payload", "id", ev.ID)
			return
		}
		_, err := q.Enqueue(context.Background(), queue.Job{
			Kind:        "task-execute",
			TenantID:    tenantID,
			Reference:   taskID,
			Payload:     map[string]string{"task_id": taskID, "tenant_id": tenantID},
			Fingerprint: queue.Fingerprint(tenantID, "task-approved-notify", taskID, ""),
		})
		if err != nil {
			log.Error(err, "re-enqueue from approval notification failed", "task_id", taskID)
		}
	}
}

// reportQueueDepth polls each job kind's pending length into the
// queue-depth gauge until ctx is cancelled.
func reportQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Metrics, kinds []string, log logr.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range kinds {
				n, err := q.Len(ctx, kind)
				if err != nil {
					log.Error(err, "queue length check failed", "kind", kind)
					continue
				}
				m.SetQueueDepth(kind, int(n))
			}
		}
	}
}
