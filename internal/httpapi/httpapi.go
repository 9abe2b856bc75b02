// Package httpapi exposes the run-control and task HTTP surface named in
// spec.md §6: create/list/get/resume a run, and create/list/get/approve/
// reject/retry/delete a task. Grounded on the same go-chi mounting style
// pkg/ingress uses for the webhook endpoint, kept in its own package so
// cmd/orchestrator only has to wire collaborators, not route logic.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/internal/validation"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence/notify"
	"github.com/yuhi-dope/ai-agent-all/pkg/tenant"
)

// RunController is the subset of pkg/runcontroller.Controller the API
// needs, narrowed the same way pkg/ingress.RunStarter is.
type RunController interface {
	StartRun(ctx context.Context, runID, tenantID, requirement string) error
	ResumeRun(ctx context.Context, runID, tenantID string) error
}

// TaskController is the subset of pkg/taskcontroller.Controller the API
// needs to kick off planning and execution in the background.
type TaskController interface {
	Plan(ctx context.Context, taskID, tenantID, saasName, description string) error
	Execute(ctx context.Context, taskID, tenantID string) error
}

// API wires the run/task repositories and controllers onto chi routes.
type API struct {
	runs     *persistence.RunRepository
	tasks    *persistence.TaskRepository
	runCtl   RunController
	taskCtl  TaskController
	idgen    func() string
	notifier notify.Execer
	log      logr.Logger
}

// New builds an API. idgen defaults to a random UUID generator when nil.
// notifier is optional: when set, approveTask also publishes a Postgres
// NOTIFY so a replica other than the one serving the request can observe
// the approval (spec.md §4.5, "cross-replica approval wakeup"); when nil,
// approval still dispatches locally via taskCtl.Execute.
func New(runs *persistence.RunRepository, tasks *persistence.TaskRepository, runCtl RunController, taskCtl TaskController, idgen func() string, notifier notify.Execer, log logr.Logger) *API {
	if idgen == nil {
		idgen = func() string { return uuid.NewString() }
	}
	return &API{runs: runs, tasks: tasks, runCtl: runCtl, taskCtl: taskCtl, idgen: idgen, notifier: notifier, log: log}
}

// Mount registers every run and task route on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", a.createRun)
		r.Get("/", a.listRuns)
		r.Get("/{runID}", a.getRun)
		r.Post("/{runID}/resume", a.resumeRun)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", a.createTask)
		r.Get("/", a.listTasks)
		r.Get("/{taskID}", a.getTask)
		r.Post("/{taskID}/approve", a.approveTask)
		r.Post("/{taskID}/reject", a.rejectTask)
		r.Post("/{taskID}/retry", a.retryTask)
		r.Delete("/{taskID}", a.deleteTask)
	})
}

type createRunRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	Requirement string `json:"requirement" validate:"required"`
}

func (a *API) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid request body"))
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	runID := a.idgen()
	ctx := tenant.WithID(context.WithoutCancel(r.Context()), req.TenantID)
	go func() {
		if err := a.runCtl.StartRun(ctx, runID, req.TenantID, req.Requirement); err != nil {
			a.log.Error(err, "run failed", "run_id", runID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "tenant_id query parameter is required"))
		return
	}
	runs, err := a.runs.ListRuns(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	run, err := a.runs.GetRun(r.Context(), chi.URLParam(r, "runID"), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) resumeRun(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	runID := chi.URLParam(r, "runID")
	if tenantID == "" {
		writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "tenant_id query parameter is required"))
		return
	}
	ctx := tenant.WithID(context.WithoutCancel(r.Context()), tenantID)
	go func() {
		if err := a.runCtl.ResumeRun(ctx, runID, tenantID); err != nil {
			a.log.Error(err, "resume run failed", "run_id", runID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "resuming"})
}

type createTaskRequest struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	ConnectionID string `json:"connection_id"`
	SaaSName     string `json:"saas_name" validate:"required"`
	Description  string `json:"description" validate:"required"`
	DryRun       bool   `json:"dry_run"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid request body"))
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	taskID, err := a.tasks.CreateTask(r.Context(), persistence.Task{
		TenantID:     req.TenantID,
		ConnectionID: req.ConnectionID,
		SaaSName:     req.SaaSName,
		Description:  req.Description,
		DryRun:       req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := tenant.WithID(context.WithoutCancel(r.Context()), req.TenantID)
	go func() {
		if err := a.taskCtl.Plan(ctx, taskID, req.TenantID, req.SaaSName, req.Description); err != nil {
			a.log.Error(err, "task planning failed", "task_id", taskID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "planning"})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "tenant_id query parameter is required"))
		return
	}
	tasks, err := a.tasks.ListTasks(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	task, err := a.tasks.GetTask(r.Context(), chi.URLParam(r, "taskID"), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) approveTask(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	taskID := chi.URLParam(r, "taskID")
	if err := a.tasks.ApproveTask(r.Context(), taskID, tenantID); err != nil {
		writeError(w, err)
		return
	}
	ctx := tenant.WithID(context.WithoutCancel(r.Context()), tenantID)
	if a.notifier != nil {
		if err := notify.Notify(ctx, a.notifier, notify.Event{Kind: "task_approved", ID: tenantID + "/" + taskID}); err != nil {
			a.log.Error(err, "publish task approval notification failed", "task_id", taskID)
		}
	}
	go func() {
		if err := a.taskCtl.Execute(ctx, taskID, tenantID); err != nil {
			a.log.Error(err, "task execution failed", "task_id", taskID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "executing"})
}

func (a *API) rejectTask(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	taskID := chi.URLParam(r, "taskID")
	if err := a.tasks.RejectTask(r.Context(), taskID, tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "rejected"})
}

// retryTask re-runs the execution phase of a task that already has an
// approved plan (its planned_operations survive a prior failed attempt), so
// no new plan is drafted — only Execute runs again.
func (a *API) retryTask(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	taskID := chi.URLParam(r, "taskID")

	task, err := a.tasks.GetTask(r.Context(), taskID, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		http.NotFound(w, r)
		return
	}
	if task.Status != persistence.TaskFailed {
		writeError(w, apperrors.New(apperrors.ErrorTypeConflict, "only a failed task can be retried"))
		return
	}

	ctx := tenant.WithID(context.WithoutCancel(r.Context()), tenantID)
	go func() {
		if err := a.taskCtl.Execute(ctx, taskID, tenantID); err != nil {
			a.log.Error(err, "task retry failed", "task_id", taskID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "executing"})
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	taskID := chi.URLParam(r, "taskID")
	if err := a.tasks.DeleteTask(r.Context(), taskID, tenantID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if appErr, ok := apperrors.As(err); ok {
		code = appErr.StatusCode
	}
	http.Error(w, err.Error(), code)
}
