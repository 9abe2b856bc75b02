// Package ingress exposes one tenant-scoped webhook endpoint per channel
// and normalizes inbound events into a run request (spec.md §4.8, C9).
// Grounded on _examples/original_source/server/slack_handler.py's
// parse_webhook/send_progress/send_result shape and
// _examples/original_source/server/main.py's webhook_notion handler
// (verification-challenge short-circuit, background execution, immediate
// 200), translated onto go-chi routing with explicit error returns instead
// of FastAPI exceptions.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// Event is a normalized inbound message, independent of which channel
// produced it.
type Event struct {
	Source      string
	Requirement string
	SenderID    string
	ReplyRef    map[string]string
	RawPayload  json.RawMessage
}

// ChannelAdapter is the behavioral contract every inbound channel
// implements (spec.md §4.8). Parse returns (nil, nil) for events that
// should be silently ignored (bot echoes, non-message event types,
// verification challenges already answered in-band).
type ChannelAdapter interface {
	Name() string
	Parse(ctx context.Context, r *http.Request, tenantID string) (*Event, error)
	SendProgress(ctx context.Context, replyRef map[string]string, text string) error
	SendResult(ctx context.Context, replyRef map[string]string, runID, status, detail string) error
}

// RunStarter is the subset of the run controller the ingress layer needs:
// enough to kick off a run in the background without importing the whole
// runcontroller package.
type RunStarter interface {
	StartRun(ctx context.Context, runID, tenantID, requirement string) error
}

// Router wires every registered ChannelAdapter's webhook onto
// POST /webhook/{channel}/{tenantID}.
type Router struct {
	adapters map[string]ChannelAdapter
	runs     RunStarter
	idgen    func() string
	log      logr.Logger
}

// NewRouter builds an ingress Router. idgen defaults to a random UUID
// generator when nil.
func NewRouter(adapters []ChannelAdapter, runs RunStarter, idgen func() string, log logr.Logger) *Router {
	byName := make(map[string]ChannelAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	if idgen == nil {
		idgen = defaultIDGen
	}
	return &Router{adapters: byName, runs: runs, idgen: idgen, log: log}
}

// Mount registers the webhook route on r.
func (ir *Router) Mount(r chi.Router) {
	r.Post("/webhook/{channel}/{tenantID}", ir.handleWebhook)
}

// handleWebhook authenticates and normalizes one inbound event, then
// enqueues a run in the background and acknowledges immediately — the
// "3-second-rule-style acknowledgement" from spec.md §4.8. The run itself
// executes asynchronously; its outcome reaches the sender later via
// SendResult, not through this response.
func (ir *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	tenantID := chi.URLParam(r, "tenantID")

	adapter, ok := ir.adapters[channel]
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	event, err := adapter.Parse(r.Context(), r, tenantID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if event == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ignored"}`))
		return
	}

	runID := ir.idgen()
	go ir.runInBackground(context.WithoutCancel(r.Context()), adapter, runID, tenantID, *event)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "run_id": runID})
}

func (ir *Router) runInBackground(ctx context.Context, adapter ChannelAdapter, runID, tenantID string, event Event) {
	if err := adapter.SendProgress(ctx, event.ReplyRef, "Run "+runID+" started."); err != nil {
		ir.log.V(1).Info("send progress failed", "error", err)
	}
	err := ir.runs.StartRun(ctx, runID, tenantID, event.Requirement)
	status, detail := "started", ""
	if err != nil {
		status, detail = "failed", err.Error()
	}
	if sendErr := adapter.SendResult(ctx, event.ReplyRef, runID, status, detail); sendErr != nil {
		ir.log.V(1).Info("send result failed", "error", sendErr)
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if appErr, ok := apperrors.As(err); ok {
		code = appErr.StatusCode
	}
	http.Error(w, err.Error(), code)
}

func defaultIDGen() string { return uuid.NewString() }
