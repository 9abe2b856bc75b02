package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name        string
	parseResult *Event
	parseErr    error

	mu       sync.Mutex
	progress []string
	results  []string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Parse(context.Context, *http.Request, string) (*Event, error) {
	return f.parseResult, f.parseErr
}
func (f *fakeAdapter) SendProgress(_ context.Context, _ map[string]string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, text)
	return nil
}
func (f *fakeAdapter) SendResult(_ context.Context, _ map[string]string, runID, status, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, status)
	return nil
}

type fakeRunStarter struct {
	started []string
	err     error
}

func (f *fakeRunStarter) StartRun(_ context.Context, _, _, requirement string) error {
	f.started = append(f.started, requirement)
	return f.err
}

func newTestRouter(adapter ChannelAdapter, runs RunStarter) http.Handler {
	r := chi.NewRouter()
	NewRouter([]ChannelAdapter{adapter}, runs, func() string { return "run-fixed" }, logr.Discard()).Mount(r)
	return r
}

func TestHandleWebhook_UnknownChannel(t *testing.T) {
	r := newTestRouter(&fakeAdapter{name: "slack"}, &fakeRunStarter{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/discord/t1", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhook_IgnoredEventReturns200(t *testing.T) {
	adapter := &fakeAdapter{name: "slack", parseResult: nil}
	r := newTestRouter(adapter, &fakeRunStarter{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/slack/t1", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleWebhook_StartsRunInBackground(t *testing.T) {
	adapter := &fakeAdapter{name: "slack", parseResult: &Event{Requirement: "add a widget", ReplyRef: map[string]string{"channel": "c1"}}}
	runs := &fakeRunStarter{}
	r := newTestRouter(adapter, runs)
	req := httptest.NewRequest(http.MethodPost, "/webhook/slack/t1", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.results) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"add a widget"}, runs.started)
	assert.Equal(t, "started", adapter.results[0])
}

func TestHandleWebhook_ParseErrorReturnsMappedStatus(t *testing.T) {
	adapter := &fakeAdapter{name: "slack", parseErr: plainError{}}
	r := newTestRouter(adapter, &fakeRunStarter{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/slack/t1", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type plainError struct{}

func (plainError) Error() string { return "boom" }
