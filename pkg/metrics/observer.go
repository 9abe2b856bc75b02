package metrics

import (
	"context"
	"time"
)

// StageRecorder adapts Metrics to pkg/scheduler.StageObserver, so a Graph
// can be built with `.WithObserver(metrics.NewStageRecorder(m, "code_track"))`
// alongside `.WithObserver(tracing.New(...))` — both observers are optional
// and independent, nothing in the scheduler depends on either package.
type StageRecorder struct {
	metrics  *Metrics
	pipeline string
}

// NewStageRecorder builds a StageRecorder for one named pipeline.
func NewStageRecorder(m *Metrics, pipeline string) *StageRecorder {
	return &StageRecorder{metrics: m, pipeline: pipeline}
}

func (r *StageRecorder) StageStarted(ctx context.Context, _ string) context.Context {
	return ctx
}

func (r *StageRecorder) StageFinished(_ context.Context, stage string, dur time.Duration, timedOut bool, err error) {
	outcome := "ok"
	switch {
	case timedOut:
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	r.metrics.RecordStage(r.pipeline, stage, outcome, dur.Seconds())
}
