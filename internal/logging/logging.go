// Package logging wires the ambient structured-logging stack: zap does the
// actual formatting, and every component downstream depends only on logr.Logger
// so that the core never imports zap directly.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide base logger. development=true switches to
// console encoding and debug level, matching how the teacher's services
// distinguish local runs from production.
func New(development bool) (logr.Logger, func(), error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, func() {}, err
	}

	logger := zapr.NewLogger(zl)
	return logger, func() { _ = zl.Sync() }, nil
}

// WithRun returns a child logger scoped to a single run, the way every stage
// and sub-component should log so that log aggregation can filter by run id
// without parsing message text.
func WithRun(base logr.Logger, tenantID, runID string) logr.Logger {
	return base.WithValues("tenant_id", tenantID, "run_id", runID)
}

// WithTask is the task-track analogue of WithRun.
func WithTask(base logr.Logger, tenantID, taskID string) logr.Logger {
	return base.WithValues("tenant_id", tenantID, "task_id", taskID)
}
