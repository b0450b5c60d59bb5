package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/notify"
	"github.com/t77yq/pipelinectl/internal/storage"
)

// runRecorder keeps the run history and the event stream in step with a
// manual run. Failures are logged and never reach the caller.
type runRecorder struct {
	logger    *zap.Logger
	history   storage.RunHistory
	notifier  notify.Notifier
	startedBy string
}

func (r *runRecorder) launched(ctx context.Context, run *model.TaskRun) {
	if r.history != nil {
		if err := r.history.Store(ctx, storage.NewRunRecord(run, r.startedBy)); err != nil {
			r.logger.Warn("Failed to record run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	r.publish(ctx, run)
}

func (r *runRecorder) observed(ctx context.Context, run *model.TaskRun) {
	if r.history != nil {
		if err := r.history.Update(ctx, storage.NewRunRecord(run, r.startedBy)); err != nil {
			r.logger.Warn("Failed to update run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	r.publish(ctx, run)
}

func (r *runRecorder) publish(ctx context.Context, run *model.TaskRun) {
	if err := r.notifier.PublishRun(ctx, notify.NewRunEvent(run, r.startedBy)); err != nil {
		r.logger.Warn("Failed to publish run event", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (r *runRecorder) close() {
	r.notifier.Close()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("Failed to close run history", zap.Error(err))
		}
	}
}
