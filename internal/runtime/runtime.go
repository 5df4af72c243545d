// Package runtime bundles the handful of process-wide resources loopd's
// components need — configuration, logger, and the three cross-component
// queues named in the data model — behind one explicitly passed handle,
// replacing the package-global singleton pattern.
package runtime

import (
	"log/slog"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/devicemodel"
)

// Runtime is passed by pointer into every component constructor instead of
// being reached for via a package-level accessor. Queue fields are the
// three cross-component channels from the data model: action requests
// (device reinit), newly fired alarms awaiting the Worker's secondary
// confirmation, and delete-marked interfaces handed to the Worker for
// cleanup.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	ActionQueue chan devicemodel.ActionRequest
	AlarmQueue  chan devicemodel.AlarmRequest
	ReturnQueue chan devicemodel.ReturnRequest
}

// New constructs a Runtime with the given config and logger, sizing the
// three queues generously relative to MaxHosts so a burst of reinits or
// alarms in one tick never blocks the Main Controller's producer side.
func New(cfg *config.Config, logger *slog.Logger) *Runtime {
	qsize := cfg.Poller.MaxHosts * 4
	if qsize < 16 {
		qsize = 16
	}

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		ActionQueue: make(chan devicemodel.ActionRequest, qsize),
		AlarmQueue:  make(chan devicemodel.AlarmRequest, qsize),
		ReturnQueue: make(chan devicemodel.ReturnRequest, qsize),
	}
}

// With returns a component-scoped logger, matching the teacher's
// logger.With("component", name) convention.
func (r *Runtime) With(component string) *slog.Logger {
	return r.Logger.With("component", component)
}
