package dispatcher

import "pixi.goldmine.build/go/sklog"

// Reporter receives progress notifications from the orchestrator loop. It is
// the supplement described in SPEC_FULL.md §3: spec.md's §4.1 names
// clear_reporter() but leaves the interface it drains implicit.
//
// Implementations must not block significantly; the orchestrator calls
// these synchronously from its own goroutine between processing requests.
type Reporter interface {
	OnTaskQueued(ctx *TaskContext)
	OnTaskProgress(ctx *TaskContext, fraction float64, message string)
	OnTaskFinished(ctx *TaskContext, err error)
}

// NoopReporter discards every notification. It is the default when no
// Reporter is configured.
type NoopReporter struct{}

func (NoopReporter) OnTaskQueued(*TaskContext)                        {}
func (NoopReporter) OnTaskProgress(*TaskContext, float64, string) {}
func (NoopReporter) OnTaskFinished(*TaskContext, error)               {}

// LoggingReporter logs queue/finish events through sklog. It is meant as a
// development-time Reporter; production callers typically supply one that
// forwards to a terminal progress renderer (out of scope, §1).
type LoggingReporter struct {
	logf func(format string, args ...interface{})
}

// NewLoggingReporter builds a LoggingReporter. Passing a nil logf defaults
// to sklog.Infof.
func NewLoggingReporter(logf func(format string, args ...interface{})) *LoggingReporter {
	if logf == nil {
		logf = defaultLogf
	}
	return &LoggingReporter{logf: logf}
}

func (r *LoggingReporter) OnTaskQueued(ctx *TaskContext) {
	r.logf("dispatcher: queued %s %s", ctx.Family, ctx.Key)
}

func (r *LoggingReporter) OnTaskProgress(ctx *TaskContext, fraction float64, message string) {
	r.logf("dispatcher: %s %s %.0f%% %s", ctx.Family, ctx.Key, fraction*100, message)
}

func (r *LoggingReporter) OnTaskFinished(ctx *TaskContext, err error) {
	if err != nil {
		r.logf("dispatcher: %s %s failed: %v", ctx.Family, ctx.Key, err)
		return
	}
	r.logf("dispatcher: %s %s done", ctx.Family, ctx.Key)
}

func defaultLogf(format string, args ...interface{}) {
	sklog.Infof(format, args...)
}
