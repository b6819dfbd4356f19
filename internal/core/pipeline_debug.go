// internal/core/pipeline_debug.go
// Per-invocation step trace and its debug logging
package core

import (
	"time"

	"github.com/sirupsen/logrus"

	"joint-augmentation/internal/algorithms"
)

// StepRecord tracks one step of one invocation.
type StepRecord struct {
	Kind     algorithms.Kind
	Applied  bool
	Params   algorithms.Params
	Duration time.Duration
}

// Trace lists the steps of an invocation in execution order.
type Trace []StepRecord

// Find returns the first record of the given kind.
func (t Trace) Find(kind algorithms.Kind) (StepRecord, bool) {
	for _, r := range t {
		if r.Kind == kind {
			return r, true
		}
	}
	return StepRecord{}, false
}

// Applied returns the kinds that fired, in order.
func (t Trace) Applied() []algorithms.Kind {
	var kinds []algorithms.Kind
	for _, r := range t {
		if r.Applied {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// Total is the summed step duration.
func (t Trace) Total() time.Duration {
	var d time.Duration
	for _, r := range t {
		d += r.Duration
	}
	return d
}

func (r StepRecord) fields(variant Variant) logrus.Fields {
	f := logrus.Fields{
		"variant":     variant.String(),
		"step":        r.Kind.String(),
		"applied":     r.Applied,
		"duration_us": r.Duration.Microseconds(),
	}
	for k, v := range r.Params {
		f["param_"+k] = v
	}
	return f
}

// logTrace emits one debug entry per step. It is a no-op unless the logger
// is a logrus Logger or Entry with debug enabled.
func logTrace(logger logrus.FieldLogger, variant Variant, trace Trace) {
	if !debugEnabled(logger) {
		return
	}
	for _, r := range trace {
		logger.WithFields(r.fields(variant)).Debug("PIPELINE: step")
	}
}

func debugEnabled(logger logrus.FieldLogger) bool {
	switch l := logger.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return true
}
