package session

import (
	"context"

	"github.com/pitabwire/modelmgmt/internal/observability"
)

// MetricsObserver records session events as Prometheus metrics.
type MetricsObserver struct {
	metrics *observability.Metrics
}

// NewMetricsObserver creates an Observer backed by metrics.
func NewMetricsObserver(metrics *observability.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

// OnSessionEvent implements Observer.
func (o *MetricsObserver) OnSessionEvent(_ context.Context, e Event) {
	switch e.Operation {
	case OpInvalid:
		o.metrics.RecordValidationFailure()
		return
	case OpExpire:
		o.metrics.RecordSessionExpired()
	case OpEdit, OpRedo:
		if e.Success {
			o.metrics.RecordActionExecuted(e.ActionType)
		}
	case OpUndo, OpCancel:
		if e.Success {
			o.metrics.RecordActionRestored(e.Operation)
		}
	case OpSave:
		o.metrics.RecordSave(e.Success)
	}

	o.metrics.RecordSessionOperation(e.Operation, e.Success, e.Duration)
	if e.Operation == OpOpen || e.Operation == OpClose || e.Operation == OpExpire {
		o.metrics.SetSessionsOpen(e.Open)
	}
}
