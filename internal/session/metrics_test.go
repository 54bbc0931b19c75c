package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/modelmgmt/internal/observability"
)

func TestMetricsObserver_RecordsEvents(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	o := NewMetricsObserver(m)
	ctx := context.Background()

	o.OnSessionEvent(ctx, Event{Operation: OpOpen, Success: true, Open: 2, Duration: time.Millisecond})
	o.OnSessionEvent(ctx, Event{Operation: OpEdit, ActionType: "CHANGE_ATTRIBUTE", Success: true, Open: 2})
	o.OnSessionEvent(ctx, Event{Operation: OpEdit, ActionType: "CHANGE_ATTRIBUTE", Success: false, Open: 2})
	o.OnSessionEvent(ctx, Event{Operation: OpUndo, Success: true, Open: 2})
	o.OnSessionEvent(ctx, Event{Operation: OpInvalid})
	o.OnSessionEvent(ctx, Event{Operation: OpSave, Success: false, Open: 2})
	o.OnSessionEvent(ctx, Event{Operation: OpExpire, Success: true, Open: 1})

	if v := testutil.ToFloat64(m.SessionsOpen); v != 1 {
		t.Errorf("sessions open = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ActionsExecutedTotal.WithLabelValues("CHANGE_ATTRIBUTE")); v != 1 {
		t.Errorf("actions executed = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ActionsRestoredTotal.WithLabelValues(OpUndo)); v != 1 {
		t.Errorf("actions restored = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SessionOperationsTotal.WithLabelValues(OpEdit, "error")); v != 1 {
		t.Errorf("failed edits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ValidationFailuresTotal); v != 1 {
		t.Errorf("validation failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SavesTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("failed saves = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SessionsExpiredTotal); v != 1 {
		t.Errorf("expired = %v, want 1", v)
	}
}
