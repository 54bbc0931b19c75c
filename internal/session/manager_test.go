package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/action"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/validation"
	"github.com/pitabwire/modelmgmt/model"
)

type staticSource struct {
	meta     *metadata.ModelsMetaData
	payloads []*model.ModelsPayload
}

func (s *staticSource) Load(context.Context, string) (*metadata.ModelsMetaData, []*model.ModelsPayload, error) {
	return s.meta, s.payloads, nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []model.ChangeSetRecord
}

func (r *memoryRecorder) Append(_ context.Context, rec model.ChangeSetRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type eventLog struct {
	events []Event
}

func (l *eventLog) OnSessionEvent(_ context.Context, e Event) {
	l.events = append(l.events, e)
}

func boolPtr(b bool) *bool { return &b }

func newSource() *staticSource {
	attrs := []model.AttributeMetaDataDefinition{
		{ID: "label", Type: "label"},
		{ID: "title", Type: "string"},
		{ID: "name", Type: "string", ValidationModel: model.ValidationModelDefinition{Mandatory: boolPtr(true)}},
		{ID: "code", Type: "string", ValidationModel: model.ValidationModelDefinition{Updateable: boolPtr(false)}},
	}
	meta := metadata.Build(&model.MetaDataDefinition{
		Classes:     attrs,
		Definitions: attrs,
		Fields:      []model.AttributeMetaDataDefinition{{ID: "size", Type: "integer"}},
	}, zap.NewNop())
	return &staticSource{
		meta: meta,
		payloads: []*model.ModelsPayload{{
			Classes: []model.ModelItem{{
				ID: "P",
				Attributes: []model.AttributeValue{
					{ID: "label", Value: map[string]any{"en": "Person"}},
					{ID: "title", Value: "P title"},
					{ID: "name", Value: "p"},
					{ID: "code", Value: "P-1"},
				},
				Fields: []model.ModelItem{{ID: "f", Attributes: []model.AttributeValue{{ID: "size", Value: 5}}}},
			}},
			Definitions: []model.ModelItem{
				{ID: "D", Parent: "P", Attributes: []model.AttributeValue{{ID: "title", Value: "D title"}}},
				{ID: "C", Parent: "D"},
			},
		}},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env), "error %v is not an envelope", err)
	require.Equal(t, code, env.Code)
}

func openC(t *testing.T, m *Manager) string {
	t.Helper()
	d, err := m.Open(context.Background(), &model.RequestContext{TenantID: "t1", SubjectID: "u1"}, "C")
	require.NoError(t, err)
	require.Equal(t, "C", d.Model.ID)
	require.False(t, d.Dirty)
	require.True(t, d.SaveDisabled)
	return d.ID
}

func TestManager_OpenUnknownModel(t *testing.T) {
	m := NewManager(newSource())
	_, err := m.Open(context.Background(), nil, "missing")
	requireCode(t, err, model.ErrNotFound)
	require.Equal(t, 0, m.Len())
}

func TestManager_OpenDescribesInheritedAttributes(t *testing.T) {
	m := NewManager(newSource())
	id := openC(t, m)

	d, err := m.Describe(context.Background(), id)
	require.NoError(t, err)
	byID := map[string]model.AttributeDescriptor{}
	for _, a := range d.Model.Attributes {
		byID[a.ID] = a
	}
	require.Equal(t, "D title", byID["title"].Value)
	require.True(t, byID["title"].Inherited)
	require.Equal(t, "definition=D/attribute=title", byID["title"].Selector)
	require.False(t, byID["code"].Updateable)
	require.Len(t, d.Model.Children, 1)
	require.True(t, d.Model.Children[0].Inherited)
}

func TestManager_EditUndoRedo(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	id := openC(t, m)

	d, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "C title"})
	require.NoError(t, err)
	require.True(t, d.Dirty)
	require.True(t, d.CanUndo)
	require.False(t, d.SaveDisabled)

	changes, err := m.ChangeSets(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []model.ChangeSet{{
		Selector:  "definition=C/attribute=title",
		OldValue:  "D title",
		NewValue:  "C title",
		Operation: model.OperationModifyAttribute,
	}}, changes)

	d, err = m.Undo(ctx, id)
	require.NoError(t, err)
	require.False(t, d.Dirty)
	require.True(t, d.CanRedo)
	changes, err = m.ChangeSets(ctx, id)
	require.NoError(t, err)
	require.Empty(t, changes)

	d, err = m.Redo(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Dirty)
	require.False(t, d.CanRedo)

	_, err = m.Redo(ctx, id)
	requireCode(t, err, model.ErrNothingToRedo)
}

func TestManager_EditClearsRedo(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "one"})
	require.NoError(t, err)
	_, err = m.Undo(ctx, id)
	require.NoError(t, err)
	d, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "two"})
	require.NoError(t, err)
	require.False(t, d.CanRedo)
}

func TestManager_UndoEmpty(t *testing.T) {
	m := NewManager(newSource())
	id := openC(t, m)
	_, err := m.Undo(context.Background(), id)
	requireCode(t, err, model.ErrNothingToUndo)
}

func TestManager_EditSelectorWithRootSegment(t *testing.T) {
	m := NewManager(newSource())
	id := openC(t, m)
	_, err := m.Edit(context.Background(), nil, id, model.EditInput{Selector: "definition=C/field=f/attribute=size", Value: 9})
	require.NoError(t, err)

	changes, err := m.ChangeSets(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "definition=C/field=f/attribute=size", changes[0].Selector)
	require.Equal(t, int64(9), changes[0].NewValue)
}

func TestManager_EditErrors(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=code", Value: "x"})
	requireCode(t, err, model.ErrNotUpdateable)

	_, err = m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=nope", Value: "x"})
	requireCode(t, err, model.ErrNotFound)

	_, err = m.Edit(ctx, nil, id, model.EditInput{Selector: "field=f", Value: "x"})
	requireCode(t, err, model.ErrBadRequest)

	_, err = m.Edit(ctx, nil, id, model.EditInput{Type: "Bogus", Selector: "attribute=title"})
	requireCode(t, err, model.ErrBadRequest)

	_, err = m.Edit(ctx, nil, "nope", model.EditInput{Selector: "attribute=title"})
	requireCode(t, err, model.ErrSessionNotFound)
}

func TestManager_EditMultiLanguageUsesRequestLanguage(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	id := openC(t, m)

	rctx := &model.RequestContext{Locale: "fr-CH, en;q=0.8"}
	_, err := m.Edit(ctx, rctx, id, model.EditInput{Selector: "attribute=label", Value: "Personne"})
	require.NoError(t, err)

	changes, err := m.ChangeSets(ctx, id)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	values, ok := changes[0].NewValue.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Personne", values["fr"])
	require.Equal(t, "Person", values["en"])
}

func TestManager_RestoreInheritedAction(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	d, err := m.Open(ctx, nil, "D")
	require.NoError(t, err)

	d, err = m.Edit(ctx, nil, d.ID, model.EditInput{
		Type:     action.TypeRestoreInheritedAttribute,
		Selector: "attribute=title",
	})
	require.NoError(t, err)
	require.True(t, d.Dirty)

	changes, err := m.ChangeSets(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, []model.ChangeSet{{
		Selector:  "definition=D/attribute=title",
		OldValue:  "D title",
		NewValue:  "P title",
		Operation: model.OperationRestoreAttribute,
	}}, changes)
}

func TestManager_ValidateAndSaveRejectsInvalid(t *testing.T) {
	rec := &memoryRecorder{}
	m := NewManager(newSource(), WithRecorder(rec))
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=name", Value: ""})
	require.NoError(t, err)

	report, err := m.Validate(ctx, id)
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.True(t, report.SaveDisabled)
	require.Equal(t, []model.FieldError{{
		Field:   "definition=C/attribute=name",
		Code:    model.ErrValidationError,
		Message: validation.MandatoryLabel,
	}}, report.Errors)

	_, err = m.Save(ctx, id, "")
	requireCode(t, err, model.ErrValidationError)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	require.Len(t, env.Details, 1)
	require.Empty(t, rec.records)
}

func TestManager_InheritedErrorDoesNotBlockSave(t *testing.T) {
	src := newSource()
	src.payloads[0].Classes[0].Attributes[2].Value = ""
	rec := &memoryRecorder{}
	m := NewManager(src, WithRecorder(rec))
	ctx := context.Background()
	id := openC(t, m)

	d, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "C title"})
	require.NoError(t, err)
	require.True(t, d.Model.Valid)
	require.False(t, d.SaveDisabled)

	report, err := m.Validate(ctx, id)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.False(t, report.SaveDisabled)
	require.Equal(t, []model.FieldError{{
		Field:   "class=P/attribute=name",
		Code:    model.ErrValidationError,
		Message: validation.MandatoryLabel,
	}}, report.Errors)

	_, err = m.Save(ctx, id, "")
	require.NoError(t, err)
	require.Len(t, rec.records, 1)
}

func TestManager_SaveNothing(t *testing.T) {
	m := NewManager(newSource())
	id := openC(t, m)
	_, err := m.Save(context.Background(), id, "")
	requireCode(t, err, model.ErrNothingToSave)
}

func TestManager_SavePersistsAndCommits(t *testing.T) {
	rec := &memoryRecorder{}
	m := NewManager(newSource(), WithRecorder(rec))
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "C title"})
	require.NoError(t, err)

	result, err := m.Save(ctx, id, "")
	require.NoError(t, err)
	require.NotEmpty(t, result.RecordID)
	require.Len(t, result.Changes, 1)

	require.Len(t, rec.records, 1)
	require.Equal(t, result.RecordID, rec.records[0].ID)
	require.Equal(t, "t1", rec.records[0].TenantID)
	require.Equal(t, "u1", rec.records[0].SubjectID)
	require.Equal(t, "C", rec.records[0].ModelID)

	d, err := m.Describe(ctx, id)
	require.NoError(t, err)
	require.False(t, d.Dirty)
	require.False(t, d.CanUndo)
	for _, a := range d.Model.Attributes {
		if a.ID == "title" {
			require.Equal(t, "C title", a.Value)
			require.False(t, a.Inherited)
			require.False(t, a.Dirty)
		}
	}
}

type failingPublisher struct {
	calls int
	err   error
}

func (p *failingPublisher) Submit(context.Context, string, []model.ChangeSet) error {
	p.calls++
	return p.err
}

func TestManager_SaveRejectedUpstreamKeepsPendingChanges(t *testing.T) {
	rec := &memoryRecorder{}
	pub := &failingPublisher{err: model.NewConflictError("changed upstream")}
	m := NewManager(newSource(), WithRecorder(rec), WithPublisher(pub))
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "C title"})
	require.NoError(t, err)

	_, err = m.Save(ctx, id, "")
	requireCode(t, err, model.ErrConflict)
	require.Equal(t, 1, pub.calls)
	require.Empty(t, rec.records)

	d, err := m.Describe(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Dirty)
	require.True(t, d.CanUndo)
}

func TestManager_SaveIdempotent(t *testing.T) {
	rec := &memoryRecorder{}
	m := NewManager(newSource(), WithRecorder(rec), WithLedger(NewMemoryLedger(), time.Hour))
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "C title"})
	require.NoError(t, err)

	first, err := m.Save(ctx, id, "key-1")
	require.NoError(t, err)
	again, err := m.Save(ctx, id, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.RecordID, again.RecordID)
	require.Len(t, rec.records, 1)

	other := openC(t, m)
	_, err = m.Edit(ctx, nil, other, model.EditInput{Selector: "attribute=title", Value: "different"})
	require.NoError(t, err)
	_, err = m.Save(ctx, other, "key-1")
	requireCode(t, err, model.ErrConflict)
	require.Len(t, rec.records, 1)
}

func TestManager_Cancel(t *testing.T) {
	m := NewManager(newSource())
	ctx := context.Background()
	id := openC(t, m)

	_, err := m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "one"})
	require.NoError(t, err)
	_, err = m.Edit(ctx, nil, id, model.EditInput{Selector: "attribute=title", Value: "two"})
	require.NoError(t, err)
	_, err = m.Edit(ctx, nil, id, model.EditInput{Selector: "field=f/attribute=size", Value: 7})
	require.NoError(t, err)

	d, err := m.Cancel(ctx, id)
	require.NoError(t, err)
	require.False(t, d.Dirty)
	require.False(t, d.CanUndo)
	require.False(t, d.CanRedo)
	for _, a := range d.Model.Attributes {
		if a.ID == "title" {
			require.Equal(t, "D title", a.Value)
			require.True(t, a.Inherited)
		}
	}
	changes, err := m.ChangeSets(ctx, id)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestManager_CloseAndSweep(t *testing.T) {
	events := &eventLog{}
	m := NewManager(newSource(), WithTTL(time.Minute), WithObserver(events))
	now := time.Now()
	m.now = func() time.Time { return now }

	idle := openC(t, m)
	active := openC(t, m)
	closed := openC(t, m)
	require.Equal(t, 3, m.Len())

	require.NoError(t, m.Close(context.Background(), closed))
	requireCode(t, m.Close(context.Background(), closed), model.ErrSessionNotFound)

	now = now.Add(45 * time.Second)
	_, err := m.Describe(context.Background(), active)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	require.Equal(t, 1, m.Sweep(context.Background()))
	require.Equal(t, 1, m.Len())

	_, err = m.Describe(context.Background(), idle)
	requireCode(t, err, model.ErrSessionNotFound)

	var ops []string
	for _, e := range events.events {
		ops = append(ops, e.Operation)
	}
	require.Equal(t, []string{OpOpen, OpOpen, OpOpen, OpClose, OpExpire}, ops)
}

func TestManager_Owner(t *testing.T) {
	m := NewManager(newSource())
	id := openC(t, m)

	tenant, err := m.Owner(id)
	require.NoError(t, err)
	require.Equal(t, "t1", tenant)

	_, err = m.Owner("missing")
	requireCode(t, err, model.ErrSessionNotFound)
}
