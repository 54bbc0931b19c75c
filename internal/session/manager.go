package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/action"
	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/linker"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/observability"
	"github.com/pitabwire/modelmgmt/internal/validation"
	"github.com/pitabwire/modelmgmt/model"
)

// Source supplies the catalogue and the payload documents a session graph
// is linked from. The returned payloads must contain modelID and every
// model it inherits from.
type Source interface {
	Load(ctx context.Context, modelID string) (*metadata.ModelsMetaData, []*model.ModelsPayload, error)
}

// Recorder persists saved change-sets.
type Recorder interface {
	Append(ctx context.Context, record model.ChangeSetRecord) error
}

// Publisher forwards saved change-sets to the model service.
type Publisher interface {
	Submit(ctx context.Context, modelID string, changes []model.ChangeSet) error
}

// Observer receives session lifecycle events.
type Observer interface {
	OnSessionEvent(ctx context.Context, event Event)
}

// Session operations reported to observers.
const (
	OpOpen    = "open"
	OpEdit    = "edit"
	OpUndo    = "undo"
	OpRedo    = "redo"
	OpCancel  = "cancel"
	OpSave    = "save"
	OpClose   = "close"
	OpExpire  = "expire"
	OpInvalid = "validation_failed"
)

// Event describes the outcome of a session operation.
type Event struct {
	Operation  string        `json:"operation"`
	SessionID  string        `json:"session_id"`
	ModelID    string        `json:"model_id"`
	ActionType string        `json:"action_type,omitempty"`
	Success    bool          `json:"success"`
	Open       int           `json:"open"`
	Duration   time.Duration `json:"duration"`
}

// Manager owns the editing sessions of the service.
type Manager struct {
	source    Source
	recorder  Recorder
	publisher Publisher
	ledger    SaveLedger
	observers []Observer
	logger    *zap.Logger

	ttl       time.Duration
	ledgerTTL time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithRecorder sets the change-set store saves are persisted to.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithPublisher sets the upstream saves are forwarded to.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLedger sets the save idempotency ledger and how long entries live.
func WithLedger(l SaveLedger, ttl time.Duration) Option {
	return func(m *Manager) {
		m.ledger = l
		m.ledgerTTL = ttl
	}
}

// WithObserver adds a session observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithTTL sets how long an idle session survives.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager loading models from source.
func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source:    source,
		logger:    zap.NewNop(),
		ttl:       30 * time.Minute,
		ledgerTTL: 24 * time.Hour,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Open links a private graph for modelID and starts a session on it.
func (m *Manager) Open(ctx context.Context, rctx *model.RequestContext, modelID string) (_ model.SessionDescriptor, err error) {
	start := m.now()
	attrs := []attribute.KeyValue{observability.AttrModelID.String(modelID)}
	if rctx != nil {
		attrs = append(attrs,
			observability.AttrTenantID.String(rctx.TenantID),
			observability.AttrSubjectID.String(rctx.SubjectID),
		)
	}
	ctx, span := observability.StartSessionSpan(ctx, OpOpen, "", attrs...)
	defer func() { observability.EndSpan(span, err) }()

	meta, payloads, err := m.source.Load(ctx, modelID)
	if err != nil {
		return model.SessionDescriptor{}, err
	}

	g := graph.New(meta)
	l := linker.NewModelLinker(meta, m.logger)
	if err := l.Link(g, payloads...); err != nil {
		return model.SessionDescriptor{}, fmt.Errorf("link model %q: %w", modelID, err)
	}
	root, ok := g.Find(modelID)
	if !ok || !root.IsLoaded() {
		return model.SessionDescriptor{}, model.NewNotFoundError(fmt.Sprintf("model %q not found", modelID))
	}

	s := &Session{
		ID:        uuid.NewString(),
		ModelID:   modelID,
		CreatedAt: start,
		lastUsed:  start,
		graph:     g,
		root:      root,
		registry:  action.NewDefaultRegistry(l.Resolver(), m.logger),
		validator: validation.NewService(m.logger),
	}
	if rctx != nil {
		s.TenantID = rctx.TenantID
		s.SubjectID = rctx.SubjectID
	}
	s.validate()

	m.mu.Lock()
	m.sessions[s.ID] = s
	open := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session opened",
		zap.String("session_id", s.ID),
		zap.String("model_id", modelID),
		zap.Int("nodes", g.Size()),
	)
	m.notify(ctx, Event{Operation: OpOpen, SessionID: s.ID, ModelID: modelID, Success: true, Open: open, Duration: m.now().Sub(start)})
	return s.describe(), nil
}

// Describe returns the current descriptor of a session.
func (m *Manager) Describe(_ context.Context, id string) (model.SessionDescriptor, error) {
	var d model.SessionDescriptor
	err := m.with(id, func(s *Session) error {
		d = s.describe()
		return nil
	})
	return d, err
}

// Edit applies an edit action, validates the resulting attribute and
// pushes the action on the undo stack.
func (m *Manager) Edit(ctx context.Context, rctx *model.RequestContext, id string, in model.EditInput) (model.SessionDescriptor, error) {
	actionType := in.Type
	if actionType == "" {
		actionType = action.TypeChangeAttribute
	}
	observability.RequestLogger(ctx, m.logger).Debug("applying edit",
		append(observability.EditFields(in), zap.String("session_id", id))...)

	var d model.SessionDescriptor
	err := m.operate(ctx, id, OpEdit, actionType, func(s *Session) error {
		attr, err := s.resolveAttribute(in.Selector)
		if err != nil {
			return err
		}

		var a *action.Action
		switch actionType {
		case action.TypeChangeAttribute:
			if !attr.Restrictions.Updateable {
				return model.NewSessionError(model.ErrNotUpdateable,
					fmt.Sprintf("attribute %q is not updateable", in.Selector))
			}
			a = action.NewChangeAttribute(attr, s.root, editValues(attr, in, rctx))
		case action.TypeRestoreInheritedAttribute:
			a = action.NewRestoreInheritedAttribute(attr, s.root)
		default:
			return model.NewBadRequestError(fmt.Sprintf("unknown action type %q", in.Type))
		}

		results, err := s.registry.Execute([]*action.Action{a})
		if err != nil {
			return actionError(err)
		}
		s.validator.ValidateAttribute(results[0], a.Context)
		s.undo = append(s.undo, a)
		s.redo = nil
		d = s.describe()
		return nil
	})
	return d, err
}

// Undo restores the most recent action.
func (m *Manager) Undo(ctx context.Context, id string) (model.SessionDescriptor, error) {
	var d model.SessionDescriptor
	err := m.operate(ctx, id, OpUndo, "", func(s *Session) error {
		if len(s.undo) == 0 {
			return model.NewSessionError(model.ErrNothingToUndo, "nothing to undo")
		}
		a := s.undo[len(s.undo)-1]
		results, err := s.registry.Restore([]*action.Action{a})
		if err != nil {
			return actionError(err)
		}
		if results[0] != nil {
			s.validator.ValidateAttribute(results[0], a.Context)
		}
		s.undo = s.undo[:len(s.undo)-1]
		s.redo = append(s.redo, a)
		d = s.describe()
		return nil
	})
	return d, err
}

// Redo executes the most recently undone action again.
func (m *Manager) Redo(ctx context.Context, id string) (model.SessionDescriptor, error) {
	var d model.SessionDescriptor
	err := m.operate(ctx, id, OpRedo, "", func(s *Session) error {
		if len(s.redo) == 0 {
			return model.NewSessionError(model.ErrNothingToRedo, "nothing to redo")
		}
		a := s.redo[len(s.redo)-1]
		results, err := s.registry.Execute([]*action.Action{a})
		if err != nil {
			return actionError(err)
		}
		s.validator.ValidateAttribute(results[0], a.Context)
		s.redo = s.redo[:len(s.redo)-1]
		s.undo = append(s.undo, a)
		d = s.describe()
		return nil
	})
	return d, err
}

// Cancel restores every executed action, newest first, and clears both
// stacks.
func (m *Manager) Cancel(ctx context.Context, id string) (model.SessionDescriptor, error) {
	var d model.SessionDescriptor
	err := m.operate(ctx, id, OpCancel, "", func(s *Session) error {
		for _, a := range slices.Backward(s.undo) {
			if _, err := s.registry.Restore([]*action.Action{a}); err != nil {
				return actionError(err)
			}
		}
		s.undo, s.redo = nil, nil
		s.validate()
		d = s.describe()
		return nil
	})
	return d, err
}

// Validate re-validates the whole session.
func (m *Manager) Validate(_ context.Context, id string) (model.ValidationReport, error) {
	var report model.ValidationReport
	err := m.with(id, func(s *Session) error {
		report = s.validate()
		return nil
	})
	return report, err
}

// ChangeSets returns the de-duplicated change-set of the pending actions.
func (m *Manager) ChangeSets(_ context.Context, id string) ([]model.ChangeSet, error) {
	var out []model.ChangeSet
	err := m.with(id, func(s *Session) error {
		var err error
		out, err = s.changeSets()
		return err
	})
	return out, err
}

// Save validates the session, persists its change-set and commits every
// value. A non-empty idempotencyKey makes retries return the first result.
func (m *Manager) Save(ctx context.Context, id, idempotencyKey string) (model.SaveResult, error) {
	var result model.SaveResult
	err := m.operate(ctx, id, OpSave, "", func(s *Session) error {
		changes, err := s.changeSets()
		if err != nil {
			return err
		}

		var ledgerKey, hash string
		if m.ledger != nil && idempotencyKey != "" {
			ledgerKey = LedgerKey(s.TenantID, s.ModelID, idempotencyKey)
			hash = HashChanges(changes)
			if len(changes) == 0 && ledgerKey == s.lastSaveKey {
				hash = s.lastSaveHash
			}
			cached, found, err := m.ledger.Lookup(ctx, ledgerKey, hash)
			if err != nil {
				return err
			}
			if found {
				result = *cached
				return nil
			}
		}

		if len(changes) == 0 {
			return model.NewSessionError(model.ErrNothingToSave, "session has no pending changes")
		}
		report := s.validate()
		if !report.Valid {
			m.notify(ctx, Event{Operation: OpInvalid, SessionID: s.ID, ModelID: s.ModelID})
			return model.NewValidationError(report.Errors)
		}

		record := model.ChangeSetRecord{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			ModelID:   s.ModelID,
			TenantID:  s.TenantID,
			SubjectID: s.SubjectID,
			Changes:   changes,
			CreatedAt: m.now().UTC(),
		}
		if m.publisher != nil {
			if err := m.publisher.Submit(ctx, s.ModelID, changes); err != nil {
				return err
			}
		}
		if m.recorder != nil {
			if err := m.recorder.Append(ctx, record); err != nil {
				return fmt.Errorf("persist change-set: %w", err)
			}
		}

		s.commit()
		s.undo, s.redo = nil, nil
		result = model.SaveResult{RecordID: record.ID, Changes: changes, SavedAt: record.CreatedAt}

		if ledgerKey != "" {
			s.lastSaveKey, s.lastSaveHash = ledgerKey, hash
			if err := m.ledger.Remember(ctx, ledgerKey, hash, result, m.ledgerTTL); err != nil {
				m.logger.Warn("remember save result failed", zap.String("key", ledgerKey), zap.Error(err))
			}
		}
		m.logger.Info("session saved",
			zap.String("session_id", s.ID),
			zap.String("model_id", s.ModelID),
			zap.String("record_id", record.ID),
			zap.Int("changes", len(changes)),
		)
		return nil
	})
	return result, err
}

// Close discards a session.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	open := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return model.NewSessionNotFoundError(id)
	}
	m.logger.Info("session closed", zap.String("session_id", id), zap.String("model_id", s.ModelID))
	m.notify(ctx, Event{Operation: OpClose, SessionID: id, ModelID: s.ModelID, Success: true, Open: open})
	return nil
}

// Sweep closes every session idle for longer than the TTL and returns how
// many were closed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.mu.TryLock() {
			idle := s.lastUsed.Before(cutoff)
			s.mu.Unlock()
			if idle {
				expired = append(expired, s)
				delete(m.sessions, id)
			}
		}
	}
	open := len(m.sessions)
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("session expired", zap.String("session_id", s.ID), zap.String("model_id", s.ModelID))
		m.notify(ctx, Event{Operation: OpExpire, SessionID: s.ID, ModelID: s.ModelID, Success: true, Open: open})
	}
	if p, ok := m.ledger.(interface{ Purge() int }); ok {
		p.Purge()
	}
	return len(expired)
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, model.NewSessionNotFoundError(id)
	}
	return s, nil
}

// Owner returns the tenant a session was opened for.
func (m *Manager) Owner(id string) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return s.TenantID, nil
}

// with runs fn under the session lock and marks the session used.
func (m *Manager) with(id string, fn func(*Session) error) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = m.now()
	return fn(s)
}

// operate is with plus tracing and observer notification.
func (m *Manager) operate(ctx context.Context, id, op, actionType string, fn func(*Session) error) (err error) {
	start := m.now()
	var attrs []attribute.KeyValue
	if actionType != "" {
		attrs = append(attrs, observability.AttrActionType.String(actionType))
	}
	ctx, span := observability.StartSessionSpan(ctx, op, id, attrs...)
	defer func() { observability.EndSpan(span, err) }()

	var modelID string
	err = m.with(id, func(s *Session) error {
		modelID = s.ModelID
		return fn(s)
	})
	var env *model.ErrorEnvelope
	if err != nil && errors.As(err, &env) && env.Code == model.ErrSessionNotFound {
		return err
	}
	if err != nil {
		m.logger.Warn("session operation failed",
			zap.String("operation", op),
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
	m.notify(ctx, Event{
		Operation:  op,
		SessionID:  id,
		ModelID:    modelID,
		ActionType: actionType,
		Success:    err == nil,
		Open:       m.Len(),
		Duration:   m.now().Sub(start),
	})
	return err
}

func (m *Manager) notify(ctx context.Context, e Event) {
	for _, o := range m.observers {
		o.OnSessionEvent(ctx, e)
	}
}

// resolveAttribute resolves an attribute selector relative to the root.
// The selector may start with the root's own segment.
func (s *Session) resolveAttribute(selector string) (*graph.Attribute, error) {
	p, err := graph.ParsePath(selector)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid selector: %v", err))
	}
	if p[0].Kind == s.root.Kind() && p[0].ID == s.root.ID() {
		p = p[1:]
	}
	n, err := graph.ResolveFrom(s.root, p)
	if err != nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("selector %q: %v", selector, err))
	}
	a, ok := n.(*graph.Attribute)
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("selector %q does not address an attribute", selector))
	}
	return a, nil
}

// editValues maps the request onto language → value. A bare value of a
// multi-language attribute is assigned in the caller's language.
func editValues(a *graph.Attribute, in model.EditInput, rctx *model.RequestContext) map[string]any {
	if len(in.Values) > 0 {
		return in.Values
	}
	if !a.IsMultiValued() {
		return map[string]any{"": in.Value}
	}
	lang := model.DefaultLanguage
	if rctx != nil {
		lang = rctx.Language()
	}
	return map[string]any{lang: in.Value}
}

func actionError(err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	switch {
	case errors.Is(err, action.ErrUnknownActionType),
		errors.Is(err, action.ErrNotInherited),
		errors.Is(err, action.ErrNotExecuted),
		errors.Is(err, graph.ErrLanguageRequired):
		return model.NewBadRequestError(err.Error())
	}
	return model.NewBadRequestError(fmt.Sprintf("invalid value: %v", err))
}
