// Package session manages editing sessions over the model graph: each
// session owns a private graph, an undo and a redo stack of actions, and
// saves its pending change-set.
package session

import (
	"sync"
	"time"

	"github.com/pitabwire/modelmgmt/internal/action"
	"github.com/pitabwire/modelmgmt/internal/changeset"
	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/validation"
	"github.com/pitabwire/modelmgmt/model"
)

// Session is one editing session. Every method of the core packages called
// on its graph runs under mu.
type Session struct {
	mu sync.Mutex

	ID        string
	ModelID   string
	TenantID  string
	SubjectID string
	CreatedAt time.Time

	lastUsed  time.Time
	graph     *graph.Graph
	root      *graph.Model
	registry  *action.Registry
	validator *validation.Service

	undo []*action.Action
	redo []*action.Action

	lastSaveKey  string
	lastSaveHash string
}

// Root returns the model being edited.
func (s *Session) Root() *graph.Model {
	return s.root
}

func (s *Session) pending() []*action.Action {
	var out []*action.Action
	for _, a := range s.undo {
		if a.IsPending() {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) changeSets() ([]model.ChangeSet, error) {
	records, err := s.registry.ChangeSet(s.pending())
	if err != nil {
		return nil, err
	}
	return changeset.Dedupe(records), nil
}

// visit calls fn for every effective model reachable from the root, each
// once, together with the model it is viewed from (nil for the root).
func (s *Session) visit(fn func(m, viewer *graph.Model)) {
	seen := map[graph.Ref]bool{}
	var walk func(m, viewer *graph.Model)
	walk = func(m, viewer *graph.Model) {
		if seen[m.Ref()] {
			return
		}
		seen[m.Ref()] = true
		fn(m, viewer)
		for _, k := range m.ChildKinds() {
			for _, c := range m.Children(k) {
				walk(c, m)
			}
		}
	}
	walk(s.root, nil)
}

// validate re-validates every effective attribute of the session and
// returns the active errors keyed by attribute selector. Errors of
// inherited attributes are reported but only own attributes decide
// validity.
func (s *Session) validate() model.ValidationReport {
	var errs []model.FieldError
	s.visit(func(m, _ *graph.Model) {
		for _, a := range m.Attributes() {
			s.validator.ValidateAttribute(a, m)
		}
	})
	seen := map[graph.Ref]bool{}
	s.visit(func(m, _ *graph.Model) {
		for _, a := range m.Attributes() {
			if seen[a.Ref()] {
				continue
			}
			seen[a.Ref()] = true
			for _, label := range a.Validation.Errors {
				errs = append(errs, model.FieldError{
					Field:   changeset.Selector(a),
					Code:    model.ErrValidationError,
					Message: label,
				})
			}
		}
	})
	report := model.ValidationReport{Valid: s.valid(), Errors: errs}
	report.SaveDisabled = !report.Valid || len(s.pending()) == 0
	return report
}

// valid reports whether the root and every own descendant model are valid.
func (s *Session) valid() bool {
	valid := true
	s.root.Walk(func(m *graph.Model) {
		valid = valid && m.IsValid()
	})
	return valid
}

// commit makes every value of the session graph its new baseline.
func (s *Session) commit() {
	for i := 1; i <= s.graph.Size(); i++ {
		if a, ok := s.graph.Node(graph.Ref(i)).(*graph.Attribute); ok {
			a.Commit()
		}
	}
}

func (s *Session) describe() model.SessionDescriptor {
	return model.SessionDescriptor{
		ID:           s.ID,
		ModelID:      s.ModelID,
		Dirty:        len(s.pending()) > 0,
		SaveDisabled: s.saveDisabled(),
		CanUndo:      len(s.undo) > 0,
		CanRedo:      len(s.redo) > 0,
		CreatedAt:    s.CreatedAt,
		Model:        describeModel(s.root, nil, map[graph.Ref]bool{}),
	}
}

// saveDisabled reports whether saving is disabled from the current
// validation state, without re-running the rules.
func (s *Session) saveDisabled() bool {
	return len(s.pending()) == 0 || !s.valid()
}

func describeModel(m, viewer *graph.Model, seen map[graph.Ref]bool) model.ModelDescriptor {
	seen[m.Ref()] = true
	d := model.ModelDescriptor{
		ID:        m.ID(),
		Kind:      string(m.Kind()),
		Selector:  changeset.Selector(m),
		Inherited: viewer != nil && !viewer.Owns(m),
		Valid:     m.IsValid(),
	}
	for _, a := range m.Attributes() {
		d.Attributes = append(d.Attributes, describeAttribute(m, a))
	}
	for _, k := range m.ChildKinds() {
		for _, c := range m.Children(k) {
			if seen[c.Ref()] {
				continue
			}
			d.Children = append(d.Children, describeModel(c, m, seen))
		}
	}
	return d
}

func describeAttribute(m *graph.Model, a *graph.Attribute) model.AttributeDescriptor {
	return model.AttributeDescriptor{
		ID:         a.ID(),
		Type:       string(a.Type()),
		Selector:   changeset.Selector(a),
		Value:      a.Extract((*graph.Value).Value),
		Inherited:  !m.Owns(a),
		Dirty:      a.IsDirty(),
		Updateable: a.Restrictions.Updateable,
		Mandatory:  a.Restrictions.Mandatory,
		Visible:    a.Restrictions.Visible,
		Errors:     a.Validation.Errors,
	}
}
