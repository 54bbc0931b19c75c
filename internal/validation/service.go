// Package validation evaluates the validation rules of attributes and
// recomputes their restrictions.
package validation

import (
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/rules"
)

// MandatoryLabel is reported for empty mandatory attributes.
const MandatoryLabel = "validation.field.mandatory"

// Service validates attributes against their catalogue rules.
type Service struct {
	logger *zap.Logger
}

// NewService creates a validation Service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// ValidateAttribute recomputes the errors and restrictions of a. Rules are
// evaluated against ctx, or a's parent model when ctx is nil. Attributes
// listed as affected by a are re-validated once against the same context.
func (s *Service) ValidateAttribute(a *graph.Attribute, ctx graph.Node) {
	if ctx == nil {
		ctx = a.Parent()
	}
	s.validate(a, ctx)

	m, ok := ctx.(*graph.Model)
	if !ok {
		return
	}
	for _, id := range a.MetaData().Affected {
		if id == a.ID() {
			continue
		}
		if other, ok := m.Attribute(id); ok {
			s.validate(other, ctx)
		}
	}
}

// ValidateModel validates every own attribute of m and of its own child
// models and reports whether all of them are valid.
func (s *Service) ValidateModel(m *graph.Model) bool {
	valid := true
	m.Walk(func(n *graph.Model) {
		for _, a := range n.OwnAttributes() {
			s.ValidateAttribute(a, n)
		}
	})
	m.Walk(func(n *graph.Model) {
		valid = valid && n.IsValid()
	})
	return valid
}

func (s *Service) validate(a *graph.Attribute, ctx graph.Node) {
	meta := a.MetaData()
	a.Validation.Reset()
	a.Restrictions = meta.Defaults

	env := rules.Env{Value: a.Value()}
	if m, ok := ctx.(*graph.Model); ok && m != nil {
		env.Context = modelScope{m: m}
	}

	for i, rule := range meta.Rules {
		if rule.Program == nil {
			continue
		}
		matched, err := rule.Program.Match(env)
		if err != nil {
			s.logger.Debug("rule evaluation failed",
				zap.String("attribute", a.ID()),
				zap.Int("rule", i),
				zap.String("expression", rule.Expression),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}
		if rule.ErrorLabel != "" {
			a.Validation.Add(rule.ErrorLabel)
		}
		a.Restrictions = rule.Outcome.Apply(meta.Defaults)
	}

	if a.Restrictions.Mandatory && a.IsEmpty() {
		a.Validation.Add(MandatoryLabel)
	}
}

// modelScope exposes a model's attributes to rule expressions.
type modelScope struct {
	m *graph.Model
}

func (s modelScope) ContextID() string {
	return s.m.ID()
}

func (s modelScope) ContextValue(id string) (any, bool) {
	a, ok := s.m.Attribute(id)
	if !ok {
		return nil, false
	}
	return a.Value(), true
}
