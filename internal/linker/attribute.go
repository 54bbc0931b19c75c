// Package linker turns model payloads into graph nodes and resolves
// inheritance between them.
package linker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

// AttributeLinker links the attributes of a single model node.
type AttributeLinker struct {
	meta        *metadata.ModelsMetaData
	logger      *zap.Logger
	defaultLang string
}

// NewAttributeLinker creates an AttributeLinker over a catalogue.
func NewAttributeLinker(meta *metadata.ModelsMetaData, logger *zap.Logger) *AttributeLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttributeLinker{meta: meta, logger: logger, defaultLang: model.DefaultLanguage}
}

// Link populates the attributes of m. Every catalogue attribute of m's kind
// that raw provides a value for is linked locally. Root models also get a
// local attribute carrying the catalogue default for every missing value;
// for other models missing attributes are left to the inheritance resolver.
// Attributes unknown to the catalogue are linked as strings.
//
// Existing own attributes are reused, so linking the same payload twice
// keeps node identities.
func (l *AttributeLinker) Link(m *graph.Model, raw []model.AttributeValue, root bool) error {
	provided := make(map[string]model.AttributeValue, len(raw))
	for _, r := range raw {
		provided[r.ID] = r
	}

	for _, meta := range l.meta.Attributes(m.Kind()) {
		r, ok := provided[meta.ID]
		switch {
		case ok:
			delete(provided, meta.ID)
			if err := l.linkLocal(m, meta, r.Value); err != nil {
				return fmt.Errorf("link %s: %w", graph.PathOf(m), err)
			}
		case root:
			if err := l.linkLocal(m, meta, meta.DefaultValue); err != nil {
				l.logger.Warn("invalid attribute default",
					zap.String("kind", string(m.Kind())),
					zap.String("attribute", meta.ID),
					zap.Error(err),
				)
				_ = l.linkLocal(m, meta, nil)
			}
		default:
			if a, ok := m.Attribute(meta.ID); ok && m.Owns(a) {
				m.RemoveAttribute(meta.ID)
			}
		}
	}

	for _, r := range raw {
		if _, ok := provided[r.ID]; !ok {
			continue
		}
		l.logger.Debug("attribute not in catalogue",
			zap.String("path", graph.PathOf(m).String()),
			zap.String("attribute", r.ID),
		)
		if err := l.linkLocal(m, metadata.Unknown(r.ID), r.Value); err != nil {
			return fmt.Errorf("link %s: %w", graph.PathOf(m), err)
		}
	}

	m.SortAttributes(func(a *graph.Attribute) int { return a.MetaData().Order() })
	return nil
}

func (l *AttributeLinker) linkLocal(m *graph.Model, meta *metadata.Attribute, value any) error {
	a, ok := m.Attribute(meta.ID)
	if !ok || !m.Owns(a) || a.Type() != meta.Type {
		a = m.Graph().NewAttribute(meta)
	}
	if err := a.Load(value, l.defaultLang); err != nil {
		return fmt.Errorf("attribute %q: %w", meta.ID, err)
	}
	m.AddAttribute(a)
	return nil
}
