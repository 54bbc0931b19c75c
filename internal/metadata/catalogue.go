// Package metadata holds the attribute meta-data catalogue. A catalogue is
// built once per load, sealed, and shared read-only by every editing
// session.
package metadata

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/modellist"
	"github.com/pitabwire/modelmgmt/model"
)

// Kind is the kind of a model node.
type Kind string

// Model kinds.
const (
	KindClass           Kind = "class"
	KindDefinition      Kind = "definition"
	KindProperty        Kind = "property"
	KindField           Kind = "field"
	KindRegion          Kind = "region"
	KindAction          Kind = "action"
	KindActionGroup     Kind = "actionGroup"
	KindActionExecution Kind = "actionExecution"
	KindHeader          Kind = "header"

	// KindAttribute addresses attributes in model paths.
	KindAttribute Kind = "attribute"
)

// Kinds lists every model kind in catalogue order.
var Kinds = []Kind{
	KindClass, KindDefinition, KindProperty, KindField, KindRegion,
	KindAction, KindActionGroup, KindActionExecution, KindHeader,
}

// TopLevel reports whether models of this kind are owned by no other model.
func (k Kind) TopLevel() bool {
	return k == KindClass || k == KindDefinition || k == KindProperty
}

// SameStructure reports whether models of kinds a and b live on the same
// inheritance chain. Classes and definitions share one chain.
func SameStructure(a, b Kind) bool {
	if a == b {
		return true
	}
	chain := func(k Kind) bool { return k == KindClass || k == KindDefinition }
	return chain(a) && chain(b)
}

// AttributeType is the value type of an attribute.
type AttributeType string

// Attribute types.
const (
	TypeString          AttributeType = "string"
	TypeInteger         AttributeType = "integer"
	TypeBoolean         AttributeType = "boolean"
	TypeURI             AttributeType = "uri"
	TypeLabel           AttributeType = "label"
	TypeCodeList        AttributeType = "codeList"
	TypeMultiLangString AttributeType = "multiLangString"
	TypeIdentifier      AttributeType = "identifier"
	TypeDisplayType     AttributeType = "displayType"
)

// MultiValued reports whether attributes of this type hold one value per
// language.
func (t AttributeType) MultiValued() bool {
	return t == TypeLabel || t == TypeMultiLangString
}

// ParseType maps a raw type name to an AttributeType. Unknown and empty
// names map to TypeString.
func ParseType(s string) AttributeType {
	switch t := AttributeType(s); t {
	case TypeInteger, TypeBoolean, TypeURI, TypeLabel, TypeCodeList,
		TypeMultiLangString, TypeIdentifier, TypeDisplayType:
		return t
	}
	return TypeString
}

// ModelsMetaData is the catalogue of attribute meta-data per model kind.
type ModelsMetaData struct {
	lists  map[Kind]*modellist.List[*Attribute]
	sealed bool
}

// New returns an empty catalogue.
func New() *ModelsMetaData {
	m := &ModelsMetaData{lists: make(map[Kind]*modellist.List[*Attribute], len(Kinds))}
	for _, k := range Kinds {
		m.lists[k] = modellist.New(attributeKey)
	}
	return m
}

func attributeKey(a *Attribute) string { return a.ID }

// Build converts a payload catalogue into a sealed ModelsMetaData. Rule
// expressions are compiled here; a rule that fails to compile is kept but
// never matches, and is logged once.
func Build(def *model.MetaDataDefinition, logger *zap.Logger) *ModelsMetaData {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := New()
	if def != nil {
		groups := []struct {
			kind  Kind
			items []model.AttributeMetaDataDefinition
		}{
			{KindClass, def.Classes},
			{KindDefinition, def.Definitions},
			{KindProperty, def.Properties},
			{KindField, def.Fields},
			{KindRegion, def.Regions},
			{KindAction, def.Actions},
			{KindActionGroup, def.ActionGroups},
			{KindActionExecution, def.ActionExecutions},
			{KindHeader, def.Headers},
		}
		for _, g := range groups {
			for _, item := range g.items {
				a := newAttribute(item)
				for i, r := range a.Rules {
					if r.Err != nil {
						logger.Warn("invalid validation rule",
							zap.String("kind", string(g.kind)),
							zap.String("attribute", a.ID),
							zap.Int("rule", i),
							zap.Error(r.Err),
						)
					}
				}
				m.Add(g.kind, a)
			}
		}
	}
	m.Seal()
	return m
}

// Add appends an attribute to the catalogue of kind. It panics once the
// catalogue is sealed.
func (m *ModelsMetaData) Add(kind Kind, a *Attribute) {
	l, ok := m.lists[kind]
	if !ok {
		panic(fmt.Sprintf("metadata: unknown kind %q", kind))
	}
	a.order = l.Len()
	if prev, ok := l.Get(a.ID); ok {
		a.order = prev.order
	}
	l.Insert(a)
}

// Attributes returns the attributes of kind in catalogue order.
func (m *ModelsMetaData) Attributes(kind Kind) []*Attribute {
	l, ok := m.lists[kind]
	if !ok {
		return nil
	}
	return l.Models()
}

// Attribute returns the meta-data of attribute id for kind.
func (m *ModelsMetaData) Attribute(kind Kind, id string) (*Attribute, bool) {
	l, ok := m.lists[kind]
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// Len returns the total number of attribute entries.
func (m *ModelsMetaData) Len() int {
	n := 0
	for _, l := range m.lists {
		n += l.Len()
	}
	return n
}

// Seal freezes every list of the catalogue.
func (m *ModelsMetaData) Seal() {
	for _, l := range m.lists {
		l.Seal()
	}
	m.sealed = true
}

// IsSealed reports whether Seal was called.
func (m *ModelsMetaData) IsSealed() bool {
	return m.sealed
}
