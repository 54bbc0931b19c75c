package graph

import (
	"slices"

	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/modellist"
)

// Model is a class, definition, property or child model node. Its
// attribute and child lists hold both own entries (Parent() is the model)
// and entries shared from an ancestor by the inheritance resolver.
type Model struct {
	base
	Description

	loaded     bool
	abstract   bool
	property   Ref
	attributes *modellist.List[*Attribute]
	children   map[metadata.Kind]*modellist.List[*Model]
}

func newModel(g *Graph, kind metadata.Kind, id string) *Model {
	m := &Model{
		base:       base{g: g, id: id, kind: kind},
		attributes: modellist.Of[*Attribute](),
		children:   make(map[metadata.Kind]*modellist.List[*Model]),
	}
	m.ref = g.register(m)
	m.Description = Description{lookup: m.Attribute}
	return m
}

// IsLoaded reports whether the model was populated from a payload.
func (m *Model) IsLoaded() bool { return m.loaded }

// SetLoaded marks the model as populated.
func (m *Model) SetLoaded(loaded bool) { m.loaded = loaded }

// IsAbstract reports whether the model is abstract.
func (m *Model) IsAbstract() bool { return m.abstract }

// SetAbstract sets the abstract flag.
func (m *Model) SetAbstract(abstract bool) { m.abstract = abstract }

// Property returns the property a field is bound to, or nil.
func (m *Model) Property() *Model { return m.g.Model(m.property) }

// SetProperty binds a field to a property.
func (m *Model) SetProperty(p *Model) { m.property = refOf(p) }

// Owns reports whether n is an own entry of m rather than an entry shared
// from an ancestor.
func (m *Model) Owns(n Node) bool {
	p := n.Parent()
	return p != nil && p.Ref() == m.ref
}

// Parents returns the ancestor chain closest-first.
func (m *Model) Parents() []*Model {
	var out []*Model
	seen := map[Ref]bool{m.ref: true}
	for p := m.ParentModel(); p != nil && !seen[p.ref]; p = p.ParentModel() {
		seen[p.ref] = true
		out = append(out, p)
	}
	return out
}

// Attributes returns the effective attributes, own and shared.
func (m *Model) Attributes() []*Attribute {
	return m.attributes.Models()
}

// OwnAttributes returns the attributes defined on m itself.
func (m *Model) OwnAttributes() []*Attribute {
	var out []*Attribute
	for _, a := range m.attributes.Models() {
		if a.ownedBy(m) {
			out = append(out, a)
		}
	}
	return out
}

// Attribute returns the effective attribute with id.
func (m *Model) Attribute(id string) (*Attribute, bool) {
	return m.attributes.Get(id)
}

// AddAttribute makes a an own attribute of m, replacing any entry with the
// same id.
func (m *Model) AddAttribute(a *Attribute) {
	a.SetParent(m)
	m.attributes.Insert(a)
}

// ShareAttribute inserts an ancestor's attribute without changing its owner.
func (m *Model) ShareAttribute(a *Attribute) {
	m.attributes.Insert(a)
}

// RemoveAttribute removes the entry with id and reports whether it existed.
func (m *Model) RemoveAttribute(id string) bool {
	return m.attributes.Remove(id)
}

// SortAttributes orders the attribute list by rank, lowest first, keeping
// the relative order of equal ranks.
func (m *Model) SortAttributes(rank func(a *Attribute) int) {
	m.attributes.SortBy(func(_ string, a *Attribute) int { return rank(a) })
}

func (m *Model) childList(kind metadata.Kind) *modellist.List[*Model] {
	l, ok := m.children[kind]
	if !ok {
		l = modellist.Of[*Model]()
		m.children[kind] = l
	}
	return l
}

// ChildKinds returns the kinds of the non-empty child lists in catalogue
// order.
func (m *Model) ChildKinds() []metadata.Kind {
	var out []metadata.Kind
	for _, k := range metadata.Kinds {
		if l, ok := m.children[k]; ok && l.Len() > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Children returns the effective child models of kind.
func (m *Model) Children(kind metadata.Kind) []*Model {
	l, ok := m.children[kind]
	if !ok {
		return nil
	}
	return l.Models()
}

// OwnChildren returns the child models of kind defined on m itself.
func (m *Model) OwnChildren(kind metadata.Kind) []*Model {
	var out []*Model
	for _, c := range m.Children(kind) {
		if c.ownedBy(m) {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the effective child of kind with id.
func (m *Model) Child(kind metadata.Kind, id string) (*Model, bool) {
	l, ok := m.children[kind]
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// AddChild makes c an own child of m.
func (m *Model) AddChild(c *Model) {
	c.SetParent(m)
	m.childList(c.kind).Insert(c)
}

// ShareChild inserts an ancestor's child model without changing its owner.
func (m *Model) ShareChild(c *Model) {
	m.childList(c.kind).Insert(c)
}

// RemoveChild removes the child of kind with id.
func (m *Model) RemoveChild(kind metadata.Kind, id string) bool {
	l, ok := m.children[kind]
	if !ok {
		return false
	}
	return l.Remove(id)
}

// ShareFrom inserts every effective attribute and child of src that m does
// not hold yet.
func (m *Model) ShareFrom(src *Model) {
	for _, a := range src.Attributes() {
		if !m.attributes.Has(a.id) {
			m.ShareAttribute(a)
		}
	}
	for _, k := range src.ChildKinds() {
		for _, c := range src.Children(k) {
			if _, ok := m.Child(k, c.id); !ok {
				m.ShareChild(c)
			}
		}
	}
}

// IsEmptyOverride reports whether m is a local override of an inherited model
// that no longer defines anything of its own.
func (m *Model) IsEmptyOverride() bool {
	if m.reference == 0 || len(m.OwnAttributes()) > 0 {
		return false
	}
	for _, k := range m.ChildKinds() {
		if len(m.OwnChildren(k)) > 0 {
			return false
		}
	}
	return true
}

// IsValid reports whether every own attribute is valid.
func (m *Model) IsValid() bool {
	for _, a := range m.OwnAttributes() {
		if !a.IsValid() {
			return false
		}
	}
	return true
}

// IsDirty reports whether an own attribute or own child model is dirty.
func (m *Model) IsDirty() bool {
	for _, a := range m.OwnAttributes() {
		if a.IsDirty() {
			return true
		}
	}
	for _, k := range m.ChildKinds() {
		if slices.ContainsFunc(m.OwnChildren(k), (*Model).IsDirty) {
			return true
		}
	}
	return false
}

// Walk calls fn for m and every own descendant model, depth first.
func (m *Model) Walk(fn func(*Model)) {
	fn(m)
	for _, k := range m.ChildKinds() {
		for _, c := range m.OwnChildren(k) {
			c.Walk(fn)
		}
	}
}
