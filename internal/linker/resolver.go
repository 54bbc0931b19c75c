package linker

import (
	"cmp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/metadata"
)

// URIAttribute is the field attribute naming the property a field is bound
// to.
const URIAttribute = "uri"

// InheritanceResolver computes the effective attributes and child models of
// classes and definitions from their ancestor chains. Resolution drops the
// entries shared by a previous run before recomputing, so running it twice
// yields the same graph.
type InheritanceResolver struct {
	logger *zap.Logger
}

// NewInheritanceResolver creates an InheritanceResolver.
func NewInheritanceResolver(logger *zap.Logger) *InheritanceResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InheritanceResolver{logger: logger}
}

// ResolveAll resolves every class, definition and property of g, ancestors
// before descendants.
func (r *InheritanceResolver) ResolveAll(g *graph.Graph) {
	var models []*graph.Model
	for _, k := range []metadata.Kind{metadata.KindClass, metadata.KindDefinition, metadata.KindProperty} {
		models = append(models, g.Models(k)...)
	}
	r.resolveInOrder(models)
}

// ResolveTree resolves m and every model inheriting from it. It is re-run
// after structural edits such as restoring an attribute to its inherited
// value.
func (r *InheritanceResolver) ResolveTree(m *graph.Model) {
	g := m.Graph()
	models := []*graph.Model{m}
	for _, k := range []metadata.Kind{metadata.KindClass, metadata.KindDefinition} {
		for _, other := range g.Models(k) {
			if slices.Contains(other.Parents(), m) {
				models = append(models, other)
			}
		}
	}
	r.resolveInOrder(models)
}

func (r *InheritanceResolver) resolveInOrder(models []*graph.Model) {
	slices.SortStableFunc(models, func(a, b *graph.Model) int {
		return cmp.Compare(len(a.Parents()), len(b.Parents()))
	})
	for _, m := range models {
		r.Resolve(m)
	}
}

// Resolve recomputes the inherited entries of a single top-level model.
// Its ancestors must already be resolved.
func (r *InheritanceResolver) Resolve(m *graph.Model) {
	dropInherited(m)
	for _, ancestor := range m.Parents() {
		inherit(m, ancestor)
	}
	order(m)
}

// ResolveProperties binds every field of the definitions whose uri
// attribute names a property to that property. Own field attributes that
// inherit from nothing else refer to the property's attribute of the same
// id.
func (r *InheritanceResolver) ResolveProperties(definitions, properties []*graph.Model) {
	byID := make(map[string]*graph.Model, len(properties))
	for _, p := range properties {
		byID[p.ID()] = p
	}
	for _, d := range definitions {
		d.Walk(func(m *graph.Model) {
			if m.Kind() != metadata.KindField {
				return
			}
			uri, ok := m.Attribute(URIAttribute)
			if !ok {
				return
			}
			s, _ := uri.Value().(string)
			p := lookupProperty(byID, s)
			if p == nil {
				if s != "" {
					r.logger.Debug("field bound to unknown property",
						zap.String("path", graph.PathOf(m).String()),
						zap.String("uri", s),
					)
				}
				return
			}
			m.SetProperty(p)
			for _, a := range m.OwnAttributes() {
				if a.Reference() != nil {
					continue
				}
				if pa, ok := p.Attribute(a.ID()); ok {
					a.SetReference(pa)
				}
			}
		})
	}
}

func lookupProperty(byID map[string]*graph.Model, uri string) *graph.Model {
	if uri == "" {
		return nil
	}
	if p, ok := byID[uri]; ok {
		return p
	}
	if i := strings.LastIndexAny(uri, "/#"); i >= 0 && i < len(uri)-1 {
		return byID[uri[i+1:]]
	}
	return nil
}

// dropInherited removes shared entries and clears references below m.
func dropInherited(m *graph.Model) {
	for _, a := range m.Attributes() {
		if !m.Owns(a) {
			m.RemoveAttribute(a.ID())
			continue
		}
		if a.Reference() != nil && !isPropertyReference(a) {
			a.SetReference(nil)
		}
	}
	for _, k := range m.ChildKinds() {
		for _, c := range m.Children(k) {
			if !m.Owns(c) {
				m.RemoveChild(k, c.ID())
				continue
			}
			c.SetReference(nil)
			dropInherited(c)
		}
	}
}

func isPropertyReference(a *graph.Attribute) bool {
	ref, ok := a.Reference().(*graph.Attribute)
	if !ok {
		return false
	}
	owner := graph.Owner(ref)
	return owner != nil && owner.Kind() == metadata.KindProperty
}

// inherit fills target from an ancestor equivalent. Entries target already
// holds come from a closer ancestor or are local, so they win.
func inherit(target, source *graph.Model) {
	for _, a := range source.OwnAttributes() {
		cur, ok := target.Attribute(a.ID())
		if !ok {
			target.ShareAttribute(a)
			continue
		}
		if target.Owns(cur) && (cur.Reference() == nil || isPropertyReference(cur)) {
			cur.SetReference(a)
		}
	}
	for _, k := range source.ChildKinds() {
		for _, c := range source.OwnChildren(k) {
			cur, ok := target.Child(k, c.ID())
			if !ok {
				target.ShareChild(c)
				continue
			}
			if !target.Owns(cur) {
				continue
			}
			if cur.Reference() == nil {
				cur.SetReference(c)
			}
			inherit(cur, c)
		}
	}
}

func order(m *graph.Model) {
	m.SortAttributes(func(a *graph.Attribute) int { return a.MetaData().Order() })
	for _, k := range m.ChildKinds() {
		for _, c := range m.OwnChildren(k) {
			order(c)
		}
	}
}
