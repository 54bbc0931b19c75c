// Package graph holds the in-memory object graph of a model session:
// top-level models (classes, definitions, properties), their child models
// and attributes. Nodes refer to each other through Ref handles into the
// owning Graph arena rather than pointers, so structural edits never leave
// dangling back references. A Graph is not safe for concurrent use.
package graph

import (
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/modellist"
)

// Ref is a handle of a node in its Graph. The zero Ref refers to no node.
type Ref uint32

// Node is implemented by models and attributes.
type Node interface {
	ID() string
	Kind() metadata.Kind
	Ref() Ref
	Graph() *Graph
	// Parent is the owning node, or nil for top-level models without a
	// parent model.
	Parent() Node
	// Reference is the equivalent node of the nearest ancestor, or nil.
	Reference() Node
}

// Graph is the arena owning every node of a session.
type Graph struct {
	meta  *metadata.ModelsMetaData
	nodes []Node
	top   map[metadata.Kind]*modellist.List[*Model]
}

// New returns an empty graph using the given catalogue.
func New(meta *metadata.ModelsMetaData) *Graph {
	if meta == nil {
		meta = metadata.Build(nil, nil)
	}
	return &Graph{
		meta:  meta,
		nodes: []Node{nil},
		top: map[metadata.Kind]*modellist.List[*Model]{
			metadata.KindClass:      modellist.Of[*Model](),
			metadata.KindDefinition: modellist.Of[*Model](),
			metadata.KindProperty:   modellist.Of[*Model](),
		},
	}
}

// Meta returns the catalogue of the graph.
func (g *Graph) Meta() *metadata.ModelsMetaData {
	return g.meta
}

// Node resolves a handle. It returns nil for the zero Ref and for handles
// of other graphs.
func (g *Graph) Node(r Ref) Node {
	if r == 0 || int(r) >= len(g.nodes) {
		return nil
	}
	return g.nodes[r]
}

// Model resolves a handle to a model, or nil.
func (g *Graph) Model(r Ref) *Model {
	m, _ := g.Node(r).(*Model)
	return m
}

// Size returns the number of nodes ever registered in the arena.
func (g *Graph) Size() int {
	return len(g.nodes) - 1
}

func (g *Graph) register(n Node) Ref {
	g.nodes = append(g.nodes, n)
	return Ref(len(g.nodes) - 1)
}

// NewModel registers a new, empty model node. Top-level kinds are also
// added to the graph's model index.
func (g *Graph) NewModel(kind metadata.Kind, id string) *Model {
	m := newModel(g, kind, id)
	if l, ok := g.top[kind]; ok {
		l.Insert(m)
	}
	return m
}

// NewAttribute registers a new attribute node with the given meta-data.
func (g *Graph) NewAttribute(meta *metadata.Attribute) *Attribute {
	return newAttribute(g, meta)
}

// Models returns the top-level models of kind in insertion order.
func (g *Graph) Models(kind metadata.Kind) []*Model {
	l, ok := g.top[kind]
	if !ok {
		return nil
	}
	return l.Models()
}

// Lookup returns the top-level model of kind with id.
func (g *Graph) Lookup(kind metadata.Kind, id string) (*Model, bool) {
	l, ok := g.top[kind]
	if !ok {
		return nil, false
	}
	return l.Get(id)
}

// Find returns the definition, class or property with id, in that order of
// preference.
func (g *Graph) Find(id string) (*Model, bool) {
	for _, k := range []metadata.Kind{metadata.KindDefinition, metadata.KindClass, metadata.KindProperty} {
		if m, ok := g.top[k].Get(id); ok {
			return m, true
		}
	}
	return nil, false
}

// base carries the identity and the non-owning links shared by every node.
type base struct {
	g         *Graph
	ref       Ref
	id        string
	kind      metadata.Kind
	parent    Ref
	reference Ref
}

func (b *base) ID() string { return b.id }

func (b *base) Kind() metadata.Kind { return b.kind }

func (b *base) Ref() Ref { return b.ref }

func (b *base) Graph() *Graph { return b.g }

func (b *base) Parent() Node { return b.g.Node(b.parent) }

func (b *base) Reference() Node { return b.g.Node(b.reference) }

// ParentModel returns the parent as a model, or nil.
func (b *base) ParentModel() *Model { return b.g.Model(b.parent) }

// SetParent links the node to its owner. A nil node clears the link.
func (b *base) SetParent(n Node) { b.parent = refOf(n) }

// SetReference links the node to its nearest ancestor equivalent. A nil
// node clears the link.
func (b *base) SetReference(n Node) { b.reference = refOf(n) }

func (b *base) ownedBy(m *Model) bool {
	return m != nil && b.parent == m.ref
}

func refOf(n Node) Ref {
	switch v := n.(type) {
	case nil:
		return 0
	case *Model:
		if v == nil {
			return 0
		}
	case *Attribute:
		if v == nil {
			return 0
		}
	}
	return n.Ref()
}

// Owner returns the nearest top-level model at or above n.
func Owner(n Node) *Model {
	seen := map[Ref]bool{}
	for n != nil && !seen[n.Ref()] {
		seen[n.Ref()] = true
		if m, ok := n.(*Model); ok && m.kind.TopLevel() {
			return m
		}
		n = n.Parent()
	}
	return nil
}
