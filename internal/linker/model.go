package linker

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

// ModelLinker links whole payloads (classes, definitions and properties)
// into a graph and resolves inheritance.
type ModelLinker struct {
	attrs    *AttributeLinker
	resolver *InheritanceResolver
	logger   *zap.Logger
}

// NewModelLinker creates a ModelLinker for the graph's catalogue.
func NewModelLinker(meta *metadata.ModelsMetaData, logger *zap.Logger) *ModelLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelLinker{
		attrs:    NewAttributeLinker(meta, logger),
		resolver: NewInheritanceResolver(logger),
		logger:   logger,
	}
}

// Resolver returns the inheritance resolver used by the linker.
func (l *ModelLinker) Resolver() *InheritanceResolver {
	return l.resolver
}

type topItem struct {
	kind metadata.Kind
	item model.ModelItem
	node *graph.Model
}

// Link links the payloads into g. Models already present in g are reused
// by id, so linking the same payloads again is idempotent.
func (l *ModelLinker) Link(g *graph.Graph, payloads ...*model.ModelsPayload) error {
	var items []*topItem
	for _, p := range payloads {
		if p == nil {
			continue
		}
		for _, it := range p.Classes {
			items = append(items, &topItem{kind: metadata.KindClass, item: it})
		}
		for _, it := range p.Definitions {
			items = append(items, &topItem{kind: metadata.KindDefinition, item: it})
		}
		for _, it := range p.Properties {
			items = append(items, &topItem{kind: metadata.KindProperty, item: it})
		}
	}

	for _, ti := range items {
		if ti.item.ID == "" {
			return fmt.Errorf("%s without id", ti.kind)
		}
		m, ok := g.Lookup(ti.kind, ti.item.ID)
		if !ok {
			m = g.NewModel(ti.kind, ti.item.ID)
		}
		m.SetAbstract(ti.item.Abstract)
		ti.node = m
	}

	if err := wireParents(g, items); err != nil {
		return err
	}

	slices.SortStableFunc(items, func(a, b *topItem) int {
		return cmp.Compare(len(a.node.Parents()), len(b.node.Parents()))
	})
	for _, ti := range items {
		if err := l.attrs.Link(ti.node, ti.item.Attributes, len(ti.node.Parents()) == 0); err != nil {
			return err
		}
		if err := linkChildren(ti.node, ti.item, l.attrs); err != nil {
			return err
		}
	}

	l.resolver.ResolveProperties(g.Models(metadata.KindDefinition), g.Models(metadata.KindProperty))
	l.resolver.ResolveAll(g)

	for _, ti := range items {
		ti.node.SetLoaded(true)
	}
	l.logger.Debug("payloads linked",
		zap.Int("models", len(items)),
		zap.Int("nodes", g.Size()),
	)
	return nil
}

func wireParents(g *graph.Graph, items []*topItem) error {
	for _, ti := range items {
		if ti.item.Parent == "" {
			ti.node.SetParent(nil)
			continue
		}
		parent := findParent(g, ti.kind, ti.item.Parent)
		if parent == nil {
			return fmt.Errorf("%s %q: unknown parent %q", ti.kind, ti.item.ID, ti.item.Parent)
		}
		ti.node.SetParent(parent)
	}
	for _, ti := range items {
		if hasCycle(ti.node) {
			return fmt.Errorf("%s %q: inheritance cycle", ti.kind, ti.item.ID)
		}
	}
	return nil
}

func findParent(g *graph.Graph, kind metadata.Kind, id string) *graph.Model {
	candidates := []metadata.Kind{kind}
	if kind == metadata.KindDefinition {
		candidates = append(candidates, metadata.KindClass)
	}
	for _, k := range candidates {
		if m, ok := g.Lookup(k, id); ok {
			return m
		}
	}
	return nil
}

func hasCycle(m *graph.Model) bool {
	seen := map[graph.Ref]bool{m.Ref(): true}
	for p := m.ParentModel(); p != nil; p = p.ParentModel() {
		if seen[p.Ref()] {
			return true
		}
		seen[p.Ref()] = true
	}
	return false
}
