package linker

import (
	"fmt"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

// ChildLinker links the child models of one kind below an owner.
type ChildLinker struct {
	kind  metadata.Kind
	attrs *AttributeLinker
}

// NewFieldLinker returns a linker for fields.
func NewFieldLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindField, attrs: attrs}
}

// NewRegionLinker returns a linker for regions.
func NewRegionLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindRegion, attrs: attrs}
}

// NewHeaderLinker returns a linker for headers.
func NewHeaderLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindHeader, attrs: attrs}
}

// NewActionLinker returns a linker for actions.
func NewActionLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindAction, attrs: attrs}
}

// NewActionGroupLinker returns a linker for action groups.
func NewActionGroupLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindActionGroup, attrs: attrs}
}

// NewActionExecutionLinker returns a linker for action executions.
func NewActionExecutionLinker(attrs *AttributeLinker) *ChildLinker {
	return &ChildLinker{kind: metadata.KindActionExecution, attrs: attrs}
}

// Kind returns the kind of the models this linker creates.
func (c *ChildLinker) Kind() metadata.Kind {
	return c.kind
}

// Link creates or reuses a child of owner for every item, links its
// attributes and then its own nested children.
func (c *ChildLinker) Link(owner *graph.Model, items []model.ModelItem) error {
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("link %s: %s without id", graph.PathOf(owner), c.kind)
		}
		child, ok := owner.Child(c.kind, item.ID)
		if !ok || !owner.Owns(child) {
			child = owner.Graph().NewModel(c.kind, item.ID)
		}
		owner.AddChild(child)
		if err := c.attrs.Link(child, item.Attributes, isRoot(child)); err != nil {
			return err
		}
		if err := linkChildren(child, item, c.attrs); err != nil {
			return err
		}
		child.SetLoaded(true)
	}
	return nil
}

func linkChildren(m *graph.Model, item model.ModelItem, attrs *AttributeLinker) error {
	linkers := []struct {
		linker *ChildLinker
		items  []model.ModelItem
	}{
		{NewRegionLinker(attrs), item.Regions},
		{NewFieldLinker(attrs), item.Fields},
		{NewHeaderLinker(attrs), item.Headers},
		{NewActionGroupLinker(attrs), item.ActionGroups},
		{NewActionLinker(attrs), item.Actions},
		{NewActionExecutionLinker(attrs), item.Executions},
	}
	for _, l := range linkers {
		if len(l.items) == 0 {
			continue
		}
		if err := l.linker.Link(m, l.items); err != nil {
			return err
		}
	}
	return nil
}

// isRoot reports whether no ancestor of m's owning model defines an
// equivalent of m.
func isRoot(m *graph.Model) bool {
	owner := graph.Owner(m)
	if owner == nil {
		return true
	}
	parents := owner.Parents()
	if len(parents) == 0 {
		return true
	}
	if m == owner {
		return false
	}
	rel := graph.PathOf(m)[1:]
	for _, p := range parents {
		if _, err := graph.ResolveFrom(p, rel); err == nil {
			return false
		}
	}
	return true
}
