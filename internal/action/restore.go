package action

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/changeset"
	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/linker"
	"github.com/pitabwire/modelmgmt/model"
)

// RestoreInheritedProcessor handles TypeRestoreInheritedAttribute actions:
// it drops a local override so the nearest ancestor's value applies again.
type RestoreInheritedProcessor struct {
	resolver *linker.InheritanceResolver
	logger   *zap.Logger
}

// NewRestoreInheritedProcessor creates a RestoreInheritedProcessor.
func NewRestoreInheritedProcessor(resolver *linker.InheritanceResolver, logger *zap.Logger) *RestoreInheritedProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestoreInheritedProcessor{resolver: resolver, logger: logger}
}

// Execute removes the overrides and returns the inherited attributes.
func (p *RestoreInheritedProcessor) Execute(actions []*Action) ([]*graph.Attribute, error) {
	out := make([]*graph.Attribute, 0, len(actions))
	for _, a := range actions {
		attr, err := p.execute(a)
		if err != nil {
			return nil, err
		}
		out = append(out, attr)
	}
	return out, nil
}

func (p *RestoreInheritedProcessor) execute(a *Action) (*graph.Attribute, error) {
	override := a.Model
	if override == nil || a.OwningContext == nil {
		return nil, fmt.Errorf("restore inherited: missing attribute or owning context")
	}
	parent := override.ParentModel()
	if graph.Owner(override) != a.OwningContext || parent == nil || override.Reference() == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInherited, graph.PathOf(override))
	}
	if _, ok := override.Reference().(*graph.Attribute); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInherited, graph.PathOf(override))
	}

	rel := graph.PathOf(override)[1:]
	parent.RemoveAttribute(override.ID())
	p.resolver.ResolveTree(a.OwningContext)

	n, err := graph.ResolveFrom(a.OwningContext, rel)
	inherited, ok := n.(*graph.Attribute)
	if err != nil || !ok {
		// The reference pointed at a property only; nothing to fall back to.
		parent.AddAttribute(override)
		p.resolver.ResolveTree(a.OwningContext)
		return nil, fmt.Errorf("%w: %s", ErrNotInherited, graph.PathOf(override))
	}

	a.removed = override
	a.removedFrom = parent
	a.Model = inherited
	a.Inherited = true
	a.Context = validationContext(inherited, a.OwningContext)
	a.executed = true
	return inherited, nil
}

// Restore puts the removed overrides back.
func (p *RestoreInheritedProcessor) Restore(actions []*Action) ([]*graph.Attribute, error) {
	out := make([]*graph.Attribute, 0, len(actions))
	for _, a := range actions {
		if !a.executed || a.removed == nil {
			return nil, ErrNotExecuted
		}
		a.removedFrom.AddAttribute(a.removed)
		p.resolver.ResolveTree(a.OwningContext)
		a.Model = a.removed
		a.Context = validationContext(a.Model, a.OwningContext)
		a.Inherited = false
		a.executed = false
		out = append(out, a.Model)
	}
	return out, nil
}

// ChangeSet returns a restoreAttribute record per action: the override's
// value as old value and the inherited value as new value.
func (p *RestoreInheritedProcessor) ChangeSet(actions []*Action) ([]model.ChangeSet, error) {
	out := make([]model.ChangeSet, 0, len(actions))
	for _, a := range actions {
		if a.removed == nil {
			return nil, ErrNotExecuted
		}
		out = append(out, changeset.BuildRestore(a.removed, a.Model))
	}
	return out, nil
}
