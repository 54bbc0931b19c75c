package action

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/changeset"
	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/linker"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

// ChangeAttributeProcessor handles TypeChangeAttribute actions. Editing an
// attribute inherited from an ancestor creates a local copy under the
// owning context first.
type ChangeAttributeProcessor struct {
	resolver *linker.InheritanceResolver
	logger   *zap.Logger
}

// NewChangeAttributeProcessor creates a ChangeAttributeProcessor.
func NewChangeAttributeProcessor(resolver *linker.InheritanceResolver, logger *zap.Logger) *ChangeAttributeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeAttributeProcessor{resolver: resolver, logger: logger}
}

// Execute applies the requested values.
func (p *ChangeAttributeProcessor) Execute(actions []*Action) ([]*graph.Attribute, error) {
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

func (p *ChangeAttributeProcessor) execute(a *Action) (*graph.Attribute, error) {
	if a.Model == nil || a.OwningContext == nil {
		return nil, fmt.Errorf("change attribute: missing attribute or owning context")
	}
	a.Inherited = false
	created := false
	if isInherited(a.Model, a.OwningContext) {
		local, isNew, err := copyOnWrite(a.Model, a.OwningContext)
		if err != nil {
			return nil, err
		}
		a.Inherited = local != a.Model
		a.Model = local
		created = isNew
		if a.Inherited {
			p.resolver.ResolveTree(a.OwningContext)
		}
	}

	a.snapshot = a.Model.Snapshot()
	if err := assign(a.Model, a.Values); err != nil {
		a.Model.Revert(a.snapshot)
		path := graph.PathOf(a.Model)
		if created {
			p.dropLocalCopy(a.Model, a.OwningContext)
		}
		return nil, fmt.Errorf("change %s: %w", path, err)
	}
	a.Context = validationContext(a.Model, a.OwningContext)
	a.executed = true
	return a.Model, nil
}

// Restore undoes the actions. A local copy created by Execute is removed
// and the inherited attribute applies again; otherwise the previous values
// are put back.
func (p *ChangeAttributeProcessor) Restore(actions []*Action) ([]*graph.Attribute, error) {
	out := make([]*graph.Attribute, 0, len(actions))
	for _, a := range actions {
		if !a.executed {
			return nil, ErrNotExecuted
		}
		out = append(out, p.restore(a))
	}
	return out, nil
}

func (p *ChangeAttributeProcessor) restore(a *Action) *graph.Attribute {
	if !a.Inherited {
		a.Model.Revert(a.snapshot)
		a.executed = false
		return a.Model
	}

	ctx := a.OwningContext
	rel := graph.PathOf(a.Model)[1:]
	owner := graph.Owner(a.Model)
	node, err := graph.ResolveFrom(ctx, rel)
	if err != nil || node != graph.Node(a.Model) || owner != ctx {
		p.logger.Warn("restore skipped, model structure changed",
			zap.String("context", ctx.ID()),
			zap.String("path", graph.PathOf(a.Model).String()),
		)
		return a.Model
	}

	p.dropLocalCopy(a.Model, ctx)
	if n, err := graph.ResolveFrom(ctx, rel); err == nil {
		if inherited, ok := n.(*graph.Attribute); ok {
			a.Model = inherited
		}
	}
	a.Inherited = false
	a.executed = false
	a.Context = validationContext(a.Model, ctx)
	return a.Model
}

// dropLocalCopy removes the local attribute copy under ctx together with
// the overrides that only existed to hold it.
func (p *ChangeAttributeProcessor) dropLocalCopy(attr *graph.Attribute, ctx *graph.Model) {
	parent := attr.ParentModel()
	parent.RemoveAttribute(attr.ID())
	for m := parent; m != ctx && m.IsEmptyOverride(); {
		up := m.ParentModel()
		up.RemoveChild(m.Kind(), m.ID())
		m = up
	}
	p.resolver.ResolveTree(ctx)
}

// ChangeSet returns a modifyAttribute record per action.
func (p *ChangeAttributeProcessor) ChangeSet(actions []*Action) ([]model.ChangeSet, error) {
	out := make([]model.ChangeSet, 0, len(actions))
	for _, a := range actions {
		out = append(out, changeset.Build(a.Model, model.OperationModifyAttribute))
	}
	return out, nil
}

// isInherited reports whether attr is defined by another model of the same
// inheritance chain than ctx.
func isInherited(attr *graph.Attribute, ctx *graph.Model) bool {
	owner := graph.Owner(attr)
	return owner != nil && owner != ctx && metadata.SameStructure(owner.Kind(), ctx.Kind())
}

// validationContext returns the model attr is validated against: the
// deepest model on its path below ctx whose kind lives on the same
// inheritance chain as ctx, or ctx itself.
func validationContext(attr *graph.Attribute, ctx *graph.Model) *graph.Model {
	rel := graph.PathOf(attr)[1:]
	found, cur := ctx, ctx
	for _, seg := range rel[:max(len(rel)-1, 0)] {
		child, ok := cur.Child(seg.Kind, seg.ID)
		if !ok {
			break
		}
		if metadata.SameStructure(child.Kind(), ctx.Kind()) {
			found = child
		}
		cur = child
	}
	return found
}

// copyOnWrite returns the local equivalent of attr under ctx, creating
// overrides for every model on the way. created reports whether a new
// attribute copy was made.
func copyOnWrite(attr *graph.Attribute, ctx *graph.Model) (_ *graph.Attribute, created bool, err error) {
	rel := graph.PathOf(attr)[1:]
	cur := ctx
	for _, seg := range rel[:len(rel)-1] {
		child, ok := cur.Child(seg.Kind, seg.ID)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s below %s", graph.ErrNodeNotFound, seg, graph.PathOf(cur))
		}
		if !cur.Owns(child) {
			override := ctx.Graph().NewModel(seg.Kind, seg.ID)
			override.SetReference(child)
			cur.AddChild(override)
			override.ShareFrom(child)
			override.SetLoaded(true)
			child = override
		}
		cur = child
	}

	existing, ok := cur.Attribute(attr.ID())
	if ok && cur.Owns(existing) {
		return existing, false, nil
	}
	src := attr
	if ok {
		src = existing
	}
	return src.CloneFor(cur), true, nil
}

func assign(attr *graph.Attribute, values map[string]any) error {
	if !attr.IsMultiValued() {
		v, ok := values[""]
		if !ok && len(values) == 1 {
			for _, only := range values {
				v = only
			}
		}
		return attr.Assign("", v)
	}
	langs := make([]string, 0, len(values))
	for lang := range values {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	for _, lang := range langs {
		if err := attr.Assign(lang, values[lang]); err != nil {
			return err
		}
	}
	return nil
}
