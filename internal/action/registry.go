package action

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/linker"
	"github.com/pitabwire/modelmgmt/model"
)

// Processor executes, restores and describes actions of one type. Each
// method returns one result per action, in input order.
type Processor interface {
	Execute(actions []*Action) ([]*graph.Attribute, error)
	Restore(actions []*Action) ([]*graph.Attribute, error)
	ChangeSet(actions []*Action) ([]model.ChangeSet, error)
}

// Registry dispatches actions to the processor registered for their type.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// NewDefaultRegistry returns a registry with the change-attribute and
// restore-inherited processors.
func NewDefaultRegistry(resolver *linker.InheritanceResolver, logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.Register(TypeChangeAttribute, NewChangeAttributeProcessor(resolver, logger))
	r.Register(TypeRestoreInheritedAttribute, NewRestoreInheritedProcessor(resolver, logger))
	return r
}

// Register binds a processor to an action type.
func (r *Registry) Register(actionType string, p Processor) {
	r.processors[actionType] = p
}

// Has reports whether a processor is registered for actionType.
func (r *Registry) Has(actionType string) bool {
	_, ok := r.processors[actionType]
	return ok
}

// Execute executes the actions grouped by type and returns the resulting
// attributes in input order.
func (r *Registry) Execute(actions []*Action) ([]*graph.Attribute, error) {
	return dispatch(r, actions, Processor.Execute)
}

// Restore restores the actions grouped by type and returns the resulting
// attributes in input order.
func (r *Registry) Restore(actions []*Action) ([]*graph.Attribute, error) {
	return dispatch(r, actions, Processor.Restore)
}

// ChangeSet builds the records of the actions in input order.
func (r *Registry) ChangeSet(actions []*Action) ([]model.ChangeSet, error) {
	return dispatch(r, actions, Processor.ChangeSet)
}

func dispatch[R any](r *Registry, actions []*Action, call func(Processor, []*Action) ([]R, error)) ([]R, error) {
	groups := make(map[string][]int)
	var types []string
	for i, a := range actions {
		if _, ok := r.processors[a.Type]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
		}
		if _, ok := groups[a.Type]; !ok {
			types = append(types, a.Type)
		}
		groups[a.Type] = append(groups[a.Type], i)
	}

	out := make([]R, len(actions))
	for _, t := range types {
		idx := groups[t]
		group := make([]*Action, len(idx))
		for j, i := range idx {
			group[j] = actions[i]
		}
		res, err := call(r.processors[t], group)
		if err != nil {
			return nil, err
		}
		if len(res) != len(group) {
			return nil, fmt.Errorf("processor %q returned %d results for %d actions", t, len(res), len(group))
		}
		for j, i := range idx {
			out[i] = res[j]
		}
	}
	return out, nil
}
