// Package action implements the edit actions of a model session and the
// processors that execute, restore and describe them.
package action

import (
	"errors"

	"github.com/pitabwire/modelmgmt/internal/graph"
)

// Action type tags.
const (
	TypeChangeAttribute           = "ModelChangeAttributeAction"
	TypeRestoreInheritedAttribute = "ModelRestoreInheritedAttributeAction"
)

var (
	// ErrUnknownActionType is returned for actions without a registered
	// processor.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrNotInherited is returned when restoring an attribute that has no
	// inherited counterpart.
	ErrNotInherited = errors.New("attribute has no inherited value")
	// ErrNotExecuted is returned when restoring an action that was never
	// executed.
	ErrNotExecuted = errors.New("action was not executed")
)

// Action is a single edit of an attribute and the unit of undo.
type Action struct {
	Type string
	// Model is the attribute the action applies to. Execute may rewire it
	// to a local copy.
	Model *graph.Attribute
	// OwningContext is the top-level model being edited.
	OwningContext *graph.Model
	// Context is the model the attribute is validated against.
	Context graph.Node
	// Inherited reports whether executing the action changed the
	// inheritance structure (a local copy was created, or an override was
	// removed).
	Inherited bool
	// Values maps language to the requested value. Single-valued
	// attributes use the empty language.
	Values map[string]any

	executed    bool
	snapshot    []graph.Value
	removed     *graph.Attribute
	removedFrom *graph.Model
}

// NewChangeAttribute returns an action setting values on attr.
func NewChangeAttribute(attr *graph.Attribute, owningContext *graph.Model, values map[string]any) *Action {
	return &Action{
		Type:          TypeChangeAttribute,
		Model:         attr,
		OwningContext: owningContext,
		Values:        values,
	}
}

// NewRestoreInheritedAttribute returns an action dropping the local
// override attr so the inherited value applies again.
func NewRestoreInheritedAttribute(attr *graph.Attribute, owningContext *graph.Model) *Action {
	return &Action{
		Type:          TypeRestoreInheritedAttribute,
		Model:         attr,
		OwningContext: owningContext,
	}
}

// IsPending reports whether the action still contributes a change: its
// attribute is dirty, or it restored an inherited value.
func (a *Action) IsPending() bool {
	if !a.executed {
		return false
	}
	if a.Type == TypeRestoreInheritedAttribute {
		return true
	}
	return a.Model.IsDirty()
}
