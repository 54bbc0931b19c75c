// Package changeset builds the flat diff records submitted on save.
package changeset

import (
	"github.com/pitabwire/modelmgmt/internal/graph"
	"github.com/pitabwire/modelmgmt/internal/modellist"
	"github.com/pitabwire/modelmgmt/model"
)

// Selector returns the serialised structural path of n.
func Selector(n graph.Node) string {
	return graph.PathOf(n).String()
}

// Build returns the change-set record of n. For attributes newValue and
// oldValue are scalars, or language → scalar maps for multi-language
// attributes; for models both are nil.
func Build(n graph.Node, operation string) model.ChangeSet {
	cs := model.ChangeSet{Selector: Selector(n), Operation: operation}
	if a, ok := n.(*graph.Attribute); ok {
		cs.NewValue = a.Extract((*graph.Value).Value)
		cs.OldValue = a.Extract((*graph.Value).OldValue)
	}
	return cs
}

// BuildRestore returns the record of restoring override to the value of
// the inherited attribute it shadowed.
func BuildRestore(override, inherited *graph.Attribute) model.ChangeSet {
	cs := model.ChangeSet{
		Selector:  Selector(override),
		OldValue:  override.Extract((*graph.Value).Value),
		Operation: model.OperationRestoreAttribute,
	}
	if inherited != nil {
		cs.NewValue = inherited.Extract((*graph.Value).Value)
	}
	return cs
}

// BuildAll builds the records of nodes, one per selector. A later node
// with the same selector replaces the earlier record in its position.
func BuildAll(nodes []graph.Node, operation string) []model.ChangeSet {
	records := make([]model.ChangeSet, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, Build(n, operation))
	}
	return Dedupe(records)
}

// Dedupe keeps the last record per selector at the position of the first.
func Dedupe(records []model.ChangeSet) []model.ChangeSet {
	l := modellist.New(func(c model.ChangeSet) string { return c.Selector })
	for _, c := range records {
		l.Insert(c)
	}
	return l.Models()
}
