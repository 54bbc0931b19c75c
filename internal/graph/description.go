package graph

import "fmt"

// Attribute ids carrying the description of a model.
const (
	LabelAttribute       = "label"
	DescriptionAttribute = "description"
)

// Description gives a node access to its multi-language label and
// description.
type Description struct {
	lookup func(id string) (*Attribute, bool)
}

// Label returns the label in lang, falling back to the first label.
func (d Description) Label(lang string) string {
	return d.text(LabelAttribute, lang)
}

// Describe returns the description in lang, falling back to the first
// description.
func (d Description) Describe(lang string) string {
	return d.text(DescriptionAttribute, lang)
}

func (d Description) text(id, lang string) string {
	if d.lookup == nil {
		return ""
	}
	a, ok := d.lookup(id)
	if !ok {
		return ""
	}
	v, ok := a.ValueFor(lang)
	if !ok {
		v = a.Value()
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
