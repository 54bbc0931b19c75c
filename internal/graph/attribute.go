package graph

import (
	"errors"

	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/modellist"
)

// ErrLanguageRequired is returned when a multi-language attribute is
// assigned without a language.
var ErrLanguageRequired = errors.New("language is required for multi-language attributes")

// Validation holds the active error labels of an attribute.
type Validation struct {
	Errors []string
}

// Reset clears all errors.
func (v *Validation) Reset() { v.Errors = nil }

// Add appends an error label.
func (v *Validation) Add(label string) { v.Errors = append(v.Errors, label) }

// IsValid reports whether no error is active.
func (v *Validation) IsValid() bool { return len(v.Errors) == 0 }

// Attribute is a typed attribute node. Label and multiLangString
// attributes hold one Value per language; all other types hold a single
// Value.
type Attribute struct {
	base

	typ    metadata.AttributeType
	meta   *metadata.Attribute
	single *Value
	values *modellist.List[*Value]

	Validation   Validation
	Restrictions metadata.Restrictions
}

func newAttribute(g *Graph, meta *metadata.Attribute) *Attribute {
	a := &Attribute{
		base:         base{g: g, id: meta.ID, kind: metadata.KindAttribute},
		typ:          meta.Type,
		meta:         meta,
		Restrictions: meta.Defaults,
	}
	if a.typ.MultiValued() {
		a.values = modellist.Of[*Value]()
	} else {
		a.single = &Value{}
	}
	a.ref = g.register(a)
	return a
}

// Type returns the attribute type; it never changes after link time.
func (a *Attribute) Type() metadata.AttributeType { return a.typ }

// MetaData returns the catalogue entry of the attribute.
func (a *Attribute) MetaData() *metadata.Attribute { return a.meta }

// IsMultiValued reports whether the attribute holds one value per language.
func (a *Attribute) IsMultiValued() bool { return a.values != nil }

// Load sets the baseline value from a raw payload value. The attribute is
// clean afterwards.
func (a *Attribute) Load(raw any, defaultLang string) error {
	if !a.IsMultiValued() {
		v, err := Coerce(a.typ, raw)
		if err != nil {
			return err
		}
		a.single = &Value{value: v}
		return nil
	}
	order, values, err := LanguageValues(raw, defaultLang)
	if err != nil {
		return err
	}
	a.values.Clear()
	for _, lang := range order {
		v, err := Coerce(a.typ, values[lang])
		if err != nil {
			return err
		}
		a.values.Insert(&Value{lang: lang, value: v})
	}
	return nil
}

// Value returns the current scalar; for multi-language attributes the value
// of the first language.
func (a *Attribute) Value() any {
	if !a.IsMultiValued() {
		return a.single.value
	}
	if vs := a.values.Models(); len(vs) > 0 {
		return vs[0].value
	}
	return nil
}

// ValueFor returns the value in lang. Single-valued attributes ignore lang.
func (a *Attribute) ValueFor(lang string) (any, bool) {
	if !a.IsMultiValued() {
		return a.single.value, true
	}
	v, ok := a.values.Get(CanonicalLanguage(lang))
	if !ok {
		return nil, false
	}
	return v.value, true
}

// Values returns the values in order.
func (a *Attribute) Values() []*Value {
	if !a.IsMultiValued() {
		return []*Value{a.single}
	}
	return a.values.Models()
}

// Assign sets the value in lang, coerced to the attribute type. The value
// present before the first edit is kept as old value.
func (a *Attribute) Assign(lang string, raw any) error {
	x, err := Coerce(a.typ, raw)
	if err != nil {
		return err
	}
	if !a.IsMultiValued() {
		a.single.set(x)
		return nil
	}
	lang = CanonicalLanguage(lang)
	if lang == "" {
		return ErrLanguageRequired
	}
	if v, ok := a.values.Get(lang); ok {
		v.set(x)
		return nil
	}
	a.values.Insert(&Value{lang: lang, value: x, added: true})
	return nil
}

// RestoreValue reverts every value to its old value and clears the dirty
// state. Values added since the last save are dropped.
func (a *Attribute) RestoreValue() {
	if !a.IsMultiValued() {
		a.single.restore()
		return
	}
	for _, v := range a.values.Models() {
		if v.added {
			a.values.Remove(v.lang)
			continue
		}
		v.restore()
	}
}

// Commit makes the current values the new baseline.
func (a *Attribute) Commit() {
	for _, v := range a.Values() {
		v.commit()
	}
}

// IsDirty reports whether any value differs from its baseline.
func (a *Attribute) IsDirty() bool {
	for _, v := range a.Values() {
		if v.IsDirty() {
			return true
		}
	}
	return false
}

// IsEmpty reports whether every value is empty.
func (a *Attribute) IsEmpty() bool {
	for _, v := range a.Values() {
		if !IsEmptyScalar(v.value) {
			return false
		}
	}
	return true
}

// IsValid reports whether the attribute has no active validation error.
func (a *Attribute) IsValid() bool { return a.Validation.IsValid() }

// Extract maps every value through fn: a scalar for single-valued
// attributes, a language → scalar map for multi-language ones.
func (a *Attribute) Extract(fn func(*Value) any) any {
	if !a.IsMultiValued() {
		return fn(a.single)
	}
	out := make(map[string]any, a.values.Len())
	for _, v := range a.values.Models() {
		out[v.lang] = fn(v)
	}
	return out
}

// Snapshot captures the complete value state.
func (a *Attribute) Snapshot() []Value {
	vs := a.Values()
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = *v
	}
	return out
}

// Revert replaces the value state with a snapshot.
func (a *Attribute) Revert(snap []Value) {
	if !a.IsMultiValued() {
		if len(snap) > 0 {
			v := snap[0]
			a.single = &v
		}
		return
	}
	a.values.Clear()
	for _, v := range snap {
		a.values.Insert(&v)
	}
}

// CloneFor creates a local copy of a owned by owner. The copy starts clean
// with a's current values and refers back to a.
func (a *Attribute) CloneFor(owner *Model) *Attribute {
	c := newAttribute(a.g, a.meta)
	c.typ = a.typ
	if a.IsMultiValued() {
		for _, v := range a.values.Models() {
			c.values.Insert(&Value{lang: v.lang, value: v.value})
		}
	} else {
		c.single = &Value{value: a.single.value}
	}
	c.Restrictions = a.Restrictions
	c.Validation.Errors = append([]string(nil), a.Validation.Errors...)
	c.SetReference(a)
	owner.AddAttribute(c)
	return c
}
