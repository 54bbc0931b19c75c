package metadata

import (
	"math"

	"github.com/pitabwire/modelmgmt/internal/rules"
	"github.com/pitabwire/modelmgmt/model"
)

// Restrictions are the editing restrictions of an attribute.
type Restrictions struct {
	Updateable bool
	Mandatory  bool
	Visible    bool
}

// DefaultRestrictions returns updateable, optional and visible.
func DefaultRestrictions() Restrictions {
	return Restrictions{Updateable: true, Visible: true}
}

// Outcome holds the restriction overrides of a matching rule. Nil fields
// fall back to the attribute defaults.
type Outcome struct {
	Updateable *bool
	Mandatory  *bool
	Visible    *bool
}

// Apply returns def with the outcome's fields overriding it.
func (o Outcome) Apply(def Restrictions) Restrictions {
	return Restrictions{
		Updateable: getOrDefault(o.Updateable, def.Updateable),
		Mandatory:  getOrDefault(o.Mandatory, def.Mandatory),
		Visible:    getOrDefault(o.Visible, def.Visible),
	}
}

func getOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Rule is a compiled validation rule. Program is nil when the expression
// is empty or failed to compile; Err then holds the reason.
type Rule struct {
	Expression string
	Program    *rules.Program
	Err        error
	ErrorLabel string
	Outcome    Outcome
}

// Attribute is the meta-data of one attribute of a model kind.
type Attribute struct {
	ID           string
	Type         AttributeType
	DefaultValue any
	Defaults     Restrictions
	Affected     []string
	Rules        []Rule
	Options      []model.OptionDefinition
	Labels       map[string]string
	Descriptions map[string]string

	order int
}

// Unknown returns the meta-data used for attributes missing from the
// catalogue: a string attribute with default restrictions and no rules.
func Unknown(id string) *Attribute {
	return &Attribute{ID: id, Type: TypeString, Defaults: DefaultRestrictions(), order: math.MaxInt}
}

// Order returns the catalogue position of the attribute.
func (a *Attribute) Order() int {
	return a.order
}

func newAttribute(def model.AttributeMetaDataDefinition) *Attribute {
	vm := def.ValidationModel
	a := &Attribute{
		ID:           def.ID,
		Type:         ParseType(def.Type),
		DefaultValue: def.DefaultValue,
		Defaults: Restrictions{
			Updateable: getOrDefault(vm.Updateable, true),
			Mandatory:  getOrDefault(vm.Mandatory, false),
			Visible:    getOrDefault(vm.Visible, true),
		},
		Affected:     vm.Affected,
		Options:      def.Options,
		Labels:       def.Labels,
		Descriptions: def.Descriptions,
	}
	for _, r := range vm.Rules {
		rule := Rule{Expression: r.Expression, ErrorLabel: r.ErrorLabel}
		if r.Outcome != nil {
			rule.Outcome = Outcome{
				Updateable: r.Outcome.Updateable,
				Mandatory:  r.Outcome.Mandatory,
				Visible:    r.Outcome.Visible,
			}
		}
		rule.Program, rule.Err = rules.Compile(r.Expression)
		a.Rules = append(a.Rules, rule)
	}
	return a
}
