package source

import (
	"fmt"

	"github.com/pitabwire/modelmgmt/internal/rules"
	"github.com/pitabwire/modelmgmt/model"
)

// VError describes a single structural error in a payload set.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks payload sets structurally and referentially before they
// are published to sessions.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

type topKey struct {
	chain string
	id    string
}

// chainOf groups top-level kinds by inheritance chain. Classes and
// definitions share one chain.
func chainOf(kind string) string {
	if kind == "property" {
		return "property"
	}
	return "model"
}

// Validate checks every payload and the references between them.
func (v *Validator) Validate(payloads []*model.ModelsPayload) []VError {
	var errs []VError

	meta := make(map[string]map[string]bool)
	seenMeta := false
	for i, p := range payloads {
		if p.MetaData == nil {
			continue
		}
		seenMeta = true
		prefix := fmt.Sprintf("%s.metaData", payloadPath(i, p))
		for kind, items := range metaGroups(p.MetaData) {
			if meta[kind] == nil {
				meta[kind] = make(map[string]bool)
			}
			for j, a := range items {
				ap := fmt.Sprintf("%s.%s[%d]", prefix, kind, j)
				errs = append(errs, v.validateMetaAttribute(ap, a)...)
				if a.ID == "" {
					continue
				}
				if meta[kind][a.ID] {
					errs = append(errs, VError{Path: ap + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("%s attribute %q declared twice", kind, a.ID)})
				}
				meta[kind][a.ID] = true
			}
		}
	}
	if !seenMeta && len(payloads) > 0 {
		errs = append(errs, VError{Path: "metaData", Code: "REQUIRED", Message: "no payload carries metaData"})
	}

	parents := make(map[topKey]string)
	for i, p := range payloads {
		for kind, items := range topGroups(p) {
			for j, item := range items {
				ip := fmt.Sprintf("%s.%s[%d]", payloadPath(i, p), kind, j)
				if item.ID == "" {
					errs = append(errs, VError{Path: ip + ".id", Code: "REQUIRED", Message: "id is required"})
					continue
				}
				key := topKey{chain: chainOf(kind), id: item.ID}
				if _, dup := parents[key]; dup {
					errs = append(errs, VError{Path: ip + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("model %q declared twice", item.ID)})
				}
				parents[key] = item.Parent
				if seenMeta {
					errs = append(errs, v.validateItem(ip, kind, item, meta)...)
				}
			}
		}
	}

	for key, parent := range parents {
		if parent == "" {
			continue
		}
		if _, ok := parents[topKey{chain: key.chain, id: parent}]; !ok {
			errs = append(errs, VError{Path: key.id + ".parent", Code: "UNKNOWN_PARENT", Message: fmt.Sprintf("parent %q of %q not found", parent, key.id)})
			continue
		}
		if inCycle(parents, key) {
			errs = append(errs, VError{Path: key.id + ".parent", Code: "CYCLE", Message: fmt.Sprintf("inheritance cycle through %q", key.id)})
		}
	}

	return errs
}

func (v *Validator) validateMetaAttribute(path string, a model.AttributeMetaDataDefinition) []VError {
	var errs []VError
	if a.ID == "" {
		errs = append(errs, VError{Path: path + ".id", Code: "REQUIRED", Message: "attribute id is required"})
	}
	for k, r := range a.ValidationModel.Rules {
		if _, err := rules.Compile(r.Expression); err != nil {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.validationModel.rules[%d].expression", path, k),
				Code:    "INVALID_RULE",
				Message: err.Error(),
			})
		}
	}
	return errs
}

// validateItem checks that every attribute of item and of its nested
// children is declared in the catalogue.
func (v *Validator) validateItem(path, kind string, item model.ModelItem, meta map[string]map[string]bool) []VError {
	var errs []VError
	for i, a := range item.Attributes {
		if !meta[kind][a.ID] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.attributes[%d]", path, i),
				Code:    "UNKNOWN_ATTRIBUTE",
				Message: fmt.Sprintf("%s attribute %q not in metaData", kind, a.ID),
			})
		}
	}
	for childKind, children := range childGroups(item) {
		for j, c := range children {
			cp := fmt.Sprintf("%s.%s[%d]", path, childKind, j)
			if c.ID == "" {
				errs = append(errs, VError{Path: cp + ".id", Code: "REQUIRED", Message: "id is required"})
				continue
			}
			errs = append(errs, v.validateItem(cp, childKind, c, meta)...)
		}
	}
	return errs
}

func inCycle(parents map[topKey]string, start topKey) bool {
	seen := map[topKey]bool{start: true}
	cur := start
	for {
		parent := parents[cur]
		if parent == "" {
			return false
		}
		next := topKey{chain: cur.chain, id: parent}
		if _, ok := parents[next]; !ok {
			return false
		}
		if seen[next] {
			return next == start
		}
		seen[next] = true
		cur = next
	}
}

func payloadPath(i int, p *model.ModelsPayload) string {
	if p.SourceFile != "" {
		return p.SourceFile
	}
	return fmt.Sprintf("payloads[%d]", i)
}

func metaGroups(d *model.MetaDataDefinition) map[string][]model.AttributeMetaDataDefinition {
	return map[string][]model.AttributeMetaDataDefinition{
		"class":           d.Classes,
		"definition":      d.Definitions,
		"property":        d.Properties,
		"field":           d.Fields,
		"region":          d.Regions,
		"action":          d.Actions,
		"actionGroup":     d.ActionGroups,
		"actionExecution": d.ActionExecutions,
		"header":          d.Headers,
	}
}

func topGroups(p *model.ModelsPayload) map[string][]model.ModelItem {
	return map[string][]model.ModelItem{
		"class":      p.Classes,
		"definition": p.Definitions,
		"property":   p.Properties,
	}
}

func childGroups(item model.ModelItem) map[string][]model.ModelItem {
	return map[string][]model.ModelItem{
		"field":           item.Fields,
		"region":          item.Regions,
		"action":          item.Actions,
		"actionGroup":     item.ActionGroups,
		"actionExecution": item.Executions,
		"header":          item.Headers,
	}
}
