package model

// ModelsPayload is the root structure of a model payload document, as
// served by the model service or read from a payload file. A document may
// carry the meta-data catalogue, the class and definition models, the
// semantic properties, or any combination of them.
type ModelsPayload struct {
	MetaData    *MetaDataDefinition `yaml:"metaData"    json:"metaData,omitempty"`
	Classes     []ModelItem         `yaml:"classes"     json:"classes,omitempty"`
	Definitions []ModelItem         `yaml:"definitions" json:"definitions,omitempty"`
	Properties  []ModelItem         `yaml:"properties"  json:"properties,omitempty"`

	// Checksum is computed at load time and not part of the document.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path, if any.
	SourceFile string `yaml:"-" json:"-"`
}

// ModelItem is a single class, definition, property or nested model (field,
// region, action, action group, action execution, header) in a payload.
type ModelItem struct {
	ID           string           `yaml:"id"           json:"id"`
	Parent       string           `yaml:"parent"       json:"parent,omitempty"`
	Abstract     bool             `yaml:"abstract"     json:"abstract,omitempty"`
	Attributes   []AttributeValue `yaml:"attributes"   json:"attributes,omitempty"`
	Regions      []ModelItem      `yaml:"regions"      json:"regions,omitempty"`
	Fields       []ModelItem      `yaml:"fields"       json:"fields,omitempty"`
	Actions      []ModelItem      `yaml:"actions"      json:"actions,omitempty"`
	ActionGroups []ModelItem      `yaml:"actionGroups" json:"actionGroups,omitempty"`
	Executions   []ModelItem      `yaml:"executions"   json:"executions,omitempty"`
	Headers      []ModelItem      `yaml:"headers"      json:"headers,omitempty"`
}

// AttributeValue is a raw attribute value. Value is a scalar for single
// valued attributes and either a {language: text} map or a list of
// {language, value} objects for multi-language attributes.
type AttributeValue struct {
	ID    string `yaml:"id"    json:"id"`
	Type  string `yaml:"type"  json:"type,omitempty"`
	Value any    `yaml:"value" json:"value"`
}

// MetaDataDefinition is the attribute meta-data catalogue, grouped by the
// kind of model the attributes belong to.
type MetaDataDefinition struct {
	Classes          []AttributeMetaDataDefinition `yaml:"classes"          json:"classes,omitempty"`
	Definitions      []AttributeMetaDataDefinition `yaml:"definitions"      json:"definitions,omitempty"`
	Properties       []AttributeMetaDataDefinition `yaml:"properties"       json:"properties,omitempty"`
	Fields           []AttributeMetaDataDefinition `yaml:"fields"           json:"fields,omitempty"`
	Regions          []AttributeMetaDataDefinition `yaml:"regions"          json:"regions,omitempty"`
	Actions          []AttributeMetaDataDefinition `yaml:"actions"          json:"actions,omitempty"`
	ActionGroups     []AttributeMetaDataDefinition `yaml:"actionGroups"     json:"actionGroups,omitempty"`
	ActionExecutions []AttributeMetaDataDefinition `yaml:"actionExecutions" json:"actionExecutions,omitempty"`
	Headers          []AttributeMetaDataDefinition `yaml:"headers"          json:"headers,omitempty"`
}

// AttributeMetaDataDefinition describes one attribute a model kind may carry.
type AttributeMetaDataDefinition struct {
	ID              string                    `yaml:"id"              json:"id"`
	Type            string                    `yaml:"type"            json:"type"`
	DefaultValue    any                       `yaml:"defaultValue"    json:"defaultValue,omitempty"`
	ValidationModel ValidationModelDefinition `yaml:"validationModel" json:"validationModel"`
	Options         []OptionDefinition        `yaml:"options"         json:"options,omitempty"`
	Labels          map[string]string         `yaml:"labels"          json:"labels,omitempty"`
	Descriptions    map[string]string         `yaml:"descriptions"    json:"descriptions,omitempty"`
}

// ValidationModelDefinition carries the default restrictions of an
// attribute and its validation rules. Nil restriction flags fall back to
// updateable=true, mandatory=false, visible=true.
type ValidationModelDefinition struct {
	Mandatory  *bool            `yaml:"mandatory"  json:"mandatory,omitempty"`
	Updateable *bool            `yaml:"updateable" json:"updateable,omitempty"`
	Visible    *bool            `yaml:"visible"    json:"visible,omitempty"`
	Affected   []string         `yaml:"affected"   json:"affected,omitempty"`
	Rules      []RuleDefinition `yaml:"rules"      json:"rules,omitempty"`
}

// RuleDefinition is a single validation rule. When Expression evaluates to
// true the rule matches: ErrorLabel is reported and Outcome overrides the
// attribute restrictions.
type RuleDefinition struct {
	Expression string             `yaml:"expression" json:"expression"`
	ErrorLabel string             `yaml:"errorLabel" json:"errorLabel,omitempty"`
	Outcome    *OutcomeDefinition `yaml:"outcome"    json:"outcome,omitempty"`
}

// OutcomeDefinition holds the restriction overrides of a matching rule.
type OutcomeDefinition struct {
	Updateable *bool `yaml:"updateable" json:"updateable,omitempty"`
	Mandatory  *bool `yaml:"mandatory"  json:"mandatory,omitempty"`
	Visible    *bool `yaml:"visible"    json:"visible,omitempty"`
}

// OptionDefinition is a selectable value of a code list attribute.
type OptionDefinition struct {
	Value string            `yaml:"value" json:"value"`
	Label map[string]string `yaml:"label" json:"label,omitempty"`
}
