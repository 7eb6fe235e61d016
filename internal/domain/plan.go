package domain

// Component type discriminators used in plans, manifests and results.
const (
	ComponentCustomObject = "custom_object"
	ComponentCustomField  = "custom_field"
	ComponentRelationship = "relationship"
)

// Plan is the caller-declared set of schema changes. It is stored verbatim
// alongside every deployment so it can be diffed and replayed by rollback.
type Plan struct {
	CustomObjects        []CustomObjectSpec         `json:"custom_objects,omitempty"`
	StandardObjectFields []StandardObjectFieldsSpec `json:"standard_object_fields,omitempty"`
}

// CustomObjectSpec declares a custom object with its fields and relationships.
// Declaration order is the caller's dependency order: an object referenced by a
// relationship field must be declared before the dependent field.
type CustomObjectSpec struct {
	APIName       string      `json:"api_name"`
	Label         string      `json:"label,omitempty"`
	PluralLabel   string      `json:"plural_label,omitempty"`
	Fields        []FieldSpec `json:"fields,omitempty"`
	Relationships []FieldSpec `json:"relationships,omitempty"`
}

// StandardObjectFieldsSpec declares custom fields on a standard object.
type StandardObjectFieldsSpec struct {
	Object string      `json:"object"`
	Fields []FieldSpec `json:"fields,omitempty"`
}

// FieldSpec declares a single field. Type selects which attributes apply.
type FieldSpec struct {
	APIName          string          `json:"api_name"`
	Label            string          `json:"label,omitempty"`
	Type             string          `json:"type"`
	Required         *bool           `json:"required,omitempty"`
	Length           int             `json:"length,omitempty"`
	Precision        int             `json:"precision,omitempty"`
	Scale            *int            `json:"scale,omitempty"`
	VisibleLines     int             `json:"visible_lines,omitempty"`
	DefaultValue     *bool           `json:"default,omitempty"`
	Restricted       *bool           `json:"restricted,omitempty"`
	Values           []PicklistValue `json:"values,omitempty"`
	RelatedTo        string          `json:"related_to,omitempty"`
	RelationshipName string          `json:"relationship_name,omitempty"`
	DeleteConstraint string          `json:"delete_constraint,omitempty"`
}

// PicklistValue is one entry in a picklist value set.
type PicklistValue struct {
	FullName string `json:"fullName"`
	Label    string `json:"label,omitempty"`
	Default  bool   `json:"default,omitempty"`
}
