package domain

import "time"

// SchemaSnapshot is an immutable, versioned cache of a client's full remote
// schema. Versions strictly increase per client.
type SchemaSnapshot struct {
	ID         string                  `json:"id"`
	OrgID      string                  `json:"-"`
	ClientID   string                  `json:"client_id"`
	Version    int                     `json:"version"`
	Objects    map[string]ObjectSchema `json:"objects,omitempty"`
	APIVersion string                  `json:"api_version"`
	CapturedAt time.Time               `json:"captured_at"`
}

// ObjectSchema describes one object as read from the platform.
type ObjectSchema struct {
	Name            string           `json:"name"`
	Label           string           `json:"label,omitempty"`
	Custom          bool             `json:"custom"`
	Fields          []FieldSchema    `json:"fields,omitempty"`
	ValidationRules []RuleSchema     `json:"validation_rules,omitempty"`
	Automations     []AutomationSchema `json:"automations,omitempty"`
}

// FieldSchema describes one existing field.
type FieldSchema struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nillable     bool   `json:"nillable"`
	HasDefault   bool   `json:"has_default"`
	Custom       bool   `json:"custom"`
}

// Required reports whether the platform will reject records that omit the
// field: not nillable and no default to fall back on.
func (f FieldSchema) Required() bool {
	return !f.Nillable && !f.HasDefault
}

// RuleSchema describes a validation rule on an object.
type RuleSchema struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// AutomationSchema describes a workflow/trigger-equivalent automation.
type AutomationSchema struct {
	Name     string   `json:"name"`
	Active   bool     `json:"active"`
	FiresOn  []string `json:"fires_on,omitempty"` // create, update
}

// FiresOnWrite reports whether the automation runs on record create or update.
func (a AutomationSchema) FiresOnWrite() bool {
	if len(a.FiresOn) == 0 {
		return true
	}
	for _, event := range a.FiresOn {
		if event == "create" || event == "update" {
			return true
		}
	}
	return false
}
