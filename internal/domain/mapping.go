package domain

import "time"

// FieldMapping translates a client's canonical field vocabulary to the
// platform's native field names for one canonical object. Mutable; Version is
// an optimistic counter bumped on every update. Looked up fresh on every push.
type FieldMapping struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"-"`
	ClientID        string            `json:"client_id"`
	CanonicalObject string            `json:"canonical_object"`
	PlatformObject  string            `json:"sfdc_object"`
	FieldMap        map[string]string `json:"field_mappings"`
	ExternalIDField string            `json:"external_id_field,omitempty"`
	Version         int               `json:"version"`
	Active          bool              `json:"is_active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
