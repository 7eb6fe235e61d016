package domain

import (
	"encoding/json"
	"time"
)

// Deployment captures one tracked execution of a plan against the platform.
type Deployment struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"-"`
	ClientID         string            `json:"client_id"`
	ConflictReportID *string           `json:"conflict_report_id,omitempty"`
	Status           string            `json:"status"`
	Plan             json.RawMessage   `json:"plan,omitempty"`
	Result           *DeploymentResult `json:"result,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	JobID            string            `json:"job_id,omitempty"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	RolledBackAt     *time.Time        `json:"rolled_back_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DeploymentResult is the immutable outcome recorded once a deployment reaches
// a terminal state. Rollback output is appended under Rollback, never replacing
// the original component list.
type DeploymentResult struct {
	Status               string            `json:"status"`
	ObjectsCreated       int               `json:"objects_created"`
	FieldsCreated        int               `json:"fields_created"`
	RelationshipsCreated int               `json:"relationships_created"`
	Components           []ComponentResult `json:"components"`
	Errors               []ResultError     `json:"errors,omitempty"`
	Rollback             *RollbackResult   `json:"rollback,omitempty"`
}

// ComponentResult records the per-component outcome of a deploy job.
type ComponentResult struct {
	Type       string       `json:"type"`
	APIName    string       `json:"api_name"`
	Success    bool         `json:"success"`
	PlatformID string       `json:"sfdc_id,omitempty"`
	Error      *ResultError `json:"error,omitempty"`
}

// ResultError preserves the platform's original error code and message.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RollbackResult records the outcome of the destructive rollback job.
type RollbackResult struct {
	Status               string            `json:"status"`
	RolledBackComponents int               `json:"rolled_back_components"`
	FailedComponents     int               `json:"failed_components"`
	Components           []ComponentResult `json:"components"`
}

// DeploymentUpdate carries the mutable fields written on a status transition.
type DeploymentUpdate struct {
	DeploymentID string
	Status       string
	Result       *DeploymentResult
	ErrorMessage string
	JobID        string
	SubmittedAt  *time.Time
	CompletedAt  *time.Time
	RolledBackAt *time.Time
}
