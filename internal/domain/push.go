package domain

import "time"

// PushLog tracks one record-upsert batch operation against the platform.
// Immutable once terminal.
type PushLog struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"-"`
	ClientID         string         `json:"client_id"`
	ObjectType       string         `json:"object_type"`
	ExternalIDField  string         `json:"external_id_field"`
	Status           string         `json:"status"`
	RecordsTotal     int            `json:"records_total"`
	RecordsSucceeded int            `json:"records_succeeded"`
	RecordsFailed    int            `json:"records_failed"`
	Results          []RecordResult `json:"results,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RecordResult is the per-record outcome of a bulk upsert, positionally
// aligned with the caller's record list.
type RecordResult struct {
	ID      string        `json:"id,omitempty"`
	Success bool          `json:"success"`
	Created bool          `json:"created"`
	Errors  []RecordError `json:"errors,omitempty"`
}

// RecordError preserves the platform's per-record error verbatim.
type RecordError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields,omitempty"`
}

// PushLogUpdate carries the terminal fields written when a push completes.
type PushLogUpdate struct {
	PushLogID        string
	Status           string
	RecordsSucceeded int
	RecordsFailed    int
	Results          []RecordResult
	ErrorMessage     string
	CompletedAt      *time.Time
}
