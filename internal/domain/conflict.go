package domain

import "time"

// Finding severities, ordered red > yellow > green.
const (
	SeverityGreen  = "green"
	SeverityYellow = "yellow"
	SeverityRed    = "red"
)

// Finding is a single conflict-check observation.
type Finding struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// ConflictReport is the immutable result of checking a plan against a schema
// snapshot. OverallSeverity is the maximum severity across findings.
type ConflictReport struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"-"`
	ClientID        string    `json:"client_id"`
	PlanFingerprint string    `json:"plan_fingerprint"`
	SnapshotVersion int       `json:"snapshot_version"`
	OverallSeverity string    `json:"overall_severity"`
	GreenCount      int       `json:"green_count"`
	YellowCount     int       `json:"yellow_count"`
	RedCount        int       `json:"red_count"`
	Findings        []Finding `json:"findings"`
	CreatedAt       time.Time `json:"created_at"`
}
