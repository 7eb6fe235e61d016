package platform

import "context"

// Connection is a currently-valid credential pair for one client connection.
// Credential values must never reach persisted records or logs.
type Connection struct {
	AccessToken string
	InstanceURL string
}

// CredentialSource resolves the bearer credential and base endpoint for a
// client. Implementations may perform a refresh round-trip.
type CredentialSource interface {
	Connection(ctx context.Context, clientID string) (Connection, error)
}

// Deploy job states reported by the platform's async metadata API.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobSucceeded  = "succeeded"
	JobPartial    = "partial"
	JobFailed     = "failed"
)

// DeployOptions control how the platform applies a change package.
type DeployOptions struct {
	// RollbackOnError asks the platform to revert the whole package when any
	// component fails instead of applying the successful subset.
	RollbackOnError bool
	// Destructive marks the archive as a removal manifest.
	Destructive bool
}

// ComponentOutcome is one component's result inside a deploy job.
type ComponentOutcome struct {
	Type     string
	FullName string
	ID       string
	Code     string
	Message  string
}

// DeployJob is a point-in-time view of an async deploy job.
type DeployJob struct {
	ID        string
	State     string
	Done      bool
	Successes []ComponentOutcome
	Failures  []ComponentOutcome
	// ErrorCode/ErrorMessage carry a job-level failure (e.g. the platform
	// rejected the whole package, or serialized a concurrent deploy).
	ErrorCode    string
	ErrorMessage string
}

// UpsertResult is the per-record outcome of a bulk upsert call, positionally
// aligned with the submitted batch.
type UpsertResult struct {
	ID      string
	Success bool
	Created bool
	Errors  []UpsertError
}

// UpsertError is the platform's original per-record error.
type UpsertError struct {
	StatusCode string
	Message    string
	Fields     []string
}

// ObjectSummary is one entry from the platform's object listing.
type ObjectSummary struct {
	Name   string
	Label  string
	Custom bool
}

// Client is the capability interface through which all platform calls funnel.
// It is injected into the engine components so tests can substitute a fake.
type Client interface {
	SubmitDeploy(ctx context.Context, conn Connection, archive []byte, opts DeployOptions) (string, error)
	DeployStatus(ctx context.Context, conn Connection, jobID string) (DeployJob, error)
	BulkUpsert(ctx context.Context, conn Connection, objectType, externalIDField string, records []map[string]any) ([]UpsertResult, error)
	ListObjects(ctx context.Context, conn Connection) ([]ObjectSummary, error)
	DescribeObject(ctx context.Context, conn Connection, name string) (*ObjectDescribe, error)
	ToolingQuery(ctx context.Context, conn Connection, soql string) ([]map[string]any, error)
}

// ObjectDescribe is the subset of a describe payload the engine snapshots.
type ObjectDescribe struct {
	Name            string
	Label           string
	Custom          bool
	Fields          []FieldDescribe
	ValidationRules []RuleDescribe
	Automations     []AutomationDescribe
}

// FieldDescribe is one field from a describe payload.
type FieldDescribe struct {
	Name         string
	Type         string
	Nillable     bool
	DefaultValue any
	Custom       bool
}

// RuleDescribe is one validation rule from a describe payload.
type RuleDescribe struct {
	Name   string
	Active bool
}

// AutomationDescribe is one workflow/trigger from a describe payload.
type AutomationDescribe struct {
	Name    string
	Active  bool
	FiresOn []string
}
