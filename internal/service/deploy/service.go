package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/events"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/metadata"
)

// Deployment lifecycle states. A deployment moves pending -> in_progress ->
// one of {succeeded, partial, failed}; only succeeded may later become
// rolled_back.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

var (
	// ErrInvalidState is returned when an operation is requested against a
	// deployment whose current status does not permit it.
	ErrInvalidState = errors.New("deploy: operation not valid for deployment state")
	// ErrDeployTimeout marks a job that never reached a terminal platform state
	// before the configured deadline.
	ErrDeployTimeout = errors.New("deploy: job did not complete before timeout")
)

// Service orchestrates the async deployment lifecycle end to end: package
// build, submit, poll, terminal classification and rollback.
type Service struct {
	deployments  repository.DeploymentRepository
	reports      repository.ConflictReportRepository
	builder      metadata.Builder
	client       platform.Client
	credentials  platform.CredentialSource
	hub          *events.Hub
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

func New(
	deployments repository.DeploymentRepository,
	reports repository.ConflictReportRepository,
	builder metadata.Builder,
	client platform.Client,
	credentials platform.CredentialSource,
	hub *events.Hub,
	logger *slog.Logger,
	pollInterval, timeout time.Duration,
) Service {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return Service{
		deployments:  deployments,
		reports:      reports,
		builder:      builder,
		client:       client,
		credentials:  credentials,
		hub:          hub,
		logger:       logger,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// ExecuteInput is one deployment request.
type ExecuteInput struct {
	ClientID         string
	ConflictReportID *string
	Plan             json.RawMessage
}

// Execute runs a plan through the full deployment lifecycle and returns the
// terminal deployment record. Every terminal state is persisted before the
// method returns; a non-nil error is only returned for failures that predate
// the deployment record (bad conflict report reference) or an invalid plan.
func (s Service) Execute(ctx context.Context, orgID string, input ExecuteInput) (*domain.Deployment, error) {
	if input.ConflictReportID != nil {
		report, err := s.reports.GetConflictReportByID(ctx, orgID, *input.ConflictReportID)
		if err != nil {
			return nil, fmt.Errorf("resolve conflict report: %w", err)
		}
		if report.ClientID != input.ClientID {
			return nil, fmt.Errorf("%w: conflict report belongs to a different client", ErrInvalidState)
		}
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		ClientID:         input.ClientID,
		ConflictReportID: input.ConflictReportID,
		Status:           StatusPending,
		Plan:             input.Plan,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	var plan domain.Plan
	if err := json.Unmarshal(input.Plan, &plan); err != nil {
		err = fmt.Errorf("%w: %v", metadata.ErrInvalidPlan, err)
		s.failDeployment(ctx, deployment, err.Error())
		return nil, err
	}
	pkg, err := s.builder.BuildDeployArchive(plan)
	if err != nil {
		s.failDeployment(ctx, deployment, err.Error())
		return nil, err
	}

	conn, err := s.credentials.Connection(ctx, deployment.ClientID)
	if err != nil {
		s.failDeployment(ctx, deployment, fmt.Sprintf("resolve connection: %v", err))
		return deployment, nil
	}

	jobID, err := s.client.SubmitDeploy(ctx, conn, pkg.Archive, platform.DeployOptions{})
	if err != nil {
		s.failDeployment(ctx, deployment, err.Error())
		return deployment, nil
	}

	submittedAt := time.Now().UTC()
	deployment.Status = StatusInProgress
	deployment.JobID = jobID
	deployment.SubmittedAt = &submittedAt
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       StatusInProgress,
		JobID:        jobID,
		SubmittedAt:  &submittedAt,
	}); err != nil {
		return nil, err
	}
	s.publish(deployment, "submitted", "")
	s.logger.Info("deploy job submitted",
		"deployment_id", deployment.ID,
		"client_id", deployment.ClientID,
		"job_id", jobID)

	job, err := s.awaitJob(ctx, conn, jobID)
	if err != nil {
		s.failDeployment(ctx, deployment, err.Error())
		return deployment, nil
	}

	result := buildResult(pkg.Manifest, job)
	completedAt := time.Now().UTC()
	deployment.Status = result.Status
	deployment.Result = result
	deployment.CompletedAt = &completedAt
	if result.Status == StatusFailed && job.ErrorMessage != "" {
		deployment.ErrorMessage = job.ErrorMessage
	}
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       deployment.Status,
		Result:       result,
		ErrorMessage: deployment.ErrorMessage,
		CompletedAt:  &completedAt,
	}); err != nil {
		return nil, err
	}
	s.publish(deployment, "completed", deployment.ErrorMessage)
	s.logger.Info("deploy job finished",
		"deployment_id", deployment.ID,
		"status", deployment.Status,
		"objects_created", result.ObjectsCreated,
		"fields_created", result.FieldsCreated)
	return deployment, nil
}

// Rollback removes the components a succeeded deployment created, newest
// first, via a destructive change package. The deployment only transitions to
// rolled_back when the destructive job fully succeeds; otherwise it remains
// succeeded and the attempt is recorded under the result.
func (s Service) Rollback(ctx context.Context, orgID, deploymentID string) (*domain.Deployment, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, orgID, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != StatusSucceeded {
		return nil, fmt.Errorf("%w: cannot roll back a %s deployment", ErrInvalidState, deployment.Status)
	}
	if deployment.Result == nil || len(deployment.Result.Components) == 0 {
		return nil, fmt.Errorf("%w: deployment has no recorded components", ErrInvalidState)
	}

	entries := destructiveEntries(deployment.Result.Components)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no components eligible for rollback", ErrInvalidState)
	}

	archive, err := s.builder.BuildDestructiveArchive(entries)
	if err != nil {
		return nil, err
	}
	conn, err := s.credentials.Connection(ctx, deployment.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}
	jobID, err := s.client.SubmitDeploy(ctx, conn, archive, platform.DeployOptions{Destructive: true})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rollback job submitted",
		"deployment_id", deployment.ID,
		"client_id", deployment.ClientID,
		"job_id", jobID)

	job, pollErr := s.awaitJob(ctx, conn, jobID)
	rollback := buildRollbackResult(entries, job, pollErr)
	deployment.Result.Rollback = rollback

	update := domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       deployment.Status,
		Result:       deployment.Result,
	}
	if rollback.Status == StatusSucceeded {
		rolledBackAt := time.Now().UTC()
		deployment.Status = StatusRolledBack
		deployment.RolledBackAt = &rolledBackAt
		update.Status = StatusRolledBack
		update.RolledBackAt = &rolledBackAt
	}
	if err := s.deployments.UpdateDeployment(ctx, update); err != nil {
		return nil, err
	}
	s.publish(deployment, "rollback", "")
	s.logger.Info("rollback finished",
		"deployment_id", deployment.ID,
		"rollback_status", rollback.Status,
		"deployment_status", deployment.Status)
	return deployment, nil
}

// Get returns one deployment scoped to the org.
func (s Service) Get(ctx context.Context, orgID, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, orgID, deploymentID)
}

// List returns a client's deployment history, newest first.
func (s Service) List(ctx context.Context, orgID, clientID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByClient(ctx, orgID, clientID, limit)
}

// awaitJob polls the platform at a constant interval until the job reports
// done or the deadline lapses. Transient status-call errors are retried;
// a deadline lapse surfaces as ErrDeployTimeout.
func (s Service) awaitJob(ctx context.Context, conn platform.Connection, jobID string) (platform.DeployJob, error) {
	var job platform.DeployJob
	backoff := retry.WithMaxDuration(s.timeout, retry.NewConstant(s.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := s.client.DeployStatus(ctx, conn, jobID)
		if err != nil {
			return retry.RetryableError(err)
		}
		job = current
		if !current.Done {
			return retry.RetryableError(fmt.Errorf("%w: job %s still %s", ErrDeployTimeout, jobID, current.State))
		}
		return nil
	})
	if err != nil {
		return platform.DeployJob{}, err
	}
	return job, nil
}

func (s Service) failDeployment(ctx context.Context, deployment *domain.Deployment, message string) {
	completedAt := time.Now().UTC()
	deployment.Status = StatusFailed
	deployment.ErrorMessage = message
	deployment.CompletedAt = &completedAt
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       StatusFailed,
		ErrorMessage: message,
		CompletedAt:  &completedAt,
	}); err != nil {
		s.logger.Error("failed to record deployment failure", "deployment_id", deployment.ID, "error", err)
	}
	s.publish(deployment, "completed", message)
	s.logger.Error("deployment failed", "deployment_id", deployment.ID, "error", message)
}

func (s Service) publish(deployment *domain.Deployment, stage, message string) {
	s.hub.Publish(events.Event{
		Kind:      "deployment",
		ID:        deployment.ID,
		ClientID:  deployment.ClientID,
		Status:    deployment.Status,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// buildResult folds the platform job outcome back onto the package manifest,
// preserving manifest order and the platform's original error codes and
// messages.
func buildResult(manifest []metadata.ManifestEntry, job platform.DeployJob) *domain.DeploymentResult {
	successes := make(map[string]platform.ComponentOutcome, len(job.Successes))
	for _, outcome := range job.Successes {
		successes[outcome.FullName] = outcome
	}
	failures := make(map[string]platform.ComponentOutcome, len(job.Failures))
	for _, outcome := range job.Failures {
		failures[outcome.FullName] = outcome
	}

	result := &domain.DeploymentResult{Status: classifyJob(job)}
	for _, entry := range manifest {
		component := domain.ComponentResult{Type: entry.Type, APIName: entry.FullName}
		if outcome, ok := failures[entry.FullName]; ok {
			component.Error = &domain.ResultError{Code: outcome.Code, Message: outcome.Message}
			result.Errors = append(result.Errors, *component.Error)
		} else if outcome, ok := successes[entry.FullName]; ok {
			component.Success = true
			component.PlatformID = outcome.ID
		} else if result.Status == StatusSucceeded {
			// A fully succeeded job may omit per-component details entirely;
			// the package applied as a unit.
			component.Success = true
		} else if result.Status == StatusFailed {
			// The platform rejected the job before reporting per-component
			// details; every component is unapplied.
			component.Error = &domain.ResultError{Code: job.ErrorCode, Message: job.ErrorMessage}
		}
		if component.Success {
			switch entry.Type {
			case domain.ComponentCustomObject:
				result.ObjectsCreated++
			case domain.ComponentCustomField:
				result.FieldsCreated++
			case domain.ComponentRelationship:
				result.RelationshipsCreated++
			}
		}
		result.Components = append(result.Components, component)
	}
	if job.ErrorCode != "" || job.ErrorMessage != "" {
		result.Errors = append(result.Errors, domain.ResultError{Code: job.ErrorCode, Message: job.ErrorMessage})
	}
	return result
}

func classifyJob(job platform.DeployJob) string {
	switch job.State {
	case platform.JobSucceeded:
		return StatusSucceeded
	case platform.JobPartial:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// destructiveEntries maps the successfully created components of a deployment
// to a removal manifest in reverse creation order. Fields and relationships
// that live on an object being removed are skipped: deleting the object
// removes them.
func destructiveEntries(components []domain.ComponentResult) []metadata.ManifestEntry {
	removedObjects := make(map[string]struct{})
	for _, component := range components {
		if component.Success && component.Type == domain.ComponentCustomObject {
			removedObjects[component.APIName] = struct{}{}
		}
	}

	var entries []metadata.ManifestEntry
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		if !component.Success {
			continue
		}
		if component.Type != domain.ComponentCustomObject {
			if object, _, ok := splitFieldName(component.APIName); ok {
				if _, removed := removedObjects[object]; removed {
					continue
				}
			}
		}
		entries = append(entries, metadata.ManifestEntry{Type: component.Type, FullName: component.APIName})
	}
	return entries
}

func splitFieldName(fullName string) (object, field string, ok bool) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '.' {
			return fullName[:i], fullName[i+1:], true
		}
	}
	return "", "", false
}

// buildRollbackResult records the destructive job outcome against the
// submitted removal manifest.
func buildRollbackResult(entries []metadata.ManifestEntry, job platform.DeployJob, pollErr error) *domain.RollbackResult {
	rollback := &domain.RollbackResult{}
	if pollErr != nil {
		rollback.Status = StatusFailed
		rollback.FailedComponents = len(entries)
		for _, entry := range entries {
			rollback.Components = append(rollback.Components, domain.ComponentResult{
				Type:    entry.Type,
				APIName: entry.FullName,
				Error:   &domain.ResultError{Code: "rollback_poll_failed", Message: pollErr.Error()},
			})
		}
		return rollback
	}

	failures := make(map[string]platform.ComponentOutcome, len(job.Failures))
	for _, outcome := range job.Failures {
		failures[outcome.FullName] = outcome
	}
	for _, entry := range entries {
		component := domain.ComponentResult{Type: entry.Type, APIName: entry.FullName}
		if outcome, failed := failures[entry.FullName]; failed {
			component.Error = &domain.ResultError{Code: outcome.Code, Message: outcome.Message}
			rollback.FailedComponents++
		} else {
			component.Success = true
			rollback.RolledBackComponents++
		}
		rollback.Components = append(rollback.Components, component)
	}
	switch {
	case rollback.FailedComponents == 0:
		rollback.Status = StatusSucceeded
	case rollback.RolledBackComponents == 0:
		rollback.Status = StatusFailed
	default:
		rollback.Status = StatusPartial
	}
	return rollback
}
