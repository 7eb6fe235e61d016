package conflict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

// ErrNoSnapshot indicates the client has no schema snapshot to check against.
// Checking requires a snapshot to exist; the caller must pull one first.
var ErrNoSnapshot = errors.New("conflict: no schema snapshot for client")

// Service runs conflict checks and persists their reports.
type Service struct {
	reports   repository.ConflictReportRepository
	snapshots repository.SnapshotRepository
	logger    *slog.Logger
}

// New returns a conflict-check service.
func New(reports repository.ConflictReportRepository, snapshots repository.SnapshotRepository, logger *slog.Logger) Service {
	return Service{reports: reports, snapshots: snapshots, logger: logger}
}

// Check evaluates a plan against one of the client's schema snapshots and
// stores the resulting report. A nil snapshotVersion checks against the
// latest snapshot; a non-nil one pins the check to that exact version.
func (s Service) Check(ctx context.Context, orgID, clientID string, rawPlan json.RawMessage, snapshotVersion *int) (*domain.ConflictReport, error) {
	var plan domain.Plan
	if err := json.Unmarshal(rawPlan, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	snapshot, err := s.resolveSnapshot(ctx, orgID, clientID, snapshotVersion)
	if err != nil {
		return nil, err
	}

	eval := Evaluate(plan, snapshot)
	report := &domain.ConflictReport{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		ClientID:        clientID,
		PlanFingerprint: Fingerprint(rawPlan),
		SnapshotVersion: snapshot.Version,
		OverallSeverity: eval.OverallSeverity,
		GreenCount:      eval.GreenCount,
		YellowCount:     eval.YellowCount,
		RedCount:        eval.RedCount,
		Findings:        eval.Findings,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.reports.CreateConflictReport(ctx, report); err != nil {
		return nil, err
	}
	s.logger.Info("conflict check stored",
		"report_id", report.ID,
		"client_id", clientID,
		"snapshot_version", snapshot.Version,
		"overall_severity", report.OverallSeverity,
		"red", report.RedCount, "yellow", report.YellowCount, "green", report.GreenCount)
	return report, nil
}

// resolveSnapshot loads the snapshot a check runs against. A missing latest
// snapshot means the client never pulled one; a missing pinned version is a
// plain not-found on the caller's explicit reference.
func (s Service) resolveSnapshot(ctx context.Context, orgID, clientID string, version *int) (*domain.SchemaSnapshot, error) {
	if version != nil {
		return s.snapshots.GetSnapshotByVersion(ctx, orgID, clientID, *version)
	}
	snapshot, err := s.snapshots.GetLatestSnapshot(ctx, orgID, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	return snapshot, nil
}

// Get returns a stored conflict report.
func (s Service) Get(ctx context.Context, orgID, id string) (*domain.ConflictReport, error) {
	return s.reports.GetConflictReportByID(ctx, orgID, id)
}

// Fingerprint hashes the verbatim plan bytes so reports can be correlated to
// the exact input that produced them.
func Fingerprint(rawPlan []byte) string {
	sum := sha256.Sum256(rawPlan)
	return hex.EncodeToString(sum[:])
}
