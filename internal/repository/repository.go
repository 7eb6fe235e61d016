package repository

import (
	"context"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
)

// ConflictReportRepository persists conflict reports.
type ConflictReportRepository interface {
	CreateConflictReport(ctx context.Context, report *domain.ConflictReport) error
	GetConflictReportByID(ctx context.Context, orgID, id string) (*domain.ConflictReport, error)
}

// DeploymentRepository stores deployment history and state transitions.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	GetDeploymentByID(ctx context.Context, orgID, id string) (*domain.Deployment, error)
	ListDeploymentsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.Deployment, error)
}

// PushLogRepository stores push operations and their per-record results.
type PushLogRepository interface {
	CreatePushLog(ctx context.Context, log *domain.PushLog) error
	UpdatePushLog(ctx context.Context, update domain.PushLogUpdate) error
	GetPushLogByID(ctx context.Context, orgID, id string) (*domain.PushLog, error)
	ListPushLogsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.PushLog, error)
}

// FieldMappingRepository manages the per-client canonical-to-platform field
// translation tables.
type FieldMappingRepository interface {
	UpsertFieldMapping(ctx context.Context, mapping *domain.FieldMapping) error
	GetActiveFieldMapping(ctx context.Context, orgID, clientID, canonicalObject string) (*domain.FieldMapping, error)
	ListFieldMappingsByClient(ctx context.Context, orgID, clientID string) ([]domain.FieldMapping, error)
	DeactivateFieldMapping(ctx context.Context, orgID, clientID, canonicalObject string) error
}

// SnapshotRepository reads and writes immutable schema snapshots.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *domain.SchemaSnapshot) error
	GetLatestSnapshot(ctx context.Context, orgID, clientID string) (*domain.SchemaSnapshot, error)
	GetSnapshotByVersion(ctx context.Context, orgID, clientID string, version int) (*domain.SchemaSnapshot, error)
	ListSnapshotsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.SchemaSnapshot, error)
}
