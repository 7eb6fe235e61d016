package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ConflictReportRepository = (*Repository)(nil)
	_ repository.DeploymentRepository     = (*Repository)(nil)
	_ repository.PushLogRepository        = (*Repository)(nil)
	_ repository.FieldMappingRepository   = (*Repository)(nil)
	_ repository.SnapshotRepository       = (*Repository)(nil)
)

// CreateConflictReport inserts a conflict report with its findings as JSONB.
func (r *Repository) CreateConflictReport(ctx context.Context, report *domain.ConflictReport) error {
	if report == nil {
		return fmt.Errorf("conflict report required")
	}
	findings, err := json.Marshal(report.Findings)
	if err != nil {
		return err
	}
	const query = `INSERT INTO conflict_reports (id, org_id, client_id, plan_fingerprint, snapshot_version, overall_severity, green_count, yellow_count, red_count, findings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query,
		report.ID,
		report.OrgID,
		report.ClientID,
		report.PlanFingerprint,
		report.SnapshotVersion,
		report.OverallSeverity,
		report.GreenCount,
		report.YellowCount,
		report.RedCount,
		findings,
		report.CreatedAt,
	)
	return mapPgError(err)
}

// GetConflictReportByID fetches a report scoped to the org.
func (r *Repository) GetConflictReportByID(ctx context.Context, orgID, id string) (*domain.ConflictReport, error) {
	const query = `SELECT id, org_id, client_id, plan_fingerprint, snapshot_version, overall_severity, green_count, yellow_count, red_count, findings, created_at
		FROM conflict_reports WHERE org_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, orgID, id)
	var (
		report   domain.ConflictReport
		findings []byte
	)
	if err := row.Scan(
		&report.ID,
		&report.OrgID,
		&report.ClientID,
		&report.PlanFingerprint,
		&report.SnapshotVersion,
		&report.OverallSeverity,
		&report.GreenCount,
		&report.YellowCount,
		&report.RedCount,
		&findings,
		&report.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &report.Findings); err != nil {
			return nil, err
		}
	}
	return &report, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO deployments (id, org_id, client_id, conflict_report_id, status, plan, result, error_message, job_id, submitted_at, completed_at, rolled_back_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	result, err := marshalNullable(deployment.Result)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.OrgID,
		deployment.ClientID,
		stringPtrToNil(deployment.ConflictReportID),
		deployment.Status,
		[]byte(deployment.Plan),
		result,
		emptyToNil(deployment.ErrorMessage),
		emptyToNil(deployment.JobID),
		timePtrToNil(deployment.SubmittedAt),
		timePtrToNil(deployment.CompletedAt),
		timePtrToNil(deployment.RolledBackAt),
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return mapPgError(err)
}

// UpdateDeployment applies a status transition. Unset fields keep their
// stored values.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	result, err := marshalNullable(update.Result)
	if err != nil {
		return err
	}
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			result = COALESCE($3, result),
			error_message = COALESCE($4, error_message),
			job_id = COALESCE($5, job_id),
			submitted_at = COALESCE($6, submitted_at),
			completed_at = COALESCE($7, completed_at),
			rolled_back_at = COALESCE($8, rolled_back_at),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(update.Status),
		result,
		emptyToNil(update.ErrorMessage),
		emptyToNil(update.JobID),
		timePtrToNil(update.SubmittedAt),
		timePtrToNil(update.CompletedAt),
		timePtrToNil(update.RolledBackAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment scoped to the org.
func (r *Repository) GetDeploymentByID(ctx context.Context, orgID, id string) (*domain.Deployment, error) {
	const query = `SELECT id, org_id, client_id, conflict_report_id, status, plan, result, error_message, job_id, submitted_at, completed_at, rolled_back_at, created_at, updated_at
		FROM deployments WHERE org_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, orgID, id)
	deployment, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// ListDeploymentsByClient fetches recent deployments for a client.
func (r *Repository) ListDeploymentsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, org_id, client_id, conflict_report_id, status, plan, result, error_message, job_id, submitted_at, completed_at, rolled_back_at, created_at, updated_at
		FROM deployments WHERE org_id = $1 AND client_id = $2 ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, orgID, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		reportID     sql.NullString
		plan         []byte
		result       []byte
		errorMessage sql.NullString
		jobID        sql.NullString
		submittedAt  sql.NullTime
		completedAt  sql.NullTime
		rolledBackAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.OrgID,
		&d.ClientID,
		&reportID,
		&d.Status,
		&plan,
		&result,
		&errorMessage,
		&jobID,
		&submittedAt,
		&completedAt,
		&rolledBackAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if reportID.Valid {
		value := reportID.String
		d.ConflictReportID = &value
	}
	if len(plan) > 0 {
		d.Plan = append(json.RawMessage(nil), plan...)
	}
	if len(result) > 0 {
		var deployResult domain.DeploymentResult
		if err := json.Unmarshal(result, &deployResult); err != nil {
			return nil, err
		}
		d.Result = &deployResult
	}
	if errorMessage.Valid {
		d.ErrorMessage = errorMessage.String
	}
	if jobID.Valid {
		d.JobID = jobID.String
	}
	if submittedAt.Valid {
		value := submittedAt.Time.UTC()
		d.SubmittedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		d.CompletedAt = &value
	}
	if rolledBackAt.Valid {
		value := rolledBackAt.Time.UTC()
		d.RolledBackAt = &value
	}
	return &d, nil
}

// CreatePushLog inserts a push log record.
func (r *Repository) CreatePushLog(ctx context.Context, log *domain.PushLog) error {
	if log == nil {
		return fmt.Errorf("push log required")
	}
	results, err := marshalNullable(log.Results)
	if err != nil {
		return err
	}
	const query = `INSERT INTO push_logs (id, org_id, client_id, object_type, external_id_field, status, records_total, records_succeeded, records_failed, results, error_message, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.pool.Exec(ctx, query,
		log.ID,
		log.OrgID,
		log.ClientID,
		log.ObjectType,
		log.ExternalIDField,
		orDefault(log.Status, "in_progress"),
		log.RecordsTotal,
		log.RecordsSucceeded,
		log.RecordsFailed,
		results,
		emptyToNil(log.ErrorMessage),
		timePtrToNil(log.StartedAt),
		timePtrToNil(log.CompletedAt),
		log.CreatedAt,
	)
	return mapPgError(err)
}

// UpdatePushLog writes the terminal outcome of a push.
func (r *Repository) UpdatePushLog(ctx context.Context, update domain.PushLogUpdate) error {
	results, err := marshalNullable(update.Results)
	if err != nil {
		return err
	}
	const query = `UPDATE push_logs
		SET status = COALESCE($2, status),
			records_succeeded = $3,
			records_failed = $4,
			results = COALESCE($5, results),
			error_message = COALESCE($6, error_message),
			completed_at = COALESCE($7, completed_at)
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.PushLogID,
		emptyToNil(update.Status),
		update.RecordsSucceeded,
		update.RecordsFailed,
		results,
		emptyToNil(update.ErrorMessage),
		timePtrToNil(update.CompletedAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetPushLogByID fetches a push log scoped to the org.
func (r *Repository) GetPushLogByID(ctx context.Context, orgID, id string) (*domain.PushLog, error) {
	const query = `SELECT id, org_id, client_id, object_type, external_id_field, status, records_total, records_succeeded, records_failed, results, error_message, started_at, completed_at, created_at
		FROM push_logs WHERE org_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, orgID, id)
	log, err := scanPushLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return log, nil
}

// ListPushLogsByClient fetches recent push logs for a client.
func (r *Repository) ListPushLogsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.PushLog, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, org_id, client_id, object_type, external_id_field, status, records_total, records_succeeded, records_failed, results, error_message, started_at, completed_at, created_at
		FROM push_logs WHERE org_id = $1 AND client_id = $2 ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, orgID, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.PushLog, 0)
	for rows.Next() {
		log, err := scanPushLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

func scanPushLog(row rowScanner) (*domain.PushLog, error) {
	var (
		log          domain.PushLog
		results      []byte
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&log.ID,
		&log.OrgID,
		&log.ClientID,
		&log.ObjectType,
		&log.ExternalIDField,
		&log.Status,
		&log.RecordsTotal,
		&log.RecordsSucceeded,
		&log.RecordsFailed,
		&results,
		&errorMessage,
		&startedAt,
		&completedAt,
		&log.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &log.Results); err != nil {
			return nil, err
		}
	}
	if errorMessage.Valid {
		log.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		log.StartedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		log.CompletedAt = &value
	}
	return &log, nil
}

// UpsertFieldMapping inserts a mapping, or replaces the existing one for the
// same client and canonical object while bumping its version counter.
func (r *Repository) UpsertFieldMapping(ctx context.Context, mapping *domain.FieldMapping) error {
	if mapping == nil {
		return fmt.Errorf("field mapping required")
	}
	fieldMap, err := json.Marshal(mapping.FieldMap)
	if err != nil {
		return err
	}
	const query = `INSERT INTO field_mappings (id, org_id, client_id, canonical_object, platform_object, field_map, external_id_field, version, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $9)
		ON CONFLICT (org_id, client_id, canonical_object) DO UPDATE SET
			platform_object = EXCLUDED.platform_object,
			field_map = EXCLUDED.field_map,
			external_id_field = EXCLUDED.external_id_field,
			version = field_mappings.version + 1,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id, version, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		mapping.ID,
		mapping.OrgID,
		mapping.ClientID,
		mapping.CanonicalObject,
		mapping.PlatformObject,
		fieldMap,
		emptyToNil(mapping.ExternalIDField),
		mapping.Active,
		mapping.CreatedAt,
	)
	if err := row.Scan(&mapping.ID, &mapping.Version, &mapping.CreatedAt, &mapping.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

// GetActiveFieldMapping loads the active mapping for one canonical object.
func (r *Repository) GetActiveFieldMapping(ctx context.Context, orgID, clientID, canonicalObject string) (*domain.FieldMapping, error) {
	const query = `SELECT id, org_id, client_id, canonical_object, platform_object, field_map, external_id_field, version, is_active, created_at, updated_at
		FROM field_mappings WHERE org_id = $1 AND client_id = $2 AND canonical_object = $3 AND is_active`
	row := r.pool.QueryRow(ctx, query, orgID, clientID, canonicalObject)
	mapping, err := scanFieldMapping(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return mapping, nil
}

// ListFieldMappingsByClient returns all mappings for a client.
func (r *Repository) ListFieldMappingsByClient(ctx context.Context, orgID, clientID string) ([]domain.FieldMapping, error) {
	const query = `SELECT id, org_id, client_id, canonical_object, platform_object, field_map, external_id_field, version, is_active, created_at, updated_at
		FROM field_mappings WHERE org_id = $1 AND client_id = $2 ORDER BY canonical_object`
	rows, err := r.pool.Query(ctx, query, orgID, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make([]domain.FieldMapping, 0)
	for rows.Next() {
		mapping, err := scanFieldMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *mapping)
	}
	return mappings, rows.Err()
}

// DeactivateFieldMapping marks a mapping inactive without deleting it.
func (r *Repository) DeactivateFieldMapping(ctx context.Context, orgID, clientID, canonicalObject string) error {
	const query = `UPDATE field_mappings SET is_active = FALSE, updated_at = NOW()
		WHERE org_id = $1 AND client_id = $2 AND canonical_object = $3 AND is_active`
	cmdTag, err := r.pool.Exec(ctx, query, orgID, clientID, canonicalObject)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanFieldMapping(row rowScanner) (*domain.FieldMapping, error) {
	var (
		mapping         domain.FieldMapping
		fieldMap        []byte
		externalIDField sql.NullString
	)
	if err := row.Scan(
		&mapping.ID,
		&mapping.OrgID,
		&mapping.ClientID,
		&mapping.CanonicalObject,
		&mapping.PlatformObject,
		&fieldMap,
		&externalIDField,
		&mapping.Version,
		&mapping.Active,
		&mapping.CreatedAt,
		&mapping.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(fieldMap) > 0 {
		if err := json.Unmarshal(fieldMap, &mapping.FieldMap); err != nil {
			return nil, err
		}
	}
	if externalIDField.Valid {
		mapping.ExternalIDField = externalIDField.String
	}
	return &mapping, nil
}

// CreateSnapshot inserts a snapshot, assigning the next version for the
// client atomically.
func (r *Repository) CreateSnapshot(ctx context.Context, snapshot *domain.SchemaSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot required")
	}
	objects, err := json.Marshal(snapshot.Objects)
	if err != nil {
		return err
	}
	const query = `INSERT INTO schema_snapshots (id, org_id, client_id, version, objects, api_version, captured_at)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6
		FROM schema_snapshots WHERE org_id = $2 AND client_id = $3
		RETURNING version`
	row := r.pool.QueryRow(ctx, query,
		snapshot.ID,
		snapshot.OrgID,
		snapshot.ClientID,
		objects,
		snapshot.APIVersion,
		snapshot.CapturedAt,
	)
	if err := row.Scan(&snapshot.Version); err != nil {
		return mapPgError(err)
	}
	return nil
}

// GetLatestSnapshot loads the most recent snapshot for a client.
func (r *Repository) GetLatestSnapshot(ctx context.Context, orgID, clientID string) (*domain.SchemaSnapshot, error) {
	const query = `SELECT id, org_id, client_id, version, objects, api_version, captured_at
		FROM schema_snapshots WHERE org_id = $1 AND client_id = $2 ORDER BY version DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, orgID, clientID)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return snapshot, nil
}

// GetSnapshotByVersion loads one snapshot version for a client.
func (r *Repository) GetSnapshotByVersion(ctx context.Context, orgID, clientID string, version int) (*domain.SchemaSnapshot, error) {
	const query = `SELECT id, org_id, client_id, version, objects, api_version, captured_at
		FROM schema_snapshots WHERE org_id = $1 AND client_id = $2 AND version = $3`
	row := r.pool.QueryRow(ctx, query, orgID, clientID, version)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return snapshot, nil
}

// ListSnapshotsByClient returns snapshot headers newest first. Objects are
// omitted: full payloads are large and list callers only need metadata.
func (r *Repository) ListSnapshotsByClient(ctx context.Context, orgID, clientID string, limit int) ([]domain.SchemaSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, org_id, client_id, version, api_version, captured_at
		FROM schema_snapshots WHERE org_id = $1 AND client_id = $2 ORDER BY version DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, orgID, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.SchemaSnapshot, 0)
	for rows.Next() {
		var snapshot domain.SchemaSnapshot
		if err := rows.Scan(
			&snapshot.ID,
			&snapshot.OrgID,
			&snapshot.ClientID,
			&snapshot.Version,
			&snapshot.APIVersion,
			&snapshot.CapturedAt,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(row rowScanner) (*domain.SchemaSnapshot, error) {
	var (
		snapshot domain.SchemaSnapshot
		objects  []byte
	)
	if err := row.Scan(
		&snapshot.ID,
		&snapshot.OrgID,
		&snapshot.ClientID,
		&snapshot.Version,
		&objects,
		&snapshot.APIVersion,
		&snapshot.CapturedAt,
	); err != nil {
		return nil, err
	}
	if len(objects) > 0 {
		if err := json.Unmarshal(objects, &snapshot.Objects); err != nil {
			return nil, err
		}
	}
	return &snapshot, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch concrete := v.(type) {
	case *domain.DeploymentResult:
		if concrete == nil {
			return nil, nil
		}
	case []domain.RecordResult:
		if concrete == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
