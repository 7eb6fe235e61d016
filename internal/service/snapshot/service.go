package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

// Service captures and reads immutable schema snapshots.
type Service struct {
	snapshots   repository.SnapshotRepository
	client      platform.Client
	credentials platform.CredentialSource
	logger      *slog.Logger
	apiVersion  string
	concurrency int
}

// New returns a snapshot service. concurrency bounds parallel describe calls.
func New(snapshots repository.SnapshotRepository, client platform.Client, credentials platform.CredentialSource, logger *slog.Logger, apiVersion string, concurrency int) Service {
	if concurrency <= 0 {
		concurrency = 10
	}
	return Service{
		snapshots:   snapshots,
		client:      client,
		credentials: credentials,
		logger:      logger,
		apiVersion:  apiVersion,
		concurrency: concurrency,
	}
}

// Pull reads the client's full remote schema and stores it as the next
// snapshot version. The stored snapshot is immutable.
func (s Service) Pull(ctx context.Context, orgID, clientID string) (*domain.SchemaSnapshot, error) {
	conn, err := s.credentials.Connection(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	summaries, err := s.client.ListObjects(ctx, conn)
	if err != nil {
		return nil, err
	}

	described := s.describeAll(ctx, conn, summaries)

	rules, automations := s.pullAdvisoryMetadata(ctx, conn)
	for name, object := range described {
		object.ValidationRules = rules[name]
		object.Automations = automations[name]
		described[name] = object
	}

	snapshot := &domain.SchemaSnapshot{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		ClientID:   clientID,
		Objects:    described,
		APIVersion: s.apiVersion,
		CapturedAt: time.Now().UTC(),
	}
	if err := s.snapshots.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	s.logger.Info("schema snapshot captured",
		"client_id", clientID,
		"version", snapshot.Version,
		"objects", len(snapshot.Objects))
	return snapshot, nil
}

// describeAll fans out describe calls bounded by the configured concurrency.
func (s Service) describeAll(ctx context.Context, conn platform.Connection, summaries []platform.ObjectSummary) map[string]domain.ObjectSchema {
	type described struct {
		name   string
		schema *domain.ObjectSchema
	}

	sem := make(chan struct{}, s.concurrency)
	results := make(chan described, len(summaries))
	var wg sync.WaitGroup

	for _, summary := range summaries {
		wg.Add(1)
		go func(summary platform.ObjectSummary) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			describe, err := s.client.DescribeObject(ctx, conn, summary.Name)
			if err != nil {
				s.logger.Warn("describe failed, object skipped", "object", summary.Name, "error", err)
				results <- described{name: summary.Name}
				return
			}
			schema := toObjectSchema(describe)
			results <- described{name: summary.Name, schema: &schema}
		}(summary)
	}
	wg.Wait()
	close(results)

	objects := make(map[string]domain.ObjectSchema)
	for result := range results {
		if result.schema != nil {
			objects[result.name] = *result.schema
		}
	}
	return objects
}

// pullAdvisoryMetadata reads active validation rules and workflow automations
// via two tooling queries, grouped by object name. Failures degrade to an
// empty set: the snapshot is still usable, the checker just has fewer
// advisory findings.
func (s Service) pullAdvisoryMetadata(ctx context.Context, conn platform.Connection) (map[string][]domain.RuleSchema, map[string][]domain.AutomationSchema) {
	rules := make(map[string][]domain.RuleSchema)
	records, err := s.client.ToolingQuery(ctx, conn,
		"SELECT ValidationName, Active, EntityDefinition.QualifiedApiName FROM ValidationRule")
	if err != nil {
		s.logger.Warn("validation rule query failed", "error", err)
	} else {
		for _, record := range records {
			objectName := nestedString(record, "EntityDefinition", "QualifiedApiName")
			name, _ := record["ValidationName"].(string)
			if objectName == "" || name == "" {
				continue
			}
			active, _ := record["Active"].(bool)
			rules[objectName] = append(rules[objectName], domain.RuleSchema{Name: name, Active: active})
		}
	}

	automations := make(map[string][]domain.AutomationSchema)
	records, err = s.client.ToolingQuery(ctx, conn,
		"SELECT Name, TableEnumOrId, TriggerType, Active FROM WorkflowRule")
	if err != nil {
		s.logger.Warn("workflow rule query failed", "error", err)
	} else {
		for _, record := range records {
			objectName, _ := record["TableEnumOrId"].(string)
			name, _ := record["Name"].(string)
			if objectName == "" || name == "" {
				continue
			}
			active, _ := record["Active"].(bool)
			triggerType, _ := record["TriggerType"].(string)
			automations[objectName] = append(automations[objectName], domain.AutomationSchema{
				Name:    name,
				Active:  active,
				FiresOn: triggerEvents(triggerType),
			})
		}
	}
	return rules, automations
}

func triggerEvents(triggerType string) []string {
	switch strings.ToLower(triggerType) {
	case "oncreateonly":
		return []string{"create"}
	case "oncreateortriggeringupdate", "onallchanges":
		return []string{"create", "update"}
	default:
		return []string{"create", "update"}
	}
}

func nestedString(record map[string]any, keys ...string) string {
	current := any(record)
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[key]
	}
	s, _ := current.(string)
	return s
}

func toObjectSchema(describe *platform.ObjectDescribe) domain.ObjectSchema {
	schema := domain.ObjectSchema{
		Name:   describe.Name,
		Label:  describe.Label,
		Custom: describe.Custom,
	}
	for _, field := range describe.Fields {
		schema.Fields = append(schema.Fields, domain.FieldSchema{
			Name:       field.Name,
			Type:       field.Type,
			Nillable:   field.Nillable,
			HasDefault: field.DefaultValue != nil,
			Custom:     field.Custom,
		})
	}
	return schema
}

// Latest returns the client's most recent snapshot.
func (s Service) Latest(ctx context.Context, orgID, clientID string) (*domain.SchemaSnapshot, error) {
	return s.snapshots.GetLatestSnapshot(ctx, orgID, clientID)
}

// List returns snapshot summaries for a client, newest first.
func (s Service) List(ctx context.Context, orgID, clientID string, limit int) ([]domain.SchemaSnapshot, error) {
	snapshots, err := s.snapshots.ListSnapshotsByClient(ctx, orgID, clientID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].Version > snapshots[j].Version })
	return snapshots, nil
}
