package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

const (
	testOrgID    = "org-1"
	testClientID = "client-1"
)

type fakeSnapshots struct {
	stored []*domain.SchemaSnapshot
}

func (f *fakeSnapshots) CreateSnapshot(_ context.Context, snapshot *domain.SchemaSnapshot) error {
	snapshot.Version = len(f.stored) + 1
	clone := *snapshot
	f.stored = append(f.stored, &clone)
	return nil
}

func (f *fakeSnapshots) GetLatestSnapshot(_ context.Context, _, _ string) (*domain.SchemaSnapshot, error) {
	if len(f.stored) == 0 {
		return nil, repository.ErrNotFound
	}
	return f.stored[len(f.stored)-1], nil
}

func (f *fakeSnapshots) GetSnapshotByVersion(_ context.Context, _, _ string, version int) (*domain.SchemaSnapshot, error) {
	for _, snapshot := range f.stored {
		if snapshot.Version == version {
			return snapshot, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSnapshots) ListSnapshotsByClient(_ context.Context, _, _ string, _ int) ([]domain.SchemaSnapshot, error) {
	var out []domain.SchemaSnapshot
	for _, snapshot := range f.stored {
		out = append(out, *snapshot)
	}
	return out, nil
}

type fakePlatform struct {
	mu        sync.Mutex
	objects   []platform.ObjectSummary
	describes map[string]*platform.ObjectDescribe
	described []string

	toolingFn func(soql string) ([]map[string]any, error)
}

func (f *fakePlatform) ListObjects(_ context.Context, _ platform.Connection) ([]platform.ObjectSummary, error) {
	return f.objects, nil
}

func (f *fakePlatform) DescribeObject(_ context.Context, _ platform.Connection, name string) (*platform.ObjectDescribe, error) {
	f.mu.Lock()
	f.described = append(f.described, name)
	f.mu.Unlock()
	describe, ok := f.describes[name]
	if !ok {
		return nil, platform.NewError("NOT_FOUND", "no such object", 404)
	}
	return describe, nil
}

func (f *fakePlatform) ToolingQuery(_ context.Context, _ platform.Connection, soql string) ([]map[string]any, error) {
	if f.toolingFn == nil {
		return nil, nil
	}
	return f.toolingFn(soql)
}

func (f *fakePlatform) SubmitDeploy(_ context.Context, _ platform.Connection, _ []byte, _ platform.DeployOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakePlatform) DeployStatus(_ context.Context, _ platform.Connection, _ string) (platform.DeployJob, error) {
	return platform.DeployJob{}, errors.New("not implemented")
}

func (f *fakePlatform) BulkUpsert(_ context.Context, _ platform.Connection, _, _ string, _ []map[string]any) ([]platform.UpsertResult, error) {
	return nil, errors.New("not implemented")
}

type fakeCredentials struct{}

func (fakeCredentials) Connection(_ context.Context, _ string) (platform.Connection, error) {
	return platform.Connection{AccessToken: "token", InstanceURL: "https://example.my.salesforce.com"}, nil
}

func newTestService(snapshots *fakeSnapshots, client *fakePlatform) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(snapshots, client, fakeCredentials{}, logger, "v61.0", 2)
}

func TestPullCapturesSchema(t *testing.T) {
	client := &fakePlatform{
		objects: []platform.ObjectSummary{
			{Name: "Contact", Label: "Contact"},
			{Name: "Job_Posting__c", Label: "Job Posting", Custom: true},
		},
		describes: map[string]*platform.ObjectDescribe{
			"Contact": {Name: "Contact", Label: "Contact", Fields: []platform.FieldDescribe{
				{Name: "LastName", Type: "string", Nillable: false},
				{Name: "Email", Type: "email", Nillable: true},
			}},
			"Job_Posting__c": {Name: "Job_Posting__c", Label: "Job Posting", Custom: true},
		},
		toolingFn: func(soql string) ([]map[string]any, error) {
			if strings.Contains(soql, "ValidationRule") {
				return []map[string]any{
					{
						"ValidationName":   "Require_Email",
						"Active":           true,
						"EntityDefinition": map[string]any{"QualifiedApiName": "Contact"},
					},
				}, nil
			}
			return []map[string]any{
				{"Name": "Notify_Owner", "TableEnumOrId": "Contact", "TriggerType": "onCreateOnly", "Active": true},
			}, nil
		},
	}
	snapshots := &fakeSnapshots{}
	svc := newTestService(snapshots, client)

	snapshot, err := svc.Pull(context.Background(), testOrgID, testClientID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected version 1, got %d", snapshot.Version)
	}
	if len(snapshot.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(snapshot.Objects))
	}

	contact := snapshot.Objects["Contact"]
	if len(contact.Fields) != 2 {
		t.Fatalf("expected 2 fields on Contact, got %d", len(contact.Fields))
	}
	if !contact.Fields[0].Required() {
		t.Fatalf("expected LastName required, got %+v", contact.Fields[0])
	}
	if len(contact.ValidationRules) != 1 || contact.ValidationRules[0].Name != "Require_Email" {
		t.Fatalf("expected the validation rule attached, got %+v", contact.ValidationRules)
	}
	if len(contact.Automations) != 1 {
		t.Fatalf("expected one automation, got %+v", contact.Automations)
	}
	automation := contact.Automations[0]
	if len(automation.FiresOn) != 1 || automation.FiresOn[0] != "create" {
		t.Fatalf("expected onCreateOnly mapped to create, got %v", automation.FiresOn)
	}

	if len(snapshots.stored) != 1 {
		t.Fatalf("expected the snapshot persisted, got %d", len(snapshots.stored))
	}
}

func TestPullSkipsFailedDescribes(t *testing.T) {
	client := &fakePlatform{
		objects: []platform.ObjectSummary{
			{Name: "Contact"},
			{Name: "Broken__c"},
		},
		describes: map[string]*platform.ObjectDescribe{
			"Contact": {Name: "Contact"},
		},
	}
	snapshots := &fakeSnapshots{}
	svc := newTestService(snapshots, client)

	snapshot, err := svc.Pull(context.Background(), testOrgID, testClientID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(snapshot.Objects) != 1 {
		t.Fatalf("expected the failed describe skipped, got %d objects", len(snapshot.Objects))
	}
	if _, ok := snapshot.Objects["Contact"]; !ok {
		t.Fatal("expected Contact captured")
	}
	if len(client.described) != 2 {
		t.Fatalf("expected both objects described, got %v", client.described)
	}
}

func TestPullToleratesToolingFailures(t *testing.T) {
	client := &fakePlatform{
		objects: []platform.ObjectSummary{{Name: "Contact"}},
		describes: map[string]*platform.ObjectDescribe{
			"Contact": {Name: "Contact"},
		},
		toolingFn: func(string) ([]map[string]any, error) {
			return nil, platform.NewError("API_DISABLED_FOR_ORG", "tooling api disabled", 403)
		},
	}
	snapshots := &fakeSnapshots{}
	svc := newTestService(snapshots, client)

	snapshot, err := svc.Pull(context.Background(), testOrgID, testClientID)
	if err != nil {
		t.Fatalf("expected advisory failures tolerated, got %v", err)
	}
	contact := snapshot.Objects["Contact"]
	if len(contact.ValidationRules) != 0 || len(contact.Automations) != 0 {
		t.Fatalf("expected no advisory metadata, got %+v", contact)
	}
}

func TestListSortsNewestFirst(t *testing.T) {
	snapshots := &fakeSnapshots{stored: []*domain.SchemaSnapshot{
		{ID: "s1", Version: 1},
		{ID: "s3", Version: 3},
		{ID: "s2", Version: 2},
	}}
	svc := newTestService(snapshots, &fakePlatform{})

	list, err := svc.List(context.Background(), testOrgID, testClientID, 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if list[0].Version != 3 || list[1].Version != 2 || list[2].Version != 1 {
		t.Fatalf("expected newest first, got %+v", list)
	}
}
