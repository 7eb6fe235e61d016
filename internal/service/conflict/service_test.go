package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

type fakeReports struct {
	stored []*domain.ConflictReport
}

func (f *fakeReports) CreateConflictReport(_ context.Context, report *domain.ConflictReport) error {
	f.stored = append(f.stored, report)
	return nil
}

func (f *fakeReports) GetConflictReportByID(_ context.Context, _, id string) (*domain.ConflictReport, error) {
	for _, report := range f.stored {
		if report.ID == id {
			return report, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeSnapshots struct {
	latest   *domain.SchemaSnapshot
	versions map[int]*domain.SchemaSnapshot
}

func (f *fakeSnapshots) CreateSnapshot(_ context.Context, _ *domain.SchemaSnapshot) error {
	return errors.New("not implemented")
}

func (f *fakeSnapshots) GetLatestSnapshot(_ context.Context, _, _ string) (*domain.SchemaSnapshot, error) {
	if f.latest == nil {
		return nil, repository.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeSnapshots) GetSnapshotByVersion(_ context.Context, _, _ string, version int) (*domain.SchemaSnapshot, error) {
	if snapshot, ok := f.versions[version]; ok {
		return snapshot, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSnapshots) ListSnapshotsByClient(_ context.Context, _, _ string, _ int) ([]domain.SchemaSnapshot, error) {
	return nil, errors.New("not implemented")
}

func newTestService(snapshots *fakeSnapshots) (Service, *fakeReports) {
	reports := &fakeReports{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reports, snapshots, logger), reports
}

func rawPlan(t *testing.T, plan domain.Plan) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("failed to marshal plan: %v", err)
	}
	return raw
}

func TestCheckRequiresSnapshot(t *testing.T) {
	svc, reports := newTestService(&fakeSnapshots{})

	_, err := svc.Check(context.Background(), "org-1", "client-1", rawPlan(t, domain.Plan{}), nil)
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if len(reports.stored) != 0 {
		t.Fatal("expected no report without a snapshot")
	}
}

func TestCheckStoresReport(t *testing.T) {
	snapshots := &fakeSnapshots{latest: &domain.SchemaSnapshot{
		Version: 4,
		Objects: map[string]domain.ObjectSchema{
			"Contact": {Name: "Contact", Fields: []domain.FieldSchema{
				{Name: "LastName", Nillable: false},
			}},
		},
	}}
	svc, reports := newTestService(snapshots)

	plan := domain.Plan{CustomObjects: []domain.CustomObjectSpec{
		{APIName: "Job_Posting__c", Fields: []domain.FieldSpec{{APIName: "Status__c", Type: "Text"}}},
	}}
	raw := rawPlan(t, plan)

	report, err := svc.Check(context.Background(), "org-1", "client-1", raw, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.SnapshotVersion != 4 {
		t.Fatalf("expected snapshot version recorded, got %d", report.SnapshotVersion)
	}
	if report.OverallSeverity != domain.SeverityGreen {
		t.Fatalf("expected a green report for a fresh object, got %s", report.OverallSeverity)
	}
	if report.PlanFingerprint != Fingerprint(raw) {
		t.Fatalf("expected the fingerprint of the raw plan, got %q", report.PlanFingerprint)
	}
	if len(reports.stored) != 1 {
		t.Fatalf("expected the report persisted, got %d", len(reports.stored))
	}

	got, err := svc.Get(context.Background(), "org-1", report.ID)
	if err != nil {
		t.Fatalf("expected the stored report readable, got %v", err)
	}
	if got.ID != report.ID {
		t.Fatalf("expected report %s, got %s", report.ID, got.ID)
	}
}

func TestCheckRejectsMalformedPlan(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshots{latest: &domain.SchemaSnapshot{Version: 1}})

	if _, err := svc.Check(context.Background(), "org-1", "client-1", json.RawMessage(`{"custom_objects":`), nil); err == nil {
		t.Fatal("expected an error for malformed plan JSON")
	}
}

func TestCheckPinsSnapshotVersion(t *testing.T) {
	pinned := &domain.SchemaSnapshot{
		Version: 2,
		Objects: map[string]domain.ObjectSchema{
			"Contact": {Name: "Contact"},
		},
	}
	snapshots := &fakeSnapshots{
		latest:   &domain.SchemaSnapshot{Version: 5},
		versions: map[int]*domain.SchemaSnapshot{2: pinned},
	}
	svc, reports := newTestService(snapshots)

	version := 2
	report, err := svc.Check(context.Background(), "org-1", "client-1", rawPlan(t, domain.Plan{}), &version)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.SnapshotVersion != 2 {
		t.Fatalf("expected the pinned snapshot version 2, got %d", report.SnapshotVersion)
	}
	if len(reports.stored) != 1 {
		t.Fatalf("expected the report persisted, got %d", len(reports.stored))
	}
}

func TestCheckMissingPinnedVersion(t *testing.T) {
	svc, reports := newTestService(&fakeSnapshots{latest: &domain.SchemaSnapshot{Version: 5}})

	version := 9
	_, err := svc.Check(context.Background(), "org-1", "client-1", rawPlan(t, domain.Plan{}), &version)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing pinned version, got %v", err)
	}
	if len(reports.stored) != 0 {
		t.Fatal("expected no report for a missing snapshot version")
	}
}
