package metadata

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
)

func boolPtr(v bool) *bool { return &v }

func samplePlan() domain.Plan {
	return domain.Plan{
		CustomObjects: []domain.CustomObjectSpec{
			{
				APIName:     "Job_Posting__c",
				Label:       "Job Posting",
				PluralLabel: "Job Postings",
				Fields: []domain.FieldSpec{
					{APIName: "Status__c", Label: "Status", Type: "Picklist", Values: []domain.PicklistValue{
						{FullName: "Open", Label: "Open"},
						{FullName: "Closed", Label: "Closed"},
					}},
					{APIName: "Salary__c", Label: "Salary", Type: "Currency"},
				},
				Relationships: []domain.FieldSpec{
					{APIName: "Account_Id__c", Label: "Account", Type: "Lookup", RelatedTo: "Account"},
				},
			},
		},
		StandardObjectFields: []domain.StandardObjectFieldsSpec{
			{Object: "Contact", Fields: []domain.FieldSpec{
				{APIName: "LinkedIn_Url__c", Label: "LinkedIn", Type: "Url"},
			}},
		},
	}
}

func unzipArchive(t *testing.T, archive []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	files := make(map[string]string, len(reader.File))
	for _, file := range reader.File {
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("failed to open %s: %v", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("failed to read %s: %v", file.Name, err)
		}
		files[file.Name] = string(content)
	}
	return files
}

func TestBuildDeployArchiveManifestOrder(t *testing.T) {
	builder := NewBuilder("v61.0")

	pkg, err := builder.BuildDeployArchive(samplePlan())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []ManifestEntry{
		{Type: domain.ComponentCustomObject, FullName: "Job_Posting__c"},
		{Type: domain.ComponentCustomField, FullName: "Job_Posting__c.Status__c"},
		{Type: domain.ComponentCustomField, FullName: "Job_Posting__c.Salary__c"},
		{Type: domain.ComponentRelationship, FullName: "Job_Posting__c.Account_Id__c"},
		{Type: domain.ComponentCustomField, FullName: "Contact.LinkedIn_Url__c"},
	}
	if len(pkg.Manifest) != len(want) {
		t.Fatalf("expected %d manifest entries, got %d", len(want), len(pkg.Manifest))
	}
	for i, entry := range want {
		if pkg.Manifest[i] != entry {
			t.Fatalf("manifest[%d]: expected %+v, got %+v", i, entry, pkg.Manifest[i])
		}
	}
}

func TestBuildDeployArchiveContents(t *testing.T) {
	builder := NewBuilder("v61.0")

	pkg, err := builder.BuildDeployArchive(samplePlan())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	files := unzipArchive(t, pkg.Archive)
	for _, name := range []string{"package.xml", "objects/Job_Posting__c.object", "objects/Contact.object"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("expected archive to contain %s, got %v", name, fileNames(files))
		}
	}

	manifest := files["package.xml"]
	for _, fragment := range []string{
		"<name>CustomObject</name>",
		"<name>CustomField</name>",
		"<members>Job_Posting__c</members>",
		"<members>Job_Posting__c.Status__c</members>",
		"<version>61.0</version>",
		metadataNamespace,
	} {
		if !strings.Contains(manifest, fragment) {
			t.Fatalf("expected package.xml to contain %q, got:\n%s", fragment, manifest)
		}
	}

	object := files["objects/Job_Posting__c.object"]
	for _, fragment := range []string{
		"<label>Job Posting</label>",
		"<pluralLabel>Job Postings</pluralLabel>",
		"<fullName>Status__c</fullName>",
		"<type>Picklist</type>",
		"<referenceTo>Account</referenceTo>",
		"<relationshipName>Account</relationshipName>",
		"<deleteConstraint>SetNull</deleteConstraint>",
	} {
		if !strings.Contains(object, fragment) {
			t.Fatalf("expected object file to contain %q, got:\n%s", fragment, object)
		}
	}

	standard := files["objects/Contact.object"]
	if !strings.Contains(standard, "<fullName>LinkedIn_Url__c</fullName>") {
		t.Fatalf("expected Contact object file to declare the new field, got:\n%s", standard)
	}
	if strings.Contains(standard, "<label>Contact</label>") {
		t.Fatalf("standard object file must not redeclare the object itself, got:\n%s", standard)
	}
}

func fileNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	return names
}

func TestBuildDeployArchiveIsDeterministic(t *testing.T) {
	builder := NewBuilder("v61.0")

	first, err := builder.BuildDeployArchive(samplePlan())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := builder.BuildDeployArchive(samplePlan())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !bytes.Equal(first.Archive, second.Archive) {
		t.Fatal("expected identical plans to produce identical archive bytes")
	}
}

func TestBuildDeployArchiveDefaults(t *testing.T) {
	builder := NewBuilder("v61.0")

	plan := domain.Plan{CustomObjects: []domain.CustomObjectSpec{
		{APIName: "Invoice__c", Fields: []domain.FieldSpec{
			{APIName: "Memo__c", Type: "Text"},
			{APIName: "Amount__c", Type: "Number"},
			{APIName: "Paid__c", Type: "Checkbox"},
		}},
	}}
	pkg, err := builder.BuildDeployArchive(plan)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	object := unzipArchive(t, pkg.Archive)["objects/Invoice__c.object"]
	for _, fragment := range []string{
		"<label>Invoice__c</label>",
		"<pluralLabel>Invoice__cs</pluralLabel>",
		"<length>255</length>",
		"<precision>18</precision>",
		"<scale>2</scale>",
		"<defaultValue>false</defaultValue>",
	} {
		if !strings.Contains(object, fragment) {
			t.Fatalf("expected object file to contain %q, got:\n%s", fragment, object)
		}
	}
}

func TestBuildDeployArchiveInvalidPlans(t *testing.T) {
	builder := NewBuilder("v61.0")

	tests := []struct {
		name string
		plan domain.Plan
	}{
		{name: "empty plan", plan: domain.Plan{}},
		{
			name: "object missing api name",
			plan: domain.Plan{CustomObjects: []domain.CustomObjectSpec{{Label: "Nameless"}}},
		},
		{
			name: "duplicate object",
			plan: domain.Plan{CustomObjects: []domain.CustomObjectSpec{
				{APIName: "Job_Posting__c"},
				{APIName: "Job_Posting__c"},
			}},
		},
		{
			name: "unsupported field type",
			plan: domain.Plan{CustomObjects: []domain.CustomObjectSpec{
				{APIName: "Job_Posting__c", Fields: []domain.FieldSpec{
					{APIName: "Location__c", Type: "Geolocation"},
				}},
			}},
		},
		{
			name: "lookup missing related_to",
			plan: domain.Plan{CustomObjects: []domain.CustomObjectSpec{
				{APIName: "Job_Posting__c", Relationships: []domain.FieldSpec{
					{APIName: "Account_Id__c", Type: "Lookup"},
				}},
			}},
		},
		{
			name: "relationship with non-relationship type",
			plan: domain.Plan{CustomObjects: []domain.CustomObjectSpec{
				{APIName: "Job_Posting__c", Relationships: []domain.FieldSpec{
					{APIName: "Account_Id__c", Type: "Text"},
				}},
			}},
		},
		{
			name: "standard object with no fields",
			plan: domain.Plan{StandardObjectFields: []domain.StandardObjectFieldsSpec{
				{Object: "Contact"},
			}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := builder.BuildDeployArchive(tc.plan); !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestBuildDestructiveArchive(t *testing.T) {
	builder := NewBuilder("v61.0")

	archive, err := builder.BuildDestructiveArchive([]ManifestEntry{
		{Type: domain.ComponentCustomField, FullName: "Contact.LinkedIn_Url__c"},
		{Type: domain.ComponentCustomObject, FullName: "Job_Posting__c"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	files := unzipArchive(t, archive)
	destructive, ok := files["destructiveChanges.xml"]
	if !ok {
		t.Fatalf("expected destructiveChanges.xml in archive, got %v", fileNames(files))
	}
	for _, fragment := range []string{
		"<name>CustomField</name>",
		"<members>Contact.LinkedIn_Url__c</members>",
		"<name>CustomObject</name>",
		"<members>Job_Posting__c</members>",
	} {
		if !strings.Contains(destructive, fragment) {
			t.Fatalf("expected destructiveChanges.xml to contain %q, got:\n%s", fragment, destructive)
		}
	}

	manifest, ok := files["package.xml"]
	if !ok {
		t.Fatal("expected an empty package.xml alongside the destructive manifest")
	}
	if strings.Contains(manifest, "<members>") {
		t.Fatalf("expected package.xml to declare no members, got:\n%s", manifest)
	}
}

func TestBuildDestructiveArchiveRejectsEmptyInput(t *testing.T) {
	builder := NewBuilder("v61.0")

	if _, err := builder.BuildDestructiveArchive(nil); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	if _, err := builder.BuildDestructiveArchive([]ManifestEntry{{Type: domain.ComponentCustomObject, FullName: "  "}}); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for blank names, got %v", err)
	}
}

func TestBuildDeployArchiveRequiredFlag(t *testing.T) {
	builder := NewBuilder("61.0")

	plan := domain.Plan{CustomObjects: []domain.CustomObjectSpec{
		{APIName: "Invoice__c", Fields: []domain.FieldSpec{
			{APIName: "Number__c", Type: "Text", Required: boolPtr(true)},
		}},
	}}
	pkg, err := builder.BuildDeployArchive(plan)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	object := unzipArchive(t, pkg.Archive)["objects/Invoice__c.object"]
	if !strings.Contains(object, "<required>true</required>") {
		t.Fatalf("expected required flag in object file, got:\n%s", object)
	}

	manifest := unzipArchive(t, pkg.Archive)["package.xml"]
	if !strings.Contains(manifest, "<version>61.0</version>") {
		t.Fatalf("expected bare version numbers to pass through, got:\n%s", manifest)
	}
}
