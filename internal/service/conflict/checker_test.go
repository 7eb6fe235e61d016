package conflict

import (
	"reflect"
	"testing"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
)

func snapshotWith(objects map[string]domain.ObjectSchema) *domain.SchemaSnapshot {
	return &domain.SchemaSnapshot{
		ID:       "snap-1",
		OrgID:    "org-1",
		ClientID: "client-1",
		Version:  1,
		Objects:  objects,
	}
}

func planWithObject(name string, fields ...domain.FieldSpec) domain.Plan {
	return domain.Plan{
		CustomObjects: []domain.CustomObjectSpec{{
			APIName:     name,
			Label:       "Test Object",
			PluralLabel: "Test Objects",
			Fields:      fields,
		}},
	}
}

func TestEvaluateNewObjectIsGreen(t *testing.T) {
	plan := planWithObject("Job_Posting__c", domain.FieldSpec{APIName: "Status__c", Type: "Picklist"})
	eval := Evaluate(plan, snapshotWith(map[string]domain.ObjectSchema{}))

	if eval.OverallSeverity != domain.SeverityGreen {
		t.Fatalf("expected green overall, got %s", eval.OverallSeverity)
	}
	if eval.YellowCount != 0 || eval.RedCount != 0 {
		t.Fatalf("expected zero yellow/red findings, got %d/%d", eval.YellowCount, eval.RedCount)
	}
	if eval.GreenCount == 0 {
		t.Fatalf("expected at least one green finding")
	}
}

func TestEvaluateExistingObjectIsRed(t *testing.T) {
	plan := planWithObject("Job_Posting__c", domain.FieldSpec{APIName: "Status__c", Type: "Picklist"})
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Job_Posting__c": {Name: "Job_Posting__c", Custom: true},
	})

	eval := Evaluate(plan, snapshot)
	if eval.OverallSeverity != domain.SeverityRed {
		t.Fatalf("expected red overall, got %s", eval.OverallSeverity)
	}

	var collision bool
	for _, finding := range eval.Findings {
		if finding.Severity == domain.SeverityRed && finding.Category == "object_name" {
			collision = true
		}
	}
	if !collision {
		t.Fatalf("expected a red object_name finding, got %+v", eval.Findings)
	}
}

func TestEvaluateExistingFieldIsYellow(t *testing.T) {
	plan := planWithObject("Job_Posting__c", domain.FieldSpec{APIName: "Status__c", Type: "Picklist"})
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Job_Posting__c": {
			Name:   "Job_Posting__c",
			Custom: true,
			Fields: []domain.FieldSchema{{Name: "Status__c", Type: "picklist", Nillable: true}},
		},
	})

	eval := Evaluate(plan, snapshot)
	var fieldFinding *domain.Finding
	for i, finding := range eval.Findings {
		if finding.Category == "field_name" {
			fieldFinding = &eval.Findings[i]
		}
	}
	if fieldFinding == nil {
		t.Fatalf("expected a field_name finding, got %+v", eval.Findings)
	}
	if fieldFinding.Severity != domain.SeverityYellow {
		t.Fatalf("expected yellow field finding, got %s", fieldFinding.Severity)
	}
}

func TestEvaluateStandardObjectRequiredFieldGapIsRed(t *testing.T) {
	plan := domain.Plan{
		StandardObjectFields: []domain.StandardObjectFieldsSpec{{
			Object: "Contact",
			Fields: []domain.FieldSpec{{APIName: "Region__c", Type: "Text"}},
		}},
	}
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Contact": {
			Name: "Contact",
			Fields: []domain.FieldSchema{
				{Name: "LastName", Type: "string", Nillable: false, HasDefault: false},
				{Name: "Email", Type: "email", Nillable: true},
			},
		},
	})

	eval := Evaluate(plan, snapshot)
	if eval.OverallSeverity != domain.SeverityRed {
		t.Fatalf("expected red overall for required field gap, got %s", eval.OverallSeverity)
	}
	var gap bool
	for _, finding := range eval.Findings {
		if finding.Category == "required_field" && finding.Severity == domain.SeverityRed {
			gap = true
		}
	}
	if !gap {
		t.Fatalf("expected a red required_field finding, got %+v", eval.Findings)
	}
}

func TestEvaluateMissingStandardObjectIsRed(t *testing.T) {
	plan := domain.Plan{
		StandardObjectFields: []domain.StandardObjectFieldsSpec{{
			Object: "Lead",
			Fields: []domain.FieldSpec{{APIName: "Score__c", Type: "Number"}},
		}},
	}

	eval := Evaluate(plan, snapshotWith(map[string]domain.ObjectSchema{}))
	if eval.OverallSeverity != domain.SeverityRed {
		t.Fatalf("expected red overall, got %s", eval.OverallSeverity)
	}
}

func TestEvaluateAdvisoryAutomationAndRuleAreYellow(t *testing.T) {
	plan := domain.Plan{
		StandardObjectFields: []domain.StandardObjectFieldsSpec{{
			Object: "Account",
			Fields: []domain.FieldSpec{{APIName: "Tier__c", Type: "Text"}},
		}},
	}
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Account": {
			Name: "Account",
			Fields: []domain.FieldSchema{
				{Name: "Name", Type: "string", Nillable: true},
			},
			ValidationRules: []domain.RuleSchema{
				{Name: "Require_Billing", Active: true},
				{Name: "Old_Rule", Active: false},
			},
			Automations: []domain.AutomationSchema{
				{Name: "Notify_Owner", Active: true, FiresOn: []string{"create", "update"}},
				{Name: "Disabled_Flow", Active: false, FiresOn: []string{"create"}},
			},
		},
	})

	eval := Evaluate(plan, snapshot)
	if eval.OverallSeverity != domain.SeverityYellow {
		t.Fatalf("expected yellow overall, got %s", eval.OverallSeverity)
	}

	categories := make(map[string]int)
	for _, finding := range eval.Findings {
		if finding.Severity == domain.SeverityYellow {
			categories[finding.Category]++
		}
	}
	if categories["automation"] != 1 {
		t.Fatalf("expected exactly one automation finding, got %d", categories["automation"])
	}
	if categories["validation_rule"] != 1 {
		t.Fatalf("expected exactly one validation_rule finding, got %d", categories["validation_rule"])
	}
}

func TestEvaluateIsPure(t *testing.T) {
	plan := planWithObject("Job_Posting__c", domain.FieldSpec{APIName: "Status__c", Type: "Picklist"})
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Job_Posting__c": {
			Name:   "Job_Posting__c",
			Custom: true,
			Fields: []domain.FieldSchema{{Name: "Status__c", Type: "picklist", Nillable: true}},
			ValidationRules: []domain.RuleSchema{
				{Name: "Status_Required", Active: true},
			},
		},
	})

	first := Evaluate(plan, snapshot)
	second := Evaluate(plan, snapshot)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical evaluations, got %+v vs %+v", first, second)
	}
}

func TestEvaluateOverallIsMaxSeverity(t *testing.T) {
	plan := domain.Plan{
		CustomObjects: []domain.CustomObjectSpec{
			{APIName: "New_Object__c", Label: "New", PluralLabel: "News"},
			{APIName: "Existing__c", Label: "Existing", PluralLabel: "Existings"},
		},
	}
	snapshot := snapshotWith(map[string]domain.ObjectSchema{
		"Existing__c": {Name: "Existing__c", Custom: true},
	})

	eval := Evaluate(plan, snapshot)
	if eval.GreenCount == 0 || eval.RedCount == 0 {
		t.Fatalf("expected mixed findings, got green=%d red=%d", eval.GreenCount, eval.RedCount)
	}
	if eval.OverallSeverity != domain.SeverityRed {
		t.Fatalf("expected overall to be the max severity (red), got %s", eval.OverallSeverity)
	}
}
