package conflict

import (
	"fmt"
	"strings"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
)

// planTypeToPlatformType maps plan field vocabulary to the platform's
// describe vocabulary so collisions can report both sides.
var planTypeToPlatformType = map[string]string{
	"Text":         "string",
	"Number":       "double",
	"Currency":     "currency",
	"Date":         "date",
	"DateTime":     "datetime",
	"Checkbox":     "boolean",
	"Picklist":     "picklist",
	"Phone":        "phone",
	"Email":        "email",
	"Url":          "url",
	"Percent":      "percent",
	"TextArea":     "textarea",
	"LongTextArea": "textarea",
	"Lookup":       "reference",
	"MasterDetail": "reference",
}

// Evaluation is the outcome of one conflict check.
type Evaluation struct {
	OverallSeverity string
	GreenCount      int
	YellowCount     int
	RedCount        int
	Findings        []domain.Finding
}

// Evaluate is a pure function of (plan, snapshot): identical inputs always
// produce identical findings. It never mutates the snapshot and never calls
// the platform.
func Evaluate(plan domain.Plan, snapshot *domain.SchemaSnapshot) Evaluation {
	var findings []domain.Finding
	objects := snapshot.Objects

	for _, declared := range plan.CustomObjects {
		name := strings.TrimSpace(declared.APIName)
		if name == "" {
			continue
		}

		existing, exists := objects[name]
		if exists {
			findings = append(findings, domain.Finding{
				Severity: domain.SeverityRed,
				Category: "object_name",
				Message:  fmt.Sprintf("%s already exists in schema snapshot", name),
			})
		} else {
			findings = append(findings, domain.Finding{
				Severity: domain.SeverityGreen,
				Category: "object_name",
				Message:  fmt.Sprintf("%s does not exist - safe to create", name),
			})
			continue
		}

		fieldIndex := indexFields(existing)
		for _, field := range append(append([]domain.FieldSpec{}, declared.Fields...), declared.Relationships...) {
			findings = appendFieldFindings(findings, name, field, fieldIndex)
		}
		findings = appendAdvisoryFindings(findings, existing)
	}

	for _, declared := range plan.StandardObjectFields {
		name := strings.TrimSpace(declared.Object)
		if name == "" {
			continue
		}

		existing, exists := objects[name]
		if !exists {
			findings = append(findings, domain.Finding{
				Severity: domain.SeverityRed,
				Category: "standard_object",
				Message:  fmt.Sprintf("%s not found in schema snapshot", name),
			})
			continue
		}
		findings = append(findings, domain.Finding{
			Severity: domain.SeverityGreen,
			Category: "standard_object",
			Message:  fmt.Sprintf("%s exists in schema snapshot", name),
		})

		fieldIndex := indexFields(existing)
		planned := make(map[string]struct{})
		for _, field := range declared.Fields {
			fieldName := strings.TrimSpace(field.APIName)
			if fieldName == "" {
				continue
			}
			planned[fieldName] = struct{}{}
			findings = appendFieldFindings(findings, name, field, fieldIndex)
		}

		// Required fields the plan does not populate will fail record writes
		// after deploy; evaluated against the cached snapshot only.
		for _, field := range existing.Fields {
			if _, ok := planned[field.Name]; ok {
				continue
			}
			if field.Required() {
				findings = append(findings, domain.Finding{
					Severity: domain.SeverityRed,
					Category: "required_field",
					Message:  fmt.Sprintf("%s has required field '%s' not in deployment plan", name, field.Name),
				})
			}
		}

		findings = appendAdvisoryFindings(findings, existing)
	}

	eval := Evaluation{Findings: findings, OverallSeverity: domain.SeverityGreen}
	for _, finding := range findings {
		switch finding.Severity {
		case domain.SeverityGreen:
			eval.GreenCount++
		case domain.SeverityYellow:
			eval.YellowCount++
		case domain.SeverityRed:
			eval.RedCount++
		}
	}
	if eval.RedCount > 0 {
		eval.OverallSeverity = domain.SeverityRed
	} else if eval.YellowCount > 0 {
		eval.OverallSeverity = domain.SeverityYellow
	}
	return eval
}

func indexFields(object domain.ObjectSchema) map[string]domain.FieldSchema {
	index := make(map[string]domain.FieldSchema, len(object.Fields))
	for _, field := range object.Fields {
		if field.Name != "" {
			index[field.Name] = field
		}
	}
	return index
}

func appendFieldFindings(findings []domain.Finding, objectName string, field domain.FieldSpec, existing map[string]domain.FieldSchema) []domain.Finding {
	fieldName := strings.TrimSpace(field.APIName)
	if fieldName == "" {
		return findings
	}

	current, ok := existing[fieldName]
	if !ok {
		return append(findings, domain.Finding{
			Severity: domain.SeverityGreen,
			Category: "field_name",
			Message:  fmt.Sprintf("%s.%s does not exist - safe to create", objectName, fieldName),
		})
	}

	existingType := strings.ToLower(current.Type)
	requestedType := normalizeType(field.Type)
	if existingType == requestedType {
		return append(findings, domain.Finding{
			Severity: domain.SeverityYellow,
			Category: "field_name",
			Message:  fmt.Sprintf("%s.%s already exists with same type (%s)", objectName, fieldName, existingType),
		})
	}
	return append(findings, domain.Finding{
		Severity: domain.SeverityYellow,
		Category: "field_name",
		Message:  fmt.Sprintf("%s.%s already exists with different type (existing=%s, requested=%s)", objectName, fieldName, existingType, requestedType),
	})
}

// appendAdvisoryFindings reports active automations and validation rules on an
// object the plan touches. These signal review, not a decision by the checker.
func appendAdvisoryFindings(findings []domain.Finding, object domain.ObjectSchema) []domain.Finding {
	for _, automation := range object.Automations {
		if !automation.Active || !automation.FiresOnWrite() {
			continue
		}
		findings = append(findings, domain.Finding{
			Severity: domain.SeverityYellow,
			Category: "automation",
			Message:  fmt.Sprintf("%s has active automation '%s' firing on create/update", object.Name, automation.Name),
		})
	}
	for _, rule := range object.ValidationRules {
		if !rule.Active {
			continue
		}
		findings = append(findings, domain.Finding{
			Severity: domain.SeverityYellow,
			Category: "validation_rule",
			Message:  fmt.Sprintf("%s has active validation rule '%s'", object.Name, rule.Name),
		})
	}
	return findings
}

func normalizeType(planType string) string {
	if mapped, ok := planTypeToPlatformType[planType]; ok {
		return mapped
	}
	return strings.ToLower(planType)
}
