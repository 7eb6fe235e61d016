package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
)

// ErrInvalidPlan indicates a malformed or incomplete declarative plan. The
// caller's input is at fault; the engine never retries it.
var ErrInvalidPlan = errors.New("metadata: invalid plan")

const metadataNamespace = "http://soap.sforce.com/2006/04/metadata"

// Field types the builder knows how to express as platform metadata.
var supportedFieldTypes = map[string]struct{}{
	"Text": {}, "Number": {}, "Currency": {}, "Percent": {}, "Date": {},
	"DateTime": {}, "Checkbox": {}, "Picklist": {}, "Phone": {}, "Email": {},
	"Url": {}, "TextArea": {}, "LongTextArea": {}, "Lookup": {}, "MasterDetail": {},
}

// ManifestEntry identifies one declared component by type and fully-qualified
// name. Manifest order follows plan declaration order; the builder does not
// infer dependencies, so callers must declare referenced objects before the
// fields that depend on them.
type ManifestEntry struct {
	Type     string `json:"type"`
	FullName string `json:"full_name"`
}

// Package is a buildable change package: the zip archive bytes plus the
// ordered manifest of every component it declares.
type Package struct {
	Archive  []byte
	Manifest []ManifestEntry
}

// Builder turns deployment plans into wire-format change packages. It is
// side-effect-free and deterministic: identical plans produce identical bytes.
type Builder struct {
	apiVersion string
}

// NewBuilder returns a Builder pinned to the platform API version.
func NewBuilder(apiVersion string) Builder {
	return Builder{apiVersion: apiVersion}
}

func (b Builder) versionNumber() string {
	v := strings.TrimSpace(b.apiVersion)
	if strings.HasPrefix(strings.ToLower(v), "v") {
		v = v[1:]
	}
	return v
}

// BuildDeployArchive produces the create-mode change package for a plan.
func (b Builder) BuildDeployArchive(plan domain.Plan) (Package, error) {
	var manifest []ManifestEntry
	type objectFile struct {
		name    string
		content []byte
	}
	var files []objectFile

	seenObjects := make(map[string]struct{})

	for _, object := range plan.CustomObjects {
		apiName := strings.TrimSpace(object.APIName)
		if apiName == "" {
			return Package{}, fmt.Errorf("%w: custom object entry is missing api_name", ErrInvalidPlan)
		}
		if _, dup := seenObjects[apiName]; dup {
			return Package{}, fmt.Errorf("%w: custom object %s declared twice", ErrInvalidPlan, apiName)
		}
		seenObjects[apiName] = struct{}{}

		manifest = append(manifest, ManifestEntry{Type: domain.ComponentCustomObject, FullName: apiName})

		doc := newCustomObjectDoc(object)
		for _, field := range object.Fields {
			fieldXML, fullName, err := b.fieldElement(apiName, field)
			if err != nil {
				return Package{}, err
			}
			doc.Fields = append(doc.Fields, fieldXML)
			manifest = append(manifest, ManifestEntry{Type: domain.ComponentCustomField, FullName: fullName})
		}
		for _, rel := range object.Relationships {
			if rel.Type != "Lookup" && rel.Type != "MasterDetail" {
				return Package{}, fmt.Errorf("%w: relationship %s.%s must be Lookup or MasterDetail, got %q", ErrInvalidPlan, apiName, rel.APIName, rel.Type)
			}
			relXML, fullName, err := b.fieldElement(apiName, rel)
			if err != nil {
				return Package{}, err
			}
			doc.Fields = append(doc.Fields, relXML)
			manifest = append(manifest, ManifestEntry{Type: domain.ComponentRelationship, FullName: fullName})
		}

		content, err := marshalDoc(doc)
		if err != nil {
			return Package{}, err
		}
		files = append(files, objectFile{name: "objects/" + apiName + ".object", content: content})
	}

	for _, entry := range plan.StandardObjectFields {
		objectName := strings.TrimSpace(entry.Object)
		if objectName == "" {
			return Package{}, fmt.Errorf("%w: standard object entry is missing object name", ErrInvalidPlan)
		}
		if len(entry.Fields) == 0 {
			return Package{}, fmt.Errorf("%w: standard object %s declares no fields", ErrInvalidPlan, objectName)
		}

		doc := customObjectDoc{Xmlns: metadataNamespace}
		for _, field := range entry.Fields {
			fieldXML, fullName, err := b.fieldElement(objectName, field)
			if err != nil {
				return Package{}, err
			}
			doc.Fields = append(doc.Fields, fieldXML)
			manifest = append(manifest, ManifestEntry{Type: domain.ComponentCustomField, FullName: fullName})
		}

		content, err := marshalDoc(doc)
		if err != nil {
			return Package{}, err
		}
		files = append(files, objectFile{name: "objects/" + objectName + ".object", content: content})
	}

	if len(manifest) == 0 {
		return Package{}, fmt.Errorf("%w: plan declares no components", ErrInvalidPlan)
	}

	manifestXML, err := b.packageManifest(manifest)
	if err != nil {
		return Package{}, err
	}

	archiveFiles := []archiveEntry{{name: "package.xml", content: manifestXML}}
	for _, file := range files {
		archiveFiles = append(archiveFiles, archiveEntry{name: file.name, content: file.content})
	}
	archive, err := zipFiles(archiveFiles)
	if err != nil {
		return Package{}, err
	}
	return Package{Archive: archive, Manifest: manifest}, nil
}

// BuildDestructiveArchive produces a removal-only change package for the given
// components, in the order supplied. The archive carries an empty package.xml
// plus a destructiveChanges.xml manifest and no accompanying files.
func (b Builder) BuildDestructiveArchive(components []ManifestEntry) ([]byte, error) {
	var members []packageTypeMembers
	index := make(map[string]int)
	for _, component := range components {
		fullName := strings.TrimSpace(component.FullName)
		if fullName == "" {
			continue
		}
		typeName, err := manifestTypeName(component.Type)
		if err != nil {
			return nil, err
		}
		pos, ok := index[typeName]
		if !ok {
			pos = len(members)
			index[typeName] = pos
			members = append(members, packageTypeMembers{Name: typeName})
		}
		members[pos].Members = append(members[pos].Members, fullName)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no components to remove", ErrInvalidPlan)
	}

	empty, err := marshalDoc(packageDoc{Xmlns: metadataNamespace, Version: b.versionNumber()})
	if err != nil {
		return nil, err
	}
	destructive, err := marshalDoc(packageDoc{Xmlns: metadataNamespace, Types: members, Version: b.versionNumber()})
	if err != nil {
		return nil, err
	}

	return zipFiles([]archiveEntry{
		{name: "package.xml", content: empty},
		{name: "destructiveChanges.xml", content: destructive},
	})
}

func (b Builder) packageManifest(manifest []ManifestEntry) ([]byte, error) {
	var members []packageTypeMembers
	index := make(map[string]int)
	for _, entry := range manifest {
		typeName, err := manifestTypeName(entry.Type)
		if err != nil {
			return nil, err
		}
		pos, ok := index[typeName]
		if !ok {
			pos = len(members)
			index[typeName] = pos
			members = append(members, packageTypeMembers{Name: typeName})
		}
		members[pos].Members = append(members[pos].Members, entry.FullName)
	}
	return marshalDoc(packageDoc{Xmlns: metadataNamespace, Types: members, Version: b.versionNumber()})
}

func manifestTypeName(componentType string) (string, error) {
	switch componentType {
	case domain.ComponentCustomObject:
		return "CustomObject", nil
	case domain.ComponentCustomField, domain.ComponentRelationship:
		return "CustomField", nil
	default:
		return "", fmt.Errorf("%w: unsupported component type %q", ErrInvalidPlan, componentType)
	}
}

// fieldElement validates one field declaration and renders its metadata
// element. Returns the fully-qualified component name.
func (b Builder) fieldElement(objectName string, field domain.FieldSpec) (fieldDoc, string, error) {
	apiName := strings.TrimSpace(field.APIName)
	if apiName == "" {
		return fieldDoc{}, "", fmt.Errorf("%w: field entry for %s is missing api_name", ErrInvalidPlan, objectName)
	}
	fullName := objectName + "." + apiName

	fieldType := strings.TrimSpace(field.Type)
	if fieldType == "" {
		return fieldDoc{}, "", fmt.Errorf("%w: field %s is missing its data type", ErrInvalidPlan, fullName)
	}
	if _, ok := supportedFieldTypes[fieldType]; !ok {
		return fieldDoc{}, "", fmt.Errorf("%w: field %s has unsupported type %q", ErrInvalidPlan, fullName, fieldType)
	}

	label := field.Label
	if label == "" {
		label = apiName
	}
	doc := fieldDoc{FullName: apiName, Label: label, Type: fieldType, Required: field.Required}

	switch fieldType {
	case "Text":
		doc.Length = intPtr(orInt(field.Length, 255))
	case "Number", "Currency", "Percent":
		doc.Precision = intPtr(orInt(field.Precision, 18))
		scale := 2
		if field.Scale != nil {
			scale = *field.Scale
		}
		doc.Scale = intPtr(scale)
	case "Checkbox":
		value := false
		if field.DefaultValue != nil {
			value = *field.DefaultValue
		}
		doc.DefaultValue = boolText(value)
	case "Picklist":
		restricted := true
		if field.Restricted != nil {
			restricted = *field.Restricted
		}
		doc.ValueSet = &valueSetDoc{
			Restricted: boolText(restricted),
			Definition: valueSetDefinitionDoc{
				Sorted: boolText(false),
				Values: picklistValues(field.Values),
			},
		}
	case "TextArea":
		doc.Length = intPtr(orInt(field.Length, 255))
		doc.VisibleLines = intPtr(orInt(field.VisibleLines, 3))
	case "LongTextArea":
		doc.Length = intPtr(orInt(field.Length, 32768))
		doc.VisibleLines = intPtr(orInt(field.VisibleLines, 3))
	case "Lookup", "MasterDetail":
		referenceTo := strings.TrimSpace(field.RelatedTo)
		if referenceTo == "" {
			return fieldDoc{}, "", fmt.Errorf("%w: relationship field %s is missing related_to", ErrInvalidPlan, fullName)
		}
		doc.ReferenceTo = referenceTo
		relationshipName := strings.TrimSpace(field.RelationshipName)
		if relationshipName == "" {
			relationshipName = deriveRelationshipName(apiName)
		}
		doc.RelationshipName = relationshipName
		doc.RelationshipLabel = relationshipName
		if fieldType == "Lookup" {
			constraint := field.DeleteConstraint
			if constraint == "" {
				constraint = "SetNull"
			}
			doc.DeleteConstraint = constraint
		}
	}

	return doc, fullName, nil
}

func picklistValues(values []domain.PicklistValue) []picklistValueDoc {
	docs := make([]picklistValueDoc, 0, len(values))
	for i, value := range values {
		fullName := value.FullName
		if fullName == "" {
			fullName = fmt.Sprintf("Value_%d", i+1)
		}
		label := value.Label
		if label == "" {
			label = fullName
		}
		docs = append(docs, picklistValueDoc{
			FullName: fullName,
			Default:  boolText(value.Default || (i == 0 && !anyDefault(values))),
			Label:    label,
		})
	}
	return docs
}

func anyDefault(values []domain.PicklistValue) bool {
	for _, value := range values {
		if value.Default {
			return true
		}
	}
	return false
}

// deriveRelationshipName strips the custom suffix and any trailing _Id from a
// field API name, matching the platform's naming conventions.
func deriveRelationshipName(fieldAPIName string) string {
	base := strings.TrimSuffix(fieldAPIName, "__c")
	base = strings.TrimSuffix(base, "_Id")
	return base
}

func newCustomObjectDoc(object domain.CustomObjectSpec) customObjectDoc {
	label := object.Label
	if label == "" {
		label = object.APIName
	}
	pluralLabel := object.PluralLabel
	if pluralLabel == "" {
		pluralLabel = label + "s"
	}
	return customObjectDoc{
		Xmlns:       metadataNamespace,
		Label:       label,
		PluralLabel: pluralLabel,
		NameField: &nameFieldDoc{
			Label: label + " Name",
			Type:  "Text",
		},
		DeploymentStatus: "Deployed",
		SharingModel:     "ReadWrite",
	}
}

type customObjectDoc struct {
	XMLName          xml.Name      `xml:"CustomObject"`
	Xmlns            string        `xml:"xmlns,attr"`
	Label            string        `xml:"label,omitempty"`
	PluralLabel      string        `xml:"pluralLabel,omitempty"`
	NameField        *nameFieldDoc `xml:"nameField,omitempty"`
	DeploymentStatus string        `xml:"deploymentStatus,omitempty"`
	SharingModel     string        `xml:"sharingModel,omitempty"`
	Fields           []fieldDoc    `xml:"fields"`
}

type nameFieldDoc struct {
	Label string `xml:"label"`
	Type  string `xml:"type"`
}

type fieldDoc struct {
	FullName          string       `xml:"fullName"`
	Label             string       `xml:"label"`
	Type              string       `xml:"type"`
	Required          *bool        `xml:"required,omitempty"`
	Length            *int         `xml:"length,omitempty"`
	Precision         *int         `xml:"precision,omitempty"`
	Scale             *int         `xml:"scale,omitempty"`
	DefaultValue      string       `xml:"defaultValue,omitempty"`
	VisibleLines      *int         `xml:"visibleLines,omitempty"`
	ValueSet          *valueSetDoc `xml:"valueSet,omitempty"`
	ReferenceTo       string       `xml:"referenceTo,omitempty"`
	RelationshipName  string       `xml:"relationshipName,omitempty"`
	RelationshipLabel string       `xml:"relationshipLabel,omitempty"`
	DeleteConstraint  string       `xml:"deleteConstraint,omitempty"`
}

type valueSetDoc struct {
	Restricted string                `xml:"restricted"`
	Definition valueSetDefinitionDoc `xml:"valueSetDefinition"`
}

type valueSetDefinitionDoc struct {
	Sorted string             `xml:"sorted"`
	Values []picklistValueDoc `xml:"value"`
}

type picklistValueDoc struct {
	FullName string `xml:"fullName"`
	Default  string `xml:"default"`
	Label    string `xml:"label"`
}

type packageDoc struct {
	XMLName xml.Name             `xml:"Package"`
	Xmlns   string               `xml:"xmlns,attr"`
	Types   []packageTypeMembers `xml:"types"`
	Version string               `xml:"version"`
}

type packageTypeMembers struct {
	Members []string `xml:"members"`
	Name    string   `xml:"name"`
}

func boolText(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func intPtr(v int) *int { return &v }

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func marshalDoc(doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

type archiveEntry struct {
	name    string
	content []byte
}

// zipFiles writes entries in the given order with zeroed timestamps so that
// identical inputs yield identical archive bytes.
func zipFiles(entries []archiveEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range entries {
		header := &zip.FileHeader{Name: entry.name, Method: zip.Deflate}
		file, err := writer.CreateHeader(header)
		if err != nil {
			return nil, err
		}
		if _, err := file.Write(entry.content); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
