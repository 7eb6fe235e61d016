package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*Client, platform.Connection) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewWithHTTPClient("v61.0", server.Client())
	conn := platform.Connection{AccessToken: "token-123", InstanceURL: server.URL}
	return client, conn
}

func TestSubmitDeploy(t *testing.T) {
	var gotPath, gotAuth string
	var gotArchive []byte
	var gotOptions deployRequestBody

	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("expected multipart/form-data, got %q", r.Header.Get("Content-Type"))
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("failed to read part: %v", err)
				break
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "json":
				if err := json.Unmarshal(data, &gotOptions); err != nil {
					t.Errorf("failed to decode deploy options: %v", err)
				}
			case "file":
				gotArchive = data
			}
		}

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"0Af000001"}`))
	})

	jobID, err := client.SubmitDeploy(context.Background(), conn, []byte("zipbytes"), platform.DeployOptions{Destructive: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if jobID != "0Af000001" {
		t.Fatalf("expected job id 0Af000001, got %q", jobID)
	}
	if gotPath != "/services/data/v61.0/metadata/deployRequest" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("expected bearer credential, got %q", gotAuth)
	}
	if !bytes.Equal(gotArchive, []byte("zipbytes")) {
		t.Fatalf("expected the archive forwarded verbatim, got %q", gotArchive)
	}
	if !gotOptions.DeployOptions.SinglePackage {
		t.Fatal("expected singlePackage set")
	}
	if !gotOptions.DeployOptions.PurgeOnDelete {
		t.Fatal("expected purgeOnDelete set for a destructive deploy")
	}
}

func TestSubmitDeployErrorParsing(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`[{"errorCode":"INVALID_PACKAGE","message":"package.xml is malformed"}]`))
	})

	_, err := client.SubmitDeploy(context.Background(), conn, []byte("zip"), platform.DeployOptions{})
	var platformErr *platform.Error
	if !errors.As(err, &platformErr) {
		t.Fatalf("expected a platform error, got %v", err)
	}
	if platformErr.Code != "INVALID_PACKAGE" {
		t.Fatalf("expected the platform error code preserved, got %q", platformErr.Code)
	}
	if platformErr.Message != "package.xml is malformed" {
		t.Fatalf("expected the platform message preserved, got %q", platformErr.Message)
	}
	if platformErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected http status recorded, got %d", platformErr.HTTPStatus)
	}
}

func TestDeployStatusMapsStatesAndDetails(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/metadata/deployRequest/0Af000001") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"deployResult":{
			"id":"0Af000001","status":"SucceededPartial","done":true,
			"details":{
				"componentSuccesses":[{"componentType":"CustomObject","fullName":"Job_Posting__c","id":"01I000001","success":true}],
				"componentFailures":{"componentType":"CustomField","fullName":"Job_Posting__c.Status__c","problemType":"DUPLICATE_DEVELOPER_NAME","problem":"field exists"}
			}}}`))
	})

	job, err := client.DeployStatus(context.Background(), conn, "0Af000001")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.State != platform.JobPartial {
		t.Fatalf("expected state %s, got %s", platform.JobPartial, job.State)
	}
	if !job.Done {
		t.Fatal("expected done")
	}
	if len(job.Successes) != 1 || job.Successes[0].FullName != "Job_Posting__c" || job.Successes[0].ID != "01I000001" {
		t.Fatalf("unexpected successes %+v", job.Successes)
	}
	// A single-object failure detail decodes the same as an array.
	if len(job.Failures) != 1 {
		t.Fatalf("expected one failure, got %+v", job.Failures)
	}
	if job.Failures[0].Code != "DUPLICATE_DEVELOPER_NAME" || job.Failures[0].Message != "field exists" {
		t.Fatalf("expected the platform problem preserved, got %+v", job.Failures[0])
	}
}

func TestMapJobState(t *testing.T) {
	tests := []struct {
		platformStatus string
		want           string
	}{
		{"Pending", platform.JobQueued},
		{"InProgress", platform.JobInProgress},
		{"Canceling", platform.JobInProgress},
		{"Succeeded", platform.JobSucceeded},
		{"SucceededPartial", platform.JobPartial},
		{"Failed", platform.JobFailed},
		{"Canceled", platform.JobFailed},
		{"SomethingNew", platform.JobInProgress},
	}
	for _, tc := range tests {
		if got := mapJobState(tc.platformStatus); got != tc.want {
			t.Fatalf("mapJobState(%q): expected %s, got %s", tc.platformStatus, tc.want, got)
		}
	}
}

func TestBulkUpsert(t *testing.T) {
	var gotBody map[string]any

	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if r.URL.Path != "/services/data/v61.0/composite/sobjects/Contact/Candidate_Id__c" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Write([]byte(`[
			{"id":"003000001","success":true,"created":true},
			{"success":false,"errors":[{"statusCode":"REQUIRED_FIELD_MISSING","message":"missing LastName","fields":["LastName"]}]}
		]`))
	})

	results, err := client.BulkUpsert(context.Background(), conn, "Contact", "Candidate_Id__c", []map[string]any{
		{"Candidate_Id__c": "ext-1", "FirstName": "Ada"},
		{"Candidate_Id__c": "ext-2"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if allOrNone, ok := gotBody["allOrNone"].(bool); !ok || allOrNone {
		t.Fatalf("expected allOrNone false, got %v", gotBody["allOrNone"])
	}
	records, ok := gotBody["records"].([]any)
	if !ok || len(records) != 2 {
		t.Fatalf("expected 2 records in payload, got %v", gotBody["records"])
	}
	first := records[0].(map[string]any)
	attributes, ok := first["attributes"].(map[string]any)
	if !ok || attributes["type"] != "Contact" {
		t.Fatalf("expected records tagged with object type, got %v", first)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success || results[0].ID != "003000001" || !results[0].Created {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Success {
		t.Fatalf("expected second record failed, got %+v", results[1])
	}
	if results[1].Errors[0].StatusCode != "REQUIRED_FIELD_MISSING" || results[1].Errors[0].Fields[0] != "LastName" {
		t.Fatalf("expected the per-record error preserved, got %+v", results[1].Errors)
	}
}

func TestListObjects(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sobjects":[
			{"name":"Contact","label":"Contact","custom":false},
			{"name":"Job_Posting__c","label":"Job Posting","custom":true},
			{"label":"nameless"}
		]}`))
	})

	objects, err := client.ListObjects(context.Background(), conn)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected nameless entries skipped, got %d objects", len(objects))
	}
	if objects[1].Name != "Job_Posting__c" || !objects[1].Custom {
		t.Fatalf("unexpected object %+v", objects[1])
	}
}

func TestDescribeObject(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/data/v61.0/sobjects/Contact/describe/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"name":"Contact","label":"Contact","custom":false,"fields":[
			{"name":"LastName","type":"string","nillable":false,"defaultValue":null,"custom":false},
			{"name":"Level__c","type":"picklist","nillable":true,"defaultValue":"Junior","custom":true}
		]}`))
	})

	describe, err := client.DescribeObject(context.Background(), conn, "Contact")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if describe.Name != "Contact" || len(describe.Fields) != 2 {
		t.Fatalf("unexpected describe %+v", describe)
	}
	if describe.Fields[0].Nillable || describe.Fields[0].DefaultValue != nil {
		t.Fatalf("unexpected field %+v", describe.Fields[0])
	}
	if describe.Fields[1].DefaultValue != "Junior" {
		t.Fatalf("expected default value preserved, got %+v", describe.Fields[1])
	}
}

func TestToolingQuery(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); !strings.HasPrefix(got, "SELECT") {
			t.Errorf("expected the query forwarded, got %q", got)
		}
		w.Write([]byte(`{"records":[{"ValidationName":"Require_Email","Active":true}]}`))
	})

	records, err := client.ToolingQuery(context.Background(), conn, "SELECT ValidationName FROM ValidationRule")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(records) != 1 || records[0]["ValidationName"] != "Require_Email" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestParseErrorFallbacks(t *testing.T) {
	client, conn := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	})

	_, err := client.ToolingQuery(context.Background(), conn, "SELECT Id FROM ValidationRule")
	var platformErr *platform.Error
	if !errors.As(err, &platformErr) {
		t.Fatalf("expected a platform error, got %v", err)
	}
	if platformErr.Code != fallbackErrorCode {
		t.Fatalf("expected fallback code, got %q", platformErr.Code)
	}
	if platformErr.Message != "upstream unavailable" {
		t.Fatalf("expected the raw body as message, got %q", platformErr.Message)
	}
}
