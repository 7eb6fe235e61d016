package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
)

const (
	fallbackErrorCode    = "salesforce_request_failed"
	fallbackErrorMessage = "Salesforce API request failed"
)

// Client talks to the Salesforce REST, Metadata and Tooling APIs.
type Client struct {
	httpClient *http.Client
	apiVersion string
}

var _ platform.Client = (*Client)(nil)

// New returns a Client pinned to the given API version (e.g. "v61.0").
func New(apiVersion string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiVersion: apiVersion,
	}
}

// NewWithHTTPClient overrides the transport, for tests.
func NewWithHTTPClient(apiVersion string, httpClient *http.Client) *Client {
	c := New(apiVersion)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

func (c *Client) baseURL(conn platform.Connection) string {
	return strings.TrimRight(conn.InstanceURL, "/") + "/services/data/" + c.apiVersion
}

func (c *Client) do(ctx context.Context, conn platform.Connection, method, rawURL string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, platform.NewError("salesforce_unreachable", err.Error(), 0)
	}
	return resp, nil
}

// parseError extracts the platform's original error code and message from an
// error response body. Salesforce returns either a JSON array of errors or a
// single error object.
func parseError(resp *http.Response) *platform.Error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return platform.NewError(
			stringOr(list[0]["errorCode"], fallbackErrorCode),
			stringOr(list[0]["message"], fallbackErrorMessage),
			resp.StatusCode,
		)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil && len(obj) > 0 {
		code := stringOr(obj["errorCode"], "")
		if code == "" {
			code = stringOr(obj["code"], fallbackErrorCode)
		}
		return platform.NewError(code, stringOr(obj["message"], fallbackErrorMessage), resp.StatusCode)
	}

	body := strings.TrimSpace(string(data))
	if body == "" {
		body = fallbackErrorMessage
	}
	return platform.NewError(fallbackErrorCode, body, resp.StatusCode)
}

func stringOr(value any, fallback string) string {
	s, ok := value.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}

type deployRequestBody struct {
	DeployOptions deployOptionsBody `json:"deployOptions"`
}

type deployOptionsBody struct {
	SinglePackage   bool `json:"singlePackage"`
	RollbackOnError bool `json:"rollbackOnError"`
	PurgeOnDelete   bool `json:"purgeOnDelete"`
	PerformRetrieve bool `json:"performRetrieve"`
	IgnoreWarnings  bool `json:"ignoreWarnings"`
}

// SubmitDeploy uploads a change package to the async metadata deploy endpoint
// and returns the platform job id.
func (c *Client) SubmitDeploy(ctx context.Context, conn platform.Connection, archive []byte, opts platform.DeployOptions) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	jsonHeader := textproto.MIMEHeader{}
	jsonHeader.Set("Content-Disposition", `form-data; name="json"`)
	jsonHeader.Set("Content-Type", "application/json")
	jsonPart, err := writer.CreatePart(jsonHeader)
	if err != nil {
		return "", err
	}
	options := deployRequestBody{
		DeployOptions: deployOptionsBody{
			SinglePackage:   true,
			RollbackOnError: opts.RollbackOnError,
			PurgeOnDelete:   opts.Destructive,
		},
	}
	if err := json.NewEncoder(jsonPart).Encode(options); err != nil {
		return "", err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", `form-data; name="file"; filename="deploy.zip"`)
	fileHeader.Set("Content-Type", "application/zip")
	filePart, err := writer.CreatePart(fileHeader)
	if err != nil {
		return "", err
	}
	if _, err := filePart.Write(archive); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, conn, http.MethodPost, c.baseURL(conn)+"/metadata/deployRequest", writer.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", parseError(resp)
	}
	defer resp.Body.Close()

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", platform.NewError("salesforce_invalid_response", "deploy response missing job id", resp.StatusCode)
	}
	if body.ID == "" {
		return "", platform.NewError("salesforce_invalid_response", "deploy response missing job id", resp.StatusCode)
	}
	return body.ID, nil
}

type deployStatusBody struct {
	DeployResult struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		Done            bool   `json:"done"`
		ErrorStatusCode string `json:"errorStatusCode"`
		ErrorMessage    string `json:"errorMessage"`
		Details         struct {
			ComponentSuccesses json.RawMessage `json:"componentSuccesses"`
			ComponentFailures  json.RawMessage `json:"componentFailures"`
		} `json:"details"`
	} `json:"deployResult"`
}

type componentDetail struct {
	ComponentType string `json:"componentType"`
	FullName      string `json:"fullName"`
	ID            string `json:"id"`
	ProblemType   string `json:"problemType"`
	Problem       string `json:"problem"`
	Success       bool   `json:"success"`
}

// DeployStatus polls an async deploy job, returning per-component outcomes
// once the platform reports details.
func (c *Client) DeployStatus(ctx context.Context, conn platform.Connection, jobID string) (platform.DeployJob, error) {
	rawURL := fmt.Sprintf("%s/metadata/deployRequest/%s?includeDetails=true", c.baseURL(conn), url.PathEscape(jobID))
	resp, err := c.do(ctx, conn, http.MethodGet, rawURL, "", nil)
	if err != nil {
		return platform.DeployJob{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return platform.DeployJob{}, parseError(resp)
	}
	defer resp.Body.Close()

	var body deployStatusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return platform.DeployJob{}, platform.NewError("salesforce_invalid_response", "deploy status response unreadable", resp.StatusCode)
	}

	job := platform.DeployJob{
		ID:           body.DeployResult.ID,
		State:        mapJobState(body.DeployResult.Status),
		Done:         body.DeployResult.Done,
		ErrorCode:    body.DeployResult.ErrorStatusCode,
		ErrorMessage: body.DeployResult.ErrorMessage,
	}
	if job.ID == "" {
		job.ID = jobID
	}
	for _, detail := range decodeComponentDetails(body.DeployResult.Details.ComponentSuccesses) {
		job.Successes = append(job.Successes, platform.ComponentOutcome{
			Type:     detail.ComponentType,
			FullName: detail.FullName,
			ID:       detail.ID,
		})
	}
	for _, detail := range decodeComponentDetails(body.DeployResult.Details.ComponentFailures) {
		code := detail.ProblemType
		if code == "" {
			code = "metadata_deploy_failed"
		}
		message := detail.Problem
		if message == "" {
			message = "Metadata deploy failed"
		}
		job.Failures = append(job.Failures, platform.ComponentOutcome{
			Type:     detail.ComponentType,
			FullName: detail.FullName,
			ID:       detail.ID,
			Code:     code,
			Message:  message,
		})
	}
	return job, nil
}

// decodeComponentDetails tolerates the platform returning either a single
// object or an array for component detail lists.
func decodeComponentDetails(raw json.RawMessage) []componentDetail {
	if len(raw) == 0 {
		return nil
	}
	var list []componentDetail
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single componentDetail
	if err := json.Unmarshal(raw, &single); err == nil {
		return []componentDetail{single}
	}
	return nil
}

func mapJobState(status string) string {
	switch status {
	case "Pending":
		return platform.JobQueued
	case "InProgress", "Canceling":
		return platform.JobInProgress
	case "Succeeded":
		return platform.JobSucceeded
	case "SucceededPartial":
		return platform.JobPartial
	case "Failed", "Canceled":
		return platform.JobFailed
	default:
		return platform.JobInProgress
	}
}

type upsertRecordResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Errors  []struct {
		StatusCode string   `json:"statusCode"`
		Message    string   `json:"message"`
		Fields     []string `json:"fields"`
	} `json:"errors"`
}

// BulkUpsert submits one batch to the composite sobjects upsert endpoint,
// matched on the external-id field. The batch is a single independent
// transaction per record (allOrNone=false).
func (c *Client) BulkUpsert(ctx context.Context, conn platform.Connection, objectType, externalIDField string, records []map[string]any) ([]platform.UpsertResult, error) {
	tagged := make([]map[string]any, 0, len(records))
	for _, record := range records {
		entry := make(map[string]any, len(record)+1)
		for k, v := range record {
			entry[k] = v
		}
		entry["attributes"] = map[string]string{"type": objectType}
		tagged = append(tagged, entry)
	}

	payload, err := json.Marshal(map[string]any{
		"allOrNone": false,
		"records":   tagged,
	})
	if err != nil {
		return nil, err
	}

	rawURL := fmt.Sprintf("%s/composite/sobjects/%s/%s", c.baseURL(conn), url.PathEscape(objectType), url.PathEscape(externalIDField))
	resp, err := c.do(ctx, conn, http.MethodPatch, rawURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	defer resp.Body.Close()

	var body []upsertRecordResult
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, platform.NewError("salesforce_invalid_response", "composite upsert response unreadable", resp.StatusCode)
	}

	results := make([]platform.UpsertResult, 0, len(body))
	for _, entry := range body {
		result := platform.UpsertResult{ID: entry.ID, Success: entry.Success, Created: entry.Created}
		for _, e := range entry.Errors {
			result.Errors = append(result.Errors, platform.UpsertError{
				StatusCode: e.StatusCode,
				Message:    e.Message,
				Fields:     e.Fields,
			})
		}
		results = append(results, result)
	}
	return results, nil
}

// ListObjects returns the platform's object listing.
func (c *Client) ListObjects(ctx context.Context, conn platform.Connection) ([]platform.ObjectSummary, error) {
	resp, err := c.do(ctx, conn, http.MethodGet, c.baseURL(conn)+"/sobjects/", "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	defer resp.Body.Close()

	var body struct {
		SObjects []struct {
			Name   string `json:"name"`
			Label  string `json:"label"`
			Custom bool   `json:"custom"`
		} `json:"sobjects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, platform.NewError("salesforce_invalid_response", "list sobjects response missing sobjects", resp.StatusCode)
	}

	summaries := make([]platform.ObjectSummary, 0, len(body.SObjects))
	for _, obj := range body.SObjects {
		if obj.Name == "" {
			continue
		}
		summaries = append(summaries, platform.ObjectSummary{Name: obj.Name, Label: obj.Label, Custom: obj.Custom})
	}
	return summaries, nil
}

// DescribeObject fetches one object's field-level schema.
func (c *Client) DescribeObject(ctx context.Context, conn platform.Connection, name string) (*platform.ObjectDescribe, error) {
	rawURL := fmt.Sprintf("%s/sobjects/%s/describe/", c.baseURL(conn), url.PathEscape(name))
	resp, err := c.do(ctx, conn, http.MethodGet, rawURL, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	defer resp.Body.Close()

	var body struct {
		Name   string `json:"name"`
		Label  string `json:"label"`
		Custom bool   `json:"custom"`
		Fields []struct {
			Name         string `json:"name"`
			Type         string `json:"type"`
			Nillable     bool   `json:"nillable"`
			DefaultValue any    `json:"defaultValue"`
			Custom       bool   `json:"custom"`
		} `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, platform.NewError("salesforce_invalid_response", "describe response unreadable", resp.StatusCode)
	}

	describe := &platform.ObjectDescribe{Name: body.Name, Label: body.Label, Custom: body.Custom}
	for _, field := range body.Fields {
		describe.Fields = append(describe.Fields, platform.FieldDescribe{
			Name:         field.Name,
			Type:         field.Type,
			Nillable:     field.Nillable,
			DefaultValue: field.DefaultValue,
			Custom:       field.Custom,
		})
	}
	return describe, nil
}

// ToolingQuery runs a SOQL query against the Tooling API and returns raw
// records.
func (c *Client) ToolingQuery(ctx context.Context, conn platform.Connection, soql string) ([]map[string]any, error) {
	rawURL := c.baseURL(conn) + "/tooling/query/?q=" + url.QueryEscape(soql)
	resp, err := c.do(ctx, conn, http.MethodGet, rawURL, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	defer resp.Body.Close()

	var body struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, platform.NewError("salesforce_invalid_response", "tooling query response unreadable", resp.StatusCode)
	}
	return body.Records, nil
}
