// Package connections resolves platform credentials from the connection
// collaborator service. Credential values pass through to the platform client
// and are never persisted or logged here.
package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
)

// Source fetches a currently-valid connection for a client. The collaborator
// handles token refresh; every call here returns fresh credentials.
type Source struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ platform.CredentialSource = (*Source)(nil)

// New returns a Source pointed at the connection service.
func New(baseURL, token string) *Source {
	return &Source{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Connection resolves the bearer credential and instance endpoint for a client.
func (s *Source) Connection(ctx context.Context, clientID string) (platform.Connection, error) {
	url := fmt.Sprintf("%s/connections/%s", s.baseURL, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return platform.Connection{}, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return platform.Connection{}, fmt.Errorf("connection service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return platform.Connection{}, fmt.Errorf("no connection for client %s", clientID)
	}
	if resp.StatusCode != http.StatusOK {
		return platform.Connection{}, fmt.Errorf("connection service returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return platform.Connection{}, fmt.Errorf("decode connection response: %w", err)
	}
	if body.AccessToken == "" || body.InstanceURL == "" {
		return platform.Connection{}, fmt.Errorf("connection service returned incomplete credentials for client %s", clientID)
	}
	return platform.Connection{
		AccessToken: body.AccessToken,
		InstanceURL: strings.TrimRight(body.InstanceURL, "/"),
	}, nil
}
