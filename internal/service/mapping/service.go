package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

// Service manages the per-client canonical-to-platform field mappings.
type Service struct {
	mappings repository.FieldMappingRepository
	logger   *slog.Logger
}

// New returns a field-mapping service.
func New(mappings repository.FieldMappingRepository, logger *slog.Logger) Service {
	return Service{mappings: mappings, logger: logger}
}

// SetInput carries one mapping upsert.
type SetInput struct {
	ClientID        string            `json:"client_id"`
	CanonicalObject string            `json:"canonical_object"`
	PlatformObject  string            `json:"sfdc_object"`
	FieldMap        map[string]string `json:"field_mappings"`
	ExternalIDField string            `json:"external_id_field"`
}

// Set creates or replaces the mapping for (client, canonical object). The
// optimistic version counter is bumped on every update by the repository.
func (s Service) Set(ctx context.Context, orgID string, in SetInput) (*domain.FieldMapping, error) {
	canonical := strings.TrimSpace(in.CanonicalObject)
	if canonical == "" {
		return nil, errors.New("canonical_object required")
	}
	platformObject := strings.TrimSpace(in.PlatformObject)
	if platformObject == "" {
		return nil, errors.New("sfdc_object required")
	}
	if len(in.FieldMap) == 0 {
		return nil, fmt.Errorf("field_mappings required for %s", canonical)
	}

	now := time.Now().UTC()
	mapping := &domain.FieldMapping{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		ClientID:        in.ClientID,
		CanonicalObject: canonical,
		PlatformObject:  platformObject,
		FieldMap:        in.FieldMap,
		ExternalIDField: strings.TrimSpace(in.ExternalIDField),
		Version:         1,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.mappings.UpsertFieldMapping(ctx, mapping); err != nil {
		return nil, err
	}
	s.logger.Info("field mapping stored",
		"client_id", in.ClientID,
		"canonical_object", canonical,
		"sfdc_object", platformObject,
		"version", mapping.Version)
	return mapping, nil
}

// Get returns the active mapping for a canonical object.
func (s Service) Get(ctx context.Context, orgID, clientID, canonicalObject string) (*domain.FieldMapping, error) {
	return s.mappings.GetActiveFieldMapping(ctx, orgID, clientID, canonicalObject)
}

// List returns all mappings for a client.
func (s Service) List(ctx context.Context, orgID, clientID string) ([]domain.FieldMapping, error) {
	return s.mappings.ListFieldMappingsByClient(ctx, orgID, clientID)
}

// Deactivate soft-deletes a mapping.
func (s Service) Deactivate(ctx context.Context, orgID, clientID, canonicalObject string) error {
	if err := s.mappings.DeactivateFieldMapping(ctx, orgID, clientID, canonicalObject); err != nil {
		return err
	}
	s.logger.Info("field mapping deactivated", "client_id", clientID, "canonical_object", canonicalObject)
	return nil
}
