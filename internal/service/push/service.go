package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bencrane/sfdc-engine-x-api/internal/domain"
	"github.com/bencrane/sfdc-engine-x-api/internal/events"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
)

// Push outcome states.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// ErrMappingNotFound is returned when no active field mapping covers the
// requested canonical object.
var ErrMappingNotFound = errors.New("push: no active field mapping for object")

const defaultExternalIDField = "External_Id__c"

// Service translates canonical records through the client's field mapping and
// pushes them to the platform in bounded concurrent batches.
type Service struct {
	logs        repository.PushLogRepository
	mappings    repository.FieldMappingRepository
	client      platform.Client
	credentials platform.CredentialSource
	hub         *events.Hub
	logger      *slog.Logger
	batchSize   int
	concurrency int
}

func New(
	logs repository.PushLogRepository,
	mappings repository.FieldMappingRepository,
	client platform.Client,
	credentials platform.CredentialSource,
	hub *events.Hub,
	logger *slog.Logger,
	batchSize, concurrency int,
) Service {
	if batchSize <= 0 {
		batchSize = 200
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return Service{
		logs:        logs,
		mappings:    mappings,
		client:      client,
		credentials: credentials,
		hub:         hub,
		logger:      logger,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Input is one push request. The target is either an explicit platform
// ObjectType or a CanonicalObject resolved through the client's field mapping.
type Input struct {
	ClientID        string
	ObjectType      string
	CanonicalObject string
	ExternalIDField string
	Records         []map[string]any
}

// Execute translates, batches and upserts the records, then persists a push
// log whose per-record results are positionally aligned with the input. The
// terminal log is written before the method returns.
func (s Service) Execute(ctx context.Context, orgID string, input Input) (*domain.PushLog, error) {
	objectType := input.ObjectType
	externalIDField := input.ExternalIDField
	var fieldMap map[string]string

	if input.CanonicalObject != "" {
		mapping, err := s.mappings.GetActiveFieldMapping(ctx, orgID, input.ClientID, input.CanonicalObject)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrMappingNotFound, input.CanonicalObject)
			}
			return nil, err
		}
		fieldMap = mapping.FieldMap
		if objectType == "" {
			objectType = mapping.PlatformObject
		}
		if externalIDField == "" {
			externalIDField = mapping.ExternalIDField
		}
	} else if objectType == "" {
		return nil, fmt.Errorf("%w: no target object given", ErrMappingNotFound)
	}
	if externalIDField == "" {
		externalIDField = defaultExternalIDField
	}

	startedAt := time.Now().UTC()
	log := &domain.PushLog{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		ClientID:        input.ClientID,
		ObjectType:      objectType,
		ExternalIDField: externalIDField,
		RecordsTotal:    len(input.Records),
		StartedAt:       &startedAt,
		CreatedAt:       startedAt,
	}
	if len(input.Records) == 0 {
		log.Status = StatusFailed
		log.ErrorMessage = "no records supplied"
		if err := s.logs.CreatePushLog(ctx, log); err != nil {
			return nil, err
		}
		return log, nil
	}
	if err := s.logs.CreatePushLog(ctx, log); err != nil {
		return nil, err
	}

	translated := make([]map[string]any, len(input.Records))
	for i, record := range input.Records {
		translated[i] = translateRecord(record, fieldMap)
	}

	conn, err := s.credentials.Connection(ctx, input.ClientID)
	if err != nil {
		return s.finish(ctx, log, nil, fmt.Sprintf("resolve connection: %v", err))
	}

	results := s.upsertBatches(ctx, conn, log, translated)
	return s.finish(ctx, log, results, "")
}

// upsertBatches splits the records into batches and runs them with bounded
// concurrency. Results land back at their original positions; a batch-level
// transport error is fanned out to every record in that batch so the caller
// always gets one result per input record.
func (s Service) upsertBatches(ctx context.Context, conn platform.Connection, log *domain.PushLog, records []map[string]any) []domain.RecordResult {
	results := make([]domain.RecordResult, len(records))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for offset := 0; offset < len(records); offset += s.batchSize {
		end := offset + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		wg.Add(1)
		go func(offset int, batch []map[string]any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			batchResults, err := s.client.BulkUpsert(ctx, conn, log.ObjectType, log.ExternalIDField, batch)
			if err != nil {
				failure := batchFailure(err)
				for i := range batch {
					results[offset+i] = failure
				}
				s.logger.Warn("push batch failed",
					"push_id", log.ID,
					"offset", offset,
					"records", len(batch),
					"error", err)
				return
			}
			for i := range batch {
				if i < len(batchResults) {
					results[offset+i] = toRecordResult(batchResults[i])
				} else {
					results[offset+i] = domain.RecordResult{Errors: []domain.RecordError{{
						StatusCode: "missing_result",
						Message:    "platform returned no result for this record",
					}}}
				}
			}
		}(offset, records[offset:end])
	}
	wg.Wait()
	return results
}

func (s Service) finish(ctx context.Context, log *domain.PushLog, results []domain.RecordResult, errorMessage string) (*domain.PushLog, error) {
	for _, result := range results {
		if result.Success {
			log.RecordsSucceeded++
		} else {
			log.RecordsFailed++
		}
	}
	if results == nil {
		log.RecordsFailed = log.RecordsTotal
	}
	log.Results = results
	log.ErrorMessage = errorMessage
	log.Status = classify(log.RecordsTotal, log.RecordsSucceeded, log.RecordsFailed)
	completedAt := time.Now().UTC()
	log.CompletedAt = &completedAt

	if err := s.logs.UpdatePushLog(ctx, domain.PushLogUpdate{
		PushLogID:        log.ID,
		Status:           log.Status,
		RecordsSucceeded: log.RecordsSucceeded,
		RecordsFailed:    log.RecordsFailed,
		Results:          log.Results,
		ErrorMessage:     log.ErrorMessage,
		CompletedAt:      log.CompletedAt,
	}); err != nil {
		return nil, err
	}
	s.hub.Publish(events.Event{
		Kind:      "push",
		ID:        log.ID,
		ClientID:  log.ClientID,
		Status:    log.Status,
		Message:   log.ErrorMessage,
		Timestamp: completedAt,
	})
	s.logger.Info("push finished",
		"push_id", log.ID,
		"client_id", log.ClientID,
		"object", log.ObjectType,
		"status", log.Status,
		"succeeded", log.RecordsSucceeded,
		"failed", log.RecordsFailed)
	return log, nil
}

// Get returns one push log scoped to the org.
func (s Service) Get(ctx context.Context, orgID, pushID string) (*domain.PushLog, error) {
	return s.logs.GetPushLogByID(ctx, orgID, pushID)
}

// List returns a client's push history, newest first.
func (s Service) List(ctx context.Context, orgID, clientID string, limit int) ([]domain.PushLog, error) {
	return s.logs.ListPushLogsByClient(ctx, orgID, clientID, limit)
}

// translateRecord rewrites canonical field names to platform names. Fields
// without a mapping entry pass through unchanged so callers can mix canonical
// and native names.
func translateRecord(record map[string]any, fieldMap map[string]string) map[string]any {
	translated := make(map[string]any, len(record))
	for key, value := range record {
		if platformName, ok := fieldMap[key]; ok {
			translated[platformName] = value
		} else {
			translated[key] = value
		}
	}
	return translated
}

func toRecordResult(result platform.UpsertResult) domain.RecordResult {
	out := domain.RecordResult{
		ID:      result.ID,
		Success: result.Success,
		Created: result.Created,
	}
	for _, upsertErr := range result.Errors {
		out.Errors = append(out.Errors, domain.RecordError{
			StatusCode: upsertErr.StatusCode,
			Message:    upsertErr.Message,
			Fields:     upsertErr.Fields,
		})
	}
	return out
}

// batchFailure synthesizes a per-record failure from a batch-level error,
// preserving the platform error code when one is present.
func batchFailure(err error) domain.RecordResult {
	code := "batch_failed"
	message := err.Error()
	var platformErr *platform.Error
	if errors.As(err, &platformErr) {
		code = platformErr.Code
		message = platformErr.Message
	}
	return domain.RecordResult{Errors: []domain.RecordError{{StatusCode: code, Message: message}}}
}

func classify(total, succeeded, failed int) string {
	switch {
	case failed == 0 && total > 0:
		return StatusSucceeded
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
