package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "remote.service.new"
	opSync       = "remote.sync"
	opList       = "remote.list"
)

// Reasons that the HTTP layer maps to 400 responses.
const (
	ReasonMissingOwnerGroup = "missing_owner_group"
	ReasonInvalidLastSync   = "invalid_last_sync"
	ReasonInvalidCollection = "invalid_collection"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsInvalidRequest reports whether err stems from malformed client input.
func IsInvalidRequest(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	for _, reason := range []string{ReasonMissingOwnerGroup, ReasonInvalidLastSync, ReasonInvalidCollection} {
		if strings.HasSuffix(serviceErr.code, "."+reason) {
			return true
		}
	}
	return false
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the server side of the sync protocol.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	// syncMu serializes Sync so that received_at order is commit order.
	syncMu      sync.Mutex
	mu          sync.Mutex
	lastApplied time.Time
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

type recordKey struct {
	collection records.Collection
	id         string
}

// Sync applies a client push and returns acknowledgements plus the records received
// since the client's last sync. Ids accepted in this request are not echoed back; for
// pushes that lost to a newer stored version, the stored version is returned instead.
func (s *Service) Sync(ctx context.Context, userID string, request protocol.SyncRequest) (protocol.SyncResponse, error) {
	if strings.TrimSpace(userID) == "" {
		s.logError(opSync, "missing_user_id", errMissingUserID)
		return protocol.SyncResponse{}, newServiceError(opSync, "missing_user_id", errMissingUserID)
	}
	warehouseID := request.Owner()
	if warehouseID == "" {
		return protocol.SyncResponse{}, newServiceError(opSync, ReasonMissingOwnerGroup, protocol.ErrMissingOwnerGroup)
	}
	since, pull, err := request.Since()
	if err != nil {
		return protocol.SyncResponse{}, newServiceError(opSync, ReasonInvalidLastSync, err)
	}
	decoded, err := request.Decode()
	if err != nil {
		return protocol.SyncResponse{}, newServiceError(opSync, ReasonInvalidCollection, err)
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	appliedAt := s.nextAppliedAt()
	response := protocol.NewSyncResponse(appliedAt)
	accepted := make(map[recordKey]struct{})
	var stale []recordKey
	staleRecords := make(map[recordKey]Record)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range decoded {
			for _, rejection := range batch.Rejected {
				response.Reject(batch.Collection, rejection)
			}
			for _, incoming := range batch.Records {
				if reason := rejectReason(warehouseID, batch.Collection, incoming); reason != "" {
					response.Reject(batch.Collection, protocol.Rejection{ID: incoming.ID, Reason: reason})
					continue
				}

				var existing Record
				var existingPtr *Record
				err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("warehouse_id = ? AND collection = ? AND record_id = ?", warehouseID, string(batch.Collection), incoming.ID).
					Take(&existing).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					existingPtr = nil
				} else if err != nil {
					s.logError(opSync, "record_select_failed", err,
						zap.String("warehouse_id", warehouseID),
						zap.String("record_id", incoming.ID))
					return newServiceError(opSync, "record_select_failed", err)
				} else {
					existingPtr = &existing
				}

				outcome := resolvePush(existingPtr, batch.Collection, incoming, warehouseID, userID, appliedAt)
				key := recordKey{collection: batch.Collection, id: incoming.ID}
				if !outcome.Accepted {
					stale = append(stale, key)
					staleRecords[key] = outcome.Stored
					continue
				}
				if outcome.Changed {
					if err := s.persist(tx, existingPtr == nil, &outcome, warehouseID); err != nil {
						return err
					}
				}
				accepted[key] = struct{}{}
				response.Accept(batch.Collection, incoming.ID, outcome.Stored.ServerID)
			}
		}

		if !pull {
			return nil
		}
		changed, err := changesSince(tx, warehouseID, since)
		if err != nil {
			s.logError(opSync, "changes_query_failed", err, zap.String("warehouse_id", warehouseID))
			return newServiceError(opSync, "changes_query_failed", err)
		}
		for _, row := range changed {
			collection, err := records.ParseCollection(row.Collection)
			if err != nil {
				continue
			}
			key := recordKey{collection: collection, id: row.RecordID}
			if _, ok := accepted[key]; ok {
				continue
			}
			delete(staleRecords, key)
			if err := response.AddUpdate(collection, row.toDomain()); err != nil {
				return newServiceError(opSync, "encode_update_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return protocol.SyncResponse{}, txErr
	}

	for _, key := range stale {
		row, ok := staleRecords[key]
		if !ok {
			continue
		}
		delete(staleRecords, key)
		if err := response.AddUpdate(key.collection, row.toDomain()); err != nil {
			return protocol.SyncResponse{}, newServiceError(opSync, "encode_update_failed", err)
		}
	}

	s.logger.Info("sync applied",
		zap.String("warehouse_id", warehouseID),
		zap.String("user_id", userID),
		zap.Int("accepted", len(accepted)),
		zap.Int("stale", len(stale)),
		zap.Int("rejected", response.RejectedCount()))
	return response, nil
}

func (s *Service) persist(tx *gorm.DB, isNew bool, outcome *pushOutcome, warehouseID string) error {
	if isNew {
		serverID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSync, "id_generation_failed", err, zap.String("warehouse_id", warehouseID))
			return newServiceError(opSync, "id_generation_failed", err)
		}
		outcome.Stored.ServerID = serverID
	}
	if err := tx.Save(&outcome.Stored).Error; err != nil {
		s.logError(opSync, "record_save_failed", err,
			zap.String("warehouse_id", warehouseID),
			zap.String("record_id", outcome.Stored.RecordID))
		return newServiceError(opSync, "record_save_failed", err)
	}
	if outcome.Audit == nil {
		return nil
	}
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSync, "id_generation_failed", err, zap.String("warehouse_id", warehouseID))
		return newServiceError(opSync, "id_generation_failed", err)
	}
	outcome.Audit.ChangeID = changeID
	if err := tx.Create(outcome.Audit).Error; err != nil {
		s.logError(opSync, "audit_insert_failed", err,
			zap.String("warehouse_id", warehouseID),
			zap.String("record_id", outcome.Stored.RecordID))
		return newServiceError(opSync, "audit_insert_failed", err)
	}
	return nil
}

func rejectReason(warehouseID string, collection records.Collection, incoming records.Record) string {
	if incoming.OwnerGroupID != "" && incoming.OwnerGroupID != warehouseID {
		return "owner group mismatch"
	}
	if incoming.LastModified.IsZero() {
		return "lastModified is required"
	}
	if err := incoming.Validate(); err != nil {
		return err.Error()
	}
	if err := records.ValidatePayload(collection, incoming.Payload); err != nil {
		return err.Error()
	}
	return ""
}

func changesSince(db *gorm.DB, warehouseID string, since time.Time) ([]Record, error) {
	var rows []Record
	err := db.Where("warehouse_id = ? AND received_at_ms > ?", warehouseID, since.UnixMilli()).
		Order("received_at_ms ASC").
		Order("record_id ASC").
		Find(&rows).Error
	return rows, err
}

// nextAppliedAt returns a strictly increasing millisecond timestamp, so a pull window
// ending at one request's serverTime never hides a later request's records.
func (s *Service) nextAppliedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := records.Timestamp(s.clock())
	if !now.After(s.lastApplied) {
		now = s.lastApplied.Add(time.Millisecond)
	}
	s.lastApplied = now
	return now
}

// List returns every stored record of a collection for a warehouse.
func (s *Service) List(ctx context.Context, warehouseID string, collection records.Collection) ([]records.Record, error) {
	if strings.TrimSpace(warehouseID) == "" {
		return nil, newServiceError(opList, ReasonMissingOwnerGroup, protocol.ErrMissingOwnerGroup)
	}
	if !collection.Valid() {
		return nil, newServiceError(opList, ReasonInvalidCollection, records.ErrUnknownCollection)
	}

	var rows []Record
	if err := s.db.WithContext(ctx).
		Where("warehouse_id = ? AND collection = ?", warehouseID, string(collection)).
		Order("last_modified_ms DESC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("warehouse_id", warehouseID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	out := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("remote sync service error", attrs...)
}
