package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datosfinca/agrobodega/internal/records"
)

var (
	// ErrMissingDatabase indicates that no gorm handle was supplied.
	ErrMissingDatabase = errors.New("store: database handle is required")
	// ErrMissingScope indicates that no owner group was supplied.
	ErrMissingScope = errors.New("store: owner group id is required")
	// ErrScopeMismatch indicates a record belonging to another owner group.
	ErrScopeMismatch = errors.New("store: record belongs to another owner group")
	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("store: closed")
	// ErrUnflushed indicates that Close could not persist writes kept in memory.
	ErrUnflushed = errors.New("store: writes not persisted")

	noOpLogger = zap.NewNop()
)

const (
	opOpen        = "store.open"
	opPut         = "store.put"
	opBulkPut     = "store.bulk_put"
	opDelete      = "store.delete"
	opFlush       = "store.flush"
	opSetLastSync = "store.set_last_sync"
	opAppendAudit = "store.append_audit"
)

// Warning describes a persistence failure absorbed by the in-memory cache.
type Warning struct {
	Operation  string
	Collection records.Collection
	RecordIDs  []string
	Err        error
}

func (w Warning) Error() string {
	if w.Collection == "" {
		return fmt.Sprintf("%s: %v", w.Operation, w.Err)
	}
	return fmt.Sprintf("%s %s %v: %v", w.Operation, w.Collection, w.RecordIDs, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Config wires a Store to its database and scope.
type Config struct {
	Database     *gorm.DB
	OwnerGroupID string
	Logger       *zap.Logger
	Clock        func() time.Time
	OnWarning    func(Warning)
	// LeaseTTL bounds how long a crashed holder keeps the owner group locked.
	LeaseTTL time.Duration
}

type recordKey struct {
	collection records.Collection
	id         string
}

// Store is a write-through cache over the local_records table for one owner group.
// Reads are served from memory; writes are committed to SQLite and, when that fails,
// kept in memory as unflushed until Flush succeeds. Only one Store per owner group may
// be open on a database at a time.
type Store struct {
	db        *gorm.DB
	scope     string
	logger    *zap.Logger
	clock     func() time.Time
	onWarning func(Warning)

	holder    string
	leaseTTL  time.Duration
	leaseStop chan struct{}
	leaseDone chan struct{}

	mu            sync.RWMutex
	closed        bool
	degraded      bool
	cache         map[records.Collection]map[string]records.Record
	unflushed     map[recordKey]struct{}
	lastSync      time.Time
	lastSyncDirty bool
}

// Open loads the owner group's records and sync metadata into memory.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	scope := strings.TrimSpace(cfg.OwnerGroupID)
	if scope == "" {
		return nil, ErrMissingScope
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	s := &Store{
		db:        cfg.Database,
		scope:     scope,
		logger:    logger,
		clock:     clock,
		onWarning: cfg.OnWarning,
		holder:    uuid.NewString(),
		leaseTTL:  leaseTTL,
		cache:     make(map[records.Collection]map[string]records.Record),
		unflushed: make(map[recordKey]struct{}),
	}
	for _, collection := range records.Collections() {
		s.cache[collection] = make(map[string]records.Record)
	}

	if err := s.acquireLease(ctx); err != nil {
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		s.releaseLease()
		return nil, err
	}
	s.leaseStop = make(chan struct{})
	s.leaseDone = make(chan struct{})
	go s.keepLease()
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	var rows []LocalRecord
	if err := s.db.WithContext(ctx).Where("owner_group_id = ?", s.scope).Find(&rows).Error; err != nil {
		return fmt.Errorf("%s: load records: %w", opOpen, err)
	}
	for _, row := range rows {
		collection, record, ok := fromRow(row)
		if !ok {
			s.logger.Warn("skipping record of unknown collection",
				zap.String("collection", row.Collection),
				zap.String("record_id", row.RecordID))
			continue
		}
		s.cache[collection][record.ID] = record
	}

	lastSync, err := s.loadLastSync(ctx)
	if err != nil {
		return fmt.Errorf("%s: load sync metadata: %w", opOpen, err)
	}
	s.lastSync = lastSync
	return nil
}

// OwnerGroupID returns the scope this store is bound to.
func (s *Store) OwnerGroupID() string {
	return s.scope
}

// Close flushes writes kept in memory, releases the owner group and ends the store
// lifecycle. Writes that still cannot be persisted are reported as ErrUnflushed and are
// lost. The gorm handle stays owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var closeErr error
	if err := s.flushLocked(context.Background()); err != nil {
		s.logger.Error("closing store with unflushed writes",
			zap.String("owner_group_id", s.scope),
			zap.Int("unflushed_records", len(s.unflushed)),
			zap.Bool("last_sync_unflushed", s.lastSyncDirty),
			zap.Error(err))
		closeErr = fmt.Errorf("%w: %d records, last sync pending %t: %v",
			ErrUnflushed, len(s.unflushed), s.lastSyncDirty, err)
	}
	s.stopLease()
	return closeErr
}

// Degraded reports whether some writes only live in memory.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Unflushed returns the number of records not yet durable.
func (s *Store) Unflushed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.unflushed)
}

// Get returns a copy of the record, if present.
func (s *Store) Get(ctx context.Context, collection records.Collection, id string) (records.Record, bool, error) {
	if !collection.Valid() {
		return records.Record{}, false, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return records.Record{}, false, ErrClosed
	}
	record, ok := s.cache[collection][id]
	if !ok {
		return records.Record{}, false, nil
	}
	return record.Clone(), true, nil
}

// GetAll returns copies of every record in the collection, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection records.Collection) ([]records.Record, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]records.Record, 0, len(s.cache[collection]))
	for _, record := range s.cache[collection] {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put inserts or replaces a record by id.
func (s *Store) Put(ctx context.Context, collection records.Collection, record records.Record) error {
	normalized, err := s.normalize(collection, record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.writeLocked(ctx, opPut, collection, []records.Record{normalized})
	return nil
}

// BulkPut writes every record in one transaction. Invalid input rejects the whole batch.
func (s *Store) BulkPut(ctx context.Context, collection records.Collection, batch []records.Record) error {
	if len(batch) == 0 {
		return nil
	}
	normalized := make([]records.Record, 0, len(batch))
	for _, record := range batch {
		n, err := s.normalize(collection, record)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.writeLocked(ctx, opBulkPut, collection, normalized)
	return nil
}

// Mutator computes the replacement for current, which is nil when the record is absent.
// Returning false leaves the store untouched.
type Mutator func(current *records.Record) (records.Record, bool, error)

// Modify runs a read-modify-write on one record under the store lock, so concurrent
// writers never interleave between the read and the write.
func (s *Store) Modify(ctx context.Context, collection records.Collection, id string, fn Mutator) (records.Record, bool, error) {
	if !collection.Valid() {
		return records.Record{}, false, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return records.Record{}, false, ErrClosed
	}

	var current *records.Record
	if existing, ok := s.cache[collection][id]; ok {
		clone := existing.Clone()
		current = &clone
	}
	next, write, err := fn(current)
	if err != nil || !write {
		return records.Record{}, false, err
	}
	normalized, err := s.normalize(collection, next)
	if err != nil {
		return records.Record{}, false, err
	}
	s.writeLocked(ctx, opPut, collection, []records.Record{normalized})
	return normalized.Clone(), true, nil
}

// BulkMutator computes the replacement for one id of a BulkModify call.
type BulkMutator func(id string, current *records.Record) (records.Record, bool)

// BulkModify applies fn to every id under the store lock and commits the results in one
// transaction. It returns the number of records written.
func (s *Store) BulkModify(ctx context.Context, collection records.Collection, ids []string, fn BulkMutator) (int, error) {
	if !collection.Valid() {
		return 0, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	batch := make([]records.Record, 0, len(ids))
	for _, id := range ids {
		var current *records.Record
		if existing, ok := s.cache[collection][id]; ok {
			clone := existing.Clone()
			current = &clone
		}
		next, write := fn(id, current)
		if !write {
			continue
		}
		normalized, err := s.normalize(collection, next)
		if err != nil {
			return 0, err
		}
		batch = append(batch, normalized)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	s.writeLocked(ctx, opBulkPut, collection, batch)
	return len(batch), nil
}

func (s *Store) writeLocked(ctx context.Context, operation string, collection records.Collection, batch []records.Record) {
	rows := make([]LocalRecord, 0, len(batch))
	for _, record := range batch {
		rows = append(rows, toRow(collection, record))
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, 200).Error
	})

	ids := make([]string, 0, len(batch))
	for _, record := range batch {
		s.cache[collection][record.ID] = record
		key := recordKey{collection: collection, id: record.ID}
		if txErr != nil {
			s.unflushed[key] = struct{}{}
		} else {
			delete(s.unflushed, key)
		}
		ids = append(ids, record.ID)
	}
	if txErr != nil {
		s.degradeLocked(operation, collection, ids, txErr)
		return
	}
	s.recoverLocked(ctx)
}

// Delete removes a record; deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, collection records.Collection, id string) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	delete(s.cache[collection], id)
	key := recordKey{collection: collection, id: id}
	err := s.db.WithContext(ctx).
		Where("owner_group_id = ? AND collection = ? AND record_id = ?", s.scope, string(collection), id).
		Delete(&LocalRecord{}).Error
	if err != nil {
		s.unflushed[key] = struct{}{}
		s.degradeLocked(opDelete, collection, []string{id}, err)
		return nil
	}
	delete(s.unflushed, key)
	s.recoverLocked(ctx)
	return nil
}

// Flush retries every unflushed write and leaves degraded mode when all succeed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.unflushed) == 0 && !s.lastSyncDirty {
		s.degraded = false
		return nil
	}

	keys := make([]recordKey, 0, len(s.unflushed))
	for key := range s.unflushed {
		keys = append(keys, key)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			record, ok := s.cache[key.collection][key.id]
			if !ok {
				if err := tx.Where("owner_group_id = ? AND collection = ? AND record_id = ?",
					s.scope, string(key.collection), key.id).Delete(&LocalRecord{}).Error; err != nil {
					return err
				}
				continue
			}
			row := toRow(key.collection, record)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		if s.lastSyncDirty {
			return writeLastSync(tx, s.scope, s.lastSync)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("store flush failed",
			zap.String("owner_group_id", s.scope),
			zap.Int("unflushed_records", len(keys)),
			zap.Error(err))
		return fmt.Errorf("%s: %w", opFlush, err)
	}

	s.unflushed = make(map[recordKey]struct{})
	s.lastSyncDirty = false
	if s.degraded {
		s.logger.Info("store recovered from degraded mode",
			zap.String("owner_group_id", s.scope),
			zap.Int("flushed_records", len(keys)))
	}
	s.degraded = false
	return nil
}

func (s *Store) recoverLocked(ctx context.Context) {
	if !s.degraded {
		return
	}
	_ = s.flushLocked(ctx)
}

func (s *Store) degradeLocked(operation string, collection records.Collection, ids []string, err error) {
	s.degraded = true
	s.logger.Warn("store write kept in memory",
		zap.String("operation", operation),
		zap.String("owner_group_id", s.scope),
		zap.String("collection", string(collection)),
		zap.Strings("record_ids", ids),
		zap.Error(err))
	if s.onWarning != nil {
		s.onWarning(Warning{Operation: operation, Collection: collection, RecordIDs: ids, Err: err})
	}
}

func (s *Store) normalize(collection records.Collection, record records.Record) (records.Record, error) {
	if !collection.Valid() {
		return records.Record{}, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	if err := record.Validate(); err != nil {
		return records.Record{}, err
	}
	out := record.Clone()
	switch strings.TrimSpace(out.OwnerGroupID) {
	case "":
		out.OwnerGroupID = s.scope
	case s.scope:
	default:
		return records.Record{}, fmt.Errorf("%w: %s", ErrScopeMismatch, out.OwnerGroupID)
	}
	if out.SyncStatus == "" {
		out.SyncStatus = records.StatusPendingCreate
		if out.HasServerID() {
			out.SyncStatus = records.StatusPendingUpdate
		}
	}
	out.LastModified = records.Timestamp(out.LastModified)
	if len(out.Payload) == 0 {
		out.Payload = []byte("{}")
	}
	return out, nil
}
