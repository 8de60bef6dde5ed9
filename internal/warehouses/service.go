package warehouses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidMembership indicates a grant without warehouse or user.
	ErrInvalidMembership = errors.New("warehouses: warehouse and user are required")
	// ErrForbidden indicates the user lacks the required role on the warehouse.
	ErrForbidden = errors.New("warehouses: access denied")
)

// ServiceConfig describes the dependencies of the membership service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service grants and checks warehouse access.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map

	// cacheMu orders cache fills against grants and revokes; revision counts them.
	cacheMu  sync.Mutex
	revision uint64
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("warehouses: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Grant creates or replaces the role of a user on a warehouse.
func (s *Service) Grant(ctx context.Context, warehouseID, userID string, role Role) (Membership, error) {
	warehouseID = normalize(warehouseID)
	userID = normalize(userID)
	if warehouseID == "" || userID == "" {
		return Membership{}, ErrInvalidMembership
	}
	if role.rank() == 0 {
		return Membership{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	membership := Membership{
		WarehouseID: warehouseID,
		UserID:      userID,
		Role:        role,
		GrantedAt:   s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "warehouse_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).
		Create(&membership).
		Error
	if err != nil {
		return Membership{}, err
	}
	s.cacheMu.Lock()
	s.revision++
	s.cache.Store(cacheKey(warehouseID, userID), role)
	s.cacheMu.Unlock()
	return membership, nil
}

// Revoke removes a user's access to a warehouse.
func (s *Service) Revoke(ctx context.Context, warehouseID, userID string) error {
	warehouseID = normalize(warehouseID)
	userID = normalize(userID)
	if warehouseID == "" || userID == "" {
		return ErrInvalidMembership
	}
	err := s.db.WithContext(ctx).
		Where("warehouse_id = ? AND user_id = ?", warehouseID, userID).
		Delete(&Membership{}).
		Error
	if err != nil {
		return err
	}
	s.cacheMu.Lock()
	s.revision++
	s.cache.Delete(cacheKey(warehouseID, userID))
	s.cacheMu.Unlock()
	return nil
}

// RoleOf returns the user's role on a warehouse; ok is false without a membership.
func (s *Service) RoleOf(ctx context.Context, warehouseID, userID string) (Role, bool, error) {
	warehouseID = normalize(warehouseID)
	userID = normalize(userID)
	if warehouseID == "" || userID == "" {
		return "", false, ErrInvalidMembership
	}

	key := cacheKey(warehouseID, userID)
	if cached, ok := s.cache.Load(key); ok {
		if role, ok := cached.(Role); ok {
			return role, true, nil
		}
	}

	s.cacheMu.Lock()
	revision := s.revision
	s.cacheMu.Unlock()

	var membership Membership
	err := s.db.WithContext(ctx).
		Where("warehouse_id = ? AND user_id = ?", warehouseID, userID).
		First(&membership).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s.cacheMu.Lock()
	if s.revision == revision {
		s.cache.Store(key, membership.Role)
	}
	s.cacheMu.Unlock()
	return membership.Role, true, nil
}

// Authorize returns ErrForbidden unless the user holds at least the required role.
func (s *Service) Authorize(ctx context.Context, warehouseID, userID string, required Role) error {
	role, ok, err := s.RoleOf(ctx, warehouseID, userID)
	if err != nil {
		return err
	}
	if !ok || !role.Allows(required) {
		return fmt.Errorf("%w: %s needs %s on %s", ErrForbidden, normalize(userID), required, normalize(warehouseID))
	}
	return nil
}

// Memberships lists the warehouses a user can access.
func (s *Service) Memberships(ctx context.Context, userID string) ([]Membership, error) {
	var out []Membership
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Order("warehouse_id ASC").
		Find(&out).
		Error
	return out, err
}

func cacheKey(warehouseID, userID string) string {
	return warehouseID + ":" + userID
}
