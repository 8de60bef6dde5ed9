package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// ErrScopeLocked indicates that another live store holds the owner group's lease.
var ErrScopeLocked = errors.New("store: owner group is open elsewhere")

const (
	opLease         = "store.lease"
	defaultLeaseTTL = 30 * time.Second
)

// acquireLease takes the scope's lease when it is free, expired, or already ours.
// Each statement is atomic, so two processes racing for one scope cannot both win.
func (s *Store) acquireLease(ctx context.Context) error {
	now := time.Now()
	expires := now.Add(s.leaseTTL).UnixMilli()

	taken := s.db.WithContext(ctx).Model(&StoreLease{}).
		Where("owner_group_id = ? AND (holder_id = ? OR expires_at_ms <= ?)", s.scope, s.holder, now.UnixMilli()).
		Updates(map[string]any{"holder_id": s.holder, "expires_at_ms": expires})
	if taken.Error != nil {
		return fmt.Errorf("%s: %w", opLease, taken.Error)
	}
	if taken.RowsAffected == 1 {
		return nil
	}

	lease := StoreLease{OwnerGroupID: s.scope, HolderID: s.holder, ExpiresAtMillis: expires}
	created := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if created.Error != nil {
		return fmt.Errorf("%s: %w", opLease, created.Error)
	}
	if created.RowsAffected == 1 {
		return nil
	}

	var held StoreLease
	if err := s.db.WithContext(ctx).Where("owner_group_id = ?", s.scope).Take(&held).Error; err != nil {
		return fmt.Errorf("%w: %s", ErrScopeLocked, s.scope)
	}
	return fmt.Errorf("%w: %s held by %s until %s", ErrScopeLocked, s.scope, held.HolderID,
		time.UnixMilli(held.ExpiresAtMillis).UTC().Format(time.RFC3339))
}

func (s *Store) renewLease(ctx context.Context) error {
	renewed := s.db.WithContext(ctx).Model(&StoreLease{}).
		Where("owner_group_id = ? AND holder_id = ?", s.scope, s.holder).
		Update("expires_at_ms", time.Now().Add(s.leaseTTL).UnixMilli())
	if renewed.Error != nil {
		return renewed.Error
	}
	if renewed.RowsAffected == 0 {
		return fmt.Errorf("%w: lease for %s was taken over", ErrScopeLocked, s.scope)
	}
	return nil
}

func (s *Store) keepLease() {
	defer close(s.leaseDone)
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.leaseStop:
			return
		case <-ticker.C:
			if err := s.renewLease(context.Background()); err != nil {
				s.logger.Error("store lease renewal failed",
					zap.String("owner_group_id", s.scope),
					zap.Error(err))
			}
		}
	}
}

func (s *Store) releaseLease() {
	err := s.db.Where("owner_group_id = ? AND holder_id = ?", s.scope, s.holder).
		Delete(&StoreLease{}).Error
	if err != nil {
		s.logger.Warn("store lease release failed",
			zap.String("owner_group_id", s.scope),
			zap.Error(err))
	}
}

// stopLease ends renewal and drops the lease row. Safe without a running renewal loop.
func (s *Store) stopLease() {
	if s.leaseStop != nil {
		close(s.leaseStop)
		<-s.leaseDone
	}
	s.releaseLease()
}
