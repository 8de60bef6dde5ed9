package warehouses

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the access level a user holds on a warehouse.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// ErrInvalidRole indicates an unknown role name.
var ErrInvalidRole = errors.New("warehouses: invalid role")

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleViewer, RoleEditor, RoleOwner:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// Allows reports whether r is at least as strong as required.
func (r Role) Allows(required Role) bool {
	return r.rank() > 0 && r.rank() >= required.rank()
}

// Membership maps a user onto a warehouse (the owner group of synced records).
type Membership struct {
	WarehouseID string    `gorm:"column:warehouse_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role        Role      `gorm:"column:role;size:16;not null"`
	GrantedAt   time.Time `gorm:"column:granted_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing warehouse memberships.
func (Membership) TableName() string {
	return "warehouse_memberships"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Membership{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
