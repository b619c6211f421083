// Package identity provides read-through cached access to users and
// organizations. The shared cache absorbs hot lookups (every authenticated
// request resolves the caller); the authoritative store is only consulted on
// a miss, and results are cached best-effort so a cache outage degrades to
// direct store reads rather than failures.
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when neither the cache nor the authoritative store
// knows the requested user or organization.
var ErrNotFound = errors.New("identity: not found")

// User is the cached projection of an account.
type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	OrgID     string    `json:"org_id,omitempty"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Organization is the cached projection of a tenant.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Code           string    `json:"code"`
	InvitationCode string    `json:"invitation_code"`
	Plan           string    `json:"plan"`
	SeatLimit      int       `json:"seat_limit"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserStore is the authoritative source for users, backed by the durable
// database. Implementations return ErrNotFound for unknown identifiers.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
}

// OrgStore is the authoritative source for organizations.
type OrgStore interface {
	GetOrgByID(ctx context.Context, id string) (*Organization, error)
	GetOrgByCode(ctx context.Context, code string) (*Organization, error)
	GetOrgByInvitationCode(ctx context.Context, code string) (*Organization, error)
}
