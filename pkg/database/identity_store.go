package database

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/drawmind/modelmux/pkg/identity"
)

const userColumns = "id, phone, name, org_id, role, status, created_at, updated_at"

const orgColumns = "id, name, code, invitation_code, plan, seat_limit, status, created_at, updated_at"

// IdentityStore is the authoritative store behind the identity cache. It
// serves reads only; account mutations belong to the account service, which
// invalidates cache entries after writing.
type IdentityStore struct {
	client *Client
}

// NewIdentityStore creates an identity store backed by the given database client.
func NewIdentityStore(client *Client) *IdentityStore {
	return &IdentityStore{client: client}
}

var (
	_ identity.UserStore = (*IdentityStore)(nil)
	_ identity.OrgStore  = (*IdentityStore)(nil)
)

// GetUserByID looks up a user by primary key.
func (s *IdentityStore) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	row := s.client.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUser(row)
}

// GetUserByPhone looks up a user by phone number.
func (s *IdentityStore) GetUserByPhone(ctx context.Context, phone string) (*identity.User, error) {
	row := s.client.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE phone = $1", phone)
	return scanUser(row)
}

// GetOrgByID looks up an organization by primary key.
func (s *IdentityStore) GetOrgByID(ctx context.Context, id string) (*identity.Organization, error) {
	row := s.client.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE id = $1", id)
	return scanOrg(row)
}

// GetOrgByCode looks up an organization by its public code.
func (s *IdentityStore) GetOrgByCode(ctx context.Context, code string) (*identity.Organization, error) {
	row := s.client.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE code = $1", code)
	return scanOrg(row)
}

// GetOrgByInvitationCode looks up an organization by invitation code.
func (s *IdentityStore) GetOrgByInvitationCode(ctx context.Context, code string) (*identity.Organization, error) {
	row := s.client.db.QueryRowContext(ctx,
		"SELECT "+orgColumns+" FROM organizations WHERE invitation_code = $1", code)
	return scanOrg(row)
}

func scanUser(row *stdsql.Row) (*identity.User, error) {
	var u identity.User
	var orgID stdsql.NullString
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &orgID, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.OrgID = orgID.String
	return &u, nil
}

func scanOrg(row *stdsql.Row) (*identity.Organization, error) {
	var o identity.Organization
	err := row.Scan(&o.ID, &o.Name, &o.Code, &o.InvitationCode, &o.Plan, &o.SeatLimit,
		&o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return &o, nil
}
