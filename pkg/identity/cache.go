package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/drawmind/modelmux/pkg/cache"
)

// defaultTTL bounds staleness between a mutation elsewhere and the
// invalidation call reaching this cache.
const defaultTTL = time.Hour

// Cache is the slice of the shared cache this package uses. Entities live
// in hashes; secondary indexes are plain id strings.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Service is the read-through identity cache: shared cache first, then the
// authoritative store, caching the result best-effort on the way back.
type Service struct {
	cache Cache
	users UserStore
	orgs  OrgStore
	ttl   time.Duration
}

// NewService creates the identity service. ttl of zero selects the default.
func NewService(c Cache, users UserStore, orgs OrgStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{cache: c, users: users, orgs: orgs, ttl: ttl}
}

func userKey(id string) string        { return "user:" + id }
func userPhoneKey(p string) string    { return "user:phone:" + p }
func orgKey(id string) string         { return "org:" + id }
func orgCodeKey(code string) string   { return "org:code:" + code }
func orgInviteKey(code string) string { return "org:invite:" + code }

// GetUserByID returns the user, from cache when possible.
func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	if u := readHash(ctx, s.cache, userKey(id), userFromFields); u != nil {
		return u, nil
	}
	u, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.CacheUser(ctx, u)
	return u, nil
}

// GetUserByPhone resolves the phone index, then the primary key.
func (s *Service) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	if id, err := s.cache.Get(ctx, userPhoneKey(phone)); err == nil && id != "" {
		if u := readHash(ctx, s.cache, userKey(id), userFromFields); u != nil {
			return u, nil
		}
	}
	u, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	s.CacheUser(ctx, u)
	return u, nil
}

// GetOrgByID returns the organization, from cache when possible.
func (s *Service) GetOrgByID(ctx context.Context, id string) (*Organization, error) {
	if o := readHash(ctx, s.cache, orgKey(id), orgFromFields); o != nil {
		return o, nil
	}
	o, err := s.orgs.GetOrgByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.CacheOrg(ctx, o)
	return o, nil
}

// GetOrgByCode resolves the public-code index, then the primary key.
func (s *Service) GetOrgByCode(ctx context.Context, code string) (*Organization, error) {
	return s.orgByIndex(ctx, orgCodeKey(code), func() (*Organization, error) {
		return s.orgs.GetOrgByCode(ctx, code)
	})
}

// GetOrgByInvitationCode resolves the invitation index, then the primary key.
func (s *Service) GetOrgByInvitationCode(ctx context.Context, code string) (*Organization, error) {
	return s.orgByIndex(ctx, orgInviteKey(code), func() (*Organization, error) {
		return s.orgs.GetOrgByInvitationCode(ctx, code)
	})
}

func (s *Service) orgByIndex(ctx context.Context, indexKey string, fallback func() (*Organization, error)) (*Organization, error) {
	if id, err := s.cache.Get(ctx, indexKey); err == nil && id != "" {
		if o := readHash(ctx, s.cache, orgKey(id), orgFromFields); o != nil {
			return o, nil
		}
	}
	o, err := fallback()
	if err != nil {
		return nil, err
	}
	s.CacheOrg(ctx, o)
	return o, nil
}

// CacheUser writes the user hash and its phone index. Best-effort: failures
// are logged, never returned, so a cache outage costs latency rather than
// correctness.
func (s *Service) CacheUser(ctx context.Context, u *User) {
	if u == nil || u.ID == "" {
		return
	}
	if err := s.writeHash(ctx, userKey(u.ID), userFields(u)); err != nil {
		slog.Debug("Failed to cache user", "user_id", u.ID, "error", err)
		return
	}
	if u.Phone != "" {
		if err := s.cache.SetEx(ctx, userPhoneKey(u.Phone), u.ID, s.ttl); err != nil {
			slog.Debug("Failed to cache user phone index", "user_id", u.ID, "error", err)
		}
	}
}

// CacheOrg writes the organization hash and its secondary indexes,
// best-effort.
func (s *Service) CacheOrg(ctx context.Context, o *Organization) {
	if o == nil || o.ID == "" {
		return
	}
	if err := s.writeHash(ctx, orgKey(o.ID), orgFields(o)); err != nil {
		slog.Debug("Failed to cache organization", "org_id", o.ID, "error", err)
		return
	}
	if o.Code != "" {
		if err := s.cache.SetEx(ctx, orgCodeKey(o.Code), o.ID, s.ttl); err != nil {
			slog.Debug("Failed to cache org code index", "org_id", o.ID, "error", err)
		}
	}
	if o.InvitationCode != "" {
		if err := s.cache.SetEx(ctx, orgInviteKey(o.InvitationCode), o.ID, s.ttl); err != nil {
			slog.Debug("Failed to cache org invite index", "org_id", o.ID, "error", err)
		}
	}
}

// writeHash replaces the entity hash and bounds it with the service TTL.
// Stale fields from a previous shape are cleared by the delete-first write.
func (s *Service) writeHash(ctx context.Context, key string, fields map[string]string) error {
	if err := s.cache.Del(ctx, key); err != nil {
		return err
	}
	if err := s.cache.HSet(ctx, key, fields); err != nil {
		return err
	}
	return s.cache.Expire(ctx, key, s.ttl)
}

// InvalidateUser removes a user's cache entries after a mutation.
func (s *Service) InvalidateUser(ctx context.Context, id, phone string) error {
	keys := []string{userKey(id)}
	if phone != "" {
		keys = append(keys, userPhoneKey(phone))
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate user cache: %w", err)
	}
	return nil
}

// InvalidateOrg removes an organization's cache entries after a mutation.
func (s *Service) InvalidateOrg(ctx context.Context, id, code, inviteCode string) error {
	keys := []string{orgKey(id)}
	if code != "" {
		keys = append(keys, orgCodeKey(code))
	}
	if inviteCode != "" {
		keys = append(keys, orgInviteKey(inviteCode))
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate org cache: %w", err)
	}
	return nil
}

// readHash returns the decoded entity hash at key, or nil on any miss. A
// hash that no longer decodes is deleted and treated as a miss.
func readHash[T any](ctx context.Context, c Cache, key string, decode func(map[string]string) (*T, error)) *T {
	fields, err := c.HGetAll(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Debug("Identity cache read failed", "key", key, "error", err)
		}
		return nil
	}
	// HGETALL answers a missing key with an empty map.
	if len(fields) == 0 {
		return nil
	}
	entity, err := decode(fields)
	if err != nil {
		slog.Warn("Deleting corrupted identity cache entry", "key", key, "error", err)
		_ = c.Del(ctx, key)
		return nil
	}
	return entity
}

func userFields(u *User) map[string]string {
	f := map[string]string{
		"id":     u.ID,
		"phone":  u.Phone,
		"name":   u.Name,
		"role":   u.Role,
		"status": u.Status,
	}
	if u.OrgID != "" {
		f["org_id"] = u.OrgID
	}
	putTimeField(f, "created_at", u.CreatedAt)
	putTimeField(f, "updated_at", u.UpdatedAt)
	return f
}

func userFromFields(f map[string]string) (*User, error) {
	if f["id"] == "" {
		return nil, errors.New("user hash missing id")
	}
	u := &User{
		ID:     f["id"],
		Phone:  f["phone"],
		Name:   f["name"],
		OrgID:  f["org_id"],
		Role:   f["role"],
		Status: f["status"],
	}
	var err error
	if u.CreatedAt, err = timeField(f, "created_at"); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = timeField(f, "updated_at"); err != nil {
		return nil, err
	}
	return u, nil
}

func orgFields(o *Organization) map[string]string {
	f := map[string]string{
		"id":              o.ID,
		"name":            o.Name,
		"code":            o.Code,
		"invitation_code": o.InvitationCode,
		"plan":            o.Plan,
		"seat_limit":      strconv.Itoa(o.SeatLimit),
		"status":          o.Status,
	}
	putTimeField(f, "created_at", o.CreatedAt)
	putTimeField(f, "updated_at", o.UpdatedAt)
	return f
}

func orgFromFields(f map[string]string) (*Organization, error) {
	if f["id"] == "" {
		return nil, errors.New("org hash missing id")
	}
	o := &Organization{
		ID:             f["id"],
		Name:           f["name"],
		Code:           f["code"],
		InvitationCode: f["invitation_code"],
		Plan:           f["plan"],
		Status:         f["status"],
	}
	if raw := f["seat_limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("org hash seat_limit: %w", err)
		}
		o.SeatLimit = n
	}
	var err error
	if o.CreatedAt, err = timeField(f, "created_at"); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = timeField(f, "updated_at"); err != nil {
		return nil, err
	}
	return o, nil
}

func putTimeField(f map[string]string, name string, t time.Time) {
	if !t.IsZero() {
		f[name] = t.UTC().Format(time.RFC3339Nano)
	}
}

func timeField(f map[string]string, name string) (time.Time, error) {
	raw := f[name]
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s field: %w", name, err)
	}
	return t, nil
}
