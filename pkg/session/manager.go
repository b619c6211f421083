package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drawmind/modelmux/pkg/cache"
)

// Cache is the slice of the shared cache the session manager uses.
// Implementations return the cache package sentinels (ErrNotFound,
// ErrUnavailable) so degradation decisions stay here.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
}

// Manager owns the session keys in the shared cache.
type Manager struct {
	store Cache
	ttl   time.Duration

	now func() time.Time
}

// NewManager creates a session manager. ttl is the session lifetime and
// applies to session keys, session sets, and invalidation notices alike.
func NewManager(store Cache, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// StoreSession records token as the active session for userID. Under single
// mode the write replaces whatever was there; the caller is expected to have
// invalidated the old session first so the displaced client gets its notice.
// Under multi mode (shared accounts, opt-in) the hash joins a set instead.
func (m *Manager) StoreSession(ctx context.Context, userID, token string, allowMultiple bool) error {
	hash := HashToken(token)

	if allowMultiple {
		key := sessionSetKey(userID)
		if err := m.store.SAdd(ctx, key, hash); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
		if err := m.store.Expire(ctx, key, m.ttl); err != nil {
			return fmt.Errorf("failed to set session expiry: %w", err)
		}
		return nil
	}

	if err := m.store.SetEx(ctx, sessionKey(userID), hash, m.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// InvalidateUserSessions displaces every active session for userID, writing
// an invalidation notice per displaced token hash before deleting the
// session keys. Must complete before the new session is stored so a
// displaced client never sees both sessions as valid.
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID, ip string, allowMultiple bool) error {
	if allowMultiple {
		return m.invalidateSet(ctx, userID, ip)
	}

	current, err := m.store.Get(ctx, sessionKey(userID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read current session: %w", err)
	}

	m.writeNotice(ctx, userID, current, ip)
	if err := m.store.Del(ctx, sessionKey(userID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (m *Manager) invalidateSet(ctx context.Context, userID, ip string) error {
	key := sessionSetKey(userID)
	members, err := m.store.SMembers(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("failed to read session set: %w", err)
	}
	for _, hash := range members {
		m.writeNotice(ctx, userID, hash, ip)
	}
	if err := m.store.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to delete session set: %w", err)
	}
	return nil
}

// writeNotice is best-effort: a lost notice degrades the displaced client's
// logout message, not its security; the session key deletion is what logs
// it out.
func (m *Manager) writeNotice(ctx context.Context, userID, tokenHash, ip string) {
	notice := InvalidationNotice{Timestamp: m.now().UTC(), IPAddress: ip}
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := m.store.SetEx(ctx, noticeKey(userID, tokenHash), string(payload), m.ttl); err != nil {
		slog.Warn("Failed to write session invalidation notice",
			"user_id", userID, "error", err)
	}
}

// IsSessionValid reports whether token is the active session for userID.
// Fails open when the cache is unreachable: rejecting every login because
// the cache died is a worse failure than honoring unexpired tokens for
// their remaining TTL. Fails closed on a missing or mismatched session.
func (m *Manager) IsSessionValid(ctx context.Context, userID, token string) bool {
	hash := HashToken(token)

	stored, err := m.store.Get(ctx, sessionKey(userID))
	switch {
	case err == nil:
		return stored == hash
	case errors.Is(err, cache.ErrUnavailable):
		slog.Warn("Cache unavailable, session validation failing open", "user_id", userID)
		return true
	case errors.Is(err, cache.ErrNotFound):
		// Fall through to the multi-session set.
	default:
		return false
	}

	ok, err := m.store.SIsMember(ctx, sessionSetKey(userID), hash)
	if errors.Is(err, cache.ErrUnavailable) {
		slog.Warn("Cache unavailable, session validation failing open", "user_id", userID)
		return true
	}
	if err != nil {
		return false
	}
	return ok
}

// CheckInvalidationNotification returns the pending notice for a displaced
// token hash, or nil when there is none. The notice stays in place until
// cleared so a client that crashes mid-poll can read it again.
func (m *Manager) CheckInvalidationNotification(ctx context.Context, userID, tokenHash string) (*InvalidationNotice, error) {
	raw, err := m.store.Get(ctx, noticeKey(userID, tokenHash))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invalidation notice: %w", err)
	}

	var notice InvalidationNotice
	if err := json.Unmarshal([]byte(raw), &notice); err != nil {
		// Corrupted notice: drop it and report none.
		_ = m.store.Del(ctx, noticeKey(userID, tokenHash))
		return nil, nil
	}
	return &notice, nil
}

// ClearInvalidationNotification removes a delivered notice so subsequent
// polls return nothing.
func (m *Manager) ClearInvalidationNotification(ctx context.Context, userID, tokenHash string) error {
	if err := m.store.Del(ctx, noticeKey(userID, tokenHash)); err != nil {
		return fmt.Errorf("failed to clear invalidation notice: %w", err)
	}
	return nil
}
