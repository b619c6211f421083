package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawmind/modelmux/pkg/cache"
)

type memCache struct {
	mu          sync.Mutex
	values      map[string]string
	hashes      map[string]map[string]string
	unavailable bool
	gets        int
}

func newMemCache() *memCache {
	return &memCache{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
	}
}

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.unavailable {
		return "", cache.ErrUnavailable
	}
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (m *memCache) SetEx(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return cache.ErrUnavailable
	}
	m.values[key] = value
	return nil
}

func (m *memCache) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return cache.ErrUnavailable
	}
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *memCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, cache.ErrUnavailable
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *memCache) Expire(_ context.Context, _ string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return cache.ErrUnavailable
	}
	return nil
}

func (m *memCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return cache.ErrUnavailable
	}
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return true
	}
	_, ok := m.hashes[key]
	return ok
}

func (m *memCache) hashField(key, field string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[key][field]
}

// fakeStore is the authoritative-store fake; it counts lookups so tests can
// prove the cache absorbed a read.
type fakeStore struct {
	users map[string]*User
	orgs  map[string]*Organization
	calls int
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*User, error) {
	f.calls++
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetUserByPhone(_ context.Context, phone string) (*User, error) {
	f.calls++
	for _, u := range f.users {
		if u.Phone == phone {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetOrgByID(_ context.Context, id string) (*Organization, error) {
	f.calls++
	if o, ok := f.orgs[id]; ok {
		return o, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetOrgByCode(_ context.Context, code string) (*Organization, error) {
	f.calls++
	for _, o := range f.orgs {
		if o.Code == code {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetOrgByInvitationCode(_ context.Context, code string) (*Organization, error) {
	f.calls++
	for _, o := range f.orgs {
		if o.InvitationCode == code {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func newTestService() (*Service, *memCache, *fakeStore) {
	c := newMemCache()
	store := &fakeStore{
		users: map[string]*User{
			"u1": {
				ID:        "u1",
				Phone:     "13800000001",
				Name:      "Ada",
				Role:      "member",
				CreatedAt: time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
			},
		},
		orgs: map[string]*Organization{
			"o1": {
				ID:             "o1",
				Name:           "Acme",
				Code:           "ACME",
				InvitationCode: "inv-1",
				Plan:           "pro",
				SeatLimit:      25,
			},
		},
	}
	return NewService(c, store, store, 0), c, store
}

func TestUserMissFallsBackAndCaches(t *testing.T) {
	svc, c, store := newTestService()
	ctx := context.Background()

	u, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, 1, store.calls)
	assert.True(t, c.has("user:u1"))
	assert.True(t, c.has("user:phone:13800000001"))

	// Second read is served from cache with every field intact.
	cached, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, u, cached)
	assert.Equal(t, "u1", c.hashField("user:u1", "id"))
}

func TestUserByPhoneUsesSecondaryIndex(t *testing.T) {
	svc, _, store := newTestService()
	ctx := context.Background()

	u, err := svc.GetUserByPhone(ctx, "13800000001")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, 1, store.calls)

	u, err = svc.GetUserByPhone(ctx, "13800000001")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, 1, store.calls)
}

func TestUnknownUserReturnsNotFound(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.GetUserByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrgCodeAndInviteLookups(t *testing.T) {
	svc, c, store := newTestService()
	ctx := context.Background()

	o, err := svc.GetOrgByCode(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
	assert.True(t, c.has("org:o1"))
	assert.True(t, c.has("org:code:ACME"))
	assert.True(t, c.has("org:invite:inv-1"))

	o, err = svc.GetOrgByInvitationCode(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 25, o.SeatLimit)
	assert.Equal(t, "pro", o.Plan)
}

func TestCorruptedEntryDeletedAndTreatedAsMiss(t *testing.T) {
	svc, c, store := newTestService()
	ctx := context.Background()

	// A hash that lost its id no longer decodes.
	c.hashes["user:u1"] = map[string]string{"name": "broken"}

	u, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, 1, store.calls)

	// The corrupted hash was replaced by a fresh write.
	assert.Equal(t, "u1", c.hashField("user:u1", "id"))
}

func TestCorruptedTimestampTreatedAsMiss(t *testing.T) {
	svc, c, store := newTestService()
	ctx := context.Background()

	c.hashes["user:u1"] = map[string]string{"id": "u1", "created_at": "not-a-time"}

	u, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, 1, store.calls)
}

func TestCacheOutageDegradesToStoreReads(t *testing.T) {
	svc, c, store := newTestService()
	ctx := context.Background()

	c.unavailable = true

	u, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, 1, store.calls)
}

func TestInvalidateUserRemovesPrimaryAndIndex(t *testing.T) {
	svc, c, _ := newTestService()
	ctx := context.Background()

	_, err := svc.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	require.True(t, c.has("user:u1"))

	require.NoError(t, svc.InvalidateUser(ctx, "u1", "13800000001"))
	assert.False(t, c.has("user:u1"))
	assert.False(t, c.has("user:phone:13800000001"))
}

func TestInvalidateOrgRemovesAllKeys(t *testing.T) {
	svc, c, _ := newTestService()
	ctx := context.Background()

	_, err := svc.GetOrgByID(ctx, "o1")
	require.NoError(t, err)

	require.NoError(t, svc.InvalidateOrg(ctx, "o1", "ACME", "inv-1"))
	assert.False(t, c.has("org:o1"))
	assert.False(t, c.has("org:code:ACME"))
	assert.False(t, c.has("org:invite:inv-1"))
}
