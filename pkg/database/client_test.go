package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drawmind/modelmux/pkg/identity"
	"github.com/drawmind/modelmux/pkg/usage"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	ciDatabaseURL := os.Getenv("CI_DATABASE_URL")

	var connStr string

	if ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	// Apply the embedded migrations the same way NewClient does.
	err = runMigrations(db, Config{Database: "test"})
	require.NoError(t, err)

	client := NewClientFromDB(db)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestDatabaseClientConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestHealthStatusJSONMilliseconds(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.NotNil(t, health)

	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
	assert.Less(t, health.ResponseTime, int64(1000), "response time should be less than 1 second for a local ping")

	jsonBytes, err := json.Marshal(health)
	require.NoError(t, err)

	var jsonData map[string]interface{}
	err = json.Unmarshal(jsonBytes, &jsonData)
	require.NoError(t, err)

	// If these were nanoseconds they would exceed 1,000,000 even for a 1 ms ping.
	responseTime, ok := jsonData["response_time_ms"].(float64)
	require.True(t, ok, "response_time_ms should be a number")
	assert.Less(t, responseTime, float64(1000000), "response_time_ms should be in milliseconds, not nanoseconds")

	waitDuration, ok := jsonData["wait_duration_ms"].(float64)
	require.True(t, ok, "wait_duration_ms should be a number")
	assert.Less(t, waitDuration, float64(1000000), "wait_duration_ms should be in milliseconds, not nanoseconds")
}

func TestUsageStoreInsertBatch(t *testing.T) {
	client := newTestClient(t)
	store := NewUsageStore(client)
	ctx := context.Background()

	conversationID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	records := []usage.Record{
		{
			ModelAlias:     "qwen",
			InputTokens:    120,
			OutputTokens:   480,
			TotalTokens:    600,
			RequestType:    usage.RequestTypeChat,
			DiagramType:    "flowchart",
			UserID:         "user-1",
			OrgID:          "org-1",
			ConversationID: conversationID,
			EndpointPath:   "/api/v1/diagrams",
			ResponseTimeMS: 2100,
			Success:        true,
			Timestamp:      now,
		},
		{
			ModelAlias:     "deepseek",
			InputTokens:    80,
			OutputTokens:   0,
			TotalTokens:    80,
			RequestType:    usage.RequestTypeChatStream,
			ConversationID: conversationID,
			ResponseTimeMS: 900,
			Success:        false,
			ErrorKind:      "timeout",
			Timestamp:      now,
		},
	}

	err := store.InsertUsageBatch(ctx, records)
	require.NoError(t, err)

	rows, err := client.DB().QueryContext(ctx,
		`SELECT model_alias, total_tokens, request_type, diagram_type, user_id, success, error_kind
		 FROM token_usage WHERE conversation_id = $1 ORDER BY model_alias DESC`,
		conversationID)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		model       string
		total       int64
		requestType string
		diagramType stdsql.NullString
		userID      stdsql.NullString
		success     bool
		errorKind   stdsql.NullString
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.model, &r.total, &r.requestType, &r.diagramType,
			&r.userID, &r.success, &r.errorKind))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "qwen", got[0].model)
	assert.Equal(t, int64(600), got[0].total)
	assert.Equal(t, "chat", got[0].requestType)
	assert.Equal(t, "flowchart", got[0].diagramType.String)
	assert.Equal(t, "user-1", got[0].userID.String)
	assert.True(t, got[0].success)
	assert.False(t, got[0].errorKind.Valid, "successful record should have NULL error_kind")

	assert.Equal(t, "deepseek", got[1].model)
	assert.False(t, got[1].success)
	assert.Equal(t, "timeout", got[1].errorKind.String)
	assert.False(t, got[1].userID.Valid, "anonymous record should have NULL user_id")
}

func TestUsageStoreEmptyBatch(t *testing.T) {
	store := NewUsageStore(NewClientFromDB(nil))
	err := store.InsertUsageBatch(context.Background(), nil)
	assert.NoError(t, err)
}

func seedOrg(t *testing.T, client *Client) *identity.Organization {
	t.Helper()
	code := "org-" + uuid.NewString()[:8]
	invite := "inv-" + uuid.NewString()[:8]

	var o identity.Organization
	err := client.DB().QueryRowContext(context.Background(),
		`INSERT INTO organizations (name, code, invitation_code, plan, seat_limit)
		 VALUES ($1, $2, $3, 'team', 20)
		 RETURNING id, name, code, invitation_code, plan, seat_limit, status, created_at, updated_at`,
		"Acme Diagrams", code, invite).
		Scan(&o.ID, &o.Name, &o.Code, &o.InvitationCode, &o.Plan, &o.SeatLimit,
			&o.Status, &o.CreatedAt, &o.UpdatedAt)
	require.NoError(t, err)
	return &o
}

func seedUser(t *testing.T, client *Client, orgID string) *identity.User {
	t.Helper()
	phone := "+86" + uuid.NewString()[:11]

	var u identity.User
	var gotOrg stdsql.NullString
	err := client.DB().QueryRowContext(context.Background(),
		`INSERT INTO users (phone, name, org_id, role)
		 VALUES ($1, $2, $3, 'admin')
		 RETURNING id, phone, name, org_id, role, status, created_at, updated_at`,
		phone, "Wei", orgID).
		Scan(&u.ID, &u.Phone, &u.Name, &gotOrg, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	require.NoError(t, err)
	u.OrgID = gotOrg.String
	return &u
}

func TestIdentityStoreUsers(t *testing.T) {
	client := newTestClient(t)
	store := NewIdentityStore(client)
	ctx := context.Background()

	org := seedOrg(t, client)
	seeded := seedUser(t, client, org.ID)

	byID, err := store.GetUserByID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded.Phone, byID.Phone)
	assert.Equal(t, org.ID, byID.OrgID)
	assert.Equal(t, "admin", byID.Role)
	assert.Equal(t, "active", byID.Status)

	byPhone, err := store.GetUserByPhone(ctx, seeded.Phone)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, byPhone.ID)

	_, err = store.GetUserByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = store.GetUserByPhone(ctx, "+8600000000000")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestIdentityStoreOrgs(t *testing.T) {
	client := newTestClient(t)
	store := NewIdentityStore(client)
	ctx := context.Background()

	org := seedOrg(t, client)

	byID, err := store.GetOrgByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.Code, byID.Code)
	assert.Equal(t, "team", byID.Plan)
	assert.Equal(t, 20, byID.SeatLimit)

	byCode, err := store.GetOrgByCode(ctx, org.Code)
	require.NoError(t, err)
	assert.Equal(t, org.ID, byCode.ID)

	byInvite, err := store.GetOrgByInvitationCode(ctx, org.InvitationCode)
	require.NoError(t, err)
	assert.Equal(t, org.ID, byInvite.ID)

	_, err = store.GetOrgByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = store.GetOrgByCode(ctx, "no-such-code")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
		"DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME",
	}

	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config with defaults",
			envVars: map[string]string{
				"DB_PASSWORD": "test",
			},
		},
		{
			name: "valid config with custom values",
			envVars: map[string]string{
				"DB_HOST":           "db.example.com",
				"DB_PORT":           "5433",
				"DB_USER":           "admin",
				"DB_PASSWORD":       "secret",
				"DB_NAME":           "production",
				"DB_SSLMODE":        "require",
				"DB_MAX_OPEN_CONNS": "50",
				"DB_MAX_IDLE_CONNS": "20",
			},
		},
		{
			name: "invalid DB_PORT",
			envVars: map[string]string{
				"DB_PORT":     "invalid",
				"DB_PASSWORD": "test",
			},
			wantErr:     true,
			errContains: "invalid DB_PORT",
		},
		{
			name: "invalid DB_MAX_OPEN_CONNS",
			envVars: map[string]string{
				"DB_MAX_OPEN_CONNS": "not_a_number",
				"DB_PASSWORD":       "test",
			},
			wantErr:     true,
			errContains: "invalid DB_MAX_OPEN_CONNS",
		},
		{
			name: "invalid DB_MAX_IDLE_CONNS",
			envVars: map[string]string{
				"DB_MAX_IDLE_CONNS": "abc123",
				"DB_PASSWORD":       "test",
			},
			wantErr:     true,
			errContains: "invalid DB_MAX_IDLE_CONNS",
		},
		{
			name: "invalid DB_CONN_MAX_LIFETIME",
			envVars: map[string]string{
				"DB_CONN_MAX_LIFETIME": "invalid_duration",
				"DB_PASSWORD":          "test",
			},
			wantErr:     true,
			errContains: "invalid DB_CONN_MAX_LIFETIME",
		},
		{
			name: "invalid DB_CONN_MAX_IDLE_TIME",
			envVars: map[string]string{
				"DB_CONN_MAX_IDLE_TIME": "not_a_duration",
				"DB_PASSWORD":           "test",
			},
			wantErr:     true,
			errContains: "invalid DB_CONN_MAX_IDLE_TIME",
		},
		{
			name:        "missing password",
			envVars:     map[string]string{},
			wantErr:     true,
			errContains: "DB_PASSWORD is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				os.Unsetenv(key)
			}
			for key, val := range tt.envVars {
				os.Setenv(key, val)
			}
			t.Cleanup(func() {
				for _, key := range envKeys {
					os.Unsetenv(key)
				}
			})

			cfg, err := LoadConfigFromEnv()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			if tt.name == "valid config with defaults" {
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 5432, cfg.Port)
				assert.Equal(t, 25, cfg.MaxOpenConns)
				assert.Equal(t, 10, cfg.MaxIdleConns)
				assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Host:         "localhost",
		Port:         5432,
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing password", mutate: func(c *Config) { c.Password = "" }, wantErr: true},
		{name: "idle conns exceed max conns", mutate: func(c *Config) { c.MaxIdleConns = 20 }, wantErr: true},
		{name: "zero max open conns", mutate: func(c *Config) { c.MaxOpenConns = 0 }, wantErr: true},
		{name: "negative idle conns", mutate: func(c *Config) { c.MaxIdleConns = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
