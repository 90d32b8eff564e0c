package datasource

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/scanner"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func businessDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "business.db")
	db, err := sql.Open(DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, password_hash TEXT, mfa_enabled INTEGER)`,
		`INSERT INTO users VALUES (1, 'a@acme.io', 'x', 1), (2, 'b@acme.io', NULL, 0), (3, NULL, 'y', 0)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func profiles(t *testing.T, content string) config.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datasources.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	registry, err := config.NewRegistry(path)
	require.NoError(t, err)
	return registry
}

func TestRegistry_SourceRunsQueryScanner(t *testing.T) {
	// Given
	dbPath := businessDB(t)
	registry := NewRegistry(profiles(t, "[security]\ndriver = sqlite\ndsn = "+dbPath+"\n"))
	t.Cleanup(func() { _ = registry.Close() })
	ctx := context.Background()

	checks := []scanner.Check{
		{Title: "Users without password", Severity: "critical", Query: "SELECT COUNT(*) FROM users WHERE password_hash IS NULL"},
		{Title: "MFA disabled", Severity: "minor", Query: "SELECT COUNT(*) FROM users WHERE mfa_enabled = 0"},
		{Title: "Orphaned sessions", Severity: "major", Query: "SELECT COUNT(*) FROM sessions"},
	}
	qs := scanner.NewQueryScanner(domain.DimensionSecurity, checks, scanner.QuerySettings{
		MaxScore:       5,
		Penalties:      scanner.Penalties{Critical: 2, Major: 1, Minor: 0.25},
		ScoringVersion: "v1",
	})

	// When
	src, err := registry.Source(ctx, domain.DimensionSecurity)
	require.NoError(t, err)
	result, err := qs.Scan(ctx, src)

	// Then
	require.NoError(t, err)
	assert.InDelta(t, 2.75, result.Score.Score, 1e-9)
	assert.Equal(t, domain.ConfidenceMedium, result.Score.Confidence)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, Minor: 1}, result.Score.Counts)
	assert.Equal(t, int64(2), result.Score.RawSignals["MFA disabled"])

	again, err := registry.Source(ctx, domain.DimensionSecurity)
	require.NoError(t, err)
	assert.Same(t, src, again)
}

func TestRegistry_Unavailable(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		registry *Registry
	}{
		{name: "no profiles", registry: NewRegistry(nil)},
		{name: "missing profile", registry: NewRegistry(profiles(t, "[compliance]\ndriver = sqlite\ndsn = x.db\n"))},
		{name: "unsupported driver", registry: NewRegistry(profiles(t, "[security]\ndriver = oracle\ndsn = x\n"))},
		{
			name: "open fails",
			registry: NewRegistry(profiles(t, "[security]\ndriver = sqlite\ndsn = x.db\n"),
				WithOpener(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.registry.Source(ctx, domain.DimensionSecurity)
			require.Error(t, err)
			assert.True(t, scanner.IsUnavailable(err))
		})
	}
}

func TestRegistry_UsesOpener(t *testing.T) {
	var gotDriver, gotDSN string
	registry := NewRegistry(
		profiles(t, "[performance]\ndriver = databricks\nhost = dbc-1.cloud.databricks.com\ntoken = dapi\nhttp_path = /sql/1.0/warehouses/w\n"),
		WithOpener(func(driverName, dsn string) (*sql.DB, error) {
			gotDriver, gotDSN = driverName, dsn
			return sql.Open(DriverSQLite, ":memory:")
		}),
	)
	t.Cleanup(func() { _ = registry.Close() })

	_, err := registry.Source(context.Background(), domain.DimensionPerformance)
	require.NoError(t, err)
	assert.Equal(t, DriverDatabricks, gotDriver)
	assert.Equal(t, "token:dapi@dbc-1.cloud.databricks.com/sql/1.0/warehouses/w", gotDSN)
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		profile    config.DataSourceProfile
		wantDriver string
		wantDSN    string
		contains   []string
		wantErr    bool
	}{
		{
			name:       "sqlite",
			profile:    config.DataSourceProfile{Name: "security", Driver: "sqlite", DSN: "file:b.db?mode=ro"},
			wantDriver: "sqlite",
			wantDSN:    "file:b.db?mode=ro",
		},
		{
			name:    "duckdb without dsn",
			profile: config.DataSourceProfile{Name: "security", Driver: "duckdb"},
			wantErr: true,
		},
		{
			name:       "databricks explicit dsn",
			profile:    config.DataSourceProfile{Name: "compliance", Driver: "databricks", DSN: "token:t@h/p", Host: "ignored"},
			wantDriver: "databricks",
			wantDSN:    "token:t@h/p",
		},
		{
			name:    "databricks incomplete",
			profile: config.DataSourceProfile{Name: "compliance", Driver: "databricks", Host: "h"},
			wantErr: true,
		},
		{
			name: "snowflake",
			profile: config.DataSourceProfile{
				Name: "performance", Driver: "snowflake",
				Account: "acme-xy12345", User: "auditor", Password: "pw",
				Database: "ANALYTICS", Warehouse: "AUDIT_WH", Role: "AUDITOR",
			},
			wantDriver: "snowflake",
			contains:   []string{"auditor", "acme-xy12345", "ANALYTICS", "warehouse=AUDIT_WH", "role=AUDITOR"},
		},
		{
			name:    "snowflake without account",
			profile: config.DataSourceProfile{Name: "performance", Driver: "snowflake", User: "u", Password: "p"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driverName, dsn, err := BuildDSN(&tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driverName)
			if tt.wantDSN != "" {
				assert.Equal(t, tt.wantDSN, dsn)
			}
			for _, part := range tt.contains {
				assert.Contains(t, dsn, part)
			}
		})
	}
}
