package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/archive"
	"github.com/de-tools/health-audit/pkg/services/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const checks = `scoring_version: v2
max_score: 5
dimensions:
  security:
    - title: Users without password
      severity: critical
      query: SELECT COUNT(*) FROM users WHERE password_hash IS NULL
  data_integrity:
    - title: Orders without customer
      severity: major
      query: SELECT COUNT(*) FROM orders WHERE customer_id IS NULL
`

type fixture struct {
	dir string
	cfg *config.Config
}

func newFixture(t *testing.T, lock string) *fixture {
	t.Helper()
	dir := t.TempDir()

	business := filepath.Join(dir, "business.db")
	db, err := sql.Open("sqlite", business)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, password_hash TEXT)`,
		`INSERT INTO users VALUES (1, 'x'), (2, NULL)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// data_integrity has no profile and degrades to unavailable.
	profiles := fmt.Sprintf("[security]\ndriver = sqlite\ndsn = %s\n", business)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "datasources.ini"), []byte(profiles), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checks.yaml"), []byte(checks), 0o644))

	yaml := fmt.Sprintf(`store:
  path: %s
archive:
  dir: %s
engine:
  lock: %s
data_sources:
  path: %s
checks:
  path: %s
`,
		filepath.Join(dir, "audit.duckdb"),
		filepath.Join(dir, "reports"),
		lock,
		filepath.Join(dir, "datasources.ini"),
		filepath.Join(dir, "checks.yaml"),
	)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return &fixture{dir: dir, cfg: cfg}
}

func TestNew_RunsAuditEndToEnd(t *testing.T) {
	for _, lock := range []string{config.LockMemory, config.LockClaim} {
		t.Run(lock, func(t *testing.T) {
			f := newFixture(t, lock)
			ctx := context.Background()

			app, err := New(ctx, f.cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.Close() })

			summary, err := app.Service.RunAudit(ctx, "acme", "tester")
			require.NoError(t, err)

			detail, err := app.Service.GetRun(ctx, "acme", summary.RunID)
			require.NoError(t, err)
			require.Len(t, detail.Scores, 2)

			byDim := map[domain.Dimension]domain.DimensionScore{}
			for _, s := range detail.Scores {
				byDim[s.Dimension] = s
			}
			assert.InDelta(t, 3.0, byDim[domain.DimensionSecurity].Score, 1e-9)
			assert.Equal(t, "v2", byDim[domain.DimensionSecurity].ScoringVersion)
			assert.InDelta(t, 2.5, byDim[domain.DimensionDataIntegrity].Score, 1e-9)
			assert.Equal(t, domain.ConfidenceLow, byDim[domain.DimensionDataIntegrity].Confidence)
			assert.Equal(t, 1, summary.Counts.Critical)

			_, err = os.Stat(filepath.Join(f.dir, "reports", archive.FileName(summary.RunID, archive.ExtJSON)))
			assert.NoError(t, err)
		})
	}
}

func TestNew_RequiresChecks(t *testing.T) {
	f := newFixture(t, config.LockMemory)
	f.cfg.Checks.Path = filepath.Join(f.dir, "absent.yaml")

	_, err := New(context.Background(), f.cfg)
	assert.Error(t, err)
}

func TestApp_Reload(t *testing.T) {
	f := newFixture(t, config.LockMemory)
	ctx := context.Background()

	app, err := New(ctx, f.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	next := *f.cfg
	next.Engine.Thresholds.Low = 4.5
	next.Engine.RegressionThreshold = 1.0
	require.NoError(t, app.Reload(ctx, &next))
	assert.Equal(t, 4.5, app.engine.Thresholds().Low)

	bad := *f.cfg
	bad.Engine.Thresholds.Low = 1
	assert.Error(t, app.Reload(ctx, &bad))
	assert.Equal(t, 4.5, app.engine.Thresholds().Low)
}
