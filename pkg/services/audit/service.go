package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/archive"
	"github.com/de-tools/health-audit/pkg/services/audit/coordinator"
	"github.com/de-tools/health-audit/pkg/services/audit/diff"
	"github.com/de-tools/health-audit/pkg/services/audit/trend"
	auditstore "github.com/de-tools/health-audit/pkg/store/duckdb/audit"
	"github.com/rs/zerolog"
)

const (
	DefaultRetentionDays       = 90
	DefaultRegressionThreshold = 0.5
)

// Service is the audit engine as seen by transports: the HTTP API, the CLI and the scheduler.
type Service interface {
	RunAudit(ctx context.Context, tenant, triggeredBy string) (domain.RunSummary, error)
	State(tenant string) (coordinator.State, bool)
	ListRuns(ctx context.Context, tenant string, limit int) ([]domain.AuditRun, error)
	LastRun(ctx context.Context, tenant string) (*domain.AuditRun, error)
	GetRun(ctx context.Context, tenant, runID string) (*domain.RunDetail, error)
	GetReport(ctx context.Context, tenant, runID string) (*domain.RunDetail, error)
	GetTrend(ctx context.Context, tenant string, dimension domain.Dimension, days int) (trend.Series, error)
	// GetRegressions uses the configured threshold when threshold is nil.
	GetRegressions(ctx context.Context, tenant string, threshold *float64) ([]domain.RegressionAlert, error)
	DiffRuns(ctx context.Context, tenant, baseID, comparisonID string) (*domain.RunDiff, error)
	AcknowledgeFinding(ctx context.Context, tenant, findingID, by, note string) (*domain.Finding, error)
	Prune(ctx context.Context) ([]string, error)
}

type Settings struct {
	RetentionDays       int
	RegressionThreshold float64
	RegressionWindow    int
}

type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Store       auditstore.Store
	Analyzer    *trend.Analyzer
	Diff        *diff.Engine
	// Archive is optional; reports then come from the store.
	Archive *archive.Archive
	Now     func() time.Time
}

type auditService struct {
	deps Dependencies

	mu       sync.RWMutex
	settings Settings
}

func NewService(deps Dependencies, settings Settings) (*auditService, error) {
	if deps.Coordinator == nil || deps.Store == nil || deps.Analyzer == nil || deps.Diff == nil {
		return nil, fmt.Errorf("coordinator, store, analyzer and diff engine are required")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if settings.RetentionDays <= 0 {
		settings.RetentionDays = DefaultRetentionDays
	}
	if settings.RegressionThreshold < 0 {
		return nil, fmt.Errorf("regression threshold must be non-negative")
	}
	if settings.RegressionWindow <= 1 {
		settings.RegressionWindow = trend.DefaultRunWindow
	}
	return &auditService{deps: deps, settings: settings}, nil
}

// SetRegressionThreshold changes the default threshold used by GetRegressions.
func (s *auditService) SetRegressionThreshold(threshold float64) error {
	if threshold < 0 {
		return fmt.Errorf("regression threshold must be non-negative, got %v", threshold)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.RegressionThreshold = threshold
	return nil
}

func (s *auditService) currentSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *auditService) RunAudit(ctx context.Context, tenant, triggeredBy string) (domain.RunSummary, error) {
	return s.deps.Coordinator.Run(ctx, tenant, triggeredBy)
}

func (s *auditService) State(tenant string) (coordinator.State, bool) {
	return s.deps.Coordinator.State(tenant)
}

func (s *auditService) ListRuns(ctx context.Context, tenant string, limit int) ([]domain.AuditRun, error) {
	return s.deps.Store.ListRecent(ctx, tenant, limit)
}

// LastRun returns the tenant's most recent run, or nil when it has none.
func (s *auditService) LastRun(ctx context.Context, tenant string) (*domain.AuditRun, error) {
	runs, err := s.deps.Store.ListRecent(ctx, tenant, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *auditService) GetRun(ctx context.Context, tenant, runID string) (*domain.RunDetail, error) {
	return s.deps.Store.Get(ctx, tenant, runID)
}

// GetReport serves the archived document of a run, falling back to the store when the
// artifact is missing or unreadable.
func (s *auditService) GetReport(ctx context.Context, tenant, runID string) (*domain.RunDetail, error) {
	if s.deps.Archive != nil {
		detail, err := s.deps.Archive.Load(runID)
		switch {
		case err == nil && detail.Run.TenantID == tenant:
			return detail, nil
		case err == nil:
			return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		case !errors.Is(err, domain.ErrNotFound):
			zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("failed to load archived report")
		}
	}
	return s.deps.Store.Get(ctx, tenant, runID)
}

func (s *auditService) GetTrend(ctx context.Context, tenant string, dimension domain.Dimension, days int) (trend.Series, error) {
	return s.deps.Analyzer.Trend(ctx, tenant, dimension, days)
}

func (s *auditService) GetRegressions(ctx context.Context, tenant string, threshold *float64) ([]domain.RegressionAlert, error) {
	settings := s.currentSettings()
	t := settings.RegressionThreshold
	if threshold != nil {
		t = *threshold
	}
	return s.deps.Analyzer.Regressions(ctx, tenant, t, settings.RegressionWindow)
}

func (s *auditService) DiffRuns(ctx context.Context, tenant, baseID, comparisonID string) (*domain.RunDiff, error) {
	return s.deps.Diff.Diff(ctx, tenant, baseID, comparisonID)
}

func (s *auditService) AcknowledgeFinding(ctx context.Context, tenant, findingID, by, note string) (*domain.Finding, error) {
	if by == "" {
		return nil, fmt.Errorf("acknowledging user is required")
	}
	ack := domain.Acknowledgment{By: by, At: s.deps.Now(), Note: note}
	finding, err := s.deps.Store.Acknowledge(ctx, tenant, findingID, ack)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("tenant", tenant).
		Str("finding_id", findingID).
		Str("by", by).
		Msg("finding acknowledged")
	s.rearchive(ctx, tenant, finding.RunID)
	return finding, nil
}

// rearchive rewrites the artifacts of a run from the store after one of its findings changed.
func (s *auditService) rearchive(ctx context.Context, tenant, runID string) {
	if s.deps.Archive == nil {
		return
	}
	detail, err := s.deps.Store.Get(ctx, tenant, runID)
	if err == nil {
		err = s.deps.Archive.Write(ctx, *detail)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("failed to refresh archived report")
	}
}

// Prune applies the retention policy to every tenant and drops the archived artifacts of
// the removed runs.
func (s *auditService) Prune(ctx context.Context) ([]string, error) {
	pruned, err := s.deps.Store.PruneOlderThan(ctx, s.currentSettings().RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("prune audit runs: %w", err)
	}
	if s.deps.Archive != nil && len(pruned) > 0 {
		if err := s.deps.Archive.Remove(ctx, pruned...); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to remove archived reports of pruned runs")
		}
	}
	return pruned, nil
}
