package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/scanner"
	"github.com/de-tools/health-audit/pkg/services/audit/scoring"
	"github.com/de-tools/health-audit/pkg/store/duckdb/audit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type State string

const (
	StatePending    State = "pending"
	StateScanning   State = "scanning"
	StateScoring    State = "scoring"
	StatePersisting State = "persisting"
	StateArchived   State = "archived"
	StateFailed     State = "failed"
)

// Active reports whether a run in this state is still executing.
func (s State) Active() bool {
	return s != StateArchived && s != StateFailed && s != ""
}

// Archiver exports a persisted run. Its failures never fail the run.
type Archiver interface {
	Write(ctx context.Context, detail domain.RunDetail) error
}

type Settings struct {
	// RunTimeout bounds the whole run, scanning through persistence.
	RunTimeout time.Duration
	// ScannerTimeout bounds a single dimension scan; exceeding it counts as unavailable data.
	ScannerTimeout time.Duration
	// NeutralDefault is the fraction of max score given to a dimension whose data was unreachable.
	NeutralDefault float64
	MaxScore       float64
	ScoringVersion string
	Environment    string
	Revision       string
}

func DefaultSettings() Settings {
	return Settings{
		RunTimeout:     2 * time.Minute,
		ScannerTimeout: 30 * time.Second,
		NeutralDefault: 0.5,
		MaxScore:       scoring.Scale,
		ScoringVersion: "v1",
		Environment:    "development",
	}
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archive = a }
}

func WithLocker(l Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// Coordinator executes audit runs: Pending -> Scanning -> Scoring -> Persisting -> Archived,
// or Failed when the deadline passes or persistence fails.
type Coordinator struct {
	registry *scanner.Registry
	sources  scanner.SourceProvider
	engine   *scoring.Engine
	store    audit.Store
	archive  Archiver
	locker   Locker
	settings Settings
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	states map[string]State
}

func New(
	registry *scanner.Registry,
	sources scanner.SourceProvider,
	engine *scoring.Engine,
	store audit.Store,
	settings Settings,
	opts ...Option,
) (*Coordinator, error) {
	if registry == nil || len(registry.Scanners()) == 0 {
		return nil, fmt.Errorf("at least one scanner must be registered")
	}
	if sources == nil || engine == nil || store == nil {
		return nil, fmt.Errorf("sources, engine and store are required")
	}
	if settings.RunTimeout <= 0 || settings.ScannerTimeout <= 0 {
		return nil, fmt.Errorf("run and scanner timeouts must be positive")
	}
	if settings.NeutralDefault < 0 || settings.NeutralDefault >= 1 {
		return nil, fmt.Errorf("neutral default must be within [0, 1), got %v", settings.NeutralDefault)
	}
	if settings.MaxScore <= 0 {
		settings.MaxScore = scoring.Scale
	}

	c := &Coordinator{
		registry: registry,
		sources:  sources,
		engine:   engine,
		store:    store,
		locker:   NewMemoryLocker(),
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		states:   make(map[string]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State reports the state of the tenant's latest run started by this process.
func (c *Coordinator) State(tenant string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[tenant]
	return s, ok
}

func (c *Coordinator) transition(ctx context.Context, tenant string, s State) {
	c.mu.Lock()
	c.states[tenant] = s
	c.mu.Unlock()
	zerolog.Ctx(ctx).Info().Str("state", string(s)).Msg("audit run state changed")
}

// Run executes one audit for tenant. A concurrent trigger for the same tenant is rejected
// with domain.ErrRunInProgress.
func (c *Coordinator) Run(ctx context.Context, tenant, triggeredBy string) (domain.RunSummary, error) {
	if tenant == "" {
		return domain.RunSummary{}, fmt.Errorf("tenant is required")
	}

	release, err := c.locker.TryAcquire(ctx, tenant)
	if err != nil {
		return domain.RunSummary{}, err
	}
	defer release()

	runID := c.newID()
	logger := zerolog.Ctx(ctx).With().
		Str("tenant", tenant).
		Str("run_id", runID).
		Logger()
	ctx = logger.WithContext(ctx)

	start := c.now()
	c.transition(ctx, tenant, StatePending)

	runCtx, cancel := context.WithTimeout(ctx, c.settings.RunTimeout)
	defer cancel()

	c.transition(ctx, tenant, StateScanning)
	outcomes, err := c.scanAll(runCtx)
	if err != nil {
		return c.fail(ctx, tenant, err)
	}

	c.transition(ctx, tenant, StateScoring)
	scores, findings := c.assemble(ctx, runID, outcomes)
	agg, err := c.engine.Aggregate(scores)
	if err != nil {
		return c.fail(ctx, tenant, fmt.Errorf("score run: %w", err))
	}

	elapsed := c.now().Sub(start)
	run := domain.AuditRun{
		ID:                   runID,
		TenantID:             tenant,
		TriggeredBy:          triggeredBy,
		Environment:          c.settings.Environment,
		Revision:             c.settings.Revision,
		CreatedAt:            c.now(),
		OverallScore:         agg.OverallScore,
		RiskLevel:            agg.RiskLevel,
		Counts:               agg.Counts,
		ExecutionTimeSeconds: elapsed.Seconds(),
	}

	c.transition(ctx, tenant, StatePersisting)
	if err := c.store.Save(runCtx, run, scores, findings); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return c.fail(ctx, tenant, fmt.Errorf("%w: %w", domain.ErrRunDeadlineExceeded, err))
		}
		return c.fail(ctx, tenant, fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}

	if c.archive != nil {
		detail := domain.RunDetail{Run: run, Scores: scores, Findings: findings}
		if err := c.archive.Write(ctx, detail); err != nil {
			logger.Warn().Err(err).Msg("failed to archive audit report")
		}
	}
	c.transition(ctx, tenant, StateArchived)

	logger.Info().
		Float64("overall_score", run.OverallScore).
		Str("risk_level", string(run.RiskLevel)).
		Int("findings", len(findings)).
		Dur("elapsed", elapsed).
		Msg("audit run completed")

	return domain.RunSummary{
		RunID:         run.ID,
		OverallScore:  run.OverallScore,
		RiskLevel:     run.RiskLevel,
		Counts:        run.Counts,
		ExecutionTime: elapsed,
	}, nil
}

func (c *Coordinator) fail(ctx context.Context, tenant string, err error) (domain.RunSummary, error) {
	c.transition(ctx, tenant, StateFailed)
	zerolog.Ctx(ctx).Error().Err(err).Msg("audit run failed")
	return domain.RunSummary{}, err
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeUnavailable
	outcomeFault
)

type outcome struct {
	dimension domain.Dimension
	kind      outcomeKind
	result    scanner.Result
	err       error
}

// scanAll runs every scanner concurrently and waits for all of them, unless the run deadline
// passes first. Late scanners are abandoned; their results land in a buffered channel nobody reads.
func (c *Coordinator) scanAll(ctx context.Context) ([]outcome, error) {
	scanners := c.registry.Scanners()
	results := make(chan outcome, len(scanners))

	for _, s := range scanners {
		go func(s scanner.Scanner) {
			results <- c.scanOne(ctx, s)
		}(s)
	}

	outcomes := make([]outcome, 0, len(scanners))
	for len(outcomes) < len(scanners) {
		select {
		case o := <-results:
			outcomes = append(outcomes, o)
		case <-ctx.Done():
			return nil, c.deadlineErr(ctx)
		}
	}
	if ctx.Err() != nil {
		return nil, c.deadlineErr(ctx)
	}
	return outcomes, nil
}

func (c *Coordinator) deadlineErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", domain.ErrRunDeadlineExceeded, c.settings.RunTimeout)
	}
	return fmt.Errorf("audit run cancelled: %w", ctx.Err())
}

func (c *Coordinator) scanOne(ctx context.Context, s scanner.Scanner) (o outcome) {
	dim := s.Dimension()
	o.dimension = dim
	logger := zerolog.Ctx(ctx).With().Str("dimension", string(dim)).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("scanner panicked")
			o = outcome{dimension: dim, kind: outcomeFault, err: fmt.Errorf("scanner panic: %v", r)}
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, c.settings.ScannerTimeout)
	defer cancel()
	scanCtx = logger.WithContext(scanCtx)

	src, err := c.sources.Source(scanCtx, dim)
	if err != nil {
		logger.Warn().Err(err).Msg("data source unavailable")
		return outcome{dimension: dim, kind: outcomeUnavailable, err: err}
	}

	res, err := s.Scan(scanCtx, src)
	switch {
	case err == nil:
		if verr := validateResult(res); verr != nil {
			logger.Error().Err(verr).Msg("scanner returned an invalid result")
			return outcome{dimension: dim, kind: outcomeFault, err: verr}
		}
		return outcome{dimension: dim, kind: outcomeOK, result: res}
	case scanner.IsUnavailable(err):
		logger.Warn().Err(err).Msg("data source unavailable")
		return outcome{dimension: dim, kind: outcomeUnavailable, err: err}
	default:
		logger.Error().Err(err).Msg("scanner fault")
		return outcome{dimension: dim, kind: outcomeFault, err: err}
	}
}

func validateResult(res scanner.Result) error {
	for _, f := range res.Findings {
		if f.Title == "" {
			return fmt.Errorf("finding without title")
		}
		if _, err := domain.ParseSeverity(string(f.Severity)); err != nil {
			return fmt.Errorf("finding %q: %w", f.Title, err)
		}
	}
	if math.IsNaN(res.Score.Score) || math.IsInf(res.Score.Score, 0) || math.IsNaN(res.Score.MaxScore) || math.IsInf(res.Score.MaxScore, 0) {
		return fmt.Errorf("non-finite score %v/%v", res.Score.Score, res.Score.MaxScore)
	}
	if res.Score.Score < 0 {
		return fmt.Errorf("negative score %v", res.Score.Score)
	}
	return nil
}

// assemble converts scanner outcomes into persisted rows. Per-dimension severity counts are
// always recomputed from the findings so run totals match the finding rows.
func (c *Coordinator) assemble(ctx context.Context, runID string, outcomes []outcome) ([]domain.DimensionScore, []domain.Finding) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].dimension < outcomes[j].dimension })

	scores := make([]domain.DimensionScore, 0, len(outcomes))
	var findings []domain.Finding

	for _, o := range outcomes {
		var (
			score       domain.DimensionScore
			dimFindings []domain.Finding
		)

		switch o.kind {
		case outcomeOK:
			score = o.result.Score
			dimFindings = o.result.Findings
			if score.MaxScore <= 0 {
				score.MaxScore = c.settings.MaxScore
			}
			if score.Score > score.MaxScore {
				zerolog.Ctx(ctx).Warn().
					Str("dimension", string(o.dimension)).
					Float64("score", score.Score).
					Msg("clamping dimension score to max")
				score.Score = score.MaxScore
			}
			if score.Confidence == "" {
				score.Confidence = domain.ConfidenceHigh
			}
		case outcomeUnavailable:
			score = domain.DimensionScore{
				MaxScore:   c.settings.MaxScore,
				Score:      c.settings.MaxScore * c.settings.NeutralDefault,
				Confidence: domain.ConfidenceLow,
				RawSignals: map[string]any{"unavailable": o.err.Error()},
			}
		case outcomeFault:
			score = domain.DimensionScore{
				MaxScore:   c.settings.MaxScore,
				Score:      0,
				Confidence: domain.ConfidenceLow,
				RawSignals: map[string]any{"fault": o.err.Error()},
			}
			dimFindings = []domain.Finding{{
				Severity:       domain.SeverityMajor,
				Title:          fmt.Sprintf("Scanner error: %s", o.dimension),
				Description:    o.err.Error(),
				Recommendation: "Inspect the scanner logs for this dimension and fix the failing check.",
			}}
		}

		score.ID = c.newID()
		score.RunID = runID
		score.Dimension = o.dimension
		if score.ScoringVersion == "" {
			score.ScoringVersion = c.settings.ScoringVersion
		}
		if score.RawSignals == nil {
			score.RawSignals = map[string]any{}
		}

		for _, f := range dimFindings {
			f.ID = c.newID()
			f.RunID = runID
			f.Dimension = o.dimension
			f.Status = domain.FindingOpen
			f.Acknowledgment = nil
			if f.Revision == "" {
				f.Revision = c.settings.Revision
			}
			findings = append(findings, f)
		}
		score.Counts = domain.CountFindings(dimFindings)
		scores = append(scores, score)
	}

	return scores, findings
}
