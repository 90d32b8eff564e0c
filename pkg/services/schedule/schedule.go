package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/rs/zerolog"
)

const (
	TriggeredBy  = "scheduler"
	PruneEvery   = 24 * time.Hour
	DefaultTick  = time.Minute
	everyPrefix  = "@every "
	defaultEvery = 24 * time.Hour
)

// Policy decides whether a tenant is due for another audit.
type Policy interface {
	Due(last, now time.Time) bool
}

// IntervalPolicy runs an audit once the previous one is at least Interval old.
type IntervalPolicy struct {
	Interval time.Duration
}

func (p IntervalPolicy) Due(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(last.Add(p.Interval))
}

func (p IntervalPolicy) String() string {
	return "@every " + p.Interval.String()
}

// ParseInterval accepts @hourly, @daily, @midnight, @weekly, "@every <duration>" or a bare duration.
func ParseInterval(expr string) (IntervalPolicy, error) {
	expr = strings.TrimSpace(expr)
	var d time.Duration
	switch expr {
	case "":
		d = defaultEvery
	case "@hourly":
		d = time.Hour
	case "@daily", "@midnight":
		d = 24 * time.Hour
	case "@weekly":
		d = 7 * 24 * time.Hour
	default:
		raw := strings.TrimPrefix(expr, everyPrefix)
		parsed, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return IntervalPolicy{}, fmt.Errorf("invalid schedule interval %q: %w", expr, err)
		}
		d = parsed
	}
	if d <= 0 {
		return IntervalPolicy{}, fmt.Errorf("schedule interval %q must be positive", expr)
	}
	return IntervalPolicy{Interval: d}, nil
}

// Runner is the part of the audit service the scheduler drives.
type Runner interface {
	RunAudit(ctx context.Context, tenant, triggeredBy string) (domain.RunSummary, error)
	LastRun(ctx context.Context, tenant string) (*domain.AuditRun, error)
	Prune(ctx context.Context) ([]string, error)
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

type Scheduler struct {
	runner  Runner
	tenants []string
	tick    time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	policy    Policy
	lastPrune time.Time
}

func New(runner Runner, policy Policy, tenants []string, tick time.Duration, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("schedule policy is required")
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Scheduler{
		runner:  runner,
		policy:  policy,
		tenants: append([]string(nil), tenants...),
		tick:    tick,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetPolicy swaps the policy used from the next tick on.
func (s *Scheduler) SetPolicy(p Policy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// SetInterval parses expr and swaps in the resulting interval policy. The current policy is
// kept when expr is invalid.
func (s *Scheduler) SetInterval(expr string) error {
	policy, err := ParseInterval(expr)
	if err != nil {
		return err
	}
	s.SetPolicy(policy)
	return nil
}

func (s *Scheduler) currentPolicy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Strs("tenants", s.tenants).
		Dur("tick", s.tick).
		Msg("audit scheduler started")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("audit scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every due tenant and, at most once a day, the retention sweep.
// It returns the tenants for which a run completed.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	policy := s.currentPolicy()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed []string
	)
	for _, tenant := range s.tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			if s.runTenant(ctx, policy, tenant, now) {
				mu.Lock()
				completed = append(completed, tenant)
				mu.Unlock()
			}
		}(tenant)
	}
	wg.Wait()

	s.maybePrune(ctx, now)
	return completed
}

func (s *Scheduler) runTenant(ctx context.Context, policy Policy, tenant string, now time.Time) bool {
	logger := zerolog.Ctx(ctx).With().Str("tenant", tenant).Logger()

	last, err := s.runner.LastRun(ctx, tenant)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read last audit run")
		return false
	}
	var lastAt time.Time
	if last != nil {
		lastAt = last.CreatedAt
	}
	if !policy.Due(lastAt, now) {
		return false
	}

	summary, err := s.runner.RunAudit(logger.WithContext(ctx), tenant, TriggeredBy)
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		logger.Debug().Msg("audit run already in progress, skipping")
		return false
	case err != nil:
		logger.Error().Err(err).Msg("scheduled audit run failed")
		return false
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Float64("overall_score", summary.OverallScore).
		Str("risk_level", string(summary.RiskLevel)).
		Msg("scheduled audit run completed")
	return true
}

func (s *Scheduler) maybePrune(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < PruneEvery {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	pruned, err := s.runner.Prune(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("retention sweep failed")
		return
	}
	if len(pruned) > 0 {
		zerolog.Ctx(ctx).Info().Int("runs", len(pruned)).Msg("retention sweep removed audit runs")
	}
}
