package scanner

import (
	"context"
	"fmt"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/rs/zerolog"
)

type QuerySettings struct {
	MaxScore       float64
	Penalties      Penalties
	ScoringVersion string
}

// QueryScanner runs a dimension's declarative checks against its data source.
type QueryScanner struct {
	dimension domain.Dimension
	checks    []Check
	settings  QuerySettings
}

func NewQueryScanner(dimension domain.Dimension, checks []Check, settings QuerySettings) *QueryScanner {
	return &QueryScanner{
		dimension: dimension,
		checks:    checks,
		settings:  settings,
	}
}

func (q *QueryScanner) Dimension() domain.Dimension {
	return q.dimension
}

func (q *QueryScanner) Scan(ctx context.Context, src Querier) (Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("dimension", string(q.dimension)).Logger()

	if src == nil {
		return Result{}, Unavailable(fmt.Errorf("no data source for %s", q.dimension))
	}
	if err := src.PingContext(ctx); err != nil {
		return Result{}, Unavailable(err)
	}

	signals := make(map[string]any, len(q.checks))
	var findings []domain.Finding
	executed := 0
	penalty := 0.0

	for _, check := range q.checks {
		var count int64
		err := src.QueryRowContext(ctx, check.Query).Scan(&count)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, Unavailable(ctx.Err())
			}
			logger.Warn().Err(err).Str("check", check.Title).Msg("check query failed")
			signals[check.Title] = map[string]any{"error": err.Error()}
			continue
		}
		executed++
		signals[check.Title] = count

		if count == 0 {
			continue
		}
		severity := domain.Severity(check.Severity)
		penalty += q.settings.Penalties.For(severity)
		findings = append(findings, domain.Finding{
			Dimension:      q.dimension,
			Severity:       severity,
			Title:          check.Title,
			Description:    fmt.Sprintf("%s (%d affected records)", check.Description, count),
			Recommendation: check.Recommendation,
			FilePath:       check.File,
			LineNumber:     check.Line,
			Status:         domain.FindingOpen,
		})
	}

	if executed == 0 {
		return Result{}, Unavailable(fmt.Errorf("none of %d checks could be executed", len(q.checks)))
	}

	score := q.settings.MaxScore - penalty
	if score < 0 {
		score = 0
	}

	return Result{
		Score: domain.DimensionScore{
			Dimension:      q.dimension,
			Score:          score,
			MaxScore:       q.settings.MaxScore,
			Counts:         domain.CountFindings(findings),
			RawSignals:     signals,
			ScoringVersion: q.settings.ScoringVersion,
			Confidence:     confidenceFor(executed, len(q.checks)),
		},
		Findings: findings,
	}, nil
}

func confidenceFor(executed, total int) domain.Confidence {
	switch {
	case total > 0 && executed == total:
		return domain.ConfidenceHigh
	case executed*2 >= total:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}
