package diff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/store/duckdb/audit"
	"golang.org/x/exp/maps"
)

// Engine compares two persisted runs of the same tenant.
type Engine struct {
	store audit.Store
}

func NewEngine(store audit.Store) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is nil")
	}
	return &Engine{store: store}, nil
}

// Diff reports how comparison differs from base. Findings are matched by title only.
// A missing run fails with an error matching both domain.ErrInvalidDiffTarget and
// domain.ErrNotFound.
func (e *Engine) Diff(ctx context.Context, tenant, baseID, comparisonID string) (*domain.RunDiff, error) {
	base, err := e.load(ctx, tenant, baseID)
	if err != nil {
		return nil, err
	}
	comparison, err := e.load(ctx, tenant, comparisonID)
	if err != nil {
		return nil, err
	}
	return Compare(base, comparison), nil
}

func (e *Engine) load(ctx context.Context, tenant, runID string) (*domain.RunDetail, error) {
	detail, err := e.store.Get(ctx, tenant, runID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: run %s: %w", domain.ErrInvalidDiffTarget, runID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return detail, nil
}

// Compare computes the difference between two loaded runs.
func Compare(base, comparison *domain.RunDetail) *domain.RunDiff {
	d := &domain.RunDiff{
		BaseRunID:       base.Run.ID,
		ComparisonRunID: comparison.Run.ID,
		ScoreDelta:      round(comparison.Run.OverallScore-base.Run.OverallScore, 2),
		BaseRisk:        base.Run.RiskLevel,
		ComparisonRisk:  comparison.Run.RiskLevel,
	}

	baseScores := scoresByDimension(base.Scores)
	cmpScores := scoresByDimension(comparison.Scores)

	dims := maps.Keys(baseScores)
	for dim := range cmpScores {
		if _, ok := baseScores[dim]; !ok {
			dims = append(dims, dim)
		}
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

	d.Dimensions = make([]domain.DimensionDelta, 0, len(dims))
	for _, dim := range dims {
		b, inBase := baseScores[dim]
		c, inCmp := cmpScores[dim]

		delta := domain.DimensionDelta{Dimension: dim, BaseScore: b, ComparisonScore: c}
		switch {
		case inBase && inCmp:
			delta.Presence = domain.PresenceBoth
		case inBase:
			delta.Presence = domain.PresenceBaseOnly
		default:
			delta.Presence = domain.PresenceComparisonOnly
		}
		delta.Delta = round(c-b, 2)
		d.Dimensions = append(d.Dimensions, delta)
	}

	baseTitles := titleSet(base.Findings)
	cmpTitles := titleSet(comparison.Findings)
	d.NewFindings = setDifference(cmpTitles, baseTitles)
	d.ResolvedFindings = setDifference(baseTitles, cmpTitles)

	return d
}

func scoresByDimension(scores []domain.DimensionScore) map[domain.Dimension]float64 {
	out := make(map[domain.Dimension]float64, len(scores))
	for _, s := range scores {
		out[s.Dimension] = s.Score
	}
	return out
}

func titleSet(findings []domain.Finding) map[string]struct{} {
	out := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		out[f.Title] = struct{}{}
	}
	return out
}

// setDifference returns the sorted members of a that are not in b.
func setDifference(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for _, k := range maps.Keys(a) {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
