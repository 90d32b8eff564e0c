package adapters

import (
	"github.com/de-tools/health-audit/pkg/models/api"
	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/trend"
)

func MapSeverityCountsDomainToApi(c domain.SeverityCounts) api.SeverityCounts {
	return api.SeverityCounts{
		Critical: c.Critical,
		Major:    c.Major,
		Minor:    c.Minor,
		Total:    c.Total(),
	}
}

func MapRunSummaryDomainToApi(s domain.RunSummary) api.RunSummary {
	return api.RunSummary{
		RunID:                s.RunID,
		OverallScore:         s.OverallScore,
		RiskLevel:            string(s.RiskLevel),
		Counts:               MapSeverityCountsDomainToApi(s.Counts),
		ExecutionTimeSeconds: s.ExecutionTime.Seconds(),
	}
}

func MapAuditRunDomainToApi(r domain.AuditRun) api.AuditRun {
	return api.AuditRun{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		TriggeredBy:          r.TriggeredBy,
		Environment:          r.Environment,
		Revision:             r.Revision,
		CreatedAt:            r.CreatedAt,
		OverallScore:         r.OverallScore,
		RiskLevel:            string(r.RiskLevel),
		Counts:               MapSeverityCountsDomainToApi(r.Counts),
		ExecutionTimeSeconds: r.ExecutionTimeSeconds,
	}
}

func MapAuditRunsDomainToApi(runs []domain.AuditRun) []api.AuditRun {
	res := make([]api.AuditRun, 0, len(runs))
	for _, r := range runs {
		res = append(res, MapAuditRunDomainToApi(r))
	}
	return res
}

func MapDimensionScoreDomainToApi(s domain.DimensionScore) api.DimensionScore {
	return api.DimensionScore{
		ID:             s.ID,
		Dimension:      string(s.Dimension),
		Score:          s.Score,
		MaxScore:       s.MaxScore,
		Counts:         MapSeverityCountsDomainToApi(s.Counts),
		RawSignals:     s.RawSignals,
		ScoringVersion: s.ScoringVersion,
		Confidence:     string(s.Confidence),
	}
}

func MapFindingDomainToApi(f domain.Finding) api.Finding {
	res := api.Finding{
		ID:             f.ID,
		RunID:          f.RunID,
		Dimension:      string(f.Dimension),
		Severity:       string(f.Severity),
		Title:          f.Title,
		Description:    f.Description,
		Recommendation: f.Recommendation,
		FilePath:       f.FilePath,
		LineNumber:     f.LineNumber,
		Revision:       f.Revision,
		Status:         string(f.Status),
	}
	if f.Acknowledgment != nil {
		res.Acknowledgment = &api.Acknowledgment{
			By:   f.Acknowledgment.By,
			At:   f.Acknowledgment.At,
			Note: f.Acknowledgment.Note,
		}
	}
	return res
}

func MapRunDetailDomainToApi(d domain.RunDetail) api.RunDetail {
	res := api.RunDetail{
		Run:      MapAuditRunDomainToApi(d.Run),
		Scores:   make([]api.DimensionScore, 0, len(d.Scores)),
		Findings: make([]api.Finding, 0, len(d.Findings)),
	}
	for _, s := range d.Scores {
		res.Scores = append(res.Scores, MapDimensionScoreDomainToApi(s))
	}
	for _, f := range d.Findings {
		res.Findings = append(res.Findings, MapFindingDomainToApi(f))
	}
	return res
}

func MapTrendDomainToApi(s trend.Series) api.Trend {
	res := api.Trend{
		Dimension: string(s.Dimension),
		Since:     s.Since,
		Delta:     s.Delta(),
		Points:    make([]api.TrendPoint, 0, s.Len()),
	}
	for _, p := range s.Points() {
		res.Points = append(res.Points, api.TrendPoint{
			RunID:          p.RunID,
			Timestamp:      p.Timestamp,
			Score:          p.Score,
			MaxScore:       p.MaxScore,
			ScoringVersion: p.ScoringVersion,
			Confidence:     string(p.Confidence),
		})
	}
	return res
}

func MapRegressionAlertsDomainToApi(alerts []domain.RegressionAlert) []api.RegressionAlert {
	res := make([]api.RegressionAlert, 0, len(alerts))
	for _, a := range alerts {
		res = append(res, api.RegressionAlert{
			Dimension:          string(a.Dimension),
			PreviousRunID:      a.PreviousRunID,
			CurrentRunID:       a.CurrentRunID,
			PreviousScore:      a.PreviousScore,
			CurrentScore:       a.CurrentScore,
			Delta:              a.Delta,
			DetectedAt:         a.DetectedAt,
			MethodologyChanged: a.MethodologyChanged,
		})
	}
	return res
}

func MapRunDiffDomainToApi(d domain.RunDiff) api.RunDiff {
	res := api.RunDiff{
		BaseRunID:        d.BaseRunID,
		ComparisonRunID:  d.ComparisonRunID,
		ScoreDelta:       d.ScoreDelta,
		BaseRisk:         string(d.BaseRisk),
		ComparisonRisk:   string(d.ComparisonRisk),
		Dimensions:       make([]api.DimensionDelta, 0, len(d.Dimensions)),
		NewFindings:      append([]string{}, d.NewFindings...),
		ResolvedFindings: append([]string{}, d.ResolvedFindings...),
	}
	for _, dd := range d.Dimensions {
		res.Dimensions = append(res.Dimensions, api.DimensionDelta{
			Dimension:       string(dd.Dimension),
			BaseScore:       dd.BaseScore,
			ComparisonScore: dd.ComparisonScore,
			Delta:           dd.Delta,
			Presence:        string(dd.Presence),
		})
	}
	return res
}
