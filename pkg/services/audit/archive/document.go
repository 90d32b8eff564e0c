package archive

import (
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
)

// document is the on-disk JSON layout of an archived run.
type document struct {
	Run      runDocument       `json:"run"`
	Scores   []scoreDocument   `json:"scores"`
	Findings []findingDocument `json:"findings"`
}

type countsDocument struct {
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Minor    int `json:"minor"`
}

type runDocument struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"tenant_id"`
	TriggeredBy          string         `json:"triggered_by"`
	Environment          string         `json:"environment,omitempty"`
	Revision             string         `json:"commit_sha,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	OverallScore         float64        `json:"overall_score"`
	RiskLevel            string         `json:"risk_level"`
	Counts               countsDocument `json:"severity_counts"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
}

type scoreDocument struct {
	ID             string         `json:"id"`
	Dimension      string         `json:"dimension"`
	Score          float64        `json:"score"`
	MaxScore       float64        `json:"max_score"`
	Counts         countsDocument `json:"severity_counts"`
	RawSignals     map[string]any `json:"raw_signals,omitempty"`
	ScoringVersion string         `json:"scoring_version"`
	Confidence     string         `json:"confidence_level"`
}

type findingDocument struct {
	ID             string     `json:"id"`
	Dimension      string     `json:"dimension"`
	Severity       string     `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	FilePath       string     `json:"file_path,omitempty"`
	LineNumber     int        `json:"line_number,omitempty"`
	Revision       string     `json:"commit_sha,omitempty"`
	Status         string     `json:"status"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Note           string     `json:"acknowledgment_note,omitempty"`
}

func toCounts(c domain.SeverityCounts) countsDocument {
	return countsDocument{Critical: c.Critical, Major: c.Major, Minor: c.Minor}
}

func fromCounts(c countsDocument) domain.SeverityCounts {
	return domain.SeverityCounts{Critical: c.Critical, Major: c.Major, Minor: c.Minor}
}

func newDocument(d domain.RunDetail) document {
	doc := document{
		Run: runDocument{
			ID:                   d.Run.ID,
			TenantID:             d.Run.TenantID,
			TriggeredBy:          d.Run.TriggeredBy,
			Environment:          d.Run.Environment,
			Revision:             d.Run.Revision,
			CreatedAt:            d.Run.CreatedAt,
			OverallScore:         d.Run.OverallScore,
			RiskLevel:            string(d.Run.RiskLevel),
			Counts:               toCounts(d.Run.Counts),
			ExecutionTimeSeconds: d.Run.ExecutionTimeSeconds,
		},
		Scores:   make([]scoreDocument, 0, len(d.Scores)),
		Findings: make([]findingDocument, 0, len(d.Findings)),
	}
	for _, s := range d.Scores {
		doc.Scores = append(doc.Scores, scoreDocument{
			ID:             s.ID,
			Dimension:      string(s.Dimension),
			Score:          s.Score,
			MaxScore:       s.MaxScore,
			Counts:         toCounts(s.Counts),
			RawSignals:     s.RawSignals,
			ScoringVersion: s.ScoringVersion,
			Confidence:     string(s.Confidence),
		})
	}
	for _, f := range d.Findings {
		fd := findingDocument{
			ID:             f.ID,
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
			at := f.Acknowledgment.At
			fd.AcknowledgedBy = f.Acknowledgment.By
			fd.AcknowledgedAt = &at
			fd.Note = f.Acknowledgment.Note
		}
		doc.Findings = append(doc.Findings, fd)
	}
	return doc
}

func (doc document) detail() *domain.RunDetail {
	d := &domain.RunDetail{
		Run: domain.AuditRun{
			ID:                   doc.Run.ID,
			TenantID:             doc.Run.TenantID,
			TriggeredBy:          doc.Run.TriggeredBy,
			Environment:          doc.Run.Environment,
			Revision:             doc.Run.Revision,
			CreatedAt:            doc.Run.CreatedAt,
			OverallScore:         doc.Run.OverallScore,
			RiskLevel:            domain.RiskLevel(doc.Run.RiskLevel),
			Counts:               fromCounts(doc.Run.Counts),
			ExecutionTimeSeconds: doc.Run.ExecutionTimeSeconds,
		},
	}
	for _, s := range doc.Scores {
		d.Scores = append(d.Scores, domain.DimensionScore{
			ID:             s.ID,
			RunID:          doc.Run.ID,
			Dimension:      domain.Dimension(s.Dimension),
			Score:          s.Score,
			MaxScore:       s.MaxScore,
			Counts:         fromCounts(s.Counts),
			RawSignals:     s.RawSignals,
			ScoringVersion: s.ScoringVersion,
			Confidence:     domain.Confidence(s.Confidence),
		})
	}
	for _, f := range doc.Findings {
		finding := domain.Finding{
			ID:             f.ID,
			RunID:          doc.Run.ID,
			Dimension:      domain.Dimension(f.Dimension),
			Severity:       domain.Severity(f.Severity),
			Title:          f.Title,
			Description:    f.Description,
			Recommendation: f.Recommendation,
			FilePath:       f.FilePath,
			LineNumber:     f.LineNumber,
			Revision:       f.Revision,
			Status:         domain.FindingStatus(f.Status),
		}
		if f.AcknowledgedAt != nil {
			finding.Acknowledgment = &domain.Acknowledgment{
				By:   f.AcknowledgedBy,
				At:   *f.AcknowledgedAt,
				Note: f.Note,
			}
		}
		d.Findings = append(d.Findings, finding)
	}
	return d
}
