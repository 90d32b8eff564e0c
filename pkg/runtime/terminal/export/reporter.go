package export

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/trend"
)

type TableConfig struct {
	IDWidth     int
	ScoreWidth  int
	RiskWidth   int
	DetailWidth int
}

func DefaultTableConfig() TableConfig {
	return TableConfig{
		IDWidth:     36,
		ScoreWidth:  8,
		RiskWidth:   10,
		DetailWidth: 48,
	}
}

const summaryTemplate = `
Audit run {{.RunID}}
Overall score: {{printf "%.2f" .OverallScore}} / 5.00 ({{.RiskLevel}})
Findings: {{.Counts.Critical}} critical, {{.Counts.Major}} major, {{.Counts.Minor}} minor
Execution time: {{printf "%.2f" .ExecutionTime.Seconds}}s
`

const runsTemplate = `
{{separator}}
{{formatRow "Run" "Score" "Risk" "Created"}}
{{separator}}
{{range .}}{{formatRow .ID (printf "%.2f" .OverallScore) (print .RiskLevel) (.CreatedAt.Format "2006-01-02 15:04:05")}}
{{end}}{{separator}}
`

const detailTemplate = `
Audit run {{.Run.ID}} for {{.Run.TenantID}}
Created: {{.Run.CreatedAt.Format "2006-01-02 15:04:05"}} by {{.Run.TriggeredBy}}{{if .Run.Revision}} at {{.Run.Revision}}{{end}}
Overall score: {{printf "%.2f" .Run.OverallScore}} / 5.00 ({{.Run.RiskLevel}})

=== Dimensions ===
{{separator}}
{{formatRow "Dimension" "Score" "Confidence" "Findings"}}
{{separator}}
{{range .Scores}}{{formatRow (print .Dimension) (printf "%.2f" .Score) (print .Confidence) (printf "%d critical, %d major, %d minor" .Counts.Critical .Counts.Major .Counts.Minor)}}
{{end}}{{separator}}

=== Findings ===
{{range .Findings}}
- [{{.Severity}}] {{.Title}} ({{.Dimension}}, {{.Status}}){{if .FilePath}}
  at {{.FilePath}}{{if .LineNumber}}:{{.LineNumber}}{{end}}{{end}}{{if .Description}}
  {{.Description}}{{end}}{{if .Recommendation}}
  Recommendation: {{.Recommendation}}{{end}}{{if .Acknowledgment}}
  Acknowledged by {{.Acknowledgment.By}} on {{.Acknowledgment.At.Format "2006-01-02"}}{{if .Acknowledgment.Note}}: {{.Acknowledgment.Note}}{{end}}{{end}}
{{else}}
No findings.
{{end}}`

const trendTemplate = `
{{.Dimension}} since {{.Since.Format "2006-01-02"}} ({{.Len}} points, delta {{printf "%+.2f" .Delta}})
{{separator}}
{{formatRow "Run" "Score" "Confidence" "Observed"}}
{{separator}}
{{range $i, $p := .Points}}{{formatRow $p.RunID (printf "%.2f" $p.Score) (print $p.Confidence) ($p.Timestamp.Format "2006-01-02 15:04:05")}}
{{end}}{{separator}}
`

const regressionsTemplate = `
{{if not .}}No regressions detected.
{{else}}{{range .}}- {{.Dimension}}: {{printf "%.2f" .PreviousScore}} -> {{printf "%.2f" .CurrentScore}} (drop {{printf "%.2f" .Delta}}) between {{.PreviousRunID}} and {{.CurrentRunID}}{{if .MethodologyChanged}} [scoring methodology changed]{{end}}
{{end}}{{end}}`

const diffTemplate = `
{{.BaseRunID}} -> {{.ComparisonRunID}}
Overall: {{printf "%+.2f" .ScoreDelta}} ({{.BaseRisk}} -> {{.ComparisonRisk}})

{{range .Dimensions}}- {{.Dimension}}: {{printf "%.2f" .BaseScore}} -> {{printf "%.2f" .ComparisonScore}} ({{printf "%+.2f" .Delta}}){{if ne .Presence "both"}} [{{.Presence}}]{{end}}
{{end}}
New findings:{{range .NewFindings}}
  + {{.}}{{else}} none{{end}}
Resolved findings:{{range .ResolvedFindings}}
  - {{.}}{{else}} none{{end}}
`

type Reporter struct {
	writer io.Writer
	config TableConfig
	tmpl   *template.Template
}

func NewReporter(writer io.Writer) *Reporter {
	if writer == nil {
		writer = os.Stdout
	}
	r := &Reporter{
		writer: writer,
		config: DefaultTableConfig(),
	}

	funcMap := template.FuncMap{
		"formatRow": func(id, score, risk, detail string) string {
			return fmt.Sprintf("| %-*s | %-*s | %-*s | %-*s |",
				r.config.IDWidth, id,
				r.config.ScoreWidth, score,
				r.config.RiskWidth, risk,
				r.config.DetailWidth, detail)
		},
		"separator": func() string {
			return fmt.Sprintf("+%s+%s+%s+%s+",
				strings.Repeat("-", r.config.IDWidth+2),
				strings.Repeat("-", r.config.ScoreWidth+2),
				strings.Repeat("-", r.config.RiskWidth+2),
				strings.Repeat("-", r.config.DetailWidth+2))
		},
	}

	r.tmpl = template.New("audit").Funcs(funcMap)
	for name, text := range map[string]string{
		"summary":     summaryTemplate,
		"runs":        runsTemplate,
		"detail":      detailTemplate,
		"trend":       trendTemplate,
		"regressions": regressionsTemplate,
		"diff":        diffTemplate,
	} {
		template.Must(r.tmpl.New(name).Parse(text))
	}
	return r
}

func (r *Reporter) render(name string, data any) error {
	if err := r.tmpl.ExecuteTemplate(r.writer, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	return nil
}

func (r *Reporter) Summary(s domain.RunSummary) error {
	return r.render("summary", s)
}

func (r *Reporter) Runs(runs []domain.AuditRun) error {
	return r.render("runs", runs)
}

func (r *Reporter) Detail(d *domain.RunDetail) error {
	return r.render("detail", d)
}

func (r *Reporter) Trend(s trend.Series) error {
	return r.render("trend", s)
}

func (r *Reporter) Regressions(alerts []domain.RegressionAlert) error {
	return r.render("regressions", alerts)
}

func (r *Reporter) Diff(d *domain.RunDiff) error {
	return r.render("diff", d)
}

func (r *Reporter) Acknowledged(f *domain.Finding) error {
	_, err := fmt.Fprintf(r.writer, "Finding %s (%s) acknowledged by %s\n", f.ID, f.Title, f.Acknowledgment.By)
	return err
}

func (r *Reporter) Pruned(runIDs []string) error {
	_, err := fmt.Fprintf(r.writer, "Pruned %d audit runs\n", len(runIDs))
	return err
}
