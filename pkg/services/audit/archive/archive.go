package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/rs/zerolog"
)

const (
	ExtJSON     = "json"
	ExtMarkdown = "md"
)

const markdownTemplate = `# Audit report {{.Run.ID}}

- Tenant: {{.Run.TenantID}}
- Triggered by: {{.Run.TriggeredBy}}
- Created at: {{.Run.CreatedAt.Format "2006-01-02 15:04:05 MST"}}
{{- if .Run.Environment}}
- Environment: {{.Run.Environment}}
{{- end}}
{{- if .Run.Revision}}
- Revision: {{.Run.Revision}}
{{- end}}
- Overall score: {{printf "%.2f" .Run.OverallScore}} / 5.00
- Risk level: {{.Run.RiskLevel}}
- Findings: {{.Run.Counts.Critical}} critical, {{.Run.Counts.Major}} major, {{.Run.Counts.Minor}} minor
- Execution time: {{printf "%.2f" .Run.ExecutionTimeSeconds}}s

## Dimensions

| Dimension | Score | Confidence | Version | Critical | Major | Minor |
|---|---|---|---|---|---|---|
{{- range .Scores}}
| {{.Dimension}} | {{printf "%.2f" .Score}} / {{printf "%.2f" .MaxScore}} | {{.Confidence}} | {{.ScoringVersion}} | {{.Counts.Critical}} | {{.Counts.Major}} | {{.Counts.Minor}} |
{{- end}}

## Findings
{{range .Findings}}
### [{{.Severity}}] {{.Title}}

- Dimension: {{.Dimension}}
- Status: {{.Status}}
{{- if .FilePath}}
- Location: {{.FilePath}}{{if .LineNumber}}:{{.LineNumber}}{{end}}
{{- end}}
{{- if .Description}}

{{.Description}}
{{- end}}
{{- if .Recommendation}}

Recommendation: {{.Recommendation}}
{{- end}}
{{else}}
No findings.
{{end}}`

// Mirror receives a copy of every archived artifact.
type Mirror interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Delete(ctx context.Context, name string) error
}

type Option func(*Archive)

func WithMirror(m Mirror) Option {
	return func(a *Archive) { a.mirror = m }
}

// Archive exports runs as audit_report_<run_id>.json and a markdown rendering of the same
// document. It is a cache of the store, never the source of truth.
type Archive struct {
	dir    string
	mirror Mirror
	tmpl   *template.Template
}

func New(dir string, opts ...Option) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	tmpl, err := template.New("report").Parse(markdownTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	a := &Archive{dir: dir, tmpl: tmpl}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// FileName returns the artifact name for a run.
func FileName(runID, ext string) string {
	return fmt.Sprintf("audit_report_%s.%s", runID, ext)
}

func (a *Archive) path(runID, ext string) (string, error) {
	if runID == "" || filepath.Base(runID) != runID || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(a.dir, FileName(runID, ext)), nil
}

// Write stores both artifacts. The JSON document goes first so the markdown never
// describes a run whose JSON is missing.
func (a *Archive) Write(ctx context.Context, detail domain.RunDetail) error {
	doc := newDocument(detail)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	var md bytes.Buffer
	if err := a.tmpl.Execute(&md, doc); err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	artifacts := []struct {
		ext         string
		data        []byte
		contentType string
	}{
		{ext: ExtJSON, data: data, contentType: "application/json"},
		{ext: ExtMarkdown, data: md.Bytes(), contentType: "text/markdown"},
	}

	logger := zerolog.Ctx(ctx)
	for _, art := range artifacts {
		p, err := a.path(detail.Run.ID, art.ext)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(p, art.data); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(p), err)
		}
		if a.mirror != nil {
			if err := a.mirror.Put(ctx, filepath.Base(p), art.data, art.contentType); err != nil {
				logger.Warn().Err(err).Str("artifact", filepath.Base(p)).Msg("failed to mirror audit report")
			}
		}
	}

	logger.Debug().Str("run_id", detail.Run.ID).Str("dir", a.dir).Msg("audit report archived")
	return nil
}

// Load reads back the JSON document of a run. A missing artifact is domain.ErrNotFound.
func (a *Archive) Load(runID string) (*domain.RunDetail, error) {
	p, err := a.path(runID, ExtJSON)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("archived report for run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read archived report: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode archived report %s: %w", runID, err)
	}
	return doc.detail(), nil
}

// Remove deletes the artifacts of the given runs. Already missing files are ignored.
func (a *Archive) Remove(ctx context.Context, runIDs ...string) error {
	var errs []error
	for _, id := range runIDs {
		for _, ext := range []string{ExtJSON, ExtMarkdown} {
			p, err := a.path(id, ext)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			if a.mirror != nil {
				if err := a.mirror.Delete(ctx, filepath.Base(p)); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("artifact", filepath.Base(p)).Msg("failed to delete mirrored report")
				}
			}
		}
	}
	return errors.Join(errs...)
}
