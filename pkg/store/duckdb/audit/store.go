package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/store/duckdb"
	"github.com/rs/zerolog"
)

const defaultListLimit = 20

// Store persists audit runs together with their dimension scores and findings.
// Every read is scoped to a tenant.
type Store interface {
	// Save writes the run, its scores and its findings in one transaction.
	Save(ctx context.Context, run domain.AuditRun, scores []domain.DimensionScore, findings []domain.Finding) error
	Get(ctx context.Context, tenant, runID string) (*domain.RunDetail, error)
	ListRecent(ctx context.Context, tenant string, limit int) ([]domain.AuditRun, error)
	ListByDimension(ctx context.Context, tenant string, dimension domain.Dimension, since time.Time) ([]domain.TrendPoint, error)
	ListScores(ctx context.Context, runIDs []string) (map[string][]domain.DimensionScore, error)
	Acknowledge(ctx context.Context, tenant, findingID string, ack domain.Acknowledgment) (*domain.Finding, error)
	PruneOlderThan(ctx context.Context, retentionDays int) ([]string, error)
}

type Option func(*auditStore)

// WithClock overrides the clock used to compute retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *auditStore) {
		s.now = now
	}
}

type auditStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB, opts ...Option) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	s := &auditStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *auditStore) Save(
	ctx context.Context,
	run domain.AuditRun,
	scores []domain.DimensionScore,
	findings []domain.Finding,
) error {
	if err := validateRun(run, scores, findings); err != nil {
		return err
	}

	return duckdb.InTransaction(ctx, s.db, func(ctx context.Context) error {
		conn := duckdb.Conn(ctx, s.db)

		_, err := conn.ExecContext(ctx, `
			INSERT INTO audit_runs (
				id, tenant_id, triggered_by, environment, commit_sha, created_at,
				overall_score, risk_level, critical_count, major_count, minor_count,
				execution_time_seconds
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			run.TenantID,
			run.TriggeredBy,
			run.Environment,
			nullString(run.Revision),
			run.CreatedAt.UTC(),
			run.OverallScore,
			string(run.RiskLevel),
			run.Counts.Critical,
			run.Counts.Major,
			run.Counts.Minor,
			run.ExecutionTimeSeconds,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, score := range scores {
			signals, err := json.Marshal(score.RawSignals)
			if err != nil {
				return fmt.Errorf("marshal raw signals: %w", err)
			}
			_, err = conn.ExecContext(ctx, `
				INSERT INTO audit_scores (
					id, audit_run_id, dimension, score, max_score,
					severity_critical, severity_major, severity_minor,
					raw_signals, scoring_version, confidence_level
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				score.ID,
				run.ID,
				string(score.Dimension),
				score.Score,
				score.MaxScore,
				score.Counts.Critical,
				score.Counts.Major,
				score.Counts.Minor,
				string(signals),
				score.ScoringVersion,
				string(score.Confidence),
			)
			if err != nil {
				return fmt.Errorf("insert score %s: %w", score.Dimension, err)
			}
		}

		for _, f := range findings {
			_, err = conn.ExecContext(ctx, `
				INSERT INTO audit_findings (
					id, audit_run_id, dimension, severity, title, description,
					recommendation, file_path, line_number, commit_sha, status
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.ID,
				run.ID,
				string(f.Dimension),
				string(f.Severity),
				f.Title,
				f.Description,
				f.Recommendation,
				nullString(f.FilePath),
				nullInt(f.LineNumber),
				nullString(f.Revision),
				string(domain.FindingOpen),
			)
			if err != nil {
				return fmt.Errorf("insert finding %q: %w", f.Title, err)
			}
		}

		return nil
	})
}

func validateRun(run domain.AuditRun, scores []domain.DimensionScore, findings []domain.Finding) error {
	if run.ID == "" || run.TenantID == "" {
		return fmt.Errorf("run id and tenant are required")
	}
	if got := domain.CountFindings(findings); got != run.Counts || run.Counts.Total() != len(findings) {
		return fmt.Errorf("run severity counts %+v do not match %d findings (%+v)", run.Counts, len(findings), got)
	}
	for _, s := range scores {
		if s.Score < 0 || s.Score > s.MaxScore {
			return fmt.Errorf("dimension %s score %.2f outside [0, %.2f]", s.Dimension, s.Score, s.MaxScore)
		}
	}
	return nil
}

const runColumns = `id, tenant_id, triggered_by, environment, commit_sha, created_at,
	overall_score, risk_level, critical_count, major_count, minor_count, execution_time_seconds`

func (s *auditStore) Get(ctx context.Context, tenant, runID string) (*domain.RunDetail, error) {
	conn := duckdb.Conn(ctx, s.db)

	row := conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM audit_runs WHERE tenant_id = ? AND id = ?`,
		tenant, runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	scores, err := s.ListScores(ctx, []string{runID})
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT `+findingColumns+`
		FROM audit_findings
		WHERE audit_run_id = ?
		ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'major' THEN 1 ELSE 2 END, title`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer s.closeRows(ctx, rows)

	findings, err := scanFindingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scan findings: %w", err)
	}

	return &domain.RunDetail{
		Run:      run,
		Scores:   scores[runID],
		Findings: findings,
	}, nil
}

func (s *auditStore) ListRecent(ctx context.Context, tenant string, limit int) ([]domain.AuditRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := duckdb.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+runColumns+` FROM audit_runs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer s.closeRows(ctx, rows)

	runs := make([]domain.AuditRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *auditStore) ListByDimension(
	ctx context.Context,
	tenant string,
	dimension domain.Dimension,
	since time.Time,
) ([]domain.TrendPoint, error) {
	rows, err := duckdb.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT r.id, r.created_at, s.score, s.max_score, s.scoring_version, s.confidence_level
		FROM audit_scores s
		JOIN audit_runs r ON r.id = s.audit_run_id
		WHERE r.tenant_id = ? AND s.dimension = ? AND r.created_at >= ?
		ORDER BY r.created_at ASC`,
		tenant, string(dimension), since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query dimension series: %w", err)
	}
	defer s.closeRows(ctx, rows)

	points := make([]domain.TrendPoint, 0)
	for rows.Next() {
		var (
			p          domain.TrendPoint
			version    sql.NullString
			confidence string
		)
		if err := rows.Scan(&p.RunID, &p.Timestamp, &p.Score, &p.MaxScore, &version, &confidence); err != nil {
			return nil, fmt.Errorf("scan trend point: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		p.ScoringVersion = version.String
		p.Confidence = domain.Confidence(confidence)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *auditStore) ListScores(ctx context.Context, runIDs []string) (map[string][]domain.DimensionScore, error) {
	result := make(map[string][]domain.DimensionScore, len(runIDs))
	if len(runIDs) == 0 {
		return result, nil
	}

	placeholders := make([]string, 0, len(runIDs))
	args := make([]any, 0, len(runIDs))
	for _, id := range runIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, audit_run_id, dimension, score, max_score,
			severity_critical, severity_major, severity_minor,
			raw_signals, scoring_version, confidence_level
		FROM audit_scores
		WHERE audit_run_id IN (%s)
		ORDER BY audit_run_id, dimension`, strings.Join(placeholders, ","))

	rows, err := duckdb.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer s.closeRows(ctx, rows)

	for rows.Next() {
		var (
			sc                   domain.DimensionScore
			dimension, conf      string
			rawSignals, version  sql.NullString
			critical, maj, minor int64
		)
		if err := rows.Scan(
			&sc.ID, &sc.RunID, &dimension, &sc.Score, &sc.MaxScore,
			&critical, &maj, &minor,
			&rawSignals, &version, &conf,
		); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		sc.Dimension = domain.Dimension(dimension)
		sc.Confidence = domain.Confidence(conf)
		sc.ScoringVersion = version.String
		sc.Counts = domain.SeverityCounts{Critical: int(critical), Major: int(maj), Minor: int(minor)}
		sc.RawSignals = map[string]any{}
		if rawSignals.Valid && rawSignals.String != "" {
			if err := json.Unmarshal([]byte(rawSignals.String), &sc.RawSignals); err != nil {
				return nil, fmt.Errorf("decode raw signals of score %s: %w", sc.ID, err)
			}
		}
		result[sc.RunID] = append(result[sc.RunID], sc)
	}
	return result, rows.Err()
}

func (s *auditStore) Acknowledge(
	ctx context.Context,
	tenant, findingID string,
	ack domain.Acknowledgment,
) (*domain.Finding, error) {
	var finding *domain.Finding

	err := duckdb.InTransaction(ctx, s.db, func(ctx context.Context) error {
		conn := duckdb.Conn(ctx, s.db)

		res, err := conn.ExecContext(ctx, `
			UPDATE audit_findings
			SET status = ?, acknowledged_by = ?, acknowledged_at = ?, acknowledgment_note = ?
			WHERE id = ?
				AND status IN (?, ?)
				AND audit_run_id IN (SELECT id FROM audit_runs WHERE tenant_id = ?)`,
			string(domain.FindingAcknowledged),
			ack.By,
			ack.At.UTC(),
			ack.Note,
			findingID,
			string(domain.FindingOpen),
			string(domain.FindingAcknowledged),
			tenant,
		)
		if err != nil {
			return fmt.Errorf("acknowledge finding: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acknowledge finding: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("finding %s: %w", findingID, domain.ErrNotFound)
		}

		rows, err := conn.QueryContext(ctx,
			`SELECT `+findingColumns+` FROM audit_findings WHERE id = ?`, findingID)
		if err != nil {
			return fmt.Errorf("reload finding: %w", err)
		}
		defer s.closeRows(ctx, rows)

		found, err := scanFindingRows(rows)
		if err != nil {
			return fmt.Errorf("reload finding: %w", err)
		}
		if len(found) == 0 {
			return fmt.Errorf("finding %s: %w", findingID, domain.ErrNotFound)
		}
		finding = &found[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finding, nil
}

func (s *auditStore) PruneOlderThan(ctx context.Context, retentionDays int) ([]string, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	var pruned []string
	err := duckdb.InTransaction(ctx, s.db, func(ctx context.Context) error {
		conn := duckdb.Conn(ctx, s.db)

		rows, err := conn.QueryContext(ctx, `SELECT id FROM audit_runs WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("query expired runs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired run: %w", err)
			}
			pruned = append(pruned, id)
		}
		rows.Close()
		if len(pruned) == 0 {
			return nil
		}

		expired := `SELECT id FROM audit_runs WHERE created_at < ?`
		statements := []string{
			`DELETE FROM audit_findings WHERE audit_run_id IN (` + expired + `)`,
			`DELETE FROM audit_scores WHERE audit_run_id IN (` + expired + `)`,
			`DELETE FROM audit_runs WHERE created_at < ?`,
		}
		for _, stmt := range statements {
			if _, err := conn.ExecContext(ctx, stmt, cutoff); err != nil {
				return fmt.Errorf("prune runs: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Int("runs", len(pruned)).
		Time("cutoff", cutoff).
		Msg("pruned expired audit runs")
	return pruned, nil
}

func (s *auditStore) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to close audit query rows")
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.AuditRun, error) {
	var (
		run                  domain.AuditRun
		environment, sha     sql.NullString
		risk                 string
		critical, maj, minor int64
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.TriggeredBy, &environment, &sha, &run.CreatedAt,
		&run.OverallScore, &risk, &critical, &maj, &minor, &run.ExecutionTimeSeconds,
	)
	if err != nil {
		return domain.AuditRun{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.Environment = environment.String
	run.Revision = sha.String
	run.RiskLevel = domain.RiskLevel(risk)
	run.Counts = domain.SeverityCounts{Critical: int(critical), Major: int(maj), Minor: int(minor)}
	return run, nil
}

const findingColumns = `id, audit_run_id, dimension, severity, title, description, recommendation,
	file_path, line_number, commit_sha, status, acknowledged_by, acknowledged_at, acknowledgment_note`

func scanFindingRows(rows *sql.Rows) ([]domain.Finding, error) {
	findings := make([]domain.Finding, 0)
	for rows.Next() {
		var (
			f                                     domain.Finding
			dimension, severity, status           string
			description, recommendation, filePath sql.NullString
			sha, ackBy, ackNote                   sql.NullString
			line                                  sql.NullInt64
			ackAt                                 sql.NullTime
		)
		if err := rows.Scan(
			&f.ID, &f.RunID, &dimension, &severity, &f.Title, &description, &recommendation,
			&filePath, &line, &sha, &status, &ackBy, &ackAt, &ackNote,
		); err != nil {
			return nil, err
		}
		f.Dimension = domain.Dimension(dimension)
		f.Severity = domain.Severity(severity)
		f.Status = domain.FindingStatus(status)
		f.Description = description.String
		f.Recommendation = recommendation.String
		f.FilePath = filePath.String
		f.LineNumber = int(line.Int64)
		f.Revision = sha.String
		if ackAt.Valid {
			f.Acknowledgment = &domain.Acknowledgment{
				By:   ackBy.String,
				At:   ackAt.Time.UTC(),
				Note: ackNote.String,
			}
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}
