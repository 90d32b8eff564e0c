package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/marcboeker/go-duckdb/v2"
)

const AuditRunsSchema = `
	CREATE TABLE IF NOT EXISTS audit_runs (
		id VARCHAR PRIMARY KEY,
		tenant_id VARCHAR NOT NULL,
		triggered_by VARCHAR NOT NULL,
		environment VARCHAR,
		commit_sha VARCHAR,
		created_at TIMESTAMP NOT NULL,
		overall_score DOUBLE NOT NULL,
		risk_level VARCHAR NOT NULL,
		critical_count BIGINT NOT NULL,
		major_count BIGINT NOT NULL,
		minor_count BIGINT NOT NULL,
		execution_time_seconds DOUBLE NOT NULL
	);
`

const AuditScoresSchema = `
	CREATE TABLE IF NOT EXISTS audit_scores (
		id VARCHAR PRIMARY KEY,
		audit_run_id VARCHAR NOT NULL,
		dimension VARCHAR NOT NULL,
		score DOUBLE NOT NULL,
		max_score DOUBLE NOT NULL,
		severity_critical BIGINT NOT NULL,
		severity_major BIGINT NOT NULL,
		severity_minor BIGINT NOT NULL,
		raw_signals VARCHAR,
		scoring_version VARCHAR,
		confidence_level VARCHAR NOT NULL
	);
`

const AuditFindingsSchema = `
	CREATE TABLE IF NOT EXISTS audit_findings (
		id VARCHAR PRIMARY KEY,
		audit_run_id VARCHAR NOT NULL,
		dimension VARCHAR NOT NULL,
		severity VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		description VARCHAR,
		recommendation VARCHAR,
		file_path VARCHAR,
		line_number BIGINT,
		commit_sha VARCHAR,
		status VARCHAR NOT NULL,
		acknowledged_by VARCHAR,
		acknowledged_at TIMESTAMP,
		acknowledgment_note VARCHAR
	);
`

// RunClaimsSchema backs the cross-instance single-flight lock.
const RunClaimsSchema = `
	CREATE TABLE IF NOT EXISTS audit_run_claims (
		tenant_id VARCHAR PRIMARY KEY,
		holder VARCHAR NOT NULL,
		claimed_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
`

var bootQueries = []string{
	AuditRunsSchema,
	AuditScoresSchema,
	AuditFindingsSchema,
	RunClaimsSchema,
	`CREATE INDEX IF NOT EXISTS idx_audit_runs_tenant_created ON audit_runs (tenant_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_scores_run ON audit_scores (audit_run_id);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_findings_run ON audit_findings (audit_run_id);`,
}

type Settings struct {
	DbPath  string
	Threads int
}

func NewDB(settings Settings) (*sql.DB, error) {
	threads := settings.Threads
	if threads <= 0 {
		threads = 4
	}

	c, err := duckdb.NewConnector(fmt.Sprintf("%s?threads=%d", settings.DbPath, threads), func(exec driver.ExecerContext) error {
		bootQueries := append([]string{}, bootQueries...)

		for _, query := range bootQueries {
			_, err := exec.ExecContext(context.Background(), query, nil)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(c)
	return db, nil
}
