package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/store/duckdb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultLease = 15 * time.Minute

// Locker grants at most one active claim per tenant across every process sharing the database.
// A claim whose lease expired is taken over by the next caller.
type Locker struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewLocker(db *sql.DB, lease time.Duration) (*Locker, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if lease <= 0 {
		lease = defaultLease
	}
	return &Locker{
		db:    db,
		lease: lease,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Locker) TryAcquire(ctx context.Context, tenant string) (func(), error) {
	holder := uuid.NewString()
	now := l.now()

	err := duckdb.InTransaction(ctx, l.db, func(ctx context.Context) error {
		conn := duckdb.Conn(ctx, l.db)

		if _, err := conn.ExecContext(ctx,
			`DELETE FROM audit_run_claims WHERE tenant_id = ? AND expires_at < ?`,
			tenant, now,
		); err != nil {
			return fmt.Errorf("expire claims: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO audit_run_claims (tenant_id, holder, claimed_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			tenant, holder, now, now.Add(l.lease),
		); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}

		return l.checkHolder(ctx, conn, tenant, holder)
	})

	if err != nil && !errors.Is(err, domain.ErrRunInProgress) {
		// A concurrent claim can surface as a transaction conflict; report it as contention
		// when someone else now holds the row.
		if l.checkHolder(ctx, l.db, tenant, holder) == domain.ErrRunInProgress {
			return nil, fmt.Errorf("tenant %s: %w", tenant, domain.ErrRunInProgress)
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}

	release := func() {
		releaseCtx := context.WithoutCancel(ctx)
		_, err := l.db.ExecContext(releaseCtx,
			`DELETE FROM audit_run_claims WHERE tenant_id = ? AND holder = ?`,
			tenant, holder,
		)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("tenant", tenant).Msg("failed to release run claim")
		}
	}
	return release, nil
}

func (l *Locker) checkHolder(ctx context.Context, conn duckdb.Execer, tenant, holder string) error {
	var current string
	err := conn.QueryRowContext(ctx,
		`SELECT holder FROM audit_run_claims WHERE tenant_id = ?`, tenant,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("claim for tenant %s vanished", tenant)
	}
	if err != nil {
		return fmt.Errorf("read claim: %w", err)
	}
	if current != holder {
		return domain.ErrRunInProgress
	}
	return nil
}
