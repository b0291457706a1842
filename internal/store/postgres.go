package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const pgDuplicateKeyCode = "23505"

// Postgres implements Store on PostgreSQL for self-hosted deployments.
// Admission for one document key is serialized with a transaction-scoped
// advisory lock.
type Postgres struct {
	db    *sql.DB
	clock Clock
}

// OpenPostgres connects with the pgx driver and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, clock Clock) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{db: db, clock: clock}, nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return ErrExists
	}
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Admit(ctx context.Context, exec *models.Execution, window time.Duration) (AdmitResult, error) {
	var result AdmitResult
	now := p.clock.now()
	dedupeID := DedupeID(exec.DocumentKey, exec.ContentHash)

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, exec.DocumentKey); err != nil {
			return fmt.Errorf("lock key: %w", err)
		}

		var existingID string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT execution_id, expires_at FROM pipeline_dedupe WHERE id = $1`, dedupeID,
		).Scan(&existingID, &expiresAt)
		switch {
		case err == nil && now.Before(expiresAt):
			result = AdmitResult{ExistingID: existingID, ExistingHash: exec.ContentHash, Reason: ReasonDuplicate}
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read dedupe record: %w", err)
		}

		var activeID, activeHash string
		err = tx.QueryRowContext(ctx, `
			SELECT e.id, e.content_hash
			FROM pipeline_active_runs a
			JOIN pipeline_executions e ON e.id = a.execution_id
			WHERE a.document_key = $1 AND e.status = $2`,
			exec.DocumentKey, string(models.StatusRunning),
		).Scan(&activeID, &activeHash)
		switch {
		case err == nil:
			result = AdmitResult{ExistingID: activeID, ExistingHash: activeHash, Reason: ReasonActiveRun}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read active run: %w", err)
		}

		admitted := exec.Clone()
		admitted.Version = 1
		admitted.CreatedAt = now
		admitted.UpdatedAt = now
		body, err := json.Marshal(admitted)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_executions (id, document_key, content_hash, status, version, created_at, updated_at, body)
			VALUES ($1, $2, $3, $4, 1, $5, $5, $6)`,
			exec.ID, exec.DocumentKey, exec.ContentHash, string(exec.Status), now, body,
		); err != nil {
			return fmt.Errorf("insert execution: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_dedupe (id, execution_id, content_hash, admitted_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET execution_id = EXCLUDED.execution_id,
				admitted_at = EXCLUDED.admitted_at, expires_at = EXCLUDED.expires_at`,
			dedupeID, exec.ID, exec.ContentHash, now, now.Add(window),
		); err != nil {
			return fmt.Errorf("write dedupe record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_active_runs (document_key, execution_id, acquired_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_key) DO UPDATE SET execution_id = EXCLUDED.execution_id, acquired_at = EXCLUDED.acquired_at`,
			exec.DocumentKey, exec.ID, now,
		); err != nil {
			return fmt.Errorf("write active run: %w", err)
		}
		result = AdmitResult{Admitted: true, Reason: ReasonAdmitted}
		return nil
	})
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit %s: %w", exec.DocumentKey, err)
	}
	if result.Admitted {
		exec.Version = 1
		exec.CreatedAt = now
		exec.UpdatedAt = now
	}
	return result, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.Execution, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM pipeline_executions WHERE id = $1`, id).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, mapError(err))
	}
	var e models.Execution
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &e, nil
}

func (p *Postgres) Commit(ctx context.Context, exec *models.Execution) error {
	next := exec.Clone()
	next.Version = exec.Version + 1
	next.UpdatedAt = p.clock.now()
	body, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = $1, version = $2, updated_at = $3, body = $4
			WHERE id = $5 AND version = $6`,
			string(next.Status), next.Version, next.UpdatedAt, body, exec.ID, exec.Version,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var version int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM pipeline_executions WHERE id = $1`, exec.ID).Scan(&version); err != nil {
				return fmt.Errorf("execution %s: %w", exec.ID, mapError(err))
			}
			return fmt.Errorf("execution %s at version %d, have %d: %w", exec.ID, version, exec.Version, ErrConflict)
		}
		if next.Status != models.StatusRunning {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM pipeline_active_runs WHERE document_key = $1 AND execution_id = $2`,
				exec.DocumentKey, exec.ID,
			); err != nil {
				return fmt.Errorf("release active run: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", exec.ID, err)
	}
	exec.Version = next.Version
	exec.UpdatedAt = next.UpdatedAt
	return nil
}

func (p *Postgres) ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM pipeline_executions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at`, string(models.StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e models.Execution
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) PutArtifact(ctx context.Context, a models.RawEmailArtifact) (models.RawEmailArtifact, error) {
	var stored models.RawEmailArtifact
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var existing *models.RawEmailArtifact
		var body []byte
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM pipeline_email_artifacts WHERE message_id = $1 FOR UPDATE`, a.MessageID,
		).Scan(&body)
		switch {
		case err == nil:
			var cur models.RawEmailArtifact
			if err := json.Unmarshal(body, &cur); err != nil {
				return fmt.Errorf("decode artifact: %w", err)
			}
			existing = &cur
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		stored = mergeArtifact(existing, a, p.clock.now())
		if existing != nil && existing.Status.Terminal() {
			return nil
		}
		return p.writeArtifact(ctx, tx, stored)
	})
	if err != nil {
		return models.RawEmailArtifact{}, fmt.Errorf("put artifact %s: %w", a.MessageID, err)
	}
	return stored, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, messageID string) (models.RawEmailArtifact, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM pipeline_email_artifacts WHERE message_id = $1`, messageID).Scan(&body)
	if err != nil {
		return models.RawEmailArtifact{}, fmt.Errorf("artifact %s: %w", messageID, mapError(err))
	}
	var a models.RawEmailArtifact
	if err := json.Unmarshal(body, &a); err != nil {
		return models.RawEmailArtifact{}, fmt.Errorf("decode artifact %s: %w", messageID, err)
	}
	return a, nil
}

func (p *Postgres) UpdateArtifact(ctx context.Context, a models.RawEmailArtifact) error {
	a.UpdatedAt = p.clock.now()
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.writeArtifact(ctx, tx, a)
	})
}

func (p *Postgres) writeArtifact(ctx context.Context, tx *sql.Tx, a models.RawEmailArtifact) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_email_artifacts (message_id, status, updated_at, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, body = EXCLUDED.body`,
		a.MessageID, string(a.Status), a.UpdatedAt, body,
	)
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", a.MessageID, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
