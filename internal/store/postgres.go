package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/store/migrations"
	"github.com/splax/launchpad/pkg/crypto"
)

// PostgresRepository implements Repository on PostgreSQL. Unlike the file
// engine every write is immediately durable, so Flush is a no-op.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	secret string
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool, secret string) *PostgresRepository {
	return &PostgresRepository{pool: pool, secret: secret}
}

var _ Repository = (*PostgresRepository)(nil)

// Migrate applies embedded goose migrations against the pool's database.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

const deploymentColumns = `id, owner, service_name, repo_ref, region, status, env_vars, stages,
	build_logs, service_url, image_ref, analysis, analyzed_at, project_path,
	error_message, created_at, updated_at, last_deployed`

func (r *PostgresRepository) CreateOrGet(ctx context.Context, record *domain.DeploymentRecord) (*domain.DeploymentRecord, bool, error) {
	existing, err := r.FindByIdentity(ctx, record.Owner, record.ServiceName)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	envVars, err := crypto.EncryptEnvVars(r.secret, record.EnvVars)
	if err != nil {
		return nil, false, err
	}
	envJSON, err := json.Marshal(envVars)
	if err != nil {
		return nil, false, err
	}
	stagesJSON, err := json.Marshal(record.Stages)
	if err != nil {
		return nil, false, err
	}
	const query = `INSERT INTO deployments
		(id, owner, service_name, repo_ref, region, status, env_vars, stages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner, service_name) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, record.ID, record.Owner, record.ServiceName,
		record.RepoRef, record.Region, record.Status, envJSON, stagesJSON,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent create; the existing record wins.
		existing, err := r.FindByIdentity(ctx, record.Owner, record.ServiceName)
		return existing, true, err
	}
	return record.Clone(), false, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return r.scanDeployment(row)
}

func (r *PostgresRepository) FindByIdentity(ctx context.Context, owner, serviceName string) (*domain.DeploymentRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE owner = $1 AND service_name = $2`,
		owner, serviceName)
	return r.scanDeployment(row)
}

func (r *PostgresRepository) Update(ctx context.Context, record *domain.DeploymentRecord) error {
	envVars, err := crypto.EncryptEnvVars(r.secret, record.EnvVars)
	if err != nil {
		return err
	}
	envJSON, err := json.Marshal(envVars)
	if err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(record.Stages)
	if err != nil {
		return err
	}
	var analysisJSON []byte
	if record.Analysis != nil {
		analysisJSON, err = json.Marshal(record.Analysis)
		if err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	const query = `UPDATE deployments SET
		repo_ref = $2, region = $3, status = $4, env_vars = $5, stages = $6,
		build_logs = $7, service_url = $8, image_ref = $9, analysis = $10,
		analyzed_at = $11, project_path = $12, error_message = $13,
		updated_at = $14, last_deployed = $15
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, record.ID, record.RepoRef, record.Region,
		record.Status, envJSON, stagesJSON, record.BuildLogs, record.ServiceURL,
		record.ImageRef, analysisJSON, record.AnalyzedAt, record.ProjectPath,
		record.ErrorMessage, now, record.LastDeployed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	record.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) ApplyStageEvent(ctx context.Context, event domain.StageEvent) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var stagesJSON []byte
	row := tx.QueryRow(ctx, `SELECT stages FROM deployments WHERE id = $1 FOR UPDATE`, event.DeploymentID)
	if err := row.Scan(&stagesJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var stages []domain.StageState
	if err := json.Unmarshal(stagesJSON, &stages); err != nil {
		return fmt.Errorf("store: decode stages: %w", err)
	}
	idx := -1
	for i := range stages {
		if stages[i].ID == event.Stage {
			idx = i
			break
		}
	}
	if idx < 0 {
		stages = append(stages, domain.StageState{ID: event.Stage, Label: event.Stage.Label()})
		idx = len(stages) - 1
	}
	applyEvent(&stages[idx], event)
	updated, err := json.Marshal(stages)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE deployments SET stages = $2, updated_at = $3 WHERE id = $1`,
		event.DeploymentID, updated, event.Timestamp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) AppendBuildLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE deployments SET build_logs = build_logs || $2, updated_at = $3 WHERE id = $1`,
		id, lines, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListStale(ctx context.Context, statuses []domain.Status, updatedBefore time.Time) ([]*domain.DeploymentRecord, error) {
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status = ANY($1) AND updated_at < $2`,
		raw, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.DeploymentRecord
	for rows.Next() {
		record, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Heal(ctx context.Context, id string, seenUpdatedAt time.Time, status domain.Status, message string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE deployments SET status = $2, error_message = $3, updated_at = $4
		 WHERE id = $1 AND updated_at <= $5`,
		id, status, message, time.Now().UTC(), seenUpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) Purge(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Flush(ctx context.Context) error { return ctx.Err() }

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanDeployment(row rowScanner) (*domain.DeploymentRecord, error) {
	var (
		record       domain.DeploymentRecord
		envJSON      []byte
		stagesJSON   []byte
		analysisJSON []byte
		analyzedAt   sql.NullTime
		lastDeployed sql.NullTime
	)
	err := row.Scan(&record.ID, &record.Owner, &record.ServiceName, &record.RepoRef,
		&record.Region, &record.Status, &envJSON, &stagesJSON, &record.BuildLogs,
		&record.ServiceURL, &record.ImageRef, &analysisJSON, &analyzedAt,
		&record.ProjectPath, &record.ErrorMessage, &record.CreatedAt,
		&record.UpdatedAt, &lastDeployed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &record.EnvVars); err != nil {
			return nil, fmt.Errorf("store: decode env vars: %w", err)
		}
	}
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &record.Stages); err != nil {
			return nil, fmt.Errorf("store: decode stages: %w", err)
		}
	}
	if len(analysisJSON) > 0 {
		record.Analysis = &domain.Analysis{}
		if err := json.Unmarshal(analysisJSON, record.Analysis); err != nil {
			return nil, fmt.Errorf("store: decode analysis: %w", err)
		}
	}
	if analyzedAt.Valid {
		t := analyzedAt.Time
		record.AnalyzedAt = &t
	}
	if lastDeployed.Valid {
		t := lastDeployed.Time
		record.LastDeployed = &t
	}
	record.EnvVars = crypto.DecryptEnvVars(r.secret, record.EnvVars)
	return &record, nil
}
