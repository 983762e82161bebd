package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore keeps one row per job. Monotonicity of terminal statuses
// is enforced in SQL: every transition out of running carries a
// status='running' guard, so a late timeout cannot clobber a success.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Name); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Postgres job store initialized", "host", cfg.Host, "database", cfg.Name)
	return &PostgresStore{db: db}, nil
}

// runMigrations applies the embedded SQL migrations on startup, so a
// fresh database is usable without external tooling.
func runMigrations(db *sql.DB, dbName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, webhookURL *string) (string, error) {
	jobID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, created_at, webhook_url)
		VALUES ($1, $2, now(), $3)`,
		jobID, models.StatusRunning, webhookURL,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	slog.Info("Created job", "job_id", jobID)
	return jobID, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, created_at, completed_at,
		       result_json, error, progress, progress_phase,
		       progress_details_json, webhook_url
		FROM jobs WHERE job_id = $1`,
		jobID,
	)

	var (
		job           Job
		resultJSON    []byte
		detailsJSON   []byte
		errMsg        sql.NullString
		progressPhase sql.NullString
		completedAt   sql.NullTime
		webhookURL    sql.NullString
	)
	err := row.Scan(&job.ID, &job.Status, &job.CreatedAt, &completedAt,
		&resultJSON, &errMsg, &job.Progress, &progressPhase,
		&detailsJSON, &webhookURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if progressPhase.Valid {
		job.ProgressPhase = progressPhase.String
	}
	if webhookURL.Valid {
		job.WebhookURL = &webhookURL.String
	}
	if len(resultJSON) > 0 {
		var result models.DistillResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
		job.Result = &result
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &job.ProgressDetails); err != nil {
			return nil, fmt.Errorf("failed to decode progress details: %w", err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) UpdateSuccess(ctx context.Context, jobID string, result *models.DistillResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = now(), result_json = $3,
		    intermediate_json = NULL
		WHERE job_id = $1 AND status = $4`,
		jobID, models.StatusSuccess, resultJSON, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job success: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFailure(ctx context.Context, jobID string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = now(), error = $3
		WHERE job_id = $1 AND status = $4`,
		jobID, models.StatusFailure, errMsg, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTimeout(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = now(), error = $3
		WHERE job_id = $1 AND status = $4`,
		jobID, models.StatusTimeout, TimeoutError, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job timeout: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID, phase string, fraction float64, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode progress details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = $2, progress_phase = $3, progress_details_json = $4
		WHERE job_id = $1 AND status = $5`,
		jobID, fraction, phase, detailsJSON, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveIntermediate(ctx context.Context, jobID string, result *models.DistillResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode intermediate result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET intermediate_json = $2
		WHERE job_id = $1 AND status = $3`,
		jobID, resultJSON, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to save intermediate result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntermediate(ctx context.Context, jobID string) (*models.DistillResult, error) {
	var intermediateJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT intermediate_json FROM jobs WHERE job_id = $1`, jobID,
	).Scan(&intermediateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read intermediate result: %w", err)
	}
	if len(intermediateJSON) == 0 {
		return nil, nil
	}
	var result models.DistillResult
	if err := json.Unmarshal(intermediateJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to decode intermediate result: %w", err)
	}
	return &result, nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE status = $1`, models.StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CompletedCountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs
		WHERE completed_at IS NOT NULL AND completed_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status <> $1 AND created_at < now() - $2::interval`,
		models.StatusRunning, fmt.Sprintf("%d seconds", int(age.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result: %w", err)
	}
	if n > 0 {
		slog.Info("Cleaned up old jobs", "count", n)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}
