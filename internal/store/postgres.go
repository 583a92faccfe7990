package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/screening"
)

const (
	tasksTable    = "tasks"
	articlesTable = "articles"
	resultsTable  = "screening_results"
)

// tracer spans the conditional task mutations that race across workers
// and the Control API (spec.md §4.1); resolves to a no-op tracer unless
// obs.New has installed a TracerProvider.
var tracer = otel.Tracer("articlescreen/store")

// PostgresStore persists tasks, articles, and screening results in
// Postgres via pgx, following the query style of the teacher's
// task_store_postgres.go (ON CONFLICT upserts, CASE-WHEN conditional
// column updates) generalized to the three-collection model of spec.md §3.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger obslog.Logger
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: obslog.NewComponentLogger("PostgresStore"),
	}
}

// Connect opens a pgxpool connection pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the three collections described in spec.md §3.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    search_query TEXT NOT NULL DEFAULT '',
    criteria TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    progress_total INTEGER NOT NULL DEFAULT 0,
    progress_current INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ,
    error TEXT NOT NULL DEFAULT '',
    remaining_articles TEXT[] NOT NULL DEFAULT '{}',
    processing_lock TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT '',
    claimed_at TIMESTAMPTZ,
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_started ON %s (status, started_at);`, tasksTable, tasksTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT NOT NULL,
    article_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    abstract TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    seq BIGSERIAL,
    PRIMARY KEY (task_id, article_id)
);`, articlesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task_seq ON %s (task_id, seq);`, articlesTable, articlesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT NOT NULL,
    article_id TEXT NOT NULL,
    included BOOLEAN NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    abstract TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, article_id)
);`, resultsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task_score ON %s (task_id, relevance_score DESC);`, resultsTable, resultsTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *screening.Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id required")
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = screening.StatusRunning
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+tasksTable+` (task_id, user_id, search_query, criteria, model, name, status,
    progress_total, progress_current, started_at, last_activity_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
`, t.TaskID, t.UserID, t.SearchQuery, t.Criteria, t.Model, t.Name, t.Status,
		t.Progress.Total, t.Progress.Current, t.StartedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*screening.Task, error) {
	task, err := s.scanTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// Self-healing reconciliation (spec.md §4.7): progress.current must
	// agree with the true count of screening results.
	trueCount, err := s.CountResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if trueCount != task.Progress.Current {
		if _, err := s.pool.Exec(ctx,
			`UPDATE `+tasksTable+` SET progress_current=$2 WHERE task_id=$1`,
			taskID, trueCount); err != nil {
			s.logger.Warn("self-heal progress for %s failed: %v", taskID, err)
		} else {
			task.Progress.Current = trueCount
		}
	}
	return task, nil
}

func (s *PostgresStore) scanTask(ctx context.Context, taskID string) (*screening.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT task_id, user_id, search_query, criteria, model, name, status,
       progress_total, progress_current, started_at, completed_at, error,
       remaining_articles, processing_lock, worker_id, claimed_at
FROM `+tasksTable+` WHERE task_id=$1`, taskID)

	var t screening.Task
	var completedAt *time.Time
	var processingLock, workerID string
	var claimedAt *time.Time
	var remaining []string
	if err := row.Scan(&t.TaskID, &t.UserID, &t.SearchQuery, &t.Criteria, &t.Model, &t.Name,
		&t.Status, &t.Progress.Total, &t.Progress.Current, &t.StartedAt, &completedAt, &t.Error,
		&remaining, &processingLock, &workerID, &claimedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.CompletedAt = completedAt
	t.RemainingArticles = remaining
	if processingLock != "" {
		t.ProcessingLock = processingLock
	}
	if workerID != "" && claimedAt != nil {
		t.WorkerClaim = &screening.WorkerClaim{WorkerID: workerID, ClaimedAt: *claimedAt}
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status screening.Status, page, limit int) ([]*screening.Task, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	where := ""
	args := []any{}
	argN := 1
	if status != "" {
		where = fmt.Sprintf("WHERE status=$%d", argN)
		args = append(args, status)
		argN++
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM ` + tasksTable + ` ` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT task_id FROM %s %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		tasksTable, where, argN, argN+1)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}

	tasks := make([]*screening.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.scanTask(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, nil
}

func (s *PostgresStore) AttachArticles(ctx context.Context, taskID string, articles []ArticleInput) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("attach articles: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM `+tasksTable+` WHERE task_id=$1 FOR UPDATE`, taskID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("attach articles: %w", err)
	}
	if screening.Status(status) != screening.StatusRunning {
		return 0, ErrConflict
	}

	inserted := 0
	for _, a := range articles {
		tag, err := tx.Exec(ctx, `
INSERT INTO `+articlesTable+` (task_id, article_id, title, abstract)
VALUES ($1,$2,$3,$4) ON CONFLICT (task_id, article_id) DO NOTHING`,
			taskID, a.ArticleID, a.Title, a.Abstract)
		if err != nil {
			return 0, fmt.Errorf("insert article: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("attach articles commit: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context, taskID string) ([]screening.Article, error) {
	rows, err := s.pool.Query(ctx, `
SELECT task_id, article_id, title, abstract, created_at
FROM `+articlesTable+` WHERE task_id=$1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []screening.Article
	for rows.Next() {
		var a screening.Article
		if err := rows.Scan(&a.TaskID, &a.ArticleID, &a.Title, &a.Abstract, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertResult(ctx context.Context, r screening.ScreeningResult) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+resultsTable+` (task_id, article_id, included, reason, relevance_score, title, abstract, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (task_id, article_id) DO UPDATE SET
    included = EXCLUDED.included,
    reason = EXCLUDED.reason,
    relevance_score = EXCLUDED.relevance_score,
    title = EXCLUDED.title,
    abstract = EXCLUDED.abstract,
    updated_at = EXCLUDED.updated_at
`, r.TaskID, r.ArticleID, r.Included, r.Reason, r.RelevanceScore, r.Metadata.Title, r.Metadata.Abstract, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountResults(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+resultsTable+` WHERE task_id=$1`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, taskID string, included *bool, page, limit int) ([]screening.ScreeningResult, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	where := "WHERE task_id=$1"
	args := []any{taskID}
	if included != nil {
		where += " AND included=$2"
		args = append(args, *included)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+resultsTable+` `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT task_id, article_id, included, reason, relevance_score, title, abstract, updated_at
FROM %s %s ORDER BY relevance_score DESC LIMIT $%d OFFSET $%d`, resultsTable, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []screening.ScreeningResult
	for rows.Next() {
		var r screening.ScreeningResult
		if err := rows.Scan(&r.TaskID, &r.ArticleID, &r.Included, &r.Reason, &r.RelevanceScore,
			&r.Metadata.Title, &r.Metadata.Abstract, &r.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// ListProcessedArticleIDs returns every article_id already screened for a
// task. Unlike ListResults it is not paginated: the Task Processor needs
// the complete processed set to resolve which articles remain, and a
// page-capped query would silently re-add already-screened articles to
// the remaining set for tasks larger than one page.
func (s *PostgresStore) ListProcessedArticleIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT article_id FROM `+resultsTable+` WHERE task_id=$1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list processed article ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimTask finds one eligible task (running|full_screening, worker_claim
// absent or older than staleAfter) and atomically sets worker_claim,
// ordered by started_at ascending (FIFO, spec.md §4.6).
func (s *PostgresStore) ClaimTask(ctx context.Context, ownerID string, staleAfter time.Time, now time.Time) (*screening.Task, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE `+tasksTable+` SET worker_id=$1, claimed_at=$2
WHERE task_id = (
    SELECT task_id FROM `+tasksTable+`
    WHERE status IN ('running','full_screening')
      AND (worker_id = '' OR claimed_at IS NULL OR claimed_at < $3)
    ORDER BY started_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING task_id`, ownerID, now, staleAfter)

	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return s.scanTask(ctx, taskID)
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, taskID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET worker_id='', claimed_at=NULL
WHERE task_id=$1 AND worker_id=$2`, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, taskID, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET processing_lock=$2
WHERE task_id=$1 AND processing_lock=''`, taskID, ownerID)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, taskID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET processing_lock=''
WHERE task_id=$1 AND processing_lock=$2`, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) CASStatus(ctx context.Context, taskID string, from []screening.Status, to screening.Status, fields TaskFields) (bool, error) {
	ctx, span := tracer.Start(ctx, "store.CASStatus", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("status.to", string(to)),
	))
	defer span.End()

	applied, err := s.casStatus(ctx, taskID, from, to, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("applied", applied))
	return applied, err
}

func (s *PostgresStore) casStatus(ctx context.Context, taskID string, from []screening.Status, to screening.Status, fields TaskFields) (bool, error) {
	setClauses := "status=$1"
	args := []any{to}
	argN := 2

	if fields.Error != nil {
		setClauses += fmt.Sprintf(", error=$%d", argN)
		args = append(args, *fields.Error)
		argN++
	}
	if fields.CompletedAt != nil {
		setClauses += fmt.Sprintf(", completed_at=$%d", argN)
		args = append(args, *fields.CompletedAt)
		argN++
	}
	if fields.ClearProcessingLock {
		setClauses += ", processing_lock=''"
	} else if fields.ProcessingLock != nil {
		setClauses += fmt.Sprintf(", processing_lock=$%d", argN)
		args = append(args, *fields.ProcessingLock)
		argN++
	}
	if fields.RemainingArticles != nil {
		setClauses += fmt.Sprintf(", remaining_articles=$%d", argN)
		args = append(args, fields.RemainingArticles)
		argN++
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE task_id=$%d`, tasksTable, setClauses, argN)
	args = append(args, taskID)
	argN++

	if len(from) > 0 {
		placeholders := ""
		for i, st := range from {
			if i > 0 {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", argN)
			args = append(args, st)
			argN++
		}
		query += fmt.Sprintf(" AND status IN (%s)", placeholders)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, taskID string, expectedStatus screening.Status, current int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET progress_current=$2, last_activity_at=now()
WHERE task_id=$1 AND status=$3`, taskID, current, expectedStatus)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetProgressTotal(ctx context.Context, taskID string, total int) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+tasksTable+` SET progress_total=$2 WHERE task_id=$1`, taskID, total)
	if err != nil {
		return fmt.Errorf("set progress total: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRemainingArticles(ctx context.Context, taskID string, ids []string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+tasksTable+` SET remaining_articles=$2 WHERE task_id=$1`, taskID, ids)
	if err != nil {
		return fmt.Errorf("set remaining articles: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequestFullScreening(ctx context.Context, taskID string, remainingIDs []string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET status=$2, remaining_articles=$3
WHERE task_id=$1 AND status=$4`,
		taskID, screening.StatusFullScreening, remainingIDs, screening.StatusPaused)
	if err != nil {
		return fmt.Errorf("request full screening: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+tasksTable+` SET last_activity_at=now() WHERE task_id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}
