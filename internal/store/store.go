// Package store provides the durable Store port (C1, spec.md §4.1) and a
// Postgres-backed implementation. Status transitions, claims, locks and
// progress bumps go through conditional compare-and-set predicates,
// because concurrent cancellation, full-screening requests, and worker
// progress updates race on every task. SetProgressTotal,
// SetRemainingArticles, Touch and the GetTask self-heal write are keyed
// on task_id alone and do not check status.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/articlescreen/internal/screening"
)

// ErrNotFound is returned when a task lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional update's predicate does not
// match current state (spec.md §7: "Conflict (conditional update
// rejected)").
var ErrConflict = errors.New("store: conflict")

// ArticleInput is the payload for attaching a new article to a task.
type ArticleInput struct {
	ArticleID string
	Title     string
	Abstract  string
}

// Store is the durable persistence port for tasks, articles, and
// screening results (spec.md §4.1).
type Store interface {
	// CreateTask inserts a new task in StatusRunning.
	CreateTask(ctx context.Context, t *screening.Task) error

	// GetTask retrieves a task, reconciling progress.current against the
	// true count of screening results and writing back on mismatch
	// (spec.md §4.7, the "self-healing" read path).
	GetTask(ctx context.Context, taskID string) (*screening.Task, error)

	// ListTasks returns a page of tasks, optionally filtered by status,
	// newest-submission-first is not required; FIFO by started_at
	// ascending is used for claim ordering, ListTasks is display-only.
	ListTasks(ctx context.Context, status screening.Status, page, limit int) ([]*screening.Task, int, error)

	// AttachArticles bulk-inserts articles, only while status=running.
	AttachArticles(ctx context.Context, taskID string, articles []ArticleInput) (int, error)

	// ListArticles returns all articles for a task, insertion order.
	ListArticles(ctx context.Context, taskID string) ([]screening.Article, error)

	// UpsertResult writes (or overwrites) one screening result. Idempotent
	// on (task_id, article_id).
	UpsertResult(ctx context.Context, result screening.ScreeningResult) error

	// CountResults returns the number of screening results for a task.
	CountResults(ctx context.Context, taskID string) (int, error)

	// ListResults returns a page of results for a task, sorted by
	// relevance_score descending, optionally filtered by included.
	ListResults(ctx context.Context, taskID string, included *bool, page, limit int) ([]screening.ScreeningResult, int, error)

	// ListProcessedArticleIDs returns every article_id already screened
	// for a task, unpaginated. Used by the Task Processor to resolve
	// which articles remain (spec.md §4.5), where ListResults's page cap
	// would silently truncate the processed set for larger tasks.
	ListProcessedArticleIDs(ctx context.Context, taskID string) ([]string, error)

	// ClaimTask attempts to atomically claim one eligible task
	// (status running|full_screening, worker_claim absent or stale) for
	// ownerID, ordered by started_at ascending (spec.md §4.1, §4.6).
	ClaimTask(ctx context.Context, ownerID string, staleAfter time.Time, now time.Time) (*screening.Task, error)

	// ReleaseClaim clears worker_claim only if owned by ownerID.
	ReleaseClaim(ctx context.Context, taskID, ownerID string) error

	// AcquireLock sets processing_lock only if currently absent.
	AcquireLock(ctx context.Context, taskID, ownerID string) (bool, error)

	// ReleaseLock clears processing_lock only if owned by ownerID.
	ReleaseLock(ctx context.Context, taskID, ownerID string) error

	// CASStatus performs a conditional status transition. fields lets the
	// caller set additional columns atomically with the transition.
	CASStatus(ctx context.Context, taskID string, from []screening.Status, to screening.Status, fields TaskFields) (bool, error)

	// UpdateProgress conditionally bumps progress.current, only if the
	// task's status is unchanged since the caller last read it
	// (spec.md §4.5 step 5.b: "bump progress.current conditionally (only
	// if status unchanged)").
	UpdateProgress(ctx context.Context, taskID string, expectedStatus screening.Status, current int) (bool, error)

	// SetProgressTotal atomically sets progress.total.
	SetProgressTotal(ctx context.Context, taskID string, total int) error

	// SetRemainingArticles atomically replaces remaining_articles.
	SetRemainingArticles(ctx context.Context, taskID string, ids []string) error

	// RequestFullScreening conditionally transitions paused->full_screening,
	// preserving progress, and sets remaining_articles.
	RequestFullScreening(ctx context.Context, taskID string, remainingIDs []string) error

	// Touch updates last_activity_at for a task, used by the Task
	// Processor's per-batch liveness check (spec.md §4.5 step 5.a).
	Touch(ctx context.Context, taskID string) error

	// EnsureSchema creates the backing tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close()
}

// TaskFields holds the optional fields a CASStatus call may set alongside
// the status transition.
type TaskFields struct {
	Error             *string
	CompletedAt       *time.Time
	ProcessingLock     *string // empty string clears the lock
	ClearProcessingLock bool
	RemainingArticles  []string
}
