// Package screening defines the core domain model shared by every
// component: Task, Article, ScreeningResult, and the lifecycle Status
// enum. It is intentionally dependency-free — the teacher's own
// internal/domain/task package is likewise stdlib-only, leaving
// third-party weight to the infra/adapter layers.
package screening

import "time"

// Status is the lifecycle state of a Task (spec.md §3).
type Status string

const (
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusFullScreening Status = "full_screening"
	StatusDone          Status = "done"
	StatusError         Status = "error"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// IsProcessable reports whether a worker may drive a task in this status.
func (s Status) IsProcessable() bool {
	return s == StatusRunning || s == StatusFullScreening
}

// Progress tracks how many of the planned articles have been screened.
type Progress struct {
	Total   int `json:"total"`
	Current int `json:"current"`
}

// WorkerClaim records which worker asserted intent to process a task, and
// when, for stale-claim reaping (spec.md §4.1, §4.6).
type WorkerClaim struct {
	WorkerID string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Task is the unit of screening work (spec.md §3).
type Task struct {
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
	SearchQuery string `json:"search_query"`
	Criteria   string `json:"criteria"`
	Model      string `json:"model"`
	Name       string `json:"name"`

	Status   Status   `json:"status"`
	Progress Progress `json:"progress"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	RemainingArticles []string `json:"remaining_articles,omitempty"`

	ProcessingLock string       `json:"processing_lock,omitempty"`
	WorkerClaim    *WorkerClaim `json:"worker_claim,omitempty"`
}

// Article is an immutable unit of screening input (spec.md §3).
type Article struct {
	TaskID    string    `json:"task_id"`
	ArticleID string    `json:"article_id"`
	Title     string    `json:"title"`
	Abstract  string    `json:"abstract"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultMetadata is the title/abstract snapshot stored with a result so
// result listings don't need an article join.
type ResultMetadata struct {
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

// ScreeningResult is the LLM's verdict on one article, normalised to the
// canonical schema (spec.md §3, §4.3).
type ScreeningResult struct {
	TaskID         string         `json:"task_id"`
	ArticleID      string         `json:"article_id"`
	Included       bool           `json:"included"`
	Reason         string         `json:"reason"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       ResultMetadata `json:"metadata"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Decision is the per-article verdict produced by the Response Normaliser
// and Batch Screener before it is persisted as a ScreeningResult.
type Decision struct {
	Included       bool
	Reason         string
	RelevanceScore float64
}
