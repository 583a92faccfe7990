// Package taskproc implements the Task Processor (C5, spec.md §4.5): it
// drives one task end-to-end, resolving the processing plan, iterating
// batches through the Batch Screener, persisting results, and finalising
// the task's lifecycle state.
//
// Grounded on the teacher's internal/domain/task lifecycle model (lock
// acquisition, conditional transitions) generalised to this system's
// five-state machine, and on the original's backend/worker/task_manager.py
// sequencing of plan resolution, batching, and finalisation.
package taskproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/articlescreen/internal/obs"
	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// Screener is the subset of the Batch Screener the processor depends on.
type Screener interface {
	Screen(ctx context.Context, articles []screening.Article, criteria, model string) (map[string]screening.Decision, error)
}

// Config holds the batch scheduling knobs from spec.md §6.
type Config struct {
	ArticleLimit int
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// Processor drives individual tasks through their lifecycle.
type Processor struct {
	store    store.Store
	screener Screener
	cfg      Config
	logger   obslog.Logger
	metrics  *obs.Metrics
}

// New constructs a Processor.
func New(st store.Store, sc Screener, cfg Config) *Processor {
	return &Processor{
		store:    st,
		screener: sc,
		cfg:      cfg,
		logger:   obslog.NewComponentLogger("taskproc"),
	}
}

// SetMetrics attaches the ambient batch-latency/retry instruments (spec.md
// §2 C5 share covers batching; the instruments themselves are carried
// observability infrastructure, not spec-mandated). Safe to call with nil.
func (p *Processor) SetMetrics(m *obs.Metrics) {
	p.metrics = m
}

// Process drives taskID end-to-end (spec.md §4.5). ownerID must match the
// worker_claim/processing_lock owner used by the caller's Worker.
func (p *Processor) Process(ctx context.Context, taskID, ownerID string) error {
	acquired, err := p.store.AcquireLock(ctx, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("taskproc: acquire lock: %w", err)
	}
	if !acquired {
		// Another worker is driving it; abort silently (spec.md §4.5 step 1).
		return nil
	}
	defer func() {
		if err := p.store.ReleaseLock(context.Background(), taskID, ownerID); err != nil {
			p.logger.Error("release lock for %s: %v", taskID, err)
		}
	}()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("taskproc: get task: %w", err)
	}
	if !task.Status.IsProcessable() {
		return nil
	}

	if task.Error != "" {
		// Clear a stale error field from a prior failed attempt, preserving
		// progress.current so a re-run resumes rather than restarts
		// (spec.md §4.5 step 3).
		empty := ""
		if _, err := p.store.CASStatus(ctx, taskID, []screening.Status{task.Status}, task.Status, store.TaskFields{Error: &empty}); err != nil {
			return fmt.Errorf("taskproc: clear stale error: %w", err)
		}
	}

	startStatus := task.Status
	plan, err := p.resolvePlan(ctx, task)
	if err != nil {
		return p.fail(ctx, taskID, err)
	}
	if len(plan) == 0 {
		return p.finalize(ctx, taskID, startStatus, task.Progress.Current)
	}

	current := task.Progress.Current
	for i := 0; i < len(plan); i += p.cfg.BatchSize {
		end := i + p.cfg.BatchSize
		if end > len(plan) {
			end = len(plan)
		}
		batch := plan[i:end]

		live, err := p.checkLive(ctx, taskID, ownerID, startStatus)
		if err != nil {
			return err
		}
		if !live {
			return nil
		}

		decisions, err := p.runBatchWithRetry(ctx, batch, task.Criteria, task.Model)
		if err != nil {
			return p.fail(ctx, taskID, fmt.Errorf("batch exhausted retries: %w", err))
		}

		for _, article := range batch {
			d, ok := decisions[article.ArticleID]
			if !ok {
				// Missing decision: the article is left unwritten and is not
				// retried in this pass. It stays out of the processed set, so
				// a later pass over the task (a full screening after a pause)
				// plans it again; a pass that ends in done leaves it unscreened.
				continue
			}
			result := screening.ScreeningResult{
				TaskID:         taskID,
				ArticleID:      article.ArticleID,
				Included:       d.Included,
				Reason:         d.Reason,
				RelevanceScore: d.RelevanceScore,
				Metadata: screening.ResultMetadata{
					Title:    article.Title,
					Abstract: article.Abstract,
				},
				UpdatedAt: time.Now(),
			}
			if err := p.store.UpsertResult(ctx, result); err != nil {
				return fmt.Errorf("taskproc: upsert result: %w", err)
			}
			current++
			if ok, err := p.store.UpdateProgress(ctx, taskID, startStatus, current); err != nil {
				return fmt.Errorf("taskproc: update progress: %w", err)
			} else if !ok {
				// Status changed under us; stop at the end of this article
				// without marking further results (spec.md §4.5 edge cases).
				return nil
			}
		}

		if startStatus == screening.StatusRunning && current >= p.cfg.ArticleLimit {
			applied, err := p.store.CASStatus(ctx, taskID, []screening.Status{screening.StatusRunning}, screening.StatusPaused, store.TaskFields{})
			if err != nil {
				return fmt.Errorf("taskproc: transition to paused: %w", err)
			}
			if applied {
				return nil
			}
		}
	}

	return p.finalize(ctx, taskID, startStatus, current)
}

// resolvePlan computes the ordered list of articles to screen this pass
// and atomically sets progress.total (spec.md §4.5 step 4).
func (p *Processor) resolvePlan(ctx context.Context, task *screening.Task) ([]screening.Article, error) {
	all, err := p.store.ListArticles(ctx, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	processedIDs, err := p.store.ListProcessedArticleIDs(ctx, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list processed article ids: %w", err)
	}
	processed := make(map[string]bool, len(processedIDs))
	for _, id := range processedIDs {
		processed[id] = true
	}

	remaining := make([]screening.Article, 0, len(all))
	for _, a := range all {
		if !processed[a.ArticleID] {
			remaining = append(remaining, a)
		}
	}

	var plan []screening.Article
	var total int
	switch task.Status {
	case screening.StatusRunning:
		batchCap := p.cfg.ArticleLimit - len(processed)
		if batchCap < 0 {
			batchCap = 0
		}
		if batchCap < len(remaining) {
			plan = remaining[:batchCap]
			deferred := make([]string, 0, len(remaining)-batchCap)
			for _, a := range remaining[batchCap:] {
				deferred = append(deferred, a.ArticleID)
			}
			if err := p.store.SetRemainingArticles(ctx, task.TaskID, deferred); err != nil {
				return nil, fmt.Errorf("set remaining articles: %w", err)
			}
		} else {
			plan = remaining
		}
		total = p.cfg.ArticleLimit
	case screening.StatusFullScreening:
		plan = remaining
		total = len(all)
	default:
		return nil, nil
	}

	if err := p.store.SetProgressTotal(ctx, task.TaskID, total); err != nil {
		return nil, fmt.Errorf("set progress total: %w", err)
	}
	return plan, nil
}

// checkLive re-reads the task, touches last_activity_at, and verifies it
// still holds the lock and is in a processable status (spec.md §4.5 step
// 5.a).
func (p *Processor) checkLive(ctx context.Context, taskID, ownerID string, startStatus screening.Status) (bool, error) {
	if err := p.store.Touch(ctx, taskID); err != nil {
		return false, fmt.Errorf("taskproc: touch: %w", err)
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("taskproc: reload: %w", err)
	}
	if task.ProcessingLock != ownerID {
		return false, nil
	}
	if task.Status != startStatus {
		return false, nil
	}
	return true, nil
}

// runBatchWithRetry re-enters the Batch Screener up to MaxRetries times on
// failure, sleeping RetryDelay*attempt between attempts (spec.md §4.5 step
// 5.c).
func (p *Processor) runBatchWithRetry(ctx context.Context, batch []screening.Article, criteria, model string) (map[string]screening.Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		start := time.Now()
		decisions, err := p.screener.Screen(ctx, batch, criteria, model)
		if p.metrics != nil && p.metrics.BatchLatency != nil {
			p.metrics.BatchLatency.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return decisions, nil
		}
		lastErr = err
		if attempt == p.cfg.MaxRetries {
			break
		}
		if p.metrics != nil && p.metrics.BatchRetries != nil {
			p.metrics.BatchRetries.Add(ctx, 1)
		}
		delay := time.Duration(attempt+1) * p.cfg.RetryDelay
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// finalize transitions a task out of its processing status once the
// batch loop has drained the plan (spec.md §4.5 step 6).
func (p *Processor) finalize(ctx context.Context, taskID string, startStatus screening.Status, current int) error {
	now := time.Now()
	switch startStatus {
	case screening.StatusRunning:
		if current >= p.cfg.ArticleLimit {
			// Cap already reached with nothing left to plan under it: pause
			// for full screening rather than completing.
			if _, err := p.store.CASStatus(ctx, taskID, []screening.Status{screening.StatusRunning}, screening.StatusPaused, store.TaskFields{}); err != nil {
				return fmt.Errorf("taskproc: transition to paused: %w", err)
			}
			return nil
		}
		// All articles processed and below the cap: done.
		_, err := p.store.CASStatus(ctx, taskID, []screening.Status{screening.StatusRunning}, screening.StatusDone, store.TaskFields{CompletedAt: &now})
		if err != nil {
			return fmt.Errorf("taskproc: finalize done: %w", err)
		}
	case screening.StatusFullScreening:
		_, err := p.store.CASStatus(ctx, taskID, []screening.Status{screening.StatusFullScreening}, screening.StatusDone, store.TaskFields{CompletedAt: &now})
		if err != nil {
			return fmt.Errorf("taskproc: finalize done: %w", err)
		}
	}
	return nil
}

// fail records an unhandled error and transitions the task to error
// (spec.md §4.5 step 6, §7).
func (p *Processor) fail(ctx context.Context, taskID string, cause error) error {
	now := time.Now()
	msg := cause.Error()
	_, err := p.store.CASStatus(ctx, taskID,
		[]screening.Status{screening.StatusRunning, screening.StatusFullScreening},
		screening.StatusError,
		store.TaskFields{Error: &msg, CompletedAt: &now, ClearProcessingLock: true})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("taskproc: record failure: %w", err))
	}
	return cause
}
