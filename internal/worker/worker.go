// Package worker implements the Worker (C6, spec.md §4.6): a
// long-running loop that atomically claims eligible tasks from the
// Store, delegates to the Task Processor, tracks per-task error counts,
// and shuts down gracefully.
//
// Grounded on the teacher's internal/infra/task claim/lease pattern
// (TryClaimTask, RenewTaskLease) and worker-supervision style, using
// golang.org/x/sync/errgroup the way the teacher supervises concurrent
// goroutines, to run multiple worker instances under one process.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/example/articlescreen/internal/config"
	"github.com/example/articlescreen/internal/llmclient"
	"github.com/example/articlescreen/internal/obs"
	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// Processor is the subset of the Task Processor a Worker depends on.
type Processor interface {
	Process(ctx context.Context, taskID, ownerID string) error
}

// Config holds the scheduling knobs from spec.md §6.
type Config struct {
	StaleClaimTTL   time.Duration
	IdlePoll        time.Duration
	MaxTaskAttempts int
}

// Worker is one claim-process loop. ID identifies it as worker_claim
// owner and processing_lock owner.
type Worker struct {
	ID         string
	store      store.Store
	processor  Processor
	llm        *llmclient.Client
	cfgManager *config.Manager
	metrics    *obs.Metrics
	cfg        Config
	logger     obslog.Logger

	mu           sync.Mutex
	errorCounts  map[string]int
	currentTask  string
	cancelActive context.CancelFunc
	lastEndpoint string
	lastModel    string
}

// New constructs a Worker with a generated id. cfgManager and metrics
// may both be nil.
func New(st store.Store, proc Processor, llm *llmclient.Client, cfgManager *config.Manager, metrics *obs.Metrics, cfg Config) *Worker {
	return &Worker{
		ID:          uuid.NewString(),
		store:       st,
		processor:   proc,
		llm:         llm,
		cfgManager:  cfgManager,
		metrics:     metrics,
		cfg:         cfg,
		logger:      obslog.NewComponentLogger("worker"),
		errorCounts: make(map[string]int),
	}
}

func (w *Worker) recordCounter(c metric.Int64Counter) {
	if w.metrics == nil || c == nil {
		return
	}
	c.Add(context.Background(), 1)
}

// rescanConfig swaps the LLM client's endpoint/model if the live
// configuration changed since the last scan (spec.md §4.6 step 1). Swap
// is atomic from the client's perspective and never affects an in-flight
// request (spec.md §9).
func (w *Worker) rescanConfig() {
	if w.cfgManager == nil {
		return
	}
	s := w.cfgManager.Snapshot()
	if s.OllamaAPIURL == w.lastEndpoint && s.OllamaModel == w.lastModel {
		return
	}
	w.llm.SetEndpoint(s.OllamaAPIURL, s.OllamaModel)
	w.lastEndpoint = s.OllamaAPIURL
	w.lastModel = s.OllamaModel
	w.logger.Info("worker %s picked up endpoint=%s model=%s", w.ID, s.OllamaAPIURL, s.OllamaModel)
}

// Run executes the claim loop until ctx is cancelled, then performs the
// shutdown sequence (spec.md §4.6).
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker %s started", w.ID)
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		default:
		}

		w.rescanConfig()

		task, err := w.store.ClaimTask(ctx, w.ID, time.Now().Add(-w.cfg.StaleClaimTTL), time.Now())
		if err != nil {
			w.logger.Error("claim_task: %v", err)
			if !w.sleep(ctx, w.cfg.IdlePoll) {
				w.shutdown()
				return nil
			}
			continue
		}
		if task == nil {
			if w.metrics != nil {
				w.recordCounter(w.metrics.ClaimsEmpty)
			}
			if !w.sleep(ctx, w.cfg.IdlePoll) {
				w.shutdown()
				return nil
			}
			continue
		}
		if w.metrics != nil {
			w.recordCounter(w.metrics.ClaimsWon)
		}

		w.runClaimedTask(ctx, task)
	}
}

func (w *Worker) runClaimedTask(ctx context.Context, task *screening.Task) {
	if w.errorCount(task.TaskID) >= w.cfg.MaxTaskAttempts {
		w.logger.Warn("task %s exceeded %d attempts, marking permanently failed", task.TaskID, w.cfg.MaxTaskAttempts)
		msg := fmt.Sprintf("permanently failed after %d attempts", w.cfg.MaxTaskAttempts)
		now := time.Now()
		if _, err := w.store.CASStatus(ctx, task.TaskID,
			[]screening.Status{screening.StatusRunning, screening.StatusFullScreening},
			screening.StatusError, store.TaskFields{Error: &msg, CompletedAt: &now, ClearProcessingLock: true}); err != nil {
			w.logger.Error("mark permanently failed %s: %v", task.TaskID, err)
		}
		w.releaseClaim(task.TaskID)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.currentTask = task.TaskID
	w.cancelActive = cancel
	w.mu.Unlock()

	err := w.processor.Process(taskCtx, task.TaskID, w.ID)
	cancel()

	w.mu.Lock()
	w.currentTask = ""
	w.cancelActive = nil
	w.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		// The outer context is done: this failure is the shutdown
		// sequence unwinding an in-flight task, not a processing
		// failure, so it must not count against the task's attempt
		// budget (spec.md §4.6).
		w.markStopped(task.TaskID)
		w.releaseClaim(task.TaskID)
		return
	}

	if err != nil {
		w.bumpErrorCount(task.TaskID)
		attempt := w.errorCount(task.TaskID)
		w.logger.Error("task %s attempt %d failed: %v", task.TaskID, attempt, err)
		if w.metrics != nil {
			w.recordCounter(w.metrics.TasksErrored)
		}
		if attempt < w.cfg.MaxTaskAttempts {
			msg := fmt.Sprintf("attempt %d: %v", attempt, err)
			now := time.Now()
			if _, cerr := w.store.CASStatus(ctx, task.TaskID,
				[]screening.Status{screening.StatusRunning, screening.StatusFullScreening},
				screening.StatusError, store.TaskFields{Error: &msg, CompletedAt: &now, ClearProcessingLock: true}); cerr != nil {
				w.logger.Error("record error for %s: %v", task.TaskID, cerr)
			}
		}
	} else {
		w.resetErrorCount(task.TaskID)
		if w.metrics != nil {
			if refreshed, rerr := w.store.GetTask(ctx, task.TaskID); rerr == nil && refreshed.Status == screening.StatusDone {
				w.recordCounter(w.metrics.TasksCompleted)
			}
		}
	}

	w.releaseClaim(task.TaskID)
}

func (w *Worker) releaseClaim(taskID string) {
	if err := w.store.ReleaseClaim(context.Background(), taskID, w.ID); err != nil {
		w.logger.Error("release claim for %s: %v", taskID, err)
	}
}

// markStopped marks taskID errored with "Worker stopped" (spec.md §4.6)
// and releases its processing_lock. Used instead of the generic
// attempt-failure path because a shutdown-triggered cancellation is not
// a task failure and must not consume an attempt.
func (w *Worker) markStopped(taskID string) {
	msg := "Worker stopped"
	now := time.Now()
	ctx := context.Background()
	if _, err := w.store.CASStatus(ctx, taskID,
		[]screening.Status{screening.StatusRunning, screening.StatusFullScreening},
		screening.StatusError, store.TaskFields{Error: &msg, CompletedAt: &now, ClearProcessingLock: true}); err != nil {
		w.logger.Error("mark %s stopped: %v", taskID, err)
	}
	if err := w.store.ReleaseLock(ctx, taskID, w.ID); err != nil {
		w.logger.Error("release lock for %s: %v", taskID, err)
	}
	w.logger.Info("worker %s stopped task %s", w.ID, taskID)
}

// shutdown cancels any in-flight Task Processor invocation and, if a task
// is still recorded as current, marks it "Worker stopped" and releases its
// claim. Run calls it only between tasks, after runClaimedTask has
// returned and cleared currentTask, so the "Worker stopped" transition for
// an interrupted task is normally made by runClaimedTask itself.
func (w *Worker) shutdown() {
	w.mu.Lock()
	taskID := w.currentTask
	cancel := w.cancelActive
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if taskID != "" {
		w.markStopped(taskID)
		w.releaseClaim(taskID)
	}
	w.logger.Info("worker %s shut down", w.ID)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) errorCount(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errorCounts[taskID]
}

func (w *Worker) bumpErrorCount(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorCounts[taskID]++
}

func (w *Worker) resetErrorCount(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.errorCounts, taskID)
}

// Pool supervises N Workers sharing one Store and LLM Client, using
// errgroup the way the teacher supervises concurrent subsystems.
type Pool struct {
	workers []*Worker
}

// NewPool constructs n Workers. cfgManager and metrics may both be nil.
func NewPool(n int, st store.Store, proc Processor, llm *llmclient.Client, cfgManager *config.Manager, metrics *obs.Metrics, cfg Config) *Pool {
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = New(st, proc, llm, cfgManager, metrics, cfg)
	}
	return &Pool{workers: workers}
}

// Run opens the shared LLM client once (spec.md §9: "singleton
// connection pool owned by the process entry point"), starts all
// workers, and blocks until ctx is cancelled and every worker has
// completed its shutdown sequence.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return nil
	}
	llm := p.workers[0].llm
	if err := llm.Init(); err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	defer llm.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
