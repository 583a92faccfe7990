package worker

import (
	"context"
	"sync"
	"time"

	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// fakeStore is an in-memory Store exercising the claim loop without a
// live Postgres instance, mirroring taskproc's fakeStore shape.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*screening.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*screening.Task)}
}

func (f *fakeStore) put(t *screening.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.TaskID] = &cp
}

func (f *fakeStore) get(taskID string) *screening.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (f *fakeStore) CreateTask(ctx context.Context, t *screening.Task) error {
	f.put(t)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (*screening.Task, error) {
	t := f.get(taskID)
	if t == nil {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, status screening.Status, page, limit int) ([]*screening.Task, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) AttachArticles(ctx context.Context, taskID string, articles []store.ArticleInput) (int, error) {
	return 0, nil
}

func (f *fakeStore) ListArticles(ctx context.Context, taskID string) ([]screening.Article, error) {
	return nil, nil
}

func (f *fakeStore) UpsertResult(ctx context.Context, r screening.ScreeningResult) error { return nil }

func (f *fakeStore) CountResults(ctx context.Context, taskID string) (int, error) { return 0, nil }

func (f *fakeStore) ListResults(ctx context.Context, taskID string, included *bool, page, limit int) ([]screening.ScreeningResult, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) ListProcessedArticleIDs(ctx context.Context, taskID string) ([]string, error) {
	return nil, nil
}

// ClaimTask hands out the first task found eligible (running or
// full_screening, no claim held; staleAfter is ignored), newest-untouched-first is not
// required for these tests — map iteration order is good enough since
// each test seeds at most one claimable task at a time.
func (f *fakeStore) ClaimTask(ctx context.Context, ownerID string, staleAfter, now time.Time) (*screening.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Status != screening.StatusRunning && t.Status != screening.StatusFullScreening {
			continue
		}
		if t.WorkerClaim != nil && t.WorkerClaim.WorkerID != "" {
			continue
		}
		t.WorkerClaim = &screening.WorkerClaim{WorkerID: ownerID, ClaimedAt: now}
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, taskID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok && t.WorkerClaim != nil && t.WorkerClaim.WorkerID == ownerID {
		t.WorkerClaim = nil
	}
	return nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, taskID, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.ProcessingLock != "" {
		return false, nil
	}
	t.ProcessingLock = ownerID
	return true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, taskID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok && t.ProcessingLock == ownerID {
		t.ProcessingLock = ""
	}
	return nil
}

func (f *fakeStore) CASStatus(ctx context.Context, taskID string, from []screening.Status, to screening.Status, fields store.TaskFields) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if len(from) > 0 {
		match := false
		for _, s := range from {
			if t.Status == s {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	t.Status = to
	if fields.Error != nil {
		t.Error = *fields.Error
	}
	if fields.CompletedAt != nil {
		t.CompletedAt = fields.CompletedAt
	}
	if fields.ClearProcessingLock {
		t.ProcessingLock = ""
	} else if fields.ProcessingLock != nil {
		t.ProcessingLock = *fields.ProcessingLock
	}
	if fields.RemainingArticles != nil {
		t.RemainingArticles = fields.RemainingArticles
	}
	return true, nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, taskID string, expectedStatus screening.Status, current int) (bool, error) {
	return true, nil
}

func (f *fakeStore) SetProgressTotal(ctx context.Context, taskID string, total int) error { return nil }

func (f *fakeStore) SetRemainingArticles(ctx context.Context, taskID string, ids []string) error {
	return nil
}

func (f *fakeStore) RequestFullScreening(ctx context.Context, taskID string, remainingIDs []string) error {
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, taskID string) error { return nil }

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeStore) Close() {}
