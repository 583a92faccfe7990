package taskproc

import (
	"context"
	"sync"
	"time"

	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// fakeStore is an in-memory Store used to exercise the Task Processor's
// plan resolution and batch loop without a live Postgres instance,
// mirroring the in-memory TaskStore shape seen across the retrieved
// worker-pool examples (insertion-ordered slices guarded by a mutex).
type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*screening.Task
	articles map[string][]screening.Article
	results  map[string]map[string]screening.ScreeningResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*screening.Task),
		articles: make(map[string][]screening.Article),
		results:  make(map[string]map[string]screening.ScreeningResult),
	}
}

func (f *fakeStore) put(t *screening.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.TaskID] = &cp
}

func (f *fakeStore) setArticles(taskID string, articles []screening.Article) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articles[taskID] = articles
}

func (f *fakeStore) CreateTask(ctx context.Context, t *screening.Task) error {
	f.put(t)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (*screening.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, status screening.Status, page, limit int) ([]*screening.Task, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) AttachArticles(ctx context.Context, taskID string, articles []store.ArticleInput) (int, error) {
	return 0, nil
}

func (f *fakeStore) ListArticles(ctx context.Context, taskID string) ([]screening.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]screening.Article, len(f.articles[taskID]))
	copy(out, f.articles[taskID])
	return out, nil
}

func (f *fakeStore) UpsertResult(ctx context.Context, r screening.ScreeningResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results[r.TaskID] == nil {
		f.results[r.TaskID] = make(map[string]screening.ScreeningResult)
	}
	f.results[r.TaskID][r.ArticleID] = r
	return nil
}

func (f *fakeStore) CountResults(ctx context.Context, taskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results[taskID]), nil
}

func (f *fakeStore) ListResults(ctx context.Context, taskID string, included *bool, page, limit int) ([]screening.ScreeningResult, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []screening.ScreeningResult
	for _, r := range f.results[taskID] {
		if included != nil && r.Included != *included {
			continue
		}
		out = append(out, r)
	}
	return out, len(out), nil
}

func (f *fakeStore) ListProcessedArticleIDs(ctx context.Context, taskID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.results[taskID]))
	for id := range f.results[taskID] {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeStore) ClaimTask(ctx context.Context, ownerID string, staleAfter, now time.Time) (*screening.Task, error) {
	return nil, nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, taskID, ownerID string) error { return nil }

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
	t, ok := f.tasks[taskID]
	if !ok {
		return nil
	}
	if t.ProcessingLock == ownerID {
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
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != expectedStatus {
		return false, nil
	}
	t.Progress.Current = current
	return true, nil
}

func (f *fakeStore) SetProgressTotal(ctx context.Context, taskID string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.Progress.Total = total
	}
	return nil
}

func (f *fakeStore) SetRemainingArticles(ctx context.Context, taskID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.RemainingArticles = ids
	}
	return nil
}

func (f *fakeStore) RequestFullScreening(ctx context.Context, taskID string, remainingIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != screening.StatusPaused {
		return store.ErrConflict
	}
	t.Status = screening.StatusFullScreening
	t.RemainingArticles = remainingIDs
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, taskID string) error { return nil }

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeStore) Close() {}
