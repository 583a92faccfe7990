package controlapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// fakeStore is an in-memory Store exercising the Control API's handlers
// without a live Postgres instance, mirroring the fakeStore shape used by
// taskproc and worker's own tests.
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

// setArticlesForTest seeds n placeholder articles for taskID, used by
// tests that only need article_count to be non-zero.
func (f *fakeStore) setArticlesForTest(taskID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	articles := make([]screening.Article, n)
	for i := range articles {
		articles[i] = screening.Article{TaskID: taskID, ArticleID: "a" + string(rune('0'+i))}
	}
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
	cp.Progress.Current = len(f.results[taskID])
	return &cp, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, status screening.Status, page, limit int) ([]*screening.Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.tasks {
		if status != "" && t.Status != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*screening.Task, 0, len(ids))
	for _, id := range ids {
		cp := *f.tasks[id]
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (f *fakeStore) AttachArticles(ctx context.Context, taskID string, articles []store.ArticleInput) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if t.Status != screening.StatusRunning {
		return 0, store.ErrConflict
	}
	for _, a := range articles {
		f.articles[taskID] = append(f.articles[taskID], screening.Article{
			TaskID: taskID, ArticleID: a.ArticleID, Title: a.Title, Abstract: a.Abstract,
		})
	}
	return len(articles), nil
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
	sort.Slice(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
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
	return true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, taskID, ownerID string) error { return nil }

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
func (f *fakeStore) EnsureSchema(ctx context.Context) error         { return nil }
func (f *fakeStore) Close()                                         {}
