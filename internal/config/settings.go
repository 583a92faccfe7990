// Package config loads and hot-reloads the process settings, adapted from
// the teacher's internal/config layered-config approach and the original
// Python Settings class (backend/config.py), which draws a hard line
// between values that must never change after startup (the database DSN)
// and values that may be live-reloaded (the LLM endpoint/model and the
// screening knobs).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/articlescreen/internal/obslog"
)

// Settings holds the process configuration. Fields are read by value by
// callers; Manager.Snapshot returns a copy so readers never race a
// concurrent reload.
type Settings struct {
	// Store settings — fixed at startup, never reloaded.
	DatabaseURL string
	DatabaseDB  string

	// LLM settings — reloadable.
	OllamaAPIURL string
	OllamaModel  string

	// Screening knobs — re-read by Manager reloads. The Task Processor is
	// built with the startup value and does not pick up a reloaded one.
	ArticleLimit int

	// Service knobs — fixed at startup.
	BatchSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	StaleClaimTTL   time.Duration
	MaxTaskAttempts int
	IdlePoll        time.Duration
	ReloadInterval  time.Duration
}

const (
	defaultArticleLimit    = 10
	defaultBatchSize       = 2
	defaultMaxRetries      = 2
	defaultRetryDelay      = 2 * time.Second
	defaultRequestTimeout  = 120 * time.Second
	defaultStaleClaimTTL   = 5 * time.Minute
	defaultMaxTaskAttempts = 3
	defaultIdlePoll        = 3 * time.Second
	defaultReloadInterval  = 5 * time.Second
	defaultScoreThreshold  = 60.0
)

// ScoreThreshold is the inclusion cutoff enforced by the Normaliser
// regardless of the LLM's stated boolean (spec.md §4.3, glossary).
const ScoreThreshold = defaultScoreThreshold

// LoadDotEnv loads a local .env file if present, mirroring the teacher's
// runtimeconfig.LoadDotEnv entrypoint helper. Missing file is not an error.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

// Load builds Settings from the environment via viper, applying the
// defaults spec.md §6 names.
func Load() (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("ARTICLE_LIMIT", defaultArticleLimit)
	v.SetDefault("BATCH_SIZE", defaultBatchSize)
	v.SetDefault("MAX_RETRIES", defaultMaxRetries)
	v.SetDefault("RETRY_DELAY", int(defaultRetryDelay.Seconds()))
	v.SetDefault("REQUEST_TIMEOUT", int(defaultRequestTimeout.Seconds()))

	dbURL := v.GetString("MONGODB_URI")
	if dbURL == "" {
		dbURL = v.GetString("DATABASE_URL")
	}
	dbName := v.GetString("MONGODB_DB")
	if dbName == "" {
		dbName = dbNameFromURL(dbURL)
	}

	s := Settings{
		DatabaseURL:     dbURL,
		DatabaseDB:      dbName,
		OllamaAPIURL:    v.GetString("OLLAMA_API_URL"),
		OllamaModel:     v.GetString("OLLAMA_MODEL"),
		ArticleLimit:    v.GetInt("ARTICLE_LIMIT"),
		BatchSize:       v.GetInt("BATCH_SIZE"),
		MaxRetries:      v.GetInt("MAX_RETRIES"),
		RetryDelay:      time.Duration(v.GetInt("RETRY_DELAY")) * time.Second,
		RequestTimeout:  time.Duration(v.GetInt("REQUEST_TIMEOUT")) * time.Second,
		StaleClaimTTL:   defaultStaleClaimTTL,
		MaxTaskAttempts: defaultMaxTaskAttempts,
		IdlePoll:        defaultIdlePoll,
		ReloadInterval:  defaultReloadInterval,
	}
	return s, nil
}

// dbNameFromURL extracts the database name from a connection URI's path,
// matching the original's urlparse(MONGODB_URI).path.lstrip('/') logic.
func dbNameFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// Manager owns a live Settings value and reloads the reloadable fields
// when the environment file changes, via fsnotify rather than the
// original's mtime-polling loop (an idiomatic Go upgrade of the same
// behavior — see DESIGN.md).
type Manager struct {
	mu       sync.RWMutex
	current  Settings
	envPath  string
	logger   obslog.Logger
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Manager seeded with the given initial settings,
// watching envPath for changes (envPath may be empty to disable watching).
func NewManager(initial Settings, envPath string) (*Manager, error) {
	m := &Manager{
		current: initial,
		envPath: envPath,
		logger:  obslog.NewComponentLogger("config"),
		stopCh:  make(chan struct{}),
	}
	if envPath == "" {
		return m, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(envPath); err != nil {
		w.Close()
		m.logger.Warn("config watch disabled for %s: %v", envPath, err)
		return m, nil
	}
	m.watcher = w
	go m.watchLoop()
	return m, nil
}

func (m *Manager) watchLoop() {
	var lastReload time.Time
	interval := m.current.ReloadInterval
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < interval {
				continue
			}
			lastReload = time.Now()
			m.reloadIfChanged()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error: %v", err)
		}
	}
}

// reloadIfChanged re-reads the reloadable fields from the environment.
// Mirrors the original's Settings.reload_if_changed: only OLLAMA_API_URL,
// OLLAMA_MODEL, and ARTICLE_LIMIT are re-read; database settings are
// never touched after startup.
func (m *Manager) reloadIfChanged() {
	if err := godotenv.Overload(m.envPath); err != nil {
		m.logger.Error("reload %s: %v", m.envPath, err)
		return
	}
	v := viper.New()
	v.AutomaticEnv()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s := v.GetString("OLLAMA_API_URL"); s != "" {
		m.current.OllamaAPIURL = s
	}
	if s := v.GetString("OLLAMA_MODEL"); s != "" {
		m.current.OllamaModel = s
	}
	if n := v.GetInt("ARTICLE_LIMIT"); n > 0 {
		m.current.ArticleLimit = n
	}
	m.logger.Info("configuration reloaded: ollama_url=%s ollama_model=%s article_limit=%d",
		m.current.OllamaAPIURL, m.current.OllamaModel, m.current.ArticleLimit)
}

// Snapshot returns a copy of the current settings, safe to read without
// racing a concurrent reload.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Close stops the watch loop.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
	return nil
}
