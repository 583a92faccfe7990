// Command screenworker runs the background worker pool that claims and
// drives screening tasks (C5/C6). Entry point follows the teacher's
// cmd/alex-server/main.go shape (LoadDotEnv then fail fast), generalised
// to a cobra root command per the rest of the pack's CLI convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/articlescreen/internal/config"
	"github.com/example/articlescreen/internal/llmclient"
	"github.com/example/articlescreen/internal/obs"
	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/screener"
	"github.com/example/articlescreen/internal/store"
	"github.com/example/articlescreen/internal/taskproc"
	"github.com/example/articlescreen/internal/worker"
)

// metricsMux mounts the prometheus exporter's /metrics endpoint used by
// the worker's ambient observability instruments (spec.md §9 "ambient
// stack"; no endpoint is named in spec.md §6 since metrics are outside
// the Control API's scope).
func metricsMux(m *obs.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

var (
	numWorkers    int
	envFile       string
	metricsListen string
)

func main() {
	root := &cobra.Command{
		Use:   "screenworker",
		Short: "Run the article screening worker pool",
		RunE:  run,
	}
	root.Flags().IntVar(&numWorkers, "workers", 2, "number of concurrent worker goroutines")
	root.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file watched for reloads (the startup load always reads ./.env)")
	root.Flags().StringVar(&metricsListen, "metrics-listen", ":9090", "address to serve /metrics on (empty disables)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := obslog.NewComponentLogger("main")

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfgManager, err := config.NewManager(settings, envFile)
	if err != nil {
		logger.Warn("config hot-reload disabled: %v", err)
		cfgManager = nil
	}
	defer func() {
		if cfgManager != nil {
			cfgManager.Close()
		}
	}()

	ctx := context.Background()
	dbPool, err := store.Connect(ctx, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	st := store.NewPostgresStore(dbPool)
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	llmCfg := llmclient.DefaultConfig(settings.OllamaAPIURL, settings.OllamaModel, settings.MaxRetries)
	llm := llmclient.New(llmCfg)

	sc := screener.New(llm, config.ScoreThreshold)
	proc := taskproc.New(st, sc, taskproc.Config{
		ArticleLimit: settings.ArticleLimit,
		BatchSize:    settings.BatchSize,
		MaxRetries:   settings.MaxRetries,
		RetryDelay:   settings.RetryDelay,
	})

	metrics, err := obs.New()
	if err != nil {
		logger.Warn("metrics disabled: %v", err)
		metrics = nil
	}
	if metrics != nil {
		proc.SetMetrics(metrics)
	}

	workerPool := worker.NewPool(numWorkers, st, proc, llm, cfgManager, metrics, worker.Config{
		StaleClaimTTL:   settings.StaleClaimTTL,
		IdlePoll:        settings.IdlePoll,
		MaxTaskAttempts: settings.MaxTaskAttempts,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metrics != nil && metricsListen != "" {
		metricsSrv := &http.Server{Addr: metricsListen, Handler: metricsMux(metrics)}
		go func() {
			logger.Info("metrics listening on %s", metricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metrics.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("screenworker starting with %d workers", numWorkers)
	if err := workerPool.Run(runCtx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	logger.Info("screenworker shut down cleanly")
	return nil
}
