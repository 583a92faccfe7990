// Command screenapi serves the Control API (C7): the thin HTTP command
// surface used to create tasks, attach articles, and query results.
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
	"github.com/example/articlescreen/internal/controlapi"
	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/store"
)

var listenAddr string

func main() {
	root := &cobra.Command{
		Use:   "screenapi",
		Short: "Run the article screening control API",
		RunE:  run,
	}
	root.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")

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

	router := controlapi.NewRouter(st)
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("screenapi listening on %s", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("screenapi shut down cleanly")
	}
	return nil
}
