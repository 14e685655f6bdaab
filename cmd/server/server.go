// Package server implements the long-running orchestration service: task
// pool, event listeners, OTA sweeper and webhook ingress.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/devicefleet/conductor/app"
	"github.com/devicefleet/conductor/listener"
	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/web"
	"github.com/spf13/cobra"
)

func NewCmdServer() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.GetConfig()
	eng := app.GetEngine()
	pool := app.GetPool()

	pool.Start(ctx)

	go func() {
		if err := eng.RunSweeper(ctx); err != nil {
			slog.Error("Sweeper exited", "error", err)
		}
	}()

	for _, backend := range executionBackends() {
		l := listener.New(eng, pool, backend)
		go func(name string) {
			if err := l.Run(ctx); err != nil {
				slog.Error("Listener exited", "backend", name, "error", err)
			}
		}(backend.Name)
	}

	srv := web.NewServer(cfg, web.NewHandlers(eng, pool,
		app.GetProjectRepository(), app.GetDeviceRepository()))

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	slog.Info("Ingress listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	pool.Wait()
	return nil
}

// executionBackends collects the distinct execution backends referenced by
// configured projects; one event listener runs per backend.
func executionBackends() []*models.ExecutionBackendModel {
	projects, err := app.GetProjectRepository().List()
	if err != nil {
		slog.Error("Failed to list projects", "error", err)
		return nil
	}
	seen := make(map[string]bool)
	var backends []*models.ExecutionBackendModel
	for _, project := range projects {
		backend := project.ExecutionBackend
		if backend == nil || seen[backend.Name] {
			continue
		}
		seen[backend.Name] = true
		backends = append(backends, backend)
	}
	return backends
}
