package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/gbp/internal/apikey"
	"git.home.luguber.info/inful/gbp/internal/stats"
	"git.home.luguber.info/inful/gbp/internal/types"
	"git.home.luguber.info/inful/gbp/internal/worker"
)

// runServe starts the long-running server: the metrics and API endpoints,
// the scheduled jobs, and the queue consumer loop.
func (a *app) runServe(ctx context.Context) error {
	reg := prom.NewRegistry()
	unbindRecorder := stats.BindRecorder(a.publisher.Dispatcher(), stats.NewPrometheusRecorder(reg))
	defer unbindRecorder()

	collector := stats.NewCollector(a.publisher)
	unbindCollector := collector.Bind(a.publisher.Dispatcher())
	defer unbindCollector()

	var keyStore *apikey.Store
	if a.settings.APIKeyEnable {
		store, err := apikey.NewStore(filepath.Join(a.settings.StoragePath, "apikeys.json"), a.settings.APIKeyKey)
		if err != nil {
			return err
		}
		keyStore = store
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /machines", a.handleMachines)
	mux.HandleFunc("GET /machines/{machine}/stats", a.handleMachineStats(collector))
	mux.Handle("POST /builds/{build}/pull", apikey.Middleware(keyStore, a.taskHandler(worker.PullBuild)))
	mux.Handle("POST /builds/{build}/publish", apikey.Middleware(keyStore, a.taskHandler(worker.PublishBuild)))
	mux.Handle("DELETE /builds/{build}", apikey.Middleware(keyStore, a.taskHandler(worker.DeleteBuild)))
	mux.Handle("POST /machines/{machine}/purge", apikey.Middleware(keyStore, a.purgeHandler()))

	scheduler, err := a.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Scheduler shutdown failed", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              a.settings.PrometheusAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Serving", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := a.worker.Work(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// startScheduler wires the periodic jobs: a daily purge across all machines
// when purging is enabled, and the per-machine CI build schedules from the
// machines file.
func (a *app) startScheduler(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	if a.settings.EnablePurge {
		_, err := scheduler.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(func() { a.purgeAll(ctx) }),
			gocron.WithName("purge"),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule purge: %w", err)
		}
	}

	if a.settings.MachinesFile != "" {
		schedules, err := loadMachines(a.settings.MachinesFile)
		if err != nil {
			return nil, err
		}
		for _, schedule := range schedules {
			schedule := schedule
			_, err := scheduler.NewJob(
				gocron.DurationJob(schedule.Every),
				gocron.NewTask(func() {
					slog.Info("Scheduling CI build", "machine", schedule.Name)
					if _, err := a.publisher.ScheduleBuild(ctx, schedule.Name, schedule.Params); err != nil {
						slog.Error("Schedule CI build failed", "machine", schedule.Name, "error", err)
					}
				}),
				gocron.WithName("build-"+schedule.Name),
			)
			if err != nil {
				return nil, fmt.Errorf("schedule builds for %s: %w", schedule.Name, err)
			}
		}
	}

	scheduler.Start()
	return scheduler, nil
}

func (a *app) purgeAll(ctx context.Context) {
	machines, err := a.publisher.Records().ListMachines(ctx)
	if err != nil {
		slog.Error("Purge: list machines failed", "error", err)
		return
	}
	for _, machine := range machines {
		if err := a.worker.Run(ctx, worker.PurgeMachine, machine); err != nil {
			slog.Error("Purge failed", "machine", machine, "error", err)
		}
	}
}

func (a *app) handleMachines(w http.ResponseWriter, r *http.Request) {
	infos, err := a.publisher.Machines(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, infos)
}

func (a *app) handleMachineStats(collector *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := collector.ForMachine(r.Context(), r.PathValue("machine"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, s)
	}
}

// taskHandler submits a build task to the worker. 202 means accepted, not
// done: queue backends run it later.
func (a *app) taskHandler(task worker.Task) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := types.ParseBuild(r.PathValue("build")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.worker.Run(r.Context(), task, r.PathValue("build")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (a *app) purgeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.worker.Run(r.Context(), worker.PurgeMachine, r.PathValue("machine")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode response failed", "error", err)
	}
}
