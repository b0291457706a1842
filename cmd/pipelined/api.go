package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/email"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gateway"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/pipeline"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/services"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
)

type api struct {
	store      store.Store
	dispatcher pipeline.Dispatcher
	intake     http.Handler
	grants     http.Handler
	uploads    http.Handler
	splitter   http.Handler
	logger     *slog.Logger
}

func newAPI(deps *bootstrap.Deps, intake *email.Intake, dispatcher pipeline.Dispatcher) (*api, error) {
	g, signer, err := deps.Gateway()
	if err != nil {
		return nil, err
	}
	a := &api{
		store:      deps.Store,
		dispatcher: dispatcher,
		intake:     email.IntakeHandler(intake, deps.Logger),
		grants:     gateway.GrantHandler(g, deps.Logger),
		splitter:   pipeline.ServeStage(services.NewPDFSplitter(deps.Substrate, deps.Config.Pipeline.ScratchZone, deps.Logger), deps.Logger),
		logger:     deps.Logger,
	}
	if signer != nil {
		a.uploads = gateway.UploadHandler(signer, deps.Backend, deps.Logger)
	}
	return a, nil
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/email", a.intake.ServeHTTP)
		r.Post("/grants", a.grants.ServeHTTP)
		if a.uploads != nil {
			r.Put("/uploads", a.uploads.ServeHTTP)
		}
		r.Get("/executions/{id}", a.getExecution)
		r.Post("/executions/{id}/resume", a.resumeExecution)
	})
	// Lets a local config point the splitter stage back at this process.
	r.Post("/stages/splitter", a.splitter.ServeHTTP)
	return r
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := a.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not Found: unknown execution", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("Failed to load execution", "executionId", id, "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(exec); err != nil {
		a.logger.Error("Failed to write response", "error", err, "executionId", id)
	}
}

func (a *api) resumeExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := a.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not Found: unknown execution", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("Failed to load execution", "executionId", id, "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}
	if exec.State.Terminal() {
		http.Error(w, "Conflict: execution already finished", http.StatusConflict)
		return
	}
	if err := a.dispatcher.Dispatch(r.Context(), id); err != nil {
		a.logger.Error("Failed to dispatch execution", "executionId", id, "error", err)
		http.Error(w, "Service Unavailable: could not queue execution", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
