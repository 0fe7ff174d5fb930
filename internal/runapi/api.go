// Package runapi exposes the pipeline's operational HTTP surface:
// triggering runs, inspecting run status, and the circuit-breaker
// reset used to resume after a trip.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/patrol/internal/pipeline"
	"github.com/linnemanlabs/patrol/internal/runstate"
)

// PipelineService defines the run operations the API needs.
type PipelineService interface {
	Trigger(ctx context.Context) (*pipeline.Run, error)
	Get(id string) (*pipeline.Run, bool)
}

// BreakerService defines the circuit-breaker operations the API needs.
type BreakerService interface {
	BreakerState(ctx context.Context) (runstate.BreakerState, error)
	ResetBreaker(ctx context.Context) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	runs    PipelineService
	breaker BreakerService
}

// New creates a new API handler.
func New(logger log.Logger, runs PipelineService, breaker BreakerService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if runs == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	if breaker == nil {
		panic(xerrors.New("breaker service is required"))
	}
	return &API{
		logger:  logger,
		runs:    runs,
		breaker: breaker,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", a.handleTriggerRun)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/breaker", a.handleGetBreaker)
		r.Post("/breaker/reset", a.handleResetBreaker)
	})
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.Trigger(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			http.Error(w, `{"error":"another run is already active"}`, http.StatusConflict)
			return
		}
		a.logger.Error(r.Context(), err, "failed to trigger run")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("patrol.run.id", run.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(run)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("patrol.run.id", id))

	run, ok := a.runs.Get(id)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("patrol.run.state", string(run.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (a *API) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := a.breaker.BreakerState(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read breaker state")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (a *API) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := a.breaker.ResetBreaker(r.Context()); err != nil {
		a.logger.Error(r.Context(), err, "failed to reset breaker")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.logger.Info(r.Context(), "circuit breaker reset requested")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}
