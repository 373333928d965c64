// Package httpapi is the engine's control surface: deployment CRUD, abort,
// live event streaming and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/pipeline"
	"github.com/splax/launchpad/internal/store"
	"github.com/splax/launchpad/internal/stream"
)

// Router wires HTTP endpoints to the engine.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	repo     store.Repository
	engine   *pipeline.Orchestrator
	hub      *stream.Hub
	runs     *runRegistry
	upgrader websocket.Upgrader
}

// NewRouter assembles routes with dependencies. gatherer may be nil when
// metrics exposure is unwanted.
func NewRouter(logger *slog.Logger, repo store.Repository, engine *pipeline.Orchestrator, hub *stream.Hub, gatherer prometheus.Gatherer) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		repo:   repo,
		engine: engine,
		hub:    hub,
		runs:   newRunRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.register(gatherer)
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register(gatherer prometheus.Gatherer) {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/deployments", r.audit(r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/ws/deployments/", r.audit(r.handleEventsWS))
	if gatherer != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// audit logs every request with its duration.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next(w, req)
		if r.logger != nil {
			r.logger.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"remote", req.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := r.repo.Flush(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deployRequest struct {
	Owner           string            `json:"owner"`
	ServiceName     string            `json:"service_name"`
	RepoRef         string            `json:"repo_ref"`
	Region          string            `json:"region,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	ConfigConfirmed bool              `json:"config_confirmed,omitempty"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Resolve the record up front so the response can carry its ID while the
	// pipeline runs in the background. CreateOrGet is idempotent with the
	// engine's own lookup.
	record, _, err := r.repo.CreateOrGet(req.Context(),
		store.NewRecord(payload.Owner, payload.ServiceName, payload.RepoRef, payload.Region, payload.EnvVars))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not register deployment")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if !r.runs.claim(record.ID, cancel) {
		cancel()
		writeError(w, http.StatusConflict, "deployment already in progress")
		return
	}

	go func() {
		defer r.runs.release(record.ID)
		result := r.engine.Execute(runCtx, pipeline.Request{
			Owner:           payload.Owner,
			ServiceName:     payload.ServiceName,
			RepoRef:         payload.RepoRef,
			Region:          payload.Region,
			EnvVars:         payload.EnvVars,
			ConfigConfirmed: payload.ConfigConfirmed,
		})
		if r.logger != nil {
			r.logger.Info("pipeline run finished",
				"deployment_id", result.DeploymentID,
				"outcome", result.Outcome)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": record.ID,
		"status":        string(record.Status),
	})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "deployment id required")
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch {
	case action == "" && req.Method == http.MethodGet:
		r.handleGetDeployment(w, req, id)
	case action == "abort" && req.Method == http.MethodPost:
		r.handleAbort(w, req, id)
	case action == "logs" && req.Method == http.MethodGet:
		r.handleLogs(w, req, id)
	case action == "":
		r.methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "unknown deployment action")
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, id string) {
	record, err := r.repo.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, deploymentView(record, r.runs.active(id)))
}

func (r *Router) handleAbort(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.repo.Get(req.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !r.runs.abort(id) {
		writeError(w, http.StatusConflict, "no active run to abort")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, id string) {
	record, err := r.repo.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": record.ID,
		"lines":         record.BuildLogs,
	})
}

// handleEventsWS upgrades to a websocket subscribed to the deployment's
// stage event stream.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/ws/deployments/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "deployment id required")
		return
	}
	if _, err := r.repo.Get(req.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := stream.NewWSClient(conn, r.logger)
	r.hub.Register(id, client)

	// Reader loop only to detect disconnect; inbound frames are ignored.
	go func() {
		defer func() {
			r.hub.Unregister(id, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func deploymentView(record *domain.DeploymentRecord, running bool) map[string]any {
	view := map[string]any{
		"id":           record.ID,
		"owner":        record.Owner,
		"service_name": record.ServiceName,
		"repo_ref":     record.RepoRef,
		"status":       record.Status,
		"running":      running,
		"stages":       record.Stages,
		"created_at":   record.CreatedAt,
		"updated_at":   record.UpdatedAt,
	}
	if record.Region != "" {
		view["region"] = record.Region
	}
	if record.ServiceURL != "" {
		view["service_url"] = record.ServiceURL
	}
	if record.ImageRef != "" {
		view["image_ref"] = record.ImageRef
	}
	if record.ErrorMessage != "" {
		view["error_message"] = record.ErrorMessage
	}
	if record.Analysis != nil {
		view["analysis"] = record.Analysis
	}
	if record.LastDeployed != nil {
		view["last_deployed"] = record.LastDeployed
	}
	return view
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
