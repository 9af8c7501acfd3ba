// Package v0 provides the REST API handlers for the fabric API.
package v0

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datafabrix/fabric/internal/discovery"
	"github.com/datafabrix/fabric/internal/federation"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
	"github.com/datafabrix/fabric/internal/service"
	"github.com/datafabrix/fabric/internal/versions"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListSourcesResponse wraps a source listing
type ListSourcesResponse struct {
	Sources []registry.Descriptor `json:"sources"`
	Total   int                   `json:"total"`
}

// TransitionRequest names the target lifecycle state
type TransitionRequest struct {
	State registry.LifecycleState `json:"state"`
}

// SchemaResponse wraps a snapshot with its freshness
type SchemaResponse struct {
	Snapshot *introspect.Snapshot `json:"snapshot"`
	Fresh    bool                 `json:"fresh"`
}

// ScanRequest defines one discovery scan
type ScanRequest struct {
	Targets        []string        `json:"targets"`
	Kinds          []registry.Kind `json:"kinds,omitempty"`
	CredentialsRef string          `json:"credentials_ref,omitempty"`
	Register       bool            `json:"register,omitempty"`
}

// ScanResponse lists the proposed descriptors of a scan
type ScanResponse struct {
	Proposals []registry.Descriptor `json:"proposals"`
	Total     int                   `json:"total"`
}

// PoolStatsResponse lists per-source pool statistics
type PoolStatsResponse struct {
	Pools []pool.Stats `json:"pools"`
}

// ResizeRequest sets a pool's target size
type ResizeRequest struct {
	Target int `json:"target"`
}

// Routes defines the routes for the fabric API with dependency injection
type Routes struct {
	service service.FabricService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.FabricService) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the fabric API
func Router(svc service.FabricService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", routes.listSources)
		r.Post("/", routes.createSource)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", routes.getSource)
			r.Patch("/", routes.updateSource)
			r.Post("/transition", routes.transitionSource)
			r.Get("/health", routes.getSourceHealth)
			r.Get("/schema", routes.getSourceSchema)
			r.Post("/schema/refresh", routes.refreshSourceSchema)
		})
	})

	r.Post("/query", routes.executeQuery)
	r.Post("/discovery/scan", routes.scanEndpoints)

	r.Get("/pools", routes.getPoolStats)
	r.Post("/pools/{id}/resize", routes.resizePool)

	return r
}

// listSources handles GET /v0/sources with optional kind and state filters
func (fr *Routes) listSources(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		Kind:  registry.Kind(r.URL.Query().Get("kind")),
		State: registry.LifecycleState(r.URL.Query().Get("state")),
	}

	sources := fr.service.ListSources(r.Context(), filter)
	fr.writeJSONResponse(w, http.StatusOK, ListSourcesResponse{
		Sources: sources,
		Total:   len(sources),
	})
}

// createSource handles POST /v0/sources
func (fr *Routes) createSource(w http.ResponseWriter, r *http.Request) {
	var d registry.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	created, err := fr.service.CreateSource(r.Context(), d)
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusCreated, created)
}

// getSource handles GET /v0/sources/{id}
func (fr *Routes) getSource(w http.ResponseWriter, r *http.Request) {
	d, err := fr.service.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, d)
}

// updateSource handles PATCH /v0/sources/{id}
func (fr *Routes) updateSource(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := fr.service.UpdateSource(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, updated)
}

// transitionSource handles POST /v0/sources/{id}/transition
func (fr *Routes) transitionSource(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	d, err := fr.service.TransitionSource(r.Context(), chi.URLParam(r, "id"), req.State)
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, d)
}

// getSourceHealth handles GET /v0/sources/{id}/health
func (fr *Routes) getSourceHealth(w http.ResponseWriter, r *http.Request) {
	status, err := fr.service.SourceHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, status)
}

// getSourceSchema handles GET /v0/sources/{id}/schema
func (fr *Routes) getSourceSchema(w http.ResponseWriter, r *http.Request) {
	snapshot, fresh, err := fr.service.SourceSchema(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	if snapshot == nil {
		fr.writeErrorResponse(w, "No schema snapshot available", http.StatusNotFound)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, SchemaResponse{Snapshot: snapshot, Fresh: fresh})
}

// refreshSourceSchema handles POST /v0/sources/{id}/schema/refresh
func (fr *Routes) refreshSourceSchema(w http.ResponseWriter, r *http.Request) {
	snapshot, err := fr.service.RefreshSchema(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, SchemaResponse{Snapshot: snapshot, Fresh: true})
}

// executeQuery handles POST /v0/query
func (fr *Routes) executeQuery(w http.ResponseWriter, r *http.Request) {
	var q federation.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := fr.service.ExecuteQuery(r.Context(), q)
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, result)
}

// scanEndpoints handles POST /v0/discovery/scan
func (fr *Routes) scanEndpoints(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Targets) == 0 {
		fr.writeErrorResponse(w, "Scan requires at least one target", http.StatusBadRequest)
		return
	}

	scope := discovery.Scope{
		Targets:        req.Targets,
		Kinds:          req.Kinds,
		CredentialsRef: req.CredentialsRef,
	}
	proposals, err := fr.service.ScanEndpoints(r.Context(), scope, req.Register)
	if err != nil {
		fr.writeServiceError(w, err)
		return
	}
	fr.writeJSONResponse(w, http.StatusOK, ScanResponse{
		Proposals: proposals,
		Total:     len(proposals),
	})
}

// getPoolStats handles GET /v0/pools
func (fr *Routes) getPoolStats(w http.ResponseWriter, r *http.Request) {
	fr.writeJSONResponse(w, http.StatusOK, PoolStatsResponse{
		Pools: fr.service.PoolStats(r.Context()),
	})
}

// resizePool handles POST /v0/pools/{id}/resize
func (fr *Routes) resizePool(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fr.writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Target < 0 {
		fr.writeErrorResponse(w, "Target must not be negative", http.StatusBadRequest)
		return
	}

	if err := fr.service.ResizePool(r.Context(), chi.URLParam(r, "id"), req.Target); err != nil {
		fr.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SystemRouter creates a router for health check and version endpoints
func SystemRouter(svc service.FabricService) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(svc))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness check requests
func readinessHandler(svc service.FabricService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CheckReadiness(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			if encodeErr := json.NewEncoder(w).Encode(ErrorResponse{
				Error: "Service not ready: " + err.Error(),
			}); encodeErr != nil {
				slog.Error("Failed to encode readiness error response", "error", encodeErr)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(versions.GetVersionInfo()); err != nil {
		slog.Error("Failed to encode version info", "error", err)
	}
}

// writeServiceError maps service errors to HTTP status codes
func (fr *Routes) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		fr.writeErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrInvalidDescriptor):
		fr.writeErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, registry.ErrInvalidTransition):
		fr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrNameConflict):
		fr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrValidationFailed):
		fr.writeErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, federation.ErrSchemaMismatch):
		fr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, federation.ErrSourceUnavailable):
		fr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, pool.ErrPoolExhausted):
		fr.writeErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, introspect.ErrIntrospectionFailed):
		fr.writeErrorResponse(w, err.Error(), http.StatusBadGateway)
	default:
		slog.Error("Unhandled service error", "error", err)
		fr.writeErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
