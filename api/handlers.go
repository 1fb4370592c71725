package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"drone-overwatch/api/middleware"
	"drone-overwatch/api/services"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/shared"
)

const serviceName = "drone-overwatch"

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	Health() error
}

type HealthCheckFunc func() error

func (f HealthCheckFunc) Health() error { return f() }

type Handlers struct {
	droneService *services.DroneService
	connService  *services.ConnectionService
	checks       map[string]HealthChecker
	gatherer     prometheus.Gatherer
	startedAt    time.Time
	version      string
}

type Options struct {
	Drones     *services.DroneService
	Connection *services.ConnectionService
	// Checks are reported by /health; any failure makes the service
	// unhealthy.
	Checks   map[string]HealthChecker
	Gatherer prometheus.Gatherer
	Version  string
}

func NewHandlers(opts Options) *Handlers {
	if opts.Checks == nil {
		opts.Checks = map[string]HealthChecker{}
	}
	return &Handlers{
		droneService: opts.Drones,
		connService:  opts.Connection,
		checks:       opts.Checks,
		gatherer:     opts.Gatherer,
		startedAt:    time.Now(),
		version:      opts.Version,
	}
}

// Drone handlers
func (h *Handlers) ListDrones(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.droneService.ListDrones())
}

func (h *Handlers) GetDrone(w http.ResponseWriter, r *http.Request) {
	droneID := r.URL.Query().Get("drone_id")
	drone, err := h.droneService.GetDrone(droneID)
	if err != nil {
		sendStoreError(w, err, "GET_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, drone)
}

func (h *Handlers) MarkOffline(w http.ResponseWriter, r *http.Request) {
	var req services.MarkOfflineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	drone, err := h.droneService.MarkOffline(req)
	if err != nil {
		sendStoreError(w, err, "UPDATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, drone)
}

// Selection handlers
func (h *Handlers) GetSelection(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.droneService.GetSelection())
}

func (h *Handlers) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	var req services.Selection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	sel, err := h.droneService.Select(req.DroneID)
	if err != nil {
		sendStoreError(w, err, "UPDATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, sel)
}

func (h *Handlers) ClearSelection(w http.ResponseWriter, r *http.Request) {
	sel, err := h.droneService.Select("")
	if err != nil {
		sendStoreError(w, err, "UPDATE_FAILED")
		return
	}

	sendSuccess(w, http.StatusOK, sel)
}

// Connection handlers
func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.connService.Status())
}

func (h *Handlers) Reconnect(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusAccepted, h.connService.Reconnect())
}

// Event journal
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	evs, err := h.droneService.RecentEvents(r.Context(), r.URL.Query().Get("drone_id"), limit)
	if err != nil {
		if errors.Is(err, services.ErrJournalDisabled) {
			sendError(w, http.StatusNotFound, "JOURNAL_DISABLED", err.Error())
			return
		}
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	if evs == nil {
		evs = []shared.Event{}
	}

	sendSuccess(w, http.StatusOK, evs)
}

// Health check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := shared.HealthStatus{
		Status:    "healthy",
		Service:   serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Timestamp: time.Now(),
		Details:   make(map[string]string),
	}

	for name, check := range h.checks {
		if err := check.Health(); err != nil {
			health.Status = "unhealthy"
			health.Details[name] = "unhealthy: " + err.Error()
		} else {
			health.Details[name] = "healthy"
		}
	}

	if h.connService != nil {
		health.Details["connection"] = h.connService.Status().State.String()
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	sendSuccess(w, statusCode, health)
}

func sendStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrUnknownDrone):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ontology.ErrMissingDroneID):
		sendError(w, http.StatusBadRequest, "MISSING_DRONE_ID", err.Error())
	default:
		sendError(w, http.StatusInternalServerError, fallback, err.Error())
	}
}

// Helper functions
func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes sets up all API routes. An empty token disables auth.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, token string) {
	auth := middleware.BearerAuth(token)

	// Health check and metrics (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/v1/drones", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("drone_id") != "" {
				auth(h.GetDrone)(w, r)
			} else {
				auth(h.ListDrones)(w, r)
			}
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/drones/offline", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			auth(h.MarkOffline)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/selection", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			auth(h.GetSelection)(w, r)
		case http.MethodPut:
			auth(h.UpdateSelection)(w, r)
		case http.MethodDelete:
			auth(h.ClearSelection)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/connection", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			auth(h.GetConnection)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/connection/reconnect", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			auth(h.Reconnect)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			auth(h.ListEvents)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})
}
