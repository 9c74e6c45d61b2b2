// Package httpapi exposes the routing decision endpoint, the admin API, and
// the event streams over a single chi router.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/eventbus"
	"github.com/kihw/selfstart/internal/server/prober"
	"github.com/kihw/selfstart/internal/server/registry"
	"github.com/kihw/selfstart/internal/server/routing"
)

// Params wires the API's collaborators.
type Params struct {
	Logger     *slog.Logger
	Router     *routing.Router
	Controller *activation.Controller
	Registry   *registry.Registry
	Prober     *prober.Prober
	Bus        eventbus.Bus
}

// New constructs the HTTP handler.
func New(params Params) http.Handler {
	api := &apiServer{
		logger:     params.Logger.With("component", "httpapi"),
		router:     params.Router,
		controller: params.Controller,
		registry:   params.Registry,
		prober:     params.Prober,
		bus:        params.Bus,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(api.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.handleHealth)
	r.Get("/decide", api.handleDecide)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workloads", func(r chi.Router) {
			r.Get("/", api.handleListWorkloads)
			r.Get("/{name}", api.handleGetWorkload)
			r.Post("/{name}/start", api.handleStartWorkload)
			r.Post("/{name}/stop", api.handleStopWorkload)
		})
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", api.handleListTargets)
			r.Post("/", api.handleCreateTarget)
			r.Get("/{name}", api.handleGetTarget)
			r.Delete("/{name}", api.handleDeleteTarget)
			r.Post("/{name}/toggle", api.handleToggleTarget)
			r.Post("/{name}/test", api.handleTestTarget)
			r.Post("/{name}/backends", api.handleAddBackend)
			r.Delete("/{name}/backends/{address}", api.handleRemoveBackend)
			r.Post("/{name}/backends/{address}/maintenance", api.handleMaintenance)
		})
		r.Get("/events", api.streamEvents)
	})

	r.Get("/ws/v1/events", api.eventsWebSocket)

	return r
}

// requestLogger adapts slog to chi middleware.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("latency", time.Since(start).String()),
				slog.String("client_ip", r.RemoteAddr),
			)
		})
	}
}

type apiServer struct {
	logger     *slog.Logger
	router     *routing.Router
	controller *activation.Controller
	registry   *registry.Registry
	prober     *prober.Prober
	bus        eventbus.Bus
}

func (api *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDecide answers one routing decision. The name comes from the query
// string, falling back to X-Forwarded-Host for proxies that pass the original
// request through untouched.
func (api *apiServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.Header.Get("X-Forwarded-Host")
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	clientKey := r.URL.Query().Get("client")
	if clientKey == "" {
		clientKey = r.RemoteAddr
	}
	result := api.router.Decide(r.Context(), name, clientKey)
	writeJSON(w, http.StatusOK, result)
}

func (api *apiServer) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.controller.List())
}

func (api *apiServer) handleGetWorkload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, api.controller.Status(r.Context(), name))
}

func (api *apiServer) handleStartWorkload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	outcome, err := api.controller.RequestStart(r.Context(), name)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"outcome":  outcome,
		"workload": api.controller.Status(r.Context(), name),
	})
}

func (api *apiServer) handleStopWorkload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := api.controller.RequestStop(r.Context(), name)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (api *apiServer) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.registry.List())
}

func (api *apiServer) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var spec registry.TargetSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := api.registry.CreateTarget(r.Context(), spec)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (api *apiServer) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := api.registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (api *apiServer) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	target, err := api.registry.DeleteTarget(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (api *apiServer) handleToggleTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := api.registry.ToggleTarget(r.Context(), chi.URLParam(r, "name"), req.Enabled)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (api *apiServer) handleTestTarget(w http.ResponseWriter, r *http.Request) {
	results, err := api.prober.TestTarget(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (api *apiServer) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var spec registry.BackendSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := api.registry.AddBackend(r.Context(), chi.URLParam(r, "name"), spec)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (api *apiServer) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	address := chi.URLParam(r, "address")
	target, err := api.registry.RemoveBackend(r.Context(), name, address)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (api *apiServer) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Maintenance bool `json:"maintenance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	name := chi.URLParam(r, "name")
	address := chi.URLParam(r, "address")
	target, err := api.registry.SetMaintenance(r.Context(), name, address, req.Maintenance)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// streamEvents serves the combined workload and target event stream over SSE.
func (api *apiServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if api.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe, err := api.subscribeAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-events:
			eventType, data, ok := encodeEvent(payload)
			if !ok {
				continue
			}
			if _, err := w.Write([]byte("event: " + eventType + "\n")); err != nil {
				return
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventsWebSocket serves the same stream over a websocket.
func (api *apiServer) eventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if api.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe, err := api.subscribeAll()
	if err != nil {
		api.logger.Error("websocket subscribe", "error", err)
		return
	}
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-events:
			if _, _, ok := encodeEvent(payload); !ok {
				continue
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func (api *apiServer) subscribeAll() (chan any, func(), error) {
	events := make(chan any, 16)
	unsubWorkloads, err := api.bus.Subscribe(activation.TopicWorkloads, events)
	if err != nil {
		return nil, nil, err
	}
	unsubTargets, err := api.bus.Subscribe(registry.TopicTargets, events)
	if err != nil {
		unsubWorkloads()
		return nil, nil, err
	}
	return events, func() {
		unsubWorkloads()
		unsubTargets()
	}, nil
}

func encodeEvent(payload any) (string, []byte, bool) {
	var eventType string
	switch event := payload.(type) {
	case activation.WorkloadEvent:
		eventType = event.Type
	case registry.TargetEvent:
		eventType = event.Type
	default:
		return "", nil, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, false
	}
	return eventType, data, true
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, registry.ErrTargetNotFound),
		errors.Is(err, registry.ErrBackendNotFound),
		errors.Is(err, activation.ErrWorkloadNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrTargetExists),
		errors.Is(err, registry.ErrBackendExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidSpec):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
