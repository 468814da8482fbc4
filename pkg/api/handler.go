// Package api is the HTTP admin surface (component K): a thin REST layer
// serializing the sandbox manager and proxy APIs per §6. Routing,
// middleware, and logging are kept in the teacher's gorilla/mux shape; the
// runtime-pod-per-session route set is replaced with the sandbox-manager/
// proxy route set.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/manager"
	"github.com/rockcloud/sandboxctl/pkg/proxy"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

// Handler serves the admin HTTP surface over a Manager and a Proxy.
type Handler struct {
	manager *manager.Manager
	proxy   *proxy.Proxy
	config  *config.Config
}

// NewHandler returns a Handler fronting mgr and px.
func NewHandler(mgr *manager.Manager, px *proxy.Proxy, cfg *config.Config) *Handler {
	return &Handler{manager: mgr, proxy: px, config: cfg}
}

// Router builds the full gorilla/mux router, middleware included.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.LoggingMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.AuthMiddleware)

	authed.HandleFunc("/sandboxes", h.Submit).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/status", h.GetStatus).Methods(http.MethodGet)
	authed.HandleFunc("/sandboxes/{id}/stop", h.Stop).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/commit", h.Commit).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/mount", h.GetMount).Methods(http.MethodGet)
	authed.HandleFunc("/sandboxes/{id}/statistics", h.GetStatistics).Methods(http.MethodGet)
	authed.HandleFunc("/sandboxes/{id}/sessions", h.CreateSession).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/sessions/run", h.RunInSession).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/sessions/close", h.CloseSession).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/execute", h.Execute).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/read_file", h.ReadFile).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/write_file", h.WriteFile).Methods(http.MethodPost)
	authed.HandleFunc("/sandboxes/{id}/upload", h.Upload).Methods(http.MethodPost)
	authed.PathPrefix("/sandboxes/{id}/proxy/").HandlerFunc(h.Proxy)

	return r
}

// AuthMiddleware validates the management API key on every route it wraps.
// /health is mounted outside this subrouter and never requires one.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || apiKey != h.config.APIKey {
			logger.Debug("AuthMiddleware: invalid or missing API key for %s %s", r.Method, r.URL.Path)
			apierr.WriteError(w, apierr.NewUnauthorized("invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs every request, restoring the body after an
// optional debug-mode dump so downstream handlers still see it.
func (h *Handler) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Info("Started %s %s", r.Method, r.URL.Path)

		if logger.IsDebugEnabled() && r.Body != nil {
			bodyBytes, err := io.ReadAll(r.Body)
			if err == nil {
				logger.Debug("Request Body: %s", string(bodyBytes))
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			} else {
				r.Body = io.NopCloser(bytes.NewReader([]byte{}))
			}
		}

		next.ServeHTTP(w, r)
		logger.Info("Completed %s %s in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// Health answers GET /health unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Submit handles POST /sandboxes.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var cfg types.DeploymentConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	resp, err := h.manager.Submit(r.Context(), cfg)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStatus handles GET /sandboxes/{id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp, err := h.manager.GetStatus(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stop handles POST /sandboxes/{id}/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.Stop(r.Context(), id); err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// Commit handles POST /sandboxes/{id}/commit.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req types.CommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.manager.Commit(r.Context(), id, req.ImageTag, req.Username, req.Password)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMount handles GET /sandboxes/{id}/mount.
func (h *Handler) GetMount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	mount, err := h.manager.GetMount(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mount)
}

// GetStatistics handles GET /sandboxes/{id}/statistics.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	metrics, err := h.manager.GetStatistics(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// CreateSession handles POST /sandboxes/{id}/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req types.CreateBashSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.proxy.CreateSession(r.Context(), id, req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunInSession handles POST /sandboxes/{id}/sessions/run.
func (h *Handler) RunInSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var action types.BashAction
	if !decodeJSON(w, r, &action) {
		return
	}
	obs, err := h.proxy.RunInSession(r.Context(), id, action)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// CloseSession handles POST /sandboxes/{id}/sessions/close.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req types.CloseBashSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.proxy.CloseSession(r.Context(), id, req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Execute handles POST /sandboxes/{id}/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cmd types.Command
	if !decodeJSON(w, r, &cmd) {
		return
	}
	result, err := h.proxy.Execute(r.Context(), id, cmd)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReadFile handles POST /sandboxes/{id}/read_file.
func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req types.ReadFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.proxy.ReadFile(r.Context(), id, req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// WriteFile handles POST /sandboxes/{id}/write_file.
func (h *Handler) WriteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req types.WriteFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.proxy.WriteFile(r.Context(), id, req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload handles POST /sandboxes/{id}/upload (multipart: file + target_path).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		apierr.WriteError(w, apierr.NewBadRequest("invalid multipart upload: %v", err))
		return
	}
	targetPath := r.FormValue("target_path")
	if targetPath == "" {
		apierr.WriteError(w, apierr.NewBadRequest("target_path is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		apierr.WriteError(w, apierr.NewBadRequest("file is required: %v", err))
		return
	}
	defer file.Close()

	resp, err := h.proxy.Upload(r.Context(), id, targetPath, header.Filename, file)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Proxy handles POST /sandboxes/{id}/proxy/{target_path...}, the generic
// streaming pass-through.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	const prefix = "/sandboxes/"
	// target_path is everything after "/sandboxes/{id}/proxy/"; EscapedPath
	// preserves percent-encoding the way the teacher's own sandbox proxy does.
	targetPath := r.URL.EscapedPath()
	marker := prefix + id + "/proxy/"
	if idx := indexOf(targetPath, marker); idx >= 0 {
		targetPath = targetPath[idx+len(marker):]
	}
	h.proxy.ServeProxy(w, r, id, targetPath)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && err != io.EOF {
		apierr.WriteError(w, apierr.NewBadRequest("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
