// Package admin serves the operator HTTP surface: health, metrics, and
// cache and registry management behind a bearer admin key.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"go.uber.org/zap"
)

// Publisher fans an eviction out to other replicas.
type Publisher interface {
	Publish(ctx context.Context, tenantID, toolID string) error
}

// Config holds the router's collaborators. Publisher and Policies may be nil.
type Config struct {
	Engine    *engine.Engine
	Policies  *policy.Store
	Publisher Publisher
	Gatherer  prometheus.Gatherer
	// AdminKey guards /admin. Empty disables the admin routes.
	AdminKey string
	Logger   *zap.Logger
}

type handler struct {
	engine    *engine.Engine
	policies  *policy.Store
	publisher Publisher
	logger    *zap.Logger
}

// NewRouter builds the admin router.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{engine: cfg.Engine, policies: cfg.Policies, publisher: cfg.Publisher, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireKey(cfg.AdminKey))
		r.Get("/status", h.status)
		r.Get("/tools", h.listTools)
		r.Post("/reload-tools", h.reloadTools)
		r.Post("/reload-policy", h.reloadPolicy)
		r.Post("/tools/{tenant}/{tool}/invalidate", h.invalidateTool)
		r.Post("/tenants/{tenant}/invalidate", h.invalidateTenant)
	})
	return r
}

func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, http.StatusForbidden, "admin API disabled")
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

type toolSummary struct {
	TenantID    string    `json:"tenant_id"`
	ToolID      string    `json:"tool_id"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	ContentHash string    `json:"content_hash"`
	Imports     []string  `json:"imports"`
	Trusted     bool      `json:"trusted"`
	Isolation   string    `json:"isolation,omitempty"`
	CompiledAt  time.Time `json:"compiled_at"`
}

// listTools serves GET /admin/tools[?tenant=].
func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	cts := h.engine.Tools(r.URL.Query().Get("tenant"))
	out := make([]toolSummary, len(cts))
	for i, ct := range cts {
		imports := []string{}
		if ct.Report != nil && ct.Report.Imports != nil {
			imports = ct.Report.Imports
		}
		out[i] = toolSummary{
			TenantID:    ct.TenantID,
			ToolID:      ct.ToolID,
			Name:        ct.Definition.Name,
			Version:     ct.Definition.Version,
			ContentHash: ct.ContentHash,
			Imports:     imports,
			Trusted:     ct.Definition.Trusted,
			Isolation:   ct.Definition.Isolation,
			CompiledAt:  ct.CompiledAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// reloadTools serves POST /admin/reload-tools[?tenant=].
func (h *handler) reloadTools(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	res, err := h.engine.ReloadTools(r.Context(), tenant)
	if err != nil {
		h.logger.Error("admin reload-tools failed", zap.String("tenant_id", tenant), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) reloadPolicy(w http.ResponseWriter, _ *http.Request) {
	if h.policies == nil {
		writeError(w, http.StatusNotImplemented, "no policy store configured")
		return
	}
	if err := h.policies.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p := h.policies.Current()
	writeJSON(w, http.StatusOK, map[string]string{"version": p.Version, "mode": p.Mode})
}

func (h *handler) invalidateTool(w http.ResponseWriter, r *http.Request) {
	tenant, toolID := chi.URLParam(r, "tenant"), chi.URLParam(r, "tool")
	dropped := h.engine.Invalidate(tenant, toolID)
	h.publish(r.Context(), tenant, toolID)
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": dropped})
}

func (h *handler) invalidateTenant(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	n := h.engine.InvalidateTenant(tenant)
	h.publish(r.Context(), tenant, "")
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

// publish is best-effort; other replicas converge on their next reload.
func (h *handler) publish(ctx context.Context, tenantID, toolID string) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, tenantID, toolID); err != nil {
		h.logger.Warn("invalidation publish failed",
			zap.String("tenant_id", tenantID),
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
	}
}
