package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkilian/vectordb/internal/engine"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/pkg/types"
)

// Engine is the part of the table engine the admin API exposes.
type Engine interface {
	ListTables(ctx context.Context) ([]*types.TableSchema, error)
	DescribeTable(ctx context.Context, name string) (*types.TableSchema, error)
	Segments(ctx context.Context, table string) ([]*types.SegmentRecord, error)
	Size(ctx context.Context, table string) (int64, error)
	Flush(ctx context.Context, tables ...string) error
	FailedBuilds(ctx context.Context) ([]*types.SegmentRecord, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// TableInfo is a table with its row count.
type TableInfo struct {
	*types.TableSchema
	Rows int64 `json:"rows"`
}

// SizeResponse is the body of GET /tables/{name}/size.
type SizeResponse struct {
	Table string `json:"table_name"`
	Rows  int64  `json:"rows"`
}

// FlushResponse is the body of POST /tables/{name}/flush.
type FlushResponse struct {
	Table string `json:"table_name"`
	Rows  int64  `json:"rows"`
}

// AdminHandler serves operator endpoints over the engine.
type AdminHandler struct {
	engine Engine
	health func() bool
	logger *logging.Logger
}

// NewAdminHandler creates the admin API. health reports readiness; nil
// means always healthy.
func NewAdminHandler(e Engine, health func() bool, logger *logging.Logger) *AdminHandler {
	if health == nil {
		health = func() bool { return true }
	}
	return &AdminHandler{engine: e, health: health, logger: logging.OrNoop(logger)}
}

// Router returns the routes wrapped in the default middleware, plus any
// extra middleware given.
func (h *AdminHandler) Router(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Use(RecoveryMiddleware(h.logger), RequestIDMiddleware, LoggingMiddleware(h.logger))

	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Get("/status/builds", h.handleFailedBuilds)
	r.Route("/tables", func(r chi.Router) {
		r.Get("/", h.handleListTables)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.handleDescribeTable)
			r.Get("/segments", h.handleSegments)
			r.Get("/size", h.handleSize)
			r.Post("/flush", h.handleFlush)
		})
	})
	return r
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.health() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "vectordb"})
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) handleFailedBuilds(w http.ResponseWriter, r *http.Request) {
	failed, err := h.engine.FailedBuilds(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"failed": failed, "count": len(failed)})
}

func (h *AdminHandler) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.engine.ListTables(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (h *AdminHandler) handleDescribeTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	schema, err := h.engine.DescribeTable(r.Context(), name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	rows, err := h.engine.Size(r.Context(), name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TableInfo{TableSchema: schema, Rows: rows})
}

func (h *AdminHandler) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := h.engine.Segments(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segments": segs})
}

func (h *AdminHandler) handleSize(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rows, err := h.engine.Size(r.Context(), name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SizeResponse{Table: name, Rows: rows})
}

func (h *AdminHandler) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.Flush(r.Context(), name); err != nil {
		writeEngineError(w, r, err)
		return
	}
	rows, err := h.engine.Size(r.Context(), name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{Table: name, Rows: rows})
}
