// File: internal/server/handlers.go
// Description: HTTP handlers for the sync API. Error responses always carry a
// machine-readable {kind, message} body so peer clients can distinguish a
// rejected payload from an unavailable backend.
package server

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/config"
	"github.com/taxokit/kwsync/internal/exporter"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/orchestrator"
	"github.com/taxokit/kwsync/internal/reconciler"
	"github.com/taxokit/kwsync/internal/store"
	"github.com/taxokit/kwsync/internal/transport"
)

var respJSON = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// Handlers wires the sync components into HTTP endpoints.
type Handlers struct {
	log          *zap.Logger
	cfg          *config.Config
	store        *store.Store
	exporter     *exporter.Exporter
	reconciler   *reconciler.Reconciler
	orchestrator *orchestrator.Orchestrator
	capabilities *CapabilityRegistry

	// importMu serializes inbound imports; concurrent reconciliations of the
	// same tables would interleave their transactions.
	importMu sync.Mutex
}

// NewHandlers creates the handler set.
func NewHandlers(
	cfg *config.Config,
	st *store.Store,
	exp *exporter.Exporter,
	rec *reconciler.Reconciler,
	orch *orchestrator.Orchestrator,
	caps *CapabilityRegistry,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		log:          logger.Named("handlers"),
		cfg:          cfg,
		store:        st,
		exporter:     exp,
		reconciler:   rec,
		orchestrator: orch,
		capabilities: caps,
	}
}

// RegisterRoutes sets up the routing table.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health/extended", h.HandleExtendedHealth)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/export", h.HandleExport)
			r.Get("/status", h.HandleStatus)
			r.Post("/import", h.HandleImport)
			r.Post("/trigger", h.HandleTrigger)
			r.Get("/runs", h.HandleListRuns)
			r.Get("/runs/{runID}", h.HandleGetRun)
		})

		r.Get("/keywords/matrix", h.HandleKeywordMatrix)
		r.Get("/dashboard/overview", h.HandleDashboardOverview)
	})
}

// HandleHealthCheck confirms the process is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleExtendedHealth reports database reachability, live entity counts and
// the capability set.
func (h *Handlers) HandleExtendedHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":       "ok",
		"capabilities": h.capabilities.Snapshot(),
		"checked_at":   time.Now().UTC(),
	}
	keywords, subcats, deps, err := h.store.Counts(r.Context())
	if err != nil {
		h.log.Warn("Extended health count query failed.", zap.Error(err))
		resp["status"] = "degraded"
		resp["database"] = map[string]any{"reachable": false, "error": err.Error()}
		h.respond(w, http.StatusOK, resp)
		return
	}
	resp["database"] = map[string]any{
		"reachable":           true,
		"total_keywords":      keywords,
		"total_subcategories": subcats,
		"total_dependencies":  deps,
	}
	h.respond(w, http.StatusOK, resp)
}

// HandleExport serves the current graph as a wire-format snapshot.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := h.exporter.Export(r.Context())
	if err != nil {
		h.respondExportError(w, err)
		return
	}
	payload, err := transport.Encode(snap)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, string(transport.Malformed), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// HandleStatus reports the sync status summary peers use for hash pre-checks.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.exporter.Export(r.Context())
	if err != nil {
		h.respondExportError(w, err)
		return
	}
	hash, err := graph.ContentHash(snap)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "hash_failed", err.Error())
		return
	}
	h.respond(w, http.StatusOK, schemas.TargetStatus{
		ServerType:           h.cfg.Sync.Source,
		TotalKeywords:        len(snap.Keywords),
		TotalSubcategories:   len(snap.Subcategories),
		TotalDependencies:    len(snap.Dependencies),
		CategoryDistribution: graph.CategoryDistribution(snap),
		ContentHash:          hash,
		SyncReady:            true,
		LastCheck:            time.Now().UTC(),
	})
}

// HandleImport accepts a snapshot and reconciles the local graph to it. The
// response is the full sync record; a partially applied snapshot still
// returns 200 with the failures listed inside the record.
func (h *Handlers) HandleImport(w http.ResponseWriter, r *http.Request) {
	if !h.importMu.TryLock() {
		h.respondError(w, http.StatusConflict, "import_in_progress", "another import is already running")
		return
	}
	defer h.importMu.Unlock()

	maxBytes := h.cfg.Sync.MaxPayloadBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, string(transport.Malformed), "failed to read request body")
		return
	}
	snap, err := transport.Decode(body, maxBytes)
	if err != nil {
		h.respondTransportError(w, err)
		return
	}

	source := snap.Metadata.Source
	if source == "" {
		source = "remote"
	}
	record, err := h.reconciler.Reconcile(r.Context(), source, snap)
	if err != nil {
		kind := "reconcile_failed"
		if re, ok := reconciler.AsReconcileError(err); ok {
			if re.Kind == reconciler.ValidationFailed {
				h.respondError(w, http.StatusUnprocessableEntity, string(re.Kind), re.Err.Error())
				return
			}
			kind = string(re.Kind)
		}
		// The record still describes how far the run got; attach it so the
		// peer can surface partial progress.
		h.log.Error("Import reconciliation aborted.", zap.Error(err))
		h.respond(w, http.StatusInternalServerError, importFailureBody{
			Kind:    kind,
			Message: err.Error(),
			Record:  record,
		})
		return
	}
	h.respond(w, http.StatusOK, record)
}

// importFailureBody is the error body for an aborted import. It extends the
// standard {kind, message} shape with the partial sync record.
type importFailureBody struct {
	Kind    string              `json:"kind"`
	Message string              `json:"message"`
	Record  *schemas.SyncRecord `json:"record,omitempty"`
}

// triggerRequest is the body of POST /api/v1/sync/trigger.
type triggerRequest struct {
	Target string `json:"target"`
}

// HandleTrigger starts an asynchronous outbound sync run.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := respJSON.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a target field")
		return
	}
	if req.Target == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "target is required")
		return
	}

	runID, err := h.orchestrator.Trigger(req.Target)
	if err != nil {
		var inProgress *orchestrator.AlreadyInProgressError
		switch {
		case errors.As(err, &inProgress):
			h.respondError(w, http.StatusConflict, "sync_in_progress", err.Error())
		case errors.Is(err, orchestrator.ErrUnknownTarget):
			h.respondError(w, http.StatusNotFound, "unknown_target", err.Error())
		default:
			h.respondError(w, http.StatusInternalServerError, "trigger_failed", err.Error())
		}
		return
	}
	h.respond(w, http.StatusAccepted, map[string]string{"run_id": runID, "target": req.Target})
}

// HandleListRuns lists all sync runs, most recent first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{"runs": h.orchestrator.Runs()})
}

// HandleGetRun returns the state of one run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := h.orchestrator.Run(runID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown_run", "no run with id "+runID)
		return
	}
	h.respond(w, http.StatusOK, run)
}

// matrixRow groups one subcategory with its keywords for the matrix view.
type matrixRow struct {
	Subcategory schemas.Subcategory `json:"subcategory"`
	Keywords    []schemas.Keyword   `json:"keywords"`
}

// HandleKeywordMatrix serves the graph grouped by subcategory.
func (h *Handlers) HandleKeywordMatrix(w http.ResponseWriter, r *http.Request) {
	snap, err := h.exporter.Export(r.Context())
	if err != nil {
		h.respondExportError(w, err)
		return
	}

	rows := make([]matrixRow, 0, len(snap.Subcategories))
	bySubcat := make(map[int64][]schemas.Keyword)
	for _, k := range snap.Keywords {
		bySubcat[k.SubcategoryID] = append(bySubcat[k.SubcategoryID], k)
	}
	for _, sc := range snap.Subcategories {
		keywords := bySubcat[sc.ID]
		if keywords == nil {
			keywords = []schemas.Keyword{}
		}
		rows = append(rows, matrixRow{Subcategory: sc, Keywords: keywords})
	}
	h.respond(w, http.StatusOK, map[string]any{
		"matrix":       rows,
		"generated_at": snap.Metadata.SyncTimestamp,
	})
}

// HandleDashboardOverview serves aggregate counts for dashboards. When the
// database is down and the fallback capability is enabled, a static overview
// is served instead, explicitly labeled so nobody mistakes it for live data.
func (h *Handlers) HandleDashboardOverview(w http.ResponseWriter, r *http.Request) {
	keywords, subcats, deps, err := h.store.Counts(r.Context())
	if err != nil {
		if !h.capabilities.Enabled(CapDashboardFallback) {
			h.respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		h.log.Warn("Serving dashboard fallback, live counts unavailable.", zap.Error(err))
		h.respond(w, http.StatusOK, map[string]any{
			"data_source":         "fallback",
			"total_keywords":      0,
			"total_subcategories": 0,
			"total_dependencies":  0,
			"generated_at":        time.Now().UTC(),
		})
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"data_source":         "live",
		"total_keywords":      keywords,
		"total_subcategories": subcats,
		"total_dependencies":  deps,
		"generated_at":        time.Now().UTC(),
	})
}

// errorBody is the standard error response shape.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := respJSON.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response.", zap.Error(err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, statusCode int, kind, message string) {
	h.respond(w, statusCode, errorBody{Kind: kind, Message: message})
}

// respondTransportError maps codec failures onto HTTP statuses.
func (h *Handlers) respondTransportError(w http.ResponseWriter, err error) {
	te, ok := transport.AsTransportError(err)
	if !ok {
		h.respondError(w, http.StatusBadRequest, string(transport.Malformed), err.Error())
		return
	}
	status := http.StatusBadRequest
	switch te.Kind {
	case transport.SizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case transport.VersionMismatch:
		status = http.StatusUnprocessableEntity
	}
	h.respondError(w, status, string(te.Kind), te.Err.Error())
}

// respondExportError maps export failures onto HTTP statuses.
func (h *Handlers) respondExportError(w http.ResponseWriter, err error) {
	if ee, ok := exporter.AsExportError(err); ok {
		status := http.StatusServiceUnavailable
		if ee.Kind == exporter.ValidationFailed {
			status = http.StatusInternalServerError
		}
		h.respondError(w, status, string(ee.Kind), ee.Err.Error())
		return
	}
	h.respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
}
