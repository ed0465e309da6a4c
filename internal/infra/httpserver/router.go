package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/application"
	appai "github.com/bebasset/threatsense/internal/application/ai"
	domai "github.com/bebasset/threatsense/internal/domain/ai"
	"github.com/bebasset/threatsense/internal/domain/assets"
	"github.com/bebasset/threatsense/internal/domain/events"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/infra/queue"
	"github.com/bebasset/threatsense/internal/middleware"
	"github.com/bebasset/threatsense/internal/plugins"
)

type Router struct {
	runs     domain.Repository
	findings domain.FindingRepository
	assets   assets.Repository
	events   events.Repository
	registry plugins.Registry
	queue    *queue.Dispatcher
	aiSvc    *appai.Service // nil when the AI provider is disabled
	clock    application.Clock
	log      zerolog.Logger
}

type Deps struct {
	Runs     domain.Repository
	Findings domain.FindingRepository
	Assets   assets.Repository
	Events   events.Repository
	Registry plugins.Registry
	Queue    *queue.Dispatcher
	AI       *appai.Service
	Clock    application.Clock
	Log      zerolog.Logger
	Health   http.HandlerFunc
}

func NewRouter(deps Deps) http.Handler {
	r := &Router{
		runs:     deps.Runs,
		findings: deps.Findings,
		assets:   deps.Assets,
		events:   deps.Events,
		registry: deps.Registry,
		queue:    deps.Queue,
		aiSvc:    deps.AI,
		clock:    deps.Clock,
		log:      deps.Log,
	}
	mux := chi.NewRouter()

	if deps.Health != nil {
		mux.Get("/health", deps.Health)
	} else {
		mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	}
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleCreateScan))
		rt.Post("/scans/{id}/dispatch", r.wrap(r.handleDispatch))
		rt.Get("/scans/latest", r.wrap(r.handleLatest))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/findings", r.wrap(r.handleFindings))
		rt.Post("/soc/events", r.wrap(r.handleIngestEvents))
		rt.Post("/ai/analyze", r.wrap(r.handleAIAnalyze))
		rt.Get("/ai/analyze", r.wrap(r.handleAIAnalyzeList))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks client-side errors so wrap can answer 400 instead of 500.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			var br badRequest
			switch {
			case errors.As(err, &br):
				http.Error(w, br.Error(), http.StatusBadRequest)
			case errors.Is(err, domain.ErrNotFound), errors.Is(err, assets.ErrNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, domai.ErrQuotaExceeded):
				http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
			case errors.Is(err, queue.ErrQueueFull):
				w.Header().Set("Retry-After", "30")
				http.Error(w, "scan queue full, retry later", http.StatusServiceUnavailable)
			default:
				r.log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

// POST /v1/{tenant}/scans
// Body: {"asset_id": "...", "plugin": "...", "scan_type": "...", "parameters": {...}, "requested_by": "..."}
// Creates the run in queued state, then hands it to the worker pool.
func (r *Router) handleCreateScan(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	if err := middleware.ValidateTenantID(tenant); err != nil {
		return badRequest{err}
	}

	var body struct {
		AssetID     string          `json:"asset_id"`
		Plugin      string          `json:"plugin"`
		ScanType    string          `json:"scan_type"`
		Parameters  json.RawMessage `json:"parameters"`
		RequestedBy string          `json:"requested_by"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest{err}
	}
	if body.AssetID == "" {
		return badRequest{fmt.Errorf("asset_id is required")}
	}
	if err := middleware.ValidatePlugin(body.Plugin, r.registry.Names()); err != nil {
		return badRequest{err}
	}

	asset, err := r.assets.Get(req.Context(), tenant, assets.AssetID(body.AssetID))
	if err != nil {
		return err
	}
	if asset.Kind == assets.KindURL {
		if err := middleware.ValidateTargetURL(asset.Value); err != nil {
			return badRequest{err}
		}
	}

	scanType := body.ScanType
	if scanType == "" {
		scanType = body.Plugin
	}
	run := &domain.ScanRun{
		ID:          domain.ScanID(uuid.NewString()),
		TenantID:    tenant,
		AssetID:     body.AssetID,
		ScanType:    scanType,
		Status:      domain.StatusQueued,
		RequestedBy: body.RequestedBy,
		Plugin:      body.Plugin,
		Parameters:  body.Parameters,
	}
	if err := r.runs.Create(req.Context(), run); err != nil {
		return err
	}

	// A full queue leaves the row queued; the dispatch route retries it.
	if err := r.queue.Enqueue(queue.Job{Tenant: tenant, ScanID: run.ID}); err != nil {
		return err
	}
	middleware.IncrementScansEnqueued()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]any{
		"id":       run.ID,
		"status":   run.Status,
		"queuedAt": time.Now().UTC(),
	})
}

// POST /v1/{tenant}/scans/{id}/dispatch
// Re-enqueues an existing run. Terminal or already-running runs are dropped by
// the orchestrator's claim, so over-dispatching is harmless.
func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return badRequest{err}
	}

	run, err := r.runs.Get(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}

	if err := r.queue.Enqueue(queue.Job{Tenant: tenant, ScanID: run.ID}); err != nil {
		return err
	}
	middleware.IncrementScansEnqueued()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]any{
		"id":     run.ID,
		"status": run.Status,
	})
}

// GET /v1/{tenant}/scans/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	limit := middleware.ValidateLimit(atoiDefault(req.URL.Query().Get("limit")))

	list, err := r.runs.Latest(req.Context(), tenant, limit)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /v1/{tenant}/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	run, err := r.runs.Get(req.Context(), tenant, domain.ScanID(id))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(run)
}

// GET /v1/{tenant}/scans/{id}/findings?limit=100
func (r *Router) handleFindings(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	id := chi.URLParam(req, "id")

	// Confirm the run exists so a bad ID is a 404, not an empty list.
	if _, err := r.runs.Get(req.Context(), tenant, domain.ScanID(id)); err != nil {
		return err
	}

	limit := middleware.ValidateLimit(atoiDefault(req.URL.Query().Get("limit")))
	list, err := r.findings.ListByRun(req.Context(), tenant, domain.ScanID(id), limit)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// POST /v1/{tenant}/soc/events
// Body: {"events": [{"ts": "...", "source": "...", "event_type": "...", ...}]}
func (r *Router) handleIngestEvents(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")

	var body struct {
		Events []struct {
			TS        string          `json:"ts"`
			Source    string          `json:"source"`
			EventType string          `json:"event_type"`
			User      string          `json:"user"`
			IP        string          `json:"ip"`
			Hostname  string          `json:"hostname"`
			Raw       json.RawMessage `json:"raw"`
		} `json:"events"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest{err}
	}
	if len(body.Events) == 0 {
		return badRequest{fmt.Errorf("events is required")}
	}

	now := r.clock.Now()
	accepted := 0
	for _, in := range body.Events {
		if in.Source == "" || in.EventType == "" {
			return badRequest{fmt.Errorf("source and event_type are required on every event")}
		}
		ts, err := time.Parse(time.RFC3339, in.TS)
		if err != nil {
			// Malformed timestamps land at ingest time; the rule engine makes
			// the same call, so the two layers agree.
			ts = now
		}
		e := &events.Event{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			TS:        ts.UTC(),
			Source:    in.Source,
			EventType: in.EventType,
			User:      in.User,
			IP:        in.IP,
			Hostname:  in.Hostname,
			Raw:       in.Raw,
		}
		if err := r.events.Insert(req.Context(), e); err != nil {
			return fmt.Errorf("persist event: %w", err)
		}
		accepted++
	}
	middleware.AddEventsIngested(accepted)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]any{"accepted": accepted})
}

// POST /v1/{tenant}/ai/analyze
// Body: {"scan_id": "<id>"}
func (r *Router) handleAIAnalyze(w http.ResponseWriter, req *http.Request) error {
	if r.aiSvc == nil {
		http.Error(w, "ai analysis is disabled", http.StatusNotImplemented)
		return nil
	}
	tenant := chi.URLParam(req, "tenant")
	var body struct {
		ScanID string `json:"scan_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest{err}
	}
	if body.ScanID == "" {
		return badRequest{fmt.Errorf("scan_id is required")}
	}

	a, err := r.aiSvc.AnalyzeRun(req.Context(), tenant, domain.ScanID(body.ScanID))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a)
}

// GET /v1/{tenant}/ai/analyze?page=&page_size=
func (r *Router) handleAIAnalyzeList(w http.ResponseWriter, req *http.Request) error {
	if r.aiSvc == nil {
		http.Error(w, "ai analysis is disabled", http.StatusNotImplemented)
		return nil
	}
	tenant := chi.URLParam(req, "tenant")
	page := atoiDefault(req.URL.Query().Get("page"))
	size := atoiDefault(req.URL.Query().Get("page_size"))

	list, err := r.aiSvc.ListAnalyses(req.Context(), tenant, page, size)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

func atoiDefault(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
