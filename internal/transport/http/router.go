// Package httpapi is the thin HTTP edge of the pipeline: the ASR ingest
// route, external signal feeds, the SIP call-ack callback, the family event
// stream, and the control surface. Handlers delegate to the orchestrator and
// friends; no business logic lives here.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SearocIsMe/elderly-companion/internal/audit"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/emergency"
	"github.com/SearocIsMe/elderly-companion/internal/orchestrator"
	"github.com/SearocIsMe/elderly-companion/internal/platform/middleware"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/session"
)

// Handler carries the dependencies of the HTTP edge.
type Handler struct {
	logger     *slog.Logger
	orch       *orchestrator.Orchestrator
	policies   *policy.Store
	policyPath string
	sessions   *session.Manager
	emerg      *emergency.Dispatcher
	events     *bus.Bus
	auditStore audit.Store
	drain      func()
}

// New creates the HTTP handler set.
func New(
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	policies *policy.Store,
	policyPath string,
	sessions *session.Manager,
	emerg *emergency.Dispatcher,
	events *bus.Bus,
	auditStore audit.Store,
	drain func(),
) *Handler {
	return &Handler{
		logger:     logger,
		orch:       orch,
		policies:   policies,
		policyPath: policyPath,
		sessions:   sessions,
		emerg:      emerg,
		events:     events,
		auditStore: auditStore,
		drain:      drain,
	}
}

// Router wires all routes with the shared middleware chain.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(middleware.ContentTypeJSON)

		r.Post("/asr/text", h.handleASRText)
		r.Post("/signals/emotion", h.handleEmotionSignal)
		r.Post("/signals/zone", h.handleZoneSignal)
		r.Post("/signals/consent", h.handleConsentSignal)
		r.Post("/callbacks/call-ack", h.handleCallAck)

		r.Post("/control/reload-policy", h.handleReloadPolicy)
		r.Get("/control/snapshot", h.handleDumpSnapshot)
		r.Post("/control/test-emergency", h.handleTestEmergency)
		r.Post("/control/drain", h.handleDrain)
		r.Get("/control/audit/recent", h.handleAuditRecent)
	})

	r.Get("/events/family", h.handleFamilyStream)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
