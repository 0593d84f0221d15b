package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/internal/relay"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ObserverService is the read-only view of the call service
type ObserverService interface {
	Transcriptions() []domain.CallTranscript
	RecentCalls() ([]domain.CallSummary, error)
	CallCount() int
}

// TransportLister reports current relay membership
type TransportLister interface {
	Count() int
	Snapshot() []relay.TransportInfo
}

// PresenceCounter reports how many media streams are held across all instances
type PresenceCounter interface {
	Count(ctx context.Context) (int, error)
}

// ObserverHandler serves the read-only monitoring endpoints
type ObserverHandler struct {
	service    ObserverService
	transports TransportLister
	presence   PresenceCounter
}

// NewObserverHandler creates a new observer handler
func NewObserverHandler(service ObserverService, transports TransportLister) *ObserverHandler {
	return &ObserverHandler{service: service, transports: transports}
}

// WithPresence adds the fleet-wide presence count to the health check
func (h *ObserverHandler) WithPresence(presence PresenceCounter) *ObserverHandler {
	h.presence = presence
	return h
}

// SetupObserverRoutes registers the observer endpoints on an already
// protected subrouter, plus the unauthenticated health check on root.
func (h *ObserverHandler) SetupObserverRoutes(root, protected *mux.Router) {
	protected.HandleFunc("/calls", h.getCalls).Methods("GET")
	protected.HandleFunc("/transcriptions", h.getTranscriptions).Methods("GET")
	protected.HandleFunc("/transports", h.getTransports).Methods("GET")
	root.HandleFunc("/health", h.getHealth).Methods("GET")
}

func (h *ObserverHandler) getCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.service.RecentCalls()
	if err != nil {
		logger.Base().Error("Error fetching calls", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Failed to fetch calls")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (h *ObserverHandler) getTranscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Transcriptions())
}

func (h *ObserverHandler) getTransports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.transports.Snapshot())
}

func (h *ObserverHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"health":     "ok",
		"transports": h.transports.Count(),
		"calls":      h.service.CallCount(),
	}
	if h.presence != nil {
		n, err := h.presence.Count(r.Context())
		if err != nil {
			logger.Base().Warn("Error counting transport presence", zap.Error(err))
		} else {
			body["presence"] = n
		}
	}
	writeJSON(w, http.StatusOK, body)
}
