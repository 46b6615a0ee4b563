package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// handleReloadPolicy reloads the policy file and publishes the new snapshot.
// An invalid document keeps the previous snapshot in force.
func (h *Handler) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	snap, err := h.policies.Reload(h.policyPath)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "policy reload rejected", "error", err)
		if errors.Is(err, policy.ErrInvalid) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  "policy_invalid",
				"detail": err.Error(),
			})
			return
		}
		writeError(w, dErrors.Wrap(dErrors.CodeInternal, "reload failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reloaded",
		"version": snap.Version,
	})
}

// handleDumpSnapshot returns the raw document of the snapshot in force.
func (h *Handler) handleDumpSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := h.policies.Current()
	data, err := policy.Marshal(snap.Doc)
	if err != nil {
		writeError(w, dErrors.Wrap(dErrors.CodeInternal, "marshal snapshot", err))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Policy-Version", snap.Version)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// testEmergencyRequest synthesizes an emergency through the real pipeline.
type testEmergencyRequest struct {
	Category string `json:"category"`
	Severity int    `json:"severity"`
	Session  string `json:"session,omitempty"`
}

// handleTestEmergency feeds a synthesized SOS utterance into the pipeline.
// Meant for deployments running with dry-run adapters; against live
// adapters it will really dial the ladder.
func (h *Handler) handleTestEmergency(w http.ResponseWriter, r *http.Request) {
	var req testEmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	category, err := domain.ParseEmergencyCategory(req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := domain.ParseSeverity(req.Severity); err != nil {
		writeError(w, err)
		return
	}

	snap := h.policies.Current()
	keyword := ""
	for _, set := range snap.SOSSets {
		if set.Category == category {
			for _, words := range set.Keywords {
				if len(words) > 0 {
					keyword = words[0]
					break
				}
			}
			break
		}
	}
	if keyword == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "policy has no keywords for category"))
		return
	}

	sessionID := req.Session
	if sessionID == "" {
		sessionID = "synthetic-test"
	}
	u := domain.Utterance{
		ID:         "synthetic-" + uuid.NewString(),
		SessionID:  sessionID,
		Text:       keyword,
		Lang:       domain.LanguageMandarin,
		Confidence: 1,
		ArrivedAt:  time.Now(),
	}
	resp, err := h.orch.HandleUtterance(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDrain quiesces the daemon: responds, then triggers shutdown.
func (h *Handler) handleDrain(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
	if h.drain != nil {
		go h.drain()
	}
}

// handleAuditRecent exposes the tail of the decision log for operators.
func (h *Handler) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	recs, err := h.auditStore.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, dErrors.Wrap(dErrors.CodeInternal, "read audit log", err))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
