package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/SearocIsMe/elderly-companion/internal/adapters/voicecall"
	"github.com/SearocIsMe/elderly-companion/internal/emergency"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

// asrTextRequest is the audio-in event from the ASR collaborator.
type asrTextRequest struct {
	UtteranceID      string  `json:"utterance_id"`
	Text             string  `json:"text"`
	Language         string  `json:"language"`
	ASRConf          float64 `json:"asr_conf"`
	TArrivalMS       int64   `json:"t_arrival_ms"`
	SpeakerProfileID string  `json:"speaker_profile_id,omitempty"`
}

// handleASRText runs one utterance through the pipeline and returns the
// response envelope.
func (h *Handler) handleASRText(w http.ResponseWriter, r *http.Request) {
	var req asrTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	lang, err := domain.ParseLanguage(req.Language)
	if err != nil {
		writeError(w, err)
		return
	}
	arrived := time.Now()
	if req.TArrivalMS > 0 {
		arrived = time.UnixMilli(req.TArrivalMS)
	}
	sessionID := req.SpeakerProfileID
	if sessionID == "" {
		sessionID = "default"
	}

	u := domain.Utterance{
		ID:         req.UtteranceID,
		SessionID:  sessionID,
		Text:       req.Text,
		Lang:       lang,
		Confidence: req.ASRConf,
		ArrivedAt:  arrived,
	}

	resp, err := h.orch.HandleUtterance(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// emotionSignalRequest is the external emotion analyzer reading.
type emotionSignalRequest struct {
	SpeakerProfileID string  `json:"speaker_profile_id"`
	Stress           float64 `json:"stress"`
	Valence          float64 `json:"valence"`
}

func (h *Handler) handleEmotionSignal(w http.ResponseWriter, r *http.Request) {
	var req emotionSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.SpeakerProfileID == "" || req.Stress < 0 || req.Stress > 1 {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "speaker_profile_id and stress in [0,1] required"))
		return
	}
	h.sessions.Get(req.SpeakerProfileID).SetEmotion(session.Emotion{
		Stress:     req.Stress,
		Valence:    req.Valence,
		ObservedAt: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// zoneSignalRequest is the geofence position signal. Either a resolved zone
// or a raw position may be supplied; position is resolved against the policy
// polygons.
type zoneSignalRequest struct {
	SpeakerProfileID string      `json:"speaker_profile_id"`
	Zone             string      `json:"zone,omitempty"`
	Position         *[2]float64 `json:"position,omitempty"`
}

func (h *Handler) handleZoneSignal(w http.ResponseWriter, r *http.Request) {
	var req zoneSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.SpeakerProfileID == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "speaker_profile_id required"))
		return
	}
	zone := domain.Zone(req.Zone)
	if req.Position != nil {
		zone = h.policies.Current().ZoneFor(req.Position[0], req.Position[1])
	}
	if zone == domain.ZoneUnknown {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "zone or position required"))
		return
	}
	h.sessions.Get(req.SpeakerProfileID).SetZone(zone)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "zone": string(zone)})
}

// consentSignalRequest records a consent flag for a session, e.g.
// video_streaming granted by the family client on behalf of the user.
type consentSignalRequest struct {
	SpeakerProfileID string `json:"speaker_profile_id"`
	Flag             string `json:"flag"`
	Granted          bool   `json:"granted"`
}

func (h *Handler) handleConsentSignal(w http.ResponseWriter, r *http.Request) {
	var req consentSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.SpeakerProfileID == "" || req.Flag == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "speaker_profile_id and flag required"))
		return
	}
	h.sessions.Get(req.SpeakerProfileID).SetConsent(req.Flag, req.Granted)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallAck receives callee acknowledgements from the SIP gateway.
func (h *Handler) handleCallAck(w http.ResponseWriter, r *http.Request) {
	var ack voicecall.Ack
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if ack.IncidentID == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "incident_id required"))
		return
	}
	routed := h.emerg.OnAck(emergency.Ack{
		IncidentID: ack.IncidentID,
		Contact:    domain.ContactID(ack.ContactID),
		Status:     ack.Status,
	})
	if !routed {
		writeError(w, dErrors.New(dErrors.CodeNotFound, "no live incident for ack"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "healthy",
		"policy_version": h.policies.Current().Version,
	})
}
