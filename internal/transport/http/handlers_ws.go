package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/SearocIsMe/elderly-companion/internal/bus"
)

// familyEvent is one frame pushed to a family client.
type familyEvent struct {
	Topic      string    `json:"topic"`
	SessionID  string    `json:"session_id,omitempty"`
	IncidentID string    `json:"incident_id,omitempty"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload"`
}

// handleFamilyStream streams incident lifecycle and adapter-result events to
// the family mobile client over a websocket. Each connection gets its own
// bus subscriptions; a slow client is disconnected rather than allowed to
// stall the bus.
func (h *Handler) handleFamilyStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()

	incidents, cancelIncidents := h.events.Subscribe(bus.TopicIncidentEvent)
	defer cancelIncidents()
	results, cancelResults := h.events.Subscribe(bus.TopicAdapterResult)
	defer cancelResults()

	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok = <-incidents:
		case ev, ok = <-results:
		}
		if !ok {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, familyEvent{
			Topic:      string(ev.Topic),
			SessionID:  ev.SessionID,
			IncidentID: ev.IncidentID,
			At:         ev.At,
			Payload:    ev.Payload,
		})
		cancel()
		if err != nil {
			h.logger.WarnContext(ctx, "family stream write failed, dropping client", "error", err)
			return
		}
	}
}
