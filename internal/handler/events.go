package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/service"
	"github.com/pairlink/session-server/internal/sse"
)

// EventsHandler streams one session's lifecycle events. The stream opens
// with a status snapshot and ends after an expired or deleted event.
type EventsHandler struct {
	broker            *sse.Broker
	sessions          *service.SessionService
	heartbeatInterval time.Duration
}

func NewEventsHandler(broker *sse.Broker, sessions *service.SessionService) *EventsHandler {
	return &EventsHandler{
		broker:            broker,
		sessions:          sessions,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// GET /api/sessions/{id}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	sess, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("session_id", id).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, sse.EventStatus, map[string]any{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"devices":   len(sess.Devices),
		"expiresAt": sess.ExpiresAt,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("session_id", id).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("session_id", id).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == sse.EventExpired || event.Type == sse.EventDeleted {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("session_id", id).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
