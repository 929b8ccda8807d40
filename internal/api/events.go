package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/tracker"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

const defaultMaxBodyBytes = 1 << 20

type createEventResponse struct {
	EventID   string         `json:"event_id"`
	Status    webhook.Status `json:"status"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

type eventResponse struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Provider    string            `json:"provider,omitempty"`
	Status      webhook.Status    `json:"status"`
	Expected    int               `json:"expected_count"`
	Completed   int               `json:"completed_count"`
	Failed      int               `json:"failed_count"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Live        *tracker.Snapshot `json:"live,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	var payload webhook.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	eventID, err := s.deps.Events.HandleEvent(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, createEventResponse{EventID: eventID, Status: webhook.StatusReceived})
	case errors.Is(err, webhook.ErrDuplicateEvent):
		status := webhook.StatusReceived
		if ev, getErr := s.deps.Store.GetEvent(r.Context(), eventID); getErr == nil {
			status = ev.Status
		}
		writeJSON(w, http.StatusOK, createEventResponse{EventID: eventID, Status: status, Duplicate: true})
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("event intake failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "event could not be accepted")
	}
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	ev, err := s.deps.Store.GetEvent(r.Context(), eventID)
	if errors.Is(err, webhook.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("get event failed", zap.String("event_id", eventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get event failed")
		return
	}

	resp := eventResponse{
		EventID:     ev.ID,
		EventType:   ev.EventType,
		Provider:    ev.Provider,
		Status:      ev.Status,
		Expected:    ev.Expected,
		Completed:   ev.Completed,
		Failed:      ev.Failed,
		Metadata:    ev.Metadata,
		ReceivedAt:  ev.ReceivedAt,
		CompletedAt: ev.CompletedAt,
	}
	if resp.Status == "" {
		resp.Status = webhook.StatusReceived
	}
	if snap, ok := s.deps.Batches.Snapshot(eventID); ok {
		resp.Live = &snap
		// The tracker runs ahead of the progress sink.
		if !resp.Status.IsTerminal() && snap.Completed+snap.Failed > resp.Completed+resp.Failed {
			resp.Completed = snap.Completed
			resp.Failed = snap.Failed
			resp.Status = webhook.StatusProcessing
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, defaultMaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled via api"
	}

	err := s.deps.Batches.Cancel(r.Context(), eventID, reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "status": string(webhook.StatusFailed)})
	case errors.Is(err, tracker.ErrBatchDecided):
		writeError(w, http.StatusConflict, "event already finalized")
	case errors.Is(err, tracker.ErrUnknownBatch):
		s.untracked(r.Context(), w, eventID)
	default:
		s.logger.Warn("cancel finalize failed", zap.String("event_id", eventID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"event_id": eventID,
			"status":   string(webhook.StatusFailed),
			"warning":  "decision recorded; persisting it failed and will need /finalize",
		})
	}
}

// untracked answers a cancel for an event the tracker does not hold.
func (s *Server) untracked(ctx context.Context, w http.ResponseWriter, eventID string) {
	ev, err := s.deps.Store.GetEvent(ctx, eventID)
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "get event failed")
	case ev.Status.IsTerminal():
		writeError(w, http.StatusConflict, "event already finalized")
	default:
		writeError(w, http.StatusConflict, "event is not tracked by this instance")
	}
}

func (s *Server) finalizeEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	err := s.deps.Batches.Refinalize(r.Context(), eventID)
	switch {
	case err == nil:
		snap, _ := s.deps.Batches.Snapshot(eventID)
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "status": string(snap.Decided)})
	case errors.Is(err, tracker.ErrNotFlagged):
		writeError(w, http.StatusConflict, "event has no failed finalize to retry")
	default:
		s.logger.Warn("refinalize failed", zap.String("event_id", eventID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "finalize failed: "+err.Error())
	}
}

type queueResponse struct {
	Pool    any           `json:"pool"`
	Tracker tracker.Stats `json:"tracker"`
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	resp := queueResponse{Tracker: s.deps.Batches.Stats()}
	if s.deps.Pool != nil {
		resp.Pool = s.deps.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
