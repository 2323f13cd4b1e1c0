package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/flow"
	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/models"
)

// webhookPayload accepts both the native InboundMessage webhook (camelCase)
// and the workflow "custom webhook" action (snake_case, nested message).
type webhookPayload struct {
	Type           string           `json:"type"`
	ContactID      string           `json:"contactId"`
	ConversationID string           `json:"conversationId"`
	MessageID      string           `json:"messageId"`
	Body           string           `json:"body"`
	Direction      string           `json:"direction"`
	DateAdded      string           `json:"dateAdded"`
	Phone          string           `json:"phone"`
	Email          string           `json:"email"`
	FullName       string           `json:"full_name"`
	ContactIDAlt   string           `json:"contact_id"`
	Message        *workflowMessage `json:"message"`
}

type workflowMessage struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// event converts the payload into an InboundEvent.
func (p webhookPayload) event(now time.Time) models.InboundEvent {
	contactID := strings.TrimSpace(p.ContactID)
	if contactID == "" {
		contactID = strings.TrimSpace(p.ContactIDAlt)
	}
	text := p.Body
	if strings.TrimSpace(text) == "" && p.Message != nil {
		text = p.Message.Body
	}
	received := now
	if p.DateAdded != "" {
		if t, err := time.Parse(time.RFC3339, p.DateAdded); err == nil {
			received = t
		}
	}
	return models.InboundEvent{
		ConversationID: strings.TrimSpace(p.ConversationID),
		ContactID:      contactID,
		MessageID:      strings.TrimSpace(p.MessageID),
		Text:           strings.TrimSpace(text),
		Profile: models.ContactProfile{
			Name:  strings.TrimSpace(p.FullName),
			Email: strings.TrimSpace(p.Email),
			Phone: strings.TrimSpace(p.Phone),
		},
		ReceivedAt: received,
	}
}

// outbound reports whether the webhook describes a message the business sent.
func (p webhookPayload) outbound() bool {
	return strings.EqualFold(p.Direction, "outbound") || strings.EqualFold(p.Type, "OutboundMessage")
}

// webhookHandler accepts an inbound customer message (POST /webhooks/ghl).
func (s *Server) webhookHandler(c *gin.Context) {
	var p webhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.outbound() {
		slog.Debug("Server.webhookHandler: ignoring outbound message", "messageID", p.MessageID)
		writeJSONResponse(c, http.StatusOK, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusOK).
			WithMessage("outbound message ignored").
			Build())
		return
	}

	ev := p.event(time.Now())
	if err := ev.Validate(); err != nil {
		if errors.Is(err, models.ErrMissingIdentity) {
			// Resolve counts the failure and logs it at ERROR.
			if _, rerr := s.threads.Resolve(ev); rerr != nil {
				err = rerr
			}
		} else {
			slog.Warn("Server.webhookHandler: invalid event", "error", err, "messageID", ev.MessageID)
		}
		writeJSONResponse(c, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if ev.MessageID != "" {
		dup, err := s.records.IsDuplicate(ev.MessageID)
		if err != nil {
			slog.Error("Server.webhookHandler: dedup lookup failed", "messageID", ev.MessageID, "error", err)
			writeJSONResponse(c, http.StatusInternalServerError, models.Error("Failed to check message"))
			return
		}
		if dup {
			slog.Info("Server.webhookHandler: duplicate webhook", "messageID", ev.MessageID)
			writeJSONResponse(c, http.StatusOK, models.Duplicate(ev.MessageID))
			return
		}
	}

	threadID, err := s.threads.Resolve(ev)
	if err != nil {
		writeJSONResponse(c, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.process(ev)
	writeJSONResponse(c, http.StatusAccepted, models.Accepted(threadID))
}

// threadHandler returns a thread snapshot (GET /threads/:id).
func (s *Server) threadHandler(c *gin.Context) {
	threadID := c.Param("id")
	state, err := s.threads.Get(threadID)
	if err != nil {
		if errors.Is(err, flow.ErrThreadNotFound) {
			writeJSONResponse(c, http.StatusNotFound, models.Error("Thread not found"))
			return
		}
		slog.Error("Server.threadHandler: failed to load thread", "threadID", threadID, "error", err)
		writeJSONResponse(c, http.StatusInternalServerError, models.Error("Failed to load thread"))
		return
	}
	writeJSONResponse(c, http.StatusOK, models.Success(state))
}

// deliveriesHandler lists responder outcomes for a thread (GET /threads/:id/deliveries).
func (s *Server) deliveriesHandler(c *gin.Context) {
	threadID := c.Param("id")
	deliveries, err := s.records.ListDeliveries(threadID)
	if err != nil {
		slog.Error("Server.deliveriesHandler: failed to list deliveries", "threadID", threadID, "error", err)
		writeJSONResponse(c, http.StatusInternalServerError, models.Error("Failed to list deliveries"))
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSONResponse(c, http.StatusOK, models.Success(deliveries))
}

// healthHandler reports liveness and pipeline counters (GET /healthz).
func (s *Server) healthHandler(c *gin.Context) {
	writeJSONResponse(c, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"in_flight":         s.active.Load(),
		"processed":         s.processed.Load(),
		"failed":            s.failed.Load(),
		"unresolved_events": s.threads.UnresolvedCount(),
	})
}
