package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/admission"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
	"github.com/kairos-labs/convo-dispatcher/internal/transport"
)

// maxWebhookBody bounds the size of an inbound webhook payload the
// server will read.
const maxWebhookBody = 1 << 20 // 1MB

func (s *Server) handleWhatsAppWebhook(c *gin.Context) {
	s.handleInboundWebhook(c, model.SourceWhatsApp, s.whatsapp)
}

// chatwootEnvelope peeks at the event type so conversation_updated
// payloads (C8 label/status/assignee changes) can be routed to
// ParseSupervisory before message_created-shaped parsing ever runs.
type chatwootEnvelope struct {
	Event string `json:"event"`
}

func (s *Server) handleChatwootWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "body_read_failed"})
		return
	}

	var envelope chatwootEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Event == "conversation_updated" {
		s.dispatchSupervisory(c, body)
		return
	}

	s.dispatchInbound(c, body, model.SourceChatwoot, s.chatwoot)
}

// dispatchSupervisory hands a conversation_updated payload straight to
// C8, bypassing ParseInbound entirely since the payload never carries a
// message to admit.
func (s *Server) dispatchSupervisory(c *gin.Context, body []byte) {
	event, err := s.chatwoot.ParseSupervisory(body)
	if err != nil {
		s.logger.Warn("failed to parse chatwoot conversation_updated webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "bad_request"})
		return
	}

	if err := s.supervisor.Handle(c.Request.Context(), model.SourceChatwoot, event); err != nil {
		s.logger.Warn("failed to apply supervisory event", zap.String("user_id", event.UserID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// handleInboundWebhook implements the webhook contract: always
// respond 200, with a status/reason distinguishing "accepted" from
// "ignored" so the transport never sees a retryable error for a normal
// admission rejection.
func (s *Server) handleInboundWebhook(c *gin.Context, source model.Source, adapter transport.Adapter) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "body_read_failed"})
		return
	}

	s.dispatchInbound(c, body, source, adapter)
}

// dispatchInbound runs ParseInbound against an already-read body,
// shared by the WhatsApp path and the Chatwoot message_created path.
func (s *Server) dispatchInbound(c *gin.Context, body []byte, source model.Source, adapter transport.Adapter) {
	msg, event, ok, err := adapter.ParseInbound(body)
	if err != nil {
		s.logger.Warn("failed to parse inbound webhook", zap.String("source", string(source)), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "bad_request"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "dropped"})
		return
	}

	ctx := c.Request.Context()

	if event != nil {
		if err := s.supervisor.Handle(ctx, source, event); err != nil {
			s.logger.Warn("failed to apply supervisory event", zap.String("user_id", event.UserID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}

	reason, accepted := s.admitAndBuffer(ctx, msg, c.ClientIP())
	if !accepted {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// admitAndBuffer runs an inbound message through C2 (dedup/rate-limit),
// fires the follow-up scheduler's reply-reset invariant on every
// successful admit, and hands the message to C3's burst buffer for
// coalescing into C4. It never blocks on the eventual reply: the
// handler returns as soon as the message is queued for coalescing.
func (s *Server) admitAndBuffer(ctx context.Context, msg model.InboundMessage, ip string) (reason string, accepted bool) {
	if s.queue != nil && s.queue.OverCap(ctx) {
		// The backlog has hit its soft cap; shed load with a friendly
		// rejection (still HTTP 200 upstream) instead of queueing deeper.
		return "busy", false
	}

	vip := false
	if convCtx, err := s.context.Get(ctx, msg.UserID, time.Now()); err == nil {
		vip = convCtx.Profile.VIP
	}

	switch s.admit.Check(ctx, msg, ip, vip) {
	case admission.RejectEmpty:
		return "empty", false
	case admission.RejectDuplicate:
		return "duplicate", false
	case admission.RejectRate:
		return "rate_limited", false
	}

	if err := s.followup.OnInboundMessage(ctx, msg.UserID); err != nil {
		s.logger.Warn("failed to reset follow-up schedule on inbound message",
			zap.String("user_id", msg.UserID), zap.Error(err))
	}

	s.burst.Add(msg)
	return "", true
}
