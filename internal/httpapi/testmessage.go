package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

type testMessageRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// handleTestMessage implements /test/message: a synchronous bypass of
// the queue/worker pipeline for the human-facing testing UI. It
// still honors the bot-state gate and still writes through C6, since
// those invariants hold regardless of entry point.
func (s *Server) handleTestMessage(c *gin.Context) {
	var req testMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and message are required"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now()

	paused, err := s.gate.IsPaused(ctx, req.UserID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bot-state gate unavailable"})
		return
	}
	if paused {
		c.JSON(http.StatusOK, gin.H{"response": ""})
		return
	}

	convCtx, err := s.context.Get(ctx, req.UserID, now)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "context store unavailable"})
		return
	}

	reply, err := s.agent.InferReply(ctx, req.UserID, req.Message, convCtx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": model.DeadLetterApologyText})
		return
	}

	updated, err := s.context.Update(ctx, req.UserID, time.Now(), func(cc *model.ConversationContext) {
		cc.AppendInteraction(model.RoleUser, req.Message, now)
		cc.AppendInteraction(model.RoleAssistant, reply, time.Now())
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to persist conversation context"})
		return
	}

	if err := s.followup.OnUserActivity(ctx, req.UserID, updated); err != nil {
		s.logger.Warn("failed to arm follow-up after test message reply", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"response": reply})
}
