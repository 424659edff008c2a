package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// handleBotStatus implements GET /bot/status/{userId}.
func (s *Server) handleBotStatus(c *gin.Context) {
	userID := c.Param("userId")
	state, err := s.gate.Status(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bot-state gate unavailable"})
		return
	}
	if state == nil {
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "paused": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"paused":       state.Active(time.Now()),
		"reason":       state.Reason,
		"set_by":       state.SetBy,
		"expires_at":   state.ExpiresAt,
		"force_active": state.ForceActive,
	})
}

// handleBotPause implements POST /bot/pause/{userId}?reason=&ttl=. ttl
// is an optional Go duration string (e.g. "2h"); an invalid or absent
// value falls back to model.DefaultPauseTTL.
func (s *Server) handleBotPause(c *gin.Context) {
	userID := c.Param("userId")
	reason := c.Query("reason")
	if reason == "" {
		reason = "manual"
	}

	ttl := model.DefaultPauseTTL
	if raw := c.Query("ttl"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			ttl = parsed
		}
	}

	if err := s.gate.Pause(c.Request.Context(), userID, reason, "operator", ttl); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to pause user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "paused": true, "reason": reason})
}

// handleBotResume implements POST /bot/resume/{userId}.
func (s *Server) handleBotResume(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.gate.Resume(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to resume user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "paused": false})
}

// handleBotResumeAll implements POST /bot/resume-all: an operator-only
// bulk override that lifts every ordinary pause in one call, used after
// an incident or maintenance window. It never touches a force-active
// user either way, since those are already not paused.
func (s *Server) handleBotResumeAll(c *gin.Context) {
	ctx := c.Request.Context()
	userIDs, err := s.gate.ListPaused(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to list paused users"})
		return
	}

	resumed := 0
	for _, userID := range userIDs {
		if err := s.gate.Resume(ctx, userID); err != nil {
			s.logger.Warn("failed to resume user during resume-all", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		resumed++
	}
	c.JSON(http.StatusOK, gin.H{"resumed": resumed, "total": len(userIDs)})
}

// handleFollowupActivate implements POST /followup/activate/{userId}.
func (s *Server) handleFollowupActivate(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.followup.Activate(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to activate follow-up"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "activated": true})
}

// handleFollowupDeactivate implements POST /followup/deactivate/{userId}.
func (s *Server) handleFollowupDeactivate(c *gin.Context) {
	userID := c.Param("userId")
	reason := c.Query("reason")
	if reason == "" {
		reason = "manual"
	}
	if err := s.followup.Deactivate(c.Request.Context(), userID, reason); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to deactivate follow-up"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "deactivated": true})
}

// handleFollowupStatus implements GET /followup/status/{userId}.
func (s *Server) handleFollowupStatus(c *gin.Context) {
	userID := c.Param("userId")
	report, err := s.followup.Status(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load follow-up status"})
		return
	}

	resp := gin.H{"user_id": userID, "blacklisted": report.Blacklisted}
	if report.LatestJob != nil {
		resp["latest_job"] = gin.H{
			"job_id":        report.LatestJob.JobID,
			"stage":         report.LatestJob.StageIndex,
			"status":        report.LatestJob.Status,
			"scheduled_for": report.LatestJob.ScheduledFor,
			"attempts":      report.LatestJob.Attempts,
		}
	}
	c.JSON(http.StatusOK, resp)
}
