// Package supervisory implements C8: interpreting Chatwoot supervisory
// signals (label/status/assignee changes and private-note commands)
// and driving C7's pause/resume gate accordingly.
package supervisory

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
	"github.com/kairos-labs/convo-dispatcher/internal/transport"
)

const (
	reasonTag               = "tag"
	reasonConversationClose = "conversation-resolved"
	reasonAssigned          = "agent-assigned"
)

var privateNoteCommand = regexp.MustCompile(`(?i)^\s*/?bot\s+(pause|resume|status)\b`)

// gate is the narrow C7 capability this handler drives.
type gate interface {
	Pause(ctx context.Context, userID, reason, setBy string, ttl time.Duration) error
	Resume(ctx context.Context, userID string) error
	ForceActivate(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*model.BotState, error)
}

// courtesySender is the narrow C1 capability used to acknowledge a
// private-note pause/resume command back into the conversation.
type courtesySender interface {
	SendOutbound(ctx context.Context, source model.Source, userID, conversationID, text string) error
}

// Handler interprets SupervisoryEvents produced by the transport
// adapters and drives the bot-state gate in a fixed signal priority
// order.
type Handler struct {
	gate   gate
	sender courtesySender
	logger *zap.Logger
}

// New constructs a Handler.
func New(gate gate, sender courtesySender, logger *zap.Logger) *Handler {
	return &Handler{gate: gate, sender: sender, logger: logger}
}

// Handle applies event to the bot-state gate. Signals are evaluated in
// priority order and only the highest-priority applicable signal in the
// event acts.
func (h *Handler) Handle(ctx context.Context, source model.Source, event *transport.SupervisoryEvent) error {
	if event == nil {
		return nil
	}

	if event.PrivateNote != "" {
		return h.handlePrivateNote(ctx, source, event)
	}

	if event.LabelsChanged {
		labels := normalizeLabelSet(event.Labels)
		if labels["bot-active"] {
			return h.gate.ForceActivate(ctx, event.UserID)
		}
		if labels["bot-paused"] {
			return h.gate.Pause(ctx, event.UserID, reasonTag, "agent", model.DefaultPauseTTL)
		}
	}

	if event.StatusChanged {
		switch event.Status {
		case "resolved", "closed":
			return h.gate.Pause(ctx, event.UserID, reasonConversationClose, "system", model.DefaultPauseTTL)
		case "open", "pending":
			return h.resumeIfReason(ctx, event.UserID, reasonConversationClose)
		}
	}

	if event.AssigneeChanged {
		if event.AssigneeID != "" {
			return h.gate.Pause(ctx, event.UserID, reasonAssigned, "agent", model.DefaultPauseTTL)
		}
		return h.resumeIfReason(ctx, event.UserID, reasonAssigned)
	}

	return nil
}

// resumeIfReason only resumes a user whose current pause carries the
// given reason, so an assignee-driven resume never lifts a pause a
// human set for an unrelated reason (e.g. a tag).
func (h *Handler) resumeIfReason(ctx context.Context, userID, reason string) error {
	state, err := h.gate.Status(ctx, userID)
	if err != nil {
		return err
	}
	if state == nil || !state.Paused || state.Reason != reason {
		return nil
	}
	return h.gate.Resume(ctx, userID)
}

func (h *Handler) handlePrivateNote(ctx context.Context, source model.Source, event *transport.SupervisoryEvent) error {
	m := privateNoteCommand.FindStringSubmatch(event.PrivateNote)
	if m == nil {
		return nil
	}

	switch strings.ToLower(m[1]) {
	case "pause":
		if err := h.gate.Pause(ctx, event.UserID, "manual-command", "agent", model.DefaultPauseTTL); err != nil {
			return err
		}
		return h.courtesy(ctx, source, event, "This conversation has been paused for a human agent.")
	case "resume":
		if err := h.gate.Resume(ctx, event.UserID); err != nil {
			return err
		}
		return h.courtesy(ctx, source, event, "The bot has resumed this conversation.")
	case "status":
		state, err := h.gate.Status(ctx, event.UserID)
		if err != nil {
			return err
		}
		return h.courtesy(ctx, source, event, statusMessage(state))
	}
	return nil
}

func (h *Handler) courtesy(ctx context.Context, source model.Source, event *transport.SupervisoryEvent, text string) error {
	if h.sender == nil {
		return nil
	}
	if err := h.sender.SendOutbound(ctx, source, event.UserID, event.ConversationID, text); err != nil {
		h.logger.Warn("failed to send supervisory courtesy message",
			zap.String("user_id", event.UserID), zap.Error(err))
	}
	return nil
}

func statusMessage(state *model.BotState) string {
	if state == nil || (!state.Paused && !state.ForceActive) {
		return "Bot status: active."
	}
	if state.ForceActive {
		return "Bot status: force-active (override in place)."
	}
	return "Bot status: paused (" + state.Reason + ")."
}

// normalizeLabelSet lowercases and sets-ifies a label slice for
// case-insensitive matching against the well-known bot-active/
// bot-paused tags.
func normalizeLabelSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[strings.ToLower(strings.TrimSpace(l))] = true
	}
	return set
}
