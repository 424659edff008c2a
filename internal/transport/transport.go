// Package transport implements C1: parsing inbound webhook payloads from
// the WhatsApp gateway and Chatwoot into the canonical InboundMessage (or
// a SupervisoryEvent for C8), and dispatching outbound replies back to
// whichever transport originated the conversation.
package transport

import (
	"context"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// SupervisoryEvent is the tagged variant C8 consumes: a label/status/
// assignee change or a private-note command on a Chatwoot conversation.
// A label, status and assignee change may arrive together in one
// event; the handler acts on the highest-priority one.
type SupervisoryEvent struct {
	UserID         string
	ConversationID string

	// LabelsChanged is true when this event carries a fresh label set
	// (possibly empty) worth re-evaluating.
	LabelsChanged bool
	Labels        []string

	// StatusChanged is true when this event carries a new conversation
	// status.
	StatusChanged bool
	Status        string

	// AssigneeChanged is true when this event carries a new assignee.
	AssigneeChanged bool
	AssigneeID      string

	// PrivateNote, if non-empty, is the raw text of an incoming private
	// note for C8's command grammar to match against.
	PrivateNote string
}

// Sender is the narrow outbound capability a single transport adapter
// exposes. The worker pool and follow-up scheduler send through Router
// instead, which also takes the message's source.
type Sender interface {
	SendOutbound(ctx context.Context, userID, conversationID, text string) error
}

// Adapter is C1's full per-transport contract: parsing both kinds of
// inbound payload and sending outbound text.
type Adapter interface {
	ParseInbound(raw []byte) (msg model.InboundMessage, event *SupervisoryEvent, ok bool, err error)
	ParseSupervisory(raw []byte) (*SupervisoryEvent, error)
	SendOutbound(ctx context.Context, userID, conversationID, text string) error
}
