package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// chatwootEvent is a loosely-typed envelope covering both
// message_created and conversation_updated payloads, since Chatwoot
// nests label/assignee data differently depending on which fired and
// which webhook API version produced it.
type chatwootEvent struct {
	Event   string `json:"event"`
	Content string `json:"content"`

	MessageType string `json:"message_type"`
	Private     bool   `json:"private"`

	Sender struct {
		ID         int    `json:"id"`
		Identifier string `json:"identifier"`
		PhoneNum   string `json:"phone_number"`
	} `json:"sender"`

	Conversation struct {
		ID     int      `json:"id"`
		Status string   `json:"status"`
		Labels []string `json:"labels"`
		Meta   struct {
			Assignee *struct {
				ID int `json:"id"`
			} `json:"assignee"`
		} `json:"meta"`
	} `json:"conversation"`

	ID     int    `json:"id"`
	Status string `json:"status"`

	Labels            []string `json:"labels"`
	AddedLabels       []string `json:"added_labels"`
	ChangedAttributes []struct {
		Labels *struct {
			CurrentValue  []string `json:"current_value"`
			PreviousValue []string `json:"previous_value"`
		} `json:"label_list"`
		AssigneeID *struct {
			CurrentValue *int `json:"current_value"`
		} `json:"assignee_id"`
		Status *struct {
			CurrentValue string `json:"current_value"`
		} `json:"status"`
	} `json:"changed_attributes"`

	AssigneeID *int `json:"assignee_id"`
}

// normalizedLabels collects every location Chatwoot may carry labels in
// a conversation_updated event into a single deduplicated set, since the
// field moves between API versions and webhook configurations.
func (e *chatwootEvent) normalizedLabels() ([]string, bool) {
	seen := map[string]bool{}
	var found bool
	add := func(labels []string) {
		if labels == nil {
			return
		}
		found = true
		for _, l := range labels {
			seen[l] = true
		}
	}
	add(e.Labels)
	add(e.AddedLabels)
	add(e.Conversation.Labels)
	for _, ch := range e.ChangedAttributes {
		if ch.Labels != nil {
			add(ch.Labels.CurrentValue)
		}
	}
	if !found {
		return nil, false
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	return out, true
}

func (e *chatwootEvent) normalizedStatus() (string, bool) {
	if e.Conversation.Status != "" {
		return e.Conversation.Status, true
	}
	if e.Status != "" {
		return e.Status, true
	}
	for _, ch := range e.ChangedAttributes {
		if ch.Status != nil {
			return ch.Status.CurrentValue, true
		}
	}
	return "", false
}

func (e *chatwootEvent) normalizedAssignee() (string, bool) {
	if e.Conversation.Meta.Assignee != nil {
		return strconv.Itoa(e.Conversation.Meta.Assignee.ID), true
	}
	if e.AssigneeID != nil {
		return strconv.Itoa(*e.AssigneeID), true
	}
	for _, ch := range e.ChangedAttributes {
		if ch.AssigneeID != nil {
			if ch.AssigneeID.CurrentValue == nil {
				return "", true // explicit unassignment
			}
			return strconv.Itoa(*ch.AssigneeID.CurrentValue), true
		}
	}
	return "", false
}

func (e *chatwootEvent) userID() string {
	if e.Sender.PhoneNum != "" {
		return userIDFromJID(strings.TrimPrefix(e.Sender.PhoneNum, "+") + "@s")
	}
	if e.Sender.Identifier != "" {
		return e.Sender.Identifier
	}
	return strconv.Itoa(e.Sender.ID)
}

func (e *chatwootEvent) conversationID() string {
	if e.Conversation.ID != 0 {
		return strconv.Itoa(e.Conversation.ID)
	}
	return strconv.Itoa(e.ID)
}

// Chatwoot is the Chatwoot helpdesk transport adapter.
type Chatwoot struct {
	cfg     config.ChatwootConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewChatwoot constructs a Chatwoot adapter.
func NewChatwoot(cfg config.ChatwootConfig) *Chatwoot {
	return &Chatwoot{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker("chatwoot-outbound"),
	}
}

// ParseInbound routes message_created events: an incoming (non-private)
// message becomes an InboundMessage; a private note is routed instead
// as a SupervisoryEvent carrying its raw text for C8 to match against
// its command grammar. Any other event type is dropped with ok=false.
func (c *Chatwoot) ParseInbound(raw []byte) (model.InboundMessage, *SupervisoryEvent, bool, error) {
	var event chatwootEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return model.InboundMessage{}, nil, false, errs.Wrap(errs.BadRequest, err, "failed to parse chatwoot webhook payload")
	}

	if event.Event != "message_created" {
		return model.InboundMessage{}, nil, false, nil
	}

	if event.Private {
		return model.InboundMessage{}, &SupervisoryEvent{
			UserID:         event.userID(),
			ConversationID: event.conversationID(),
			PrivateNote:    event.Content,
		}, true, nil
	}

	if event.MessageType != "incoming" {
		return model.InboundMessage{}, nil, false, nil
	}

	text := strings.TrimSpace(event.Content)
	userID := event.userID()
	if userID == "" || text == "" {
		return model.InboundMessage{}, nil, false, nil
	}

	msg := model.InboundMessage{
		UserID:             userID,
		Text:               text,
		Source:             model.SourceChatwoot,
		TransportMessageID: strconv.Itoa(event.ID),
		ConversationID:     event.conversationID(),
		ArrivedAt:          time.Now(),
	}
	return msg, nil, true, nil
}

// ParseSupervisory interprets a conversation_updated event into a
// SupervisoryEvent, normalizing labels/status/assignee from whichever
// field the payload actually populated.
func (c *Chatwoot) ParseSupervisory(raw []byte) (*SupervisoryEvent, error) {
	var event chatwootEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errs.Wrap(errs.BadRequest, err, "failed to parse chatwoot conversation_updated payload")
	}

	out := &SupervisoryEvent{
		UserID:         event.userID(),
		ConversationID: event.conversationID(),
	}
	if labels, ok := event.normalizedLabels(); ok {
		out.LabelsChanged = true
		out.Labels = labels
	}
	if status, ok := event.normalizedStatus(); ok {
		out.StatusChanged = true
		out.Status = status
	}
	if assignee, ok := event.normalizedAssignee(); ok {
		out.AssigneeChanged = true
		out.AssigneeID = assignee
	}
	return out, nil
}

type chatwootOutboundRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// SendOutbound posts a reply into the Chatwoot conversation identified
// by conversationID.
func (c *Chatwoot) SendOutbound(ctx context.Context, userID, conversationID, text string) error {
	if conversationID == "" {
		return errs.New(errs.PermanentTransport, "chatwoot send requires a conversation id")
	}

	payload, err := json.Marshal(chatwootOutboundRequest{Content: text, MessageType: "outgoing"})
	if err != nil {
		return errs.Wrap(errs.BadRequest, err, "failed to marshal chatwoot outbound payload")
	}

	return withRetry(ctx, "chatwoot", c.breaker, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages",
			strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountID, conversationID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return errs.Wrap(errs.TransientTransport, err, "failed to build chatwoot send request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api_access_token", c.cfg.AccessToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return errs.Wrap(errs.TransientTransport, err, "chatwoot send request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errs.New(errs.TransientTransport, fmt.Sprintf("chatwoot returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return errs.New(errs.PermanentTransport, fmt.Sprintf("chatwoot returned %d", resp.StatusCode))
		}
		return nil
	})
}
