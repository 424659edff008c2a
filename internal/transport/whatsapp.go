package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// whatsappInboundPayload mirrors the Evolution-API-style webhook shape:
// data.key.remoteJid carries the sender's WhatsApp JID,
// data.message.conversation carries the plain text body.
type whatsappInboundPayload struct {
	Data struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		Message struct {
			Conversation string `json:"conversation"`
		} `json:"message"`
		MessageTimestamp int64  `json:"messageTimestamp"`
		PushName         string `json:"pushName"`
	} `json:"data"`
}

// WhatsApp is the WhatsApp-gateway transport adapter.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWhatsApp constructs a WhatsApp adapter.
func NewWhatsApp(cfg config.WhatsAppConfig) *WhatsApp {
	return &WhatsApp{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker("whatsapp-outbound"),
	}
}

// userIDFromJID derives the canonical userId from a WhatsApp JID,
// stripping the ":device" multi-device suffix before the "@server"
// segment so multiple device sessions for one phone collapse to a
// single stable userId.
func userIDFromJID(jid string) string {
	at := strings.IndexByte(jid, '@')
	local := jid
	if at >= 0 {
		local = jid[:at]
	}
	if colon := strings.IndexByte(local, ':'); colon >= 0 {
		local = local[:colon]
	}
	return local
}

// ParseInbound parses a WhatsApp gateway webhook body into a canonical
// InboundMessage. A payload with no sender or no text, or a message
// sent by the bot's own number (fromMe), is dropped with ok=false and no
// error, so the caller can still respond 200 to the transport. A body
// that is not valid JSON (including an empty one) returns a BadRequest
// error.
func (w *WhatsApp) ParseInbound(raw []byte) (model.InboundMessage, *SupervisoryEvent, bool, error) {
	var payload whatsappInboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.InboundMessage{}, nil, false, errs.Wrap(errs.BadRequest, err, "failed to parse whatsapp webhook payload")
	}

	if payload.Data.Key.FromMe {
		return model.InboundMessage{}, nil, false, nil
	}

	userID := userIDFromJID(payload.Data.Key.RemoteJid)
	text := strings.TrimSpace(payload.Data.Message.Conversation)
	if userID == "" || text == "" {
		return model.InboundMessage{}, nil, false, nil
	}

	arrivedAt := time.Now()
	if payload.Data.MessageTimestamp > 0 {
		arrivedAt = time.Unix(payload.Data.MessageTimestamp, 0)
	}

	msg := model.InboundMessage{
		UserID:             userID,
		Text:               text,
		Source:             model.SourceWhatsApp,
		TransportMessageID: payload.Data.Key.RemoteJid,
		ArrivedAt:          arrivedAt,
		RawMetadata: map[string]interface{}{
			"push_name": payload.Data.PushName,
		},
	}
	return msg, nil, true, nil
}

// ParseSupervisory is a no-op for WhatsApp: the transport has no
// equivalent to Chatwoot's labels/status/assignee or private notes.
func (w *WhatsApp) ParseSupervisory(raw []byte) (*SupervisoryEvent, error) {
	return nil, nil
}

type whatsappSendTextRequest struct {
	Number      string `json:"number"`
	TextMessage struct {
		Text string `json:"text"`
	} `json:"textMessage"`
}

// SendOutbound sends text to userID via the gateway's sendText
// endpoint, retrying transient failures with exponential backoff and
// raising a permanent error on a terminal 4xx.
func (w *WhatsApp) SendOutbound(ctx context.Context, userID, conversationID, text string) error {
	payload := whatsappSendTextRequest{Number: userID}
	payload.TextMessage.Text = text

	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.BadRequest, err, "failed to marshal whatsapp outbound payload")
	}

	return withRetry(ctx, "whatsapp", w.breaker, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/message/sendText/%s", strings.TrimRight(w.cfg.APIEndpoint, "/"), w.cfg.Instance())
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return errs.Wrap(errs.TransientTransport, err, "failed to build whatsapp send request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", w.cfg.APIKey)

		resp, err := w.http.Do(req)
		if err != nil {
			return errs.Wrap(errs.TransientTransport, err, "whatsapp send request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errs.New(errs.TransientTransport, fmt.Sprintf("whatsapp gateway returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return errs.New(errs.PermanentTransport, fmt.Sprintf("whatsapp gateway returned %d", resp.StatusCode))
		}
		return nil
	})
}
