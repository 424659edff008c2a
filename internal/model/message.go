// Package model holds the data types shared across dispatcher components:
// inbound messages, queued items, conversation context, bot state, and the
// follow-up scheduler's durable records.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifies which transport an InboundMessage arrived through.
type Source string

const (
	SourceWhatsApp Source = "whatsapp"
	SourceChatwoot Source = "chatwoot"
	SourceTest     Source = "test"
)

// DeadLetterApologyText is sent to the user, through their original
// transport, whenever their message exhausts its retries and is
// dead-lettered rather than ever receiving a reply.
const DeadLetterApologyText = "estoy experimentando dificultades técnicas"

// InboundMessage is the canonical, transport-agnostic intake record.
// It is immutable once constructed.
type InboundMessage struct {
	UserID              string
	Text                string
	Source              Source
	TransportMessageID  string
	ConversationID      string
	ArrivedAt           time.Time
	RawMetadata         map[string]interface{}
}

// MessageHash computes the dedup key sha256(userId || ':' || text).
func (m InboundMessage) MessageHash() string {
	h := sha256.Sum256([]byte(m.UserID + ":" + m.Text))
	return hex.EncodeToString(h[:])
}

// Empty reports whether the message carries no usable text or user id,
// the condition under which C1 drops it with ok semantics.
func (m InboundMessage) Empty() bool {
	return m.UserID == "" || m.Text == ""
}

// Coalesce merges msgs (already ordered by arrival) into one InboundMessage,
// joining text with newlines, keeping the latest TransportMessageID and the
// earliest ArrivedAt, per C3's coalescing contract.
func Coalesce(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 0 {
		return InboundMessage{}
	}
	if len(msgs) == 1 {
		return msgs[0]
	}
	out := msgs[0]
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
		if m.ArrivedAt.Before(out.ArrivedAt) {
			out.ArrivedAt = m.ArrivedAt
		}
	}
	out.TransportMessageID = msgs[len(msgs)-1].TransportMessageID
	out.Text = joinLines(texts)
	return out
}

func joinLines(texts []string) string {
	out := ""
	for i, t := range texts {
		if i > 0 {
			out += "\n"
		}
		out += t
	}
	return out
}
