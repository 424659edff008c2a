package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
)

func TestUserIDFromJIDStripsDeviceSuffixAndServer(t *testing.T) {
	assert.Equal(t, "5491122334455", userIDFromJID("5491122334455:42@s.whatsapp.net"))
	assert.Equal(t, "5491122334455", userIDFromJID("5491122334455@s.whatsapp.net"))
	assert.Equal(t, "5491122334455", userIDFromJID("5491122334455"))
}

func TestWhatsAppParseInboundDropsFromMe(t *testing.T) {
	w := NewWhatsApp(defaultWhatsAppTestConfig())
	raw := []byte(`{"data":{"key":{"remoteJid":"549111@s.whatsapp.net","fromMe":true},"message":{"conversation":"hi"}}}`)
	_, _, ok, err := w.ParseInbound(raw)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWhatsAppParseInboundProducesCanonicalMessage(t *testing.T) {
	w := NewWhatsApp(defaultWhatsAppTestConfig())
	raw := []byte(`{"data":{"key":{"remoteJid":"549111222:7@s.whatsapp.net"},"message":{"conversation":"hola"}}}`)
	msg, event, ok, err := w.ParseInbound(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, event)
	assert.Equal(t, "549111222", msg.UserID)
	assert.Equal(t, "hola", msg.Text)
}

func TestWhatsAppParseInboundDropsEmptyText(t *testing.T) {
	w := NewWhatsApp(defaultWhatsAppTestConfig())
	raw := []byte(`{"data":{"key":{"remoteJid":"549111@s.whatsapp.net"},"message":{"conversation":""}}}`)
	_, _, ok, err := w.ParseInbound(raw)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChatwootParseInboundRoutesPrivateNoteToSupervisory(t *testing.T) {
	c := NewChatwoot(defaultChatwootTestConfig())
	raw := []byte(`{"event":"message_created","private":true,"content":"/bot pause","conversation":{"id":9},"sender":{"identifier":"u1"}}`)
	msg, event, ok, err := c.ParseInbound(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, msg.UserID)
	require.NotNil(t, event)
	assert.Equal(t, "/bot pause", event.PrivateNote)
	assert.Equal(t, "9", event.ConversationID)
}

func TestChatwootParseInboundRoutesIncomingMessage(t *testing.T) {
	c := NewChatwoot(defaultChatwootTestConfig())
	raw := []byte(`{"event":"message_created","message_type":"incoming","content":"precio?","conversation":{"id":9},"sender":{"identifier":"u2"}}`)
	msg, event, ok, err := c.ParseInbound(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, event)
	assert.Equal(t, "u2", msg.UserID)
	assert.Equal(t, "precio?", msg.Text)
}

func TestChatwootParseSupervisoryNormalizesLabelsFromChangedAttributes(t *testing.T) {
	c := NewChatwoot(defaultChatwootTestConfig())
	raw := []byte(`{
		"conversation": {"id": 9},
		"sender": {"identifier": "u1"},
		"changed_attributes": [{"label_list": {"current_value": ["bot-paused"]}}]
	}`)
	event, err := c.ParseSupervisory(raw)
	require.NoError(t, err)
	require.True(t, event.LabelsChanged)
	assert.Contains(t, event.Labels, "bot-paused")
}

func defaultWhatsAppTestConfig() config.WhatsAppConfig {
	return config.WhatsAppConfig{
		APIKey:      "test-key",
		APIEndpoint: "http://gateway.local",
		Timeout:     5 * time.Second,
	}
}

func defaultChatwootTestConfig() config.ChatwootConfig {
	return config.ChatwootConfig{
		BaseURL:     "http://chatwoot.local",
		AccountID:   "1",
		AccessToken: "test-token",
		Timeout:     5 * time.Second,
	}
}
