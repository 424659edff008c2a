package transport

import (
	"context"

	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// Router dispatches outbound sends to the adapter matching a message's
// originating source, so the worker pool and follow-up scheduler can
// call one SendOutbound without knowing which transport a user arrived
// through.
type Router struct {
	whatsapp *WhatsApp
	chatwoot *Chatwoot
}

// NewRouter constructs a Router over the two concrete adapters.
func NewRouter(whatsapp *WhatsApp, chatwoot *Chatwoot) *Router {
	return &Router{whatsapp: whatsapp, chatwoot: chatwoot}
}

// SendOutbound routes to the adapter for source. source=test is
// accepted as a no-op success so the synchronous /test/message
// endpoint doesn't need a real transport behind it.
func (r *Router) SendOutbound(ctx context.Context, source model.Source, userID, conversationID, text string) error {
	switch source {
	case model.SourceWhatsApp:
		return r.whatsapp.SendOutbound(ctx, userID, conversationID, text)
	case model.SourceChatwoot:
		return r.chatwoot.SendOutbound(ctx, userID, conversationID, text)
	case model.SourceTest:
		return nil
	default:
		return errs.New(errs.BadRequest, "unknown transport source: "+string(source))
	}
}
