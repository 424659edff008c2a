// Package httpapi wires the dispatcher's external HTTP surface:
// transport webhooks, the synchronous test endpoint, the admin
// bot/follow-up controls, and health/metrics. It holds no business
// logic of its own; every handler is a thin gin adapter over the
// narrow capability interfaces the rest of the components already
// expose.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/admission"
	convctx "github.com/kairos-labs/convo-dispatcher/internal/context"
	"github.com/kairos-labs/convo-dispatcher/internal/followup"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
	"github.com/kairos-labs/convo-dispatcher/internal/transport"
)

// admitter is C2's narrow capability the server needs.
type admitter interface {
	Check(ctx context.Context, msg model.InboundMessage, ip string, vip bool) admission.Decision
}

// burstBuffer is C3's narrow capability the server needs.
type burstBuffer interface {
	Add(msg model.InboundMessage)
}

// backpressure is C4's narrow capability the server needs: whether the
// queue has hit its soft cap and admission should shed load.
type backpressure interface {
	OverCap(ctx context.Context) bool
}

// contextStore is C6's narrow capability the server needs.
type contextStore interface {
	Get(ctx context.Context, userID string, now time.Time) (*model.ConversationContext, error)
	Update(ctx context.Context, userID string, now time.Time, mutator convctx.Mutator) (*model.ConversationContext, error)
}

// botGate is C7's narrow capability the server needs.
type botGate interface {
	IsPaused(ctx context.Context, userID string) (bool, error)
	Pause(ctx context.Context, userID, reason, setBy string, ttl time.Duration) error
	Resume(ctx context.Context, userID string) error
	ForceActivate(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*model.BotState, error)
	ListPaused(ctx context.Context) ([]string, error)
}

// supervisoryHandler is C8's narrow capability the server needs.
type supervisoryHandler interface {
	Handle(ctx context.Context, source model.Source, event *transport.SupervisoryEvent) error
}

// followupScheduler is C9's narrow capability the server needs.
type followupScheduler interface {
	Status(ctx context.Context, userID string) (*followup.StatusReport, error)
	Activate(ctx context.Context, userID string) error
	Deactivate(ctx context.Context, userID, reason string) error
	OnInboundMessage(ctx context.Context, userID string) error
	OnUserActivity(ctx context.Context, userID string, convCtx *model.ConversationContext) error
}

// agentInferer is the out-of-scope AI agent boundary, invoked
// synchronously by the /test/message endpoint.
type agentInferer interface {
	InferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error)
}

// Server bundles every dependency the HTTP surface dispatches through.
type Server struct {
	engine *gin.Engine
	logger *zap.Logger

	whatsapp transport.Adapter
	chatwoot transport.Adapter

	admit      admitter
	burst      burstBuffer
	queue      backpressure
	context    contextStore
	gate       botGate
	supervisor supervisoryHandler
	followup   followupScheduler
	agent      agentInferer

	health *metrics.HealthRegistry
}

// Deps groups Server's constructor dependencies.
type Deps struct {
	Logger     *zap.Logger
	WhatsApp   transport.Adapter
	Chatwoot   transport.Adapter
	Admit      admitter
	Burst      burstBuffer
	Queue      backpressure
	Context    contextStore
	Gate       botGate
	Supervisor supervisoryHandler
	Followup   followupScheduler
	Agent      agentInferer
	Health     *metrics.HealthRegistry
}

// New constructs a Server and registers every route.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		logger:     deps.Logger,
		whatsapp:   deps.WhatsApp,
		chatwoot:   deps.Chatwoot,
		admit:      deps.Admit,
		burst:      deps.Burst,
		queue:      deps.Queue,
		context:    deps.Context,
		gate:       deps.Gate,
		supervisor: deps.Supervisor,
		followup:   deps.Followup,
		agent:      deps.Agent,
		health:     deps.Health,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhook/whatsapp", s.handleWhatsAppWebhook)
	s.engine.POST("/webhook/chatwoot", s.handleChatwootWebhook)
	s.engine.POST("/test/message", s.handleTestMessage)

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/bot")
	admin.GET("/status/:userId", s.handleBotStatus)
	admin.POST("/pause/:userId", s.handleBotPause)
	admin.POST("/resume/:userId", s.handleBotResume)
	admin.POST("/resume-all", s.handleBotResumeAll)

	fu := s.engine.Group("/followup")
	fu.POST("/activate/:userId", s.handleFollowupActivate)
	fu.POST("/deactivate/:userId", s.handleFollowupDeactivate)
	fu.GET("/status/:userId", s.handleFollowupStatus)
}

// Handler exposes the underlying http.Handler for the server to listen on.
func (s *Server) Handler() http.Handler {
	return s.engine
}
