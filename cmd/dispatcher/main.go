// Command dispatcher runs the conversational message dispatcher: the
// HTTP surface that accepts WhatsApp/Chatwoot webhooks, the burst
// coalescing and priority queue, the worker pool that drives AI replies,
// and the follow-up scheduler ticker, all wired against one shared
// configuration and set of durable stores.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/admission"
	"github.com/kairos-labs/convo-dispatcher/internal/agent"
	"github.com/kairos-labs/convo-dispatcher/internal/botstate"
	"github.com/kairos-labs/convo-dispatcher/internal/burst"
	"github.com/kairos-labs/convo-dispatcher/internal/config"
	convctx "github.com/kairos-labs/convo-dispatcher/internal/context"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/followup"
	"github.com/kairos-labs/convo-dispatcher/internal/httpapi"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
	"github.com/kairos-labs/convo-dispatcher/internal/queue"
	"github.com/kairos-labs/convo-dispatcher/internal/store"
	"github.com/kairos-labs/convo-dispatcher/internal/supervisory"
	"github.com/kairos-labs/convo-dispatcher/internal/transport"
	"github.com/kairos-labs/convo-dispatcher/internal/worker"
)

const l1ContextCacheSize = 4096

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting conversational message dispatcher")

	ctx := context.Background()

	db, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.Database.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable at startup, degrading to L1+L3", zap.Error(err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	health := metrics.NewHealthRegistry()
	health.Set("database", true, "")
	health.Set("redis", redisClient != nil, "")

	contextRepo := store.NewContextRepository(db)
	botStateRepo := store.NewBotStateRepository(db)
	queueRepo := store.NewQueueRepository(db)
	followupRepo := store.NewFollowUpRepository(db)

	contextStore, err := convctx.New(l1ContextCacheSize, redisClient, contextRepo, logger)
	if err != nil {
		logger.Fatal("failed to build conversation context store", zap.Error(err))
	}

	gate := botstate.New(redisClient, botStateRepo, logger)
	admitter := admission.New(redisClient, cfg.Admission)

	whatsapp := transport.NewWhatsApp(cfg.WhatsApp)
	chatwoot := transport.NewChatwoot(cfg.Chatwoot)
	router := transport.NewRouter(whatsapp, chatwoot)

	q := queue.New(redisClient, queueRepo, cfg.Queue)

	supervisoryHandler := supervisory.New(gate, router, logger)

	followupScheduler := followup.New(cfg.Followup, followupRepo, gate, contextStore, router, logger)

	// The AI agent is out of scope; Echo stands in as the InferReply
	// boundary until a real model is wired behind the same interface.
	var inferer agent.InferReply = agent.NewEcho()

	pool := worker.New(cfg.Worker, q, contextStore, gate, router, inferer, followupScheduler, logger)

	burstBuffer := burst.New(cfg.Burst.CoalesceWindow, cfg.Burst.MaxCoalesceWait, func(flushCtx context.Context, msg model.InboundMessage) {
		vip := false
		if convCtx, err := contextStore.Get(flushCtx, msg.UserID, time.Now()); err == nil {
			vip = convCtx.Profile.VIP
		}

		priority := queue.AssignPriority(msg, vip, false, false)
		item := &model.QueuedItem{
			QueueID:     uuid.NewString(),
			UserID:      msg.UserID,
			Message:     msg,
			Priority:    priority,
			Status:      model.StatusPending,
			CreatedAt:   time.Now(),
			ScheduledAt: time.Now(),
		}

		if err := q.Enqueue(flushCtx, item); err != nil {
			if errs.Is(err, errs.Duplicate) {
				logger.Debug("dropped duplicate coalesced message", zap.String("user_id", msg.UserID))
				return
			}
			logger.Error("failed to enqueue coalesced message", zap.String("user_id", msg.UserID), zap.Error(err))
		}
	}, logger)

	server := httpapi.New(httpapi.Deps{
		Logger:     logger,
		WhatsApp:   whatsapp,
		Chatwoot:   chatwoot,
		Admit:      admitter,
		Burst:      burstBuffer,
		Queue:      q,
		Context:    contextStore,
		Gate:       gate,
		Supervisor: supervisoryHandler,
		Followup:   followupScheduler,
		Agent:      inferer,
		Health:     health,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if reconciled, err := q.Reconcile(runCtx, cfg.Queue.LivenessThreshold); err != nil {
		logger.Warn("queue reconciliation failed at startup", zap.Error(err))
	} else if reconciled > 0 {
		logger.Info("requeued stale in-flight items at startup", zap.Int("count", reconciled))
	}

	if reconciled, err := followupScheduler.Reconcile(runCtx); err != nil {
		logger.Warn("follow-up reconciliation failed at startup", zap.Error(err))
	} else if reconciled > 0 {
		logger.Info("recovered stuck follow-up jobs at startup", zap.Int64("count", reconciled))
	}

	pool.Start(runCtx)
	go pool.RunScalingSupervisor(runCtx)
	go followupScheduler.RunTicker(runCtx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	pool.Shutdown()

	logger.Info("shutdown complete")
}
