package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/infra/cache"
	"civic_realtime/server/common/infra/db"
	"civic_realtime/server/common/infra/mq"
	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/common/transport/push"
	"civic_realtime/server/realtime/api"
	"civic_realtime/server/realtime/repository"
	"civic_realtime/server/realtime/service"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	DB         *pgxpool.Pool
	Rooms      *service.RoomRegistry
	Hub        *service.Hub

	feed         *db.ChangeFeed
	pushConsumer *mq.Consumer
	heartbeat    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}

	repo := repository.NewRepository(pool)
	manager := service.NewChannelManager(service.NewRedisBus(redisClient, cfg.SubscribeTimeout), cfg.NodeID)

	var feed *db.ChangeFeed
	deps := service.RoomDeps{
		Manager:            manager,
		Presence:           repository.NewPresenceStore(redisClient, 3*cfg.PresenceHeartbeat),
		Receipts:           repo,
		Reactions:          repo,
		Participants:       repo,
		Messages:           repo,
		TypingIdle:         cfg.TypingIdle,
		PresenceStaleAfter: 3 * cfg.PresenceHeartbeat,
	}
	if cfg.ChangeFeedEnabled {
		feed = db.NewChangeFeed(cfg.PostgresDSN)
		deps.Feed = feed
	}

	rooms := service.NewRoomRegistry(deps)
	hub := service.NewHub()
	hub.UseRedis(redisClient)
	limiter := service.NewRateLimiter(redisClient)
	gateway := service.NewGateway(rooms, hub, limiter, repo, service.InboundLimit{Limit: cfg.WSRateLimit, Window: cfg.WSRateWindow})
	rpc := service.NewRPCService(rooms, repo, repo, repo, limiter)
	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	var pushConsumer *mq.Consumer
	if cfg.UsePushQueue {
		pushConsumer = mq.NewConsumer(mq.ConsumerConfig{
			URL:        cfg.LavinMQURL,
			Exchange:   mq.NotificationsExchange,
			Queue:      cfg.PushQueue,
			BindingKey: push.BindingKey,
		}, service.NewPushHandler(hub))
	}

	h := api.NewHandler(rpc, gateway, rooms, repo, limiter, service.InboundLimit{Limit: cfg.RPCRateLimit, Window: cfg.RPCRateWindow}, auth)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		HTTPServer:   httpServer,
		Redis:        redisClient,
		DB:           pool,
		Rooms:        rooms,
		Hub:          hub,
		feed:         feed,
		pushConsumer: pushConsumer,
		heartbeat:    cfg.PresenceHeartbeat,
	}, nil
}

// Start launches the background workers: hub fan-out, row-change feed, push
// consumer and presence heartbeat.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.Hub.StartRedisSubscriber(ctx); err != nil {
		return fmt.Errorf("start user hub: %w", err)
	}
	s.goWorker(ctx, "heartbeat", func(ctx context.Context) error {
		s.Rooms.RunHeartbeat(ctx, s.heartbeat)
		return nil
	})
	if s.feed != nil {
		s.goWorker(ctx, "change_feed", s.feed.Run)
	}
	if s.pushConsumer != nil {
		s.goWorker(ctx, "push_consumer", s.pushConsumer.Run)
	}
	return nil
}

func (s *Server) goWorker(ctx context.Context, name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil {
			commonlog.Errorf("event=worker action=run status=failed worker=%s error=%v", name, err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.Hub.StopRedisSubscriber()
	s.Rooms.Close()
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return err
}
