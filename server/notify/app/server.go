package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	commonauth "civic_realtime/server/common/auth"
	"civic_realtime/server/common/infra/cache"
	"civic_realtime/server/common/infra/db"
	"civic_realtime/server/common/infra/mq"
	"civic_realtime/server/common/infra/object"
	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/notify/api"
	"civic_realtime/server/notify/repository"
	"civic_realtime/server/notify/service"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	DB         *pgxpool.Pool

	publisher *mq.Publisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cache.Ping(ctx, redisClient); err != nil {
		// The unread counter is best effort; keep serving without it.
		commonlog.Warnf("event=redis action=ping status=failed error=%v", err)
	}
	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}

	var (
		publisher  *mq.Publisher
		pushSender service.PushSender
	)
	if cfg.UsePushQueue {
		publisher, err = mq.NewPublisher(cfg.LavinMQURL, mq.NotificationsExchange)
		if err != nil {
			commonlog.Warnf("event=push_publisher action=connect status=failed error=%v", err)
		} else {
			pushSender = publisher
		}
	}

	var archive service.Archiver
	minioClient, err := object.NewClient(object.Options{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err == nil {
		err = object.EnsureBucket(ctx, minioClient, cfg.ArchiveBucket)
	}
	if err != nil {
		commonlog.Warnf("event=archive action=init status=failed bucket=%s error=%v", cfg.ArchiveBucket, err)
	} else {
		archive = object.NewJSONStore(minioClient, cfg.ArchiveBucket)
	}

	var mailer service.Mailer = service.LogMailer{}
	if len(cfg.EmailEndpoints) > 0 {
		mailer = service.NewHTTPMailer(cfg.EmailEndpoints, cfg.EmailPath, cfg.EmailFrom, cfg.EmailAPIKey)
	}

	repo := repository.NewRepository(pool)
	counter := service.NewUnreadCounter(redisClient)
	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes).WithServiceKeyHash(cfg.ServiceKeyHash)
	h := api.NewHandler(
		service.NewOrchestrator(repo, pushSender, mailer, counter),
		service.NewInbox(repo, counter, archive),
		auth,
	)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	return &Server{
		HTTPServer: &http.Server{
			Addr:        ":" + cfg.Port,
			Handler:     r,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Redis:     redisClient,
		DB:        pool,
		publisher: publisher,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	errs := []error{s.HTTPServer.Shutdown(ctx)}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}
