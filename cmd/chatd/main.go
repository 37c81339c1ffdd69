package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/plateful/chat/internal/config"
	"github.com/plateful/chat/internal/database"
	"github.com/plateful/chat/internal/deadletter"
	"github.com/plateful/chat/internal/directory"
	"github.com/plateful/chat/internal/handler"
	"github.com/plateful/chat/internal/identity"
	"github.com/plateful/chat/internal/log"
	"github.com/plateful/chat/internal/media"
	"github.com/plateful/chat/internal/realtime"
	"github.com/plateful/chat/internal/session"
	"github.com/plateful/chat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	l := log.L()
	l.Info().Int("port", cfg.Server.Port).Msg("starting chat service")

	// Realtime channel (Redis pub/sub).
	channel, err := realtime.NewRedisChannel(cfg.Redis)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer channel.Close()
	l.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")

	// Durable message store (Cassandra).
	msgStore, err := store.NewCassandraStore(cfg.Cassandra)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to cassandra")
	}
	defer msgStore.Close()
	l.Info().Strs("hosts", cfg.Cassandra.Hosts).Msg("connected to cassandra")

	// Room directory (relational DB, Redis-cached).
	db, err := database.New(cfg.Database)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db, &directory.RoomModel{}, &directory.RoomMemberModel{}); err != nil {
		l.Fatal().Err(err).Msg("failed to migrate directory schema")
	}
	gormDir := directory.NewGormDirectory(db)

	cacheClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer cacheClient.Close()
	dir := directory.NewCachedDirectory(gormDir, cacheClient, cfg.Redis.CacheTTL)

	// Identity.
	idp, err := identity.NewJWTProvider([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize identity provider")
	}

	// Media storage.
	var mediaStore media.Storage
	switch cfg.Storage.Backend {
	case "s3":
		mediaStore, err = media.NewS3Storage(context.Background(), cfg.Storage.S3)
	default:
		mediaStore, err = media.NewLocalStorage(cfg.Storage.Local)
	}
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to initialize media storage")
	}
	l.Info().Str("backend", cfg.Storage.Backend).Msg("media storage ready")

	// Dead-letter producer (optional; the service runs without it).
	var dl deadletter.Producer
	if cfg.Kafka.Brokers != "" {
		kp, err := deadletter.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			l.Warn().Err(err).Msg("dead-letter producer unavailable, failed messages will only be logged")
		} else {
			dl = kp
			defer kp.Close()
			l.Info().Str("topic", cfg.Kafka.DeadLetterTopic).Msg("dead-letter producer ready")
		}
	}

	deps := session.Deps{
		Directory:  dir,
		Store:      msgStore,
		Channel:    channel,
		DeadLetter: dl,
	}
	sessCfg := session.Config{
		InsertRetryMax:   cfg.Session.InsertRetryMax,
		RetryBackoff:     cfg.Session.RetryBackoff,
		SubscribeBackoff: cfg.Session.SubscribeBackoff,
		EventBufferSize:  cfg.Session.EventBufferSize,
		UpdateBufferSize: cfg.Session.UpdateBufferSize,
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), handler.RequestLogger())

	httpHandler := handler.NewHTTPHandler(idp, dir, msgStore, mediaStore, cfg.Storage.URLTTL)
	httpHandler.RegisterRoutes(engine)

	wsHandler := handler.NewWSHandler(idp, deps, mediaStore, cfg.WebSocket, sessCfg, cfg.Storage.URLTTL)
	wsHandler.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		l.Info().Str("addr", server.Addr).Msg("chat service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down chat service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("server shutdown error")
	}
	l.Info().Msg("chat service stopped")
}
