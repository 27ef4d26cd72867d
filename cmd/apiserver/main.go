package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	redisDriver "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"im-sync/internal/config"
	"im-sync/internal/handlers/apiserver"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/livequery"
	"im-sync/internal/logger"
	"im-sync/internal/middleware"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
)

func main() {
	envErr := godotenv.Load()

	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("IM_SYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	log := logger.Module("apiserver")
	if envErr != nil {
		log.Debug().Err(envErr).Msg("未加载 .env 文件")
	}
	log.Info().Str("version", cfg.AppVersion).Msg("API 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Warn().Err(err).Msg("API 服务器数据库表迁移可能失败")
	}

	// 3. 初始化 Redis Client
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("无法连接到 Redis")
	}
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)
	typingStore := appRedis.NewTypingStore(redisClient, cfg.Sync.TypingTTL, logger.Module("typing"))

	// 4. 初始化 Kafka Producer，API 写入同样发布到变更流
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 生产者")
	}
	defer kfkProducer.Close()

	source := livequery.NewSource(storage.NewGormDocumentRepository(db), logger.Module("livequery"),
		livequery.WithPublisher(appKafka.NewChangePublisher(kfkProducer, cfg.Kafka.ChangesTopic)),
		livequery.WithTypingStore(typingStore),
		livequery.WithBuffer(cfg.Sync.StreamBuffer),
	)

	fileStore, err := storage.NewLocalStorageService(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化本地存储服务")
	}

	// 5. 初始化 Services 与 Handlers
	authService := services.NewAuthService(source, tokenBlacklist, cfg.Auth)
	h := apiserver.Handlers{
		Auth:     apiserver.NewAuthHandler(authService, logger.Module("auth")),
		Chats:    apiserver.NewChatHandler(services.NewChatService(source, logger.Module("chats")), logger.Module("chats")),
		Messages: apiserver.NewMessageHandler(services.NewMessageService(source, logger.Module("messages")), services.NewTypingService(source), logger.Module("messages")),
		Users:    apiserver.NewUserHandler(services.NewUserService(source), logger.Module("users")),
		Uploads:  apiserver.NewUploadHandler(fileStore, appRedis.NewUploadOwners(redisClient), cfg.Storage, logger.Module("uploads")),
	}

	authMW := func(next http.Handler) http.Handler {
		return middleware.AuthMiddleware(next, cfg.Auth, tokenBlacklist)
	}
	r := apiserver.NewRouter(h, mux.MiddlewareFunc(authMW), cfg.Storage.BaseURL)

	// 6. CORS 选项，从配置中读取
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handlers.CombinedLoggingHandler(logger.Module("http"), handlers.CORS(corsOptions...)(r)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Second * 60,
	}

	// 7. 启动 HTTP 服务器并实现优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", serverAddr).Msg("API 服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API 服务器启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("收到关闭信号，正在关闭 API 服务器...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API 服务器强制关闭")
		return
	}
	log.Info().Msg("API 服务器已成功关闭")
}
