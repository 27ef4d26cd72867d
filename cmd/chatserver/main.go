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
	"im-sync/internal/handlers/chatserver"
	appKafka "im-sync/internal/kafka"
	kafkahandlers "im-sync/internal/kafka/handlers"
	"im-sync/internal/livequery"
	"im-sync/internal/logger"
	"im-sync/internal/middleware"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/session"
	"im-sync/internal/storage"
	"im-sync/internal/websocket"
)

func main() {
	// .env 可选，缺失时只使用环境变量与配置文件
	envErr := godotenv.Load()

	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("IM_SYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	log := logger.Module("chatserver")
	if envErr != nil {
		log.Debug().Err(envErr).Msg("未加载 .env 文件")
	}
	log.Info().Str("version", cfg.AppVersion).Msg("Chat 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Fatal().Err(err).Msg("无法迁移数据库表")
	}

	// 3. 初始化 Redis Client (令牌黑名单与输入状态)
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("无法连接到 Redis")
	}
	blacklist := appRedis.NewRedisTokenBlacklist(redisClient)
	typingStore := appRedis.NewTypingStore(redisClient, cfg.Sync.TypingTTL, logger.Module("typing"))
	uploadOwners := appRedis.NewUploadOwners(redisClient)

	// 4. 初始化 Kafka Producer，写入后发布变更
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 生产者")
	}
	defer kfkProducer.Close()

	// 5. 实时文档源
	source := livequery.NewSource(storage.NewGormDocumentRepository(db), logger.Module("livequery"),
		livequery.WithPublisher(appKafka.NewChangePublisher(kfkProducer, cfg.Kafka.ChangesTopic)),
		livequery.WithTypingStore(typingStore),
		livequery.WithBuffer(cfg.Sync.StreamBuffer),
	)

	fileStore, err := storage.NewLocalStorageService(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化本地存储服务")
	}

	// 6. 初始化 Services
	messageService := services.NewMessageService(source, logger.Module("messages"))
	typingService := services.NewTypingService(source)
	userService := services.NewUserService(source)

	opts, err := session.OptionsFromConfig(cfg.Sync)
	if err != nil {
		log.Fatal().Err(err).Msg("无效的同步配置")
	}

	// 7. 初始化 WebSocket Hub，首个连接上线、最后一个连接离线
	hub := websocket.NewHub(func(ctx context.Context, uid string, online bool) {
		if err := userService.SetOnline(ctx, uid, online); err != nil {
			log.Warn().Err(err).Str("uid", uid).Bool("online", online).Msg("更新在线状态失败")
		}
	}, logger.Module("hub"))
	wsHandler := chatserver.NewWebSocketHandler(hub, source, messageService, typingService, fileStore, uploadOwners, opts, cfg.WebSocket, logger.Module("websocket"))

	// 8. 变更流消费者：每个实例使用独立的消费者组以收到全部变更
	changeConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 消费者")
	}
	defer changeConsumer.Close()
	changeLogic := kafkahandlers.NewChangeEventConsumerLogic(source.Dispatch, logger.Module("changes"))

	// 9. 配置 HTTP 服务器路由
	r := mux.NewRouter()
	r.Handle(cfg.Server.WebSocketPath, middleware.AuthMiddleware(http.HandlerFunc(wsHandler.ServeWS), cfg.Auth, blacklist))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok subscriptions=%d\n", source.Subscriptions())
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        handlers.CombinedLoggingHandler(logger.Module("http"), r),
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("topic", cfg.Kafka.ChangesTopic).Msg("Kafka 变更消费者启动")
		err := changeConsumer.Consume(ctx, []string{cfg.Kafka.ChangesTopic}, cfg.Kafka.ConsumerGroup, changeLogic.HandleChangeEvent)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("Kafka 变更消费者错误: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", serverAddr).Str("path", cfg.Server.WebSocketPath).Msg("Chat HTTP 服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("Chat 服务器启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Chat 服务器准备关闭...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Chat 服务器异常退出")
		return
	}
	log.Info().Msg("Chat 服务器已优雅关闭。")
}
