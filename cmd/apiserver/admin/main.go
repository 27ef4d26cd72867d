package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/livequery"
	"im-sync/internal/logger"
	"im-sync/internal/models"
	"im-sync/internal/services"
	"im-sync/internal/storage"
)

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin migrate                      - 迁移数据库表")
	fmt.Println("  ./admin token <uid> [displayName]    - 为用户签发访问令牌")
	fmt.Println("  ./admin show-doc <kind> <id>         - 显示单个文档")
	fmt.Println("  ./admin list <kind> [member|chatId]  - 列出集合 (chats 按成员，messages/typing 按会话)")
	os.Exit(1)
}

func main() {
	// 简单命令行参数解析
	if len(os.Args) < 2 {
		usage()
	}
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("IM_SYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	log := logger.Module("admin")

	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	repo := storage.NewGormDocumentRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		if err := storage.AutoMigrateTables(db); err != nil {
			log.Fatal().Err(err).Msg("数据库表迁移失败")
		}
		fmt.Println("数据库表迁移完成")

	case "token":
		if len(os.Args) < 3 {
			usage()
		}
		id := auth.Identity{UID: os.Args[2]}
		if len(os.Args) > 3 {
			id.DisplayName = os.Args[3]
		}
		// 令牌签发会写入用户资料，通过变更流通知在线的 Chat 服务器
		opts := []livequery.Option{}
		producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Warn().Err(err).Msg("Kafka 不可用，变更只在本地分发")
		} else {
			defer producer.Close()
			opts = append(opts, livequery.WithPublisher(appKafka.NewChangePublisher(producer, cfg.Kafka.ChangesTopic)))
		}
		source := livequery.NewSource(repo, logger.Module("livequery"), opts...)
		token, err := services.NewAuthService(source, nil, cfg.Auth).IssueToken(ctx, id)
		if err != nil {
			log.Fatal().Err(err).Str("uid", id.UID).Msg("签发令牌失败")
		}
		fmt.Println(token)

	case "show-doc":
		if len(os.Args) < 4 {
			usage()
		}
		doc, err := repo.Get(ctx, models.Kind(os.Args[2]), os.Args[3])
		if err != nil {
			log.Fatal().Err(err).Msg("获取文档失败")
		}
		printJSON(doc)

	case "list":
		if len(os.Args) < 3 {
			usage()
		}
		sel := imtypes.Selector{Kind: models.Kind(os.Args[2])}
		if len(os.Args) > 3 {
			if sel.Kind == models.KindChat {
				sel.Member = os.Args[3]
			} else {
				sel.ChatID = os.Args[3]
			}
		}
		docs, err := repo.List(ctx, sel)
		if err != nil {
			log.Fatal().Err(err).Msg("列出文档失败")
		}
		fmt.Printf("找到 %d 个文档\n", len(docs))
		for i := range docs {
			printJSON(&docs[i])
		}

	default:
		usage()
	}
}

func printJSON(doc *models.Document) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "编码失败: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
