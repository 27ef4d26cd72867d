package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"im-sync/internal/config"
	"im-sync/internal/logger"
	"im-sync/internal/models"
)

// InitDB initializes the database connection using the provided configuration.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(BuildDSN(cfg))
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	newLogger := gormlogger.New(
		logger.NewGormWriter("gorm"),
		gormlogger.Config{
			SlowThreshold:             time.Second,     // Slow SQL threshold
			LogLevel:                  gormlogger.Warn, // Log level (Silent, Error, Warn, Info)
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// BuildDSN builds a PostgreSQL key/value connection string.
func BuildDSN(cfg config.DatabaseConfig) string {
	var dsnParts []string
	dsnParts = append(dsnParts, fmt.Sprintf("host=%s", cfg.Host))
	dsnParts = append(dsnParts, fmt.Sprintf("port=%d", cfg.Port))
	dsnParts = append(dsnParts, fmt.Sprintf("user=%s", cfg.User))
	dsnParts = append(dsnParts, fmt.Sprintf("dbname=%s", cfg.DBName))
	if cfg.Password != "" {
		dsnParts = append(dsnParts, fmt.Sprintf("password=%s", cfg.Password))
	}
	dsnParts = append(dsnParts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	return strings.Join(dsnParts, " ")
}

// AutoMigrateTables runs GORM's auto-migration for the document table and
// adds the GIN index used by "chats for member" queries.
func AutoMigrateTables(db *gorm.DB) error {
	log := logger.Module("storage")
	log.Info().Msg("开始数据库表结构迁移...")
	if err := db.AutoMigrate(&models.Document{}); err != nil {
		log.Error().Err(err).Msg("数据库迁移失败")
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_documents_members ON documents USING GIN (members)").Error; err != nil {
		return fmt.Errorf("创建成员索引失败: %w", err)
	}
	log.Info().Msg("数据库迁移完成。")
	return nil
}
