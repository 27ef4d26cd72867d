package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// DocumentRepository 定义了文档数据操作的接口。
type DocumentRepository interface {
	Get(ctx context.Context, kind models.Kind, id string) (*models.Document, error)
	// List 返回满足选择器的文档，按创建时间排序。
	List(ctx context.Context, sel imtypes.Selector) ([]models.Document, error)
	// Merge 在事务中合并补丁并递增版本号；文档不存在时创建。created 表示是否新建。
	Merge(ctx context.Context, kind models.Kind, id string, patch map[string]any) (doc *models.Document, created bool, err error)
	// Delete 删除文档并返回删除前的内容。
	Delete(ctx context.Context, kind models.Kind, id string) (*models.Document, error)
}

// gormDocumentRepository 使用 GORM 实现 DocumentRepository。
type gormDocumentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormDocumentRepository 创建一个新的基于 GORM 的 DocumentRepository。
func NewGormDocumentRepository(db *gorm.DB) DocumentRepository {
	return &gormDocumentRepository{db: db, now: time.Now}
}

// Get 通过 kind 与 ID 检索文档。
func (r *gormDocumentRepository) Get(ctx context.Context, kind models.Kind, id string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).Where("kind = ? AND id = ?", kind, id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, imtypes.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List 返回满足选择器的文档。
func (r *gormDocumentRepository) List(ctx context.Context, sel imtypes.Selector) ([]models.Document, error) {
	query := r.db.WithContext(ctx).Where("kind = ?", sel.Kind)
	switch sel.Kind {
	case models.KindChat:
		if sel.Member == "" {
			return nil, fmt.Errorf("会话查询缺少成员")
		}
		query = query.Where("? = ANY(members)", sel.Member)
	case models.KindMessage, models.KindTyping:
		if sel.ChatID == "" {
			return nil, fmt.Errorf("%s 查询缺少会话 ID", sel.Kind)
		}
		query = query.Where("chat_id = ?", sel.ChatID)
	}
	if len(sel.IDs) > 0 {
		query = query.Where("id IN ?", sel.IDs)
	}
	var docs []models.Document
	err := query.Order("created_at ASC").Find(&docs).Error
	return docs, err
}

// Merge 合并补丁。行在事务内加锁，因此并发的 Increment/ArrayUnion 不会丢失更新。
func (r *gormDocumentRepository) Merge(ctx context.Context, kind models.Kind, id string, patch map[string]any) (*models.Document, bool, error) {
	var doc models.Document
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND id = ?", kind, id).Take(&doc).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			doc = models.Document{Kind: kind, ID: id}
		case err != nil:
			return err
		}

		doc.Data = datatypes.JSONMap(MergePatch(doc.Data, patch, r.now()))
		doc.Version++
		index(&doc)

		if created {
			return tx.Create(&doc).Error
		}
		return tx.Save(&doc).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("写入文档 %s/%s 失败: %w", kind, id, err)
	}
	return &doc, created, nil
}

// Delete 删除文档。
func (r *gormDocumentRepository) Delete(ctx context.Context, kind models.Kind, id string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND id = ?", kind, id).Take(&doc).Error; err != nil {
			return err
		}
		return tx.Where("kind = ? AND id = ?", kind, id).Delete(&models.Document{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, imtypes.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("删除文档 %s/%s 失败: %w", kind, id, err)
	}
	return &doc, nil
}

// index 从文档数据中提取用于查询的列。
func index(doc *models.Document) {
	doc.ChatID = cast.ToString(doc.Data["chatId"])
	if doc.Kind == models.KindChat {
		doc.ChatID = doc.ID
		doc.Members = cast.ToStringSlice(doc.Data["members"])
	}
}
