package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"im-sync/internal/imtypes"
)

const uploadOwnerKeyPrefix = "upload-owner:"

// UploadOwnerKey 是 fileID 的上传者键。
func UploadOwnerKey(fileID string) string {
	return uploadOwnerKeyPrefix + fileID
}

// redisUploadOwners 是 imtypes.FileOwners 的 Redis 实现。记录不过期，随文件删除。
type redisUploadOwners struct {
	client redis.UniversalClient
}

// NewUploadOwners 创建一个新的 redisUploadOwners 实例。
func NewUploadOwners(client redis.UniversalClient) imtypes.FileOwners {
	return &redisUploadOwners{client: client}
}

func (r *redisUploadOwners) SetOwner(ctx context.Context, fileID, uid string) error {
	if err := r.client.Set(ctx, UploadOwnerKey(fileID), uid, 0).Err(); err != nil {
		return fmt.Errorf("记录文件 %s 的上传者失败: %w", fileID, err)
	}
	return nil
}

func (r *redisUploadOwners) Owner(ctx context.Context, fileID string) (string, error) {
	uid, err := r.client.Get(ctx, UploadOwnerKey(fileID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("文件 %s 没有上传者记录: %w", fileID, imtypes.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("读取文件 %s 的上传者失败: %w", fileID, err)
	}
	return uid, nil
}

func (r *redisUploadOwners) ForgetOwner(ctx context.Context, fileID string) error {
	if err := r.client.Del(ctx, UploadOwnerKey(fileID)).Err(); err != nil {
		return fmt.Errorf("删除文件 %s 的上传者记录失败: %w", fileID, err)
	}
	return nil
}
