package storage

import (
	"context"
	"fmt"
	"io"

	"im-sync/internal/imtypes"
)

// ownedStorage 在上传成功后记录上传者，删除文件时一并清除记录。
type ownedStorage struct {
	imtypes.StorageService
	owners imtypes.FileOwners
	uid    string
}

// OwnedBy 返回以 uid 身份上传的存储服务。
func OwnedBy(store imtypes.StorageService, owners imtypes.FileOwners, uid string) imtypes.StorageService {
	return &ownedStorage{StorageService: store, owners: owners, uid: uid}
}

func (s *ownedStorage) UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType string) (*imtypes.FileInfo, error) {
	info, err := s.StorageService.UploadFile(ctx, r, size, name, mimeType)
	if err != nil {
		return nil, err
	}
	if err := s.owners.SetOwner(ctx, info.ID, s.uid); err != nil {
		// 回滚已保存的文件
		_ = s.StorageService.DeleteFile(context.WithoutCancel(ctx), info.ID)
		return nil, fmt.Errorf("保存文件 %s: %w", name, err)
	}
	return info, nil
}

func (s *ownedStorage) DeleteFile(ctx context.Context, id string) error {
	if err := s.StorageService.DeleteFile(ctx, id); err != nil {
		return err
	}
	return s.owners.ForgetOwner(ctx, id)
}
