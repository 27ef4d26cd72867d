// internal/imtypes/storage_service_iface.go
package imtypes

import (
	"context"
	"io"
)

// StorageService 定义了文件存储操作的接口。
// 将接口定义放在 imtypes 中以打破 storage 和 upload 之间的循环依赖。
type StorageService interface {
	// UploadFile 将读取器中的内容上传到存储系统，返回文件的信息 (FileInfo)，包括访问 URL。
	UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*FileInfo, error)

	// DeleteFile 从存储系统中删除文件。id 是 UploadFile 返回的 FileInfo.ID。
	DeleteFile(ctx context.Context, id string) error
}

// FileOwners 记录每个已上传文件的上传者。
type FileOwners interface {
	SetOwner(ctx context.Context, fileID, uid string) error
	// Owner 返回文件的上传者，没有记录时返回 ErrNotFound。
	Owner(ctx context.Context, fileID string) (string, error)
	ForgetOwner(ctx context.Context, fileID string) error
}
