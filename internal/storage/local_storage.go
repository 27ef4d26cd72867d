package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"

	"github.com/google/uuid"
)

// ErrFileTooLarge 表示上传内容超过配置的大小上限。
var ErrFileTooLarge = errors.New("file too large")

// LocalStorageService 实现了 imtypes.StorageService 接口。
type LocalStorageService struct {
	basePath string // 本地存储的基础路径，例如 "./uploads"
	baseURL  string // 用于构建文件访问 URL 的基础 URL，例如 "/uploads"
	maxBytes int64
}

// NewLocalStorageService 创建一个新的 LocalStorageService 实例。
// basePath 是文件存储的根目录，baseURL 是文件访问 URL 的前缀。
func NewLocalStorageService(cfg config.StorageConfig) (*LocalStorageService, error) {
	// 确保 basePath 存在
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: cfg.LocalPath,
		baseURL:  cfg.BaseURL,
		maxBytes: cfg.MaxFileSizeMB << 20,
	}, nil
}

// UploadFile 将文件保存到本地文件系统。文件 ID 即存储的文件名。
func (s *LocalStorageService) UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*imtypes.FileInfo, error) {
	if s.maxBytes > 0 && fileSize > s.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFileTooLarge, fileSize, s.maxBytes)
	}
	// 生成一个唯一的文件名，保留原始扩展名
	ext := filepath.Ext(fileName)
	if ext == "" {
		// 如果没有扩展名，尝试从 MIME 类型推断
		extensions, _ := mime.ExtensionsByType(mimeType)
		if len(extensions) > 0 {
			ext = extensions[0]
		}
	}
	id := uuid.NewString() + ext
	dstPath := filepath.Join(s.basePath, id)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件失败 '%s': %w", dstPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}
	if fileSize >= 0 && written != fileSize {
		os.Remove(dstPath)
		return nil, fmt.Errorf("文件大小不匹配: 预期 %d, 实际写入 %d", fileSize, written)
	}

	fileURL := strings.TrimSuffix(s.baseURL, "/") + "/" + url.PathEscape(id)
	return &imtypes.FileInfo{
		ID:          id,
		URL:         fileURL,
		DownloadURL: fileURL + "?download=" + url.QueryEscape(fileName),
		Size:        written,
		MimeType:    mimeType,
		FileName:    fileName,
	}, nil
}

// DeleteFile 删除 UploadFile 保存的文件。文件不存在时视为成功。
func (s *LocalStorageService) DeleteFile(ctx context.Context, id string) error {
	if id == "" || id != filepath.Base(id) {
		return fmt.Errorf("非法的文件标识 '%s'", id)
	}
	if err := os.Remove(filepath.Join(s.basePath, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败 '%s': %w", id, err)
	}
	return nil
}

// Path 返回文件在本地的路径，用于下载处理。
func (s *LocalStorageService) Path(id string) (string, bool) {
	if id == "" || id != filepath.Base(id) {
		return "", false
	}
	return filepath.Join(s.basePath, id), true
}

// ctxReader 在 ctx 结束后停止读取。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
