package apiserver

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

const (
	defaultMaxMemory = 32 << 20 // 32 MB default max memory for multipart forms
)

// FileStore 是可以在本地直接读取文件的对象存储。
type FileStore interface {
	imtypes.StorageService
	Path(id string) (string, bool)
}

// UploadHandler 封装了文件上传相关的 HTTP 处理器方法。
type UploadHandler struct {
	store  FileStore
	owners imtypes.FileOwners
	cfg    config.StorageConfig // Storage config for max size check
	log    zerolog.Logger
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
// owners 记录上传者，只有上传者可以删除文件。
func NewUploadHandler(store FileStore, owners imtypes.FileOwners, cfg config.StorageConfig, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{store: store, owners: owners, cfg: cfg, log: log}
}

// UploadResponse 列出已上传文件，Attachment 可直接放入发送消息的草稿。
type UploadResponse struct {
	Files []UploadedFile `json:"files"`
}

// UploadedFile 是单个已上传文件。
type UploadedFile struct {
	imtypes.FileInfo
	Attachment models.Attachment `json:"attachment"`
}

// UploadFileHandler 处理文件上传请求。表单字段 "file" 可以出现多次。
// 任一文件失败时，已保存的文件会被删除。
func (h *UploadHandler) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	store := storage.OwnedBy(h.store, h.owners, user.UID)
	maxUploadSize := h.cfg.MaxFileSizeMB << 20 // Convert MB to bytes
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxMemory
	}
	var tooLarge *http.MaxBytesError
	// 同时上传多个文件时允许的请求体更大
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize*4)
	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		if errors.As(err, &tooLarge) {
			writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), http.StatusRequestEntityTooLarge)
		} else {
			writeJSONError(w, fmt.Sprintf("解析表单失败: %v", err), http.StatusBadRequest)
		}
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeJSONError(w, "请求中缺少 'file' 字段", http.StatusBadRequest)
		return
	}
	for _, fh := range headers {
		if fh.Size > maxUploadSize {
			msg := fmt.Sprintf("文件 %s 过大，最大允许 %d MB", fh.Filename, maxUploadSize>>20)
			writeJSONError(w, msg, http.StatusRequestEntityTooLarge)
			return
		}
	}

	resp := UploadResponse{Files: make([]UploadedFile, 0, len(headers))}
	for _, fh := range headers {
		info, err := save(r, store, fh)
		if err != nil {
			h.log.Error().Err(err).Str("name", fh.Filename).Msg("存储文件失败")
			for _, done := range resp.Files {
				if err := store.DeleteFile(r.Context(), done.ID); err != nil {
					h.log.Warn().Err(err).Str("file_id", done.ID).Msg("清理已上传文件失败")
				}
			}
			if errors.Is(err, storage.ErrFileTooLarge) {
				writeJSONError(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			writeJSONError(w, "存储文件失败", http.StatusInternalServerError)
			return
		}
		h.log.Info().Str("file_id", info.ID).Str("name", info.FileName).Int64("size", info.Size).Msg("收到上传文件")
		resp.Files = append(resp.Files, UploadedFile{
			FileInfo: *info,
			Attachment: models.Attachment{
				ID:          info.ID,
				URL:         info.URL,
				DownloadURL: info.DownloadURL,
				Name:        info.FileName,
				Type:        models.AttachmentTypeFromMime(info.MimeType),
				Size:        info.Size,
			},
		})
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func save(r *http.Request, store imtypes.StorageService, fh *multipart.FileHeader) (*imtypes.FileInfo, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("打开上传文件失败: %w", err)
	}
	defer file.Close()
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return store.UploadFile(r.Context(), file, fh.Size, fh.Filename, mimeType)
}

// DeleteFileHandler 删除一个已上传文件，例如用户移除了未发送的附件。只有上传者可以删除。
func (h *UploadHandler) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	fileID := mux.Vars(r)["fileID"]
	owner, err := h.owners.Owner(r.Context(), fileID)
	switch {
	case errors.Is(err, imtypes.ErrNotFound):
		writeJSONError(w, "文件不存在", http.StatusNotFound)
		return
	case err != nil:
		h.log.Error().Err(err).Str("file_id", fileID).Msg("读取文件上传者失败")
		writeJSONError(w, "服务器内部错误", http.StatusInternalServerError)
		return
	case owner != user.UID:
		writeJSONError(w, "只有上传者可以删除文件", http.StatusForbidden)
		return
	}
	if err := storage.OwnedBy(h.store, h.owners, user.UID).DeleteFile(r.Context(), fileID); err != nil {
		h.log.Warn().Err(err).Str("file_id", fileID).Msg("删除文件失败")
		writeJSONError(w, "删除文件失败", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeFileHandler 提供文件内容；带 download 参数时以附件形式下载。
func (h *UploadHandler) ServeFileHandler(w http.ResponseWriter, r *http.Request) {
	path, ok := h.store.Path(mux.Vars(r)["fileID"])
	if !ok {
		writeJSONError(w, "文件不存在", http.StatusNotFound)
		return
	}
	if name := r.URL.Query().Get("download"); name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(name)))
	}
	http.ServeFile(w, r, path)
}
