// internal/imtypes/file_info.go
package imtypes

// FileInfo 包含上传文件的基本信息和访问路径。
type FileInfo struct {
	ID          string `json:"id"`                    // 存储系统中的唯一标识，DeleteFile 使用
	URL         string `json:"url"`                   // 可公开访问的文件 URL
	DownloadURL string `json:"downloadUrl,omitempty"` // 强制下载的 URL
	Size        int64  `json:"size"`                  // 文件大小 (字节)
	MimeType    string `json:"mimeType"`              // 文件的 MIME 类型
	FileName    string `json:"fileName"`              // 原始文件名
}
