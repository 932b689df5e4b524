package api

// UploadState is the server's view of a chunked upload.
type UploadState string

const (
	// UploadStateNotFound means the server has no record of the upload id.
	UploadStateNotFound UploadState = "not_found"
	// UploadStateUploading means some chunks are confirmed, assembly pending.
	UploadStateUploading UploadState = "uploading"
	// UploadStateCompleted means the upload was assembled server-side.
	UploadStateCompleted UploadState = "completed"
)

// FileInfo is the server-issued metadata for an assembled upload.
type FileInfo struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// StatusReport is the server's answer to an upload status query. The
// UploadedChunks count is the source of truth for resume; the client never
// substitutes its own counter.
type StatusReport struct {
	Status         UploadState `json:"status"`
	UploadedChunks int         `json:"uploadedChunks"`
	TotalChunks    int         `json:"totalChunks"`
}

// fileResponse is the envelope returned by the upload and complete endpoints.
type fileResponse struct {
	Success  bool      `json:"success"`
	FileInfo *FileInfo `json:"file_info"`
	Error    string    `json:"error,omitempty"`
}
