package models

import "time"

// OutputAsset 生成的输出文件，写入后不可变
type OutputAsset struct {
	AssetID     string       `json:"asset_id"`
	JobID       string       `json:"job_id"`
	Format      OutputFormat `json:"format"`
	StorageKey  string       `json:"storage_key"`
	SizeBytes   int64        `json:"size_bytes"`
	MimeType    string       `json:"mime_type"`
	GeneratedAt time.Time    `json:"generated_at"`
}
