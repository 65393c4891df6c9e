package models

import "time"

// SourceDocument represents one original uploaded PDF, owned by exactly one
// lot. Immutable after creation.
type SourceDocument struct {
	ID               string    `json:"id" badgerhold:"key"`
	LotID            string    `json:"lot_id" badgerhold:"index"`
	OriginalFilename string    `json:"original_filename"`
	StoragePath      string    `json:"storage_path"`
	FileSize         int64     `json:"file_size"`
	FileHash         string    `json:"file_hash"`
	PageCount        int       `json:"page_count"`
	CreatedAt        time.Time `json:"created_at"`
}
