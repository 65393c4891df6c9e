package common

import (
	"github.com/google/uuid"
)

// NewLotID generates a unique lot ID with the "lot_" prefix
func NewLotID() string {
	return "lot_" + uuid.New().String()
}

// NewSourceID generates a unique source document ID with the "src_" prefix
func NewSourceID() string {
	return "src_" + uuid.New().String()
}

// NewPageID generates a unique page document ID with the "page_" prefix
func NewPageID() string {
	return "page_" + uuid.New().String()
}
