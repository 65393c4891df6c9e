package files

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
)

// ObjectStore keeps binary artifacts on the local filesystem. Originals are
// grouped per lot and keyed by content hash; page documents are keyed by
// page id.
type ObjectStore struct {
	root   string
	logger arbor.ILogger
}

// NewObjectStore creates the object store rooted at the given directory.
func NewObjectStore(root string, logger arbor.ILogger) (interfaces.ObjectStorage, error) {
	for _, sub := range []string{"originals", "pages"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create object store directory: %w", err)
		}
	}

	logger.Debug().Str("root", root).Msg("Object store initialized")

	return &ObjectStore{
		root:   root,
		logger: logger,
	}, nil
}

func (o *ObjectStore) PutOriginal(lotID, fileHash string, data []byte) (string, error) {
	dir := filepath.Join(o.root, "originals", lotID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create lot directory: %w", err)
	}

	path := filepath.Join(dir, fileHash+".pdf")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write original: %w", err)
	}
	return path, nil
}

func (o *ObjectStore) PutPage(pageID string, data []byte) (string, error) {
	path := o.pagePath(pageID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write page document: %w", err)
	}
	return path, nil
}

func (o *ObjectStore) GetPageBytes(pageID string) ([]byte, error) {
	data, err := os.ReadFile(o.pagePath(pageID))
	if err != nil {
		return nil, fmt.Errorf("failed to read page document %s: %w", pageID, err)
	}
	return data, nil
}

func (o *ObjectStore) pagePath(pageID string) string {
	return filepath.Join(o.root, "pages", pageID+".pdf")
}
