package checkpoints

import (
	"fmt"

	"github.com/spf13/afero"
)

// NewStore builds a snapshot store. kind is "memory", "file" or "sqlite"; path
// is the checkpoint directory for "file" and the database file for "sqlite".
// The returned store still needs Init.
func NewStore(kind, path string, format CheckpointFormat) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if path == "" {
			return nil, fmt.Errorf("file store needs a directory")
		}
		return NewFileStore(afero.NewOsFs(), path, format), nil
	case "sqlite":
		return newSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
