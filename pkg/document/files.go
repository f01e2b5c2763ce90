package document

import (
	"fmt"
	"os"
	"path/filepath"
)

// Files is the file access a document needs. Writes replace the whole file.
type Files interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
}

// OSFiles reads and writes the local filesystem.
type OSFiles struct{}

var _ Files = OSFiles{}

func (OSFiles) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFiles) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (OSFiles) Remove(path string) error {
	return os.Remove(path)
}
