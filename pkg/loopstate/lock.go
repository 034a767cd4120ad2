package loopstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LockMetadata describes the loop currently holding a loop root.
type LockMetadata struct {
	PID       int    `json:"pid"`
	Prompt    string `json:"prompt,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

// LockPath returns the lock file location for a loop root.
func LockPath(root string) string {
	return filepath.Join(root, ".ralph", "loop.lock")
}

// ReadLock returns the lock metadata for a loop root, or nil when the root
// is not locked.
func ReadLock(root string) (*LockMetadata, error) {
	content, err := os.ReadFile(LockPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed reading loop lock in '%s': %w", root, err)
	}
	var meta LockMetadata
	if err := json.Unmarshal(content, &meta); err != nil {
		return nil, fmt.Errorf("failed parsing loop lock in '%s': %w", root, err)
	}
	return &meta, nil
}

// WriteLock records lock metadata for a loop root.
func WriteLock(root string, meta LockMetadata) error {
	path := LockPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed creating lock directory: %w", err)
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing loop lock: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed writing loop lock '%s': %w", path, err)
	}
	return nil
}

// RemoveLock deletes the lock file; a missing file is fine.
func RemoveLock(root string) error {
	if err := os.Remove(LockPath(root)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed removing loop lock in '%s': %w", root, err)
	}
	return nil
}
