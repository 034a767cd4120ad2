package loopstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RegistryEntry is a loop process the CLI registered at spawn time.
type RegistryEntry struct {
	ID           string `json:"id"`
	PID          int    `json:"pid"`
	Prompt       string `json:"prompt,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	StartedAt    string `json:"startedAt"`
}

type registryFile struct {
	Loops []RegistryEntry `json:"loops"`
}

// Registry is the loop registry file under the workspace.
type Registry struct {
	path string
	now  func() time.Time
}

// NewRegistry binds the registry at <workspaceRoot>/.ralph/loops.json.
func NewRegistry(workspaceRoot string) *Registry {
	return &Registry{
		path: filepath.Join(workspaceRoot, ".ralph", "loops.json"),
		now:  time.Now,
	}
}

// List returns all registered loops sorted by id.
func (r *Registry) List() ([]RegistryEntry, error) {
	file, err := r.load()
	if err != nil {
		return nil, err
	}
	loops := file.Loops
	sort.Slice(loops, func(i, j int) bool { return loops[i].ID < loops[j].ID })
	return loops, nil
}

// Get returns the entry for a loop id.
func (r *Registry) Get(id string) (RegistryEntry, error) {
	file, err := r.load()
	if err != nil {
		return RegistryEntry{}, err
	}
	for _, entry := range file.Loops {
		if entry.ID == id {
			return entry, nil
		}
	}
	return RegistryEntry{}, ErrNotFound
}

// Register inserts or replaces an entry, stamping StartedAt when empty.
func (r *Registry) Register(entry RegistryEntry) error {
	file, err := r.load()
	if err != nil {
		return err
	}
	if entry.StartedAt == "" {
		entry.StartedAt = r.now().UTC().Format(time.RFC3339)
	}
	replaced := false
	for i := range file.Loops {
		if file.Loops[i].ID == entry.ID {
			file.Loops[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		file.Loops = append(file.Loops, entry)
	}
	return r.save(file)
}

// Deregister removes an entry, returning ErrNotFound when absent.
func (r *Registry) Deregister(id string) error {
	file, err := r.load()
	if err != nil {
		return err
	}
	kept := file.Loops[:0]
	found := false
	for _, entry := range file.Loops {
		if entry.ID == id {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return ErrNotFound
	}
	file.Loops = kept
	return r.save(file)
}

// PruneDead drops entries whose process is gone, returning the count.
func (r *Registry) PruneDead(isAlive func(pid int) bool) (int, error) {
	file, err := r.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	kept := file.Loops[:0]
	for _, entry := range file.Loops {
		if !isAlive(entry.PID) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	if removed == 0 {
		return 0, nil
	}
	file.Loops = kept
	if err := r.save(file); err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *Registry) load() (registryFile, error) {
	var file registryFile
	content, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return file, fmt.Errorf("failed reading loop registry '%s': %w", r.path, err)
	}
	if err := json.Unmarshal(content, &file); err != nil {
		return file, fmt.Errorf("failed parsing loop registry '%s': %w", r.path, err)
	}
	return file, nil
}

func (r *Registry) save(file registryFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed creating loop registry directory: %w", err)
	}
	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing loop registry: %w", err)
	}
	if err := os.WriteFile(r.path, payload, 0o644); err != nil {
		return fmt.Errorf("failed writing loop registry '%s': %w", r.path, err)
	}
	return nil
}
