// Package presets lists the hat presets available to a workspace: built-in
// presets shipped in the repo, user presets dropped into .ralph/hats, and
// saved collections.
package presets

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ralph-workflows/ralph-api/pkg/collections"
)

// Preset sources.
const (
	SourceBuiltin    = "builtin"
	SourceDirectory  = "directory"
	SourceCollection = "collection"
)

// Record is one preset.list row. Path is only set for directory presets,
// which the CLI loads straight from disk.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Domain resolves presets for a workspace.
type Domain struct {
	workspaceRoot string
}

// NewDomain binds the preset locations under workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{workspaceRoot: workspaceRoot}
}

// List returns builtin, directory, and collection presets, each class
// sorted by name then id, concatenated in that order.
func (d *Domain) List(summaries []collections.Summary) []Record {
	builtin := readPresetsFromDir(filepath.Join(d.workspaceRoot, "presets"), SourceBuiltin, false)
	directory := readPresetsFromDir(filepath.Join(d.workspaceRoot, ".ralph", "hats"), SourceDirectory, true)

	collectionPresets := make([]Record, 0, len(summaries))
	for _, summary := range summaries {
		collectionPresets = append(collectionPresets, Record{
			ID:          summary.ID,
			Name:        summary.Name,
			Source:      SourceCollection,
			Description: summary.Description,
		})
	}

	sortPresets(builtin)
	sortPresets(directory)
	sortPresets(collectionPresets)

	presets := make([]Record, 0, len(builtin)+len(directory)+len(collectionPresets))
	presets = append(presets, builtin...)
	presets = append(presets, directory...)
	presets = append(presets, collectionPresets...)
	return presets
}

func readPresetsFromDir(dir, source string, includePath bool) []Record {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []Record{}
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	presets := make([]Record, 0, len(files))
	for _, name := range files {
		stem := strings.TrimSuffix(name, ".yml")
		path := filepath.Join(dir, name)
		record := Record{
			ID:          source + ":" + stem,
			Name:        stem,
			Source:      source,
			Description: readPresetDescription(path),
		}
		if includePath {
			record.Path = path
		}
		presets = append(presets, record)
	}
	return presets
}

// readPresetDescription pulls the top-level description field out of a
// preset file, if the file parses at all.
func readPresetDescription(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		slog.Warn("failed parsing preset yaml", "path", path, "error", err)
		return ""
	}
	if description, ok := parsed["description"].(string); ok {
		return description
	}
	return ""
}

func sortPresets(presets []Record) {
	sort.Slice(presets, func(i, j int) bool {
		if presets[i].Name != presets[j].Name {
			return presets[i].Name < presets[j].Name
		}
		return presets[i].ID < presets[j].ID
	})
}
